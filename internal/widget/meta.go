// Package widget decodes tool metadata and decides which template renders a
// tool result.
package widget

import "strings"

// ToolMeta is the decoded metadata block of a tool descriptor or of the
// tool_meta entry nested inside a result's metadata.
type ToolMeta struct {
	// ResourceURI is ui.resourceUri, trimmed.
	ResourceURI    string
	OutputTemplate string
	ConnectorName  string
	ConnectorID    string

	// UI is the raw ui object, nil when absent or not an object.
	UI map[string]any
	// Raw is the metadata object as received.
	Raw map[string]any
}

// ResultMeta is the decoded result_meta block of a tool result.
type ResultMeta struct {
	ResourceURI    string
	OutputTemplate string
	// ToolMeta is the nested tool_meta entry, nil when absent.
	ToolMeta *ToolMeta
}

// DecodeToolMeta reads a metadata object. It returns nil for anything that is
// not a JSON object.
func DecodeToolMeta(v any) *ToolMeta {
	m, ok := v.(map[string]any)
	if !ok || m == nil {
		return nil
	}
	tm := &ToolMeta{
		OutputTemplate: stringField(m, "openai/outputTemplate"),
		ConnectorName:  stringField(m, "connector_name"),
		ConnectorID:    stringField(m, "connector_id"),
		Raw:            m,
	}
	if ui, ok := m["ui"].(map[string]any); ok {
		tm.UI = ui
		tm.ResourceURI = stringField(ui, "resourceUri")
	}
	return tm
}

// DescriptorMeta extracts the metadata block of a tool or resource
// descriptor, reading _meta and falling back to meta.
func DescriptorMeta(descriptor map[string]any) *ToolMeta {
	if descriptor == nil {
		return nil
	}
	if tm := DecodeToolMeta(descriptor["_meta"]); tm != nil {
		return tm
	}
	return DecodeToolMeta(descriptor["meta"])
}

// DecodeResultMeta reads a result_meta object. Non-objects decode to nil.
func DecodeResultMeta(v any) *ResultMeta {
	m, ok := v.(map[string]any)
	if !ok || m == nil {
		return nil
	}
	rm := &ResultMeta{
		OutputTemplate: stringField(m, "openai/outputTemplate"),
		ToolMeta:       DecodeToolMeta(m["tool_meta"]),
	}
	if ui, ok := m["ui"].(map[string]any); ok {
		rm.ResourceURI = stringField(ui, "resourceUri")
	}
	return rm
}

// stringField returns the trimmed string at key, or "" when missing, blank or
// not a string.
func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}
