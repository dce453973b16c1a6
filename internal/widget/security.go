package widget

import "strings"

// SecurityPolicy describes where a rendered widget may load content from.
type SecurityPolicy struct {
	WidgetDomain    *string  `json:"widgetDomain"`
	ConnectDomains  []string `json:"connectDomains"`
	ResourceDomains []string `json:"resourceDomains"`
	FrameDomains    []string `json:"frameDomains"`
}

// SecurityFor derives the policy from a resource descriptor's metadata. A nil
// resource yields an empty policy with non-nil lists.
func SecurityFor(resource map[string]any) SecurityPolicy {
	var meta map[string]any
	if tm := DescriptorMeta(resource); tm != nil {
		meta = tm.Raw
	}
	csp, _ := meta["openai/widgetCSP"].(map[string]any)

	sp := SecurityPolicy{
		ConnectDomains:  stringList(csp["connect_domains"]),
		ResourceDomains: stringList(csp["resource_domains"]),
		FrameDomains:    stringList(csp["frame_domains"]),
	}
	if d := stringField(meta, "openai/widgetDomain"); d != "" {
		sp.WidgetDomain = &d
	}
	return sp
}

func stringList(v any) []string {
	out := []string{}
	items, ok := v.([]any)
	if !ok {
		return out
	}
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
