package widget

// Source records where a resolved template URI came from.
type Source string

const (
	SourceNone                 Source = ""
	SourceResultUI             Source = "result_meta.ui.resourceUri"
	SourceResultOutputTemplate Source = "result_meta.openai/outputTemplate"
	SourceToolUI               Source = "tool_meta.ui.resourceUri"
	SourceToolOutputTemplate   Source = "tool_meta.openai/outputTemplate"
)

// Resolved is the outcome of template resolution. An empty URI with
// SourceNone means no template applies.
type Resolved struct {
	URI    string `json:"uri,omitempty"`
	Source Source `json:"source,omitempty"`
}

// Found reports whether a template was resolved.
func (r Resolved) Found() bool { return r.URI != "" }

// Resolve picks the template URI for a tool result. Result-scoped metadata
// wins over tool-scoped metadata, and within each scope ui.resourceUri wins
// over openai/outputTemplate. Tool metadata nested in the result metadata is
// preferred over toolMeta.
func Resolve(resultMeta *ResultMeta, toolMeta *ToolMeta) Resolved {
	if resultMeta != nil {
		if resultMeta.ResourceURI != "" {
			return Resolved{URI: resultMeta.ResourceURI, Source: SourceResultUI}
		}
		if resultMeta.OutputTemplate != "" {
			return Resolved{URI: resultMeta.OutputTemplate, Source: SourceResultOutputTemplate}
		}
		if resultMeta.ToolMeta != nil {
			toolMeta = resultMeta.ToolMeta
		}
	}
	if toolMeta != nil {
		if toolMeta.ResourceURI != "" {
			return Resolved{URI: toolMeta.ResourceURI, Source: SourceToolUI}
		}
		if toolMeta.OutputTemplate != "" {
			return Resolved{URI: toolMeta.OutputTemplate, Source: SourceToolOutputTemplate}
		}
	}
	return Resolved{}
}
