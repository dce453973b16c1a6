package relay

import (
	"context"

	"github.com/basket/codex-relay/internal/adapters/figma"
	"github.com/basket/codex-relay/internal/widget"
)

const itemTypeToolCall = "mcpToolCall"

// handleNotification runs on the worker read goroutine. It must not call back
// into the worker.
func (g *Gateway) handleNotification(msg map[string]any) {
	out, enriched := g.enrich(msg)
	method := stringValue(msg["method"])
	g.metrics.RecordNotification(context.Background(), method, enriched)
	g.notifications.Publish(out)
}

// enrich attaches render metadata to item/started and item/completed
// notifications for MCP tool calls. The input is never mutated; any other
// message is returned as is.
func (g *Gateway) enrich(msg map[string]any) (map[string]any, bool) {
	method := stringValue(msg["method"])
	if method != "item/started" && method != "item/completed" {
		return msg, false
	}
	params, ok := msg["params"].(map[string]any)
	if !ok {
		return msg, false
	}
	item, ok := params["item"].(map[string]any)
	if !ok {
		return msg, false
	}
	enrichedItem, ok := g.enrichToolCall(item)
	if !ok {
		return msg, false
	}

	outParams := shallowCopy(params)
	outParams["item"] = enrichedItem
	out := shallowCopy(msg)
	out["params"] = outParams
	return out, true
}

func (g *Gateway) enrichToolCall(item map[string]any) (map[string]any, bool) {
	if stringValue(item["type"]) != itemTypeToolCall {
		return nil, false
	}
	server := stringValue(item["server"])
	tool := stringValue(item["tool"])
	if server == "" || tool == "" {
		return nil, false
	}
	descriptor := g.ToolDescriptor(server, tool)
	if descriptor == nil {
		return nil, false
	}

	toolMeta := widget.DescriptorMeta(descriptor)
	var (
		rawToolMeta    any
		outputTemplate any
		ui             any
		connectorName  string
		connectorID    string
	)
	if toolMeta != nil {
		rawToolMeta = toolMeta.Raw
		outputTemplate = toolMeta.Raw["openai/outputTemplate"]
		if toolMeta.UI != nil {
			ui = toolMeta.UI
		}
		connectorName = toolMeta.ConnectorName
		connectorID = toolMeta.ConnectorID
	}

	result, _ := item["result"].(map[string]any)
	existing, _ := result["result_meta"].(map[string]any)
	resolved := widget.Resolve(widget.DecodeResultMeta(existing), toolMeta)

	meta := shallowCopy(existing)
	meta["tool_meta"] = rawToolMeta
	meta["openai/outputTemplate"] = outputTemplate
	meta["ui"] = ui
	meta["connector_name"] = nullable(connectorName)
	meta["connector_id"] = nullable(connectorID)
	meta["resolved_template_uri"] = nullable(resolved.URI)
	meta["resolved_template_source"] = nullable(string(resolved.Source))
	meta["ui_allowed"] = g.policy.Allow(connectorName, connectorID)
	meta["figma"] = map[string]any{
		"renderCapable":     figma.RenderCapable(server, tool),
		"trustedPreviewUrl": nullable(figma.TrustedPreviewURL(result)),
	}

	out := shallowCopy(item)
	if result != nil {
		outResult := shallowCopy(result)
		outResult["result_meta"] = meta
		out["result"] = outResult
	} else {
		out["result"] = nil
	}
	out["tool_meta"] = rawToolMeta

	g.logger.Debug("enriched tool call",
		"server", server, "tool", tool,
		"template", resolved.URI, "template_source", string(resolved.Source))
	return out, true
}

func shallowCopy(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// nullable maps "" to a JSON null.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
