package relay

import (
	"context"
	"fmt"

	otelPkg "github.com/basket/codex-relay/internal/otel"
	"github.com/basket/codex-relay/internal/widget"
)

// ReadStrategy is one call shape for a read: the method to call and the
// parameter key that carries the server name.
type ReadStrategy struct {
	Method    string `yaml:"method" json:"method"`
	ServerKey string `yaml:"server_key" json:"server_key"`
}

// DefaultResourceReads is the resource read order used when none is configured.
func DefaultResourceReads() []ReadStrategy {
	return []ReadStrategy{
		{Method: "mcpServer/resource/read", ServerKey: "serverName"},
		{Method: "mcpServer/resource/read", ServerKey: "name"},
		{Method: "mcpServer/resource/read", ServerKey: "server"},
		{Method: "mcpServer/resources/read", ServerKey: "serverName"},
	}
}

// DefaultTemplateReads is the template read order used when none is configured.
func DefaultTemplateReads() []ReadStrategy {
	return []ReadStrategy{
		{Method: "mcpServer/resourceTemplate/read", ServerKey: "serverName"},
		{Method: "mcpServer/resourceTemplate/read", ServerKey: "name"},
		{Method: "mcpServer/resourceTemplate/read", ServerKey: "server"},
	}
}

// Source tags where a read result came from.
type Source string

const (
	SourceAppServer   Source = "app_server_rpc"
	SourceStatusCache Source = "status_cache"
	SourceUnavailable Source = "unavailable"
)

// ResourceReadResult is the outcome of ReadResource. Exhaustion is reported
// through Source and Error, not as a Go error.
type ResourceReadResult struct {
	Server   string                `json:"server"`
	URI      string                `json:"uri"`
	Source   Source                `json:"source"`
	Resource map[string]any        `json:"resource"`
	Contents []map[string]any      `json:"contents"`
	Security widget.SecurityPolicy `json:"security"`
	Error    string                `json:"error,omitempty"`
}

// ResourceTemplateReadResult is the outcome of ReadResourceTemplate.
type ResourceTemplateReadResult struct {
	Server      string         `json:"server"`
	URITemplate string         `json:"uriTemplate"`
	Source      Source         `json:"source"`
	Template    map[string]any `json:"template"`
	Error       string         `json:"error,omitempty"`
}

// ReadResource reads uri from server: first through the configured call
// shapes, then from the cached directory, and finally reports it unavailable.
func (g *Gateway) ReadResource(ctx context.Context, server, uri string) ResourceReadResult {
	ctx, span := otelPkg.StartSpan(ctx, g.tracer, "relay.read_resource",
		otelPkg.AttrServer.String(server),
		otelPkg.AttrResourceURI.String(uri),
	)
	defer span.End()

	g.warmStatus(ctx)

	res := ResourceReadResult{Server: server, URI: uri, Contents: []map[string]any{}}
	if obj, ok := g.tryReads(ctx, g.opts.ResourceReads, "uri", server, uri); ok {
		res.Source = SourceAppServer
		res.Resource, _ = obj["resource"].(map[string]any)
		res.Contents = objectList(obj["contents"])
		res.Security = widget.SecurityFor(res.Resource)
	} else if resource := g.cachedResource(server, uri); resource != nil {
		res.Source = SourceStatusCache
		res.Resource = resource
		res.Security = widget.SecurityFor(resource)
	} else {
		res.Source = SourceUnavailable
		res.Security = widget.SecurityFor(nil)
		res.Error = fmt.Sprintf("Resource %q was not found for MCP server %q.", uri, server)
	}

	span.SetAttributes(otelPkg.AttrResolverSource.String(string(res.Source)))
	g.metrics.RecordResourceRead(ctx, "resource", string(res.Source))
	return res
}

// ReadResourceTemplate is ReadResource for resource templates, matched on
// uriTemplate or uri_template in the cached directory.
func (g *Gateway) ReadResourceTemplate(ctx context.Context, server, uriTemplate string) ResourceTemplateReadResult {
	ctx, span := otelPkg.StartSpan(ctx, g.tracer, "relay.read_resource_template",
		otelPkg.AttrServer.String(server),
		otelPkg.AttrResourceURI.String(uriTemplate),
	)
	defer span.End()

	g.warmStatus(ctx)

	res := ResourceTemplateReadResult{Server: server, URITemplate: uriTemplate}
	if obj, ok := g.tryReads(ctx, g.opts.TemplateReads, "uriTemplate", server, uriTemplate); ok {
		res.Source = SourceAppServer
		if tmpl, ok := obj["template"].(map[string]any); ok {
			res.Template = tmpl
		} else {
			res.Template, _ = obj["resourceTemplate"].(map[string]any)
		}
	} else if tmpl := g.cachedTemplate(server, uriTemplate); tmpl != nil {
		res.Source = SourceStatusCache
		res.Template = tmpl
	} else {
		res.Source = SourceUnavailable
		res.Error = fmt.Sprintf("Resource template %q was not found for MCP server %q.", uriTemplate, server)
	}

	span.SetAttributes(otelPkg.AttrResolverSource.String(string(res.Source)))
	g.metrics.RecordResourceRead(ctx, "template", string(res.Source))
	return res
}

// warmStatus refreshes a stale directory. Failures are logged and the
// previous contents are used.
func (g *Gateway) warmStatus(ctx context.Context) {
	if _, err := g.ListServerStatus(ctx, false); err != nil {
		g.logger.Warn("status refresh before read failed", "error", err)
	}
}

// tryReads runs strategies in order. The first call that succeeds ends the
// chain; ok is false when none succeeded or the result was not an object.
func (g *Gateway) tryReads(ctx context.Context, strategies []ReadStrategy, idKey, server, id string) (map[string]any, bool) {
	for _, s := range strategies {
		if ctx.Err() != nil {
			return nil, false
		}
		params := map[string]any{s.ServerKey: server, idKey: id}
		raw, err := g.call(ctx, s.Method, params, g.opts.ReadTimeout)
		if err != nil {
			g.logger.Debug("read attempt failed", "method", s.Method, "server_key", s.ServerKey, "error", err)
			continue
		}
		return decodeObject(raw)
	}
	return nil, false
}

func (g *Gateway) cachedResource(server, uri string) map[string]any {
	s, ok := g.status.lookup(server)
	if !ok {
		return nil
	}
	for _, r := range s.Resources {
		if stringValue(r["uri"]) == uri {
			return r
		}
	}
	return nil
}

func (g *Gateway) cachedTemplate(server, uriTemplate string) map[string]any {
	s, ok := g.status.lookup(server)
	if !ok {
		return nil
	}
	for _, t := range s.ResourceTemplates {
		if stringValue(t["uriTemplate"]) == uriTemplate || stringValue(t["uri_template"]) == uriTemplate {
			return t
		}
	}
	return nil
}
