package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	otelPkg "github.com/basket/codex-relay/internal/otel"
)

const (
	defaultModelLimit = 50
	defaultAppLimit   = 100
)

// ListModels returns the worker's visible models.
func (g *Gateway) ListModels(ctx context.Context, limit int) ([]map[string]any, error) {
	if limit <= 0 {
		limit = defaultModelLimit
	}
	raw, err := g.call(ctx, "model/list", map[string]any{
		"limit":         limit,
		"includeHidden": false,
	}, g.opts.RequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	page, _ := decodeObject(raw)
	return objectList(page["data"]), nil
}

// ListApps returns the first page of connected apps. forceRefetch asks the
// worker to bypass its own cache.
func (g *Gateway) ListApps(ctx context.Context, forceRefetch bool, limit int) ([]map[string]any, error) {
	if limit <= 0 {
		limit = defaultAppLimit
	}
	raw, err := g.call(ctx, "app/list", map[string]any{
		"cursor":       nil,
		"limit":        limit,
		"forceRefetch": forceRefetch,
	}, g.opts.RequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("list apps: %w", err)
	}
	page, _ := decodeObject(raw)
	return objectList(page["data"]), nil
}

// StartThread creates a thread, optionally pinned to model, and returns its id.
func (g *Gateway) StartThread(ctx context.Context, model string) (string, error) {
	params := map[string]any{}
	if model = strings.TrimSpace(model); model != "" {
		params["model"] = model
	}
	raw, err := g.call(ctx, "thread/start", params, g.opts.RequestTimeout)
	if err != nil {
		return "", fmt.Errorf("start thread: %w", err)
	}
	result, _ := decodeObject(raw)
	thread, _ := result["thread"].(map[string]any)
	id := stringValue(thread["id"])
	if id == "" {
		return "", errors.New("thread/start did not return thread.id")
	}
	return id, nil
}

// TextInput builds a single text input item for a turn.
func TextInput(text string) []map[string]any {
	return []map[string]any{{"type": "text", "text": text}}
}

// StartTurn begins a turn on threadID.
func (g *Gateway) StartTurn(ctx context.Context, threadID string, input []map[string]any) error {
	return g.turn(ctx, "turn/start", threadID, input)
}

// SteerTurn adds input to the running turn on threadID.
func (g *Gateway) SteerTurn(ctx context.Context, threadID string, input []map[string]any) error {
	return g.turn(ctx, "turn/steer", threadID, input)
}

func (g *Gateway) turn(ctx context.Context, method, threadID string, input []map[string]any) error {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return fmt.Errorf("%s: thread id is required", method)
	}
	if input == nil {
		input = []map[string]any{}
	}
	ctx, span := otelPkg.StartSpan(ctx, g.tracer, "relay.turn",
		otelPkg.AttrThreadID.String(threadID),
		otelPkg.AttrMethod.String(method),
	)
	_, err := g.call(ctx, method, map[string]any{
		"threadId": threadID,
		"input":    input,
	}, g.opts.RequestTimeout)
	otelPkg.EndSpan(span, err)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

// ToolCall asks the worker to invoke a tool inside a thread's running turn.
type ToolCall struct {
	ThreadID  string `json:"threadId"`
	Server    string `json:"server,omitempty"`
	Tool      string `json:"tool"`
	Arguments any    `json:"arguments,omitempty"`
	// AppSlug, when set, prefixes the prompt with a $slug mention.
	AppSlug string `json:"appSlug,omitempty"`
}

// ArgumentError reports tool arguments rejected by the tool's input schema.
type ArgumentError struct {
	Server string
	Tool   string
	Err    error
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid arguments for %s/%s: %v", e.Server, e.Tool, e.Err)
}

func (e *ArgumentError) Unwrap() error { return e.Err }

// RelayToolCall steers the thread's turn with an instruction to call the
// tool. When the tool's cached descriptor carries an inputSchema, arguments
// are validated against it first.
func (g *Gateway) RelayToolCall(ctx context.Context, call ToolCall) error {
	tool := strings.TrimSpace(call.Tool)
	if tool == "" {
		return errors.New("relay tool call: tool is required")
	}
	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}
	argsJSON, err := marshalCompact(args)
	if err != nil {
		return fmt.Errorf("relay tool call: encode arguments: %w", err)
	}

	ctx, span := otelPkg.StartSpan(ctx, g.tracer, "relay.tool_call",
		otelPkg.AttrServer.String(call.Server),
		otelPkg.AttrToolName.String(tool),
		otelPkg.AttrThreadID.String(call.ThreadID),
	)
	err = g.relayToolCall(ctx, call, tool, argsJSON)
	otelPkg.EndSpan(span, err)
	return err
}

func (g *Gateway) relayToolCall(ctx context.Context, call ToolCall, tool string, argsJSON []byte) error {
	if server := strings.TrimSpace(call.Server); server != "" {
		descriptor, err := g.ReadTool(ctx, server, tool)
		if err != nil {
			g.logger.Warn("tool descriptor unavailable, skipping argument validation",
				"server", server, "tool", tool, "error", err)
		}
		if schema, ok := descriptor["inputSchema"].(map[string]any); ok {
			compiled, err := compileSchema(schema)
			if err != nil {
				g.logger.Warn("tool input schema unusable, skipping argument validation",
					"server", server, "tool", tool, "error", err)
			} else if err := validateArguments(compiled, argsJSON); err != nil {
				return &ArgumentError{Server: server, Tool: tool, Err: err}
			}
		}
	}

	prefix := ""
	if slug := strings.TrimSpace(call.AppSlug); slug != "" {
		prefix = "$" + slug + " "
	}
	text := fmt.Sprintf("%sCall tool %q with arguments %s. Return the raw tool result with minimal additional narration.",
		prefix, tool, argsJSON)
	return g.SteerTurn(ctx, call.ThreadID, TextInput(text))
}

// compileSchema compiles a worker-advertised input schema. Remote $refs are
// not fetched, so schemas that need them fail here.
func compileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("input-schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile("input-schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

// validateArguments checks argsJSON against a compiled schema.
func validateArguments(compiled *jsonschema.Schema, argsJSON []byte) error {
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(argsJSON))
	if err != nil {
		return fmt.Errorf("parse arguments: %w", err)
	}
	return compiled.Validate(value)
}

// marshalCompact encodes v without HTML escaping.
func marshalCompact(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
