package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/codex-relay/internal/appserver"
	otelPkg "github.com/basket/codex-relay/internal/otel"
	"github.com/basket/codex-relay/internal/relay"
)

const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603

	// Relay error taxonomy.
	ErrCodeTimeout           = 4080
	ErrCodeWorkerUnavailable = 5030
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	Method  string    `json:"method,omitempty"`
	Params  any       `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// errInvalidParams marks request parameters rejected before reaching the
// Gateway.
var errInvalidParams = errors.New("invalid params")

func invalidParams(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errInvalidParams, fmt.Sprintf(format, args...))
}

func (s *Server) handleRPC(ctx context.Context, req rpcRequest) *rpcResponse {
	id, hasID := decodeID(req.ID)
	if req.JSONRPC != "2.0" || req.Method == "" {
		if !hasID {
			return nil
		}
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &rpcError{Code: ErrCodeInvalidRequest, Message: "invalid JSON-RPC request"},
		}
	}

	handler, ok := s.methods()[req.Method]
	if !ok {
		if !hasID {
			return nil
		}
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &rpcError{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("method %q not found", req.Method)},
		}
	}

	ctx, span := otelPkg.StartServerSpan(ctx, s.tracer, "ws."+req.Method,
		otelPkg.AttrMethod.String(req.Method),
	)
	result, err := handler(ctx, req.Params)
	otelPkg.EndSpan(span, err)

	if err != nil {
		s.logger.WarnContext(ctx, "ws: request failed", "method", req.Method, "error", err, "kind", relay.ErrorKind(err))
	} else {
		s.logger.DebugContext(ctx, "ws: request", "method", req.Method)
	}
	if !hasID {
		return nil
	}
	if err != nil {
		return &rpcResponse{JSONRPC: "2.0", ID: id, Error: rpcErrorFor(err)}
	}
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

// rpcErrorFor maps Gateway errors onto push-channel error codes. Worker
// errors keep their own code.
func rpcErrorFor(err error) *rpcError {
	var (
		remote  *appserver.RemoteError
		timeout *appserver.TimeoutError
		exit    *appserver.ExitError
		args    *relay.ArgumentError
	)
	switch {
	case errors.Is(err, errInvalidParams), errors.As(err, &args):
		return &rpcError{Code: ErrCodeInvalidParams, Message: err.Error()}
	case errors.As(err, &remote):
		if remote.HasCode {
			return &rpcError{Code: remote.Code, Message: remote.Message}
		}
		return &rpcError{Code: ErrCodeInternal, Message: remote.Message}
	case errors.As(err, &timeout):
		return &rpcError{Code: ErrCodeTimeout, Message: err.Error()}
	case errors.As(err, &exit), errors.Is(err, appserver.ErrTransportClosed):
		return &rpcError{Code: ErrCodeWorkerUnavailable, Message: err.Error()}
	default:
		return &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
}

func decodeID(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, false
	}
	return generic, generic != nil
}

type methodHandler func(ctx context.Context, params json.RawMessage) (any, error)

func (s *Server) methods() map[string]methodHandler {
	return map[string]methodHandler{
		"models.list":           s.modelsList,
		"apps.list":             s.appsList,
		"servers.status":        s.serversStatus,
		"thread.start":          s.threadStart,
		"turn.start":            s.turnStart,
		"turn.steer":            s.turnSteer,
		"tool.call":             s.toolCall,
		"tool.read":             s.toolRead,
		"resource.read":         s.resourceRead,
		"resourceTemplate.read": s.resourceTemplateRead,
	}
}

// decodeParams tolerates absent params.
func decodeParams(raw json.RawMessage, into any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return invalidParams("%v", err)
	}
	return nil
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return invalidParams("%s is required", field)
	}
	return nil
}

func (s *Server) modelsList(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		Limit int `json:"limit"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	models, err := s.cfg.Relay.ListModels(ctx, p.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"data": nonNil(models)}, nil
}

func (s *Server) appsList(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		ForceRefetch bool `json:"forceRefetch"`
		Limit        int  `json:"limit"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	apps, err := s.cfg.Relay.ListApps(ctx, p.ForceRefetch, p.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"data": nonNil(apps)}, nil
}

func (s *Server) serversStatus(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		Force bool `json:"force"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	servers, err := s.cfg.Relay.ListServerStatus(ctx, p.Force)
	if err != nil {
		return nil, err
	}
	if servers == nil {
		servers = []relay.ServerStatus{}
	}
	return map[string]any{"data": servers}, nil
}

func (s *Server) threadStart(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		Model string `json:"model"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	threadID, err := s.cfg.Relay.StartThread(ctx, p.Model)
	if err != nil {
		return nil, err
	}
	return map[string]any{"threadId": threadID}, nil
}

type turnParams struct {
	ThreadID string           `json:"threadId"`
	Text     string           `json:"text"`
	Input    []map[string]any `json:"input"`
}

func (p turnParams) items() []map[string]any {
	if len(p.Input) > 0 {
		return p.Input
	}
	return relay.TextInput(p.Text)
}

func decodeTurn(raw json.RawMessage) (turnParams, error) {
	var p turnParams
	if err := decodeParams(raw, &p); err != nil {
		return p, err
	}
	if err := required("threadId", p.ThreadID); err != nil {
		return p, err
	}
	if len(p.Input) == 0 && strings.TrimSpace(p.Text) == "" {
		return p, invalidParams("text or input is required")
	}
	return p, nil
}

func (s *Server) turnStart(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decodeTurn(raw)
	if err != nil {
		return nil, err
	}
	if err := s.cfg.Relay.StartTurn(ctx, p.ThreadID, p.items()); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (s *Server) turnSteer(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decodeTurn(raw)
	if err != nil {
		return nil, err
	}
	if err := s.cfg.Relay.SteerTurn(ctx, p.ThreadID, p.items()); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (s *Server) toolCall(ctx context.Context, raw json.RawMessage) (any, error) {
	var call relay.ToolCall
	if err := decodeParams(raw, &call); err != nil {
		return nil, err
	}
	if err := required("threadId", call.ThreadID); err != nil {
		return nil, err
	}
	if err := required("tool", call.Tool); err != nil {
		return nil, err
	}
	if err := s.cfg.Relay.RelayToolCall(ctx, call); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (s *Server) toolRead(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		Server string `json:"server"`
		Tool   string `json:"tool"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := required("server", p.Server); err != nil {
		return nil, err
	}
	if err := required("tool", p.Tool); err != nil {
		return nil, err
	}
	descriptor, err := s.cfg.Relay.ReadTool(ctx, p.Server, p.Tool)
	if err != nil {
		return nil, err
	}
	return map[string]any{"server": p.Server, "tool": descriptor}, nil
}

func (s *Server) resourceRead(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		Server string `json:"server"`
		URI    string `json:"uri"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := required("server", p.Server); err != nil {
		return nil, err
	}
	if err := required("uri", p.URI); err != nil {
		return nil, err
	}
	return s.cfg.Relay.ReadResource(ctx, p.Server, p.URI), nil
}

func (s *Server) resourceTemplateRead(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		Server      string `json:"server"`
		URITemplate string `json:"uriTemplate"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := required("server", p.Server); err != nil {
		return nil, err
	}
	if err := required("uriTemplate", p.URITemplate); err != nil {
		return nil, err
	}
	return s.cfg.Relay.ReadResourceTemplate(ctx, p.Server, p.URITemplate), nil
}

func nonNil(rows []map[string]any) []map[string]any {
	if rows == nil {
		return []map[string]any{}
	}
	return rows
}
