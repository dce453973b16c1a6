// Package server exposes a relay Gateway to presentation clients over a
// WebSocket JSON-RPC channel and pushes enriched worker notifications to them.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	otelPkg "github.com/basket/codex-relay/internal/otel"
	"github.com/basket/codex-relay/internal/relay"
	"github.com/basket/codex-relay/internal/shared"
)

const (
	defaultQueueSize     = 256
	defaultMaxInFlight   = 8
	writeTimeout         = 10 * time.Second
	maxRequestFrameBytes = 4 << 20
)

// Relay is the Gateway surface the server drives. *relay.Gateway implements it.
type Relay interface {
	ListModels(ctx context.Context, limit int) ([]map[string]any, error)
	ListApps(ctx context.Context, forceRefetch bool, limit int) ([]map[string]any, error)
	ListServerStatus(ctx context.Context, force bool) ([]relay.ServerStatus, error)
	StartThread(ctx context.Context, model string) (string, error)
	StartTurn(ctx context.Context, threadID string, input []map[string]any) error
	SteerTurn(ctx context.Context, threadID string, input []map[string]any) error
	RelayToolCall(ctx context.Context, call relay.ToolCall) error
	ReadTool(ctx context.Context, server, tool string) (map[string]any, error)
	ReadResource(ctx context.Context, server, uri string) relay.ResourceReadResult
	ReadResourceTemplate(ctx context.Context, server, uriTemplate string) relay.ResourceTemplateReadResult
	Subscribe(listener func(relay.Notification)) (unsubscribe func())
	Stats() relay.Stats
}

type Config struct {
	Relay   Relay
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otelPkg.Metrics

	// AuthToken, when set, must be presented as a bearer token on /ws.
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS connections.
	// Empty list means same-origin only.
	AllowOrigins []string

	// QueueSize bounds each connection's pending notification queue. Pushes
	// beyond it are dropped.
	QueueSize int

	// MaxInFlight bounds concurrently executing requests per connection.
	MaxInFlight int
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer

	connsMu sync.RWMutex
	conns   map[string]*conn
}

func New(cfg Config) *Server {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = defaultMaxInFlight
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	return &Server{
		cfg:    cfg,
		logger: logger,
		tracer: tracer,
		conns:  map[string]*conn{},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

// Health is the /healthz payload.
type Health struct {
	Healthy     bool        `json:"healthy"`
	Connections int         `json:"connections"`
	Relay       relay.Stats `json:"relay"`
}

func (s *Server) Health() Health {
	stats := s.cfg.Relay.Stats()
	return Health{
		Healthy:     stats.WorkerError == "",
		Connections: s.ConnectionCount(),
		Relay:       stats,
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h := s.Health()
	w.Header().Set("Content-Type", "application/json")
	if !h.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(h)
}

// ConnectionCount returns the number of open push connections.
func (s *Server) ConnectionCount() int {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	return len(s.conns)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		s.logger.Warn("ws: unauthorized", "remote", r.RemoteAddr, "url", shared.RedactURL(r.URL))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Warn("ws: accept failed", "error", err)
		return
	}
	ws.SetReadLimit(maxRequestFrameBytes)

	c := &conn{
		id:    uuid.NewString(),
		ws:    ws,
		queue: make(chan relay.Notification, s.cfg.QueueSize),
		slots: make(chan struct{}, s.cfg.MaxInFlight),
	}
	ctx, cancel := context.WithCancel(shared.WithConnID(r.Context(), c.id))
	defer cancel()

	s.addConn(ctx, c)
	s.logger.InfoContext(ctx, "ws: client connected", "remote", r.RemoteAddr)

	unsubscribe := s.cfg.Relay.Subscribe(func(msg relay.Notification) { s.enqueue(ctx, c, msg) })

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.pushLoop(ctx, c)
	}()

	defer func() {
		unsubscribe()
		cancel()
		wg.Wait()
		s.removeConn(ctx, c)
		s.logger.InfoContext(ctx, "ws: client disconnected", "dropped", c.dropped.Load())
		_ = ws.Close(websocket.StatusNormalClosure, "bye")
	}()

	s.readLoop(ctx, c, &wg)
}

// readLoop reads request frames until the socket fails. Each request runs on
// its own goroutine, bounded by the connection's in-flight slots.
func (s *Server) readLoop(ctx context.Context, c *conn, wg *sync.WaitGroup) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				s.logger.DebugContext(ctx, "ws: read ended", "error", err)
			}
			return
		}

		var req rpcRequest
		if err := json.Unmarshal(data, &req); err != nil {
			s.respond(ctx, c, &rpcResponse{
				JSONRPC: "2.0",
				Error:   &rpcError{Code: ErrCodeParse, Message: "parse error"},
			})
			continue
		}

		select {
		case c.slots <- struct{}{}:
		case <-ctx.Done():
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-c.slots }()
			reqCtx := shared.WithTraceID(ctx, shared.NewTraceID())
			s.respond(reqCtx, c, s.handleRPC(reqCtx, req))
		}()
	}
}

func (s *Server) respond(ctx context.Context, c *conn, resp *rpcResponse) {
	if resp == nil {
		return
	}
	if err := c.write(ctx, resp); err != nil {
		s.logger.WarnContext(ctx, "ws: write response failed", "error", err)
	}
}

// enqueue runs on the worker read goroutine and must not block.
func (s *Server) enqueue(ctx context.Context, c *conn, msg relay.Notification) {
	select {
	case c.queue <- msg:
	default:
		c.dropped.Add(1)
		s.cfg.Metrics.RecordPushDrop(ctx)
		method, _ := msg["method"].(string)
		s.logger.WarnContext(ctx, "ws: push queue full, dropping notification", "method", method)
	}
}

func (s *Server) pushLoop(ctx context.Context, c *conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.queue:
			method, _ := msg["method"].(string)
			frame := rpcResponse{
				JSONRPC: "2.0",
				Method:  method,
				Params:  msg["params"],
			}
			if err := c.write(ctx, frame); err != nil {
				s.logger.WarnContext(ctx, "ws: push write failed", "method", method, "error", err)
				return
			}
		}
	}
}

func (s *Server) addConn(ctx context.Context, c *conn) {
	s.connsMu.Lock()
	s.conns[c.id] = c
	s.connsMu.Unlock()
	s.cfg.Metrics.ConnectionOpened(ctx, 1)
}

func (s *Server) removeConn(ctx context.Context, c *conn) {
	s.connsMu.Lock()
	delete(s.conns, c.id)
	s.connsMu.Unlock()
	s.cfg.Metrics.ConnectionOpened(context.WithoutCancel(ctx), -1)
}

type conn struct {
	id    string
	ws    *websocket.Conn
	queue chan relay.Notification
	slots chan struct{}

	mu      sync.Mutex
	dropped atomic.Int64
}

func (c *conn) write(ctx context.Context, payload any) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.ws, payload)
}
