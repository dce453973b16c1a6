// Package relay is the gateway between callers and the codex app-server. It
// owns the worker connection, caches the tool-server directory, resolves
// resources and templates, and enriches notifications before fanning them out.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/codex-relay/internal/appserver"
	"github.com/basket/codex-relay/internal/bus"
	otelPkg "github.com/basket/codex-relay/internal/otel"
	"github.com/basket/codex-relay/internal/policy"
)

const (
	// DefaultRefreshInterval is how long a status directory stays fresh.
	DefaultRefreshInterval = 60 * time.Second
	// DefaultStatusPageSize is the page size for mcpServerStatus/list.
	DefaultStatusPageSize = 100
)

// ClientInfo identifies the relay in the initialize handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title"`
	Version string `json:"version"`
}

// DefaultClientInfo is sent when Options.ClientInfo is empty.
var DefaultClientInfo = ClientInfo{
	Name:    "codex-flavor-host",
	Title:   "Codex Flavor Host",
	Version: "1.0.0",
}

// Notification is an inbound worker message without a numeric id, after
// enrichment. Listeners must treat it as read-only.
type Notification = map[string]any

// Options configures a Gateway. Zero values select defaults.
type Options struct {
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otelPkg.Metrics

	// RenderPolicy gates ui_allowed during enrichment. Nil allows every app.
	RenderPolicy *policy.Render

	RequestTimeout  time.Duration
	ReadTimeout     time.Duration
	RefreshInterval time.Duration
	StatusPageSize  int

	ResourceReads []ReadStrategy
	TemplateReads []ReadStrategy

	ClientInfo ClientInfo

	// Clock overrides time.Now for staleness checks.
	Clock func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Tracer == nil {
		o.Tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = appserver.DefaultRequestTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = appserver.DefaultReadTimeout
	}
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = DefaultRefreshInterval
	}
	if o.StatusPageSize <= 0 {
		o.StatusPageSize = DefaultStatusPageSize
	}
	if len(o.ResourceReads) == 0 {
		o.ResourceReads = DefaultResourceReads()
	}
	if len(o.TemplateReads) == 0 {
		o.TemplateReads = DefaultTemplateReads()
	}
	if o.ClientInfo == (ClientInfo{}) {
		o.ClientInfo = DefaultClientInfo
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// Gateway is one relay session bound to one worker process.
type Gateway struct {
	id      string
	opts    Options
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otelPkg.Metrics

	client        *appserver.Client
	notifications *bus.Bus[Notification]
	policy        *policy.Live
	status        *statusCache

	initSem     chan struct{} // holds one token while initialize is in flight
	initialized atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

// New starts a Gateway over transport. The worker is not contacted until the
// first operation, which performs the initialize handshake.
func New(transport appserver.Transport, opts Options) *Gateway {
	opts = opts.withDefaults()
	id := uuid.NewString()
	logger := opts.Logger.With("gateway_id", id)

	render := policy.Default()
	if opts.RenderPolicy != nil {
		render = *opts.RenderPolicy
	}

	g := &Gateway{
		id:            id,
		opts:          opts,
		logger:        logger,
		tracer:        opts.Tracer,
		metrics:       opts.Metrics,
		notifications: bus.New[Notification](logger),
		policy:        policy.NewLive(render),
		status:        newStatusCache(),
		initSem:       make(chan struct{}, 1),
	}
	g.client = appserver.NewClient("app-server", transport,
		appserver.WithLogger(logger),
		appserver.WithNotificationHandler(g.handleNotification),
	)
	return g
}

// ID returns the gateway instance id.
func (g *Gateway) ID() string { return g.id }

// Subscribe registers listener for enriched notifications.
func (g *Gateway) Subscribe(listener func(Notification)) (unsubscribe func()) {
	return g.notifications.Subscribe(listener)
}

// SetRenderPolicy replaces the policy used by later enrichment.
func (g *Gateway) SetRenderPolicy(p policy.Render) {
	g.policy.Store(p)
	g.logger.Info("render policy updated", "version", p.Version(), "enabled", p.Enabled())
}

// RenderPolicy returns the active render policy.
func (g *Gateway) RenderPolicy() policy.Render {
	return g.policy.Load()
}

// Stats is a point-in-time view of gateway state.
type Stats struct {
	GatewayID         string    `json:"gateway_id"`
	Initialized       bool      `json:"initialized"`
	PendingCalls      int       `json:"pending_calls"`
	Subscribers       int       `json:"subscribers"`
	CachedServers     int       `json:"cached_servers"`
	LastStatusRefresh time.Time `json:"last_status_refresh,omitzero"`
	PolicyVersion     string    `json:"policy_version"`
	WorkerError       string    `json:"worker_error,omitempty"`
}

// Stats reports current gateway state.
func (g *Gateway) Stats() Stats {
	servers, refreshedAt := g.status.info()
	s := Stats{
		GatewayID:         g.id,
		Initialized:       g.initialized.Load(),
		PendingCalls:      g.client.Pending(),
		Subscribers:       g.notifications.SubscriberCount(),
		CachedServers:     servers,
		LastStatusRefresh: refreshedAt,
		PolicyVersion:     g.policy.Version(),
	}
	if err := g.client.Err(); err != nil {
		s.WorkerError = err.Error()
	}
	return s
}

// Done is closed when the worker connection has stopped.
func (g *Gateway) Done() <-chan struct{} {
	return g.client.Done()
}

// Err returns why the worker connection stopped, or nil while it is live.
func (g *Gateway) Err() error {
	return g.client.Err()
}

// Close fails outstanding calls and terminates the worker.
func (g *Gateway) Close() error {
	g.closeOnce.Do(func() {
		g.closeErr = g.client.Close()
		g.logger.Info("gateway closed")
	})
	return g.closeErr
}

// ensureInitialized performs the initialize handshake once per connection.
// Concurrent callers wait for the first attempt, or until their own ctx is
// done; a failed attempt is retried by the next caller.
func (g *Gateway) ensureInitialized(ctx context.Context) error {
	if g.initialized.Load() {
		return nil
	}
	select {
	case g.initSem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("initialize app-server: %w", ctx.Err())
	}
	defer func() { <-g.initSem }()
	if g.initialized.Load() {
		return nil
	}

	params := map[string]any{"clientInfo": g.opts.ClientInfo}
	if _, err := g.rawCall(ctx, "initialize", params, g.opts.RequestTimeout); err != nil {
		return fmt.Errorf("initialize app-server: %w", err)
	}
	if err := g.client.Notify(ctx, "initialized", nil); err != nil {
		return fmt.Errorf("send initialized: %w", err)
	}
	g.initialized.Store(true)
	g.logger.Info("app-server session initialized", "client", g.opts.ClientInfo.Name)
	return nil
}

// call issues method after the handshake.
func (g *Gateway) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if err := g.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	return g.rawCall(ctx, method, params, timeout)
}

func (g *Gateway) rawCall(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	ctx, span := otelPkg.StartClientSpan(ctx, g.tracer, "appserver."+method,
		otelPkg.AttrGatewayID.String(g.id),
		otelPkg.AttrMethod.String(method),
	)
	g.metrics.CallStarted(ctx, 1)
	start := time.Now()

	result, err := g.client.Call(ctx, method, params, timeout)

	g.metrics.CallStarted(ctx, -1)
	kind := ErrorKind(err)
	g.metrics.RecordCall(ctx, method, kind, time.Since(start))
	if kind != "" {
		span.SetAttributes(otelPkg.AttrErrorKind.String(kind))
	}
	otelPkg.EndSpan(span, err)
	return result, err
}

// ErrorKind classifies a call error for metrics and push-channel error codes.
// It returns "" for nil.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	var (
		remote  *appserver.RemoteError
		timeout *appserver.TimeoutError
		exit    *appserver.ExitError
		args    *ArgumentError
	)
	switch {
	case errors.As(err, &args):
		return "invalid_arguments"
	case errors.As(err, &remote):
		return "remote"
	case errors.As(err, &timeout):
		return "timeout"
	case errors.As(err, &exit):
		return "exit"
	case errors.Is(err, appserver.ErrTransportClosed):
		return "closed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "transport"
	}
}

// decodeObject decodes raw as a JSON object, keeping numbers as json.Number.
func decodeObject(raw json.RawMessage) (map[string]any, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// objectList keeps the object entries of a JSON array value.
func objectList(v any) []map[string]any {
	out := []map[string]any{}
	items, ok := v.([]any)
	if !ok {
		return out
	}
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
