package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/basket/codex-relay/internal/appserver"
	"github.com/basket/codex-relay/internal/policy"
)

// errNoReply makes the fake worker swallow a request.
var errNoReply = errors.New("no reply")

type rpcFailure struct {
	code    int
	message string
}

func (e *rpcFailure) Error() string { return e.message }

type handlerFunc func(params map[string]any) (any, error)

type recordedMessage struct {
	Method string
	Params map[string]any
}

// fakeWorker implements appserver.Transport and answers requests from
// per-method handlers.
type fakeWorker struct {
	in   chan json.RawMessage
	exit chan error

	mu            sync.Mutex
	handlers      map[string]handlerFunc
	calls         []recordedMessage
	notifications []recordedMessage
	closed        bool
}

func newFakeWorker() *fakeWorker {
	w := &fakeWorker{
		in:       make(chan json.RawMessage, 256),
		exit:     make(chan error, 1),
		handlers: map[string]handlerFunc{},
	}
	w.handle("initialize", func(map[string]any) (any, error) {
		return map[string]any{"userAgent": "fake"}, nil
	})
	return w
}

func (w *fakeWorker) handle(method string, h handlerFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[method] = h
}

func (w *fakeWorker) Send(ctx context.Context, msg json.RawMessage) error {
	var req struct {
		ID     *int64         `json:"id"`
		Method string         `json:"method"`
		Params map[string]any `json:"params"`
	}
	if err := json.Unmarshal(msg, &req); err != nil {
		return err
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return appserver.ErrTransportClosed
	}
	rec := recordedMessage{Method: req.Method, Params: req.Params}
	if req.ID == nil {
		w.notifications = append(w.notifications, rec)
		w.mu.Unlock()
		return nil
	}
	w.calls = append(w.calls, rec)
	h := w.handlers[req.Method]
	w.mu.Unlock()

	var (
		result any
		err    error
	)
	if h == nil {
		err = &rpcFailure{code: -32601, message: "method not found: " + req.Method}
	} else {
		result, err = h(req.Params)
	}
	if errors.Is(err, errNoReply) {
		return nil
	}

	resp := map[string]any{"id": *req.ID}
	var failure *rpcFailure
	switch {
	case errors.As(err, &failure):
		resp["error"] = map[string]any{"code": failure.code, "message": failure.message}
	case err != nil:
		resp["error"] = map[string]any{"code": -32000, "message": err.Error()}
	default:
		resp["result"] = result
	}
	b, _ := json.Marshal(resp)
	w.in <- b
	return nil
}

func (w *fakeWorker) Receive(ctx context.Context) (json.RawMessage, error) {
	select {
	case msg := <-w.in:
		return msg, nil
	case err := <-w.exit:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *fakeWorker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		w.exit <- &appserver.ExitError{Code: -1, Signal: "terminated"}
	}
	return nil
}

// emit delivers an unkeyed message from the worker.
func (w *fakeWorker) emit(t *testing.T, msg map[string]any) {
	t.Helper()
	b, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal notification: %v", err)
	}
	w.in <- b
}

func (w *fakeWorker) callsTo(method string) []recordedMessage {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []recordedMessage
	for _, c := range w.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (w *fakeWorker) allCalls() []recordedMessage {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]recordedMessage(nil), w.calls...)
}

func (w *fakeWorker) sentNotifications() []recordedMessage {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]recordedMessage(nil), w.notifications...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestGateway(t *testing.T, w *fakeWorker, opts Options) *Gateway {
	t.Helper()
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 200 * time.Millisecond
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 2 * time.Second
	}
	g := New(w, opts)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

// statusPages serves pages of status rows keyed by cursor ("" is the first).
func statusPages(pages map[string]map[string]any) handlerFunc {
	return func(params map[string]any) (any, error) {
		cursor, _ := params["cursor"].(string)
		page, ok := pages[cursor]
		if !ok {
			return nil, fmt.Errorf("unknown cursor %q", cursor)
		}
		return page, nil
	}
}

func singlePage(rows ...map[string]any) handlerFunc {
	data := make([]any, 0, len(rows))
	for _, r := range rows {
		data = append(data, r)
	}
	return statusPages(map[string]map[string]any{
		"": {"data": data, "nextCursor": nil},
	})
}

func renderPolicy(enabled bool, allowed, blocked []string) *policy.Render {
	p := policy.NewRender(enabled, allowed, blocked)
	return &p
}
