package appserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultRequestTimeout applies to calls issued without an explicit timeout.
	DefaultRequestTimeout = 20 * time.Second
	// DefaultReadTimeout applies to each resource read attempt.
	DefaultReadTimeout = 10 * time.Second
)

// NotificationHandler receives every inbound message that is not a response.
// It runs on the client's read goroutine and must not wait on Call.
type NotificationHandler func(msg map[string]any)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithNotificationHandler sets the handler for unkeyed inbound messages.
func WithNotificationHandler(h NotificationHandler) Option {
	return func(c *Client) {
		c.onNotify = h
	}
}

// Client correlates JSON-RPC requests to the worker with their responses.
type Client struct {
	name      string
	transport Transport
	logger    *slog.Logger
	onNotify  NotificationHandler
	nextID    atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan callResult
	closeErr  error

	done chan struct{}
}

type callResult struct {
	result json.RawMessage
	err    error
}

type jsonRPCRequest struct {
	Method string          `json:"method"`
	ID     int64           `json:"id"`
	Params json.RawMessage `json:"params"`
}

type jsonRPCNotification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type jsonRPCError struct {
	Code    json.RawMessage `json:"code"`
	Message string          `json:"message"`
}

// NewClient starts reading from transport immediately.
func NewClient(name string, transport Transport, opts ...Option) *Client {
	c := &Client{
		name:      name,
		transport: transport,
		logger:    slog.Default(),
		pending:   make(map[int64]chan callResult),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.listen()
	return c
}

func (c *Client) listen() {
	defer close(c.done)
	for {
		msg, err := c.transport.Receive(context.Background())
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("app-server connection lost: %w", err)
			}
			c.fail(err)
			return
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(line json.RawMessage) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil || fields == nil {
		// Stray non-JSON output shares the stream.
		return
	}

	if id, ok := numericID(fields["id"]); ok {
		c.resolve(id, fields)
		return
	}

	if c.onNotify == nil {
		return
	}
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	var msg map[string]any
	if err := dec.Decode(&msg); err != nil {
		return
	}
	c.onNotify(msg)
}

func (c *Client) resolve(id int64, fields map[string]json.RawMessage) {
	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	if !ok {
		c.logger.Debug("app-server response without pending call", "client", c.name, "id", id)
		return
	}

	if remote := decodeRemoteError(fields["error"]); remote != nil {
		ch <- callResult{err: remote}
		return
	}
	ch <- callResult{result: fields["result"]}
}

func decodeRemoteError(raw json.RawMessage) *RemoteError {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var obj jsonRPCError
	if err := json.Unmarshal(raw, &obj); err != nil {
		var text string
		if json.Unmarshal(raw, &text) == nil && strings.TrimSpace(text) != "" {
			return &RemoteError{Message: strings.TrimSpace(text)}
		}
		return nil
	}
	remote := &RemoteError{Message: strings.TrimSpace(obj.Message)}
	if remote.Message == "" {
		remote.Message = "Unknown error"
	}
	if code, ok := numericID(obj.Code); ok {
		remote.Code = int(code)
		remote.HasCode = true
	}
	return remote
}

// numericID reports whether raw is a JSON number. Non-integral numbers are
// numeric but never match a pending call.
func numericID(raw json.RawMessage) (int64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0, false
	}
	if ch := raw[0]; ch != '-' && (ch < '0' || ch > '9') {
		return 0, false
	}
	if n, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
		return n, true
	}
	if _, err := strconv.ParseFloat(string(raw), 64); err == nil {
		return -1, true
	}
	return 0, false
}

// fail rejects every pending call with err and makes later calls fail fast.
func (c *Client) fail(err error) {
	c.pendingMu.Lock()
	if c.closeErr == nil {
		c.closeErr = err
	}
	pending := c.pending
	c.pending = make(map[int64]chan callResult)
	c.pendingMu.Unlock()

	if len(pending) > 0 {
		c.logger.Warn("failing outstanding app-server calls", "client", c.name, "count", len(pending), "error", err)
	}
	for _, ch := range pending {
		ch <- callResult{err: err}
	}
}

// forget removes a pending entry; false means a result was already delivered.
func (c *Client) forget(id int64) bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}

// Call issues method with params and waits for its response or the deadline.
// A zero timeout means DefaultRequestTimeout.
func (c *Client) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if strings.TrimSpace(method) == "" {
		return nil, errors.New("appserver: empty method")
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	paramsJSON, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	id := c.nextID.Add(1)
	b, err := json.Marshal(jsonRPCRequest{Method: method, ID: id, Params: paramsJSON})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	ch := make(chan callResult, 1)
	c.pendingMu.Lock()
	if c.closeErr != nil {
		err := c.closeErr
		c.pendingMu.Unlock()
		return nil, err
	}
	c.pending[id] = ch
	c.pendingMu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.transport.Send(callCtx, b); err != nil {
		if !c.forget(id) {
			res := <-ch
			return res.result, res.err
		}
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case res := <-ch:
		return res.result, res.err
	case <-callCtx.Done():
		if !c.forget(id) {
			res := <-ch
			return res.result, res.err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TimeoutError{Method: method, Timeout: timeout}
	}
}

// Notify sends a fire-and-forget message.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	c.pendingMu.Lock()
	closeErr := c.closeErr
	c.pendingMu.Unlock()
	if closeErr != nil {
		return closeErr
	}

	paramsJSON, err := marshalParams(params)
	if err != nil {
		return err
	}
	b, err := json.Marshal(jsonRPCNotification{Method: method, Params: paramsJSON})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := c.transport.Send(ctx, b); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}
	return nil
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return json.RawMessage(`{}`), nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	if bytes.Equal(b, []byte("null")) {
		return json.RawMessage(`{}`), nil
	}
	return b, nil
}

// Pending returns the number of outstanding calls.
func (c *Client) Pending() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// Done is closed once the read loop has stopped.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection stopped, or nil while it is live.
func (c *Client) Err() error {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return c.closeErr
}

// Close fails outstanding calls and terminates the worker.
func (c *Client) Close() error {
	c.fail(ErrTransportClosed)
	return c.transport.Close()
}
