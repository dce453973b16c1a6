package appserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// MockTransport implements Transport for testing.
type MockTransport struct {
	In   chan json.RawMessage // messages from the worker (Receive)
	Out  chan json.RawMessage // messages to the worker (Send)
	Exit chan error

	mu     sync.Mutex
	closed bool
}

func NewMockTransport() *MockTransport {
	return &MockTransport{
		In:   make(chan json.RawMessage, 64),
		Out:  make(chan json.RawMessage, 64),
		Exit: make(chan error, 1),
	}
}

func (m *MockTransport) Send(ctx context.Context, msg json.RawMessage) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrTransportClosed
	}
	select {
	case m.Out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MockTransport) Receive(ctx context.Context) (json.RawMessage, error) {
	select {
	case msg := <-m.In:
		return msg, nil
	case err := <-m.Exit:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.Exit <- &ExitError{Code: -1, Signal: "terminated"}
	}
	return nil
}

func readRequest(t *testing.T, transport *MockTransport) jsonRPCRequest {
	t.Helper()
	select {
	case msg := <-transport.Out:
		var req jsonRPCRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			t.Fatalf("invalid request json: %v", err)
		}
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for request")
	}
	return jsonRPCRequest{}
}

func TestClient_CallResolvesResult(t *testing.T) {
	transport := NewMockTransport()
	client := NewClient("test", transport)
	defer client.Close()

	type outcome struct {
		res json.RawMessage
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := client.Call(context.Background(), "model/list", map[string]any{"limit": 5}, time.Second)
		done <- outcome{res, err}
	}()

	req := readRequest(t, transport)
	if req.Method != "model/list" {
		t.Fatalf("method = %q", req.Method)
	}
	if req.ID != 1 {
		t.Fatalf("first id = %d, want 1", req.ID)
	}
	if string(req.Params) != `{"limit":5}` {
		t.Fatalf("params = %s", req.Params)
	}
	transport.In <- json.RawMessage(`{"id":1,"result":{"data":[]}}`)

	got := <-done
	if got.err != nil {
		t.Fatalf("Call: %v", got.err)
	}
	if string(got.res) != `{"data":[]}` {
		t.Errorf("result = %s", got.res)
	}
	if client.Pending() != 0 {
		t.Errorf("pending = %d, want 0", client.Pending())
	}
}

func TestClient_RequestFrameHasNoJSONRPCField(t *testing.T) {
	transport := NewMockTransport()
	client := NewClient("test", transport)
	defer client.Close()

	go func() { _, _ = client.Call(context.Background(), "thread/start", nil, 200*time.Millisecond) }()

	msg := <-transport.Out
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(msg, &fields); err != nil {
		t.Fatal(err)
	}
	if _, ok := fields["jsonrpc"]; ok {
		t.Errorf("unexpected jsonrpc field in %s", msg)
	}
	if string(fields["params"]) != `{}` {
		t.Errorf("nil params should frame as {}, got %s", fields["params"])
	}
}

func TestClient_IDsIncrease(t *testing.T) {
	transport := NewMockTransport()
	client := NewClient("test", transport)
	defer client.Close()

	for want := int64(1); want <= 3; want++ {
		errCh := make(chan error, 1)
		go func() {
			_, err := client.Call(context.Background(), "ping", nil, time.Second)
			errCh <- err
		}()
		req := readRequest(t, transport)
		if req.ID != want {
			t.Fatalf("id = %d, want %d", req.ID, want)
		}
		transport.In <- json.RawMessage(fmt.Sprintf(`{"id":%d,"result":null}`, req.ID))
		if err := <-errCh; err != nil {
			t.Fatalf("Call: %v", err)
		}
	}
}

func TestClient_RemoteError(t *testing.T) {
	transport := NewMockTransport()
	client := NewClient("test", transport)
	defer client.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "nope", nil, time.Second)
		errCh <- err
	}()
	req := readRequest(t, transport)
	transport.In <- json.RawMessage(fmt.Sprintf(`{"id":%d,"error":{"code":-32601,"message":"method not found"}}`, req.ID))

	err := <-errCh
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected *RemoteError, got %T: %v", err, err)
	}
	if remote.Code != -32601 || remote.Message != "method not found" {
		t.Errorf("unexpected remote error: %+v", remote)
	}
	if err.Error() != "JSON-RPC -32601: method not found" {
		t.Errorf("message = %q", err.Error())
	}
	var timeout *TimeoutError
	if errors.As(err, &timeout) {
		t.Error("remote error must not look like a timeout")
	}
}

func TestClient_TimeoutThenLateResponseIgnored(t *testing.T) {
	transport := NewMockTransport()
	client := NewClient("test", transport)
	defer client.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "slow/method", nil, 50*time.Millisecond)
		errCh <- err
	}()
	first := readRequest(t, transport)

	err := <-errCh
	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected *TimeoutError, got %T: %v", err, err)
	}
	if timeout.Method != "slow/method" {
		t.Errorf("timeout method = %q", timeout.Method)
	}
	if client.Pending() != 0 {
		t.Fatalf("pending = %d after timeout", client.Pending())
	}

	// A late response for the expired id must not leak into the next call.
	transport.In <- json.RawMessage(fmt.Sprintf(`{"id":%d,"result":"late"}`, first.ID))

	resCh := make(chan json.RawMessage, 1)
	go func() {
		res, _ := client.Call(context.Background(), "fast/method", nil, time.Second)
		resCh <- res
	}()
	second := readRequest(t, transport)
	if second.ID == first.ID {
		t.Fatalf("id reused: %d", second.ID)
	}
	transport.In <- json.RawMessage(fmt.Sprintf(`{"id":%d,"result":"fresh"}`, second.ID))
	if res := <-resCh; string(res) != `"fresh"` {
		t.Errorf("result = %s, want \"fresh\"", res)
	}
}

func TestClient_ConcurrentCallsOutOfOrder(t *testing.T) {
	transport := NewMockTransport()
	client := NewClient("test", transport)
	defer client.Close()

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := client.Call(context.Background(), "echo", map[string]int{"n": i}, 2*time.Second)
			if err != nil {
				errs <- err
				return
			}
			var got struct{ N int }
			if err := json.Unmarshal(res, &got); err != nil {
				errs <- err
				return
			}
			if got.N != i {
				errs <- fmt.Errorf("call %d got result for %d", i, got.N)
			}
		}(i)
	}

	reqs := make([]jsonRPCRequest, 0, n)
	for i := 0; i < n; i++ {
		reqs = append(reqs, readRequest(t, transport))
	}
	seen := map[int64]bool{}
	for i := len(reqs) - 1; i >= 0; i-- {
		req := reqs[i]
		if seen[req.ID] {
			t.Fatalf("duplicate id %d", req.ID)
		}
		seen[req.ID] = true
		transport.In <- json.RawMessage(fmt.Sprintf(`{"id":%d,"result":%s}`, req.ID, req.Params))
		// A duplicate response for the same id is ignored.
		transport.In <- json.RawMessage(fmt.Sprintf(`{"id":%d,"result":{"n":-1}}`, req.ID))
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestClient_ExitFailsOutstandingCalls(t *testing.T) {
	transport := NewMockTransport()
	client := NewClient("test", transport)

	const n = 3
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := client.Call(context.Background(), "turn/start", nil, 5*time.Second)
			errCh <- err
		}()
	}
	for i := 0; i < n; i++ {
		readRequest(t, transport)
	}

	transport.Exit <- &ExitError{Code: 1}

	for i := 0; i < n; i++ {
		err := <-errCh
		var exitErr *ExitError
		if !errors.As(err, &exitErr) {
			t.Fatalf("expected *ExitError, got %T: %v", err, err)
		}
		if exitErr.Code != 1 {
			t.Errorf("exit code = %d", exitErr.Code)
		}
	}
	<-client.Done()
	if client.Pending() != 0 {
		t.Errorf("pending = %d after exit", client.Pending())
	}

	// Later calls fail fast without touching the transport.
	_, err := client.Call(context.Background(), "model/list", nil, time.Second)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected fail-fast *ExitError, got %v", err)
	}
	select {
	case msg := <-transport.Out:
		t.Fatalf("unexpected write after exit: %s", msg)
	default:
	}
}

func TestClient_NotificationsAndMalformedLines(t *testing.T) {
	transport := NewMockTransport()
	got := make(chan map[string]any, 8)
	client := NewClient("test", transport, WithNotificationHandler(func(msg map[string]any) {
		got <- msg
	}))
	defer client.Close()

	transport.In <- json.RawMessage(`not json at all`)
	transport.In <- json.RawMessage(`[1,2,3]`)
	transport.In <- json.RawMessage(`null`)
	transport.In <- json.RawMessage(`{"id":999,"result":{}}`)
	transport.In <- json.RawMessage(`{"method":"turn/started","params":{"n":12345678901234567}}`)
	transport.In <- json.RawMessage(`{"id":"abc","method":"server/request"}`)

	first := <-got
	if first["method"] != "turn/started" {
		t.Fatalf("first notification = %v", first)
	}
	params := first["params"].(map[string]any)
	if n, ok := params["n"].(json.Number); !ok || n.String() != "12345678901234567" {
		t.Errorf("numbers should be preserved, got %#v", params["n"])
	}
	second := <-got
	if second["method"] != "server/request" {
		t.Fatalf("string id should be delivered as notification, got %v", second)
	}
	select {
	case extra := <-got:
		t.Fatalf("unexpected extra notification %v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClient_NotifyFramesWithoutID(t *testing.T) {
	transport := NewMockTransport()
	client := NewClient("test", transport)
	defer client.Close()

	if err := client.Notify(context.Background(), "initialized", map[string]any{}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	msg := <-transport.Out
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(msg, &fields); err != nil {
		t.Fatal(err)
	}
	if _, ok := fields["id"]; ok {
		t.Errorf("notification must not carry id: %s", msg)
	}
	if string(fields["method"]) != `"initialized"` {
		t.Errorf("method = %s", fields["method"])
	}
}

func TestClient_EmptyMethod(t *testing.T) {
	client := NewClient("test", NewMockTransport())
	defer client.Close()
	if _, err := client.Call(context.Background(), "  ", nil, time.Second); err == nil {
		t.Fatal("expected error for empty method")
	}
}

func TestClient_CloseFailsPending(t *testing.T) {
	transport := NewMockTransport()
	client := NewClient("test", transport)

	errCh := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "thread/start", nil, 5*time.Second)
		errCh <- err
	}()
	readRequest(t, transport)

	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := <-errCh; !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("expected ErrTransportClosed, got %v", err)
	}
	if err := client.Notify(context.Background(), "x", nil); !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("Notify after close: %v", err)
	}
}

func TestClient_ParentContextCancel(t *testing.T) {
	transport := NewMockTransport()
	client := NewClient("test", transport)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := client.Call(ctx, "thread/start", nil, 5*time.Second)
		errCh <- err
	}()
	readRequest(t, transport)
	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if client.Pending() != 0 {
		t.Errorf("pending = %d", client.Pending())
	}
}

func TestClient_WithSubprocessExit(t *testing.T) {
	// The worker reads one request, prints noise and exits with code 2.
	transport, err := NewStdioTransport("sh", []string{"-c", "read line; echo 'warming up'; exit 2"}, nil, nil)
	if err != nil {
		t.Fatalf("start sh: %v", err)
	}
	client := NewClient("sh", transport)
	defer client.Close()

	_, err = client.Call(context.Background(), "initialize", nil, 5*time.Second)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected *ExitError, got %T: %v", err, err)
	}
	if exitErr.Code != 2 {
		t.Errorf("exit code = %d, want 2", exitErr.Code)
	}
}

func TestClient_WithSubprocessRoundTrip(t *testing.T) {
	script := `read line; echo 'noise on stdout'; echo '{"id":1,"result":{"ok":true}}'; read line`
	transport, err := NewStdioTransport("sh", []string{"-c", script}, nil, nil)
	if err != nil {
		t.Fatalf("start sh: %v", err)
	}
	client := NewClient("sh", transport)
	defer client.Close()

	res, err := client.Call(context.Background(), "initialize", nil, 5*time.Second)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(res) != `{"ok":true}` {
		t.Errorf("result = %s", res)
	}
}
