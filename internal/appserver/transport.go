package appserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/basket/codex-relay/internal/shared"
)

// maxLineBytes bounds a single inbound line. Directory listings with many tool
// schemas can be large.
const maxLineBytes = 16 << 20

// ErrTransportClosed is returned by Send after Close and by Call once the
// client has been shut down locally.
var ErrTransportClosed = errors.New("transport closed")

// Transport defines the line-oriented communication layer to the worker.
type Transport interface {
	Send(ctx context.Context, msg json.RawMessage) error
	// Receive blocks for the next inbound line. When the worker is gone it
	// returns an *ExitError (or io.EOF when no exit status is known).
	Receive(ctx context.Context) (json.RawMessage, error)
	Close() error
}

// StdioTransport runs the worker as a subprocess and speaks newline-delimited
// JSON over its stdin/stdout. Stderr is diagnostic only and is logged.
type StdioTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *slog.Logger

	mu      sync.Mutex
	running bool

	lines   chan []byte
	done    chan struct{}
	exitErr error
}

// NewStdioTransport starts a subprocess and connects to its stdio.
func NewStdioTransport(command string, args []string, env map[string]string, logger *slog.Logger) (*StdioTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cmd := exec.Command(command, args...)

	cmd.Env = os.Environ()
	for k, v := range env {
		expanded := os.ExpandEnv(v)
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, expanded))
		logger.Debug("app-server env", "key", k, "value", shared.RedactEnvValue(k, expanded))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start command %q: %w", command, err)
	}

	t := &StdioTransport{
		cmd:     cmd,
		stdin:   stdin,
		logger:  logger,
		running: true,
		lines:   make(chan []byte, 64),
		done:    make(chan struct{}),
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logger.Debug("app-server stderr", "command", command, "msg", scanner.Text())
		}
	}()
	go t.readLoop(stdout)

	return t, nil
}

// readLoop owns stdout. Wait is only called once stdout is drained, as
// required by os/exec.
func (t *StdioTransport) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		t.lines <- line
	}
	if err := scanner.Err(); err != nil {
		t.logger.Warn("app-server stdout read failed", "error", err)
	}

	waitErr := t.cmd.Wait()
	t.exitErr = exitErrorFrom(t.cmd.ProcessState, waitErr)
	close(t.done)
}

func exitErrorFrom(state *os.ProcessState, waitErr error) error {
	if state == nil {
		if waitErr != nil {
			return fmt.Errorf("app-server exited: %w", waitErr)
		}
		return io.EOF
	}
	exit := &ExitError{Code: state.ExitCode()}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		exit.Signal = ws.Signal().String()
	}
	return exit
}

// Send writes one framed message. Concurrent senders never interleave.
func (t *StdioTransport) Send(ctx context.Context, msg json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return ErrTransportClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	framed := make([]byte, 0, len(msg)+1)
	framed = append(framed, msg...)
	framed = append(framed, '\n')
	if _, err := t.stdin.Write(framed); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

// Receive returns the next raw line, or the exit error once stdout is closed
// and all buffered lines have been consumed.
func (t *StdioTransport) Receive(ctx context.Context) (json.RawMessage, error) {
	select {
	case line := <-t.lines:
		return json.RawMessage(line), nil
	default:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case line := <-t.lines:
		return json.RawMessage(line), nil
	case <-t.done:
		// Lines queued before exit still win.
		select {
		case line := <-t.lines:
			return json.RawMessage(line), nil
		default:
		}
		return nil, t.exitErr
	}
}

// Done is closed once the worker process has exited.
func (t *StdioTransport) Done() <-chan struct{} {
	return t.done
}

// Close stops writes, closes stdin and asks the worker to terminate.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return nil
	}
	t.running = false

	_ = t.stdin.Close()

	if t.cmd.Process == nil {
		return nil
	}
	select {
	case <-t.done:
		return nil
	default:
	}
	if err := t.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		// Platforms without SIGTERM.
		if killErr := t.cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
			return fmt.Errorf("terminate app-server: %w", killErr)
		}
	}
	return nil
}
