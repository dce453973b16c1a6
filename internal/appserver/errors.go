package appserver

import (
	"fmt"
	"time"
)

// ExitError describes a worker process that terminated on its own. Every
// call outstanding at that moment, and every call issued afterwards, fails
// with it.
type ExitError struct {
	Code   int    // -1 when unknown or killed by a signal
	Signal string // empty when the process was not signalled
}

func (e *ExitError) Error() string {
	code := "null"
	if e.Code >= 0 {
		code = fmt.Sprintf("%d", e.Code)
	}
	signal := "null"
	if e.Signal != "" {
		signal = e.Signal
	}
	return fmt.Sprintf("app-server exited (code=%s, signal=%s)", code, signal)
}

// RemoteError is a JSON-RPC error object returned by the worker.
type RemoteError struct {
	Code    int
	HasCode bool
	Message string
}

func (e *RemoteError) Error() string {
	if !e.HasCode {
		return fmt.Sprintf("JSON-RPC unknown: %s", e.Message)
	}
	return fmt.Sprintf("JSON-RPC %d: %s", e.Code, e.Message)
}

// TimeoutError reports a call whose deadline elapsed before any response.
type TimeoutError struct {
	Method  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout waiting for %s response after %s", e.Method, e.Timeout)
}
