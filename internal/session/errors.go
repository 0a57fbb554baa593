package session

import (
	"context"
	"errors"
	"fmt"
)

// Canonical error codes reported in logs, metrics and HTTP envelopes.
const (
	CodeSpawnFailed = "MCP_SPAWN_FAILED"
	CodeUpstream    = "MCP_UPSTREAM_ERROR"
	CodeTransport   = "MCP_TRANSPORT_ERROR"
	CodeTimeout     = "MCP_TIMEOUT"
	CodeClosed      = "MCP_SESSION_CLOSED"
)

// ErrClosed is returned once the manager has been shut down.
var ErrClosed = errors.New("session manager closed")

// SpawnError reports that the child could not be started or did not complete
// the initialize handshake.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("start mcp server %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// UpstreamError is a JSON-RPC error returned by the child.
type UpstreamError struct {
	Method  string
	Code    int
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// TransportError reports that a request could not complete its round trip:
// the child exited, the pipe broke, the response was malformed or timed out.
type TransportError struct {
	Method string
	// Exited is set when the child process was gone by the time the request failed.
	Exited bool
	Err    error
}

func (e *TransportError) Error() string {
	if e.Exited {
		return fmt.Sprintf("%s: mcp server exited: %v", e.Method, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Method, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Code maps an error returned by the manager to its canonical code.
// It returns an empty string for a nil error.
func Code(err error) string {
	if err == nil {
		return ""
	}
	var spawn *SpawnError
	var up *UpstreamError
	switch {
	case errors.Is(err, ErrClosed):
		return CodeClosed
	case errors.As(err, &spawn):
		return CodeSpawnFailed
	case errors.As(err, &up):
		return CodeUpstream
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	default:
		return CodeTransport
	}
}
