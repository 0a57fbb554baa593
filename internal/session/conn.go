package session

import (
	"context"
	"encoding/json"
	"io"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/util"

	"github.com/gaspardpetit/mcpbridge/internal/logx"
)

// Conn is an initialized client connection to a child MCP server.
type Conn interface {
	// DoRPC sends a request and returns the raw result. A JSON-RPC error from
	// the server is returned as *UpstreamError.
	DoRPC(ctx context.Context, method string, params any) (json.RawMessage, error)
	Protocol() string
	ServerInfo() mcp.Implementation
	PID() int
	Stats(ctx context.Context) (*ProcessStats, error)
	// Done is closed when the server process has exited.
	Done() <-chan struct{}
	// Err reports why the process exited. It blocks until Done is closed.
	Err() error
	Close() error
}

// Dialer spawns a child and completes the initialize handshake.
type Dialer func(ctx context.Context, cfg Config, sessionID string) (Conn, error)

// stdioConn speaks MCP to a child process over its stdin/stdout.
type stdioConn struct {
	t     transport.Interface
	proc  *child
	id    atomic.Int64
	grace time.Duration

	protocol string
	info     mcp.Implementation

	closeOnce sync.Once
}

// transportLogger sends mcp-go transport diagnostics to zerolog.
type transportLogger struct{ session string }

func (l transportLogger) Infof(format string, v ...any) {
	logx.Log.Debug().Str("session", l.session).Msgf(format, v...)
}

func (l transportLogger) Errorf(format string, v ...any) {
	logx.Log.Warn().Str("session", l.session).Msgf(format, v...)
}

var newTransportLogger = func(sessionID string) util.Logger {
	return transportLogger{session: sessionID}
}

// DialStdio starts the configured command and initializes an MCP session on it.
func DialStdio(ctx context.Context, cfg Config, sessionID string) (Conn, error) {
	proc, err := startChild(cfg, sessionID)
	if err != nil {
		return nil, &SpawnError{Command: cfg.Command, Err: err}
	}
	// The child's stderr is drained by proc; the transport gets an empty log stream.
	t := transport.NewIO(proc.stdout, proc.stdin, io.NopCloser(strings.NewReader("")))
	transport.WithCommandLogger(newTransportLogger(sessionID))(t)
	t.SetNotificationHandler(func(n mcp.JSONRPCNotification) {
		logx.Log.Debug().Str("session", sessionID).Str("method", n.Method).Msg("mcp notification")
	})
	c := &stdioConn{t: t, proc: proc, grace: cfg.StopTimeout}
	if err := t.Start(context.WithoutCancel(ctx)); err != nil {
		_ = c.Close()
		return nil, &SpawnError{Command: cfg.Command, Err: err}
	}
	if err := c.initialize(ctx, cfg.ClientVersion); err != nil {
		if c.proc.exited() {
			err = &TransportError{Method: string(mcp.MethodInitialize), Exited: true, Err: c.proc.exitErr()}
		}
		_ = c.Close()
		return nil, &SpawnError{Command: cfg.Command, Err: err}
	}
	return c, nil
}

func (c *stdioConn) initialize(ctx context.Context, version string) error {
	// Fail fast when the process dies during the handshake.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.proc.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	params := struct {
		ProtocolVersion string                 `json:"protocolVersion"`
		ClientInfo      mcp.Implementation     `json:"clientInfo"`
		Capabilities    mcp.ClientCapabilities `json:"capabilities"`
	}{
		ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		ClientInfo:      mcp.Implementation{Name: "mcpbridge", Version: version},
	}
	raw, err := c.DoRPC(ctx, string(mcp.MethodInitialize), params)
	if err != nil {
		return err
	}
	var res mcp.InitializeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return err
	}
	if !slices.Contains(mcp.ValidProtocolVersions, res.ProtocolVersion) {
		return mcp.UnsupportedProtocolVersionError{Version: res.ProtocolVersion}
	}
	c.protocol = res.ProtocolVersion
	c.info = res.ServerInfo
	return c.t.SendNotification(ctx, mcp.JSONRPCNotification{
		JSONRPC:      mcp.JSONRPC_VERSION,
		Notification: mcp.Notification{Method: "notifications/initialized"},
	})
}

func (c *stdioConn) DoRPC(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.id.Add(1)
	req := transport.JSONRPCRequest{JSONRPC: mcp.JSONRPC_VERSION, ID: mcp.NewRequestId(id), Method: method, Params: params}
	resp, err := c.t.SendRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, &UpstreamError{Method: method, Code: resp.Error.Code, Message: resp.Error.Message}
	}
	return resp.Result, nil
}

func (c *stdioConn) Protocol() string               { return c.protocol }
func (c *stdioConn) ServerInfo() mcp.Implementation { return c.info }
func (c *stdioConn) PID() int                       { return c.proc.pid() }
func (c *stdioConn) Done() <-chan struct{}          { return c.proc.done }
func (c *stdioConn) Err() error                     { return c.proc.exitErr() }

func (c *stdioConn) Stats(ctx context.Context) (*ProcessStats, error) {
	return c.proc.stats(ctx)
}

// Close stops the transport and terminates the process. It is safe to call
// more than once.
func (c *stdioConn) Close() error {
	c.closeOnce.Do(func() {
		// Closing the transport closes the child's stdin.
		_ = c.t.Close()
		c.proc.stop(c.grace)
	})
	return nil
}
