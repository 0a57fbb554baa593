// Package session owns the single child MCP server behind the bridge: it
// spawns the process lazily, performs the handshake and serializes the
// lifecycle so concurrent callers observe at most one live session.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/singleflight"

	"github.com/gaspardpetit/mcpbridge/internal/config"
	"github.com/gaspardpetit/mcpbridge/internal/logx"
	"github.com/gaspardpetit/mcpbridge/internal/metrics"
)

// Config describes how to launch and talk to the child server.
type Config struct {
	Command string
	Args    []string
	Env     []string
	WorkDir string

	InitTimeout time.Duration
	CallTimeout time.Duration
	StopTimeout time.Duration

	// ClientVersion is advertised in the initialize request.
	ClientVersion string
}

// ConfigFrom converts the file/flag configuration into a session Config.
func ConfigFrom(c config.MCPConfig, version string) Config {
	return Config{
		Command:       c.Command,
		Args:          c.Args,
		Env:           c.Env,
		WorkDir:       c.WorkDir,
		InitTimeout:   c.InitTimeout,
		CallTimeout:   c.CallTimeout,
		StopTimeout:   c.StopTimeout,
		ClientVersion: version,
	}
}

// State is the lifecycle state of the session.
type State int

const (
	StateAbsent State = iota
	StateInitializing
	StateLive
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateLive:
		return "live"
	default:
		return "absent"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Status is a point-in-time view of the session.
type Status struct {
	State      State
	Connected  bool
	SessionID  string
	StartedAt  time.Time
	PID        int
	Protocol   string
	ServerInfo mcp.Implementation
	Process    *ProcessStats
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer replaces the function used to spawn and initialize the child.
func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dial = d }
}

// Manager holds at most one live session with the child server.
type Manager struct {
	cfg  Config
	dial Dialer

	mu        sync.Mutex
	state     State
	conn      Conn
	id        string
	startedAt time.Time
	closed    bool

	sf singleflight.Group
}

// NewManager returns a manager with no session. Nothing is spawned until
// Initialize or the first request.
func NewManager(cfg Config, opts ...Option) *Manager {
	m := &Manager{cfg: cfg, dial: DialStdio}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Initialize ensures a live session exists. It is a no-op when one does.
func (m *Manager) Initialize(ctx context.Context) error {
	_, err := m.acquire(ctx)
	return err
}

// ListTools returns the tools array advertised by the child, verbatim.
func (m *Manager) ListTools(ctx context.Context) (json.RawMessage, error) {
	method := string(mcp.MethodToolsList)
	raw, err := m.rpc(ctx, method, map[string]any{})
	if err != nil {
		return nil, err
	}
	var res struct {
		Tools json.RawMessage `json:"tools"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, &TransportError{Method: method, Err: fmt.Errorf("malformed result: %w", err)}
	}
	if len(res.Tools) == 0 || string(res.Tools) == "null" {
		return json.RawMessage("[]"), nil
	}
	return res.Tools, nil
}

// CallTool invokes a tool and returns the raw result. A result flagged
// isError is returned as a success.
func (m *Manager) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	if args == nil {
		args = map[string]any{}
	}
	params := struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}{Name: name, Arguments: args}
	raw, err := m.rpc(ctx, string(mcp.MethodToolsCall), params)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, &TransportError{Method: string(mcp.MethodToolsCall), Err: errors.New("empty result")}
	}
	return raw, nil
}

// Status reports the current session. Process stats are best effort.
func (m *Manager) Status(ctx context.Context) Status {
	m.mu.Lock()
	st := Status{State: m.state, SessionID: m.id, StartedAt: m.startedAt}
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return st
	}
	st.Connected = st.State == StateLive
	st.PID = conn.PID()
	st.Protocol = conn.Protocol()
	st.ServerInfo = conn.ServerInfo()
	if ps, err := conn.Stats(ctx); err == nil {
		st.Process = ps
	}
	return st
}

// Close terminates the child if one is running. The manager stays usable and
// the next request spawns a new session.
func (m *Manager) Close() error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return nil
	}
	m.drop(conn, "closed")
	return nil
}

// Shutdown closes the session and rejects all later requests with ErrClosed.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return m.Close()
}

func (m *Manager) acquire(ctx context.Context) (Conn, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if m.state == StateLive {
		c := m.conn
		m.mu.Unlock()
		return c, nil
	}
	m.mu.Unlock()

	ch := m.sf.DoChan("init", m.spawn)
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(Conn), nil
	case <-ctx.Done():
		return nil, &TransportError{Method: string(mcp.MethodInitialize), Err: ctx.Err()}
	}
}

// spawn runs under singleflight so concurrent cold starts share one child.
func (m *Manager) spawn() (any, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if m.state == StateLive {
		c := m.conn
		m.mu.Unlock()
		return c, nil
	}
	m.state = StateInitializing
	m.mu.Unlock()

	id := uuid.NewString()
	ctx, cancel := withTimeout(context.Background(), m.cfg.InitTimeout)
	defer cancel()
	start := time.Now()
	conn, err := m.dial(ctx, m.cfg, id)
	metrics.RecordSpawn(err == nil)
	if err != nil {
		var se *SpawnError
		if !errors.As(err, &se) {
			err = &SpawnError{Command: m.cfg.Command, Err: err}
		}
		metrics.ObserveRPC(string(mcp.MethodInitialize), Code(err), time.Since(start))
		m.mu.Lock()
		m.state = StateAbsent
		m.mu.Unlock()
		logx.Log.Error().Err(err).Str("command", m.cfg.Command).Msg("mcp session initialization failed")
		return nil, err
	}
	metrics.ObserveRPC(string(mcp.MethodInitialize), "success", time.Since(start))

	m.mu.Lock()
	if m.closed {
		m.state = StateAbsent
		m.mu.Unlock()
		_ = conn.Close()
		return nil, ErrClosed
	}
	m.state = StateLive
	m.conn = conn
	m.id = id
	m.startedAt = time.Now()
	m.mu.Unlock()
	metrics.SetSessionLive(true)
	logx.Log.Info().Str("session", id).Int("pid", conn.PID()).Str("protocol", conn.Protocol()).
		Str("server", conn.ServerInfo().Name).Str("server_version", conn.ServerInfo().Version).Msg("mcp session live")

	go func() {
		<-conn.Done()
		m.drop(conn, "exited")
	}()
	return conn, nil
}

// drop forgets conn if it is still current and terminates it.
func (m *Manager) drop(conn Conn, reason string) {
	m.mu.Lock()
	current := m.conn == conn
	id := m.id
	if current {
		m.conn = nil
		m.id = ""
		m.startedAt = time.Time{}
		m.state = StateAbsent
	}
	m.mu.Unlock()
	if current {
		metrics.SetSessionLive(false)
		logx.Log.Info().Str("session", id).Str("reason", reason).Msg("mcp session dropped")
	}
	_ = conn.Close()
}

func (m *Manager) rpc(ctx context.Context, method string, params any) (json.RawMessage, error) {
	conn, err := m.acquire(ctx)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := withTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	go func() {
		select {
		case <-conn.Done():
			cancel()
		case <-callCtx.Done():
		}
	}()

	start := time.Now()
	raw, err := conn.DoRPC(callCtx, method, params)
	if err == nil {
		metrics.ObserveRPC(method, "success", time.Since(start))
		return raw, nil
	}
	var up *UpstreamError
	if !errors.As(err, &up) {
		te := &TransportError{Method: method, Err: err}
		select {
		case <-conn.Done():
			te.Exited = true
			te.Err = conn.Err()
		default:
		}
		err = te
		// A caller that went away says nothing about the child; anything else
		// leaves the session in an unknown state.
		if te.Exited || ctx.Err() == nil {
			m.drop(conn, "transport error")
		}
	}
	metrics.ObserveRPC(method, Code(err), time.Since(start))
	return nil, err
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}
