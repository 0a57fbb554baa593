package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/util"

	"github.com/gaspardpetit/mcpbridge/internal/mcptest"
)

func TestMain(m *testing.M) {
	mcptest.RunChildIfRequested()
	os.Exit(m.Run())
}

func childConfig(extraEnv ...string) Config {
	cmd, args, env := mcptest.Command()
	return Config{
		Command:       cmd,
		Args:          args,
		Env:           append(env, extraEnv...),
		InitTimeout:   10 * time.Second,
		CallTimeout:   10 * time.Second,
		StopTimeout:   time.Second,
		ClientVersion: "test",
	}
}

func toolText(t *testing.T, raw json.RawMessage) (string, bool) {
	t.Helper()
	var res struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		t.Fatalf("decode result %s: %v", raw, err)
	}
	if len(res.Content) == 0 {
		t.Fatalf("empty content in %s", raw)
	}
	return res.Content[0].Text, res.IsError
}

func TestStdioSessionRoundTrip(t *testing.T) {
	m := NewManager(childConfig())
	defer m.Shutdown()
	ctx := context.Background()

	raw, err := m.ListTools(ctx)
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	var tools []mcp.Tool
	if err := json.Unmarshal(raw, &tools); err != nil {
		t.Fatalf("decode tools: %v", err)
	}
	var names []string
	for _, tl := range tools {
		names = append(names, tl.Name)
	}
	if !slices.Contains(names, "echo") || !slices.Contains(names, "fail") {
		t.Fatalf("unexpected tools %v", names)
	}

	res, err := m.CallTool(ctx, "echo", map[string]any{"text": "hello"})
	if err != nil {
		t.Fatalf("call echo: %v", err)
	}
	if text, isErr := toolText(t, res); text != "hello" || isErr {
		t.Fatalf("echo returned %q isError=%v", text, isErr)
	}

	st := m.Status(ctx)
	if !st.Connected || st.PID <= 0 || st.ServerInfo.Name != "mcptest" {
		t.Fatalf("unexpected status %+v", st)
	}
	if !slices.Contains(mcp.ValidProtocolVersions, st.Protocol) {
		t.Fatalf("protocol %q", st.Protocol)
	}
}

func TestStdioToolErrorIsResult(t *testing.T) {
	m := NewManager(childConfig())
	defer m.Shutdown()
	res, err := m.CallTool(context.Background(), "fail", map[string]any{"message": "nope"})
	if err != nil {
		t.Fatalf("call fail: %v", err)
	}
	if text, isErr := toolText(t, res); text != "nope" || !isErr {
		t.Fatalf("fail returned %q isError=%v", text, isErr)
	}
}

func TestStdioUnknownToolIsUpstreamError(t *testing.T) {
	m := NewManager(childConfig())
	defer m.Shutdown()
	ctx := context.Background()
	_, err := m.CallTool(ctx, "does-not-exist", nil)
	var up *UpstreamError
	if !errors.As(err, &up) {
		t.Fatalf("expected UpstreamError, got %T %v", err, err)
	}
	if up.Code != mcp.INVALID_PARAMS || !strings.HasPrefix(err.Error(), "MCP error -32602:") {
		t.Fatalf("unexpected error %v", err)
	}
	_, err = m.CallTool(ctx, "boom", nil)
	if !errors.As(err, &up) || up.Code != mcp.INTERNAL_ERROR {
		t.Fatalf("expected internal upstream error, got %v", err)
	}
	if !m.Status(ctx).Connected {
		t.Fatalf("session dropped after upstream errors")
	}
}

func TestStdioCrashRespawns(t *testing.T) {
	m := NewManager(childConfig())
	defer m.Shutdown()
	ctx := context.Background()
	if err := m.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	first := m.Status(ctx).PID

	_, err := m.CallTool(ctx, "crash", nil)
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %T %v", err, err)
	}
	if !te.Exited {
		t.Fatalf("expected exited child, got %v", err)
	}
	if m.Status(ctx).Connected {
		t.Fatalf("session still live after crash")
	}

	res, err := m.CallTool(ctx, "echo", map[string]any{"text": "again"})
	if err != nil {
		t.Fatalf("call after crash: %v", err)
	}
	if text, _ := toolText(t, res); text != "again" {
		t.Fatalf("echo returned %q", text)
	}
	if second := m.Status(ctx).PID; second == first || second <= 0 {
		t.Fatalf("pid %d, want a new process (was %d)", second, first)
	}
}

func TestStdioSpawnFailures(t *testing.T) {
	t.Run("missing executable", func(t *testing.T) {
		cfg := childConfig()
		cfg.Command = "/nonexistent/mcp-server"
		m := NewManager(cfg)
		err := m.Initialize(context.Background())
		var se *SpawnError
		if !errors.As(err, &se) || se.Command != cfg.Command {
			t.Fatalf("expected SpawnError, got %T %v", err, err)
		}
		if m.Status(context.Background()).State != StateAbsent {
			t.Fatalf("state not absent")
		}
	})
	t.Run("not an mcp server", func(t *testing.T) {
		cfg := childConfig()
		cfg.Env = nil
		m := NewManager(cfg)
		err := m.Initialize(context.Background())
		var se *SpawnError
		if !errors.As(err, &se) {
			t.Fatalf("expected SpawnError, got %T %v", err, err)
		}
		if Code(err) != CodeSpawnFailed {
			t.Fatalf("code %q", Code(err))
		}
	})
}

func TestStdioEnvAllowlist(t *testing.T) {
	t.Setenv("MCPBRIDGE_PASSED", "copied")
	t.Setenv("MCPBRIDGE_SECRET", "hidden")
	m := NewManager(childConfig("MCPBRIDGE_PASSED", "MCPBRIDGE_SET=value"))
	defer m.Shutdown()
	ctx := context.Background()
	for name, want := range map[string]string{
		"MCPBRIDGE_PASSED": "copied",
		"MCPBRIDGE_SET":    "value",
		"MCPBRIDGE_SECRET": "",
	} {
		res, err := m.CallTool(ctx, "env", map[string]any{"name": name})
		if err != nil {
			t.Fatalf("env %s: %v", name, err)
		}
		if got, _ := toolText(t, res); got != want {
			t.Fatalf("env %s = %q, want %q", name, got, want)
		}
	}
}

func TestStdioCloseStopsChild(t *testing.T) {
	m := NewManager(childConfig())
	ctx := context.Background()
	if err := m.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("child still running after close")
	}
	if m.Status(ctx).State != StateAbsent {
		t.Fatalf("state not absent after close")
	}
}

type recordingLogger struct {
	mu     sync.Mutex
	errors []string
}

func (l *recordingLogger) Infof(string, ...any) {}

func (l *recordingLogger) Errorf(format string, v ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, fmt.Sprintf(format, v...))
}

func TestStdioCloseLeavesTransportQuiet(t *testing.T) {
	rec := &recordingLogger{}
	old := newTransportLogger
	newTransportLogger = func(string) util.Logger { return rec }
	defer func() { newTransportLogger = old }()

	m := NewManager(childConfig())
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := m.CallTool(ctx, "echo", map[string]any{"text": "x"}); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if err := m.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
	time.Sleep(stdoutLinger + 500*time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.errors) != 0 {
		t.Fatalf("transport reported errors on close: %v", rec.errors)
	}
}

func TestBuildEnv(t *testing.T) {
	t.Setenv("PATH", "/usr/bin")
	t.Setenv("MCPBRIDGE_COPY", "c")
	env := buildEnv([]string{"MCPBRIDGE_COPY", "PATH=/opt/bin", "MCPBRIDGE_UNSET_VAR", " ", "A=b=c"})
	want := map[string]bool{"PATH=/opt/bin": true, "MCPBRIDGE_COPY=c": true, "A=b=c": true}
	for k := range want {
		if !slices.Contains(env, k) {
			t.Fatalf("missing %s in %v", k, env)
		}
	}
	for _, e := range env {
		if strings.HasPrefix(e, "MCPBRIDGE_UNSET_VAR") || e == "PATH=/usr/bin" {
			t.Fatalf("unexpected entry %s", e)
		}
	}
}
