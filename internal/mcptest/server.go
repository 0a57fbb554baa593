// Package mcptest runs a small MCP server over stdio for tests. Test binaries
// call RunChildIfRequested from TestMain and spawn themselves as the child.
package mcptest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// EnvChild marks a test binary process that must act as the MCP child.
const EnvChild = "MCPBRIDGE_TEST_CHILD"

const (
	serverName    = "mcptest"
	serverVersion = "0.1.0"
)

// RunChildIfRequested serves MCP on stdin/stdout and exits when EnvChild is
// set. It returns immediately otherwise.
func RunChildIfRequested() {
	if os.Getenv(EnvChild) == "" {
		return
	}
	// Stderr chatter must never reach the protocol stream.
	fmt.Fprintln(os.Stderr, "mcptest: child starting")
	if err := server.NewStdioServer(New()).Listen(context.Background(), os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "mcptest: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

// Command returns the command, arguments and environment that re-execute the
// current test binary as the MCP child.
func Command() (string, []string, []string) {
	return os.Args[0], []string{"-test.run=^$"}, []string{EnvChild + "=1"}
}

// New returns the test server with its tools registered.
func New() *server.MCPServer {
	s := server.NewMCPServer(serverName, serverVersion, server.WithToolCapabilities(false))
	s.AddTool(mcp.NewTool("echo",
		mcp.WithDescription("Returns the text argument"),
		mcp.WithString("text", mcp.Required()),
	), echo)
	s.AddTool(mcp.NewTool("fail",
		mcp.WithDescription("Returns a tool result flagged isError"),
		mcp.WithString("message"),
	), fail)
	s.AddTool(mcp.NewTool("boom",
		mcp.WithDescription("Fails with a JSON-RPC error"),
	), boom)
	s.AddTool(mcp.NewTool("crash",
		mcp.WithDescription("Terminates the server process"),
	), crash)
	s.AddTool(mcp.NewTool("sleep",
		mcp.WithDescription("Waits for ms milliseconds"),
		mcp.WithNumber("ms"),
	), sleep)
	s.AddTool(mcp.NewTool("env",
		mcp.WithDescription("Returns the value of an environment variable"),
		mcp.WithString("name", mcp.Required()),
	), env)
	return s
}

func echo(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(text), nil
}

func fail(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(req.GetString("message", "failed")), nil
}

func boom(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return nil, errors.New("boom")
}

func crash(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	os.Exit(3)
	return nil, nil
}

func sleep(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	d := time.Duration(req.GetFloat("ms", 0)) * time.Millisecond
	select {
	case <-time.After(d):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return mcp.NewToolResultText("done"), nil
}

func env(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(os.Getenv(name)), nil
}
