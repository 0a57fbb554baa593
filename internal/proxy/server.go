// Package proxy serves MCP on stdin/stdout and forwards tool requests to the
// bridge's HTTP API.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"slices"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/gaspardpetit/mcpbridge/internal/logx"
	"github.com/gaspardpetit/mcpbridge/internal/metrics"
)

// ServerName is advertised in the initialize result.
const ServerName = "mcpbridge-proxy"

const maxLineSize = 64 << 20

// Server answers MCP requests read from a line-delimited stream.
type Server struct {
	client  *Client
	version string
}

// NewServer returns a stdio MCP server backed by the bridge client.
func NewServer(c *Client, version string) *Server {
	return &Server{client: c, version: version}
}

// Serve reads requests from in and writes responses to out until in is
// exhausted or ctx is cancelled. Requests are handled one at a time, in
// arrival order.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	w := &lineWriter{w: out}
	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			resp := s.handle(ctx, line)
			if resp == nil {
				continue
			}
			if err := w.write(resp); err != nil {
				return err
			}
		}
	}
}

// handle processes one line and returns the response to send, if any.
func (s *Server) handle(ctx context.Context, line []byte) *response {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}
	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		if json.Valid(line) {
			return errorResponse(nil, mcp.INVALID_REQUEST, "Invalid Request")
		}
		logx.Log.Warn().Err(err).Msg("unparsable message")
		return errorResponse(nil, mcp.PARSE_ERROR, "Parse error: "+err.Error())
	}
	if req.JSONRPC != mcp.JSONRPC_VERSION || req.Method == "" {
		if req.isNotification() {
			return nil
		}
		return errorResponse(req.ID, mcp.INVALID_REQUEST, "Invalid Request")
	}
	if req.isNotification() {
		logx.Log.Debug().Str("method", req.Method).Msg("notification")
		return nil
	}

	resp := s.dispatch(ctx, &req)
	outcome := "success"
	if resp.Error != nil {
		outcome = "error"
	} else if r, ok := resp.Result.(*mcp.CallToolResult); ok && r.IsError {
		outcome = "tool_error"
	}
	metrics.RecordProxyRequest(req.Method, outcome)
	return resp
}

func (s *Server) dispatch(ctx context.Context, req *request) *response {
	switch mcp.MCPMethod(req.Method) {
	case mcp.MethodInitialize:
		return s.initialize(req)
	case mcp.MethodPing:
		return resultResponse(req.ID, struct{}{})
	case mcp.MethodToolsList:
		return s.listTools(ctx, req)
	case mcp.MethodToolsCall:
		return s.callTool(ctx, req)
	default:
		return errorResponse(req.ID, mcp.METHOD_NOT_FOUND, "Method not found: "+req.Method)
	}
}

func (s *Server) initialize(req *request) *response {
	var params struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, mcp.INVALID_PARAMS, "Invalid params: "+err.Error())
		}
	}
	version := mcp.LATEST_PROTOCOL_VERSION
	if slices.Contains(mcp.ValidProtocolVersions, params.ProtocolVersion) {
		version = params.ProtocolVersion
	}
	res := mcp.InitializeResult{
		ProtocolVersion: version,
		ServerInfo:      mcp.Implementation{Name: ServerName, Version: s.version},
	}
	res.Capabilities.Tools = &struct {
		ListChanged bool `json:"listChanged,omitempty"`
	}{}
	logx.Log.Info().Str("protocol", version).Msg("client initialized")
	return resultResponse(req.ID, res)
}

func (s *Server) listTools(ctx context.Context, req *request) *response {
	tools, err := s.client.ListTools(ctx)
	if err != nil {
		var env *EnvelopeError
		if errors.As(err, &env) {
			return errorResponse(req.ID, mcp.INTERNAL_ERROR, env.Message)
		}
		// An unreachable bridge yields an empty catalog rather than failing the client.
		logx.Log.Error().Err(err).Str("url", s.client.BaseURL()).Msg("list tools failed")
		tools = json.RawMessage("[]")
	}
	return resultResponse(req.ID, struct {
		Tools json.RawMessage `json:"tools"`
	}{tools})
}

func (s *Server) callTool(ctx context.Context, req *request) *response {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if len(req.Params) == 0 {
		return errorResponse(req.ID, mcp.INVALID_PARAMS, "Invalid params: missing params")
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, mcp.INVALID_PARAMS, "Invalid params: "+err.Error())
	}
	if params.Name == "" {
		return errorResponse(req.ID, mcp.INVALID_PARAMS, "Invalid params: tool name is required")
	}
	result, err := s.client.CallTool(ctx, params.Name, params.Arguments)
	if err != nil {
		logx.Log.Error().Err(err).Str("tool", params.Name).Msg("tool call failed")
		return resultResponse(req.ID, mcp.NewToolResultError("Error: "+err.Error()))
	}
	return resultResponse(req.ID, result)
}
