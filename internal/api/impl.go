package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/mcpbridge/internal/logx"
	"github.com/gaspardpetit/mcpbridge/internal/metrics"
	"github.com/gaspardpetit/mcpbridge/internal/session"
)

// DefaultMaxBodyBytes bounds /tools/call request bodies when no limit is configured.
const DefaultMaxBodyBytes = 50 << 20

var errToolNameRequired = errors.New("Tool name is required")

// Session is the part of the session manager the handlers depend on.
type Session interface {
	ListTools(ctx context.Context) (json.RawMessage, error)
	CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)
	Status(ctx context.Context) session.Status
}

// Options tunes the HTTP handlers.
type Options struct {
	MaxBodyBytes int64
	// ExposeStack includes the error chain in failed call responses.
	ExposeStack bool
}

// API implements the bridge endpoints on top of a Session.
type API struct {
	Session Session
	Options Options
}

// CallRequest is the body of POST /tools/call.
type CallRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type healthResponse struct {
	Status       string       `json:"status"`
	MCPConnected bool         `json:"mcpConnected"`
	Timestamp    string       `json:"timestamp"`
	Session      *sessionInfo `json:"session,omitempty"`
}

type sessionInfo struct {
	State         session.State         `json:"state"`
	ID            string                `json:"id,omitempty"`
	PID           int                   `json:"pid,omitempty"`
	StartedAt     string                `json:"startedAt,omitempty"`
	UptimeSeconds float64               `json:"uptimeSeconds,omitempty"`
	Protocol      string                `json:"protocolVersion,omitempty"`
	ServerInfo    *serverInfo           `json:"serverInfo,omitempty"`
	Process       *session.ProcessStats `json:"process,omitempty"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type toolsResponse struct {
	Success bool            `json:"success"`
	Tools   json.RawMessage `json:"tools"`
}

type callResponse struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

const timestampFormat = "2006-01-02T15:04:05.000Z07:00"

// Health reports liveness of the bridge and the state of the child session.
// It never spawns the child.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	st := a.Session.Status(r.Context())
	resp := healthResponse{
		Status:       "ok",
		MCPConnected: st.Connected,
		Timestamp:    time.Now().UTC().Format(timestampFormat),
		Session:      &sessionInfo{State: st.State},
	}
	if st.Connected {
		info := resp.Session
		info.ID = st.SessionID
		info.PID = st.PID
		info.StartedAt = st.StartedAt.UTC().Format(timestampFormat)
		info.UptimeSeconds = time.Since(st.StartedAt).Seconds()
		info.Protocol = st.Protocol
		info.ServerInfo = &serverInfo{Name: st.ServerInfo.Name, Version: st.ServerInfo.Version}
		info.Process = st.Process
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListTools returns the child's tool descriptors verbatim.
func (a *API) ListTools(w http.ResponseWriter, r *http.Request) {
	tools, err := a.Session.ListTools(r.Context())
	if err != nil {
		metrics.RecordToolList(session.Code(err))
		logx.Log.Error().Err(err).Str("code", session.Code(err)).Str("request_id", chiMiddleware.GetReqID(r.Context())).Msg("list tools failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error(), Code: session.Code(err)})
		return
	}
	metrics.RecordToolList("success")
	writeJSON(w, http.StatusOK, toolsResponse{Success: true, Tools: tools})
}

// CallTool forwards a tool invocation to the child.
func (a *API) CallTool(w http.ResponseWriter, r *http.Request) {
	limit := a.Options.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	var req CallRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: errToolNameRequired.Error()})
		return
	}

	reqID := chiMiddleware.GetReqID(r.Context())
	logx.Log.Info().Str("request_id", reqID).Str("tool", req.Name).Msg("tool call")
	if zerolog.GlobalLevel() <= zerolog.DebugLevel {
		args, _ := json.Marshal(req.Arguments)
		logx.Log.Debug().Str("request_id", reqID).Str("tool", req.Name).RawJSON("arguments", args).Msg("tool call arguments")
	}

	result, err := a.Session.CallTool(r.Context(), req.Name, req.Arguments)
	if err != nil {
		code := session.Code(err)
		metrics.RecordToolCall(req.Name, code)
		logx.Log.Error().Err(err).Str("code", code).Str("request_id", reqID).Str("tool", req.Name).Msg("tool call failed")
		resp := errorResponse{Error: err.Error(), Code: code}
		if a.Options.ExposeStack {
			resp.Stack = errorStack(err)
		}
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}
	outcome := "success"
	if isToolError(result) {
		outcome = "tool_error"
	}
	metrics.RecordToolCall(req.Name, outcome)
	writeJSON(w, http.StatusOK, callResponse{Success: true, Result: result})
}

// isToolError reports whether a tool result is flagged isError.
func isToolError(result json.RawMessage) bool {
	var probe struct {
		IsError bool `json:"isError"`
	}
	return json.Unmarshal(result, &probe) == nil && probe.IsError
}

// errorStack renders the chain of wrapped errors, outermost first.
func errorStack(err error) string {
	var b strings.Builder
	for e := err; e != nil; e = errors.Unwrap(e) {
		if b.Len() > 0 {
			b.WriteString("\n    caused by ")
		}
		fmt.Fprintf(&b, "%T: %v", e, e)
	}
	return b.String()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		logx.Log.Error().Err(err).Msg("write response")
	}
}
