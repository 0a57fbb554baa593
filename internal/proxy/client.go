package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gaspardpetit/mcpbridge/internal/logx"
)

// EnvelopeError is a failure reported by the bridge in a success:false
// envelope.
type EnvelopeError struct {
	Status  int
	Message string
}

func (e *EnvelopeError) Error() string { return e.Message }

// Health is the body of GET /health.
type Health struct {
	Status       string `json:"status"`
	MCPConnected bool   `json:"mcpConnected"`
	Timestamp    string `json:"timestamp"`
}

type envelope struct {
	Success bool            `json:"success"`
	Tools   json.RawMessage `json:"tools,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Client calls the bridge HTTP API.
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a client for the bridge at baseURL. A zero timeout means
// requests are bounded only by their context.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the bridge URL the client talks to.
func (c *Client) BaseURL() string { return c.base }

// ListTools fetches the tool descriptors, verbatim.
func (c *Client) ListTools(ctx context.Context) (json.RawMessage, error) {
	env, err := c.do(ctx, http.MethodGet, "/tools", nil)
	if err != nil {
		return nil, err
	}
	if len(env.Tools) == 0 {
		return json.RawMessage("[]"), nil
	}
	return env.Tools, nil
}

// CallTool invokes a tool through the bridge and returns its raw result.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage("{}")
	}
	body, err := json.Marshal(struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}{name, args})
	if err != nil {
		return nil, err
	}
	env, err := c.do(ctx, http.MethodPost, "/tools/call", body)
	if err != nil {
		return nil, err
	}
	if len(env.Result) == 0 {
		return nil, fmt.Errorf("bridge returned no result")
	}
	return env.Result, nil
}

// Health reports the bridge health.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %s", resp.Status)
	}
	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("decode health: %w", err)
	}
	return &h, nil
}

// do sends a request and decodes the envelope regardless of status. A body
// that is not an envelope is a transport error.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (*envelope, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	logx.Log.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("bridge response")
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("bridge returned %s with invalid body: %w", resp.Status, err)
	}
	if !env.Success {
		msg := env.Error
		if msg == "" {
			msg = fmt.Sprintf("bridge returned %s", resp.Status)
		}
		return nil, &EnvelopeError{Status: resp.StatusCode, Message: msg}
	}
	return &env, nil
}
