package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

type rpcReply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// exchange feeds lines to a proxy server and returns the decoded replies.
func exchange(t *testing.T, c *Client, lines ...string) []rpcReply {
	t.Helper()
	in := strings.NewReader(strings.Join(lines, "\n") + "\n")
	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := NewServer(c, "test").Serve(ctx, in, &out); err != nil {
		t.Fatalf("serve: %v", err)
	}
	var replies []rpcReply
	for _, l := range strings.Split(strings.TrimRight(out.String(), "\n"), "\n") {
		if l == "" {
			continue
		}
		var r rpcReply
		if err := json.Unmarshal([]byte(l), &r); err != nil {
			t.Fatalf("stdout carried a non JSON-RPC line %q: %v", l, err)
		}
		if r.JSONRPC != "2.0" {
			t.Fatalf("bad jsonrpc version in %q", l)
		}
		replies = append(replies, r)
	}
	return replies
}

// facade serves canned responses keyed by "METHOD /path".
func facade(t *testing.T, routes map[string]func(w http.ResponseWriter, body []byte)) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		h, ok := routes[r.Method+" "+r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		h(w, body)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func reply(code int, body string) func(w http.ResponseWriter, _ []byte) {
	return func(w http.ResponseWriter, _ []byte) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = io.WriteString(w, body)
	}
}

func compact(t *testing.T, raw []byte) string {
	t.Helper()
	var b bytes.Buffer
	if err := json.Compact(&b, raw); err != nil {
		t.Fatalf("compact %s: %v", raw, err)
	}
	return b.String()
}

func TestInitialize(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", time.Second)
	replies := exchange(t, c,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"t","version":"1"}}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":"two","method":"initialize","params":{"protocolVersion":"1999-01-01"}}`,
	)
	if len(replies) != 2 {
		t.Fatalf("expected 2 replies, got %d", len(replies))
	}
	var res mcp.InitializeResult
	if err := json.Unmarshal(replies[0].Result, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(replies[0].ID) != "1" || res.ProtocolVersion != "2025-03-26" {
		t.Fatalf("unexpected initialize reply %s", replies[0].Result)
	}
	if res.ServerInfo.Name != ServerName || res.ServerInfo.Version != "test" || res.Capabilities.Tools == nil {
		t.Fatalf("unexpected initialize result %+v", res)
	}
	if err := json.Unmarshal(replies[1].Result, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(replies[1].ID) != `"two"` || res.ProtocolVersion != mcp.LATEST_PROTOCOL_VERSION {
		t.Fatalf("unsupported version not replaced: %s", replies[1].Result)
	}
}

func TestProtocolErrors(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", time.Second)
	replies := exchange(t, c,
		`{"jsonrpc":"2.0","id":1,"method":"ping"}`,
		`this is not json`,
		``,
		`[{"jsonrpc":"2.0","id":2,"method":"ping"}]`,
		`{"jsonrpc":"2.0","id":3,"method":"resources/list"}`,
		`{"jsonrpc":"1.0","id":4,"method":"ping"}`,
		`{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":1}}`,
		`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"arguments":{}}}`,
		`{"jsonrpc":"2.0","id":6,"method":"tools/call","params":"oops"}`,
	)
	want := []struct {
		id   string
		code int
	}{
		{"1", 0},
		{"null", mcp.PARSE_ERROR},
		{"null", mcp.INVALID_REQUEST},
		{"3", mcp.METHOD_NOT_FOUND},
		{"4", mcp.INVALID_REQUEST},
		{"5", mcp.INVALID_PARAMS},
		{"6", mcp.INVALID_PARAMS},
	}
	if len(replies) != len(want) {
		t.Fatalf("expected %d replies, got %d", len(want), len(replies))
	}
	for i, w := range want {
		r := replies[i]
		if string(r.ID) != w.id {
			t.Fatalf("reply %d: id %s, want %s", i, r.ID, w.id)
		}
		if w.code == 0 {
			if r.Error != nil || compact(t, r.Result) != "{}" {
				t.Fatalf("reply %d: unexpected ping reply %+v", i, r)
			}
			continue
		}
		if r.Error == nil || r.Error.Code != w.code {
			t.Fatalf("reply %d: expected error %d, got %+v", i, w.code, r.Error)
		}
	}
}

func TestToolsListPassthrough(t *testing.T) {
	tools := `[{"name":"echo","description":"Echo <text>","inputSchema":{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}},{"name":"x-custom","inputSchema":{"type":"object"},"annotations":{"readOnlyHint":true}}]`
	ts := facade(t, map[string]func(http.ResponseWriter, []byte){
		"GET /tools": reply(200, `{"success":true,"tools":`+tools+`}`),
	})
	replies := exchange(t, NewClient(ts.URL, time.Second), `{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{}}`)
	var res struct {
		Tools json.RawMessage `json:"tools"`
	}
	if err := json.Unmarshal(replies[0].Result, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if compact(t, res.Tools) != tools {
		t.Fatalf("tools altered:\n got %s\nwant %s", res.Tools, tools)
	}
}

func TestToolsCallPassthroughBytes(t *testing.T) {
	result := `{"content":[{"type":"text","text":"a<b && c>d"}],"structuredContent":{"html":"<p>&amp;</p>"}}`
	ts := facade(t, map[string]func(http.ResponseWriter, []byte){
		"POST /tools/call": reply(200, `{"success":true,"result":`+result+`}`),
	})
	in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo"}}` + "\n")
	var out bytes.Buffer
	if err := NewServer(NewClient(ts.URL, time.Second), "test").Serve(context.Background(), in, &out); err != nil {
		t.Fatalf("serve: %v", err)
	}
	want := `{"jsonrpc":"2.0","id":1,"result":` + result + "}\n"
	if out.String() != want {
		t.Fatalf("stdout changed:\n got %s\nwant %s", out.String(), want)
	}
}

func TestToolsListFailures(t *testing.T) {
	ts := facade(t, map[string]func(http.ResponseWriter, []byte){
		"GET /tools": reply(500, `{"success":false,"error":"start mcp server \"node\": exec: not found"}`),
	})
	replies := exchange(t, NewClient(ts.URL, time.Second), `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	if replies[0].Error == nil || replies[0].Error.Code != mcp.INTERNAL_ERROR || !strings.Contains(replies[0].Error.Message, "exec: not found") {
		t.Fatalf("expected internal error, got %+v", replies[0])
	}

	// Unreachable and garbled bridges degrade to an empty catalog.
	down := httptest.NewServer(http.NotFoundHandler())
	downURL := down.URL
	down.Close()
	garbled := facade(t, map[string]func(http.ResponseWriter, []byte){
		"GET /tools": func(w http.ResponseWriter, _ []byte) {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = io.WriteString(w, "<html>bad gateway</html>")
		},
	})
	for _, u := range []string{downURL, garbled.URL} {
		replies = exchange(t, NewClient(u, time.Second), `{"jsonrpc":"2.0","id":7,"method":"tools/list"}`)
		if replies[0].Error != nil || compact(t, replies[0].Result) != `{"tools":[]}` {
			t.Fatalf("%s: expected empty tools, got %+v %s", u, replies[0].Error, replies[0].Result)
		}
	}
}

func TestToolsCall(t *testing.T) {
	var forwarded []string
	ts := facade(t, map[string]func(http.ResponseWriter, []byte){
		"POST /tools/call": func(w http.ResponseWriter, body []byte) {
			forwarded = append(forwarded, string(body))
			var req struct {
				Name string `json:"name"`
			}
			_ = json.Unmarshal(body, &req)
			switch req.Name {
			case "echo":
				reply(200, `{"success":true,"result":{"content":[{"type":"text","text":"hi"}]}}`)(w, body)
			case "soft":
				reply(200, `{"success":true,"result":{"content":[{"type":"text","text":"bad input"}],"isError":true}}`)(w, body)
			case "broken":
				reply(500, `{"success":false,"error":"tools/call: mcp server exited: exit status 3","stack":"..."}`)(w, body)
			default:
				w.WriteHeader(http.StatusBadGateway)
				_, _ = io.WriteString(w, "upstream down")
			}
		},
	})
	replies := exchange(t, NewClient(ts.URL, time.Second),
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"text":"hi"}}}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"soft"}}`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"broken","arguments":null}}`,
		`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"proxyfail"}}`,
	)
	if len(replies) != 4 {
		t.Fatalf("expected 4 replies, got %d", len(replies))
	}
	if got := compact(t, replies[0].Result); got != `{"content":[{"type":"text","text":"hi"}]}` {
		t.Fatalf("echo result %s", got)
	}
	if got := compact(t, replies[1].Result); got != `{"content":[{"type":"text","text":"bad input"}],"isError":true}` {
		t.Fatalf("isError result altered: %s", got)
	}
	for i, want := range map[int]string{2: "Error: tools/call: mcp server exited: exit status 3", 3: "Error: bridge returned 502 Bad Gateway with invalid body"} {
		var res mcp.CallToolResult
		if err := json.Unmarshal(replies[i].Result, &res); err != nil {
			t.Fatalf("decode %s: %v", replies[i].Result, err)
		}
		text := res.Content[0].(mcp.TextContent).Text
		if replies[i].Error != nil || !res.IsError || !strings.HasPrefix(text, want) {
			t.Fatalf("reply %d: expected isError %q, got %s", i, want, replies[i].Result)
		}
	}
	if forwarded[0] != `{"name":"echo","arguments":{"text":"hi"}}` {
		t.Fatalf("forwarded %s", forwarded[0])
	}
	if forwarded[1] != `{"name":"soft","arguments":{}}` || forwarded[2] != `{"name":"broken","arguments":{}}` {
		t.Fatalf("missing arguments not defaulted: %v", forwarded)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- NewServer(NewClient("http://127.0.0.1:1", time.Second), "test").Serve(ctx, pr, io.Discard)
	}()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("serve did not return after cancel")
	}
}
