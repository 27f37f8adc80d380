package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nugget/agentcore/internal/llm"
	"github.com/nugget/agentcore/internal/tools"
)

// fakeTransport answers requests through a handler func.
type fakeTransport struct {
	mu       sync.Mutex
	handle   func(req *Request) (any, *RPCError)
	requests []*Request
	notified []string
	closed   bool
}

func (f *fakeTransport) Send(_ context.Context, req *Request) (*Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	result, rpcErr := f.handle(req)
	resp := &Response{JSONRPC: jsonrpcVersion, ID: req.ID, Error: rpcErr}
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return nil, err
		}
		resp.Result = data
	}
	return resp, nil
}

func (f *fakeTransport) Notify(_ context.Context, n *Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, n.Method)
	return nil
}

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

// fileServer pretends to be an MCP server with two pages of tools.
func fileServer(req *Request) (any, *RPCError) {
	params, _ := req.Params.(map[string]any)
	switch req.Method {
	case "initialize":
		return map[string]any{
			"protocolVersion": protocolVersion,
			"serverInfo":      map[string]any{"name": "files", "version": "1.2.0"},
		}, nil
	case "tools/list":
		if params["cursor"] == "p2" {
			return map[string]any{"tools": []map[string]any{
				{"name": "write-file", "inputSchema": map[string]any{"type": "object"}},
			}}, nil
		}
		return map[string]any{
			"tools": []map[string]any{{
				"name":        "read_file",
				"description": "Read a file",
				"inputSchema": map[string]any{"type": "object", "required": []string{"path"}},
			}},
			"nextCursor": "p2",
		}, nil
	case "tools/call":
		args, _ := params["arguments"].(map[string]any)
		if args["path"] == "/missing" {
			return map[string]any{"content": []map[string]any{{"type": "text", "text": "no such file"}}, "isError": true}, nil
		}
		return map[string]any{"content": []map[string]any{
			{"type": "text", "text": fmt.Sprintf("contents of %v", args["path"])},
			{"type": "image", "mimeType": "image/png"},
		}}, nil
	case "ping":
		return map[string]any{}, nil
	}
	return nil, &RPCError{Code: -32601, Message: "method not found"}
}

func TestRPCError(t *testing.T) {
	var err error = &RPCError{Code: -32601, Message: "method not found"}
	if err.Error() != "jsonrpc error -32601: method not found" {
		t.Errorf("Error() = %q", err.Error())
	}

	data, _ := json.Marshal(NewNotification("notifications/initialized", nil))
	if string(data) != `{"jsonrpc":"2.0","method":"notifications/initialized"}` {
		t.Errorf("notification = %s", data)
	}
}

func TestClient_Initialize(t *testing.T) {
	ft := &fakeTransport{handle: fileServer}
	c := NewClient("files", ft, nil)
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if info := c.Info(); info.Name != "files" || info.Version != "1.2.0" || info.ProtocolVersion != protocolVersion {
		t.Errorf("info = %+v", info)
	}
	if len(ft.notified) != 1 || ft.notified[0] != "notifications/initialized" {
		t.Errorf("notifications = %v", ft.notified)
	}
}

func TestClient_ListToolsPaginates(t *testing.T) {
	c := NewClient("files", &fakeTransport{handle: fileServer}, nil)
	defs, err := c.ListTools(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(defs) != 2 || defs[0].Name != "read_file" || defs[1].Name != "write-file" {
		t.Errorf("defs = %+v", defs)
	}
}

func TestClient_CallTool(t *testing.T) {
	ft := &fakeTransport{handle: fileServer}
	c := NewClient("files", ft, nil)
	ctx := context.Background()

	got, err := c.CallTool(ctx, "read_file", map[string]any{"path": "/etc/hosts"})
	if err != nil {
		t.Fatal(err)
	}
	if got != "contents of /etc/hosts\n[image image/png]" {
		t.Errorf("CallTool() = %q", got)
	}

	_, err = c.CallTool(ctx, "read_file", map[string]any{"path": "/missing"})
	if !errors.Is(err, ErrToolFailed) {
		t.Errorf("isError result err = %v", err)
	}

	var rpcErr *RPCError
	if err := c.call(ctx, "bogus", nil, nil); !errors.As(err, &rpcErr) || rpcErr.Code != -32601 {
		t.Errorf("rpc error = %v", err)
	}

	// ids increase per request
	for i := 1; i < len(ft.requests); i++ {
		if ft.requests[i].ID <= ft.requests[i-1].ID {
			t.Fatalf("request ids not increasing: %d then %d", ft.requests[i-1].ID, ft.requests[i].ID)
		}
	}
}

func TestToolName(t *testing.T) {
	tests := []struct {
		server, tool, want string
	}{
		{"files", "read_file", "mcp_files_read_file"},
		{"GitHub", "create-issue", "mcp_github_create_issue"},
		{"my server", "a..b", "mcp_my_server_a_b"},
		{"x", "--weird--", "mcp_x_weird"},
	}
	for _, tt := range tests {
		if got := ToolName(tt.server, tt.tool); got != tt.want {
			t.Errorf("ToolName(%q, %q) = %q, want %q", tt.server, tt.tool, got, tt.want)
		}
	}
}

func TestBridge(t *testing.T) {
	reg := tools.NewRegistry(nil)
	if err := reg.Register(&tools.Tool{
		Name:    "mcp_files_write_file",
		Handler: func(context.Context, map[string]any) (string, error) { return "", nil },
	}); err != nil {
		t.Fatal(err)
	}

	var up bool
	c := NewClient("files", &fakeTransport{handle: fileServer}, nil)
	n, err := Bridge(context.Background(), c, reg, true, func() bool { return up }, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("bridged %d tools, want 1 (one collides)", n)
	}

	tool, err := reg.Resolve("mcp_files_read_file")
	if err != nil {
		t.Fatal(err)
	}
	if tool.Backend != "mcp:files" || !tool.ConcurrentSafe {
		t.Errorf("tool = %+v", tool)
	}

	call := llm.ToolCall{ID: "c1", Name: "mcp_files_read_file", Arguments: map[string]any{"path": "/a"}}
	if res := reg.Invoke(context.Background(), call, time.Second); res.Success || res.Code != tools.CodeUnavailable {
		t.Errorf("result while down = %+v", res)
	}

	up = true
	res := reg.Invoke(context.Background(), call, time.Second)
	if !res.Success || res.Payload != "contents of /a\n[image image/png]" {
		t.Errorf("result = %+v", res)
	}

	call.Arguments = map[string]any{"path": "/missing"}
	if res := reg.Invoke(context.Background(), call, time.Second); res.Success || res.Code != tools.CodeHandler {
		t.Errorf("error result = %+v", res)
	}
}
