package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
)

// setupTestServer creates an in-memory MCP server with the given tools and
// returns a connected Manager. The cleanup function closes everything.
func setupTestServer(t *testing.T, serverName string, mcpTools []*mcpsdk.Tool, handlers map[string]mcpsdk.ToolHandler) (*Manager, func()) {
	t.Helper()

	server := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "test-server",
		Version: "1.0",
	}, nil)

	for _, tool := range mcpTools {
		handler := handlers[tool.Name]
		if handler == nil {
			handler = func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
				return &mcpsdk.CallToolResult{
					Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "ok"}},
				}, nil
			}
		}
		server.AddTool(tool, handler)
	}

	serverTransport, clientTransport := mcpsdk.NewInMemoryTransports()
	ctx := context.Background()

	serverSession, err := server.Connect(ctx, serverTransport, nil)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}

	// Override newTransport to return the in-memory client transport.
	origTransport := newTransport
	newTransport = func(sc ServerConfig) (mcpsdk.Transport, context.CancelFunc) {
		return clientTransport, func() {}
	}

	mgr := NewManager(zerolog.Nop())
	mgr.StartAll(ctx, []ServerConfig{{Name: serverName, Type: "stdio", Command: "unused"}})

	return mgr, func() {
		mgr.StopAll()
		serverSession.Close()
		newTransport = origTransport
	}
}

func objectSchema(props ...string) map[string]any {
	properties := map[string]any{}
	for _, p := range props {
		properties[p] = map[string]any{"type": "string"}
	}
	return map[string]any{"type": "object", "properties": properties}
}

func argsOf(req *mcpsdk.CallToolRequest) map[string]any {
	var args map[string]any
	_ = json.Unmarshal(req.Params.Arguments, &args)
	return args
}

func TestManager_ToolDiscovery(t *testing.T) {
	tools := []*mcpsdk.Tool{
		{Name: "write_file", Description: "Write a file", InputSchema: objectSchema("path", "content")},
		{Name: "read_file", Description: "Read a file", InputSchema: objectSchema("path")},
	}

	mgr, cleanup := setupTestServer(t, "filesystem", tools, nil)
	defer cleanup()

	names := mgr.ToolNames()
	want := []string{"filesystem_read_file", "filesystem_write_file"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("ToolNames = %v, want %v", names, want)
	}

	specs := mgr.ToolSpecs()
	if len(specs) != 2 || specs[0].Name != "filesystem_read_file" {
		t.Fatalf("ToolSpecs = %+v", specs)
	}
	if specs[0].Properties["path"].Type != "string" {
		t.Errorf("path prop = %+v", specs[0].Properties["path"])
	}

	if statuses := mgr.ServerStatuses(); statuses["filesystem"] != "connected" {
		t.Errorf("filesystem status = %q, want connected", statuses["filesystem"])
	}

	if !mgr.Owns("filesystem_read_file") {
		t.Error("Owns(filesystem_read_file) = false")
	}
	for _, name := range []string{"filesystem_delete", "other_read_file", "cron_add"} {
		if mgr.Owns(name) {
			t.Errorf("Owns(%q) = true", name)
		}
	}
}

func TestManager_Call(t *testing.T) {
	tools := []*mcpsdk.Tool{{Name: "echo", Description: "Echo input", InputSchema: objectSchema("message")}}
	handlers := map[string]mcpsdk.ToolHandler{
		"echo": func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			msg, _ := argsOf(req)["message"].(string)
			return &mcpsdk.CallToolResult{
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "echo: " + msg}},
			}, nil
		},
	}

	mgr, cleanup := setupTestServer(t, "Echo Svc", tools, handlers)
	defer cleanup()

	tests := []struct {
		name    string
		call    func() (string, bool)
		want    string
		wantErr bool
	}{
		{
			name: "by catalog name",
			call: func() (string, bool) {
				return mgr.Call(context.Background(), "echo-svc_echo", map[string]any{"message": "hello"})
			},
			want: "echo: hello",
		},
		{
			name: "by configured server name",
			call: func() (string, bool) {
				return mgr.CallTool(context.Background(), "Echo Svc", "echo", map[string]any{"message": "hi"})
			},
			want: "echo: hi",
		},
		{
			name: "not a catalog name",
			call: func() (string, bool) {
				return mgr.Call(context.Background(), "echo", nil)
			},
			wantErr: true,
		},
		{
			name: "unknown server",
			call: func() (string, bool) {
				return mgr.Call(context.Background(), "nonexistent_tool", nil)
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, isErr := tt.call()
			if isErr != tt.wantErr {
				t.Fatalf("isErr = %v (%s), want %v", isErr, got, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("result = %q, want %q", got, tt.want)
			}
			if tt.wantErr && got == "" {
				t.Error("expected non-empty error message")
			}
		})
	}
}

func TestManager_CallTool_ErrorResult(t *testing.T) {
	tools := []*mcpsdk.Tool{{Name: "fail", Description: "Always fails", InputSchema: map[string]any{"type": "object"}}}
	handlers := map[string]mcpsdk.ToolHandler{
		"fail": func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return &mcpsdk.CallToolResult{
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "something went wrong"}},
				IsError: true,
			}, nil
		},
	}

	mgr, cleanup := setupTestServer(t, "svc", tools, handlers)
	defer cleanup()

	result, isErr := mgr.CallTool(context.Background(), "svc", "fail", nil)
	if !isErr {
		t.Error("expected isError=true")
	}
	if result != "something went wrong" {
		t.Errorf("result = %q, want %q", result, "something went wrong")
	}

	defs := mgr.ToolDefs()
	if len(defs) != 1 {
		t.Fatalf("expected 1 def, got %d", len(defs))
	}
	out, err := defs[0].Execute(context.Background(), nil, nil)
	if err == nil || out != "something went wrong" {
		t.Errorf("Execute = %q, %v", out, err)
	}
}

func TestManager_CallTool_Timeout(t *testing.T) {
	orig := callTimeout
	callTimeout = 50 * time.Millisecond
	defer func() { callTimeout = orig }()

	tools := []*mcpsdk.Tool{{Name: "slow", InputSchema: map[string]any{"type": "object"}}}
	handlers := map[string]mcpsdk.ToolHandler{
		"slow": func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			select {
			case <-ctx.Done():
			case <-time.After(2 * time.Second):
			}
			return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "late"}}}, nil
		},
	}

	mgr, cleanup := setupTestServer(t, "svc", tools, handlers)
	defer cleanup()

	result, isErr := mgr.Call(context.Background(), "svc_slow", nil)
	if !isErr || !strings.Contains(result, "timed out") {
		t.Errorf("Call = %q, %v; want timeout error", result, isErr)
	}
}

func TestManager_ToolDefs(t *testing.T) {
	mcpTools := []*mcpsdk.Tool{{Name: "greet", Description: "Greet someone", InputSchema: objectSchema("name")}}
	handlers := map[string]mcpsdk.ToolHandler{
		"greet": func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			name, _ := argsOf(req)["name"].(string)
			return &mcpsdk.CallToolResult{
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "Hello, " + name + "!"}},
			}, nil
		},
	}

	mgr, cleanup := setupTestServer(t, "greeter", mcpTools, handlers)
	defer cleanup()

	defs := mgr.ToolDefs()
	if len(defs) != 1 {
		t.Fatalf("expected 1 tool def, got %d", len(defs))
	}
	if defs[0].Spec.Name != "greeter_greet" {
		t.Errorf("spec name = %q", defs[0].Spec.Name)
	}

	result, err := defs[0].Execute(context.Background(), map[string]any{"name": "World"}, nil)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if result != "Hello, World!" {
		t.Errorf("result = %q, want %q", result, "Hello, World!")
	}
}

func TestManager_StopAll(t *testing.T) {
	tools := []*mcpsdk.Tool{{Name: "ping", Description: "Ping", InputSchema: map[string]any{"type": "object"}}}

	mgr, cleanup := setupTestServer(t, "svc", tools, nil)
	defer cleanup()

	if statuses := mgr.ServerStatuses(); statuses["svc"] != "connected" {
		t.Fatalf("expected connected, got %q", statuses["svc"])
	}

	mgr.StopAll()

	if statuses := mgr.ServerStatuses(); statuses["svc"] != "disconnected" {
		t.Errorf("after StopAll: status = %q, want disconnected", statuses["svc"])
	}
	if names := mgr.ToolNames(); len(names) != 0 {
		t.Errorf("after StopAll: expected 0 tool names, got %d", len(names))
	}
}

func TestManager_AdminOnly(t *testing.T) {
	mgr := NewManager(zerolog.Nop())
	if mgr.IsAdminOnly("codex-backend_run") {
		t.Error("empty set should not match")
	}
	mgr.SetAdminOnly([]string{"codex_backend"})
	if !mgr.IsAdminOnly("codex-backend_run") {
		t.Error("codex-backend_run should be admin-only")
	}
	if mgr.IsAdminOnly("discovery_web-search") {
		t.Error("discovery_web-search should not be admin-only")
	}
}

func TestServerStatus_String(t *testing.T) {
	tests := []struct {
		status serverStatus
		expect string
	}{
		{statusDisconnected, "disconnected"},
		{statusConnecting, "connecting"},
		{statusConnected, "connected"},
		{statusError, "error"},
		{serverStatus(99), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.expect, func(t *testing.T) {
			if got := tt.status.String(); got != tt.expect {
				t.Errorf("String() = %q, want %q", got, tt.expect)
			}
		})
	}
}

func TestManager_unavailableServers(t *testing.T) {
	mgr := NewManager(zerolog.Nop())
	mgr.mu.Lock()
	mgr.servers["broken"] = &serverConn{
		name:    "broken",
		status:  statusError,
		lastErr: fmt.Errorf("connection refused"),
	}
	mgr.servers["disc"] = &serverConn{
		name:   "disc",
		status: statusDisconnected,
		tools:  []*mcpsdk.Tool{{Name: "hidden", Description: "should not appear"}},
	}
	mgr.mu.Unlock()

	result, isErr := mgr.CallTool(context.Background(), "broken", "tool", nil)
	if !isErr || !strings.Contains(result, "connection refused") {
		t.Errorf("broken: %q, %v", result, isErr)
	}
	result, isErr = mgr.CallTool(context.Background(), "disc", "tool", nil)
	if !isErr || !strings.Contains(result, "unavailable") {
		t.Errorf("disc: %q, %v", result, isErr)
	}

	statuses := mgr.ServerStatuses()
	if statuses["broken"] != "error: connection refused" {
		t.Errorf("broken status = %q", statuses["broken"])
	}
	if specs := mgr.ToolSpecs(); len(specs) != 0 {
		t.Errorf("expected 0 specs from unavailable servers, got %d", len(specs))
	}
}

func TestExtractTextContent(t *testing.T) {
	tests := []struct {
		name    string
		content []mcpsdk.Content
		expect  string
	}{
		{"nil", nil, ""},
		{"empty", []mcpsdk.Content{}, ""},
		{"single text", []mcpsdk.Content{&mcpsdk.TextContent{Text: "hello"}}, "hello"},
		{"multiple text", []mcpsdk.Content{
			&mcpsdk.TextContent{Text: "line1"},
			&mcpsdk.TextContent{Text: "line2"},
		}, "line1\nline2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractTextContent(tt.content); got != tt.expect {
				t.Errorf("extractTextContent() = %q, want %q", got, tt.expect)
			}
		})
	}
}
