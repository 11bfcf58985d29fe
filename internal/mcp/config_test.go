package mcp

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/batalabs/masix/internal/config"
)

func TestLoadServers_configOnly(t *testing.T) {
	cfg := config.MCPConfig{
		Enabled: true,
		Servers: []config.MCPServer{
			{Name: "web", Type: "http", URL: "http://localhost:9000/mcp"},
			{Name: "fs", Command: "npx", Args: []string{"-y", "@mcp/server-fs", "."}},
		},
	}

	servers, err := LoadServers(cfg, "")
	if err != nil {
		t.Fatalf("LoadServers: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(servers))
	}
	if servers[0].Name != "fs" || servers[1].Name != "web" {
		t.Errorf("servers not sorted: %q, %q", servers[0].Name, servers[1].Name)
	}
	if len(servers[0].Args) != 3 {
		t.Errorf("args len = %d, want 3", len(servers[0].Args))
	}
}

func TestLoadServers_fileOverridesConfig(t *testing.T) {
	dir := t.TempDir()
	data := `{"mcpServers":{
		"fs":{"type":"stdio","command":"fs-server","args":["--root","${MCP_TEST_ROOT}"]},
		"kb":{"type":"http","url":"${MCP_TEST_URL:-http://localhost:7000}/mcp"}
	}}`
	if err := os.WriteFile(filepath.Join(dir, ".mcp.json"), []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MCP_TEST_ROOT", "/srv/files")

	cfg := config.MCPConfig{
		Enabled:    true,
		ConfigFile: ".mcp.json",
		Servers:    []config.MCPServer{{Name: "fs", Command: "npx"}},
	}
	servers, err := LoadServers(cfg, dir)
	if err != nil {
		t.Fatalf("LoadServers: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(servers))
	}
	fs := servers[0]
	if fs.Name != "fs" || fs.Command != "fs-server" {
		t.Errorf("fs = %+v, want file entry", fs)
	}
	if fs.Args[1] != "/srv/files" {
		t.Errorf("args = %v, want expanded root", fs.Args)
	}
	if servers[1].URL != "http://localhost:7000/mcp" {
		t.Errorf("kb url = %q, want default expansion", servers[1].URL)
	}
}

func TestLoadServers_errors(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bad.json"), []byte(`{not json`), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		cfg     config.MCPConfig
		wantErr string
	}{
		{
			name:    "missing file",
			cfg:     config.MCPConfig{ConfigFile: "absent.json"},
			wantErr: "reading MCP config",
		},
		{
			name:    "malformed file",
			cfg:     config.MCPConfig{ConfigFile: "bad.json"},
			wantErr: "parsing",
		},
		{
			name:    "stdio without command",
			cfg:     config.MCPConfig{Servers: []config.MCPServer{{Name: "x", Type: "stdio"}}},
			wantErr: "requires 'command'",
		},
		{
			name:    "http without url",
			cfg:     config.MCPConfig{Servers: []config.MCPServer{{Name: "x", Type: "http"}}},
			wantErr: "requires 'url'",
		},
		{
			name:    "unknown type",
			cfg:     config.MCPConfig{Servers: []config.MCPServer{{Name: "x", Type: "sse", URL: "u"}}},
			wantErr: "unknown type",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadServers(tt.cfg, dir)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadAdminOnlyPlugins(t *testing.T) {
	dir := t.TempDir()
	if got := LoadAdminOnlyPlugins(dir); len(got) != 0 {
		t.Errorf("missing registry: got %v", got)
	}

	if err := os.MkdirAll(filepath.Join(dir, "plugins"), 0o755); err != nil {
		t.Fatal(err)
	}
	registry := `{"plugins":[
		{"plugin_id":"codex-backend","version":"0.1.2","enabled":true,"admin_only":true},
		{"plugin_id":"discovery","version":"0.2.0","enabled":true,"admin_only":false},
		{"plugin_id":"admin-module-disabled","version":"1.0.0","enabled":false,"admin_only":true}
	]}`
	if err := os.WriteFile(filepath.Join(dir, "plugins", "installed.json"), []byte(registry), 0o644); err != nil {
		t.Fatal(err)
	}

	got := LoadAdminOnlyPlugins(dir)
	if len(got) != 1 || got[0] != "codex-backend" {
		t.Errorf("LoadAdminOnlyPlugins = %v, want [codex-backend]", got)
	}
}
