package mcp

import "testing"

func TestNamespacedName(t *testing.T) {
	tests := []struct {
		name       string
		serverName string
		toolName   string
		want       string
	}{
		{"simple names", "filesystem", "read_file", "filesystem_read_file"},
		{"server name with uppercase", "MyServer", "do_thing", "myserver_do_thing"},
		{"underscores become hyphens", "my.server_name", "list", "my-server-name_list"},
		{"hyphenated server", "codex-backend", "run", "codex-backend_run"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NamespacedName(tt.serverName, tt.toolName)
			if got != tt.want {
				t.Errorf("NamespacedName(%q, %q) = %q, want %q", tt.serverName, tt.toolName, got, tt.want)
			}
		})
	}
}

func TestParseNamespacedName(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantServer string
		wantTool   string
		wantOK     bool
	}{
		{"tool with underscores", "filesystem_read_file", "filesystem", "read_file", true},
		{"hyphenated server", "codex-backend_run", "codex-backend", "run", true},
		{"no separator", "shell", "", "", false},
		{"leading separator", "_tool", "", "", false},
		{"trailing separator", "server_", "", "", false},
		{"empty", "", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, tool, ok := ParseNamespacedName(tt.input)
			if ok != tt.wantOK || server != tt.wantServer || tool != tt.wantTool {
				t.Errorf("ParseNamespacedName(%q) = (%q, %q, %v), want (%q, %q, %v)",
					tt.input, server, tool, ok, tt.wantServer, tt.wantTool, tt.wantOK)
			}
		})
	}
}

func TestNamespacedName_roundTrip(t *testing.T) {
	for _, server := range []string{"fs", "Web Search", "codex_backend"} {
		name := NamespacedName(server, "do_it")
		gotServer, gotTool, ok := ParseNamespacedName(name)
		if !ok || gotServer != sanitizeName(server) || gotTool != "do_it" {
			t.Errorf("round trip of %q gave (%q, %q, %v)", server, gotServer, gotTool, ok)
		}
	}
}

func TestAdminOnlySet(t *testing.T) {
	set := newAdminOnlySet([]string{"codex-backend", "Shell_Exec", " "})

	tests := []struct {
		tool string
		want bool
	}{
		{"codex-backend_run", true},
		{"codex-backend_list", true},
		{"shell-exec_run", true},
		{"discovery_web-search", false},
		{"other_server_tool", false},
		{"shell", false},
		{"web", false},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			if got := set.matches(tt.tool); got != tt.want {
				t.Errorf("matches(%q) = %v, want %v", tt.tool, got, tt.want)
			}
		})
	}
}

func TestAdminOnlySet_underscoreSpelling(t *testing.T) {
	set := newAdminOnlySet([]string{"codex_backend"})
	if !set.matches("codex-backend_run") {
		t.Error("underscore spelling should match the sanitized hyphen server name")
	}
}
