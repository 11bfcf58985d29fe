package mcp

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/batalabs/masix/internal/config"
)

// ServerConfig describes how to connect to a single MCP server.
type ServerConfig struct {
	Name    string            `json:"-"`
	Type    string            `json:"type"`              // "stdio" or "http"
	Command string            `json:"command,omitempty"` // stdio: executable
	Args    []string          `json:"args,omitempty"`    // stdio: arguments
	Env     map[string]string `json:"env,omitempty"`     // stdio: env vars
	URL     string            `json:"url,omitempty"`     // http: server URL
}

// fileConfig is the .mcp.json layout.
type fileConfig struct {
	MCPServers map[string]ServerConfig `json:"mcpServers"`
}

// LoadServers merges the servers declared in the runtime config with the
// optional .mcp.json file it points at. File entries override config entries
// of the same name. Relative file paths resolve against baseDir. The result
// is sorted by name.
func LoadServers(cfg config.MCPConfig, baseDir string) ([]ServerConfig, error) {
	merged := map[string]ServerConfig{}
	for _, s := range cfg.Servers {
		merged[s.Name] = ServerConfig{
			Name:    s.Name,
			Type:    s.Type,
			Command: s.Command,
			Args:    append([]string(nil), s.Args...),
			Env:     copyEnv(s.Env),
			URL:     s.URL,
		}
	}

	if cfg.ConfigFile != "" {
		path := config.ExpandEnv(cfg.ConfigFile)
		if !filepath.IsAbs(path) && baseDir != "" {
			path = filepath.Join(baseDir, path)
		}
		fc, err := loadConfigFile(path)
		if err != nil {
			return nil, err
		}
		for name, sc := range fc.MCPServers {
			sc.Name = name
			merged[name] = sc
		}
	}

	out := make([]ServerConfig, 0, len(merged))
	for name, sc := range merged {
		sc.Command = config.ExpandEnv(sc.Command)
		sc.URL = config.ExpandEnv(sc.URL)
		for i, arg := range sc.Args {
			sc.Args[i] = config.ExpandEnv(arg)
		}
		for k, v := range sc.Env {
			sc.Env[k] = config.ExpandEnv(v)
		}
		if err := validateServerConfig(name, sc); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func loadConfigFile(path string) (fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("reading MCP config: %w", err)
	}
	var cfg fileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fileConfig{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	if cfg.MCPServers == nil {
		cfg.MCPServers = map[string]ServerConfig{}
	}
	return cfg, nil
}

func validateServerConfig(name string, sc ServerConfig) error {
	if name == "" {
		return fmt.Errorf("MCP server with empty name")
	}
	switch sc.Type {
	case "stdio", "":
		if sc.Command == "" {
			return fmt.Errorf("MCP server %q: stdio type requires 'command'", name)
		}
	case "http":
		if sc.URL == "" {
			return fmt.Errorf("MCP server %q: http type requires 'url'", name)
		}
	default:
		return fmt.Errorf("MCP server %q: unknown type %q (expected 'stdio' or 'http')", name, sc.Type)
	}
	return nil
}

func copyEnv(env map[string]string) map[string]string {
	if env == nil {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}

// pluginRegistry is the installed plugin registry kept under
// <data_dir>/plugins/installed.json.
type pluginRegistry struct {
	Plugins []struct {
		PluginID  string `json:"plugin_id"`
		Enabled   bool   `json:"enabled"`
		AdminOnly bool   `json:"admin_only"`
	} `json:"plugins"`
}

// LoadAdminOnlyPlugins returns the ids of enabled plugins flagged admin-only
// in the plugin registry under dataDir. A missing or unreadable registry
// yields no ids.
func LoadAdminOnlyPlugins(dataDir string) []string {
	data, err := os.ReadFile(filepath.Join(dataDir, "plugins", "installed.json"))
	if err != nil {
		return nil
	}
	var reg pluginRegistry
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil
	}
	var ids []string
	for _, p := range reg.Plugins {
		if p.Enabled && p.AdminOnly && p.PluginID != "" {
			ids = append(ids, p.PluginID)
		}
	}
	sort.Strings(ids)
	return ids
}
