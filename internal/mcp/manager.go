// Package mcp connects to MCP tool servers and exposes their tools to the
// model as "server_tool" catalog entries.
package mcp

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/batalabs/masix/internal/provider"
	"github.com/batalabs/masix/internal/tools"
)

// serverStatus describes the connection state of an MCP server.
type serverStatus int

const (
	statusDisconnected serverStatus = iota
	statusConnecting
	statusConnected
	statusError
)

func (s serverStatus) String() string {
	switch s {
	case statusDisconnected:
		return "disconnected"
	case statusConnecting:
		return "connecting"
	case statusConnected:
		return "connected"
	case statusError:
		return "error"
	default:
		return "unknown"
	}
}

// serverConn holds the state for a single MCP server connection.
type serverConn struct {
	name    string
	config  ServerConfig
	session *mcpsdk.ClientSession
	tools   []*mcpsdk.Tool
	cancel  context.CancelFunc
	status  serverStatus
	lastErr error
}

// Manager manages MCP server connections and tool discovery. Servers are
// keyed by their sanitized name, the prefix of their catalog tool names.
type Manager struct {
	mu        sync.RWMutex
	servers   map[string]*serverConn
	adminOnly adminOnlySet
	logger    zerolog.Logger
}

// NewManager creates a new MCP server manager.
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		servers:   make(map[string]*serverConn),
		adminOnly: adminOnlySet{},
		logger:    logger.With().Str("component", "mcp").Logger(),
	}
}

// connectTimeout is the timeout for connecting to a single MCP server.
var connectTimeout = 30 * time.Second

// callTimeout bounds a single tool call.
var callTimeout = 30 * time.Second

// StartAll connects to the given servers. A server that fails to connect is
// logged and kept in error state; it never prevents the others from starting.
func (m *Manager) StartAll(ctx context.Context, servers []ServerConfig) {
	for _, sc := range servers {
		key := sanitizeName(sc.Name)
		m.mu.Lock()
		if prev, dup := m.servers[key]; dup {
			m.mu.Unlock()
			m.logger.Warn().
				Str("server", sc.Name).
				Str("conflicts_with", prev.name).
				Msg("MCP server name collides after sanitizing, skipping")
			continue
		}
		conn := &serverConn{name: sc.Name, config: sc, status: statusConnecting}
		m.servers[key] = conn
		m.mu.Unlock()

		if err := m.connectServer(ctx, conn); err != nil {
			m.mu.Lock()
			conn.status = statusError
			conn.lastErr = err
			m.mu.Unlock()
			m.logger.Error().Err(err).Str("server", sc.Name).Msg("MCP server failed to connect")
			continue
		}

		m.mu.Lock()
		conn.status = statusConnected
		m.mu.Unlock()
		m.logger.Info().Str("server", sc.Name).Int("tools", len(conn.tools)).Msg("MCP server connected")
	}
}

// SetAdminOnly replaces the set of servers whose tools require the admin
// role. Names match in both hyphen and underscore spellings.
func (m *Manager) SetAdminOnly(names []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adminOnly = newAdminOnlySet(names)
}

// IsAdminOnly reports whether the catalog tool name belongs to an
// admin-only server.
func (m *Manager) IsAdminOnly(toolName string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.adminOnly.matches(toolName)
}

// newTransport creates the appropriate MCP transport. Extracted for testability.
var newTransport = defaultNewTransport

func defaultNewTransport(sc ServerConfig) (mcpsdk.Transport, context.CancelFunc) {
	switch sc.Type {
	case "http":
		return &mcpsdk.StreamableClientTransport{Endpoint: sc.URL}, func() {}
	default: // stdio
		cmd := exec.Command(sc.Command, sc.Args...)
		if len(sc.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range sc.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		return &mcpsdk.CommandTransport{Command: cmd}, func() {
			if cmd.Process != nil {
				// The child may already have exited.
				_ = cmd.Process.Kill()
			}
		}
	}
}

func (m *Manager) connectServer(ctx context.Context, conn *serverConn) error {
	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    "masix",
		Version: "1.0",
	}, nil)

	transport, killFunc := newTransport(conn.config)

	connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	session, err := client.Connect(connCtx, transport, nil)
	if err != nil {
		killFunc()
		return fmt.Errorf("connecting: %w", err)
	}
	conn.cancel = killFunc
	conn.session = session

	listCtx, listCancel := context.WithTimeout(ctx, connectTimeout)
	defer listCancel()

	result, err := session.ListTools(listCtx, nil)
	if err != nil {
		_ = session.Close()
		conn.cancel()
		return fmt.Errorf("listing tools: %w", err)
	}
	conn.tools = result.Tools
	return nil
}

// StopAll closes all MCP server connections.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conn := range m.servers {
		if conn.session != nil && conn.status == statusConnected {
			if err := conn.session.Close(); err != nil {
				m.logger.Debug().Err(err).Str("server", conn.name).Msg("closing MCP session")
			}
		}
		if conn.cancel != nil {
			conn.cancel()
		}
		conn.status = statusDisconnected
	}
}

// ToolSpecs returns all MCP tools as namespaced provider.ToolSpecs sorted by
// name.
func (m *Manager) ToolSpecs() []provider.ToolSpec {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var specs []provider.ToolSpec
	for _, conn := range m.servers {
		if conn.status != statusConnected {
			continue
		}
		for _, tool := range conn.tools {
			specs = append(specs, ToToolSpec(conn.name, tool))
		}
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// ToolDefs returns all MCP tools as ToolDefs with execute functions. A tool
// reporting is_error yields its text as the error.
func (m *Manager) ToolDefs() []tools.ToolDef {
	specs := m.ToolSpecs()
	defs := make([]tools.ToolDef, 0, len(specs))
	for _, spec := range specs {
		name := spec.Name
		defs = append(defs, tools.ToolDef{
			Spec: spec,
			Execute: func(ctx context.Context, input map[string]any, _ *tools.ToolContext) (string, error) {
				result, isErr := m.Call(ctx, name, input)
				if isErr {
					return result, fmt.Errorf("%s", result)
				}
				return result, nil
			},
		})
	}
	return defs
}

// Owns reports whether name is a catalog tool of a connected server.
func (m *Manager) Owns(name string) bool {
	server, tool, ok := ParseNamespacedName(name)
	if !ok {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.servers[server]
	if !ok || conn.status != statusConnected {
		return false
	}
	for _, t := range conn.tools {
		if t.Name == tool {
			return true
		}
	}
	return false
}

// Call invokes a tool by its catalog name.
// Returns (result text, isError).
func (m *Manager) Call(ctx context.Context, name string, args map[string]any) (string, bool) {
	server, tool, ok := ParseNamespacedName(name)
	if !ok {
		return fmt.Sprintf("%q is not an MCP tool name", name), true
	}
	return m.CallTool(ctx, server, tool, args)
}

// CallTool invokes an MCP tool on the named server.
// Returns (result text, isError).
func (m *Manager) CallTool(ctx context.Context, serverName, toolName string, args map[string]any) (string, bool) {
	m.mu.RLock()
	conn, ok := m.servers[sanitizeName(serverName)]
	var (
		status  serverStatus
		lastErr error
		session *mcpsdk.ClientSession
	)
	if ok {
		status, lastErr, session = conn.status, conn.lastErr, conn.session
	}
	m.mu.RUnlock()

	if !ok {
		return fmt.Sprintf("MCP server %q not found", serverName), true
	}
	if status != statusConnected || session == nil {
		errMsg := fmt.Sprintf("MCP server %q is unavailable", serverName)
		if lastErr != nil {
			errMsg += ": " + lastErr.Error()
		}
		return errMsg, true
	}

	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	result, err := session.CallTool(callCtx, &mcpsdk.CallToolParams{
		Name:      toolName,
		Arguments: args,
	})
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return fmt.Sprintf("MCP tool call timed out after %s", callTimeout), true
		}
		return fmt.Sprintf("MCP tool call failed: %v", err), true
	}

	if result == nil {
		return "MCP server returned empty response", true
	}

	text := extractTextContent(result.Content)
	if text == "" {
		return "MCP server returned empty response", true
	}

	return text, result.IsError
}

// extractTextContent concatenates text from MCP Content items.
func extractTextContent(content []mcpsdk.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ToolNames returns a sorted list of all MCP tool names (namespaced).
func (m *Manager) ToolNames() []string {
	specs := m.ToolSpecs()
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	return names
}

// ServerStatuses returns the connection status for each server.
func (m *Manager) ServerStatuses() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make(map[string]string, len(m.servers))
	for _, conn := range m.servers {
		s := conn.status.String()
		if conn.lastErr != nil && conn.status == statusError {
			s += ": " + conn.lastErr.Error()
		}
		statuses[conn.name] = s
	}
	return statuses
}
