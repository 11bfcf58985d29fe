package mcp

import "strings"

// NamespacedName returns the catalog name of an MCP tool: "server_tool".
// The server name is sanitized to lowercase alphanumerics and hyphens, so
// the first underscore always separates server from tool.
func NamespacedName(serverName, toolName string) string {
	return sanitizeName(serverName) + "_" + toolName
}

// ParseNamespacedName splits a catalog name into its server and tool parts.
// Returns ("", "", false) if the name has no server prefix.
func ParseNamespacedName(name string) (server, tool string, ok bool) {
	idx := strings.Index(name, "_")
	if idx <= 0 || idx == len(name)-1 {
		return "", "", false
	}
	return name[:idx], name[idx+1:], true
}

// sanitizeName lowercases and replaces non-alphanumeric characters with hyphens.
func sanitizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// adminOnlySet matches server names in both their hyphen and underscore
// spellings.
type adminOnlySet map[string]bool

func newAdminOnlySet(names []string) adminOnlySet {
	set := adminOnlySet{}
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "" {
			continue
		}
		set[n] = true
		set[strings.ReplaceAll(n, "_", "-")] = true
	}
	return set
}

// matches reports whether the catalog tool name belongs to an admin-only
// server.
func (s adminOnlySet) matches(toolName string) bool {
	server, _, ok := ParseNamespacedName(toolName)
	if !ok {
		return false
	}
	return s[server] || s[strings.ReplaceAll(server, "-", "_")]
}
