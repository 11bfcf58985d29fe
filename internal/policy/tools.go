package policy

import (
	"sort"
	"strings"

	"github.com/batalabs/masix/internal/config"
	"github.com/batalabs/masix/internal/domain"
	"github.com/batalabs/masix/internal/store"
)

// ToolAccess is the set of tools a turn may expose to the model.
type ToolAccess struct {
	all     bool
	allowed map[string]bool
}

// AllTools grants every tool.
func AllTools() ToolAccess { return ToolAccess{all: true} }

// NoTools grants nothing.
func NoTools() ToolAccess { return ToolAccess{} }

// SelectedTools grants the named tools only.
func SelectedTools(names []string) ToolAccess {
	allowed := map[string]bool{}
	for _, n := range names {
		if n = NormalizeToolName(n); n != "" {
			allowed[n] = true
		}
	}
	if len(allowed) == 0 {
		return NoTools()
	}
	return ToolAccess{allowed: allowed}
}

// Enabled reports whether any tool may be used.
func (a ToolAccess) Enabled() bool {
	return a.all || len(a.allowed) > 0
}

// All reports whether every tool is granted.
func (a ToolAccess) All() bool { return a.all }

// Allows reports whether the tool may be called.
func (a ToolAccess) Allows(name string) bool {
	if a.all {
		return true
	}
	return a.allowed[NormalizeToolName(name)]
}

// Names returns the explicitly granted tools, sorted.
func (a ToolAccess) Names() []string {
	out := make([]string, 0, len(a.allowed))
	for n := range a.allowed {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// NormalizeToolName lowercases and trims a tool name.
func NormalizeToolName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// toolAccessFor resolves the tool grant of a role. Admins get everything;
// users get the account's selected allowlist, where a stored override wins
// over configuration; everyone else gets nothing.
func toolAccessFor(role domain.Role, acct *config.TelegramAccount, override *store.ToolPolicy) ToolAccess {
	switch role {
	case domain.RoleAdmin:
		return AllTools()
	case domain.RoleUser:
		if acct == nil {
			return NoTools()
		}
		mode := acct.UserToolsMode
		allowed := acct.UserAllowedTools
		if override != nil {
			if override.Mode != "" {
				mode = config.UserToolsMode(override.Mode)
			}
			if override.Allowed != nil {
				allowed = override.Allowed
			}
		}
		if mode != config.UserToolsSelected {
			return NoTools()
		}
		return SelectedTools(allowed)
	}
	return NoTools()
}
