// Package tools holds the built-in tools offered to the model next to the
// MCP catalog.
package tools

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/batalabs/masix/internal/provider"
	"github.com/batalabs/masix/internal/store"
)

// nowFunc is overridden in tests.
var nowFunc = time.Now

// CronService is the scheduler surface the cron tools need. Defined here to
// avoid an import cycle between tools and cron.
type CronService interface {
	Add(ctx context.Context, text, channel, accountTag, recipient string) (int64, error)
	List(ctx context.Context, accountTag, recipient string) ([]store.CronJob, error)
	Cancel(ctx context.Context, id int64, accountTag string) error
}

// ToolContext binds a tool call to the turn that issued it. Tools never see
// another account's tag or another chat's recipient.
type ToolContext struct {
	Channel    string
	AccountTag string
	ChatID     string
	SenderID   string
	Location   *time.Location
	Cron       CronService
	Memory     *ProfileMemory
}

// ToolFunc is the signature for tool execution functions.
type ToolFunc func(ctx context.Context, input map[string]any, tc *ToolContext) (string, error)

// ToolDef binds a provider-agnostic tool specification to its implementation.
type ToolDef struct {
	Spec    provider.ToolSpec
	Execute ToolFunc
}

// Builtins returns the built-in tool definitions.
func Builtins() []ToolDef {
	return []ToolDef{
		cronAddTool(),
		cronListTool(),
		cronCancelTool(),
		memoryReadTool(),
		memoryWriteTool(),
	}
}

// Specs returns the specifications of defs.
func Specs(defs []ToolDef) []provider.ToolSpec {
	specs := make([]provider.ToolSpec, len(defs))
	for i, d := range defs {
		specs[i] = d.Spec
	}
	return specs
}

// Find looks up a tool by name.
func Find(defs []ToolDef, name string) (ToolDef, bool) {
	for _, d := range defs {
		if d.Spec.Name == name {
			return d, true
		}
	}
	return ToolDef{}, false
}

// Names returns the sorted names of defs.
func Names(defs []ToolDef) []string {
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Spec.Name
	}
	sort.Strings(names)
	return names
}

func stringArg(input map[string]any, key string) string {
	v, _ := input[key].(string)
	return strings.TrimSpace(v)
}
