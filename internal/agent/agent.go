// Package agent runs one conversation turn against a provider route and lets
// the model call tools for a bounded number of iterations.
package agent

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/batalabs/masix/internal/domain"
	"github.com/batalabs/masix/internal/policy"
	"github.com/batalabs/masix/internal/profile"
	"github.com/batalabs/masix/internal/provider"
	"github.com/batalabs/masix/internal/tools"
)

// MaxIterations is the number of model calls a turn may make while the model
// keeps requesting tools. A turn that hits it makes one more call, without
// tools, to finalize.
const MaxIterations = 5

// DefaultToolTimeout bounds a single tool execution.
const DefaultToolTimeout = 60 * time.Second

// User-facing texts produced by the engine itself.
const (
	IterationLimitText = "Tool execution reached iteration limit before completion. Please retry with a narrower request."
	finalizePrompt     = "Finalize now using only gathered tool outputs. Do not call tools. Return the final user-facing answer."
	synthesisHeader    = "Tool execution completed but the model did not finalize in time.\n\nRaw findings:\n\n"
)

// ---------------------------------------------------------------------------
// Agent event types -- used by callers to observe loop progress
// ---------------------------------------------------------------------------

// EventKind classifies agent events.
type EventKind int

const (
	EventModelReply EventKind = iota // one model call finished
	EventToolStart                   // about to execute a tool
	EventToolDone                    // tool execution completed
)

// Event carries data for a single agent event.
type Event struct {
	Kind      EventKind
	Iteration int
	Provider  string // EventModelReply
	ToolUseID string // EventToolStart / EventToolDone
	ToolName  string // EventToolStart / EventToolDone
	IsError   bool   // EventToolDone
}

// EventFunc is the callback signature for agent event delivery. It is called
// synchronously from Run's goroutine.
type EventFunc func(Event)

// ---------------------------------------------------------------------------
// Collaborators
// ---------------------------------------------------------------------------

// ModelInvoker calls a provider route. *provider.Router implements it.
type ModelInvoker interface {
	Invoke(ctx context.Context, route provider.Route, req provider.Request) (*provider.Reply, error)
}

// ToolCatalog lists external tools and knows which of them are admin-only.
// *mcp.Manager implements it.
type ToolCatalog interface {
	ToolDefs() []tools.ToolDef
	IsAdminOnly(name string) bool
}

// AdminChecker re-reads a sender's role at the point of use.
// *policy.Evaluator implements it.
type AdminChecker interface {
	RequireAdmin(ctx context.Context, channel, accountTag, senderID string) error
}

// ---------------------------------------------------------------------------
// Turn and result
// ---------------------------------------------------------------------------

// Turn is the conversation context of one inbound message.
type Turn struct {
	TraceID string
	Profile *profile.BotProfile
	System  string
	// History ends with the new user message.
	History []domain.TranscriptMessage
	Role    domain.Role
	Access  policy.ToolAccess
	// Tools binds built-in tools to the turn's account and chat.
	Tools   *tools.ToolContext
	OnEvent EventFunc

	// Provider and Model are the sender's own choices, applied over the
	// profile route when set.
	Provider string
	Model    string
}

// ToolResult is the outcome of one tool call of a turn.
type ToolResult struct {
	ToolUseID string
	Name      string
	Output    string
	IsError   bool
	// Skipped marks calls that never ran: duplicates and policy denials.
	Skipped bool
}

// Result is the outcome of a turn.
type Result struct {
	Text       string
	Provider   string
	Iterations int
	// ToolsUsed lists distinct tool names requested by the model, in order.
	ToolsUsed   []string
	ToolResults []ToolResult
	Usage       provider.Usage
	// CompatibilityWarning is set when the model wrote a tool call as plain
	// text. Nothing was executed and Text is the raw reply.
	CompatibilityWarning bool
	HitIterationLimit    bool
	Finalized            bool
	Synthesized          bool
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

// Engine runs tool-calling turns. It holds no per-turn state and is safe for
// concurrent use.
type Engine struct {
	models      ModelInvoker
	catalog     ToolCatalog
	builtins    []tools.ToolDef
	admin       AdminChecker
	logger      zerolog.Logger
	toolTimeout time.Duration
}

// NewEngine creates an engine. catalog and admin may be nil: without a
// catalog only built-in tools are offered, without an admin checker
// admin-only tools are denied to everyone but static admins of the turn.
func NewEngine(models ModelInvoker, catalog ToolCatalog, admin AdminChecker, logger zerolog.Logger) *Engine {
	return &Engine{
		models:      models,
		catalog:     catalog,
		builtins:    tools.Builtins(),
		admin:       admin,
		logger:      logger.With().Str("component", "agent").Logger(),
		toolTimeout: DefaultToolTimeout,
	}
}

// SetToolTimeout overrides the per-tool timeout.
func (e *Engine) SetToolTimeout(d time.Duration) {
	if d > 0 {
		e.toolTimeout = d
	}
}

func (t *Turn) emit(ev Event) {
	if t.OnEvent != nil {
		t.OnEvent(ev)
	}
}
