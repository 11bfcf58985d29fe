package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/batalabs/masix/internal/domain"
	"github.com/batalabs/masix/internal/tools"
)

// Tool messages fed back to the model for calls that never ran.
const (
	duplicateCallText   = "Skipped duplicate tool call in same turn to prevent loops."
	policyDeniedText    = "Tool execution denied by role/tool policy."
	adminOnlyDeniedText = "Tool execution denied: this tool requires admin privileges."
)

// runTool executes one tool call of the turn and never fails: every problem
// becomes an error result the model can read.
func (e *Engine) runTool(ctx context.Context, turn *Turn, catalog []tools.ToolDef, call domain.ContentBlock, seen map[string]bool, logger zerolog.Logger) ToolResult {
	tr := ToolResult{ToolUseID: call.ToolUseID, Name: call.ToolName}
	log := logger.With().Str("tool", call.ToolName).Logger()

	sig := callSignature(call)
	if seen[sig] {
		log.Warn().Msg("skipping duplicate tool call within same turn")
		tr.Output, tr.Skipped = duplicateCallText, true
		return tr
	}
	seen[sig] = true

	if !turn.Access.Allows(call.ToolName) {
		log.Warn().Str("role", turn.Role.String()).Msg("tool execution denied by tool policy")
		tr.Output, tr.IsError, tr.Skipped = policyDeniedText, true, true
		return tr
	}

	def, ok := tools.Find(catalog, call.ToolName)
	if !ok {
		tr.Output, tr.IsError = errorResult(fmt.Sprintf("unknown tool %q", call.ToolName)), true
		return tr
	}

	if _, builtin := tools.Find(e.builtins, call.ToolName); !builtin && e.catalog != nil && e.catalog.IsAdminOnly(call.ToolName) {
		if err := e.requireAdmin(ctx, turn); err != nil {
			log.Warn().Err(err).Msg("admin-only tool denied")
			tr.Output, tr.IsError, tr.Skipped = adminOnlyDeniedText, true, true
			return tr
		}
	}

	turn.emit(Event{Kind: EventToolStart, ToolUseID: call.ToolUseID, ToolName: call.ToolName})
	out, err := e.execute(ctx, def, call.ToolInput, turn.Tools)
	if err != nil {
		log.Warn().Err(err).Msg("tool call failed")
		tr.Output, tr.IsError = errorResult(err.Error()), true
	} else {
		log.Debug().Int("bytes", len(out)).Msg("tool call completed")
		tr.Output = out
	}
	turn.emit(Event{Kind: EventToolDone, ToolUseID: call.ToolUseID, ToolName: call.ToolName, IsError: tr.IsError})
	return tr
}

// requireAdmin checks the turn's role and then re-reads it from the
// authoritative source, which may have changed since the turn started.
func (e *Engine) requireAdmin(ctx context.Context, turn *Turn) error {
	if turn.Role != domain.RoleAdmin {
		return fmt.Errorf("sender role is %s", turn.Role)
	}
	if e.admin == nil || turn.Tools == nil {
		return nil
	}
	return e.admin.RequireAdmin(ctx, turn.Tools.Channel, turn.Tools.AccountTag, turn.Tools.SenderID)
}

// execute runs def under the tool timeout. A tool that ignores its context
// is abandoned when the timeout fires.
func (e *Engine) execute(ctx context.Context, def tools.ToolDef, input map[string]any, tc *tools.ToolContext) (string, error) {
	toolCtx, cancel := context.WithTimeout(ctx, e.toolTimeout)
	defer cancel()

	type outcome struct {
		out string
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := def.Execute(toolCtx, input, tc)
		done <- outcome{out, err}
	}()

	select {
	case o := <-done:
		if o.err != nil && errors.Is(toolCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return "", fmt.Errorf("tool timed out after %s", e.toolTimeout)
		}
		return o.out, o.err
	case <-toolCtx.Done():
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("tool timed out after %s", e.toolTimeout)
	}
}

// callSignature identifies a call by name and arguments. encoding/json sorts
// map keys, so equal arguments yield equal signatures.
func callSignature(call domain.ContentBlock) string {
	args, err := json.Marshal(call.ToolInput)
	if err != nil {
		args = []byte(fmt.Sprint(call.ToolInput))
	}
	return call.ToolName + ":" + string(args)
}

func errorResult(msg string) string {
	data, _ := json.Marshal(map[string]string{"error": msg})
	return string(data)
}
