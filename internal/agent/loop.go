package agent

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/batalabs/masix/internal/domain"
	"github.com/batalabs/masix/internal/provider"
	"github.com/batalabs/masix/internal/tools"
)

// ErrNoProfile is returned when a turn carries no bot profile.
var ErrNoProfile = errors.New("turn has no bot profile")

// Run executes one turn. The loop alternates between awaiting the model and
// executing the tools it requested until the model answers without tool
// calls or MaxIterations model calls were made. An error is returned only
// when no answer can be produced at all.
func (e *Engine) Run(ctx context.Context, turn Turn) (*Result, error) {
	if turn.Profile == nil {
		return nil, ErrNoProfile
	}
	logger := e.logger.With().
		Str("trace_id", turn.TraceID).
		Str("profile", turn.Profile.Name).
		Logger()

	catalog := e.catalogFor(turn, logger)
	var specs []provider.ToolSpec
	if len(catalog) > 0 {
		specs = tools.Specs(catalog)
	}

	history, repaired := repairDanglingToolUseMessages(turn.History)
	if repaired {
		logger.Debug().Msg("dropped dangling tool calls from history")
	}
	msgs := make([]domain.TranscriptMessage, len(history))
	copy(msgs, history)

	route := turn.Profile.Route().Override(turn.Provider, turn.Model)
	res := &Result{}
	seen := map[string]bool{}
	used := map[string]bool{}
	final := ""

	for {
		if res.Iterations >= MaxIterations {
			res.HitIterationLimit = true
			logger.Warn().Int("iterations", res.Iterations).Msg("tool iteration safety limit reached")
			break
		}
		res.Iterations++

		reply, err := e.models.Invoke(ctx, route, provider.Request{System: turn.System, History: msgs, Tools: specs})
		if err != nil {
			if len(res.ToolResults) == 0 || ctx.Err() != nil {
				return nil, err
			}
			logger.Warn().Err(err).Int("iteration", res.Iterations).Msg("model call failed after tool use")
			break
		}
		// The provider that answered stays first for the rest of the turn.
		route = route.Prefer(reply.Provider)
		res.Provider = reply.Provider
		addUsage(&res.Usage, reply.Usage)
		turn.emit(Event{Kind: EventModelReply, Iteration: res.Iterations, Provider: reply.Provider})

		if text := strings.TrimSpace(reply.Text()); text != "" {
			final = text
		}

		if reply.CompatibilityWarning {
			res.CompatibilityWarning = true
			res.Text = reply.Text()
			logger.Warn().
				Str("provider", reply.Provider).
				Strs("textual_calls", provider.DetectTextualToolCalls(reply.Text())).
				Msg("model wrote tool calls as text without a structured payload; nothing executed")
			return res, nil
		}

		calls := reply.ToolUses()
		if len(calls) == 0 {
			break
		}

		msgs = append(msgs, reply.Message())
		results := make([]domain.ContentBlock, 0, len(calls))
		for _, call := range calls {
			if !used[call.ToolName] {
				used[call.ToolName] = true
				res.ToolsUsed = append(res.ToolsUsed, call.ToolName)
			}
			tr := e.runTool(ctx, &turn, catalog, call, seen, logger)
			res.ToolResults = append(res.ToolResults, tr)
			results = append(results, domain.ContentBlock{
				Type:       domain.BlockToolResult,
				ToolUseID:  call.ToolUseID,
				ToolName:   call.ToolName,
				ToolResult: tr.Output,
				IsError:    tr.IsError,
			})
		}
		msgs = append(msgs, domain.TranscriptMessage{Role: "user", Blocks: results})

		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	if final == "" && len(res.ToolResults) > 0 {
		final = e.finalize(ctx, route, turn.System, msgs, logger)
		res.Finalized = final != ""
	}
	if final == "" && len(res.ToolResults) > 0 {
		final = synthesize(res.ToolResults)
		res.Synthesized = final != ""
	}
	if final == "" && res.HitIterationLimit {
		final = IterationLimitText
	}
	res.Text = final
	return res, nil
}

// catalogFor returns the built-in and external tools the turn may see.
// Built-ins shadow external tools of the same name.
func (e *Engine) catalogFor(turn Turn, logger zerolog.Logger) []tools.ToolDef {
	if !turn.Access.Enabled() {
		return nil
	}
	var out []tools.ToolDef
	names := map[string]bool{}
	for _, d := range e.builtins {
		if turn.Access.Allows(d.Spec.Name) {
			out = append(out, d)
			names[d.Spec.Name] = true
		}
	}
	if e.catalog == nil {
		return out
	}
	for _, d := range e.catalog.ToolDefs() {
		if names[d.Spec.Name] {
			logger.Debug().Str("tool", d.Spec.Name).Msg("external tool shadowed by built-in")
			continue
		}
		if turn.Access.Allows(d.Spec.Name) {
			out = append(out, d)
			names[d.Spec.Name] = true
		}
	}
	return out
}

// finalize asks the route once more, without tools, for an answer built
// from the gathered tool outputs. Returns "" on failure.
func (e *Engine) finalize(ctx context.Context, route provider.Route, system string, msgs []domain.TranscriptMessage, logger zerolog.Logger) string {
	history := make([]domain.TranscriptMessage, len(msgs), len(msgs)+1)
	copy(history, msgs)
	history = append(history, domain.TranscriptMessage{Role: "user", Content: finalizePrompt})

	reply, err := e.models.Invoke(ctx, route, provider.Request{System: system, History: history})
	if err != nil {
		logger.Warn().Err(err).Msg("finalization pass after tool loop failed")
		return ""
	}
	return strings.TrimSpace(reply.Text())
}

// maxSynthesisSnippets and maxSnippetLines bound the raw findings returned
// when the model never produced an answer.
const (
	maxSynthesisSnippets = 2
	maxSnippetLines      = 8
)

// synthesize builds a reply from the latest successful tool outputs.
func synthesize(results []ToolResult) string {
	var snippets []string
	for i := len(results) - 1; i >= 0 && len(snippets) < maxSynthesisSnippets; i-- {
		r := results[i]
		if r.IsError || r.Skipped {
			continue
		}
		out := strings.TrimSpace(r.Output)
		if out == "" || strings.HasPrefix(out, "Error:") {
			continue
		}
		lines := strings.Split(out, "\n")
		if len(lines) > maxSnippetLines {
			lines = lines[:maxSnippetLines]
		}
		snippets = append(snippets, strings.TrimSpace(strings.Join(lines, "\n")))
	}
	if len(snippets) == 0 {
		return ""
	}
	for i, j := 0, len(snippets)-1; i < j; i, j = i+1, j-1 {
		snippets[i], snippets[j] = snippets[j], snippets[i]
	}
	return synthesisHeader + strings.Join(snippets, "\n\n---\n\n")
}

func addUsage(total *provider.Usage, u provider.Usage) {
	total.PromptTokens += u.PromptTokens
	total.CompletionTokens += u.CompletionTokens
	total.TotalTokens += u.TotalTokens
}
