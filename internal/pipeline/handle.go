package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/batalabs/masix/internal/agent"
	"github.com/batalabs/masix/internal/domain"
	"github.com/batalabs/masix/internal/metrics"
	"github.com/batalabs/masix/internal/profile"
	"github.com/batalabs/masix/internal/store"
	"github.com/batalabs/masix/internal/tools"
)

// Handle processes one inbound event to completion. It returns an error only
// for failures the caller should log; denials and provider exhaustion are
// handled here.
func (p *Pipeline) Handle(ctx context.Context, ev domain.Event) error {
	if ev.TraceID == "" {
		ev.TraceID = domain.NewTraceID()
	}
	logger := p.logger.With().
		Str("trace_id", ev.TraceID).
		Str("channel", ev.Channel).
		Str("account", ev.AccountTag).
		Str("chat", ev.ChatID).
		Str("sender", ev.SenderID).
		Logger()

	outcome, err := p.handle(ctx, ev, logger)
	p.obs.EventProcessed(ev.Channel, outcome)
	return err
}

func (p *Pipeline) handle(ctx context.Context, ev domain.Event, logger zerolog.Logger) (string, error) {
	if err := p.store.RecordEvent(store.EventRecord{
		Channel:    ev.Channel,
		AccountTag: ev.AccountTag,
		MessageID:  eventKey(ev),
		ChatID:     ev.ChatID,
		FromUser:   ev.SenderID,
		Content:    ev.Text,
	}); err != nil {
		return metrics.OutcomeFailed, fmt.Errorf("recording event: %w", err)
	}

	if strings.TrimSpace(ev.Text) == "" && ev.Media == nil {
		return metrics.OutcomeIgnored, nil
	}
	if !p.gate.ChatAllowed(ev.ChatID) {
		logger.Debug().Msg("chat blocked by policy lists")
		return metrics.OutcomeIgnored, nil
	}
	if !p.gate.AllowMessage(ev.Channel + "/" + ev.AccountTag + "/" + ev.SenderID) {
		logger.Warn().Msg("sender rate limited")
		return metrics.OutcomeDenied, nil
	}

	decision, registered, err := p.policy.EvaluateAndRegister(ctx, ev)
	if err != nil {
		return metrics.OutcomeFailed, fmt.Errorf("evaluating permissions: %w", err)
	}
	if !decision.Allowed() {
		event := logger.Info()
		if decision.Silent {
			event = logger.Debug()
		}
		event.Str("reason", decision.Reason).Msg("event denied")
		return metrics.OutcomeDenied, nil
	}
	if registered {
		logger.Info().Msg("sender registered on first contact")
	}
	logger = logger.With().Str("role", decision.Role.String()).Logger()

	if ev.IsCommand() {
		if reply, ok := p.command(ctx, ev, decision.Role, logger); ok {
			p.respond(ctx, ev, reply, true, logger)
			return metrics.OutcomeCommand, nil
		}
	}

	return p.converse(ctx, ev, decision.Role, logger)
}

// converse runs a model turn for the event and delivers its answer.
func (p *Pipeline) converse(ctx context.Context, ev domain.Event, role domain.Role, logger zerolog.Logger) (string, error) {
	prof, err := p.profiles.Resolve(ev.AccountTag)
	if err != nil {
		if errors.Is(err, profile.ErrUnmappedAccount) {
			logger.Error().Err(err).Msg("no bot profile for account")
			return metrics.OutcomeFailed, nil
		}
		return metrics.OutcomeFailed, fmt.Errorf("resolving profile: %w", err)
	}
	logger = logger.With().Str("profile", prof.Name).Logger()

	ws, err := profile.LoadWorkspace(prof)
	if err != nil {
		return metrics.OutcomeFailed, fmt.Errorf("loading workspace: %w", err)
	}
	access, err := p.policy.ToolAccess(ctx, ev.Channel, ev.AccountTag, role)
	if err != nil {
		return metrics.OutcomeFailed, fmt.Errorf("resolving tool access: %w", err)
	}

	history, err := p.history(ev)
	if err != nil {
		return metrics.OutcomeFailed, fmt.Errorf("loading conversation: %w", err)
	}
	userText := p.userText(ctx, ev, prof, logger)
	history = append(history, domain.TranscriptMessage{Role: "user", Content: userText})

	tc := &tools.ToolContext{
		Channel:    ev.Channel,
		AccountTag: ev.AccountTag,
		ChatID:     ev.ChatID,
		SenderID:   ev.SenderID,
		Memory:     tools.NewProfileMemory(prof.MemoryFile),
	}
	if p.reminders != nil {
		tc.Cron = p.reminders
		tc.Location = p.reminders.Location()
	}

	provName, model := p.senderRoute(ev, logger)

	start := p.nowFunc()
	res, err := p.engine.Run(ctx, agent.Turn{
		TraceID: ev.TraceID,
		Profile: prof,
		System:  ws.SystemPrompt(),
		History: history,
		Role:    role,
		Access:  access,
		Tools:   tc,
		OnEvent: func(e agent.Event) {
			if e.Kind == agent.EventToolDone {
				p.obs.ObserveToolCall(e.ToolName, e.IsError)
			}
		},
		Provider: provName,
		Model:    model,
	})
	p.obs.ObserveTurn(ev.Channel, p.nowFunc().Sub(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return metrics.OutcomeFailed, ctx.Err()
		}
		logger.Error().Err(err).Msg("turn failed")
		p.respond(ctx, ev, GenericFailureText, true, logger)
		return metrics.OutcomeFailed, nil
	}

	logger.Info().
		Str("provider", res.Provider).
		Int("iterations", res.Iterations).
		Strs("tools", res.ToolsUsed).
		Int("total_tokens", res.Usage.TotalTokens).
		Msg("turn completed")

	text := strings.TrimSpace(res.Text)
	if text == "" {
		logger.Warn().Msg("model produced an empty answer")
		return metrics.OutcomeIgnored, nil
	}
	p.remember(ev, userText, text, logger)
	p.respond(ctx, ev, text, false, logger)
	return metrics.OutcomeReplied, nil
}

// history returns the persisted chat history without entries written for
// this same event, so reprocessing it does not repeat the message.
func (p *Pipeline) history(ev domain.Event) ([]domain.TranscriptMessage, error) {
	limit := historyLimit
	if p.cfg.Core.HistoryLimit > 0 {
		limit = p.cfg.Core.HistoryLimit
	}
	stored, err := p.store.RecentConversation(ev.Channel, ev.AccountTag, ev.ChatID, limit)
	if err != nil {
		return nil, err
	}
	key := eventKey(ev)
	out := make([]domain.TranscriptMessage, 0, len(stored)+1)
	for _, m := range stored {
		if m.EventKey == key {
			continue
		}
		out = append(out, domain.TranscriptMessage{Role: m.Role, Content: m.Content})
	}
	return out, nil
}

// userText is the event text, preceded by a description of attached media.
func (p *Pipeline) userText(ctx context.Context, ev domain.Event, prof *profile.BotProfile, logger zerolog.Logger) string {
	text := strings.TrimSpace(ev.Text)
	if ev.Media == nil {
		return text
	}
	desc := ev.Media.Summary()
	if p.vision != nil {
		var data []byte
		if src, ok := p.byKey[adapterKey(ev.Channel, ev.AccountTag)].(mediaSource); ok && ev.Media.IsVisual() && prof.VisionProvider != "" {
			var err error
			data, err = src.MediaData(ctx, ev.Media)
			if err != nil {
				logger.Warn().Err(err).Str("kind", ev.Media.Kind).Msg("downloading media")
			}
		}
		desc = p.vision.Describe(ctx, prof.VisionRoute(), ev.Media, data)
	}
	if text == "" || text == strings.TrimSpace(ev.Media.Caption) {
		return desc
	}
	return desc + "\n" + text
}

func (p *Pipeline) remember(ev domain.Event, userText, reply string, logger zerolog.Logger) {
	key := eventKey(ev)
	for _, m := range []store.ConversationMessage{
		{Role: "user", Content: userText},
		{Role: "assistant", Content: reply},
	} {
		m.Channel = ev.Channel
		m.AccountTag = ev.AccountTag
		m.ChatID = ev.ChatID
		m.EventKey = key
		if err := p.store.AppendConversation(m); err != nil {
			logger.Error().Err(err).Str("role", m.Role).Msg("saving conversation")
			return
		}
	}
}

// eventKey identifies an event within its chat across reprocessing.
func eventKey(ev domain.Event) string {
	if ev.MessageID != "" {
		return ev.MessageID
	}
	return ev.TraceID
}

// allowsMutation reports whether role may change state through commands.
func allowsMutation(role domain.Role) bool {
	return role.AtLeast(domain.RoleUser)
}
