package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/batalabs/masix/internal/domain"
	"github.com/batalabs/masix/internal/hostexec"
	"github.com/batalabs/masix/internal/policy"
	"github.com/batalabs/masix/internal/tools"
)

const providerUsage = "/provider - show your provider\n" +
	"/provider list - list the configured providers\n" +
	"/provider set <name> - use a provider for your messages\n" +
	"/provider reset - back to the bot default"

const modelUsage = "/model - show your model\n" +
	"/model <name> - use a model of your provider\n" +
	"/model reset - back to the provider default"

const execUsage = "Usage: /exec <command>\n" +
	"Example: /exec ls -la\n" +
	"Runs allowlisted commands in the bot workdir."

// ---------------------------------------------------------------------------
// /provider and /model
// ---------------------------------------------------------------------------

func senderMetaKey(kind string, ev domain.Event) string {
	return kind + ":" + ev.Channel + ":" + ev.SenderID
}

// senderRoute returns the provider and model the sender picked. A provider
// no longer configured is ignored together with its model.
func (p *Pipeline) senderRoute(ev domain.Event, logger zerolog.Logger) (string, string) {
	name, _, err := p.store.GetBotMeta(ev.AccountTag, senderMetaKey("provider", ev))
	if err != nil {
		logger.Error().Err(err).Msg("loading provider choice")
		return "", ""
	}
	if name != "" {
		if _, ok := p.cfg.Provider(name); !ok {
			return "", ""
		}
	}
	model, _, err := p.store.GetBotMeta(ev.AccountTag, senderMetaKey("model", ev))
	if err != nil {
		logger.Error().Err(err).Msg("loading model choice")
		return name, ""
	}
	return name, model
}

// defaultProvider is the head of the account's profile route.
func (p *Pipeline) defaultProvider(ev domain.Event) string {
	if prof, err := p.profiles.Resolve(ev.AccountTag); err == nil {
		if route := prof.Route(); len(route.Providers) > 0 {
			return route.Providers[0]
		}
	}
	return p.cfg.Providers.DefaultProvider
}

// currentRoute is the provider and model the sender's next turn starts with.
func (p *Pipeline) currentRoute(ev domain.Event, logger zerolog.Logger) (string, string) {
	name, model := p.senderRoute(ev, logger)
	if name == "" {
		name = p.defaultProvider(ev)
	}
	if model == "" {
		if pc, ok := p.cfg.Provider(name); ok {
			model = pc.Model
		}
	}
	return name, model
}

func (p *Pipeline) providerCommand(ev domain.Event, args []string, logger zerolog.Logger) string {
	if len(args) == 0 {
		name, _ := p.currentRoute(ev, logger)
		return fmt.Sprintf("Current provider: %s\n\n%s", name, providerUsage)
	}

	switch strings.ToLower(args[0]) {
	case "list":
		current, _ := p.currentRoute(ev, logger)
		var b strings.Builder
		b.WriteString("Configured providers\n")
		for _, pc := range p.cfg.Providers.Providers {
			var marks []string
			if pc.Name == p.cfg.Providers.DefaultProvider {
				marks = append(marks, "default")
			}
			if pc.Name == current {
				marks = append(marks, "current")
			}
			fmt.Fprintf(&b, "\n• %s", pc.Name)
			if len(marks) > 0 {
				fmt.Fprintf(&b, " (%s)", strings.Join(marks, ", "))
			}
			if pc.Model != "" {
				fmt.Fprintf(&b, "\n  Model: %s", pc.Model)
			}
		}
		return b.String()
	case "set":
		if len(args) < 2 {
			return "Usage: /provider set <name>"
		}
		name := args[1]
		if _, ok := p.cfg.Provider(name); !ok {
			return fmt.Sprintf("Provider '%s' not found. Use /provider list to see the configured providers.", name)
		}
		// A model picked for the previous provider does not carry over.
		if !p.saveSenderChoice(ev, "provider", name, logger) || !p.saveSenderChoice(ev, "model", "", logger) {
			return GenericFailureText
		}
		logger.Info().Str("provider", name).Msg("sender provider changed")
		return fmt.Sprintf("Provider set to '%s' for you.", name)
	case "reset":
		if !p.saveSenderChoice(ev, "provider", "", logger) || !p.saveSenderChoice(ev, "model", "", logger) {
			return GenericFailureText
		}
		return fmt.Sprintf("Provider reset to the default (%s).", p.defaultProvider(ev))
	}
	return providerUsage
}

func (p *Pipeline) modelCommand(ev domain.Event, args []string, logger zerolog.Logger) string {
	if len(args) == 0 {
		name, model := p.currentRoute(ev, logger)
		if model == "" {
			model = "unknown"
		}
		return fmt.Sprintf("Current provider: %s\nCurrent model: %s\n\n%s", name, model, modelUsage)
	}
	if strings.EqualFold(args[0], "reset") {
		if !p.saveSenderChoice(ev, "model", "", logger) {
			return GenericFailureText
		}
		return "Model reset to the provider default."
	}
	model := args[0]
	if !p.saveSenderChoice(ev, "model", model, logger) {
		return GenericFailureText
	}
	logger.Info().Str("model", model).Msg("sender model changed")
	return fmt.Sprintf("Model set to '%s' for you.", model)
}

func (p *Pipeline) saveSenderChoice(ev domain.Event, kind, value string, logger zerolog.Logger) bool {
	if err := p.store.SetBotMeta(ev.AccountTag, senderMetaKey(kind, ev), value); err != nil {
		logger.Error().Err(err).Str("kind", kind).Msg("saving sender choice")
		return false
	}
	return true
}

// ---------------------------------------------------------------------------
// /exec
// ---------------------------------------------------------------------------

func (p *Pipeline) execCommand(ctx context.Context, ev domain.Event, role domain.Role, args []string, logger zerolog.Logger) string {
	if role != domain.RoleAdmin {
		return AdminOnlyText
	}
	if len(args) == 0 || strings.EqualFold(args[0], "help") {
		return execUsage
	}
	if err := p.policy.RequireAdmin(ctx, ev.Channel, ev.AccountTag, ev.SenderID); err != nil {
		if errors.Is(err, policy.ErrNotAdmin) {
			return AdminOnlyText
		}
		logger.Error().Err(err).Msg("re-checking admin role")
		return GenericFailureText
	}

	prof, err := p.profiles.Resolve(ev.AccountTag)
	if err != nil {
		logger.Error().Err(err).Msg("resolving profile for exec")
		return GenericFailureText
	}
	if err := os.MkdirAll(prof.Workdir, 0o755); err != nil {
		logger.Error().Err(err).Str("workdir", prof.Workdir).Msg("creating workdir")
		return GenericFailureText
	}

	raw := strings.Join(args, " ")
	res, err := hostexec.Run(ctx, p.exec, raw, prof.Workdir)
	switch {
	case errors.Is(err, hostexec.ErrDisabled):
		return "Exec is disabled."
	case errors.Is(err, hostexec.ErrNotAllowed), errors.Is(err, hostexec.ErrUnsafeArgument), errors.Is(err, hostexec.ErrEmptyCommand):
		logger.Warn().Err(err).Str("command", raw).Msg("exec refused")
		return "Exec error: " + err.Error()
	case err != nil:
		logger.Error().Err(err).Str("command", raw).Msg("exec failed")
		return "Exec error: " + err.Error()
	}
	logger.Info().
		Str("command", res.Command).
		Int("exit_code", res.ExitCode).
		Bool("timed_out", res.TimedOut).
		Msg("exec completed")
	return res.Format()
}

// ---------------------------------------------------------------------------
// /mcp and /tools
// ---------------------------------------------------------------------------

func (p *Pipeline) mcpCommand(role domain.Role) string {
	if role != domain.RoleAdmin {
		return AdminOnlyText
	}
	if !p.cfg.MCP.Enabled || p.mcp == nil {
		return "MCP is disabled."
	}
	statuses := p.mcp.ServerStatuses()
	if len(statuses) == 0 {
		return "No MCP servers configured."
	}
	names := make([]string, 0, len(statuses))
	for name := range statuses {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "MCP servers (%d)\n", len(names))
	for _, name := range names {
		fmt.Fprintf(&b, "\n• %s: %s", name, statuses[name])
	}
	return b.String()
}

func (p *Pipeline) toolsCommand(role domain.Role) string {
	if role != domain.RoleAdmin {
		return AdminOnlyText
	}
	var builtin, external []string
	for _, def := range tools.Builtins() {
		builtin = append(builtin, def.Spec.Name)
	}
	if p.catalog != nil {
		for _, def := range p.catalog.ToolDefs() {
			if !slices.Contains(builtin, def.Spec.Name) {
				external = append(external, def.Spec.Name)
			}
		}
	}
	sort.Strings(external)
	external = slices.Compact(external)
	names := slices.Concat(builtin, external)
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "Runtime tools\n\nTotal: %d\nBuilt-in: %d\nMCP: %d\n", len(names), len(builtin), len(external))
	for _, name := range names {
		fmt.Fprintf(&b, "\n• %s", name)
	}
	return b.String()
}
