package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/batalabs/masix/internal/channel"
	"github.com/batalabs/masix/internal/config"
	"github.com/batalabs/masix/internal/cron"
	"github.com/batalabs/masix/internal/domain"
	"github.com/batalabs/masix/internal/policy"
	"github.com/batalabs/masix/internal/store"
	"github.com/batalabs/masix/internal/tools"
)

const adminUsage = "Admin commands\n" +
	"/admin list\n" +
	"/admin add <user_id>\n" +
	"/admin remove <user_id>\n" +
	"/admin promote <user_id>\n" +
	"/admin demote <user_id>\n" +
	"/admin tools list\n" +
	"/admin tools available\n" +
	"/admin tools mode <none|selected>\n" +
	"/admin tools allow <tool_name>\n" +
	"/admin tools deny <tool_name>\n" +
	"/admin tools clear"

const cronUsage = "Usage:\n" +
	"/cron domani alle 9 \"Team sync\"\n" +
	"/cron every monday at 8:30 \"Standup\"\n" +
	"/cron list\n" +
	"/cron cancel <id>"

// command answers the slash commands handled without the model. The bool is
// false for commands the model should see.
func (p *Pipeline) command(ctx context.Context, ev domain.Event, role domain.Role, logger zerolog.Logger) (string, bool) {
	fields := strings.Fields(ev.Text)
	name, _, _ := strings.Cut(strings.ToLower(fields[0]), "@")
	args := fields[1:]
	logger.Debug().Str("command", name).Msg("processing command")

	switch name {
	case "/start":
		return "Hi! Send me a message and I will answer. Use /help to see the commands.", true
	case "/help":
		return helpText(role), true
	case "/whoami":
		return fmt.Sprintf("ID: %s\nRole: %s\nChannel: %s\nAccount: %s", ev.SenderID, role, ev.Channel, ev.AccountTag), true
	case "/new":
		if err := p.store.ClearConversation(ev.Channel, ev.AccountTag, ev.ChatID); err != nil {
			logger.Error().Err(err).Msg("clearing conversation")
			return GenericFailureText, true
		}
		return "Conversation history cleared.", true
	case "/cron":
		return p.cronCommand(ctx, ev, role, args, logger), true
	case "/admin":
		return p.adminCommand(ctx, ev, role, args, logger), true
	case "/provider":
		return p.providerCommand(ev, args, logger), true
	case "/model":
		return p.modelCommand(ev, args, logger), true
	case "/exec":
		return p.execCommand(ctx, ev, role, args, logger), true
	case "/mcp":
		return p.mcpCommand(role), true
	case "/tools":
		return p.toolsCommand(role), true
	}
	return "", false
}

func helpText(role domain.Role) string {
	cmds := domain.CommandHelp(role)
	var b strings.Builder
	for _, g := range domain.CommandGroups {
		first := true
		for _, c := range cmds {
			if c.Group != g.Key {
				continue
			}
			if first {
				if b.Len() > 0 {
					b.WriteString("\n")
				}
				b.WriteString(g.Label + "\n")
				first = false
			}
			fmt.Fprintf(&b, "%s - %s\n", c.Name, c.Description)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// ---------------------------------------------------------------------------
// /cron
// ---------------------------------------------------------------------------

func (p *Pipeline) cronCommand(ctx context.Context, ev domain.Event, role domain.Role, args []string, logger zerolog.Logger) string {
	if p.reminders == nil {
		return "Reminders are not enabled."
	}
	if len(args) == 0 {
		return cronUsage
	}

	switch strings.ToLower(args[0]) {
	case "list":
		jobs, err := p.reminders.List(ctx, ev.AccountTag, ev.ChatID)
		if err != nil {
			logger.Error().Err(err).Msg("listing reminders")
			return GenericFailureText
		}
		return formatJobs(jobs, p.reminders.Location())
	case "cancel":
		if !allowsMutation(role) {
			return ReadonlyText
		}
		if len(args) < 2 {
			return "Usage: /cron cancel <id>"
		}
		id, err := strconv.ParseInt(strings.TrimPrefix(args[1], "#"), 10, 64)
		if err != nil {
			return "Invalid reminder id."
		}
		return p.cancelReminder(ctx, ev, role, id, logger)
	}

	if !allowsMutation(role) {
		return ReadonlyText
	}
	text := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(ev.Text), strings.Fields(ev.Text)[0]))
	id, err := p.reminders.Add(ctx, text, ev.Channel, ev.AccountTag, ev.ChatID)
	switch {
	case err == nil:
		logger.Info().Int64("job_id", id).Msg("reminder created")
		return fmt.Sprintf("Reminder #%d created.", id)
	case errors.Is(err, cron.ErrAmbiguousSchedule):
		return "I could not understand when to remind you.\n\n" + cronUsage
	case errors.Is(err, channel.ErrReadOnlyChannel), errors.Is(err, cron.ErrUndeliverable):
		return "Reminders cannot be delivered on that channel."
	default:
		logger.Error().Err(err).Msg("creating reminder")
		return GenericFailureText
	}
}

// cancelReminder cancels a job of this chat. Admins may cancel any job of
// the account.
func (p *Pipeline) cancelReminder(ctx context.Context, ev domain.Event, role domain.Role, id int64, logger zerolog.Logger) string {
	notFound := fmt.Sprintf("Reminder #%d not found.", id)
	if role != domain.RoleAdmin {
		jobs, err := p.reminders.List(ctx, ev.AccountTag, ev.ChatID)
		if err != nil {
			logger.Error().Err(err).Msg("listing reminders")
			return GenericFailureText
		}
		owned := false
		for _, j := range jobs {
			owned = owned || j.ID == id
		}
		if !owned {
			return notFound
		}
	}
	err := p.reminders.Cancel(ctx, id, ev.AccountTag)
	switch {
	case err == nil:
		logger.Info().Int64("job_id", id).Msg("reminder cancelled")
		return fmt.Sprintf("Reminder #%d cancelled.", id)
	case errors.Is(err, cron.ErrJobNotFound):
		return notFound
	default:
		logger.Error().Err(err).Int64("job_id", id).Msg("cancelling reminder")
		return GenericFailureText
	}
}

func formatJobs(jobs []store.CronJob, loc *time.Location) string {
	if len(jobs) == 0 {
		return "No active reminders."
	}
	if loc == nil {
		loc = time.Local
	}
	var b strings.Builder
	for _, j := range jobs {
		kind := "once"
		if j.Recurring {
			kind = j.Schedule
		}
		fmt.Fprintf(&b, "#%d %s (%s): %s\n", j.ID, j.NextRun.In(loc).Format("2006-01-02 15:04"), kind, j.Message)
	}
	return strings.TrimRight(b.String(), "\n")
}

// ---------------------------------------------------------------------------
// /admin
// ---------------------------------------------------------------------------

func (p *Pipeline) adminCommand(ctx context.Context, ev domain.Event, role domain.Role, args []string, logger zerolog.Logger) string {
	if role != domain.RoleAdmin {
		return AdminOnlyText
	}
	if len(args) == 0 {
		return adminUsage
	}
	sub := strings.ToLower(args[0])
	if sub == "list" {
		return p.adminList(ev, logger)
	}

	// Mutations re-read the sender's role at the point of use.
	if err := p.policy.RequireAdmin(ctx, ev.Channel, ev.AccountTag, ev.SenderID); err != nil {
		if errors.Is(err, policy.ErrNotAdmin) {
			return AdminOnlyText
		}
		logger.Error().Err(err).Msg("re-checking admin role")
		return GenericFailureText
	}
	if sub == "tools" {
		return p.adminTools(ev, args[1:], logger)
	}

	if len(args) < 2 {
		return fmt.Sprintf("Usage: /admin %s <user_id>", sub)
	}
	target := strings.TrimSpace(args[1])
	if ev.Channel == domain.ChannelTelegram {
		if _, err := strconv.ParseInt(target, 10, 64); err != nil {
			return "Invalid user ID. Use numeric ID."
		}
	}
	source := "admin:" + ev.SenderID
	static := p.policy.IsStaticAdmin(ev.Channel, ev.AccountTag, target)

	var err error
	var reply string
	switch sub {
	case "add":
		err = p.store.PutACLRole(ev.Channel, ev.AccountTag, target, domain.RoleUser, source)
		reply = fmt.Sprintf("User %s added and active immediately.", target)
		if static {
			reply = fmt.Sprintf("User %s is a configured admin; the role is unchanged.", target)
		}
	case "promote":
		err = p.store.PutACLRole(ev.Channel, ev.AccountTag, target, domain.RoleAdmin, source)
		reply = fmt.Sprintf("User %s promoted to admin.", target)
	case "demote":
		if static {
			return fmt.Sprintf("User %s is a configured admin and cannot be demoted at runtime.", target)
		}
		err = p.store.PutACLRole(ev.Channel, ev.AccountTag, target, domain.RoleUser, source)
		reply = fmt.Sprintf("User %s demoted to user.", target)
	case "remove":
		if static {
			return fmt.Sprintf("User %s is a configured admin and cannot be removed at runtime.", target)
		}
		var removed bool
		removed, err = p.store.RemoveACLUser(ev.Channel, ev.AccountTag, target)
		reply = fmt.Sprintf("User %s removed and deauthorized immediately.", target)
		if err == nil && !removed {
			reply = fmt.Sprintf("User %s has no runtime grant to remove.", target)
		}
	default:
		return adminUsage
	}
	if err != nil {
		logger.Error().Err(err).Str("target", target).Str("action", sub).Msg("updating acl")
		return GenericFailureText
	}
	logger.Info().Str("target", target).Str("action", sub).Msg("acl updated")
	return reply
}

func (p *Pipeline) adminList(ev domain.Event, logger zerolog.Logger) string {
	admins, users, readonly := map[string]bool{}, map[string]bool{}, map[string]bool{}
	switch ev.Channel {
	case domain.ChannelTelegram:
		if acct, ok := p.cfg.TelegramAccount(ev.AccountTag); ok {
			addIDs(admins, acct.Admins)
			addIDs(users, acct.Users)
			addIDs(readonly, acct.Readonly)
		}
	case domain.ChannelWhatsApp:
		addStrings(admins, p.cfg.WhatsApp.Admins)
		addStrings(users, p.cfg.WhatsApp.Users)
		addStrings(users, p.cfg.WhatsApp.AllowedSenders)
	case domain.ChannelSMS:
		addStrings(admins, p.cfg.SMS.Admins)
		addStrings(users, p.cfg.SMS.Users)
		addStrings(users, p.cfg.SMS.AllowedSenders)
	}

	entries, err := p.store.ListACL(ev.Channel, ev.AccountTag)
	if err != nil {
		logger.Error().Err(err).Msg("listing acl")
		return GenericFailureText
	}
	for _, e := range entries {
		switch e.Role {
		case domain.RoleAdmin:
			admins[e.UserID] = true
		case domain.RoleUser:
			users[e.UserID] = true
		case domain.RoleReadonly:
			readonly[e.UserID] = true
		}
	}
	return fmt.Sprintf("Admins: %s\nUsers: %s\nReadonly: %s", csv(admins), csv(users), csv(readonly))
}

func (p *Pipeline) adminTools(ev domain.Event, args []string, logger zerolog.Logger) string {
	if ev.Channel != domain.ChannelTelegram {
		return "User tool policies apply to Telegram accounts only."
	}
	acct, ok := p.cfg.TelegramAccount(ev.AccountTag)
	if !ok {
		return "No account found."
	}
	// "/admin tools user <action>" is accepted as well.
	if len(args) > 0 && strings.EqualFold(args[0], "user") {
		args = args[1:]
	}
	if len(args) == 0 {
		return adminUsage
	}

	current, err := p.store.GetToolPolicy(ev.Channel, ev.AccountTag)
	if err != nil {
		logger.Error().Err(err).Msg("reading tool policy")
		return GenericFailureText
	}
	pol := store.ToolPolicy{Mode: string(acct.UserToolsMode), Allowed: acct.UserAllowedTools}
	if pol.Mode == "" {
		pol.Mode = string(config.UserToolsNone)
	}
	if current != nil {
		if current.Mode != "" {
			pol.Mode = current.Mode
		}
		if current.Allowed != nil {
			pol.Allowed = current.Allowed
		}
	}

	switch action := strings.ToLower(args[0]); action {
	case "list":
		allowed := "none"
		if len(pol.Allowed) > 0 {
			allowed = strings.Join(pol.Allowed, ", ")
		}
		return fmt.Sprintf("User tools mode: %s\nAllowed tools: %s", pol.Mode, allowed)
	case "available":
		names := p.availableTools()
		if len(names) == 0 {
			return "No tools available."
		}
		return "Available tools:\n" + strings.Join(names, "\n")
	case "clear":
		if err := p.store.DeleteToolPolicy(ev.Channel, ev.AccountTag); err != nil {
			logger.Error().Err(err).Msg("clearing tool policy")
			return GenericFailureText
		}
		return "User tool policy reset to the configuration."
	case "mode":
		if len(args) < 2 {
			return "Usage: /admin tools mode <none|selected>"
		}
		mode := config.UserToolsMode(strings.ToLower(args[1]))
		if mode != config.UserToolsNone && mode != config.UserToolsSelected {
			return "Mode must be none or selected."
		}
		pol.Mode = string(mode)
	case "allow", "deny":
		if len(args) < 2 {
			return fmt.Sprintf("Usage: /admin tools %s <tool_name>", action)
		}
		name := policy.NormalizeToolName(args[1])
		set := map[string]bool{}
		for _, t := range pol.Allowed {
			set[policy.NormalizeToolName(t)] = true
		}
		if action == "allow" {
			set[name] = true
		} else {
			delete(set, name)
		}
		pol.Allowed = sortedKeys(set)
	default:
		return adminUsage
	}

	if err := p.store.PutToolPolicy(ev.Channel, ev.AccountTag, pol); err != nil {
		logger.Error().Err(err).Msg("saving tool policy")
		return GenericFailureText
	}
	logger.Info().Str("mode", pol.Mode).Strs("allowed", pol.Allowed).Msg("user tool policy updated")
	return fmt.Sprintf("User tool policy updated.\nMode: %s\nAllowed tools: %s", pol.Mode, strings.Join(pol.Allowed, ", "))
}

func (p *Pipeline) availableTools() []string {
	defs := tools.Builtins()
	if p.catalog != nil {
		defs = append(defs, p.catalog.ToolDefs()...)
	}
	return tools.Names(defs)
}

func addIDs(set map[string]bool, ids []int64) {
	for _, id := range ids {
		set[strconv.FormatInt(id, 10)] = true
	}
}

func addStrings(set map[string]bool, values []string) {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			set[v] = true
		}
	}
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func csv(set map[string]bool) string {
	if len(set) == 0 {
		return "none"
	}
	return strings.Join(sortedKeys(set), ", ")
}
