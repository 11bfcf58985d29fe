package policy

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/batalabs/masix/internal/config"
	"github.com/batalabs/masix/internal/domain"
	"github.com/batalabs/masix/internal/store"
)

// ErrNotAdmin is returned by RequireAdmin when the sender lacks the admin role.
var ErrNotAdmin = errors.New("policy: admin role required")

// ACLStore is the slice of the store the evaluator reads and writes.
type ACLStore interface {
	GetACLRole(channel, accountTag, userID string) (domain.Role, bool, error)
	RegisterACLUser(channel, accountTag, userID, source string) (bool, error)
	GetToolPolicy(channel, accountTag string) (*store.ToolPolicy, error)
}

// Evaluator resolves permission decisions against the configuration and the
// dynamic ACL.
type Evaluator struct {
	cfg    *config.Config
	acl    ACLStore
	logger zerolog.Logger
}

// NewEvaluator returns an evaluator over cfg and acl.
func NewEvaluator(cfg *config.Config, acl ACLStore, logger zerolog.Logger) *Evaluator {
	return &Evaluator{cfg: cfg, acl: acl, logger: logger.With().Str("component", "policy").Logger()}
}

// Input builds the evaluation input of an event.
func (e *Evaluator) Input(ev domain.Event) (Input, error) {
	in := Input{
		Channel:   ev.Channel,
		Private:   ev.IsPrivate(),
		SenderID:  ev.SenderID,
		Mentioned: ev.Mentioned,
	}
	switch ev.Channel {
	case domain.ChannelTelegram:
		acct, ok := e.cfg.TelegramAccount(ev.AccountTag)
		if !ok {
			return in, fmt.Errorf("unknown telegram account %q", ev.AccountTag)
		}
		in.GroupMode = acct.GroupMode
		in.Static = ACL{
			Admins:       idSet(acct.Admins),
			Users:        idSet(acct.Users),
			Readonly:     idSet(acct.Readonly),
			AllowedChats: idSet(acct.AllowedChats),
		}
	case domain.ChannelWhatsApp:
		in.Static = senderACL(e.cfg.WhatsApp.SenderACL)
	case domain.ChannelSMS:
		in.Static = senderACL(e.cfg.SMS.SenderACL)
		in.OpenByDefault = true
	default:
		return in, fmt.Errorf("unknown channel %q", ev.Channel)
	}

	role, ok, err := e.acl.GetACLRole(ev.Channel, ev.AccountTag, ev.SenderID)
	if err != nil {
		return in, fmt.Errorf("reading dynamic acl: %w", err)
	}
	if ok {
		in.Dynamic = role
	}
	return in, nil
}

// Evaluate returns the decision of an event without side effects.
func (e *Evaluator) Evaluate(ctx context.Context, ev domain.Event) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	in, err := e.Input(ev)
	if err != nil {
		return Decision{Role: domain.RoleDenied, Reason: err.Error()}, err
	}
	return Evaluate(in), nil
}

// EvaluateAndRegister evaluates an event and, when the account enables
// auto-registration, registers unknown private Telegram senders as users and
// re-evaluates them in the same turn. The bool reports a new registration.
func (e *Evaluator) EvaluateAndRegister(ctx context.Context, ev domain.Event) (Decision, bool, error) {
	d, err := e.Evaluate(ctx, ev)
	if err != nil || d.Allowed() {
		return d, false, err
	}
	if !e.shouldAutoRegister(ev) {
		return d, false, nil
	}

	created, err := e.acl.RegisterACLUser(ev.Channel, ev.AccountTag, ev.SenderID, "auto_register")
	if err != nil {
		return d, false, fmt.Errorf("auto-registering sender: %w", err)
	}
	if created {
		e.logger.Info().
			Str("account", ev.AccountTag).
			Str("sender", ev.SenderID).
			Msg("auto-registered user")
	}
	d, err = e.Evaluate(ctx, ev)
	return d, created, err
}

func (e *Evaluator) shouldAutoRegister(ev domain.Event) bool {
	if ev.Channel != domain.ChannelTelegram || !ev.IsPrivate() || ev.SenderID == "" {
		return false
	}
	acct, ok := e.cfg.TelegramAccount(ev.AccountTag)
	return ok && acct.ShouldAutoRegister()
}

// Role returns the current private-chat role of a sender on an account,
// reading the dynamic ACL at call time.
func (e *Evaluator) Role(ctx context.Context, channel, accountTag, senderID string) (domain.Role, error) {
	d, err := e.Evaluate(ctx, domain.Event{
		Channel:    channel,
		AccountTag: accountTag,
		SenderID:   senderID,
		ChatKind:   domain.ChatPrivate,
	})
	if err != nil {
		return domain.RoleDenied, err
	}
	return d.Role, nil
}

// RequireAdmin re-checks at the point of use that the sender is an admin.
func (e *Evaluator) RequireAdmin(ctx context.Context, channel, accountTag, senderID string) error {
	role, err := e.Role(ctx, channel, accountTag, senderID)
	if err != nil {
		return err
	}
	if role != domain.RoleAdmin {
		return ErrNotAdmin
	}
	return nil
}

// IsStaticAdmin reports whether senderID is an admin by configuration.
// Configured admins cannot be demoted or removed at runtime.
func (e *Evaluator) IsStaticAdmin(channel, accountTag, senderID string) bool {
	switch channel {
	case domain.ChannelTelegram:
		acct, ok := e.cfg.TelegramAccount(accountTag)
		return ok && idSet(acct.Admins)[senderID]
	case domain.ChannelWhatsApp:
		return toSet(e.cfg.WhatsApp.Admins)[senderID]
	case domain.ChannelSMS:
		return toSet(e.cfg.SMS.Admins)[senderID]
	}
	return false
}

// ToolAccess returns the tools a sender with role may use on an account.
func (e *Evaluator) ToolAccess(ctx context.Context, channel, accountTag string, role domain.Role) (ToolAccess, error) {
	if err := ctx.Err(); err != nil {
		return NoTools(), err
	}
	if role == domain.RoleAdmin {
		return AllTools(), nil
	}
	if channel != domain.ChannelTelegram {
		return NoTools(), nil
	}
	acct, ok := e.cfg.TelegramAccount(accountTag)
	if !ok {
		return NoTools(), nil
	}
	override, err := e.acl.GetToolPolicy(channel, accountTag)
	if err != nil {
		return NoTools(), fmt.Errorf("reading tool policy: %w", err)
	}
	return toolAccessFor(role, &acct, override), nil
}

func idSet(ids []int64) map[string]bool {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[strconv.FormatInt(id, 10)] = true
	}
	return out
}

func senderACL(acl config.SenderACL) ACL {
	return ACL{
		Admins: toSet(acl.Admins),
		Users:  merge(toSet(acl.Users), toSet(acl.AllowedSenders)),
	}
}

func merge(a, b map[string]bool) map[string]bool {
	for k := range b {
		a[k] = true
	}
	return a
}
