// Package policy decides what a sender may do on a channel account.
package policy

import (
	"github.com/batalabs/masix/internal/config"
	"github.com/batalabs/masix/internal/domain"
)

// ACL is the static access list of one channel account, keyed by sender id.
type ACL struct {
	Admins       map[string]bool
	Users        map[string]bool
	Readonly     map[string]bool
	AllowedChats map[string]bool
}

// Input is everything Evaluate needs. It carries no references to mutable
// state, so evaluation is a pure function of its fields.
type Input struct {
	Channel   string
	Private   bool
	SenderID  string
	Mentioned bool
	GroupMode config.GroupMode
	Static    ACL
	// Dynamic is the role granted at runtime through the ACL store, or
	// RoleDenied when none is stored.
	Dynamic domain.Role
	// OpenByDefault grants User to everyone when the static ACL is empty.
	OpenByDefault bool
}

// Decision is the derived permission of one event.
type Decision struct {
	Role domain.Role
	// Silent marks denials that must not even be logged at info level:
	// chatter in tag-gated groups that never addressed the bot.
	Silent bool
	Reason string
}

// Allowed reports whether the sender may interact at all.
func (d Decision) Allowed() bool {
	return d.Role != domain.RoleDenied
}

// Evaluate derives the sender's role for one event.
func Evaluate(in Input) Decision {
	base := senderRole(in)
	if in.Channel != domain.ChannelTelegram || in.Private {
		if base == domain.RoleDenied {
			return Decision{Role: domain.RoleDenied, Reason: "sender not authorized"}
		}
		return Decision{Role: base, Reason: "sender role"}
	}
	return groupDecision(in, base)
}

func senderRole(in Input) domain.Role {
	static := domain.RoleDenied
	switch {
	case in.Static.Admins[in.SenderID]:
		static = domain.RoleAdmin
	case in.Static.Users[in.SenderID]:
		static = domain.RoleUser
	case in.Static.Readonly[in.SenderID]:
		static = domain.RoleReadonly
	case in.Static.AllowedChats[in.SenderID]:
		static = domain.RoleUser
	}
	if in.Dynamic > static {
		static = in.Dynamic
	}
	if static == domain.RoleDenied && in.OpenByDefault && in.Static.empty() {
		return domain.RoleUser
	}
	return static
}

func (a ACL) empty() bool {
	return len(a.Admins) == 0 && len(a.Users) == 0 && len(a.Readonly) == 0 && len(a.AllowedChats) == 0
}

func groupDecision(in Input, base domain.Role) Decision {
	deny := func(reason string) Decision {
		return Decision{Role: domain.RoleDenied, Reason: reason}
	}
	ignore := func() Decision {
		return Decision{Role: domain.RoleDenied, Silent: true, Reason: "bot not mentioned"}
	}
	adminOrUser := func() domain.Role {
		if base == domain.RoleAdmin {
			return domain.RoleAdmin
		}
		return domain.RoleUser
	}

	switch in.GroupMode.Normalized() {
	case config.GroupAll:
		return Decision{Role: adminOrUser(), Reason: "group open to all"}
	case config.GroupUsersOnly:
		if base == domain.RoleDenied {
			return deny("group restricted to listed users")
		}
		return Decision{Role: base, Reason: "listed user"}
	case config.GroupTagOnly:
		if !in.Mentioned {
			return ignore()
		}
		return Decision{Role: adminOrUser(), Reason: "bot mentioned"}
	case config.GroupUsersOrTag:
		if base != domain.RoleDenied {
			return Decision{Role: base, Reason: "listed user"}
		}
		if in.Mentioned {
			return Decision{Role: domain.RoleUser, Reason: "bot mentioned"}
		}
		return ignore()
	case config.GroupListenOnly:
		if !in.Mentioned {
			return ignore()
		}
		if base != domain.RoleAdmin {
			return deny("listen_only group answers admins only")
		}
		return Decision{Role: domain.RoleAdmin, Reason: "admin mention"}
	}
	return deny("unknown group mode")
}
