package policy

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/batalabs/masix/internal/config"
)

// limiterIdleTTL bounds how long an unused per-sender limiter is kept.
const limiterIdleTTL = 10 * time.Minute

// Gate applies the global chat allow/deny lists and the per-sender rate
// limit before role evaluation.
type Gate struct {
	allow map[string]bool
	deny  map[string]bool

	perMinute int
	mu        sync.Mutex
	limiters  map[string]*senderLimiter
	nowFunc   func() time.Time
}

type senderLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewGate builds the gate from the policy section.
func NewGate(cfg config.PolicyConfig) *Gate {
	g := &Gate{
		allow:    toSet(cfg.Allowlist),
		deny:     toSet(cfg.Denylist),
		limiters: map[string]*senderLimiter{},
		nowFunc:  time.Now,
	}
	if cfg.RateLimit != nil {
		g.perMinute = cfg.RateLimit.MessagesPerMinute
	}
	return g
}

// ChatAllowed reports whether the chat passes the deny and allow lists. An
// empty allowlist admits every chat not denied.
func (g *Gate) ChatAllowed(chatID string) bool {
	if g.deny[chatID] {
		return false
	}
	if len(g.allow) == 0 {
		return true
	}
	return g.allow[chatID]
}

// AllowMessage consumes one token of the sender's bucket and reports whether
// the message is within the rate limit.
func (g *Gate) AllowMessage(senderKey string) bool {
	if g.perMinute <= 0 {
		return true
	}
	now := g.nowFunc()

	g.mu.Lock()
	defer g.mu.Unlock()

	for k, l := range g.limiters {
		if now.Sub(l.lastSeen) > limiterIdleTTL {
			delete(g.limiters, k)
		}
	}
	l, ok := g.limiters[senderKey]
	if !ok {
		l = &senderLimiter{lim: rate.NewLimiter(rate.Every(time.Minute/time.Duration(g.perMinute)), g.perMinute)}
		g.limiters[senderKey] = l
	}
	l.lastSeen = now
	return l.lim.AllowN(now, 1)
}

func toSet(values []string) map[string]bool {
	out := make(map[string]bool, len(values))
	for _, v := range values {
		out[v] = true
	}
	return out
}
