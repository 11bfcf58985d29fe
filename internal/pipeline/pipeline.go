// Package pipeline connects channel adapters to permission evaluation,
// profile resolution, the tool-calling engine and delivery.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/batalabs/masix/internal/agent"
	"github.com/batalabs/masix/internal/channel"
	"github.com/batalabs/masix/internal/config"
	"github.com/batalabs/masix/internal/domain"
	"github.com/batalabs/masix/internal/hostexec"
	"github.com/batalabs/masix/internal/policy"
	"github.com/batalabs/masix/internal/profile"
	"github.com/batalabs/masix/internal/provider"
	"github.com/batalabs/masix/internal/store"
	"github.com/batalabs/masix/internal/tools"
)

// User-visible failure texts. Diagnostics stay in the log.
const (
	GenericFailureText = "Sorry, I could not answer right now. Please try again later."
	AdminOnlyText      = "Admin only command."
	ReadonlyText       = "Your access is read-only."
)

const (
	// historyLimit is the default number of persisted messages replayed
	// into a turn.
	historyLimit = 20
	// deliveryAttempts bounds live reply delivery.
	deliveryAttempts = 3
	maxPollBackoff   = 30 * time.Second
)

// Describer turns media into text for the model. *provider.Router
// implements it.
type Describer interface {
	Describe(ctx context.Context, vision provider.Route, m *domain.Media, data []byte) string
}

// Reminders is the scheduler surface used by /cron and the cron tools.
// *cron.Scheduler implements it.
type Reminders interface {
	tools.CronService
	Location() *time.Location
}

// Observer receives pipeline measurements. *metrics.Metrics implements it.
type Observer interface {
	EventProcessed(channel, outcome string)
	ObserveDelivery(channel string, err error)
	ObserveToolCall(tool string, isError bool)
	ObserveTurn(channel string, seconds float64)
}

// ServerStatuser reports MCP server states. *mcp.Manager implements it.
type ServerStatuser interface {
	ServerStatuses() map[string]string
}

// mediaSource is implemented by adapters that can download inbound media.
type mediaSource interface {
	MediaData(ctx context.Context, m *domain.Media) ([]byte, error)
}

// Deps are the collaborators of a pipeline. Catalog, MCP, Vision, Reminders
// and Observer are optional.
type Deps struct {
	Config    *config.Config
	Store     *store.Store
	Gate      *policy.Gate
	Policy    *policy.Evaluator
	Profiles  *profile.Resolver
	Engine    *agent.Engine
	Catalog   agent.ToolCatalog
	MCP       ServerStatuser
	Vision    Describer
	Reminders Reminders
	Observer  Observer
}

// Pipeline owns one processing task per registered adapter.
type Pipeline struct {
	cfg       *config.Config
	store     *store.Store
	gate      *policy.Gate
	policy    *policy.Evaluator
	profiles  *profile.Resolver
	engine    *agent.Engine
	catalog   agent.ToolCatalog
	mcp       ServerStatuser
	exec      hostexec.Policy
	vision    Describer
	reminders Reminders
	obs       Observer
	logger    zerolog.Logger

	adapters []channel.Adapter
	byKey    map[string]channel.Adapter

	nowFunc   func() time.Time
	getOffset func(channel, accountTag string) (int64, bool, error)
	sleepFunc func(ctx context.Context, d time.Duration) error
	retryWait time.Duration
}

// New builds a pipeline without adapters.
func New(d Deps, logger zerolog.Logger) *Pipeline {
	obs := d.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	return &Pipeline{
		cfg:       d.Config,
		store:     d.Store,
		gate:      d.Gate,
		policy:    d.Policy,
		profiles:  d.Profiles,
		engine:    d.Engine,
		catalog:   d.Catalog,
		mcp:       d.MCP,
		exec:      hostexec.PolicyFromConfig(d.Config.Exec),
		vision:    d.Vision,
		reminders: d.Reminders,
		obs:       obs,
		logger:    logger.With().Str("component", "pipeline").Logger(),
		byKey:     map[string]channel.Adapter{},
		nowFunc:   time.Now,
		sleepFunc: sleepContext,
		retryWait: time.Second,
	}
}

// AddAdapter registers an adapter. Adding one channel account twice
// replaces the earlier adapter.
func (p *Pipeline) AddAdapter(a channel.Adapter) {
	key := adapterKey(a.Channel(), a.AccountTag())
	if _, ok := p.byKey[key]; !ok {
		p.adapters = append(p.adapters, a)
	} else {
		for i, old := range p.adapters {
			if adapterKey(old.Channel(), old.AccountTag()) == key {
				p.adapters[i] = a
			}
		}
	}
	p.byKey[key] = a
}

// Adapters returns the registered adapters in registration order.
func (p *Pipeline) Adapters() []channel.Adapter {
	out := make([]channel.Adapter, len(p.adapters))
	copy(out, p.adapters)
	return out
}

func (p *Pipeline) adapter(channelName, accountTag string) (channel.Adapter, bool) {
	a, ok := p.byKey[adapterKey(channelName, accountTag)]
	return a, ok
}

func adapterKey(channelName, accountTag string) string {
	return channelName + "/" + accountTag
}

// Run processes every adapter in its own task until ctx is cancelled. A
// failing account never stops the others; Run returns only a startup error
// or nil after cancellation.
func (p *Pipeline) Run(ctx context.Context) error {
	if len(p.adapters) == 0 {
		return fmt.Errorf("no channel adapters configured")
	}
	var g errgroup.Group
	for _, a := range p.adapters {
		g.Go(func() error { return p.runAdapter(ctx, a) })
	}
	return g.Wait()
}

// runAdapter polls one account from its persisted offset and handles the
// events strictly in order. The offset of an event is saved only once the
// event was handled; a cancelled event is left for the next start.
func (p *Pipeline) runAdapter(ctx context.Context, a channel.Adapter) error {
	logger := p.logger.With().
		Str("channel", a.Channel()).
		Str("account", a.AccountTag()).
		Logger()

	load := p.getOffset
	if load == nil {
		load = p.store.GetOffset
	}
	offset, _, err := load(a.Channel(), a.AccountTag())
	if err != nil {
		logger.Error().Err(err).Msg("loading offset, account task not started")
		p.setMeta(a.AccountTag(), "last_error", err.Error(), logger)
		return nil
	}
	logger.Info().Int64("offset", offset).Msg("account task started")

	failures := 0
	for {
		if ctx.Err() != nil {
			logger.Info().Msg("account task stopped")
			return nil
		}
		events, err := a.Poll(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			failures++
			delay := pollBackoff(failures)
			logger.Warn().Err(err).Int("failures", failures).Dur("retry_in", delay).Msg("poll failed")
			p.setMeta(a.AccountTag(), "last_error", err.Error(), logger)
			_ = p.sleepFunc(ctx, delay)
			continue
		}
		failures = 0

		for _, ev := range events {
			if err := p.Handle(ctx, ev); err != nil {
				if ctx.Err() != nil {
					break
				}
				logger.Error().Err(err).Str("message_id", ev.MessageID).Msg("event failed")
			}
			if ctx.Err() != nil {
				break
			}
			if ev.Offset > offset {
				offset = ev.Offset
			}
			if err := p.store.SaveOffset(a.Channel(), a.AccountTag(), offset); err != nil {
				logger.Error().Err(err).Int64("offset", offset).Msg("saving offset")
			}
		}
	}
}

// pollBackoff doubles from one second up to maxPollBackoff.
func pollBackoff(failures int) time.Duration {
	d := time.Second
	for i := 1; i < failures && d < maxPollBackoff; i++ {
		d *= 2
	}
	if d > maxPollBackoff {
		d = maxPollBackoff
	}
	return d
}

func (p *Pipeline) setMeta(accountTag, key, value string, logger zerolog.Logger) {
	if err := p.store.SetBotMeta(accountTag, key, value); err != nil {
		logger.Error().Err(err).Str("key", key).Msg("saving bot metadata")
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type nopObserver struct{}

func (nopObserver) EventProcessed(string, string) {}
func (nopObserver) ObserveDelivery(string, error) {}
func (nopObserver) ObserveToolCall(string, bool)  {}
func (nopObserver) ObserveTurn(string, float64)   {}
