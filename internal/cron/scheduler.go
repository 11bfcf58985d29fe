package cron

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/batalabs/masix/internal/channel"
	"github.com/batalabs/masix/internal/domain"
	"github.com/batalabs/masix/internal/store"
)

// ErrJobNotFound is returned when a job does not exist or belongs to
// another account.
var ErrJobNotFound = errors.New("reminder not found")

// ErrUndeliverable is returned by Add when the reminder names a recipient
// or account that no registered channel can reach.
var ErrUndeliverable = errors.New("reminder cannot be delivered")

// errPermanent marks delivery failures that no retry can fix.
var errPermanent = errors.New("permanent delivery failure")

// dueBatch caps the jobs fired by one tick.
const dueBatch = 50

// reminderPrefix is prepended to every delivered reminder.
const reminderPrefix = "⏰ "

// Store provides persistence for reminders.
type Store interface {
	CreateCronJob(job store.CronJob) (int64, error)
	DueCronJobs(now time.Time, limit int) ([]store.CronJob, error)
	ListCronJobs(accountTag, recipient string) ([]store.CronJob, error)
	DisableCronJob(id int64, accountTag string) (bool, error)
	AdvanceCronJob(id int64, next, firedAt time.Time) error
	CompleteCronJob(id int64, firedAt time.Time) error
	RecordCronFailure(id int64, errText string, maxFailures int) (bool, error)
	FlagCronJob(id int64, errText string) error
}

// Deliverer sends a reminder to its recipient.
type Deliverer interface {
	Deliver(ctx context.Context, resp domain.Response) error
}

// outboundChecker is implemented by deliverers whose outbound path depends
// on configuration, such as SMS without a Textbelt key.
type outboundChecker interface {
	CanDeliver() bool
}

// FireObserver receives the outcome of every reminder delivery.
type FireObserver interface {
	ObserveCronFire(channel string, err error)
}

// Options tunes a Scheduler.
type Options struct {
	Interval    time.Duration
	MaxFailures int
	Location    *time.Location
	// DefaultTelegramTag delivers jobs stored under the legacy default tag.
	DefaultTelegramTag string
}

// Scheduler stores reminders scoped by account tag and fires them when due.
type Scheduler struct {
	mu         sync.Mutex
	store      Store
	opts       Options
	deliverers map[string]Deliverer
	observer   FireObserver
	logger     zerolog.Logger
	nowFunc    func() time.Time

	runMu   sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// New creates a scheduler over st.
func New(st Store, opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 3
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Scheduler{
		store:      st,
		opts:       opts,
		deliverers: map[string]Deliverer{},
		logger:     logger.With().Str("component", "cron").Logger(),
		nowFunc:    time.Now,
	}
}

// Register installs the deliverer of one channel account. An empty
// accountTag registers a fallback for every account of the channel.
func (s *Scheduler) Register(channelName, accountTag string, d Deliverer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliverers[deliveryKey(channelName, accountTag)] = d
}

// SetObserver installs the fire observer.
func (s *Scheduler) SetObserver(o FireObserver) { s.observer = o }

// Location returns the timezone of wall-clock phrases.
func (s *Scheduler) Location() *time.Location { return s.opts.Location }

func deliveryKey(channelName, accountTag string) string {
	return channelName + "\x00" + accountTag
}

// Add parses text and stores the reminder for accountTag. The reminder goes
// to recipient on channelName, the channel the request came from, unless
// text names another target. An empty channelName means Telegram. Once
// deliverers are registered, a target none of them can reach is rejected
// with ErrUndeliverable instead of failing at the first tick.
func (s *Scheduler) Add(ctx context.Context, text, channelName, accountTag, recipient string) (int64, error) {
	accountTag = strings.TrimSpace(accountTag)
	if accountTag == "" {
		return 0, fmt.Errorf("account tag is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	parsed, err := Parse(text, s.nowFunc(), s.opts.Location)
	if err != nil {
		return 0, err
	}
	target := strings.TrimSpace(channelName)
	if target == "" {
		target = domain.ChannelTelegram
	}
	to := strings.TrimSpace(recipient)
	if parsed.Channel != "" {
		target, to = parsed.Channel, parsed.Recipient
	}
	if !validChannel(target) {
		return 0, fmt.Errorf("unknown channel %q", target)
	}
	if channel.ReadOnly(target) {
		return 0, fmt.Errorf("%s reminders: %w", target, channel.ErrReadOnlyChannel)
	}
	if to == "" {
		return 0, fmt.Errorf("recipient is required")
	}
	if err := validRecipient(target, to); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUndeliverable, err)
	}
	if len(s.deliverers) > 0 {
		d, ok := s.delivererFor(target, accountTag)
		if !ok {
			return 0, fmt.Errorf("%w: no %s delivery for account %q", ErrUndeliverable, target, accountTag)
		}
		if oc, ok := d.(outboundChecker); ok && !oc.CanDeliver() {
			return 0, fmt.Errorf("%s reminders: %w", target, channel.ErrReadOnlyChannel)
		}
	}

	id, err := s.store.CreateCronJob(store.CronJob{
		AccountTag: accountTag,
		Channel:    target,
		Recipient:  to,
		Schedule:   parsed.Schedule,
		Timezone:   parsed.Timezone,
		Message:    parsed.Message,
		Recurring:  parsed.Recurring,
		NextRun:    parsed.NextRun,
		CreatedBy:  recipient,
	})
	if err != nil {
		return 0, fmt.Errorf("saving reminder: %w", err)
	}
	s.logger.Info().
		Int64("job_id", id).
		Str("account", accountTag).
		Str("channel", target).
		Str("schedule", parsed.Schedule).
		Time("next_run", parsed.NextRun).
		Msg("reminder created")
	return id, nil
}

// List returns the enabled reminders of accountTag, narrowed to recipient
// when it is not empty.
func (s *Scheduler) List(ctx context.Context, accountTag, recipient string) ([]store.CronJob, error) {
	jobs, err := s.store.ListCronJobs(accountTag, recipient)
	if err != nil {
		return nil, fmt.Errorf("listing reminders: %w", err)
	}
	return jobs, nil
}

// Cancel disables a reminder of accountTag.
func (s *Scheduler) Cancel(ctx context.Context, id int64, accountTag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.store.DisableCronJob(id, accountTag)
	if err != nil {
		return fmt.Errorf("cancelling reminder: %w", err)
	}
	if !ok {
		return fmt.Errorf("reminder #%d: %w", id, ErrJobNotFound)
	}
	s.logger.Info().Int64("job_id", id).Str("account", accountTag).Msg("reminder cancelled")
	return nil
}

// Tick fires every job due at now and returns how many were delivered.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.store.DueCronJobs(now, dueBatch)
	if err != nil {
		return 0, fmt.Errorf("loading due reminders: %w", err)
	}
	fired := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			return fired, ctx.Err()
		}
		if s.fire(ctx, job, now) {
			fired++
		}
	}
	return fired, nil
}

func (s *Scheduler) fire(ctx context.Context, job store.CronJob, now time.Time) bool {
	log := s.logger.With().
		Int64("job_id", job.ID).
		Str("account", job.AccountTag).
		Str("channel", job.Channel).
		Logger()

	err := s.deliver(ctx, job)
	if s.observer != nil {
		s.observer.ObserveCronFire(job.Channel, err)
	}
	if err != nil {
		if errors.Is(err, errPermanent) || errors.Is(err, channel.ErrReadOnlyChannel) {
			log.Error().Err(err).Msg("reminder can never be delivered, disabling")
			if ferr := s.store.FlagCronJob(job.ID, err.Error()); ferr != nil {
				log.Error().Err(ferr).Msg("flagging reminder")
			}
			return false
		}
		disabled, rerr := s.store.RecordCronFailure(job.ID, err.Error(), s.opts.MaxFailures)
		if rerr != nil {
			log.Error().Err(rerr).Msg("recording reminder failure")
			return false
		}
		if disabled {
			log.Error().Err(err).Int("max_failures", s.opts.MaxFailures).Msg("reminder disabled after repeated failures")
		} else {
			log.Warn().Err(err).Msg("reminder delivery failed, retrying next tick")
		}
		return false
	}

	if !job.Recurring {
		if err := s.store.CompleteCronJob(job.ID, now); err != nil {
			log.Error().Err(err).Msg("completing reminder")
		}
		log.Info().Msg("reminder delivered")
		return true
	}
	next, err := NextRun(job.Schedule, job.Timezone, now)
	if err != nil {
		log.Error().Err(err).Msg("computing next run, disabling")
		if ferr := s.store.FlagCronJob(job.ID, err.Error()); ferr != nil {
			log.Error().Err(ferr).Msg("flagging reminder")
		}
		return true
	}
	if err := s.store.AdvanceCronJob(job.ID, next, now); err != nil {
		log.Error().Err(err).Msg("advancing reminder")
	}
	log.Info().Time("next_run", next).Msg("reminder delivered")
	return true
}

func (s *Scheduler) deliver(ctx context.Context, job store.CronJob) error {
	tag := job.AccountTag
	if tag == domain.DefaultAccountTag && job.Channel == domain.ChannelTelegram {
		tag = s.opts.DefaultTelegramTag
	}
	if err := validRecipient(job.Channel, job.Recipient); err != nil {
		return fmt.Errorf("%w: %v", errPermanent, err)
	}
	d, ok := s.delivererFor(job.Channel, tag)
	if !ok {
		return fmt.Errorf("%w: no deliverer for %s account %q", errPermanent, job.Channel, tag)
	}
	return d.Deliver(ctx, domain.Response{
		Channel:    job.Channel,
		AccountTag: tag,
		ChatID:     job.Recipient,
		Text:       reminderPrefix + job.Message,
		Plain:      true,
	})
}

// delivererFor returns the deliverer of one channel account, falling back
// to the channel-wide one.
func (s *Scheduler) delivererFor(channelName, accountTag string) (Deliverer, bool) {
	if d, ok := s.deliverers[deliveryKey(channelName, accountTag)]; ok {
		return d, true
	}
	d, ok := s.deliverers[deliveryKey(channelName, "")]
	return d, ok
}

// validRecipient checks the recipient format of a channel: Telegram needs a
// numeric chat id, SMS a phone number.
func validRecipient(channelName, to string) error {
	switch channelName {
	case domain.ChannelTelegram:
		if _, err := telegramChatID(to); err != nil {
			return fmt.Errorf("telegram recipient %q is not a chat id", to)
		}
	case domain.ChannelSMS:
		if !phoneRe.MatchString(to) {
			return fmt.Errorf("sms recipient %q is not a phone number", to)
		}
	}
	return nil
}

// telegramChatID parses a chat id. Group ids are negative; a leading "+"
// marks a phone number, which is never a chat id.
func telegramChatID(s string) (int64, error) {
	if strings.HasPrefix(s, "+") {
		return 0, strconv.ErrSyntax
	}
	return strconv.ParseInt(s, 10, 64)
}

var phoneRe = regexp.MustCompile(`^\+?[0-9]{6,15}$`)

// Start begins the background tick loop. The first tick runs immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.runMu.Lock()
	if s.running {
		s.runMu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.running = true
	stop := s.stopCh
	done := s.doneCh
	s.runMu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.opts.Interval)
		defer ticker.Stop()
		for {
			if _, err := s.Tick(ctx, s.nowFunc()); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("cron tick")
			}
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop stops the tick loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return
	}
	stop := s.stopCh
	done := s.doneCh
	s.running = false
	s.runMu.Unlock()
	close(stop)
	<-done
}
