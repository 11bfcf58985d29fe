package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/batalabs/masix/internal/config"
	"github.com/batalabs/masix/internal/domain"
)

// ErrUnknownProvider is recorded when a chain names a provider the router
// was not built with.
var ErrUnknownProvider = errors.New("unknown provider")

// Route is an ordered provider chain with the retry policy applied to each
// provider of the chain.
type Route struct {
	Providers []string
	Retry     RetryPolicy
	// Model replaces the configured model of the first provider only.
	Model string
}

// Override returns a copy of the route led by name, which is prepended when
// the chain does not contain it, and asking for model. Empty values keep
// the route's own choice.
func (r Route) Override(name, model string) Route {
	out := r
	if name != "" && (len(r.Providers) == 0 || r.Providers[0] != name) {
		out = r.Prefer(name)
		if len(out.Providers) == 0 || out.Providers[0] != name {
			out.Providers = append([]string{name}, r.Providers...)
		}
		out.Model = ""
	}
	if model != "" {
		out.Model = model
	}
	return out
}

// Prefer returns a copy of the route with name moved to the front. Routes
// not containing name are returned unchanged.
func (r Route) Prefer(name string) Route {
	idx := -1
	for i, p := range r.Providers {
		if p == name {
			idx = i
			break
		}
	}
	if idx <= 0 {
		return r
	}
	chain := make([]string, 0, len(r.Providers))
	chain = append(chain, name)
	chain = append(chain, r.Providers[:idx]...)
	chain = append(chain, r.Providers[idx+1:]...)
	return Route{Providers: chain, Retry: r.Retry}
}

// ProviderFailure records why one provider of a chain was abandoned.
type ProviderFailure struct {
	Provider string
	Attempts int
	Err      error
}

func (f ProviderFailure) Error() string {
	return fmt.Sprintf("%s (%d attempts): %v", f.Provider, f.Attempts, f.Err)
}

// AllProvidersFailedError is returned when every provider of a chain failed.
// Failures keep chain order.
type AllProvidersFailedError struct {
	Failures []ProviderFailure
}

func (e *AllProvidersFailedError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.Error()
	}
	return "all providers failed: " + strings.Join(parts, "; ")
}

// Unwrap exposes the per-provider errors to errors.Is and errors.As.
func (e *AllProvidersFailedError) Unwrap() []error {
	out := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		out[i] = f.Err
	}
	return out
}

// AttemptObserver receives the outcome of every provider attempt.
type AttemptObserver interface {
	ObserveAttempt(provider string, err error)
}

// Router invokes provider chains with per-provider retry and ordered
// fallback.
type Router struct {
	providers map[string]Provider
	timeouts  map[string]time.Duration
	logger    zerolog.Logger
	observer  AttemptObserver

	nowFunc   func() time.Time
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewRouter builds a provider for every configured endpoint.
func NewRouter(cfg *config.Config, client *http.Client, logger zerolog.Logger) (*Router, error) {
	r := newRouter(logger)
	for _, pc := range cfg.Providers.Providers {
		p, err := New(pc, client)
		if err != nil {
			return nil, err
		}
		r.Register(p, pc.Timeout())
	}
	return r, nil
}

func newRouter(logger zerolog.Logger) *Router {
	return &Router{
		providers: map[string]Provider{},
		timeouts:  map[string]time.Duration{},
		logger:    logger.With().Str("component", "router").Logger(),
		nowFunc:   time.Now,
		sleepFunc: sleepContext,
	}
}

// Register adds or replaces a provider with its per-attempt timeout.
func (r *Router) Register(p Provider, timeout time.Duration) {
	r.providers[p.Name()] = p
	r.timeouts[p.Name()] = timeout
}

// SetObserver installs the attempt observer.
func (r *Router) SetObserver(o AttemptObserver) { r.observer = o }

// Invoke walks the route in order and returns the first successful reply.
// Failures of providers tried before the winner are attached to the reply.
func (r *Router) Invoke(ctx context.Context, route Route, req Request) (*Reply, error) {
	if len(route.Providers) == 0 {
		return nil, &AllProvidersFailedError{}
	}
	var failures []ProviderFailure
	for i, name := range route.Providers {
		p, ok := r.providers[name]
		if !ok {
			failures = append(failures, ProviderFailure{Provider: name, Err: ErrUnknownProvider})
			continue
		}

		req.Model = ""
		if i == 0 {
			req.Model = route.Model
		}
		reply, failure := r.attempt(ctx, p, route.Retry, req)
		if reply != nil {
			reply.Failures = failures
			return reply, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r.logger.Warn().
			Str("provider", name).
			Int("attempts", failure.Attempts).
			Err(failure.Err).
			Msg("provider failed, moving to next in chain")
		failures = append(failures, failure)
	}
	return nil, &AllProvidersFailedError{Failures: failures}
}

// attempt runs the retry loop against one provider. States: call, then on
// success done; on a transient failure wait and call again while the window
// has room; otherwise give up on this provider.
func (r *Router) attempt(ctx context.Context, p Provider, policy RetryPolicy, req Request) (*Reply, ProviderFailure) {
	name := p.Name()
	start := r.nowFunc()
	timeout := r.timeouts[name]

	for n := 0; ; n++ {
		reply, err := r.chatOnce(ctx, p, timeout, req)
		if r.observer != nil {
			r.observer.ObserveAttempt(name, err)
		}
		if err == nil {
			return reply, ProviderFailure{}
		}

		failure := ProviderFailure{Provider: name, Attempts: n + 1, Err: err}
		if ctx.Err() != nil || !IsTransient(err) {
			return nil, failure
		}
		delay, ok := policy.nextDelay(n, retryAfterHint(err), r.nowFunc().Sub(start))
		if !ok {
			return nil, failure
		}
		r.logger.Debug().
			Str("provider", name).
			Int("attempt", n+1).
			Dur("delay", delay).
			Err(err).
			Msg("retrying provider after transient error")
		if err := r.sleepFunc(ctx, delay); err != nil {
			return nil, failure
		}
	}
}

func (r *Router) chatOnce(ctx context.Context, p Provider, timeout time.Duration, req Request) (*Reply, error) {
	if timeout <= 0 {
		return p.Chat(ctx, req)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.Chat(attemptCtx, req)
}

// visionPrompt asks the vision model for a description usable as chat context.
const visionPrompt = "Describe this image in detail so that an assistant without vision can answer questions about it. " +
	"Transcribe any visible text."

// Describe returns a textual description of visual media. It asks the vision
// route when one is configured and image data is available; otherwise, or
// when the vision route fails, it returns a plain summary of the media.
func (r *Router) Describe(ctx context.Context, vision Route, m *domain.Media, data []byte) string {
	if m == nil {
		return ""
	}
	summary := m.Summary()
	if len(vision.Providers) == 0 || len(data) == 0 || !m.IsVisual() {
		return summary
	}
	mime := m.MimeType
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	req := Request{History: []domain.TranscriptMessage{{
		Role: "user",
		Blocks: []domain.ContentBlock{
			{Type: domain.BlockText, Text: visionPrompt},
			{Type: domain.BlockImage, MimeType: mime, Data: data},
		},
	}}}
	reply, err := r.Invoke(ctx, vision, req)
	if err != nil {
		r.logger.Warn().Err(err).Msg("vision analysis failed, using media summary")
		return summary
	}
	text := strings.TrimSpace(reply.Text())
	if text == "" {
		return summary
	}
	return summary + "\n[image description] " + text
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
