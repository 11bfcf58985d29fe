package provider

import "time"

// RetryPolicy bounds retries against a single provider before the router
// moves on to the next one in the chain.
type RetryPolicy struct {
	// Window is the total time budget spent on one provider.
	Window        time.Duration
	InitialDelay  time.Duration
	BackoffFactor int
	MaxDelay      time.Duration
}

// DefaultRetryPolicy returns the policy used when a profile sets none.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Window:        600 * time.Second,
		InitialDelay:  2 * time.Second,
		BackoffFactor: 2,
		MaxDelay:      30 * time.Second,
	}
}

// maxExponent keeps factor^n from overflowing.
const maxExponent = 20

// Delay returns the backoff before retry n (zero-based):
// InitialDelay * BackoffFactor^n, capped at MaxDelay.
func (p RetryPolicy) Delay(n int) time.Duration {
	initial := p.InitialDelay
	if initial <= 0 {
		initial = time.Millisecond
	}
	maxDelay := p.MaxDelay
	if maxDelay < initial {
		maxDelay = initial
	}
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	if n > maxExponent {
		n = maxExponent
	}

	d := initial
	for i := 0; i < n; i++ {
		d *= time.Duration(factor)
		if d >= maxDelay || d <= 0 {
			return maxDelay
		}
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// nextDelay decides whether retry n fits in the window. hint, when positive,
// is the server-requested delay and replaces the computed backoff. The
// returned delay never exceeds the remaining window.
func (p RetryPolicy) nextDelay(n int, hint, elapsed time.Duration) (time.Duration, bool) {
	window := p.Window
	if window <= 0 {
		window = DefaultRetryPolicy().Window
	}
	if elapsed >= window {
		return 0, false
	}
	delay := p.Delay(n)
	if hint > 0 {
		delay = hint
	}
	if remaining := window - elapsed; delay > remaining {
		delay = remaining
	}
	if delay <= 0 {
		delay = time.Millisecond
	}
	return delay, true
}
