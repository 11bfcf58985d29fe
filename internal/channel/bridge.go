package channel

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/batalabs/masix/internal/domain"
)

// SignatureHeader carries the HMAC of a bridge request body.
const SignatureHeader = "X-Masix-Signature"

const signaturePrefix = "sha256="

// ErrQueueFull is returned by Bridge.Push when the queue is at capacity.
var ErrQueueFull = errors.New("ingress queue full")

// Sign returns the signature header value of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether header is the signature of body under
// secret. The comparison runs in constant time.
func VerifySignature(secret string, body []byte, header string) bool {
	header = strings.TrimSpace(header)
	if secret == "" || !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Bridge is a bounded in-memory queue between an HTTP ingress handler and
// the account task that polls it. Polled events are removed from the queue.
// Offsets are millisecond timestamps forced to increase, so they keep
// growing across restarts.
type Bridge struct {
	mu     sync.Mutex
	queue  []domain.Event
	cap    int
	seq    int64
	notify chan struct{}
	wait   time.Duration
	now    func() time.Time
}

// NewBridge returns a bridge holding at most capacity events. Poll waits up
// to wait for the first event.
func NewBridge(capacity int, wait time.Duration) *Bridge {
	if capacity <= 0 {
		capacity = 256
	}
	if wait <= 0 {
		wait = 25 * time.Second
	}
	return &Bridge{
		cap:    capacity,
		notify: make(chan struct{}, 1),
		wait:   wait,
		now:    time.Now,
	}
}

// Push enqueues ev and assigns its offset.
func (b *Bridge) Push(ev domain.Event) error {
	b.mu.Lock()
	if len(b.queue) >= b.cap {
		b.mu.Unlock()
		return ErrQueueFull
	}
	b.seq = max(b.seq+1, b.now().UnixMilli())
	ev.Offset = b.seq
	b.queue = append(b.queue, ev)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

// Len returns the number of queued events.
func (b *Bridge) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Poll drains the queue, waiting for the first event up to the bridge's
// wait window.
func (b *Bridge) Poll(ctx context.Context) ([]domain.Event, error) {
	if events := b.drain(); len(events) > 0 {
		return events, nil
	}
	t := time.NewTimer(b.wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
		return nil, nil
	case <-b.notify:
		return b.drain(), nil
	}
}

func (b *Bridge) drain() []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return nil
	}
	out := b.queue
	b.queue = nil
	return out
}
