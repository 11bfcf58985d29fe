// Package whatsapp is the inbound-only WhatsApp bridge. An external bridge
// posts signed whatsapp.v1 messages; replies are never sent back.
package whatsapp

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/batalabs/masix/internal/channel"
	"github.com/batalabs/masix/internal/config"
	"github.com/batalabs/masix/internal/domain"
)

// Schema is the payload schema accepted by the ingress.
const Schema = "whatsapp.v1"

// queueCapacity bounds the events waiting for the account task.
const queueCapacity = 256

var _ channel.Adapter = (*Adapter)(nil)

// Adapter is the WhatsApp account.
type Adapter struct {
	tag     string
	bridge  *channel.Bridge
	ingress *channel.Ingress
}

// New builds the adapter of cfg.
func New(cfg config.WhatsAppConfig, logger zerolog.Logger) *Adapter {
	return newAdapter(cfg, 25*time.Second, logger)
}

func newAdapter(cfg config.WhatsAppConfig, wait time.Duration, logger zerolog.Logger) *Adapter {
	bridge := channel.NewBridge(queueCapacity, wait)
	return &Adapter{
		tag:    cfg.Tag(),
		bridge: bridge,
		ingress: &channel.Ingress{
			Channel:     domain.ChannelWhatsApp,
			AccountTag:  cfg.Tag(),
			Schema:      Schema,
			Secret:      cfg.IngressSharedSecret,
			MaxChars:    cfg.MaxMessageChars,
			GroupSuffix: "@g.us",
			Bridge:      bridge,
			Logger:      logger.With().Str("component", "whatsapp").Str("account", cfg.Tag()).Logger(),
		},
	}
}

// Channel implements channel.Adapter.
func (a *Adapter) Channel() string { return domain.ChannelWhatsApp }

// AccountTag implements channel.Adapter.
func (a *Adapter) AccountTag() string { return a.tag }

// Handler returns the ingress endpoint.
func (a *Adapter) Handler() http.Handler { return a.ingress }

// Poll returns the queued messages. The offset is not used: the queue only
// holds messages that were never handed out.
func (a *Adapter) Poll(ctx context.Context, offset int64) ([]domain.Event, error) {
	return a.bridge.Poll(ctx)
}

// Deliver always fails: the WhatsApp channel is listen-only.
func (a *Adapter) Deliver(ctx context.Context, resp domain.Response) error {
	return channel.ErrReadOnlyChannel
}
