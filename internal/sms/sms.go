// Package sms receives SMS through a signed bridge and sends reminders via
// Textbelt.
package sms

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/batalabs/masix/internal/channel"
	"github.com/batalabs/masix/internal/config"
	"github.com/batalabs/masix/internal/domain"
)

// Schema is the payload schema accepted by the ingress.
const Schema = "sms.v1"

// maxSMSChars caps one outbound message; longer texts are split.
const maxSMSChars = 800

var _ channel.Adapter = (*Adapter)(nil)

// Adapter is the SMS account.
type Adapter struct {
	tag      string
	bridge   *channel.Bridge
	ingress  *channel.Ingress
	textbelt *Textbelt
	logger   zerolog.Logger
}

// New builds the adapter of cfg. Outbound delivery needs a Textbelt key.
func New(cfg config.SMSConfig, logger zerolog.Logger) *Adapter {
	return newAdapter(cfg, 25*time.Second, NewTextbelt(cfg.TextbeltAPIKey, nil), logger)
}

func newAdapter(cfg config.SMSConfig, wait time.Duration, tb *Textbelt, logger zerolog.Logger) *Adapter {
	logger = logger.With().Str("component", "sms").Str("account", cfg.Tag()).Logger()
	bridge := channel.NewBridge(256, wait)
	return &Adapter{
		tag:    cfg.Tag(),
		bridge: bridge,
		ingress: &channel.Ingress{
			Channel:    domain.ChannelSMS,
			AccountTag: cfg.Tag(),
			Schema:     Schema,
			Secret:     cfg.IngressSharedSecret,
			Bridge:     bridge,
			Logger:     logger,
		},
		textbelt: tb,
		logger:   logger,
	}
}

// Channel implements channel.Adapter.
func (a *Adapter) Channel() string { return domain.ChannelSMS }

// AccountTag implements channel.Adapter.
func (a *Adapter) AccountTag() string { return a.tag }

// Handler returns the ingress endpoint.
func (a *Adapter) Handler() http.Handler { return a.ingress }

// Poll returns the queued messages.
func (a *Adapter) Poll(ctx context.Context, offset int64) ([]domain.Event, error) {
	return a.bridge.Poll(ctx)
}

// CanDeliver reports whether outbound SMS is configured.
func (a *Adapter) CanDeliver() bool {
	return a.textbelt != nil && a.textbelt.Configured()
}

// Deliver texts resp to the phone number in its chat id.
func (a *Adapter) Deliver(ctx context.Context, resp domain.Response) error {
	if !a.CanDeliver() {
		return fmt.Errorf("sms delivery: %w", channel.ErrReadOnlyChannel)
	}
	for _, part := range channel.SplitMessage(resp.Text, maxSMSChars) {
		id, err := a.textbelt.Send(ctx, resp.ChatID, part)
		if err != nil {
			return err
		}
		a.logger.Debug().Str("text_id", id).Msg("sms sent")
	}
	return nil
}
