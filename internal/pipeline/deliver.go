package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/batalabs/masix/internal/channel"
	"github.com/batalabs/masix/internal/config"
	"github.com/batalabs/masix/internal/domain"
)

// Default forward prefixes of the bridged channels.
const (
	whatsAppForwardPrefix = "WhatsApp listener"
	smsForwardPrefix      = "SMS listener"
)

// respond delivers text for ev. Telegram events are answered in their chat.
// Bridged channels never receive model replies: the answer is forwarded to
// the configured Telegram chat instead, or dropped.
func (p *Pipeline) respond(ctx context.Context, ev domain.Event, text string, plain bool, logger zerolog.Logger) {
	if ev.Channel != domain.ChannelTelegram {
		p.forward(ctx, ev, text, logger)
		return
	}
	a, ok := p.adapter(ev.Channel, ev.AccountTag)
	if !ok {
		logger.Error().Msg("no adapter for reply")
		return
	}
	resp := domain.Response{
		Channel:    ev.Channel,
		AccountTag: ev.AccountTag,
		ChatID:     ev.ChatID,
		Text:       text,
		Plain:      plain,
	}
	if !ev.IsPrivate() {
		resp.ReplyTo = ev.MessageID
	}
	p.deliver(ctx, a, resp, logger)
}

// forward relays the answer to a bridged event to Telegram.
func (p *Pipeline) forward(ctx context.Context, ev domain.Event, text string, logger zerolog.Logger) {
	fwd, prefix := p.forwardConfig(ev.Channel)
	if !fwd.Configured() {
		logger.Debug().Msg("read-only channel without forward target, reply dropped")
		return
	}
	if fwd.ForwardPrefix != "" {
		prefix = fwd.ForwardPrefix
	}
	tag := fwd.ForwardToTelegramAccountTag
	if tag == "" {
		tag = p.cfg.DefaultTelegramAccountTag()
	}
	a, ok := p.adapter(domain.ChannelTelegram, tag)
	if !ok {
		logger.Error().Str("forward_account", tag).Msg("forward target account not running")
		return
	}
	p.deliver(ctx, a, domain.Response{
		Channel:    domain.ChannelTelegram,
		AccountTag: tag,
		ChatID:     strconv.FormatInt(fwd.ForwardToTelegramChatID, 10),
		Text:       fmt.Sprintf("%s [%s]\n%s", prefix, ev.SenderID, text),
		Plain:      true,
	}, logger)
}

func (p *Pipeline) forwardConfig(channelName string) (config.ForwardConfig, string) {
	switch channelName {
	case domain.ChannelWhatsApp:
		return p.cfg.WhatsApp.ForwardConfig, whatsAppForwardPrefix
	case domain.ChannelSMS:
		return p.cfg.SMS.ForwardConfig, smsForwardPrefix
	}
	return config.ForwardConfig{}, ""
}

// deliver makes up to deliveryAttempts attempts, then logs and drops the
// reply.
func (p *Pipeline) deliver(ctx context.Context, a channel.Adapter, resp domain.Response, logger zerolog.Logger) {
	var err error
	for attempt := 1; attempt <= deliveryAttempts; attempt++ {
		err = a.Deliver(ctx, resp)
		p.obs.ObserveDelivery(resp.Channel, err)
		if err == nil {
			return
		}
		if errors.Is(err, channel.ErrReadOnlyChannel) || ctx.Err() != nil {
			break
		}
		logger.Warn().Err(err).Int("attempt", attempt).Msg("delivery failed")
		if attempt < deliveryAttempts {
			if p.sleepFunc(ctx, p.retryWait*time.Duration(attempt)) != nil {
				break
			}
		}
	}
	logger.Error().Err(err).Str("chat", resp.ChatID).Msg("reply dropped")
}
