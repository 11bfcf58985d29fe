// Package telegram adapts one Telegram bot account to the channel contract:
// long-polled updates in, HTML-formatted replies out.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/batalabs/masix/internal/channel"
	"github.com/batalabs/masix/internal/config"
	"github.com/batalabs/masix/internal/domain"
)

const (
	// MaxMessageLen is the maximum Telegram message length in characters.
	MaxMessageLen = 4096
	// maxMediaBytes caps downloads handed to the vision model.
	maxMediaBytes = 10 << 20
)

// BotAPI is the part of the Bot API client the adapter uses.
type BotAPI interface {
	GetUpdates(config tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetFileDirectURL(fileID string) (string, error)
}

var _ channel.Adapter = (*Adapter)(nil)

// Adapter is one Telegram bot account.
type Adapter struct {
	bot         BotAPI
	tag         string
	botID       int64
	username    string
	mentionRe   *regexp.Regexp
	pollTimeout int
	httpClient  *http.Client
	logger      zerolog.Logger

	mu       sync.Mutex
	skipTo   int64
	sendWait time.Duration
}

type botLogger struct {
	logger zerolog.Logger
}

func (l botLogger) Println(v ...interface{}) {
	l.logger.Debug().Msg(strings.TrimSpace(fmt.Sprint(v...)))
}

func (l botLogger) Printf(format string, v ...interface{}) {
	l.logger.Debug().Msg(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

var setLoggerOnce sync.Once

// New connects to the Bot API with the account's token.
func New(acct config.TelegramAccount, pollTimeout time.Duration, logger zerolog.Logger) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(acct.BotToken)
	if err != nil {
		return nil, fmt.Errorf("connecting to Telegram account %s: %w", acct.AccountTag(), err)
	}
	setLoggerOnce.Do(func() {
		// Route library messages such as transient 502s to the runtime log.
		if err := tgbotapi.SetLogger(botLogger{logger: logger.With().Str("component", "telegram_api").Logger()}); err != nil {
			logger.Warn().Err(err).Msg("installing telegram library logger")
		}
	})
	username := acct.BotUsername()
	if username == "" {
		username = bot.Self.UserName
	}
	return NewWithBot(bot, acct.AccountTag(), bot.Self.ID, username, pollTimeout, logger), nil
}

// NewWithBot builds an adapter over an existing client.
func NewWithBot(bot BotAPI, accountTag string, botID int64, username string, pollTimeout time.Duration, logger zerolog.Logger) *Adapter {
	a := &Adapter{
		bot:         bot,
		tag:         accountTag,
		botID:       botID,
		username:    strings.ToLower(strings.TrimPrefix(username, "@")),
		pollTimeout: int(pollTimeout / time.Second),
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		logger:      logger.With().Str("component", "telegram").Str("account", accountTag).Logger(),
		sendWait:    500 * time.Millisecond,
	}
	if a.pollTimeout <= 0 {
		a.pollTimeout = 30
	}
	if a.username != "" {
		a.mentionRe = regexp.MustCompile(`(?i)@` + regexp.QuoteMeta(a.username) + `\b`)
	}
	return a
}

// Channel implements channel.Adapter.
func (a *Adapter) Channel() string { return domain.ChannelTelegram }

// AccountTag implements channel.Adapter.
func (a *Adapter) AccountTag() string { return a.tag }

// Username returns the bot username without the @ prefix.
func (a *Adapter) Username() string { return a.username }

// Poll long-polls getUpdates from offset. Each event carries update_id+1 as
// its offset. Updates that carry no message are skipped; the adapter
// remembers them so the next poll does not fetch them again.
func (a *Adapter) Poll(ctx context.Context, offset int64) ([]domain.Event, error) {
	a.mu.Lock()
	if a.skipTo > offset {
		offset = a.skipTo
	}
	a.mu.Unlock()

	cfg := tgbotapi.NewUpdate(int(offset))
	cfg.Timeout = a.pollTimeout
	cfg.AllowedUpdates = []string{"message"}

	type result struct {
		updates []tgbotapi.Update
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		u, err := a.bot.GetUpdates(cfg)
		ch <- result{u, err}
	}()

	var res result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.err != nil {
		return nil, fmt.Errorf("getUpdates: %w", res.err)
	}

	var events []domain.Event
	var last int64
	for _, u := range res.updates {
		next := int64(u.UpdateID) + 1
		last = max(last, next)
		if ev, ok := a.toEvent(u, next); ok {
			events = append(events, ev)
		}
	}
	a.mu.Lock()
	a.skipTo = max(a.skipTo, last)
	a.mu.Unlock()
	return events, nil
}

func (a *Adapter) toEvent(u tgbotapi.Update, offset int64) (domain.Event, bool) {
	msg := u.Message
	if msg == nil || msg.Chat == nil || msg.From == nil {
		return domain.Event{}, false
	}
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	ev := domain.Event{
		TraceID:    domain.NewTraceID(),
		Channel:    domain.ChannelTelegram,
		AccountTag: a.tag,
		Offset:     offset,
		MessageID:  strconv.Itoa(msg.MessageID),
		ChatID:     strconv.FormatInt(msg.Chat.ID, 10),
		ChatKind:   domain.ChatGroup,
		SenderID:   strconv.FormatInt(msg.From.ID, 10),
		SenderName: senderName(msg.From),
		Media:      mediaOf(msg),
		ReceivedAt: msg.Time(),
	}
	if msg.Chat.IsPrivate() {
		ev.ChatKind = domain.ChatPrivate
	}
	if a.mentionRe != nil && a.mentionRe.MatchString(text) {
		ev.Mentioned = true
		text = strings.TrimSpace(a.mentionRe.ReplaceAllString(text, ""))
	}
	if r := msg.ReplyToMessage; r != nil && r.From != nil && a.botID != 0 && r.From.ID == a.botID {
		ev.Mentioned = true
	}
	ev.Text = text
	if ev.Text == "" && ev.Media == nil {
		return domain.Event{}, false
	}
	return ev, true
}

func senderName(u *tgbotapi.User) string {
	if u.UserName != "" {
		return "@" + u.UserName
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

func mediaOf(msg *tgbotapi.Message) *domain.Media {
	switch {
	case len(msg.Photo) > 0:
		p := msg.Photo[len(msg.Photo)-1]
		return &domain.Media{Kind: "photo", FileID: p.FileID, MimeType: "image/jpeg", Size: int64(p.FileSize), Caption: msg.Caption}
	case msg.Document != nil:
		d := msg.Document
		return &domain.Media{Kind: "document", FileID: d.FileID, FileName: d.FileName, MimeType: d.MimeType, Size: int64(d.FileSize), Caption: msg.Caption}
	case msg.Voice != nil:
		v := msg.Voice
		return &domain.Media{Kind: "voice", FileID: v.FileID, MimeType: v.MimeType, Size: int64(v.FileSize)}
	case msg.Audio != nil:
		au := msg.Audio
		return &domain.Media{Kind: "audio", FileID: au.FileID, FileName: au.FileName, MimeType: au.MimeType, Size: int64(au.FileSize), Caption: msg.Caption}
	case msg.Video != nil:
		v := msg.Video
		return &domain.Media{Kind: "video", FileID: v.FileID, FileName: v.FileName, MimeType: v.MimeType, Size: int64(v.FileSize), Caption: msg.Caption}
	case msg.Sticker != nil:
		return &domain.Media{Kind: "sticker", FileID: msg.Sticker.FileID, FileName: msg.Sticker.Emoji}
	}
	return nil
}

// Deliver sends resp to its chat. Rich replies are converted to HTML and
// re-sent as plain text when Telegram rejects the markup. A reply target
// that no longer exists is dropped and the chunk is sent again.
func (a *Adapter) Deliver(ctx context.Context, resp domain.Response) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(resp.ChatID), 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", resp.ChatID, err)
	}
	replyTo, _ := strconv.Atoi(resp.ReplyTo)

	html := !resp.Plain
	var chunks []string
	if html {
		chunks = splitHTML(ToHTML(resp.Text), MaxMessageLen)
	} else {
		chunks = channel.SplitMessage(resp.Text, MaxMessageLen)
	}

	for i := 0; i < len(chunks); i++ {
		if i > 0 && a.sendWait > 0 {
			// Stay under the per-chat flood limit.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(a.sendWait):
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		target := 0
		if i == 0 {
			target = replyTo
		}
		err := a.send(chatID, chunks[i], html, target)
		if err != nil && html && isParseError(err) {
			a.logger.Debug().Err(err).Msg("html rejected, sending plain text")
			html = false
			rest := channel.SplitMessage(resp.Text, MaxMessageLen)
			if i > 0 {
				rest = channel.SplitMessage(stripTags(strings.Join(chunks[i:], "")), MaxMessageLen)
			}
			chunks = append(chunks[:i:i], rest...)
			if i >= len(chunks) {
				return nil
			}
			err = a.send(chatID, chunks[i], false, target)
		}
		if err != nil {
			return fmt.Errorf("sending telegram message: %w", err)
		}
	}
	return nil
}

func (a *Adapter) send(chatID int64, text string, html bool, replyTo int) error {
	msg := tgbotapi.NewMessage(chatID, text)
	if html {
		msg.ParseMode = tgbotapi.ModeHTML
	}
	msg.ReplyToMessageID = replyTo
	_, err := a.bot.Send(msg)
	if err != nil && replyTo != 0 && isMissingReplyTarget(err) {
		a.logger.Debug().Err(err).Msg("reply target vanished, sending without it")
		msg.ReplyToMessageID = 0
		_, err = a.bot.Send(msg)
	}
	return err
}

func isParseError(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "can't parse entities") || strings.Contains(s, "unsupported start tag")
}

func isMissingReplyTarget(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "message to be replied not found") || strings.Contains(s, "replied message not found")
}

var tagRe = regexp.MustCompile(`<[^>]+>`)

// stripTags turns converted HTML back into readable plain text.
func stripTags(s string) string {
	return strings.NewReplacer("&lt;", "<", "&gt;", ">", "&quot;", `"`, "&#39;", "'", "&amp;", "&").
		Replace(tagRe.ReplaceAllString(s, ""))
}

// ErrMediaTooLarge is returned by MediaData for files above the download cap.
var ErrMediaTooLarge = errors.New("telegram: media too large")

// MediaData downloads the file behind m.
func (a *Adapter) MediaData(ctx context.Context, m *domain.Media) ([]byte, error) {
	if m == nil || m.FileID == "" {
		return nil, nil
	}
	if m.Size > maxMediaBytes {
		return nil, ErrMediaTooLarge
	}
	url, err := a.bot.GetFileDirectURL(m.FileID)
	if err != nil {
		return nil, fmt.Errorf("resolving file: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("downloading file: HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	if len(data) > maxMediaBytes {
		return nil, ErrMediaTooLarge
	}
	return data, nil
}
