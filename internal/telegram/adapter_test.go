package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/batalabs/masix/internal/domain"
)

type fakeBot struct {
	mu       sync.Mutex
	updates  [][]tgbotapi.Update
	polled   []tgbotapi.UpdateConfig
	block    chan struct{}
	sent     []tgbotapi.MessageConfig
	sendErrs []error
}

func (b *fakeBot) GetUpdates(cfg tgbotapi.UpdateConfig) ([]tgbotapi.Update, error) {
	if b.block != nil {
		<-b.block
		return nil, errors.New("closed")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.polled = append(b.polled, cfg)
	if len(b.updates) == 0 {
		return nil, nil
	}
	next := b.updates[0]
	b.updates = b.updates[1:]
	return next, nil
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, c.(tgbotapi.MessageConfig))
	if len(b.sendErrs) > 0 {
		err := b.sendErrs[0]
		b.sendErrs = b.sendErrs[1:]
		if err != nil {
			return tgbotapi.Message{}, err
		}
	}
	return tgbotapi.Message{MessageID: len(b.sent)}, nil
}

func (b *fakeBot) GetFileDirectURL(fileID string) (string, error) {
	return "", errors.New("not implemented")
}

func newTestAdapter(bot *fakeBot) *Adapter {
	a := NewWithBot(bot, "123", 123, "@MasixBot", 30*time.Second, zerolog.Nop())
	a.sendWait = 0
	return a
}

func textMessage(id int, chatID int64, chatType string, fromID int64, text string) *tgbotapi.Message {
	return &tgbotapi.Message{
		MessageID: id,
		From:      &tgbotapi.User{ID: fromID, UserName: "alice"},
		Chat:      &tgbotapi.Chat{ID: chatID, Type: chatType},
		Date:      1777629600,
		Text:      text,
	}
}

func TestAdapter_Poll(t *testing.T) {
	reply := textMessage(5, -100, "supergroup", 7, "and tomorrow?")
	reply.ReplyToMessage = &tgbotapi.Message{From: &tgbotapi.User{ID: 123, IsBot: true}}
	photo := textMessage(4, -100, "group", 7, "")
	photo.Caption = "what is this?"
	photo.Photo = []tgbotapi.PhotoSize{{FileID: "small", FileSize: 100}, {FileID: "big", FileSize: 2048}}

	bot := &fakeBot{updates: [][]tgbotapi.Update{
		{
			{UpdateID: 10, Message: textMessage(1, 42, "private", 42, "ciao")},
			{UpdateID: 11, EditedMessage: textMessage(2, 42, "private", 42, "edited")},
			{UpdateID: 12, Message: textMessage(3, -100, "group", 7, "@masixbot what time is it?")},
			{UpdateID: 13, Message: photo},
			{UpdateID: 14, Message: reply},
			{UpdateID: 15, EditedMessage: textMessage(6, 42, "private", 42, "edited again")},
		},
	}}
	a := newTestAdapter(bot)

	events, err := a.Poll(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 4 {
		t.Fatalf("got %d events, want 4", len(events))
	}
	if bot.polled[0].Offset != 10 || bot.polled[0].Timeout != 30 {
		t.Errorf("poll config = %+v", bot.polled[0])
	}

	private := events[0]
	if private.Offset != 11 || private.ChatKind != domain.ChatPrivate || private.ChatID != "42" || private.SenderID != "42" {
		t.Errorf("private event = %+v", private)
	}
	if private.Mentioned || private.Text != "ciao" || private.MessageID != "1" || private.AccountTag != "123" {
		t.Errorf("private event = %+v", private)
	}
	if !strings.HasPrefix(private.TraceID, "trace-") {
		t.Errorf("trace id = %q", private.TraceID)
	}

	mention := events[1]
	if mention.Offset != 13 || !mention.Mentioned || mention.Text != "what time is it?" || mention.ChatKind != domain.ChatGroup {
		t.Errorf("mention event = %+v", mention)
	}

	media := events[2]
	if media.Media == nil || media.Media.FileID != "big" || media.Media.Kind != "photo" || media.Text != "what is this?" {
		t.Errorf("media event = %+v (media %+v)", media, media.Media)
	}
	if media.Mentioned {
		t.Error("unmentioned group photo reported as mention")
	}

	if !events[3].Mentioned {
		t.Error("reply to the bot should count as a mention")
	}

	// The trailing skipped update is not fetched again.
	if _, err := a.Poll(context.Background(), 15); err != nil {
		t.Fatal(err)
	}
	if got := bot.polled[1].Offset; got != 16 {
		t.Errorf("second poll offset = %d, want 16", got)
	}
}

func TestAdapter_Poll_cancelled(t *testing.T) {
	bot := &fakeBot{block: make(chan struct{})}
	defer close(bot.block)
	a := newTestAdapter(bot)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := a.Poll(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("Poll = %v, want context.Canceled", err)
	}
}

func TestAdapter_Deliver(t *testing.T) {
	tests := []struct {
		name     string
		resp     domain.Response
		sendErrs []error
		want     []tgbotapi.MessageConfig
		wantErr  bool
	}{
		{
			name: "html reply",
			resp: domain.Response{ChatID: "42", Text: "**done**", ReplyTo: "9"},
			want: []tgbotapi.MessageConfig{
				{BaseChat: tgbotapi.BaseChat{ChatID: 42, ReplyToMessageID: 9}, Text: "<b>done</b>", ParseMode: "HTML"},
			},
		},
		{
			name: "plain",
			resp: domain.Response{ChatID: "42", Text: "**done**", Plain: true},
			want: []tgbotapi.MessageConfig{
				{BaseChat: tgbotapi.BaseChat{ChatID: 42}, Text: "**done**"},
			},
		},
		{
			name:     "html rejected falls back to plain",
			resp:     domain.Response{ChatID: "42", Text: "**done**"},
			sendErrs: []error{errors.New("Bad Request: can't parse entities: unexpected end tag")},
			want: []tgbotapi.MessageConfig{
				{BaseChat: tgbotapi.BaseChat{ChatID: 42}, Text: "<b>done</b>", ParseMode: "HTML"},
				{BaseChat: tgbotapi.BaseChat{ChatID: 42}, Text: "**done**"},
			},
		},
		{
			name:     "vanished reply target",
			resp:     domain.Response{ChatID: "42", Text: "ok", ReplyTo: "9", Plain: true},
			sendErrs: []error{errors.New("Bad Request: message to be replied not found")},
			want: []tgbotapi.MessageConfig{
				{BaseChat: tgbotapi.BaseChat{ChatID: 42, ReplyToMessageID: 9}, Text: "ok"},
				{BaseChat: tgbotapi.BaseChat{ChatID: 42}, Text: "ok"},
			},
		},
		{
			name:     "send failure",
			resp:     domain.Response{ChatID: "42", Text: "ok", Plain: true},
			sendErrs: []error{errors.New("Too Many Requests: retry after 5")},
			want: []tgbotapi.MessageConfig{
				{BaseChat: tgbotapi.BaseChat{ChatID: 42}, Text: "ok"},
			},
			wantErr: true,
		},
		{
			name:    "bad chat id",
			resp:    domain.Response{ChatID: "@alice", Text: "ok"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bot := &fakeBot{sendErrs: tt.sendErrs}
			a := newTestAdapter(bot)
			err := a.Deliver(context.Background(), tt.resp)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Deliver error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(bot.sent) != len(tt.want) {
				t.Fatalf("sent %d messages, want %d: %+v", len(bot.sent), len(tt.want), bot.sent)
			}
			for i, w := range tt.want {
				got := bot.sent[i]
				if got.ChatID != w.ChatID || got.ReplyToMessageID != w.ReplyToMessageID || got.Text != w.Text || got.ParseMode != w.ParseMode {
					t.Errorf("message %d = chat %d reply %d %q mode %q, want chat %d reply %d %q mode %q",
						i, got.ChatID, got.ReplyToMessageID, got.Text, got.ParseMode,
						w.ChatID, w.ReplyToMessageID, w.Text, w.ParseMode)
				}
			}
		})
	}
}

func TestAdapter_Deliver_splitsLongReplies(t *testing.T) {
	bot := &fakeBot{}
	a := newTestAdapter(bot)
	text := strings.Repeat("parola ", 1000)
	if err := a.Deliver(context.Background(), domain.Response{ChatID: "42", Text: text, ReplyTo: "3", Plain: true}); err != nil {
		t.Fatal(err)
	}
	if len(bot.sent) != 2 {
		t.Fatalf("sent %d chunks, want 2", len(bot.sent))
	}
	if bot.sent[0].ReplyToMessageID != 3 || bot.sent[1].ReplyToMessageID != 0 {
		t.Error("only the first chunk should reply to the inbound message")
	}
	for _, m := range bot.sent {
		if len([]rune(m.Text)) > MaxMessageLen {
			t.Errorf("chunk of %d runes exceeds limit", len([]rune(m.Text)))
		}
	}
}

func TestMediaOf(t *testing.T) {
	doc := &tgbotapi.Message{Document: &tgbotapi.Document{FileID: "d1", FileName: "scan.pdf", MimeType: "application/pdf", FileSize: 1234}, Caption: "invoice"}
	m := mediaOf(doc)
	if m == nil || m.Kind != "document" || m.FileName != "scan.pdf" || m.Size != 1234 || m.Caption != "invoice" {
		t.Errorf("document media = %+v", m)
	}
	if mediaOf(&tgbotapi.Message{Text: "hi"}) != nil {
		t.Error("text message should carry no media")
	}
}

func TestStripTags(t *testing.T) {
	if got := stripTags(`<b>a &amp; b</b> <a href="x">link</a>`); got != "a & b link" {
		t.Errorf("stripTags = %q", got)
	}
}
