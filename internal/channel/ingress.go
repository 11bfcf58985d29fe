package channel

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/batalabs/masix/internal/domain"
)

// maxIngressBody caps bridge request bodies.
const maxIngressBody = 1 << 20

// InboundMessage is the JSON body posted by a messaging bridge.
type InboundMessage struct {
	Schema    string `json:"schema"`
	ID        string `json:"id"`
	From      string `json:"from"`
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
	PushName  string `json:"push_name"`
}

// Ingress accepts signed bridge posts for one channel account and queues
// them on a Bridge.
type Ingress struct {
	Channel    string
	AccountTag string
	Schema     string
	Secret     string
	// MaxChars truncates inbound text; 0 disables truncation.
	MaxChars int
	// GroupSuffix marks chat ids of multi-party chats.
	GroupSuffix string
	Bridge      *Bridge
	Logger      zerolog.Logger
}

var errDropped = errors.New("dropped")

// ServeHTTP implements http.Handler. Rejections never explain themselves:
// bad signatures get 401, malformed or foreign payloads 202, a full queue
// 503 so the bridge retries.
func (in *Ingress) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIngressBody))
	if err != nil {
		in.Logger.Warn().Err(err).Msg("ingress body unreadable")
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		return
	}
	if in.Secret != "" && !VerifySignature(in.Secret, body, r.Header.Get(SignatureHeader)) {
		in.Logger.Warn().Str("remote", r.RemoteAddr).Msg("ingress signature rejected")
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	ev, err := in.Decode(body)
	if err != nil {
		in.Logger.Warn().Err(err).Msg("ingress payload dropped")
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if err := in.Bridge.Push(ev); err != nil {
		in.Logger.Error().Err(err).Str("message_id", ev.MessageID).Msg("ingress queue full")
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	in.Logger.Debug().Str("message_id", ev.MessageID).Str("trace_id", ev.TraceID).Msg("ingress event queued")
	w.WriteHeader(http.StatusAccepted)
}

// Decode validates a bridge payload and converts it to an event.
func (in *Ingress) Decode(body []byte) (domain.Event, error) {
	var msg InboundMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return domain.Event{}, errors.Join(errDropped, err)
	}
	if msg.Schema != in.Schema {
		return domain.Event{}, errors.Join(errDropped, errors.New("unexpected schema "+msg.Schema))
	}
	from := strings.TrimSpace(msg.From)
	text := strings.TrimSpace(msg.Text)
	if from == "" || strings.TrimSpace(msg.ID) == "" || text == "" {
		return domain.Event{}, errors.Join(errDropped, errors.New("missing id, from or text"))
	}
	if in.MaxChars > 0 && utf8.RuneCountInString(text) > in.MaxChars {
		text = string([]rune(text)[:in.MaxChars])
	}
	chatID := strings.TrimSpace(msg.ChatID)
	if chatID == "" {
		chatID = from
	}
	kind := domain.ChatPrivate
	if in.GroupSuffix != "" && strings.HasSuffix(chatID, in.GroupSuffix) {
		kind = domain.ChatGroup
	}
	received := time.Now()
	if msg.Timestamp > 0 {
		received = time.Unix(msg.Timestamp, 0)
	}
	return domain.Event{
		TraceID:    domain.NewTraceID(),
		Channel:    in.Channel,
		AccountTag: in.AccountTag,
		MessageID:  msg.ID,
		ChatID:     chatID,
		ChatKind:   kind,
		SenderID:   from,
		SenderName: strings.TrimSpace(msg.PushName),
		Text:       text,
		ReceivedAt: received,
	}, nil
}
