package domain

import (
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Channel names used across adapters, the store and the pipeline.
const (
	ChannelTelegram = "telegram"
	ChannelWhatsApp = "whatsapp"
	ChannelSMS      = "sms"
)

// DefaultAccountTag scopes records created before account scoping existed.
const DefaultAccountTag = "__default__"

// ChatKind distinguishes one-to-one conversations from multi-party ones.
type ChatKind string

const (
	ChatPrivate ChatKind = "private"
	ChatGroup   ChatKind = "group"
)

// Role is the permission level of a sender within one channel account.
// Higher roles include every capability of the lower ones.
type Role int

const (
	RoleDenied Role = iota
	RoleReadonly
	RoleUser
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleUser:
		return "user"
	case RoleReadonly:
		return "readonly"
	default:
		return "denied"
	}
}

// AtLeast reports whether r grants every capability of min.
func (r Role) AtLeast(min Role) bool {
	return r >= min
}

// ParseRole converts a stored role label back into a Role.
func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "admin":
		return RoleAdmin
	case "user":
		return RoleUser
	case "readonly":
		return RoleReadonly
	default:
		return RoleDenied
	}
}

// Media describes an attachment on an inbound event.
type Media struct {
	Kind     string `json:"kind"` // photo, document, voice, audio, video, sticker
	FileID   string `json:"file_id,omitempty"`
	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// IsVisual reports whether the media can be analyzed by a vision model.
func (m *Media) IsVisual() bool {
	if m == nil {
		return false
	}
	if m.Kind == "photo" {
		return true
	}
	return strings.HasPrefix(m.MimeType, "image/")
}

// Summary describes the media without analyzing its content.
func (m *Media) Summary() string {
	if m == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("[" + m.Kind)
	if m.FileName != "" {
		b.WriteString(" " + m.FileName)
	}
	if m.MimeType != "" {
		b.WriteString(" (" + m.MimeType + ")")
	}
	if m.Size > 0 {
		b.WriteString(", " + humanize.Bytes(uint64(m.Size)))
	}
	b.WriteString("]")
	if c := strings.TrimSpace(m.Caption); c != "" {
		b.WriteString(" " + c)
	}
	return b.String()
}

// Event is a channel-neutral inbound message.
type Event struct {
	TraceID    string
	Channel    string
	AccountTag string
	// Offset is the cursor value to persist once this event is fully processed.
	Offset     int64
	MessageID  string
	ChatID     string
	ChatKind   ChatKind
	SenderID   string
	SenderName string
	Text       string
	Mentioned  bool
	Media      *Media
	ReceivedAt time.Time
}

// IsPrivate reports whether the event came from a one-to-one chat.
func (e Event) IsPrivate() bool {
	return e.ChatKind != ChatGroup
}

// IsCommand reports whether the event text is a slash command.
func (e Event) IsCommand() bool {
	return strings.HasPrefix(strings.TrimSpace(e.Text), "/")
}

// Response is a channel-neutral outbound message.
type Response struct {
	Channel    string
	AccountTag string
	ChatID     string
	Text       string
	ReplyTo    string
	// Plain disables rich formatting on delivery.
	Plain bool
}

// Content block types.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	BlockImage      = "image"
)

// ContentBlock represents a structured content block in a message.
type ContentBlock struct {
	Type       string         `json:"type"`
	Text       string         `json:"text,omitempty"`
	MimeType   string         `json:"mime_type,omitempty"`
	Data       []byte         `json:"data,omitempty"`
	ToolUseID  string         `json:"tool_use_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	ToolInput  map[string]any `json:"tool_input,omitempty"`
	ToolResult string         `json:"tool_result,omitempty"`
	IsError    bool           `json:"is_error,omitempty"`
}

// TranscriptMessage is a message with a role and content blocks.
type TranscriptMessage struct {
	Role    string
	Content string
	Blocks  []ContentBlock
}

// HasBlocks reports whether the message has structured content blocks.
func (m TranscriptMessage) HasBlocks() bool {
	return len(m.Blocks) > 0
}

// TextContent extracts the plain text content from a message.
func (m TranscriptMessage) TextContent() string {
	if !m.HasBlocks() {
		return m.Content
	}
	var parts []string
	for _, b := range m.Blocks {
		if b.Type == BlockText {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ToolUses returns the tool_use blocks of the message.
func (m TranscriptMessage) ToolUses() []ContentBlock {
	var out []ContentBlock
	for _, b := range m.Blocks {
		if b.Type == BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}
