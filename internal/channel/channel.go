// Package channel defines the contract between the pipeline and the chat
// networks it serves.
package channel

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/batalabs/masix/internal/domain"
)

// ErrReadOnlyChannel is returned by adapters that cannot send messages.
var ErrReadOnlyChannel = errors.New("channel is read-only")

// Adapter is one inbound identity on one chat network.
type Adapter interface {
	Channel() string
	AccountTag() string
	// Poll returns the events after offset. Each event carries the offset to
	// persist once it is processed. Poll returns after at most one long-poll
	// window, possibly with no events.
	Poll(ctx context.Context, offset int64) ([]domain.Event, error)
	Deliver(ctx context.Context, resp domain.Response) error
}

// ReadOnly reports whether a channel never receives replies.
func ReadOnly(name string) bool {
	return name == domain.ChannelWhatsApp
}

// SplitMessage breaks text into chunks of at most limit runes, preferring
// newline and then space boundaries.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		if strings.TrimSpace(text) == "" {
			return nil
		}
		return []string{text}
	}

	var chunks []string
	runes := []rune(text)
	for len(runes) > 0 {
		if len(runes) <= limit {
			chunks = appendChunk(chunks, string(runes))
			break
		}
		cut := lastIndex(runes[:limit], '\n')
		if cut <= 0 {
			cut = lastIndex(runes[:limit], ' ')
		}
		if cut <= 0 {
			cut = limit
		}
		chunks = appendChunk(chunks, string(runes[:cut]))
		runes = runes[cut:]
		// The boundary itself is dropped.
		if len(runes) > 0 && (runes[0] == '\n' || runes[0] == ' ') {
			runes = runes[1:]
		}
	}
	return chunks
}

func appendChunk(chunks []string, s string) []string {
	if strings.TrimSpace(s) == "" {
		return chunks
	}
	return append(chunks, s)
}

func lastIndex(runes []rune, r rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == r {
			return i
		}
	}
	return -1
}
