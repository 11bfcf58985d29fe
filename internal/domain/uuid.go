package domain

import (
	"strings"

	"github.com/google/uuid"
)

// NewUUID generates a random UUID v4.
func NewUUID() string {
	return uuid.NewString()
}

// NewTraceID returns a short identifier used to correlate the log lines of
// one inbound event.
func NewTraceID() string {
	return "trace-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
