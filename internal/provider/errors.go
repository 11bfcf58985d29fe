package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// APIError represents a non-2xx answer from a provider endpoint.
type APIError struct {
	StatusCode int
	ErrorType  string
	Message    string
	// RetryAfter is the server-requested delay, zero when absent.
	RetryAfter time.Duration
}

// Error satisfies the error interface.
func (e *APIError) Error() string {
	if e.ErrorType != "" {
		return fmt.Sprintf("HTTP %d %s: %s", e.StatusCode, e.ErrorType, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Transient reports whether the failure may succeed on retry: request
// timeout, rate limiting and server errors.
func (e *APIError) Transient() bool {
	switch {
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	}
	return false
}

// NewAPIError creates an APIError from HTTP response metadata.
func NewAPIError(statusCode int, errorType, message string, header http.Header) *APIError {
	return &APIError{
		StatusCode: statusCode,
		ErrorType:  errorType,
		Message:    message,
		RetryAfter: parseRetryAfter(header),
	}
}

// ErrMalformedReply is returned when a 2xx body cannot be understood.
var ErrMalformedReply = errors.New("malformed provider reply")

// IsTransient classifies an attempt error for the router. Network failures
// and timeouts are transient; other 4xx answers and malformed replies are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	if errors.Is(err, ErrMalformedReply) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// retryAfterHint returns the server-requested delay carried by err, if any.
func retryAfterHint(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}

// parseRetryAfter extracts the retry delay from HTTP headers. Retry-After-Ms
// wins over Retry-After, which may hold seconds or an HTTP-date.
func parseRetryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}

	if ms := h.Get("Retry-After-Ms"); ms != "" {
		if v, err := strconv.Atoi(strings.TrimSpace(ms)); err == nil && v > 0 {
			return time.Duration(v) * time.Millisecond
		}
	}

	ra := strings.TrimSpace(h.Get("Retry-After"))
	if ra == "" {
		return 0
	}
	if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(ra); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
