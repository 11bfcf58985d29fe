package sms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultTextbeltURL is the Textbelt send endpoint.
const DefaultTextbeltURL = "https://textbelt.com/text"

// Textbelt sends SMS through the Textbelt HTTP API.
type Textbelt struct {
	apiKey string
	url    string
	client *http.Client
}

// NewTextbelt returns a client using apiKey. A nil client gets a 15s
// timeout.
func NewTextbelt(apiKey string, client *http.Client) *Textbelt {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Textbelt{apiKey: strings.TrimSpace(apiKey), url: DefaultTextbeltURL, client: client}
}

// Configured reports whether an API key is set.
func (t *Textbelt) Configured() bool { return t.apiKey != "" }

type textbeltResponse struct {
	Success        bool   `json:"success"`
	QuotaRemaining int    `json:"quotaRemaining"`
	TextID         any    `json:"textId"`
	Error          string `json:"error"`
}

// Send texts message to phone and returns the Textbelt text id.
func (t *Textbelt) Send(ctx context.Context, phone, message string) (string, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return "", fmt.Errorf("sms: phone is required")
	}
	form := url.Values{
		"phone":   {phone},
		"message": {message},
		"key":     {t.apiKey},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("sending sms: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("reading textbelt response: %w", err)
	}

	var result textbeltResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("parsing textbelt response (HTTP %d): %w", resp.StatusCode, err)
	}
	if !result.Success {
		msg := result.Error
		if msg == "" {
			msg = "unknown error"
		}
		return "", fmt.Errorf("sms failed: %s", msg)
	}
	switch id := result.TextID.(type) {
	case string:
		return id, nil
	case float64:
		return strconv.FormatInt(int64(id), 10), nil
	}
	return "", nil
}
