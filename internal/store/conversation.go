package store

import (
	"database/sql"
	"errors"
	"time"
)

// ConversationMessage is one persisted turn of a chat's history.
type ConversationMessage struct {
	Channel    string
	AccountTag string
	ChatID     string
	EventKey   string // source event; makes reprocessing replace instead of append
	Role       string // "user" or "assistant"
	Content    string
	CreatedAt  time.Time
}

// AppendConversation stores a history entry. Entries with the same event key
// and role replace each other.
func (s *Store) AppendConversation(m ConversationMessage) error {
	var eventKey any
	if m.EventKey != "" {
		eventKey = m.EventKey
	}
	_, err := s.db.Exec(
		`INSERT INTO conversation_messages (channel, account_tag, chat_id, event_key, role, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(channel, account_tag, chat_id, event_key, role)
		 DO UPDATE SET content = excluded.content`,
		m.Channel, m.AccountTag, m.ChatID, eventKey, m.Role, truncateStoreText(m.Content, 16000), formatTime(time.Now()))
	return err
}

// RecentConversation returns the last limit entries of a chat, oldest first.
func (s *Store) RecentConversation(channel, accountTag, chatID string, limit int) ([]ConversationMessage, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT channel, account_tag, chat_id, COALESCE(event_key,''), role, content, created_at FROM (
			SELECT * FROM conversation_messages
			 WHERE channel = ? AND account_tag = ? AND chat_id = ?
			 ORDER BY id DESC
			 LIMIT ?
		 ) ORDER BY id ASC`,
		channel, accountTag, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ConversationMessage
	for rows.Next() {
		var m ConversationMessage
		var created string
		if err := rows.Scan(&m.Channel, &m.AccountTag, &m.ChatID, &m.EventKey, &m.Role, &m.Content, &created); err != nil {
			return nil, err
		}
		if t, ok := parseOptionalTime(created); ok {
			m.CreatedAt = t
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ClearConversation forgets the history of a chat.
func (s *Store) ClearConversation(channel, accountTag, chatID string) error {
	_, err := s.db.Exec(
		`DELETE FROM conversation_messages WHERE channel = ? AND account_tag = ? AND chat_id = ?`,
		channel, accountTag, chatID)
	return err
}

// SetBotMeta stores a runtime metadata value for an account.
func (s *Store) SetBotMeta(accountTag, key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO bot_runtime (account_tag, key, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(account_tag, key)
		 DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		accountTag, key, value, formatTime(time.Now()))
	return err
}

// GetBotMeta returns a runtime metadata value and whether it is set.
func (s *Store) GetBotMeta(accountTag, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM bot_runtime WHERE account_tag = ? AND key = ?`, accountTag, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// EventRecord is the audit entry of a processed inbound event.
type EventRecord struct {
	Channel    string
	AccountTag string
	MessageID  string
	ChatID     string
	FromUser   string
	Content    string
}

// RecordEvent appends an inbound event to the audit log. Message ids are
// only unique within a chat, so the row is keyed on (channel, account,
// chat, message); recording the same event again replaces the earlier row.
func (s *Store) RecordEvent(e EventRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO events (channel, account_tag, event_key, message_id, chat_id, from_user, content, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(channel, account_tag, event_key)
		 DO UPDATE SET from_user = excluded.from_user,
		               content = excluded.content, timestamp = excluded.timestamp`,
		e.Channel, e.AccountTag, auditKey(e.ChatID, e.MessageID), e.MessageID, e.ChatID, e.FromUser,
		truncateStoreText(e.Content, 4000))
	return err
}

func auditKey(chatID, messageID string) string {
	return chatID + "\x00" + messageID
}

// CountEvents returns the number of recorded events of one account.
func (s *Store) CountEvents(channel, accountTag string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM events WHERE channel = ? AND account_tag = ?`, channel, accountTag).Scan(&n)
	return n, err
}
