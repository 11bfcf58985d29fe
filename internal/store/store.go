package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultFileName is the database file created inside the data directory.
const DefaultFileName = "masix.db"

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// Store wraps the SQLite database shared by every account task: offsets,
// reminders, the dynamic ACL, conversation history and runtime metadata.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and migrates it.
func Open(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(wal)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewFromDB creates a Store from an existing *sql.DB and runs migrations.
// This is useful for testing with an in-memory database.
func NewFromDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			channel TEXT NOT NULL,
			message_id TEXT NOT NULL,
			chat_id TEXT,
			from_user TEXT,
			content TEXT,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS channel_offsets (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			channel TEXT NOT NULL,
			account_tag TEXT NOT NULL,
			offset_value INTEGER NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS cron_jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			created_by TEXT NOT NULL,
			schedule TEXT NOT NULL,
			channel TEXT NOT NULL,
			recipient TEXT NOT NULL,
			account_tag TEXT NOT NULL DEFAULT '__default__',
			message TEXT NOT NULL,
			timezone TEXT DEFAULT '+00:00',
			recurring INTEGER DEFAULT 0,
			enabled INTEGER DEFAULT 1,
			last_run DATETIME,
			next_run DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS acl_entries (
			channel TEXT NOT NULL,
			account_tag TEXT NOT NULL,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (channel, account_tag, user_id)
		);
		CREATE TABLE IF NOT EXISTS acl_tool_policy (
			channel TEXT NOT NULL,
			account_tag TEXT NOT NULL,
			mode TEXT NOT NULL,
			allowed_json TEXT NOT NULL DEFAULT '[]',
			updated_at TEXT NOT NULL,
			PRIMARY KEY (channel, account_tag)
		);
		CREATE TABLE IF NOT EXISTS conversation_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			channel TEXT NOT NULL,
			account_tag TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			event_key TEXT,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS bot_runtime (
			account_tag TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (account_tag, key)
		);
	`); err != nil {
		return err
	}

	// Add missing columns to existing DBs before creating indexes.
	for _, q := range []string{
		`ALTER TABLE cron_jobs ADD COLUMN account_tag TEXT NOT NULL DEFAULT '__default__'`,
		`ALTER TABLE cron_jobs ADD COLUMN consecutive_failures INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE cron_jobs ADD COLUMN last_error TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE cron_jobs ADD COLUMN flagged INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE events ADD COLUMN account_tag TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE events ADD COLUMN event_key TEXT`,
	} {
		if _, err := s.db.Exec(q); err != nil {
			// expected: column already exists
		}
	}

	if _, err := s.db.Exec(`
		UPDATE cron_jobs SET account_tag = '__default__'
		 WHERE account_tag IS NULL OR TRIM(account_tag) = '';

		DELETE FROM channel_offsets
		 WHERE id NOT IN (
			SELECT MAX(id) FROM channel_offsets GROUP BY channel, account_tag
		 );
		CREATE UNIQUE INDEX IF NOT EXISTS idx_channel_offsets_unique
			ON channel_offsets(channel, account_tag);

		-- Rows written before event_key existed keep a NULL key and never
		-- conflict, so no audit row is dropped to build the index.
		DROP INDEX IF EXISTS idx_events_unique;
		CREATE UNIQUE INDEX IF NOT EXISTS idx_events_key
			ON events(channel, account_tag, event_key);

		CREATE INDEX IF NOT EXISTS idx_cron_jobs_due_account
			ON cron_jobs(enabled, next_run, account_tag);
		CREATE INDEX IF NOT EXISTS idx_cron_jobs_account_enabled
			ON cron_jobs(account_tag, enabled);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversation_event
			ON conversation_messages(channel, account_tag, chat_id, event_key, role);
		CREATE INDEX IF NOT EXISTS idx_conversation_chat
			ON conversation_messages(channel, account_tag, chat_id, id);
	`); err != nil {
		return err
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func truncateStoreText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func parseOptionalTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	t, err := parseAnyTime(s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// parseAnyTime accepts RFC3339 values written by this package and the
// CURRENT_TIMESTAMP format used by column defaults and legacy rows.
func parseAnyTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", s)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
