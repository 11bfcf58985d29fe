package store

import (
	"database/sql"
	"errors"
)

// SaveOffset persists the poll cursor of one channel account. The stored
// value never moves backwards.
func (s *Store) SaveOffset(channel, accountTag string, offset int64) error {
	_, err := s.db.Exec(
		`INSERT INTO channel_offsets (channel, account_tag, offset_value)
		 VALUES (?, ?, ?)
		 ON CONFLICT(channel, account_tag)
		 DO UPDATE SET offset_value = MAX(offset_value, excluded.offset_value), updated_at = CURRENT_TIMESTAMP`,
		channel, accountTag, offset)
	return err
}

// GetOffset returns the persisted cursor and whether one exists.
func (s *Store) GetOffset(channel, accountTag string) (int64, bool, error) {
	var offset int64
	err := s.db.QueryRow(
		`SELECT offset_value FROM channel_offsets WHERE channel = ? AND account_tag = ? LIMIT 1`,
		channel, accountTag).Scan(&offset)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return offset, true, nil
}
