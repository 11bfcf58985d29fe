package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/batalabs/masix/internal/domain"
)

// ACLEntry is one dynamically managed role grant.
type ACLEntry struct {
	Channel    string
	AccountTag string
	UserID     string
	Role       domain.Role
	Source     string // "admin:<id>" or "auto_register"
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ToolPolicy overrides which tools non-admin users of an account may call.
type ToolPolicy struct {
	Mode    string
	Allowed []string
}

// GetACLRole returns the dynamic role of userID and whether one is stored.
func (s *Store) GetACLRole(channel, accountTag, userID string) (domain.Role, bool, error) {
	var role string
	err := s.db.QueryRow(
		`SELECT role FROM acl_entries WHERE channel = ? AND account_tag = ? AND user_id = ?`,
		channel, accountTag, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RoleDenied, false, nil
	}
	if err != nil {
		return domain.RoleDenied, false, err
	}
	return domain.ParseRole(role), true, nil
}

// PutACLRole creates or replaces the role of userID.
func (s *Store) PutACLRole(channel, accountTag, userID string, role domain.Role, source string) error {
	now := formatTime(time.Now())
	_, err := s.db.Exec(
		`INSERT INTO acl_entries (channel, account_tag, user_id, role, source, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(channel, account_tag, user_id)
		 DO UPDATE SET role = excluded.role, source = excluded.source, updated_at = excluded.updated_at`,
		channel, accountTag, userID, role.String(), source, now, now)
	return err
}

// RegisterACLUser inserts userID with the user role unless an entry already
// exists. It reports whether a row was created, so concurrent or repeated
// registrations of the same sender succeed exactly once.
func (s *Store) RegisterACLUser(channel, accountTag, userID, source string) (bool, error) {
	now := formatTime(time.Now())
	res, err := s.db.Exec(
		`INSERT INTO acl_entries (channel, account_tag, user_id, role, source, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(channel, account_tag, user_id) DO NOTHING`,
		channel, accountTag, userID, domain.RoleUser.String(), source, now, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RemoveACLUser deletes the dynamic entry of userID and reports whether one
// existed.
func (s *Store) RemoveACLUser(channel, accountTag, userID string) (bool, error) {
	res, err := s.db.Exec(
		`DELETE FROM acl_entries WHERE channel = ? AND account_tag = ? AND user_id = ?`,
		channel, accountTag, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListACL returns the dynamic entries of one account ordered by role then id.
func (s *Store) ListACL(channel, accountTag string) ([]ACLEntry, error) {
	rows, err := s.db.Query(
		`SELECT channel, account_tag, user_id, role, source, created_at, updated_at
		   FROM acl_entries
		  WHERE channel = ? AND account_tag = ?
		  ORDER BY role, user_id`,
		channel, accountTag)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ACLEntry
	for rows.Next() {
		var e ACLEntry
		var role, created, updated string
		if err := rows.Scan(&e.Channel, &e.AccountTag, &e.UserID, &role, &e.Source, &created, &updated); err != nil {
			return nil, err
		}
		e.Role = domain.ParseRole(role)
		if t, ok := parseOptionalTime(created); ok {
			e.CreatedAt = t
		}
		if t, ok := parseOptionalTime(updated); ok {
			e.UpdatedAt = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetToolPolicy returns the stored user tool policy of an account, or nil.
func (s *Store) GetToolPolicy(channel, accountTag string) (*ToolPolicy, error) {
	var mode, allowedJSON string
	err := s.db.QueryRow(
		`SELECT mode, allowed_json FROM acl_tool_policy WHERE channel = ? AND account_tag = ?`,
		channel, accountTag).Scan(&mode, &allowedJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p := &ToolPolicy{Mode: mode}
	if err := json.Unmarshal([]byte(allowedJSON), &p.Allowed); err != nil {
		return nil, fmt.Errorf("decode tool policy: %w", err)
	}
	return p, nil
}

// PutToolPolicy stores the user tool policy of an account.
func (s *Store) PutToolPolicy(channel, accountTag string, p ToolPolicy) error {
	allowed := p.Allowed
	if allowed == nil {
		allowed = []string{}
	}
	data, err := json.Marshal(allowed)
	if err != nil {
		return fmt.Errorf("encode tool policy: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO acl_tool_policy (channel, account_tag, mode, allowed_json, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(channel, account_tag)
		 DO UPDATE SET mode = excluded.mode, allowed_json = excluded.allowed_json, updated_at = excluded.updated_at`,
		channel, accountTag, p.Mode, string(data), formatTime(time.Now()))
	return err
}

// DeleteToolPolicy drops the override so the configured policy applies again.
func (s *Store) DeleteToolPolicy(channel, accountTag string) error {
	_, err := s.db.Exec(
		`DELETE FROM acl_tool_policy WHERE channel = ? AND account_tag = ?`, channel, accountTag)
	return err
}
