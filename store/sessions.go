package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Permission modes for a session.
const (
	ModeDefault     = "default"
	ModeAcceptEdits = "acceptEdits"
	ModePlan        = "plan"
)

// Session is a persisted conversation row.
type Session struct {
	ID             string
	Name           string
	OwnerUsername  string
	OwnerUID       int
	OwnerGID       int
	OwnerHome      string
	WorkingDir     string
	Mode           string
	WebSearch      bool
	AgentSessionID string // empty until the agent reports one
	IsActive       bool
	CreatedAt      int64 // epoch ms
	LastActivity   int64 // epoch ms
}

// CreateSession inserts a new active session row.
func (s *Store) CreateSession(sess *Session) error {
	if sess.Mode == "" {
		sess.Mode = ModePlan
	}
	now := nowMillis()
	if sess.CreatedAt == 0 {
		sess.CreatedAt = now
	}
	if sess.LastActivity == 0 {
		sess.LastActivity = now
	}
	sess.IsActive = true

	_, err := s.exec(`
		INSERT INTO sessions (
			id, name, owner_username, owner_uid, owner_gid, owner_home,
			working_dir, mode, web_search, agent_session_id, is_active,
			created_at, last_activity
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		sess.ID, sess.Name, sess.OwnerUsername, sess.OwnerUID, sess.OwnerGID,
		sess.OwnerHome, sess.WorkingDir, sess.Mode, boolToInt(sess.WebSearch),
		nullableString(sess.AgentSessionID), sess.CreatedAt, sess.LastActivity,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession loads one session row by id, active or not.
func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(`
		SELECT id, name, owner_username, owner_uid, owner_gid, owner_home,
		       working_dir, mode, web_search, agent_session_id, is_active,
		       created_at, last_activity
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ListActiveSessions returns active sessions ordered by last activity, newest first.
func (s *Store) ListActiveSessions() ([]*Session, error) {
	rows, err := s.db.Query(`
		SELECT id, name, owner_username, owner_uid, owner_gid, owner_home,
		       working_dir, mode, web_search, agent_session_id, is_active,
		       created_at, last_activity
		FROM sessions WHERE is_active = 1
		ORDER BY last_activity DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateSessionName renames a session.
func (s *Store) UpdateSessionName(id, name string) error {
	return s.updateField(id, "name", name)
}

// UpdateSessionMode persists a permission mode change.
func (s *Store) UpdateSessionMode(id, mode string) error {
	return s.updateField(id, "mode", mode)
}

// UpdateSessionWebSearch persists the web-search toggle.
func (s *Store) UpdateSessionWebSearch(id string, enabled bool) error {
	return s.updateField(id, "web_search", boolToInt(enabled))
}

// UpdateSessionAgentID persists the agent-assigned session id used for resume.
func (s *Store) UpdateSessionAgentID(id, agentSessionID string) error {
	return s.updateField(id, "agent_session_id", agentSessionID)
}

// TouchSession bumps last_activity, never moving it backwards.
func (s *Store) TouchSession(id string, at int64) error {
	res, err := s.exec(
		"UPDATE sessions SET last_activity = ? WHERE id = ? AND last_activity <= ?",
		at, id, at,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Row missing or a newer activity already recorded; both are fine.
		return nil
	}
	return nil
}

// DeactivateSession soft-deletes a session; transcript rows are retained.
func (s *Store) DeactivateSession(id string) error {
	res, err := s.exec("UPDATE sessions SET is_active = 0 WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession hard-deletes a session; messages, allowed_tools and
// pending_events cascade.
func (s *Store) DeleteSession(id string) error {
	res, err := s.exec("DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ExpiredSessions returns active sessions whose last activity is older than cutoff.
func (s *Store) ExpiredSessions(cutoffActivity int64) ([]string, error) {
	rows, err := s.db.Query(
		"SELECT id FROM sessions WHERE is_active = 1 AND last_activity < ?",
		cutoffActivity,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) updateField(id, column string, value any) error {
	res, err := s.exec(
		fmt.Sprintf("UPDATE sessions SET %s = ? WHERE id = ?", column),
		value, id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var webSearch, isActive int
	var agentSessionID sql.NullString

	err := row.Scan(
		&sess.ID, &sess.Name, &sess.OwnerUsername, &sess.OwnerUID,
		&sess.OwnerGID, &sess.OwnerHome, &sess.WorkingDir, &sess.Mode,
		&webSearch, &agentSessionID, &isActive,
		&sess.CreatedAt, &sess.LastActivity,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	sess.WebSearch = webSearch != 0
	sess.IsActive = isActive != 0
	sess.AgentSessionID = agentSessionID.String
	return &sess, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
