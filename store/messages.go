package store

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one transcript entry.
type Message struct {
	ID        int64
	SessionID string
	Role      string
	Content   string
	CreatedAt int64 // epoch ms
}

// AppendMessage appends one transcript entry for a session.
func (s *Store) AppendMessage(sessionID, role, content string, at int64) error {
	if at == 0 {
		at = nowMillis()
	}
	_, err := s.exec(
		"INSERT INTO messages (session_id, role, content, created_at) VALUES (?, ?, ?, ?)",
		sessionID, role, content, at,
	)
	return err
}

// LoadMessages returns a session's transcript oldest first.
func (s *Store) LoadMessages(sessionID string) ([]*Message, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, role, content, created_at
		FROM messages WHERE session_id = ?
		ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}

// CountMessages returns the number of transcript entries for a session.
func (s *Store) CountMessages(sessionID string) (int, error) {
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM messages WHERE session_id = ?", sessionID,
	).Scan(&n)
	return n, err
}
