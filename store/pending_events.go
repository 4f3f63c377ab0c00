package store

import "database/sql"

// PendingEvent is an agent event buffered while no client was attached.
type PendingEvent struct {
	ID         int64
	SessionID  string
	Seq        int64
	Type       string
	Payload    string // JSON-encoded frame
	EnqueuedAt int64  // epoch ms
}

// EnqueueEvent buffers an event for a detached session and returns its
// per-session sequence number.
func (s *Store) EnqueueEvent(sessionID, eventType, payload string) (int64, error) {
	var seq int64
	err := s.Transaction(func(tx *sql.Tx) error {
		row := tx.QueryRow(
			"SELECT COALESCE(MAX(seq), 0) + 1 FROM pending_events WHERE session_id = ?",
			sessionID,
		)
		if err := row.Scan(&seq); err != nil {
			return err
		}
		_, err := tx.Exec(
			"INSERT INTO pending_events (session_id, seq, type, payload, enqueued_at) VALUES (?, ?, ?, ?, ?)",
			sessionID, seq, eventType, payload, nowMillis(),
		)
		return err
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// DrainEvents returns all buffered events for a session in enqueue order.
func (s *Store) DrainEvents(sessionID string) ([]*PendingEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, seq, type, payload, enqueued_at
		FROM pending_events WHERE session_id = ?
		ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*PendingEvent
	for rows.Next() {
		var e PendingEvent
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Seq, &e.Type, &e.Payload, &e.EnqueuedAt); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// PurgeEvents deletes buffered events up to and including upToSeq.
func (s *Store) PurgeEvents(sessionID string, upToSeq int64) error {
	_, err := s.exec(
		"DELETE FROM pending_events WHERE session_id = ? AND seq <= ?",
		sessionID, upToSeq,
	)
	return err
}
