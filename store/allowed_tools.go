package store

// AllowTool records an "allow all" grant for a tool in a session.
// Re-granting an already allowed tool is a no-op.
func (s *Store) AllowTool(sessionID, toolName string) error {
	_, err := s.exec(
		"INSERT OR IGNORE INTO allowed_tools (session_id, tool_name, allowed_at) VALUES (?, ?, ?)",
		sessionID, toolName, nowMillis(),
	)
	return err
}

// AllowedToolsFor returns the tool names granted for a session, oldest grant first.
func (s *Store) AllowedToolsFor(sessionID string) ([]string, error) {
	rows, err := s.db.Query(
		"SELECT tool_name FROM allowed_tools WHERE session_id = ? ORDER BY allowed_at ASC",
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tools []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tools = append(tools, name)
	}
	return tools, rows.Err()
}

// ClearAllowedTools drops all grants for a session.
func (s *Store) ClearAllowedTools(sessionID string) error {
	_, err := s.exec("DELETE FROM allowed_tools WHERE session_id = ?", sessionID)
	return err
}
