package store

import "database/sql"

func init() {
	RegisterMigration(Migration{
		Version:     1,
		Description: "Create sessions, messages, allowed_tools and pending_events tables",
		Up:          migration001Up,
	})
}

func migration001Up(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			owner_username TEXT NOT NULL,
			owner_uid INTEGER NOT NULL,
			owner_gid INTEGER NOT NULL,
			owner_home TEXT NOT NULL,
			working_dir TEXT NOT NULL,
			mode TEXT NOT NULL DEFAULT 'plan',
			web_search INTEGER NOT NULL DEFAULT 0,
			agent_session_id TEXT,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			last_activity INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_active
			ON sessions(is_active, last_activity DESC);

		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session
			ON messages(session_id, created_at);

		CREATE TABLE IF NOT EXISTS allowed_tools (
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			tool_name TEXT NOT NULL,
			allowed_at INTEGER NOT NULL,
			UNIQUE(session_id, tool_name)
		);

		CREATE TABLE IF NOT EXISTS pending_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			payload TEXT NOT NULL,
			enqueued_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_pending_events_session
			ON pending_events(session_id, seq);
	`)
	return err
}
