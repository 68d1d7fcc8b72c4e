package statedb

// migration is one idempotent schema statement, applied in order.
type migration struct {
	name string
	stmt string
}

var migrations = []migration{
	{"metadata", `
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`},
	{"messages", `
		CREATE TABLE IF NOT EXISTS messages (
			user_id     INTEGER NOT NULL,
			thread_id   INTEGER NOT NULL,
			message_id  INTEGER NOT NULL,
			window_id   TEXT NOT NULL DEFAULT '',
			kind        TEXT NOT NULL DEFAULT 'text',
			tool_use_id TEXT NOT NULL DEFAULT '',
			text        TEXT NOT NULL DEFAULT '',
			sent_at     INTEGER NOT NULL,
			PRIMARY KEY (user_id, thread_id, message_id)
		)`},
	{"messages tool index", `
		CREATE INDEX IF NOT EXISTS idx_messages_tool
		ON messages (user_id, thread_id, tool_use_id)`},
	{"messages time index", `
		CREATE INDEX IF NOT EXISTS idx_messages_sent ON messages (sent_at)`},
	// v2: pending tool invocations survive restarts
	{"pending_tools", `
		CREATE TABLE IF NOT EXISTS pending_tools (
			session_key TEXT PRIMARY KEY,
			data        TEXT NOT NULL,
			updated_at  INTEGER NOT NULL
		)`},
	{"heartbeats", `
		CREATE TABLE IF NOT EXISTS instance_heartbeats (
			pid        INTEGER PRIMARY KEY,
			started    INTEGER NOT NULL,
			heartbeat  INTEGER NOT NULL,
			is_primary INTEGER NOT NULL DEFAULT 0
		)`},
}
