package statedb

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

// SchemaVersion tracks the current database schema version.
// Bump this when adding migrations.
const SchemaVersion = 2

// StateDB wraps a SQLite database holding the chat message-history cache,
// persisted pending tool invocations and the instance heartbeat table.
// Thread-safe for concurrent use from multiple goroutines within one process.
// Multiple OS processes can safely read/write via WAL mode + busy timeout.
type StateDB struct {
	db  *sql.DB
	pid int
	now func() time.Time
}

// MessageRow is one delivered chat message.
type MessageRow struct {
	UserID    int64
	ThreadID  int64
	WindowID  string
	MessageID int
	Kind      string // content kind: text, thinking, tool_use, tool_result, status, ...
	ToolUseID string
	Text      string
	SentAt    time.Time
}

// Open creates or opens a SQLite database at dbPath with WAL mode and busy timeout.
func Open(dbPath string) (*StateDB, error) {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("statedb: mkdir: %w", err)
	}

	// busy_timeout is per connection, so it rides on the DSN for every pooled conn
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}

	// WAL mode: allows concurrent readers while writing
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: wal mode: %w", err)
	}

	// Busy timeout: wait up to 5s if another process holds a lock
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: busy timeout: %w", err)
	}

	return &StateDB{db: db, pid: os.Getpid(), now: time.Now}, nil
}

// Close checkpoints WAL and closes the database.
func (s *StateDB) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// DB returns the underlying sql.DB for advanced use cases (e.g., testing).
func (s *StateDB) DB() *sql.DB {
	return s.db
}

// Migrate creates tables if they don't exist and runs any pending migrations.
func (s *StateDB) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range migrations {
		if _, err := tx.Exec(m.stmt); err != nil {
			return fmt.Errorf("statedb: create %s: %w", m.name, err)
		}
	}

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)
	`, strconv.Itoa(SchemaVersion)); err != nil {
		return fmt.Errorf("statedb: set schema version: %w", err)
	}

	return tx.Commit()
}

// --- Message history ---

// RecordMessage stores a delivered message. Re-recording the same
// (user, thread, message id) replaces the row, so edits keep the cache current.
func (s *StateDB) RecordMessage(m MessageRow) error {
	sent := m.SentAt
	if sent.IsZero() {
		sent = s.now()
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO messages
			(user_id, thread_id, message_id, window_id, kind, tool_use_id, text, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, m.UserID, m.ThreadID, m.MessageID, m.WindowID, m.Kind, m.ToolUseID, m.Text, sent.UnixMilli())
	if err != nil {
		return fmt.Errorf("statedb: record message: %w", err)
	}
	return nil
}

// ToolMessage returns the message id a tool_use was delivered as in a topic.
func (s *StateDB) ToolMessage(userID, threadID int64, toolUseID string) (int, bool, error) {
	var id int
	err := s.db.QueryRow(`
		SELECT message_id FROM messages
		WHERE user_id = ? AND thread_id = ? AND tool_use_id = ? AND kind = 'tool_use'
		ORDER BY sent_at DESC LIMIT 1
	`, userID, threadID, toolUseID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("statedb: tool message: %w", err)
	}
	return id, true, nil
}

// RecentMessages returns up to limit messages of a topic, oldest first.
func (s *StateDB) RecentMessages(userID, threadID int64, limit int) ([]MessageRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT user_id, thread_id, message_id, window_id, kind, tool_use_id, text, sent_at
		FROM messages WHERE user_id = ? AND thread_id = ?
		ORDER BY sent_at DESC, message_id DESC LIMIT ?
	`, userID, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("statedb: recent messages: %w", err)
	}
	defer rows.Close()

	var out []MessageRow
	for rows.Next() {
		var m MessageRow
		var sent int64
		if err := rows.Scan(&m.UserID, &m.ThreadID, &m.MessageID, &m.WindowID,
			&m.Kind, &m.ToolUseID, &m.Text, &sent); err != nil {
			return nil, fmt.Errorf("statedb: scan message: %w", err)
		}
		m.SentAt = time.UnixMilli(sent)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ForgetTopic drops every cached message of a topic.
func (s *StateDB) ForgetTopic(userID, threadID int64) error {
	_, err := s.db.Exec("DELETE FROM messages WHERE user_id = ? AND thread_id = ?", userID, threadID)
	return err
}

// PruneMessages deletes messages sent before cutoff and returns how many went.
func (s *StateDB) PruneMessages(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM messages WHERE sent_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("statedb: prune messages: %w", err)
	}
	return res.RowsAffected()
}

// --- Pending tool invocations ---

// SavePending stores the serialized pending map of a tracked session.
func (s *StateDB) SavePending(sessionKey string, data []byte) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO pending_tools (session_key, data, updated_at) VALUES (?, ?, ?)
	`, sessionKey, string(data), s.now().Unix())
	if err != nil {
		return fmt.Errorf("statedb: save pending: %w", err)
	}
	return nil
}

// LoadPending returns the stored pending map, or nil when none is stored.
func (s *StateDB) LoadPending(sessionKey string) ([]byte, error) {
	var data string
	err := s.db.QueryRow("SELECT data FROM pending_tools WHERE session_key = ?", sessionKey).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("statedb: load pending: %w", err)
	}
	return []byte(data), nil
}

// DeletePending forgets a session's pending map.
func (s *StateDB) DeletePending(sessionKey string) error {
	_, err := s.db.Exec("DELETE FROM pending_tools WHERE session_key = ?", sessionKey)
	return err
}

// PendingKeys lists every session key with a stored pending map.
func (s *StateDB) PendingKeys() ([]string, error) {
	rows, err := s.db.Query("SELECT session_key FROM pending_tools ORDER BY session_key")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Heartbeat ---

// RegisterInstance records this process as a running bridge.
func (s *StateDB) RegisterInstance(isPrimary bool) error {
	now := s.now().Unix()
	primary := 0
	if isPrimary {
		primary = 1
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO instance_heartbeats (pid, started, heartbeat, is_primary)
		VALUES (?, ?, ?, ?)
	`, s.pid, now, now, primary)
	return err
}

// Heartbeat updates the heartbeat timestamp for this process.
func (s *StateDB) Heartbeat() error {
	_, err := s.db.Exec(
		"UPDATE instance_heartbeats SET heartbeat = ? WHERE pid = ?",
		s.now().Unix(), s.pid,
	)
	return err
}

// UnregisterInstance removes this process from the heartbeat table.
func (s *StateDB) UnregisterInstance() error {
	_, err := s.db.Exec("DELETE FROM instance_heartbeats WHERE pid = ?", s.pid)
	return err
}

// CleanDeadInstances removes heartbeat entries that haven't been updated within timeout.
func (s *StateDB) CleanDeadInstances(timeout time.Duration) error {
	cutoff := s.now().Add(-timeout).Unix()
	_, err := s.db.Exec("DELETE FROM instance_heartbeats WHERE heartbeat < ?", cutoff)
	return err
}

// AliveInstanceCount returns how many bridges have fresh heartbeats.
func (s *StateDB) AliveInstanceCount(timeout time.Duration) (int, error) {
	var count int
	cutoff := s.now().Add(-timeout).Unix()
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM instance_heartbeats WHERE heartbeat >= ?", cutoff,
	).Scan(&count)
	return count, err
}

// --- Primary Election ---

// ElectPrimary attempts to make this instance the primary. Only the primary
// long-polls Telegram; a second getUpdates consumer would be rejected by the API.
// Returns true if this instance is now (or already was) the primary.
func (s *StateDB) ElectPrimary(timeout time.Duration) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("statedb: begin elect: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := s.now().Add(-timeout).Unix()

	if _, err := tx.Exec(
		"UPDATE instance_heartbeats SET is_primary = 0 WHERE heartbeat < ? AND is_primary = 1",
		cutoff,
	); err != nil {
		return false, fmt.Errorf("statedb: clear stale primary: %w", err)
	}

	var existingPID int
	err = tx.QueryRow(
		"SELECT pid FROM instance_heartbeats WHERE is_primary = 1 AND heartbeat >= ? LIMIT 1",
		cutoff,
	).Scan(&existingPID)

	if err == nil {
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("statedb: commit elect: %w", err)
		}
		return existingPID == s.pid, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("statedb: query primary: %w", err)
	}

	// No alive primary exists: claim it
	if _, err := tx.Exec(
		"UPDATE instance_heartbeats SET is_primary = 1 WHERE pid = ?",
		s.pid,
	); err != nil {
		return false, fmt.Errorf("statedb: claim primary: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("statedb: commit elect: %w", err)
	}
	return true, nil
}

// ResignPrimary clears the is_primary flag for this process.
func (s *StateDB) ResignPrimary() error {
	_, err := s.db.Exec(
		"UPDATE instance_heartbeats SET is_primary = 0 WHERE pid = ?",
		s.pid,
	)
	return err
}

// --- Metadata ---

// SetMeta sets a key-value pair in the metadata table.
func (s *StateDB) SetMeta(key, value string) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta gets a value from the metadata table. Returns "" if not found.
func (s *StateDB) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}
