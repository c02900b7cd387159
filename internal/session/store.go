package session

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store persists session metadata and transcripts so listings survive a
// daemon restart. Single connection, WAL, schema created on open.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the history database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	schema := `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);
`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create session schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertSession writes a session's metadata.
func (s *Store) UpsertSession(sess Session) error {
	_, err := s.db.Exec(`
INSERT INTO sessions (id, title, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET title=excluded.title, status=excluded.status, updated_at=excluded.updated_at`,
		sess.ID, sess.Title, string(sess.Status), sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", sess.ID, err)
	}
	return nil
}

// ListSessions returns all sessions, newest first.
func (s *Store) ListSessions() ([]Session, error) {
	rows, err := s.db.Query(`SELECT id, title, status, created_at, updated_at FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var status string
		if err := rows.Scan(&sess.ID, &sess.Title, &status, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.Status = Status(status)
		out = append(out, sess)
	}
	return out, rows.Err()
}

// GetSession returns one session's metadata, or sql.ErrNoRows wrapped.
func (s *Store) GetSession(id string) (Session, error) {
	var sess Session
	var status string
	err := s.db.QueryRow(`SELECT id, title, status, created_at, updated_at FROM sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.Title, &status, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return Session{}, err
	}
	sess.Status = Status(status)
	return sess, nil
}

// AppendMessage stores one transcript message.
func (s *Store) AppendMessage(sessionID string, msg Message) error {
	_, err := s.db.Exec(`INSERT INTO messages (id, session_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, sessionID, msg.Role, msg.Content, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("append message to %s: %w", sessionID, err)
	}
	return nil
}

// Messages returns a session's transcript in insertion order.
func (s *Store) Messages(sessionID string) ([]Message, error) {
	rows, err := s.db.Query(`SELECT id, role, content, created_at FROM messages WHERE session_id = ? ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load messages for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}
