// Package sqlite implements store.Gateway using SQLite.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/an-siuu-man/headstart/model"
	"github.com/an-siuu-man/headstart/store"
)

// Store manages session, run, document, and message persistence in SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite database at the given path.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent read/write performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id              TEXT PRIMARY KEY,
			user_id         TEXT NOT NULL,
			assignment_uuid TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL DEFAULT 'queued',
			payload         TEXT NOT NULL DEFAULT '{}',
			message_seq     INTEGER NOT NULL DEFAULT 0,
			created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
			updated_at      DATETIME NOT NULL DEFAULT (datetime('now'))
		);

		CREATE TABLE IF NOT EXISTS runs (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id      TEXT NOT NULL,
			assignment_uuid TEXT NOT NULL DEFAULT '',
			attempt         INTEGER NOT NULL,
			status          TEXT NOT NULL DEFAULT 'running',
			error           TEXT NOT NULL DEFAULT '',
			created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
			updated_at      DATETIME NOT NULL DEFAULT (datetime('now')),
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);

		CREATE INDEX IF NOT EXISTS idx_runs_session_id
			ON runs(session_id);

		CREATE TABLE IF NOT EXISTS attachments (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id     INTEGER NOT NULL,
			filename   TEXT NOT NULL,
			size_bytes INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT (datetime('now')),
			FOREIGN KEY (run_id) REFERENCES runs(id)
		);

		CREATE TABLE IF NOT EXISTS documents (
			run_id     INTEGER PRIMARY KEY,
			body       TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT (datetime('now')),
			FOREIGN KEY (run_id) REFERENCES runs(id)
		);

		CREATE TABLE IF NOT EXISTS messages (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id    TEXT NOT NULL,
			message_index INTEGER NOT NULL,
			role          TEXT NOT NULL,
			content       TEXT NOT NULL DEFAULT '',
			format        TEXT NOT NULL DEFAULT 'markdown',
			streaming     INTEGER NOT NULL DEFAULT 0,
			completed     INTEGER NOT NULL DEFAULT 0,
			failed        INTEGER NOT NULL DEFAULT 0,
			created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
			FOREIGN KEY (session_id) REFERENCES sessions(id),
			UNIQUE (session_id, message_index)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session_id
			ON messages(session_id);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Sessions ---

// CreateSession inserts a new session.
func (s *Store) CreateSession(sess *model.Session) error {
	payload, err := json.Marshal(sess.Payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO sessions (id, user_id, assignment_uuid, status, payload, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.AssignmentUUID, sess.Status, string(payload),
		sess.CreatedAt, sess.UpdatedAt,
	)
	return err
}

// GetSession retrieves a session by ID, including the guide markdown of its
// most recent successful run.
func (s *Store) GetSession(id string) (*model.Session, error) {
	row := s.db.QueryRow(
		`SELECT id, user_id, assignment_uuid, status, payload, created_at, updated_at
		 FROM sessions WHERE id = ?`, id,
	)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	body, err := s.LatestDocument(id)
	if err != nil && err != store.ErrNotFound {
		return nil, err
	}
	sess.GuideMarkdown = body
	return sess, nil
}

// ListSessions returns all sessions ordered by creation time (newest first).
func (s *Store) ListSessions() ([]*model.Session, error) {
	rows, err := s.db.Query(
		`SELECT id, user_id, assignment_uuid, status, payload, created_at, updated_at
		 FROM sessions ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateSessionStatus updates a session's status and stamps updated_at.
func (s *Store) UpdateSessionStatus(id string, status model.Status) error {
	res, err := s.db.Exec(
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// --- Runs ---

// CreateRun inserts a new run record with the next attempt number for the
// assignment (falling back to per-session numbering when no assignment uuid
// is known).
func (s *Store) CreateRun(sessionID, assignmentUUID string) (*model.Run, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var attempt int
	if assignmentUUID != "" {
		err = tx.QueryRow(
			`SELECT COALESCE(MAX(attempt), 0) + 1 FROM runs WHERE assignment_uuid = ?`,
			assignmentUUID,
		).Scan(&attempt)
	} else {
		err = tx.QueryRow(
			`SELECT COALESCE(MAX(attempt), 0) + 1 FROM runs WHERE session_id = ?`,
			sessionID,
		).Scan(&attempt)
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	res, err := tx.Exec(
		`INSERT INTO runs (session_id, assignment_uuid, attempt, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, assignmentUUID, attempt, model.RunRunning, now, now,
	)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &model.Run{
		ID:             id,
		SessionID:      sessionID,
		AssignmentUUID: assignmentUUID,
		Attempt:        attempt,
		Status:         model.RunRunning,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// UpdateRunStatus marks a run succeeded or failed.
func (s *Store) UpdateRunStatus(runID int64, status model.RunStatus, errMsg string) error {
	res, err := s.db.Exec(
		`UPDATE runs SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		status, errMsg, time.Now().UTC(), runID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// --- Attachments ---

// AddAttachment records attachment metadata for a run.
func (s *Store) AddAttachment(att *model.Attachment) error {
	if att.CreatedAt.IsZero() {
		att.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.Exec(
		`INSERT INTO attachments (run_id, filename, size_bytes, created_at)
		 VALUES (?, ?, ?, ?)`,
		att.RunID, att.Filename, att.SizeBytes, att.CreatedAt,
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	att.ID = id
	return nil
}

// --- Documents ---

// UpsertDocument writes the generated guide body for a run (one per run).
func (s *Store) UpsertDocument(runID int64, body string) error {
	_, err := s.db.Exec(
		`INSERT INTO documents (run_id, body, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (run_id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		runID, body, time.Now().UTC(),
	)
	return err
}

// LatestDocument returns the guide body of the session's most recent
// successful run, or store.ErrNotFound when none exists.
func (s *Store) LatestDocument(sessionID string) (string, error) {
	var body string
	err := s.db.QueryRow(
		`SELECT d.body FROM documents d
		 JOIN runs r ON r.id = d.run_id
		 WHERE r.session_id = ? AND r.status = ?
		 ORDER BY r.attempt DESC
		 LIMIT 1`,
		sessionID, model.RunSucceeded,
	).Scan(&body)
	if err == sql.ErrNoRows {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return body, nil
}

// --- Messages ---

// AppendMessage inserts a message with the session's next message index.
// The index comes from a per-session counter bumped inside one transaction,
// so indexes are strictly increasing and never reused even under concurrent
// sends.
func (s *Store) AppendMessage(msg *model.ChatMessage) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE sessions SET message_seq = message_seq + 1 WHERE id = ?`,
		msg.SessionID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}

	var seq int
	if err := tx.QueryRow(
		`SELECT message_seq FROM sessions WHERE id = ?`, msg.SessionID,
	).Scan(&seq); err != nil {
		return err
	}
	msg.MessageIndex = seq - 1

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.Format == "" {
		msg.Format = model.FormatMarkdown
	}
	ins, err := tx.Exec(
		`INSERT INTO messages (session_id, message_index, role, content, format, streaming, completed, failed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.SessionID, msg.MessageIndex, msg.Role, msg.Content, msg.Format,
		boolInt(msg.Meta.Streaming), boolInt(msg.Meta.Completed), boolInt(msg.Meta.Failed),
		msg.CreatedAt,
	)
	if err != nil {
		return err
	}
	id, err := ins.LastInsertId()
	if err != nil {
		return err
	}
	msg.ID = id
	return tx.Commit()
}

// UpdateMessage replaces a message's content and streaming flags in place.
func (s *Store) UpdateMessage(id int64, content string, meta model.MessageMeta) error {
	res, err := s.db.Exec(
		`UPDATE messages SET content = ?, streaming = ?, completed = ?, failed = ? WHERE id = ?`,
		content, boolInt(meta.Streaming), boolInt(meta.Completed), boolInt(meta.Failed), id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// GetMessages returns all messages for a session ordered by message index.
func (s *Store) GetMessages(sessionID string) ([]*model.ChatMessage, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, message_index, role, content, format, streaming, completed, failed, created_at
		 FROM messages
		 WHERE session_id = ?
		 ORDER BY message_index ASC`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*model.ChatMessage
	for rows.Next() {
		m := &model.ChatMessage{}
		var streaming, completed, failed int
		if err := rows.Scan(
			&m.ID, &m.SessionID, &m.MessageIndex, &m.Role, &m.Content, &m.Format,
			&streaming, &completed, &failed, &m.CreatedAt,
		); err != nil {
			return nil, err
		}
		m.Meta = model.MessageMeta{
			Streaming: streaming != 0,
			Completed: completed != 0,
			Failed:    failed != 0,
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// --- Scan helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*model.Session, error) {
	sess := &model.Session{}
	var payload string
	err := row.Scan(
		&sess.ID, &sess.UserID, &sess.AssignmentUUID, &sess.Status,
		&payload, &sess.CreatedAt, &sess.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &sess.Payload); err != nil {
			return nil, fmt.Errorf("decoding payload for session %s: %w", sess.ID, err)
		}
	}
	return sess, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
