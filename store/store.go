// Package store persists sessions, messages, and parts in an embedded
// SQLite database. It is the single source of truth for conversation
// history: writes are durable before the call returns, appends to the same
// session are serialized, and appends to different sessions proceed
// concurrently.
package store

import (
	"context"
	"database/sql"
	"sync"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// Store wraps the SQLite handle and the per-session write locks.
type Store struct {
	db *sql.DB

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New opens (or creates) the database at dsn and runs migrations. A dsn of
// ":memory:" yields an ephemeral store for tests.
func New(ctx context.Context, dsn string) (*Store, error) {
	sep := "?"
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
		sep = "&"
	}
	db, err := sql.Open("sqlite", dsn+sep+"_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite database")
	}
	// SQLite allows one writer at a time; a single connection avoids
	// SQLITE_BUSY churn under concurrent session appends.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:    db,
		locks: make(map[string]*sync.Mutex),
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS session (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			uid        TEXT NOT NULL UNIQUE,
			title      TEXT NOT NULL,
			created_ts INTEGER NOT NULL,
			updated_ts INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS message (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			uid        TEXT NOT NULL UNIQUE,
			session_id INTEGER NOT NULL REFERENCES session(id) ON DELETE CASCADE,
			seq        INTEGER NOT NULL,
			role       TEXT NOT NULL,
			created_ts INTEGER NOT NULL,
			UNIQUE(session_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS part (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			uid        TEXT NOT NULL,
			message_id INTEGER NOT NULL REFERENCES message(id) ON DELETE CASCADE,
			ordinal    INTEGER NOT NULL,
			type       TEXT NOT NULL,
			content    TEXT NOT NULL DEFAULT '',
			tool_name  TEXT NOT NULL DEFAULT '',
			call_id    TEXT NOT NULL DEFAULT '',
			input      TEXT NOT NULL DEFAULT '',
			output     TEXT NOT NULL DEFAULT '',
			state      TEXT NOT NULL DEFAULT '',
			ok         INTEGER NOT NULL DEFAULT 0,
			UNIQUE(message_id, uid),
			UNIQUE(message_id, ordinal)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_message_session ON message(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_part_message ON part(message_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "apply schema")
		}
	}
	return nil
}

// sessionLock returns the write lock for a session, creating it on first use.
func (s *Store) sessionLock(sessionUID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[sessionUID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[sessionUID] = lock
	}
	return lock
}

// sessionID resolves a session UID to its row id.
func (s *Store) sessionID(ctx context.Context, sessionUID string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM session WHERE uid = ?`, sessionUID).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, errors.Wrapf(ErrSessionNotFound, "uid %s", sessionUID)
	}
	if err != nil {
		return 0, errors.Wrap(err, "resolve session")
	}
	return id, nil
}
