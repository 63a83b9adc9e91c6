package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"
)

// CreateSession creates a new session with a fresh shortuuid. An empty
// title defaults to DefaultSessionTitle.
func (s *Store) CreateSession(ctx context.Context, title string) (*Session, error) {
	if title == "" {
		title = DefaultSessionTitle
	}
	now := time.Now()
	uid := shortuuid.New()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session (uid, title, created_ts, updated_ts) VALUES (?, ?, ?, ?)`,
		uid, title, now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create session")
	}
	return &Session{UID: uid, Title: title, CreatedAt: now, UpdatedAt: now}, nil
}

// GetSession returns the session with the given UID, or ErrSessionNotFound.
func (s *Store) GetSession(ctx context.Context, uid string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT uid, title, created_ts, updated_ts FROM session WHERE uid = ?`, uid)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(ErrSessionNotFound, "uid %s", uid)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get session")
	}
	return sess, nil
}

// ListSessions returns session summaries ordered most recently updated first.
func (s *Store) ListSessions(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT uid, title, created_ts, updated_ts FROM session ORDER BY updated_ts DESC, id DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "list sessions")
	}
	defer rows.Close()

	var list []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan session")
		}
		list = append(list, sess)
	}
	return list, errors.Wrap(rows.Err(), "list sessions")
}

// UpdateSession updates a session's mutable fields.
func (s *Store) UpdateSession(ctx context.Context, update *UpdateSession) (*Session, error) {
	if update.Title == nil {
		return s.GetSession(ctx, update.UID)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE session SET title = ?, updated_ts = ? WHERE uid = ?`,
		*update.Title, time.Now().UnixMilli(), update.UID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "update session")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, errors.Wrapf(ErrSessionNotFound, "uid %s", update.UID)
	}
	return s.GetSession(ctx, update.UID)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var createdTs, updatedTs int64
	if err := row.Scan(&sess.UID, &sess.Title, &createdTs, &updatedTs); err != nil {
		return nil, err
	}
	sess.CreatedAt = time.UnixMilli(createdTs)
	sess.UpdatedAt = time.UnixMilli(updatedTs)
	return &sess, nil
}
