package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// AppendMessage durably appends a message and its parts to a session.
// Appends to the same session are serialized; the message is assigned the
// next sequence number inside the transaction. Missing UIDs are filled in.
func (s *Store) AppendMessage(ctx context.Context, sessionUID string, msg *Message) error {
	lock := s.sessionLock(sessionUID)
	lock.Lock()
	defer lock.Unlock()

	sessionID, err := s.sessionID(ctx, sessionUID)
	if err != nil {
		return err
	}

	if msg.UID == "" {
		msg.UID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin append")
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM message WHERE session_id = ?`, sessionID,
	).Scan(&seq); err != nil {
		return errors.Wrap(err, "next sequence")
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO message (uid, session_id, seq, role, created_ts) VALUES (?, ?, ?, ?, ?)`,
		msg.UID, sessionID, seq, string(msg.Role), msg.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return errors.Wrap(err, "insert message")
	}
	messageID, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "message id")
	}

	for i := range msg.Parts {
		if msg.Parts[i].UID == "" {
			msg.Parts[i].UID = uuid.New().String()
		}
		if err := insertPart(ctx, tx, messageID, i, &msg.Parts[i]); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE session SET updated_ts = ? WHERE id = ?`,
		time.Now().UnixMilli(), sessionID,
	); err != nil {
		return errors.Wrap(err, "touch session")
	}

	return errors.Wrap(tx.Commit(), "commit append")
}

// AppendPart durably appends a single part to an existing message.
func (s *Store) AppendPart(ctx context.Context, sessionUID, messageUID string, part *Part) error {
	lock := s.sessionLock(sessionUID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.sessionID(ctx, sessionUID); err != nil {
		return err
	}
	if part.UID == "" {
		part.UID = uuid.New().String()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin append part")
	}
	defer tx.Rollback()

	var messageID int64
	if err := tx.QueryRowContext(ctx,
		`SELECT id FROM message WHERE uid = ?`, messageUID,
	).Scan(&messageID); err != nil {
		if err == sql.ErrNoRows {
			return errors.Wrapf(ErrPartNotFound, "message %s", messageUID)
		}
		return errors.Wrap(err, "resolve message")
	}

	var ordinal int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(ordinal), -1) + 1 FROM part WHERE message_id = ?`, messageID,
	).Scan(&ordinal); err != nil {
		return errors.Wrap(err, "next ordinal")
	}

	if err := insertPart(ctx, tx, messageID, ordinal, part); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit append part")
}

// UpdatePart applies a tool-call state transition. This is the only allowed
// post-insert mutation.
func (s *Store) UpdatePart(ctx context.Context, update *UpdatePart) error {
	lock := s.sessionLock(update.SessionUID)
	lock.Lock()
	defer lock.Unlock()

	sessionID, err := s.sessionID(ctx, update.SessionUID)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE part SET state = ?
		 WHERE uid = ? AND type = ?
		   AND message_id = (SELECT id FROM message WHERE uid = ? AND session_id = ?)`,
		string(update.State), update.PartUID, string(PartToolCall), update.MessageUID, sessionID,
	)
	if err != nil {
		return errors.Wrap(err, "update part")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrPartNotFound, "uid %s", update.PartUID)
	}
	return nil
}

// GetMessages returns the full ordered reconstruction of a session's
// conversation: messages by sequence, parts by ordinal.
func (s *Store) GetMessages(ctx context.Context, sessionUID string) ([]*Message, error) {
	sessionID, err := s.sessionID(ctx, sessionUID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, uid, role, created_ts FROM message WHERE session_id = ? ORDER BY seq ASC`,
		sessionID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "list messages")
	}
	defer rows.Close()

	var messages []*Message
	byID := make(map[int64]*Message)
	for rows.Next() {
		var id, createdTs int64
		var msg Message
		var role string
		if err := rows.Scan(&id, &msg.UID, &role, &createdTs); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		msg.Role = Role(role)
		msg.CreatedAt = time.UnixMilli(createdTs)
		messages = append(messages, &msg)
		byID[id] = &msg
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "list messages")
	}

	partRows, err := s.db.QueryContext(ctx,
		`SELECT p.message_id, p.uid, p.type, p.content, p.tool_name, p.call_id, p.input, p.output, p.state, p.ok
		 FROM part p JOIN message m ON m.id = p.message_id
		 WHERE m.session_id = ?
		 ORDER BY m.seq ASC, p.ordinal ASC`,
		sessionID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "list parts")
	}
	defer partRows.Close()

	for partRows.Next() {
		var messageID int64
		var part Part
		var typ, state, input, output string
		var ok int
		if err := partRows.Scan(&messageID, &part.UID, &typ, &part.Text, &part.ToolName,
			&part.CallID, &input, &output, &state, &ok); err != nil {
			return nil, errors.Wrap(err, "scan part")
		}
		part.Type = PartType(typ)
		part.State = ToolCallState(state)
		part.OK = ok != 0
		if input != "" {
			part.Input = []byte(input)
		}
		if output != "" {
			part.Output = []byte(output)
		}
		if msg := byID[messageID]; msg != nil {
			msg.Parts = append(msg.Parts, part)
		}
	}
	if err := partRows.Err(); err != nil {
		return nil, errors.Wrap(err, "list parts")
	}

	return messages, nil
}

func insertPart(ctx context.Context, tx *sql.Tx, messageID int64, ordinal int, part *Part) error {
	okVal := 0
	if part.OK {
		okVal = 1
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO part (uid, message_id, ordinal, type, content, tool_name, call_id, input, output, state, ok)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		part.UID, messageID, ordinal, string(part.Type), part.Text, part.ToolName,
		part.CallID, string(part.Input), string(part.Output), string(part.State), okVal,
	)
	return errors.Wrap(err, "insert part")
}
