package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
)

// InsertMessage stores a new message authored by m.SenderID. The store assigns
// the durable id and timestamp, records the sender as a reader and bumps the
// conversation's updated_at and last_message_id, all in one transaction.
func (db *DB) InsertMessage(ctx context.Context, m *Message) (*Message, error) {
	id, err := db.nextID()
	if err != nil {
		return nil, err
	}
	out := *m
	out.ID = id
	out.CreatedAt = db.nowMillis()
	out.ReadBy = []string{m.SenderID}
	if out.Type == "" {
		out.Type = MessageTypeText
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var member int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM conversation_participants WHERE conversation_id = ? AND user_id = ?`,
		out.ConversationID, out.SenderID).Scan(&member); err != nil {
		return nil, fmt.Errorf("check membership: %w", err)
	}
	if member == 0 {
		return nil, fmt.Errorf("sender %q in conversation %q: %w", out.SenderID, out.ConversationID, ErrNotFound)
	}

	if err := insertMessageTx(ctx, tx, &out); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit message: %w", err)
	}
	return &out, nil
}

// ImportMessage stores a message that already carries its durable id, for
// example one written by another replica. Re-importing is a no-op apart from
// a union of its read set. It reports whether the message was new.
func (db *DB) ImportMessage(ctx context.Context, m *Message) (bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE id = ?`, m.ID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check message: %w", err)
	}
	if exists == 0 {
		if err := insertMessageTx(ctx, tx, m); err != nil {
			return false, err
		}
	}
	for _, uid := range m.ReadBy {
		if err := addReaderTx(ctx, tx, m.ID, uid, m.CreatedAt); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit import: %w", err)
	}
	return exists == 0, nil
}

func insertMessageTx(ctx context.Context, tx *sql.Tx, m *Message) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, content, media_url, message_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.SenderID, m.Content, m.MediaURL, m.Type, m.CreatedAt); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if err := addReaderTx(ctx, tx, m.ID, m.SenderID, m.CreatedAt); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET
			last_message_id = CASE WHEN ? >= updated_at THEN ? ELSE last_message_id END,
			updated_at = MAX(updated_at, ?)
		WHERE id = ?`,
		m.CreatedAt, m.ID, m.CreatedAt, m.ConversationID); err != nil {
		return fmt.Errorf("bump conversation: %w", err)
	}
	return nil
}

// GetMessage returns a message with its read set, or ErrNotFound.
func (db *DB) GetMessage(ctx context.Context, id string) (*Message, error) {
	var m Message
	err := db.QueryRowContext(ctx, `
		SELECT id, conversation_id, sender_id, content, media_url, message_type, created_at
		FROM messages WHERE id = ?`, id).
		Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.MediaURL, &m.Type, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT user_id FROM message_reads WHERE message_id = ? ORDER BY user_id`, id)
	if err != nil {
		return nil, err
	}
	if m.ReadBy, err = scanStrings(rows); err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns every message of a conversation in ascending
// (created_at, id) order, with read sets attached.
func (db *DB) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	return db.queryMessages(ctx, conversationID, `
		SELECT id, conversation_id, sender_id, content, media_url, message_type, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC`, conversationID)
}

// UnreadMessagesThrough returns messages of a conversation created at or
// before through that were not sent by userID and that userID has not read.
func (db *DB) UnreadMessagesThrough(ctx context.Context, conversationID, userID string, through int64) ([]Message, error) {
	return db.queryMessages(ctx, conversationID, `
		SELECT m.id, m.conversation_id, m.sender_id, m.content, m.media_url, m.message_type, m.created_at
		FROM messages m
		WHERE m.conversation_id = ? AND m.sender_id != ? AND m.created_at <= ?
		  AND NOT EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.user_id = ?)
		ORDER BY m.created_at ASC, m.id ASC`, conversationID, userID, through, userID)
}

func (db *DB) queryMessages(ctx context.Context, conversationID, query string, args ...any) ([]Message, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.MediaURL, &m.Type, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return msgs, nil
	}

	readers, err := db.readersFor(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		msgs[i].ReadBy = readers[msgs[i].ID]
	}
	return msgs, nil
}

func (db *DB) readersFor(ctx context.Context, conversationID string) (map[string][]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT r.message_id, r.user_id FROM message_reads r
		JOIN messages m ON m.id = r.message_id
		WHERE m.conversation_id = ?`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string][]string)
	for rows.Next() {
		var msgID, userID string
		if err := rows.Scan(&msgID, &userID); err != nil {
			return nil, err
		}
		out[msgID] = append(out[msgID], userID)
	}
	for _, r := range out {
		slices.Sort(r)
	}
	return out, rows.Err()
}
