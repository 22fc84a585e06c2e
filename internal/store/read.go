package store

import (
	"context"
	"database/sql"
	"fmt"
)

// AddReader records that userID has read a message. The read set only grows:
// adding an existing reader is a no-op.
func (db *DB) AddReader(ctx context.Context, messageID, userID string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := addReaderTx(ctx, tx, messageID, userID, db.nowMillis()); err != nil {
		return err
	}
	return tx.Commit()
}

func addReaderTx(ctx context.Context, tx *sql.Tx, messageID, userID string, at int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO message_reads (message_id, user_id, read_at) VALUES (?, ?, ?)
		ON CONFLICT(message_id, user_id) DO NOTHING`, messageID, userID, at); err != nil {
		return fmt.Errorf("add reader %q to %q: %w", userID, messageID, err)
	}
	return nil
}

// CountUnread counts messages in a conversation sent by someone other than
// userID, created after the member's last-read pointer and not read by them.
func (db *DB) CountUnread(ctx context.Context, conversationID, userID string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages m
		WHERE m.conversation_id = ? AND m.sender_id != ?
		  AND m.created_at > COALESCE((
			SELECT last_read_at FROM conversation_participants
			WHERE conversation_id = m.conversation_id AND user_id = ?), 0)
		  AND NOT EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.user_id = ?)`,
		conversationID, userID, userID, userID).Scan(&n)
	return n, err
}

// ConversationCount returns the total number of conversations.
func (db *DB) ConversationCount(ctx context.Context) (int64, error) {
	var count int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&count)
	return count, err
}

// MessageCount returns the total number of messages.
func (db *DB) MessageCount(ctx context.Context) (int64, error) {
	var count int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}
