package store

import "context"

// Journal statuses.
const (
	JournalProvisional = "provisional"
	JournalConfirmed   = "confirmed"
	JournalFailed      = "failed"
)

// RecordSend journals a new provisional send.
func (db *DB) RecordSend(ctx context.Context, provisionalID, conversationID, content string) error {
	now := db.nowMillis()
	_, err := db.ExecContext(ctx, `
		INSERT INTO send_journal (provisional_id, conversation_id, content, status, created_at, updated_at)
		VALUES (?, ?, ?, 'provisional', ?, ?)
		ON CONFLICT(provisional_id) DO UPDATE SET
			status = 'provisional', error_message = '', updated_at = excluded.updated_at`,
		provisionalID, conversationID, content, now, now)
	return err
}

// MarkSendConfirmed records the durable message id for a provisional send.
func (db *DB) MarkSendConfirmed(ctx context.Context, provisionalID, messageID string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE send_journal SET status = 'confirmed', message_id = ?, error_message = '', updated_at = ?
		WHERE provisional_id = ?`, messageID, db.nowMillis(), provisionalID)
	return err
}

// MarkSendFailed records why a provisional send failed.
func (db *DB) MarkSendFailed(ctx context.Context, provisionalID, errMsg string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE send_journal SET status = 'failed', error_message = ?, updated_at = ?
		WHERE provisional_id = ?`, errMsg, db.nowMillis(), provisionalID)
	return err
}

// FailedSends returns failed sends for a conversation, oldest first.
func (db *DB) FailedSends(ctx context.Context, conversationID string) ([]JournalEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT provisional_id, conversation_id, content, status, error_message, message_id
		FROM send_journal WHERE conversation_id = ? AND status = 'failed'
		ORDER BY created_at ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		if err := rows.Scan(&e.ProvisionalID, &e.ConversationID, &e.Content, &e.Status, &e.ErrorMessage, &e.MessageID); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
