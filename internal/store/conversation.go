package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// CreateConversation inserts a conversation and all of its participant rows
// in one transaction. Either everything is visible afterwards or nothing is.
func (db *DB) CreateConversation(ctx context.Context, name string, isGroup bool, participantIDs []string) (*Conversation, error) {
	if len(participantIDs) < 2 {
		return nil, fmt.Errorf("create conversation: need at least 2 participants, got %d", len(participantIDs))
	}

	now := db.nowMillis()
	c := &Conversation{
		ID:        uuid.New().String(),
		Name:      name,
		IsGroup:   isGroup,
		CreatedAt: now,
		UpdatedAt: now,
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, name, is_group, last_message_id, created_at, updated_at)
		VALUES (?, ?, ?, '', ?, ?)`,
		c.ID, c.Name, c.IsGroup, c.CreatedAt, c.UpdatedAt); err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	for _, uid := range participantIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_participants (conversation_id, user_id, joined_at)
			VALUES (?, ?, ?)`, c.ID, uid, now); err != nil {
			return nil, fmt.Errorf("insert participant %q: %w", uid, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit conversation: %w", err)
	}
	return c, nil
}

// FindDirectConversation returns the id of an unnamed two-member conversation
// between a and b, or ErrNotFound.
func (db *DB) FindDirectConversation(ctx context.Context, a, b string) (string, error) {
	var id string
	err := db.QueryRowContext(ctx, `
		SELECT c.id FROM conversations c
		JOIN conversation_participants pa ON pa.conversation_id = c.id AND pa.user_id = ?
		JOIN conversation_participants pb ON pb.conversation_id = c.id AND pb.user_id = ?
		WHERE c.is_group = 0
		  AND (SELECT COUNT(*) FROM conversation_participants p WHERE p.conversation_id = c.id) = 2
		ORDER BY c.created_at ASC
		LIMIT 1`, a, b).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return id, err
}

// ConversationIDsForUser returns the ids of every conversation userID belongs to.
func (db *DB) ConversationIDsForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT conversation_id FROM conversation_participants
		WHERE user_id = ? ORDER BY conversation_id`, userID)
	if err != nil {
		return nil, err
	}
	return scanStrings(rows)
}

// GetConversation returns a conversation by id, or ErrNotFound.
func (db *DB) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRowContext(ctx, `
		SELECT id, name, is_group, last_message_id, created_at, updated_at
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &c.IsGroup, &c.LastMessageID, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ParticipantIDs returns the member ids of a conversation in join order.
func (db *DB) ParticipantIDs(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT user_id FROM conversation_participants
		WHERE conversation_id = ? ORDER BY joined_at, user_id`, conversationID)
	if err != nil {
		return nil, err
	}
	return scanStrings(rows)
}

// GetParticipant returns one membership row, or ErrNotFound.
func (db *DB) GetParticipant(ctx context.Context, conversationID, userID string) (*Participant, error) {
	p := Participant{ConversationID: conversationID, UserID: userID}
	err := db.QueryRowContext(ctx, `
		SELECT last_read_at, last_read_message_id FROM conversation_participants
		WHERE conversation_id = ? AND user_id = ?`, conversationID, userID).
		Scan(&p.LastReadAt, &p.LastReadMessageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("participant %q in %q: %w", userID, conversationID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// AddParticipant adds a member to a conversation. Adding an existing member is a no-op.
func (db *DB) AddParticipant(ctx context.Context, conversationID, userID string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO conversation_participants (conversation_id, user_id, joined_at)
		VALUES (?, ?, ?)
		ON CONFLICT(conversation_id, user_id) DO NOTHING`,
		conversationID, userID, db.nowMillis())
	return err
}

// RemoveParticipant removes a member from a conversation.
func (db *DB) RemoveParticipant(ctx context.Context, conversationID, userID string) error {
	_, err := db.ExecContext(ctx, `
		DELETE FROM conversation_participants WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID)
	return err
}

// AdvanceLastRead moves a member's last-read pointer forward. An older
// timestamp than the stored one leaves the row unchanged.
func (db *DB) AdvanceLastRead(ctx context.Context, conversationID, userID string, at int64, messageID string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE conversation_participants SET
			last_read_message_id = CASE WHEN ? > last_read_at THEN ? ELSE last_read_message_id END,
			last_read_at = MAX(last_read_at, ?)
		WHERE conversation_id = ? AND user_id = ?`,
		at, messageID, at, conversationID, userID)
	return err
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
