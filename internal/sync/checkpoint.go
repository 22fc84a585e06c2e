package sync

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/matheus3301/dmsync/internal/store"
)

// Checkpoint keys.
const (
	CheckpointDirectoryRefreshed = "directory.refreshed_at"
)

// Checkpoints persists sync markers in the sync_state table.
type Checkpoints struct {
	db *store.DB
}

// NewCheckpoints creates a checkpoint store.
func NewCheckpoints(db *store.DB) *Checkpoints {
	return &Checkpoints{db: db}
}

// Set writes a checkpoint value.
func (c *Checkpoints) Set(ctx context.Context, key, value string) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}

// Get reads a checkpoint value. A missing key returns "" and no error.
func (c *Checkpoints) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := c.db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}
