package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const blobScheme = "blob://"

// Upload stores media bytes and returns a stable reference to them.
func (db *DB) Upload(ctx context.Context, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", errors.New("upload: empty payload")
	}
	ref := blobScheme + uuid.New().String()
	if _, err := db.ExecContext(ctx, `
		INSERT INTO blobs (ref, content_type, data, created_at) VALUES (?, ?, ?, ?)`,
		ref, contentType, data, db.nowMillis()); err != nil {
		return "", fmt.Errorf("insert blob: %w", err)
	}
	return ref, nil
}

// Download returns the bytes and content type behind a reference from Upload.
func (db *DB) Download(ctx context.Context, ref string) ([]byte, string, error) {
	if !strings.HasPrefix(ref, blobScheme) {
		return nil, "", fmt.Errorf("blob ref %q: unsupported scheme", ref)
	}
	var data []byte
	var contentType string
	err := db.QueryRowContext(ctx, `SELECT data, content_type FROM blobs WHERE ref = ?`, ref).
		Scan(&data, &contentType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", fmt.Errorf("blob %q: %w", ref, ErrNotFound)
	}
	if err != nil {
		return nil, "", err
	}
	return data, contentType, nil
}
