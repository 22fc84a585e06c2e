package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// UpsertProfile inserts or updates a profile. Empty fields keep their stored value.
func (db *DB) UpsertProfile(ctx context.Context, p *Profile) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO profiles (id, username, display_name, avatar_url, last_seen_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username = CASE WHEN excluded.username != '' THEN excluded.username ELSE profiles.username END,
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE profiles.display_name END,
			avatar_url = CASE WHEN excluded.avatar_url != '' THEN excluded.avatar_url ELSE profiles.avatar_url END,
			last_seen_at = MAX(profiles.last_seen_at, excluded.last_seen_at),
			updated_at = excluded.updated_at`,
		p.ID, p.Username, p.DisplayName, p.AvatarURL, p.LastSeenAt, db.nowMillis())
	return err
}

// BulkUpsertProfiles inserts or updates multiple profiles in a single transaction.
func (db *DB) BulkUpsertProfiles(ctx context.Context, profiles []Profile) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := db.nowMillis()
	for _, p := range profiles {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO profiles (id, username, display_name, avatar_url, last_seen_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				username = CASE WHEN excluded.username != '' THEN excluded.username ELSE profiles.username END,
				display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE profiles.display_name END,
				avatar_url = CASE WHEN excluded.avatar_url != '' THEN excluded.avatar_url ELSE profiles.avatar_url END,
				updated_at = excluded.updated_at`,
			p.ID, p.Username, p.DisplayName, p.AvatarURL, p.LastSeenAt, now); err != nil {
			return fmt.Errorf("upsert profile %q: %w", p.ID, err)
		}
	}
	return tx.Commit()
}

// GetProfile returns a profile by id, or ErrNotFound.
func (db *DB) GetProfile(ctx context.Context, id string) (*Profile, error) {
	var p Profile
	err := db.QueryRowContext(ctx, `
		SELECT id, username, display_name, avatar_url, last_seen_at
		FROM profiles WHERE id = ?`, id).
		Scan(&p.ID, &p.Username, &p.DisplayName, &p.AvatarURL, &p.LastSeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("profile %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// TouchLastSeen advances a profile's last-seen timestamp. It never moves backwards.
func (db *DB) TouchLastSeen(ctx context.Context, id string, at int64) error {
	_, err := db.ExecContext(ctx, `
		UPDATE profiles SET last_seen_at = MAX(last_seen_at, ?), updated_at = ? WHERE id = ?`,
		at, db.nowMillis(), id)
	return err
}
