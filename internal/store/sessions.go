package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LoadSession returns the saved blob for platform.
func (s *SQLiteStore) LoadSession(ctx context.Context, platform string) ([]byte, bool, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT blob FROM sessions WHERE platform = ?`, platform).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load session %s: %w", platform, err)
	}
	return blob, true, nil
}

// SaveSession replaces the blob for platform.
func (s *SQLiteStore) SaveSession(ctx context.Context, platform string, blob []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (platform, blob, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(platform) DO UPDATE SET blob = excluded.blob, updated_at = excluded.updated_at`,
		platform, blob, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", platform, err)
	}
	return nil
}

// DeleteSession forgets platform's credentials.
func (s *SQLiteStore) DeleteSession(ctx context.Context, platform string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE platform = ?`, platform); err != nil {
		return fmt.Errorf("delete session %s: %w", platform, err)
	}
	return nil
}
