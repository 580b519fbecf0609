package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// GetSetting returns the stored value for key, or ErrNotFound.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.New("setting key is required")
	}

	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get setting %q: %w", key, err)
	}

	return value, nil
}

// InsertSettingIfAbsent stores value only when key has no value yet and
// returns whatever value is persisted afterwards.
func (s *Store) InsertSettingIfAbsent(ctx context.Context, key, value string) (string, bool, error) {
	if strings.TrimSpace(key) == "" {
		return "", false, errors.New("setting key is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("begin setting transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO NOTHING`,
		key,
		value,
		nowUnixMilli(),
	)
	if err != nil {
		return "", false, fmt.Errorf("insert setting %q: %w", key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("read rows affected for setting %q: %w", key, err)
	}

	var stored string
	if err := tx.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&stored); err != nil {
		return "", false, fmt.Errorf("read setting %q: %w", key, err)
	}

	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("commit setting %q: %w", key, err)
	}

	return stored, affected == 1, nil
}

// PutSetting inserts or replaces the value for key.
func (s *Store) PutSetting(ctx context.Context, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("setting key is required")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		key,
		value,
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put setting %q: %w", key, err)
	}

	return nil
}
