package storage

import (
	"context"
	"errors"
	"fmt"
)

// MarkNonceSeen records a signed request nonce and reports whether it was new.
// A false result means the nonce was already recorded and the request is a replay.
func (s *Store) MarkNonceSeen(ctx context.Context, nonce string, receivedAt int64) (bool, error) {
	if nonce == "" {
		return false, errors.New("nonce is required")
	}
	if receivedAt == 0 {
		receivedAt = nowUnixMilli()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO seen_request_nonces (nonce, received_at)
		VALUES (?, ?)
		ON CONFLICT(nonce) DO NOTHING`,
		nonce,
		receivedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert seen nonce: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected for seen nonce: %w", err)
	}
	return affected == 1, nil
}

// PruneSeenNonces removes nonce rows older than cutoffTimestamp.
func (s *Store) PruneSeenNonces(ctx context.Context, cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM seen_request_nonces WHERE received_at < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune seen nonces: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for seen nonce prune: %w", err)
	}

	return rowsAffected, nil
}
