package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SetRequestAuditRetention configures how long resolved requests stay in the audit trail.
func (s *Store) SetRequestAuditRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultRequestAuditRetention
	}
	s.requestAuditRetention = retention
}

// SaveRequestAudit inserts or updates one connection request row keyed by request ID.
// A pending write never overwrites a row that was already resolved.
func (s *Store) SaveRequestAudit(ctx context.Context, audit RequestAudit) error {
	if strings.TrimSpace(audit.RequestID) == "" {
		return errors.New("request_id is required")
	}
	if strings.TrimSpace(audit.RequesterDeviceID) == "" {
		return errors.New("requester_device_id is required")
	}
	if err := validateRequestState(audit.State); err != nil {
		return err
	}
	if audit.ReceivedAt == 0 {
		audit.ReceivedAt = nowUnixMilli()
	}

	requested, err := json.Marshal(nonNilStrings(audit.RequestedPermissions))
	if err != nil {
		return fmt.Errorf("marshal requested permissions: %w", err)
	}
	var granted *string
	if audit.GrantedPermissions != nil {
		raw, err := json.Marshal(audit.GrantedPermissions)
		if err != nil {
			return fmt.Errorf("marshal granted permissions: %w", err)
		}
		text := string(raw)
		granted = &text
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO connection_requests (
			request_id,
			requester_device_id,
			requester_name,
			requester_ip,
			requested_permissions,
			granted_permissions,
			message,
			key_fingerprint,
			state,
			denial_reason,
			received_at,
			resolved_at,
			expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(request_id) DO UPDATE SET
			granted_permissions = excluded.granted_permissions,
			state = excluded.state,
			denial_reason = excluded.denial_reason,
			resolved_at = excluded.resolved_at,
			expires_at = excluded.expires_at
		WHERE connection_requests.state = 'pending' OR excluded.state <> 'pending'`,
		audit.RequestID,
		audit.RequesterDeviceID,
		audit.RequesterName,
		audit.RequesterIP,
		string(requested),
		nullString(granted),
		nullString(trimmedPtr(audit.Message)),
		nullString(trimmedPtr(audit.KeyFingerprint)),
		audit.State,
		nullString(trimmedPtr(audit.DenialReason)),
		audit.ReceivedAt,
		nullInt64(audit.ResolvedAt),
		nullInt64(audit.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("save request audit %q: %w", audit.RequestID, err)
	}

	if s.requestAuditRetention > 0 {
		cutoff := time.Now().Add(-s.requestAuditRetention).UnixMilli()
		if _, err := s.PruneRequestAudit(ctx, cutoff); err != nil {
			return fmt.Errorf("prune request audit: %w", err)
		}
	}

	return nil
}

// GetRequestAudit returns one audit row by request ID.
func (s *Store) GetRequestAudit(ctx context.Context, requestID string) (*RequestAudit, error) {
	row := s.db.QueryRowContext(ctx, requestAuditSelect+` WHERE request_id = ?`, requestID)
	audit, err := scanRequestAudit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get request audit %q: %w", requestID, err)
	}
	return audit, nil
}

// ListRequestAudit returns audit rows newest first with optional filtering.
func (s *Store) ListRequestAudit(ctx context.Context, filter RequestAuditFilter) ([]RequestAudit, error) {
	if filter.State != "" {
		if err := validateRequestState(filter.State); err != nil {
			return nil, err
		}
	}

	var q listQuery
	q.equal("requester_device_id", filter.RequesterDeviceID)
	q.equal("state", filter.State)
	q.since("received_at", filter.FromTimestamp)
	query, args := q.build(requestAuditSelect, "received_at DESC, request_id", filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list request audit: %w", err)
	}
	defer rows.Close()

	out := make([]RequestAudit, 0)
	for rows.Next() {
		audit, err := scanRequestAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request audit row: %w", err)
		}
		out = append(out, *audit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate request audit rows: %w", err)
	}

	return out, nil
}

// PruneRequestAudit removes non-pending audit rows received before cutoffTimestamp.
func (s *Store) PruneRequestAudit(ctx context.Context, cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM connection_requests WHERE received_at < ? AND state <> ?`,
		cutoffTimestamp,
		requestStatePending,
	)
	if err != nil {
		return 0, fmt.Errorf("prune request audit: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for request audit prune: %w", err)
	}

	return rowsAffected, nil
}

const requestAuditSelect = `SELECT
	request_id,
	requester_device_id,
	requester_name,
	requester_ip,
	requested_permissions,
	granted_permissions,
	message,
	key_fingerprint,
	state,
	denial_reason,
	received_at,
	resolved_at,
	expires_at
FROM connection_requests`

func scanRequestAudit(row scanner) (*RequestAudit, error) {
	var (
		audit          RequestAudit
		requested      string
		granted        sql.NullString
		message        sql.NullString
		keyFingerprint sql.NullString
		denialReason   sql.NullString
		resolvedAt     sql.NullInt64
		expiresAt      sql.NullInt64
	)
	if err := row.Scan(
		&audit.RequestID,
		&audit.RequesterDeviceID,
		&audit.RequesterName,
		&audit.RequesterIP,
		&requested,
		&granted,
		&message,
		&keyFingerprint,
		&audit.State,
		&denialReason,
		&audit.ReceivedAt,
		&resolvedAt,
		&expiresAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(requested), &audit.RequestedPermissions); err != nil {
		return nil, fmt.Errorf("decode requested permissions: %w", err)
	}
	if granted.Valid {
		if err := json.Unmarshal([]byte(granted.String), &audit.GrantedPermissions); err != nil {
			return nil, fmt.Errorf("decode granted permissions: %w", err)
		}
	}
	audit.Message = stringPtr(message)
	audit.KeyFingerprint = stringPtr(keyFingerprint)
	audit.DenialReason = stringPtr(denialReason)
	audit.ResolvedAt = int64Ptr(resolvedAt)
	audit.ExpiresAt = int64Ptr(expiresAt)
	return &audit, nil
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
