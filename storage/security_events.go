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

const securityEventSelect = `SELECT id, event_type, device_id, remote_ip, details, severity, timestamp FROM security_events`

// SetSecurityEventRetention sets how long rejected-traffic records are kept.
// A non-positive value restores the default.
func (s *Store) SetSecurityEventRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultSecurityEventRetention
	}
	s.securityEventRetention = retention
}

// LogSecurityEvent records one rejected inbound attempt and prunes rows
// older than the retention window.
func (s *Store) LogSecurityEvent(ctx context.Context, event SecurityEvent) error {
	if strings.TrimSpace(event.EventType) == "" {
		return errors.New("event_type is required")
	}
	if event.Severity == "" {
		event.Severity = SecuritySeverityInfo
	}
	if err := validateSecuritySeverity(event.Severity); err != nil {
		return err
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}
	details, err := encodeDetails(event.Details)
	if err != nil {
		return fmt.Errorf("encode %s details: %w", event.EventType, err)
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO security_events (event_type, device_id, remote_ip, details, severity, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.EventType,
		nullString(trimmedPtr(event.DeviceID)),
		nullString(trimmedPtr(event.RemoteIP)),
		details,
		event.Severity,
		event.Timestamp,
	); err != nil {
		return fmt.Errorf("insert security event %q: %w", event.EventType, err)
	}

	if s.securityEventRetention <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-s.securityEventRetention).UnixMilli()
	if _, err := s.PruneSecurityEvents(ctx, cutoff); err != nil {
		return fmt.Errorf("prune security events: %w", err)
	}
	return nil
}

// ListSecurityEvents returns recorded events newest first.
func (s *Store) ListSecurityEvents(ctx context.Context, filter SecurityEventFilter) ([]SecurityEvent, error) {
	if filter.Severity != "" {
		if err := validateSecuritySeverity(filter.Severity); err != nil {
			return nil, err
		}
	}

	var q listQuery
	q.equal("event_type", filter.EventType)
	q.equal("device_id", filter.DeviceID)
	q.equal("remote_ip", filter.RemoteIP)
	q.equal("severity", filter.Severity)
	q.since("timestamp", filter.FromTimestamp)
	query, args := q.build(securityEventSelect, "timestamp DESC, id DESC", filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list security events: %w", err)
	}
	defer rows.Close()

	out := make([]SecurityEvent, 0)
	for rows.Next() {
		var (
			event    SecurityEvent
			deviceID sql.NullString
			remoteIP sql.NullString
			details  string
		)
		if err := rows.Scan(&event.ID, &event.EventType, &deviceID, &remoteIP, &details, &event.Severity, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("scan security event row: %w", err)
		}
		if err := json.Unmarshal([]byte(details), &event.Details); err != nil {
			return nil, fmt.Errorf("decode security event %d details: %w", event.ID, err)
		}
		event.DeviceID = stringPtr(deviceID)
		event.RemoteIP = stringPtr(remoteIP)
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate security event rows: %w", err)
	}
	return out, nil
}

// PruneSecurityEvents deletes events recorded before cutoffTimestamp.
func (s *Store) PruneSecurityEvents(ctx context.Context, cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM security_events WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune security events: %w", err)
	}
	return res.RowsAffected()
}

func encodeDetails(details map[string]string) (string, error) {
	if len(details) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
