package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	requestStatePending  = "pending"
	requestStateAccepted = "accepted"
	requestStateDenied   = "denied"
	requestStateExpired  = "expired"
)

const (
	// SecuritySeverityInfo indicates informational security event context.
	SecuritySeverityInfo = "info"
	// SecuritySeverityWarning indicates potentially suspicious behavior.
	SecuritySeverityWarning = "warning"
	// SecuritySeverityCritical indicates serious security failures.
	SecuritySeverityCritical = "critical"
)

// RequestAudit is the SQLite representation of one connection request and its outcome.
type RequestAudit struct {
	RequestID            string
	RequesterDeviceID    string
	RequesterName        string
	RequesterIP          string
	RequestedPermissions []string
	GrantedPermissions   []string
	Message              *string
	KeyFingerprint       *string
	State                string
	DenialReason         *string
	ReceivedAt           int64
	ResolvedAt           *int64
	ExpiresAt            *int64
}

// RequestAuditFilter narrows ListRequestAudit results.
type RequestAuditFilter struct {
	RequesterDeviceID string
	State             string
	FromTimestamp     *int64
	Limit             int
	Offset            int
}

// SecurityEvent is one rejected or suspicious inbound connection attempt.
// DeviceID is the claimed requester identity and is unverified unless the
// signature checked out. Details is stored as a JSON object.
type SecurityEvent struct {
	ID        int64
	EventType string
	DeviceID  *string
	RemoteIP  *string
	Details   map[string]string
	Severity  string
	Timestamp int64
}

// SecurityEventFilter narrows ListSecurityEvents results.
type SecurityEventFilter struct {
	EventType     string
	DeviceID      string
	RemoteIP      string
	Severity      string
	FromTimestamp *int64
	Limit         int
	Offset        int
}

type scanner interface {
	Scan(dest ...any) error
}

func validateRequestState(state string) error {
	switch state {
	case requestStatePending, requestStateAccepted, requestStateDenied, requestStateExpired:
		return nil
	default:
		return fmt.Errorf("invalid request state %q", state)
	}
}

func validateSecuritySeverity(severity string) error {
	switch severity {
	case SecuritySeverityInfo, SecuritySeverityWarning, SecuritySeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid security event severity %q", severity)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func trimmedPtr(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
