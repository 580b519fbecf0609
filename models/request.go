package models

import "time"

// RequestState is the lifecycle state of a ConnectionRequest.
type RequestState string

const (
	RequestPending  RequestState = "pending"
	RequestAccepted RequestState = "accepted"
	RequestDenied   RequestState = "denied"
	RequestExpired  RequestState = "expired"
)

// ConnectionRequest is a remote peer's ask for access to this host.
type ConnectionRequest struct {
	RequestID            string        `json:"request_id"`
	RequesterDeviceID    string        `json:"requester_device_id"`
	RequesterName        string        `json:"requester_name"`
	RequesterIP          string        `json:"requester_ip"`
	RequestedPermissions PermissionSet `json:"requested_permissions"`
	Message              string        `json:"message,omitempty"`
	KeyFingerprint       string        `json:"key_fingerprint,omitempty"`
	Timestamp            time.Time     `json:"timestamp"`
	State                RequestState  `json:"state"`
	ResolvedAt           time.Time     `json:"resolved_at,omitempty"`
	DenialReason         string        `json:"denial_reason,omitempty"`
}

// Pending reports whether the request still awaits a decision.
func (r ConnectionRequest) Pending() bool {
	return r.State == RequestPending
}

// Clone returns a copy that shares no slices with r.
func (r ConnectionRequest) Clone() ConnectionRequest {
	out := r
	out.RequestedPermissions = r.RequestedPermissions.Clone()
	return out
}
