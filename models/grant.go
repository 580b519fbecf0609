package models

import "time"

// PermissionGrant records what an accepted request may do and until when.
type PermissionGrant struct {
	RequestID          string        `json:"request_id"`
	RequesterDeviceID  string        `json:"requester_device_id"`
	RequesterName      string        `json:"requester_name"`
	GrantedPermissions PermissionSet `json:"granted_permissions"`
	SessionDuration    time.Duration `json:"session_duration"`
	GrantedAt          time.Time     `json:"granted_at"`
	ExpiresAt          time.Time     `json:"expires_at"`
}

// Active reports whether the grant is still valid at now.
func (g PermissionGrant) Active(now time.Time) bool {
	return g.ExpiresAt.After(now)
}

// Allows reports whether the grant is active and includes p.
func (g PermissionGrant) Allows(p Permission, now time.Time) bool {
	return g.Active(now) && g.GrantedPermissions.Contains(p)
}

// Clone returns a copy that shares no slices with g.
func (g PermissionGrant) Clone() PermissionGrant {
	out := g
	out.GrantedPermissions = g.GrantedPermissions.Clone()
	return out
}
