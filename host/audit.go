package host

import (
	"context"

	"peerdesk/models"
	"peerdesk/storage"
)

// auditSink persists ledger transitions into the request audit table.
type auditSink struct {
	store *storage.Store
}

func (a auditSink) RecordRequest(ctx context.Context, request models.ConnectionRequest, grant *models.PermissionGrant) error {
	return a.store.SaveRequestAudit(ctx, requestAudit(request, grant))
}

func requestAudit(request models.ConnectionRequest, grant *models.PermissionGrant) storage.RequestAudit {
	audit := storage.RequestAudit{
		RequestID:            request.RequestID,
		RequesterDeviceID:    request.RequesterDeviceID,
		RequesterName:        request.RequesterName,
		RequesterIP:          request.RequesterIP,
		RequestedPermissions: request.RequestedPermissions.Strings(),
		Message:              optional(request.Message),
		KeyFingerprint:       optional(request.KeyFingerprint),
		State:                string(request.State),
		DenialReason:         optional(request.DenialReason),
		ReceivedAt:           request.Timestamp.UnixMilli(),
	}
	if !request.ResolvedAt.IsZero() {
		resolvedAt := request.ResolvedAt.UnixMilli()
		audit.ResolvedAt = &resolvedAt
	}
	if grant != nil {
		audit.GrantedPermissions = grant.GrantedPermissions.Strings()
		expiresAt := grant.ExpiresAt.UnixMilli()
		audit.ExpiresAt = &expiresAt
	}
	return audit
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
