package api

import (
	"errors"
	"net/http"

	"peerdesk/authz"
	"peerdesk/discovery"
	"peerdesk/ledger"
	"peerdesk/models"
	"peerdesk/network"
	"peerdesk/sessionid"
)

// Error kinds shared by the HTTP API and the wire protocol.
const (
	KindInvalidPermissionSet   = "InvalidPermissionSet"
	KindTooManyPendingRequests = "TooManyPendingRequests"
	KindRequestNotPending      = "RequestNotPending"
	KindRequestExpired         = "RequestExpired"
	KindPermissionEscalation   = "PermissionEscalation"
	KindUnknownDeviceID        = "UnknownDeviceId"
	KindPersistenceFailure     = "PersistenceFailure"
	KindNetworkTimeout         = "NetworkTimeout"
	KindUnknownRequest         = "UnknownRequest"
	KindInvalidRequest         = "InvalidRequest"
	KindInvalidDuration        = "InvalidDuration"
	KindTooManyActiveGrants    = "TooManyActiveGrants"
	KindGrantNotActive         = "GrantNotActive"
	KindUnknownGrant           = "UnknownGrant"
	KindInternal               = "Internal"
)

var kindTable = []struct {
	err  error
	kind string
}{
	// Expired errors also match ErrRequestNotPending, so they come first.
	{ledger.ErrRequestExpired, KindRequestExpired},
	{ledger.ErrRequestNotPending, KindRequestNotPending},
	{ledger.ErrTooManyPendingRequests, KindTooManyPendingRequests},
	{ledger.ErrUnknownRequest, KindUnknownRequest},
	{ledger.ErrInvalidRequest, KindInvalidRequest},
	{models.ErrInvalidPermissionSet, KindInvalidPermissionSet},
	{authz.ErrPermissionEscalation, KindPermissionEscalation},
	{authz.ErrInvalidDuration, KindInvalidDuration},
	{authz.ErrTooManyActiveGrants, KindTooManyActiveGrants},
	{authz.ErrGrantNotActive, KindGrantNotActive},
	{authz.ErrUnknownGrant, KindUnknownGrant},
	{discovery.ErrUnknownDeviceID, KindUnknownDeviceID},
	{sessionid.ErrPersistenceFailure, KindPersistenceFailure},
	{network.ErrNetworkTimeout, KindNetworkTimeout},
}

// ErrorKind names err for clients. Errors reported by a remote device keep
// the remote kind.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, entry := range kindTable {
		if errors.Is(err, entry.err) {
			return entry.kind
		}
	}
	var remote *network.RemoteError
	if errors.As(err, &remote) && remote.Kind != "" {
		return remote.Kind
	}
	return KindInternal
}

func statusForError(err error) int {
	var remote *network.RemoteError
	if errors.As(err, &remote) {
		return http.StatusBadGateway
	}

	switch ErrorKind(err) {
	case KindInvalidPermissionSet, KindPermissionEscalation, KindInvalidDuration, KindInvalidRequest:
		return http.StatusBadRequest
	case KindUnknownDeviceID, KindUnknownRequest, KindUnknownGrant:
		return http.StatusNotFound
	case KindRequestNotPending, KindGrantNotActive, KindTooManyActiveGrants:
		return http.StatusConflict
	case KindRequestExpired:
		return http.StatusGone
	case KindTooManyPendingRequests:
		return http.StatusTooManyRequests
	case KindNetworkTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
