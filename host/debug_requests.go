//go:build debugrequests

package host

import (
	"log/slog"

	"peerdesk/ledger"
)

// FabricateRequest queues a request as though deviceID had sent it over the
// network. It exists only in debug builds and bypasses signature checks.
func (h *Host) FabricateRequest(deviceID, deviceName string, permissions []string, message string) (string, error) {
	requestID, err := h.ledger.Submit(ledger.SubmitParams{
		RequesterDeviceID:    deviceID,
		RequesterName:        deviceName,
		RequesterIP:          "127.0.0.1",
		RequestedPermissions: permissions,
		Message:              message,
	})
	if err != nil {
		return "", err
	}
	h.log.Warn("Fabricated connection request",
		slog.String("request_id", requestID),
		slog.String("device_id", deviceID),
	)
	return requestID, nil
}
