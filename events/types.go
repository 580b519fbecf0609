package events

import "time"

// EventType names one kind of state change.
type EventType string

const (
	DeviceUpserted EventType = "device.upserted"
	DeviceRemoved  EventType = "device.removed"

	DiscoveryStarted EventType = "discovery.started"
	DiscoveryStopped EventType = "discovery.stopped"

	RequestReceived  EventType = "request.received"
	RequestAccepted  EventType = "request.accepted"
	RequestDenied    EventType = "request.denied"
	RequestExpired   EventType = "request.expired"
	RequestCancelled EventType = "request.cancelled"

	GrantCreated EventType = "grant.created"
	GrantRevoked EventType = "grant.revoked"
	GrantExpired EventType = "grant.expired"

	SessionStartFailed EventType = "session.start_failed"

	SessionIDRegenerated EventType = "session_id.regenerated"
)

// Event is a push notification for UI and other in-process listeners.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Data      any       `json:"data,omitempty"`
}
