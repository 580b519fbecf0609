package models

import "time"

// DeviceRecord describes a remote instance seen on the local network.
type DeviceRecord struct {
	DeviceID     string    `json:"device_id"`
	DeviceName   string    `json:"device_name"`
	DeviceType   string    `json:"device_type"`
	Version      string    `json:"version"`
	Capabilities []string  `json:"capabilities"`
	ServerPort   int       `json:"server_port"`
	IPAddress    string    `json:"ip_address"`
	LastSeen     time.Time `json:"last_seen"`
}

// Stale reports whether the record has not been refreshed within window.
func (d DeviceRecord) Stale(now time.Time, window time.Duration) bool {
	return now.Sub(d.LastSeen) > window
}

// Clone returns a copy that shares no slices with d.
func (d DeviceRecord) Clone() DeviceRecord {
	out := d
	if d.Capabilities != nil {
		out.Capabilities = append([]string(nil), d.Capabilities...)
	}
	return out
}
