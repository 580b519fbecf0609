package discovery

import (
	"errors"
	"sort"
	"sync"
	"time"

	"peerdesk/events"
	"peerdesk/metrics"
	"peerdesk/models"
)

// ErrUnknownDeviceID indicates the device is not in the directory or has gone stale.
var ErrUnknownDeviceID = errors.New("discovery: unknown device id")

// Directory is the in-memory map of live peers keyed by device ID.
// Readers share the lock; announcement ingestion and sweeps serialize.
type Directory struct {
	liveness  time.Duration
	publisher events.Publisher

	mu      sync.RWMutex
	devices map[string]models.DeviceRecord
}

// NewDirectory creates an empty directory that hides records silent for longer than liveness.
func NewDirectory(liveness time.Duration, publisher events.Publisher) *Directory {
	if liveness <= 0 {
		liveness = DefaultLivenessWindow
	}
	if publisher == nil {
		publisher = events.Discard
	}
	return &Directory{
		liveness:  liveness,
		publisher: publisher,
		devices:   make(map[string]models.DeviceRecord),
	}
}

// LivenessWindow returns the configured staleness threshold.
func (d *Directory) LivenessWindow() time.Duration {
	return d.liveness
}

// Upsert inserts or refreshes record and reports whether the device was new.
// Another device ID previously announced from the same address and port is evicted.
func (d *Directory) Upsert(record models.DeviceRecord, now time.Time) bool {
	record = record.Clone()
	record.LastSeen = now

	d.mu.Lock()
	var evicted []models.DeviceRecord
	for id, existing := range d.devices {
		if id != record.DeviceID && existing.IPAddress == record.IPAddress && existing.ServerPort == record.ServerPort {
			evicted = append(evicted, existing)
			delete(d.devices, id)
		}
	}
	previous, existed := d.devices[record.DeviceID]
	d.devices[record.DeviceID] = record
	size := len(d.devices)
	d.mu.Unlock()

	metrics.DirectorySize.Set(float64(size))
	for _, old := range evicted {
		d.publisher.Publish(events.Event{Type: events.DeviceRemoved, DeviceID: old.DeviceID, Data: old})
	}
	isNew := !existed || previous.Stale(now, d.liveness)
	if isNew || !recordsEqual(previous, record) {
		d.publisher.Publish(events.Event{Type: events.DeviceUpserted, DeviceID: record.DeviceID, Data: record})
	}
	return isNew
}

// Remove deletes a device immediately, as on a goodbye message.
func (d *Directory) Remove(deviceID string) bool {
	d.mu.Lock()
	record, ok := d.devices[deviceID]
	if ok {
		delete(d.devices, deviceID)
	}
	size := len(d.devices)
	d.mu.Unlock()

	if ok {
		metrics.DirectorySize.Set(float64(size))
		d.publisher.Publish(events.Event{Type: events.DeviceRemoved, DeviceID: deviceID, Data: record})
	}
	return ok
}

// Sweep drops every stale record and returns what was removed.
func (d *Directory) Sweep(now time.Time) []models.DeviceRecord {
	d.mu.Lock()
	var removed []models.DeviceRecord
	for id, record := range d.devices {
		if record.Stale(now, d.liveness) {
			removed = append(removed, record)
			delete(d.devices, id)
		}
	}
	size := len(d.devices)
	d.mu.Unlock()

	metrics.DirectorySize.Set(float64(size))
	for _, record := range removed {
		d.publisher.Publish(events.Event{Type: events.DeviceRemoved, DeviceID: record.DeviceID, Data: record})
	}
	return removed
}

// List returns live records sorted by name, then ID. Stale records are
// excluded even if the sweep has not run yet.
func (d *Directory) List(now time.Time) []models.DeviceRecord {
	d.mu.RLock()
	out := make([]models.DeviceRecord, 0, len(d.devices))
	for _, record := range d.devices {
		if record.Stale(now, d.liveness) {
			continue
		}
		out = append(out, record.Clone())
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceName == out[j].DeviceName {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].DeviceName < out[j].DeviceName
	})
	return out
}

// Get returns one live record or ErrUnknownDeviceID.
func (d *Directory) Get(deviceID string, now time.Time) (models.DeviceRecord, error) {
	d.mu.RLock()
	record, ok := d.devices[deviceID]
	d.mu.RUnlock()

	if !ok || record.Stale(now, d.liveness) {
		return models.DeviceRecord{}, ErrUnknownDeviceID
	}
	return record.Clone(), nil
}

// Len returns the number of stored records, stale ones included.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.devices)
}

// Clear empties the directory without publishing per-device events.
func (d *Directory) Clear() {
	d.mu.Lock()
	d.devices = make(map[string]models.DeviceRecord)
	d.mu.Unlock()
	metrics.DirectorySize.Set(0)
}

func recordsEqual(a, b models.DeviceRecord) bool {
	if a.DeviceID != b.DeviceID ||
		a.DeviceName != b.DeviceName ||
		a.DeviceType != b.DeviceType ||
		a.Version != b.Version ||
		a.ServerPort != b.ServerPort ||
		a.IPAddress != b.IPAddress ||
		len(a.Capabilities) != len(b.Capabilities) {
		return false
	}
	for i := range a.Capabilities {
		if a.Capabilities[i] != b.Capabilities[i] {
			return false
		}
	}
	return true
}
