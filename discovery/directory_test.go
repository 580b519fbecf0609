package discovery

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"peerdesk/events"
	"peerdesk/logging"
	"peerdesk/models"
)

func TestDirectoryLivenessWindow(t *testing.T) {
	dir := NewDirectory(15*time.Second, nil)
	base := time.Unix(1_700_000_000, 0)

	if !dir.Upsert(testRecord("peer-1", "Bob", "10.0.0.2"), base) {
		t.Fatalf("expected first upsert to report a new device")
	}
	if dir.Upsert(testRecord("peer-1", "Bob", "10.0.0.2"), base.Add(5*time.Second)) {
		t.Fatalf("expected refresh of a live device not to be new")
	}

	if got := dir.List(base.Add(20 * time.Second)); len(got) != 1 {
		t.Fatalf("expected device inside liveness window, got %d records", len(got))
	}
	if got := dir.List(base.Add(21 * time.Second)); len(got) != 0 {
		t.Fatalf("expected stale device to be hidden, got %+v", got)
	}
	if _, err := dir.Get("peer-1", base.Add(21*time.Second)); !errors.Is(err, ErrUnknownDeviceID) {
		t.Fatalf("expected ErrUnknownDeviceID for stale device, got %v", err)
	}

	removed := dir.Sweep(base.Add(21 * time.Second))
	if len(removed) != 1 || removed[0].DeviceID != "peer-1" {
		t.Fatalf("expected sweep to remove peer-1, got %+v", removed)
	}
	if dir.Len() != 0 {
		t.Fatalf("expected empty directory after sweep")
	}
}

func TestDirectoryListSortedAndIsolated(t *testing.T) {
	dir := NewDirectory(time.Minute, nil)
	now := time.Unix(1_700_000_000, 0)

	dir.Upsert(testRecord("b", "Zed", "10.0.0.3"), now)
	dir.Upsert(testRecord("c", "Amy", "10.0.0.4"), now)
	dir.Upsert(testRecord("a", "Amy", "10.0.0.5"), now)

	list := dir.List(now)
	ids := []string{list[0].DeviceID, list[1].DeviceID, list[2].DeviceID}
	if diff := cmp.Diff([]string{"a", "c", "b"}, ids); diff != "" {
		t.Fatalf("unexpected order (-want +got):\n%s", diff)
	}

	list[0].Capabilities[0] = "mutated"
	again, err := dir.Get("a", now)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if again.Capabilities[0] != "screen_capture" {
		t.Fatalf("expected directory copy to be isolated from caller mutation")
	}
}

func TestDirectoryEvictsOtherIDOnSameEndpoint(t *testing.T) {
	dir := NewDirectory(time.Minute, nil)
	now := time.Unix(1_700_000_000, 0)

	dir.Upsert(testRecord("old-id", "Bob", "10.0.0.2"), now)
	dir.Upsert(testRecord("new-id", "Bob", "10.0.0.2"), now.Add(time.Second))

	list := dir.List(now.Add(time.Second))
	if len(list) != 1 || list[0].DeviceID != "new-id" {
		t.Fatalf("expected restarted device to replace its old record, got %+v", list)
	}
}

func TestDirectoryPublishesEvents(t *testing.T) {
	bus := events.NewBus(logging.Discard())
	ch, cancel := bus.Channel(8)
	defer cancel()

	dir := NewDirectory(time.Minute, bus)
	now := time.Unix(1_700_000_000, 0)
	dir.Upsert(testRecord("peer-1", "Bob", "10.0.0.2"), now)
	dir.Upsert(testRecord("peer-1", "Bob", "10.0.0.2"), now.Add(time.Second))
	dir.Remove("peer-1")

	want := []events.EventType{events.DeviceUpserted, events.DeviceRemoved}
	for _, eventType := range want {
		select {
		case e := <-ch:
			if e.Type != eventType || e.DeviceID != "peer-1" {
				t.Fatalf("expected %s for peer-1, got %s for %s", eventType, e.Type, e.DeviceID)
			}
		case <-time.After(time.Second):
			t.Fatalf("expected %s event", eventType)
		}
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected extra event %s", e.Type)
	default:
	}
}

func testRecord(deviceID, name, ip string) models.DeviceRecord {
	return models.DeviceRecord{
		DeviceID:     deviceID,
		DeviceName:   name,
		DeviceType:   "desktop",
		Version:      "1.0.0",
		Capabilities: []string{"screen_capture"},
		ServerPort:   7878,
		IPAddress:    ip,
	}
}
