package discovery

import (
	"errors"
	"net"
	"strings"
	"testing"
	"time"
)

func TestParseAnnouncementRoundTrip(t *testing.T) {
	info := DeviceInfo{
		DeviceID:     "peer-1",
		DeviceName:   "Bob Desktop",
		Version:      "1.0.0",
		Capabilities: []string{"screen_capture", " ", "file_transfer"},
		ServerPort:   7878,
		IPAddress:    "192.168.1.20",
	}
	payload, err := EncodeMessage(MessageAnnounce, info, time.UnixMilli(1_700_000_000_000))
	if err != nil {
		t.Fatalf("EncodeMessage failed: %v", err)
	}

	got, err := ParseAnnouncement(payload, net.ParseIP("192.168.1.20"))
	if err != nil {
		t.Fatalf("ParseAnnouncement failed: %v", err)
	}
	if got.Type != MessageAnnounce {
		t.Fatalf("unexpected type %q", got.Type)
	}
	if got.Record.DeviceType != defaultDeviceType {
		t.Fatalf("expected default device type, got %q", got.Record.DeviceType)
	}
	if len(got.Record.Capabilities) != 2 {
		t.Fatalf("expected blank capability to be dropped, got %v", got.Record.Capabilities)
	}
	if !got.SentAt.Equal(time.UnixMilli(1_700_000_000_000)) {
		t.Fatalf("unexpected sent time %s", got.SentAt)
	}
}

func TestParseAnnouncementFillsIPFromSource(t *testing.T) {
	payload, err := EncodeMessage(MessageResponse, DeviceInfo{DeviceID: "peer-1", DeviceName: "Bob", ServerPort: 7878}, time.Now())
	if err != nil {
		t.Fatalf("EncodeMessage failed: %v", err)
	}
	got, err := ParseAnnouncement(payload, net.ParseIP("10.1.2.3"))
	if err != nil {
		t.Fatalf("ParseAnnouncement failed: %v", err)
	}
	if got.Record.IPAddress != "10.1.2.3" {
		t.Fatalf("expected source IP to be used, got %q", got.Record.IPAddress)
	}
}

func TestParseAnnouncementRejectsBadInput(t *testing.T) {
	source := net.ParseIP("10.0.0.2")
	valid := DeviceInfo{DeviceID: "peer-1", DeviceName: "Bob", ServerPort: 7878, IPAddress: "10.0.0.2"}

	cases := []struct {
		name    string
		payload []byte
		want    error
	}{
		{name: "not json", payload: []byte("hello"), want: ErrMalformedAnnouncement},
		{name: "oversized", payload: []byte(strings.Repeat("x", MaxAnnouncementSize+1)), want: ErrMalformedAnnouncement},
		{name: "unknown type", payload: mustEncode(t, "connection_request", valid), want: ErrMalformedAnnouncement},
		{name: "missing id", payload: mustEncode(t, MessageAnnounce, with(valid, func(d *DeviceInfo) { d.DeviceID = "" })), want: ErrMissingField},
		{name: "missing name", payload: mustEncode(t, MessageAnnounce, with(valid, func(d *DeviceInfo) { d.DeviceName = "  " })), want: ErrMissingField},
		{name: "bad port", payload: mustEncode(t, MessageAnnounce, with(valid, func(d *DeviceInfo) { d.ServerPort = 70000 })), want: ErrInvalidAddress},
		{name: "bad ip", payload: mustEncode(t, MessageAnnounce, with(valid, func(d *DeviceInfo) { d.IPAddress = "999.1.1.1" })), want: ErrInvalidAddress},
		{name: "broadcast ip", payload: mustEncode(t, MessageAnnounce, with(valid, func(d *DeviceInfo) { d.IPAddress = "255.255.255.255" })), want: ErrInvalidAddress},
		{name: "spoofed ip", payload: mustEncode(t, MessageAnnounce, with(valid, func(d *DeviceInfo) { d.IPAddress = "10.0.0.99" })), want: ErrAddressMismatch},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseAnnouncement(tc.payload, source); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func mustEncode(t *testing.T, msgType MessageType, info DeviceInfo) []byte {
	t.Helper()
	payload, err := EncodeMessage(msgType, info, time.Now())
	if err != nil {
		t.Fatalf("EncodeMessage failed: %v", err)
	}
	return payload
}

func with(info DeviceInfo, mutate func(*DeviceInfo)) DeviceInfo {
	mutate(&info)
	return info
}
