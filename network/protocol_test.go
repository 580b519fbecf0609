package network

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"

	"peerdesk/crypto"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"connection_ack","request_id":"a","timestamp":1}`)

	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, payload); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	got, err := ReadFrame(&buffer)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	payload := make([]byte, MaxFrameSize+1)
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, payload); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrameRejectsOversizedHeader(t *testing.T) {
	buffer := bytes.NewBuffer([]byte{0xff, 0xff, 0xff, 0xff})
	if _, err := ReadFrame(buffer); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestConnectionRequestSignatureRoundTrip(t *testing.T) {
	identity := testIdentity(t, "device-a", "Laptop A")
	now := time.Unix(1_700_000_000, 0)

	msg, err := BuildConnectionRequest(identity, []string{"screen_capture"}, "hello", now)
	if err != nil {
		t.Fatalf("BuildConnectionRequest failed: %v", err)
	}
	payload := mustEncode(t, msg)

	inbound, err := ParseConnectionRequest(payload, net.ParseIP("192.168.1.20"), now.Add(time.Second), DefaultMaxClockSkew)
	if err != nil {
		t.Fatalf("ParseConnectionRequest failed: %v", err)
	}
	if inbound.Params.RequesterDeviceID != "device-a" || inbound.Params.RequesterName != "Laptop A" {
		t.Fatalf("unexpected requester %+v", inbound.Params)
	}
	if inbound.Params.RequesterIP != "192.168.1.20" {
		t.Fatalf("expected requester IP from the socket, got %q", inbound.Params.RequesterIP)
	}
	if inbound.Params.KeyFingerprint != identity.Keys.Fingerprint() {
		t.Fatalf("expected fingerprint %q, got %q", identity.Keys.Fingerprint(), inbound.Params.KeyFingerprint)
	}
	if inbound.Nonce != msg.Nonce {
		t.Fatalf("expected nonce to be carried through")
	}
}

func TestParseConnectionRequestRejects(t *testing.T) {
	identity := testIdentity(t, "device-a", "Laptop A")
	now := time.Unix(1_700_000_000, 0)
	remote := net.ParseIP("10.0.0.2")

	build := func(mutate func(*ConnectionRequestMessage)) []byte {
		msg, err := BuildConnectionRequest(identity, []string{"file_transfer"}, "", now)
		if err != nil {
			t.Fatalf("BuildConnectionRequest failed: %v", err)
		}
		if mutate != nil {
			mutate(&msg)
		}
		return mustEncode(t, msg)
	}

	cases := []struct {
		name    string
		payload []byte
		now     time.Time
		want    error
	}{
		{name: "not json", payload: []byte("{"), now: now, want: ErrMalformedRequest},
		{name: "wrong type", payload: build(func(m *ConnectionRequestMessage) { m.Type = TypeConnectionAck }), now: now, want: ErrInvalidMessageType},
		{name: "wrong version", payload: build(func(m *ConnectionRequestMessage) { m.ProtocolVersion = 9 }), now: now, want: ErrUnsupportedVersion},
		{name: "missing device", payload: build(func(m *ConnectionRequestMessage) { m.DeviceID = " " }), now: now, want: ErrMalformedRequest},
		{name: "bad nonce", payload: build(func(m *ConnectionRequestMessage) { m.Nonce = "abc" }), now: now, want: ErrMalformedRequest},
		{name: "tampered", payload: build(func(m *ConnectionRequestMessage) { m.Permissions = []string{"input_forwarding"} }), now: now, want: crypto.ErrInvalidSignature},
		{name: "stale", payload: build(nil), now: now.Add(10 * time.Minute), want: ErrStaleRequest},
		{name: "future", payload: build(nil), now: now.Add(-10 * time.Minute), want: ErrStaleRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseConnectionRequest(tc.payload, remote, tc.now, DefaultMaxClockSkew); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func testIdentity(t *testing.T, deviceID, deviceName string) LocalIdentity {
	t.Helper()
	keys, err := crypto.NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity failed: %v", err)
	}
	return LocalIdentity{DeviceID: deviceID, DeviceName: deviceName, Keys: keys}
}

func mustEncode(t *testing.T, message any) []byte {
	t.Helper()
	payload, err := EncodeJSON(message)
	if err != nil {
		t.Fatalf("EncodeJSON failed: %v", err)
	}
	return payload
}
