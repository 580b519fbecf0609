package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"

	"peerdesk/authz"
	"peerdesk/discovery"
	"peerdesk/events"
	"peerdesk/ledger"
	"peerdesk/logging"
	"peerdesk/models"
	"peerdesk/network"
	"peerdesk/sessionid"
	"peerdesk/storage"
)

func TestErrorKind(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("%w: %w", ledger.ErrRequestExpired, ledger.ErrRequestNotPending), KindRequestExpired},
		{fmt.Errorf("wrapped: %w", ledger.ErrRequestNotPending), KindRequestNotPending},
		{ledger.ErrTooManyPendingRequests, KindTooManyPendingRequests},
		{models.ErrInvalidPermissionSet, KindInvalidPermissionSet},
		{authz.ErrPermissionEscalation, KindPermissionEscalation},
		{discovery.ErrUnknownDeviceID, KindUnknownDeviceID},
		{sessionid.ErrPersistenceFailure, KindPersistenceFailure},
		{fmt.Errorf("dial: %w", network.ErrNetworkTimeout), KindNetworkTimeout},
		{&network.RemoteError{Kind: "TooManyPendingRequests"}, "TooManyPendingRequests"},
		{fmt.Errorf("boom"), KindInternal},
		{nil, ""},
	}
	for _, tc := range cases {
		if got := ErrorKind(tc.err); got != tc.want {
			t.Fatalf("ErrorKind(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestRespondDecodesDecision(t *testing.T) {
	backend := newFakeBackend()
	server := newTestServer(t, backend, nil)

	rec := do(t, server, http.MethodPost, "/api/requests/req-1/respond",
		`{"accepted":true,"granted_permissions":["screen_capture"],"session_duration_minutes":60}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}

	want := authz.Decision{
		RequestID:          "req-1",
		Accepted:           true,
		GrantedPermissions: []string{"screen_capture"},
		SessionDuration:    60 * time.Minute,
	}
	if diff := cmp.Diff(want, backend.lastDecision); diff != "" {
		t.Fatalf("unexpected decision (-want +got):\n%s", diff)
	}
}

func TestRespondOmittedPermissionsMeansAll(t *testing.T) {
	backend := newFakeBackend()
	server := newTestServer(t, backend, nil)

	rec := do(t, server, http.MethodPost, "/api/requests/req-1/respond", `{"accepted":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if backend.lastDecision.GrantedPermissions != nil {
		t.Fatalf("expected nil permissions, got %v", backend.lastDecision.GrantedPermissions)
	}
}

func TestErrorResponsesCarryKind(t *testing.T) {
	backend := newFakeBackend()
	server := newTestServer(t, backend, nil)

	cases := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"escalation", authz.ErrPermissionEscalation, http.StatusBadRequest, KindPermissionEscalation},
		{"not pending", ledger.ErrRequestNotPending, http.StatusConflict, KindRequestNotPending},
		{"expired", fmt.Errorf("%w: %w", ledger.ErrRequestExpired, ledger.ErrRequestNotPending), http.StatusGone, KindRequestExpired},
		{"unknown", ledger.ErrUnknownRequest, http.StatusNotFound, KindUnknownRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			backend.respondErr = tc.err
			rec := do(t, server, http.MethodPost, "/api/requests/req-1/respond", `{"accepted":false}`)
			assertError(t, rec, tc.status, tc.kind)
		})
	}
}

func TestMalformedBodyRejected(t *testing.T) {
	server := newTestServer(t, newFakeBackend(), nil)

	rec := do(t, server, http.MethodPost, "/api/requests/req-1/respond", `{"accepted":"yes"}`)
	assertError(t, rec, http.StatusBadRequest, KindInvalidRequest)

	rec = do(t, server, http.MethodPost, "/api/requests/req-1/respond", `{"accepted":true,"extra":1}`)
	assertError(t, rec, http.StatusBadRequest, KindInvalidRequest)
}

func TestConnectValidatesPermissionsAndUnknownDevice(t *testing.T) {
	backend := newFakeBackend()
	server := newTestServer(t, backend, nil)

	rec := do(t, server, http.MethodPost, "/api/devices/dev-9/connect", `{"permissions":["teleport"]}`)
	assertError(t, rec, http.StatusBadRequest, KindInvalidPermissionSet)
	if backend.sendCalls != 0 {
		t.Fatalf("invalid permissions must not reach the backend")
	}

	backend.sendErr = discovery.ErrUnknownDeviceID
	rec = do(t, server, http.MethodPost, "/api/devices/dev-9/connect", `{"permissions":["screen_capture"]}`)
	assertError(t, rec, http.StatusNotFound, KindUnknownDeviceID)
	if backend.lastDeviceID != "dev-9" {
		t.Fatalf("expected device id from path, got %q", backend.lastDeviceID)
	}
}

func TestPullEndpoints(t *testing.T) {
	backend := newFakeBackend()
	backend.devices = []models.DeviceRecord{{DeviceID: "dev-1", DeviceName: "Office PC", IPAddress: "10.0.0.4", ServerPort: 7878}}
	backend.pending = []models.ConnectionRequest{{RequestID: "req-1", State: models.RequestPending}}
	server := newTestServer(t, backend, nil)

	var devices []models.DeviceRecord
	decode(t, do(t, server, http.MethodGet, "/api/devices", ""), &devices)
	if len(devices) != 1 || devices[0].DeviceID != "dev-1" {
		t.Fatalf("unexpected devices %+v", devices)
	}

	var pending []models.ConnectionRequest
	decode(t, do(t, server, http.MethodGet, "/api/requests/pending", ""), &pending)
	if len(pending) != 1 || pending[0].RequestID != "req-1" {
		t.Fatalf("unexpected pending %+v", pending)
	}

	var session map[string]string
	decode(t, do(t, server, http.MethodGet, "/api/session-id", ""), &session)
	if session["session_id"] != "ABCD2345" {
		t.Fatalf("unexpected session id %v", session)
	}

	rec := do(t, server, http.MethodGet, "/api/requests/history?limit=0", "")
	assertError(t, rec, http.StatusBadRequest, KindInvalidRequest)

	rec = do(t, server, http.MethodGet, "/api/requests/history?limit=10000", "")
	if rec.Code != http.StatusOK || backend.lastHistoryLimit != maxHistoryLimit {
		t.Fatalf("expected history limit to be clamped, got %d (%d)", backend.lastHistoryLimit, rec.Code)
	}

	rec = do(t, server, http.MethodPost, "/api/discovery/start", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), string(discovery.Started)) {
		t.Fatalf("unexpected discovery start response %d: %s", rec.Code, rec.Body)
	}
}

func TestRequestRecordEndpoint(t *testing.T) {
	backend := newFakeBackend()
	backend.records = map[string]storage.RequestAudit{
		"req-old": {RequestID: "req-old", RequesterDeviceID: "dev-1", State: "denied"},
	}
	server := newTestServer(t, backend, nil)

	var record storage.RequestAudit
	decode(t, do(t, server, http.MethodGet, "/api/requests/history/req-old", ""), &record)
	if record.RequestID != "req-old" || record.State != "denied" {
		t.Fatalf("unexpected record %+v", record)
	}

	rec := do(t, server, http.MethodGet, "/api/requests/history/req-missing", "")
	assertError(t, rec, http.StatusNotFound, KindUnknownRequest)
}

func TestSecurityEventsEndpoint(t *testing.T) {
	remote := "10.0.0.9"
	backend := newFakeBackend()
	backend.security = []storage.SecurityEvent{{
		ID:        7,
		EventType: "request_signature_invalid",
		RemoteIP:  &remote,
		Details:   map[string]string{"error": "signature does not verify"},
		Severity:  storage.SecuritySeverityWarning,
		Timestamp: 1700000000000,
	}}
	server := newTestServer(t, backend, nil)

	var got []map[string]any
	decode(t, do(t, server, http.MethodGet, "/api/security-events?type=request_signature_invalid&remote=10.0.0.9&limit=5", ""), &got)
	want := []map[string]any{{
		"id":         float64(7),
		"event_type": "request_signature_invalid",
		"remote_ip":  "10.0.0.9",
		"details":    map[string]any{"error": "signature does not verify"},
		"severity":   "warning",
		"timestamp":  float64(1700000000000),
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected security events (-want +got):\n%s", diff)
	}

	wantFilter := storage.SecurityEventFilter{EventType: "request_signature_invalid", RemoteIP: "10.0.0.9", Limit: 5}
	if diff := cmp.Diff(wantFilter, backend.lastSecurity); diff != "" {
		t.Fatalf("unexpected filter (-want +got):\n%s", diff)
	}

	rec := do(t, server, http.MethodGet, "/api/security-events?limit=-1", "")
	assertError(t, rec, http.StatusBadRequest, KindInvalidRequest)
}

func TestMetricsEndpoint(t *testing.T) {
	server := newTestServer(t, newFakeBackend(), nil)
	rec := do(t, server, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected metrics endpoint to respond, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "peerdesk_") {
		t.Fatalf("expected peerdesk metrics in output")
	}
}

func TestEventStream(t *testing.T) {
	bus := events.NewBus(logging.Discard())
	server := newTestServer(t, newFakeBackend(), bus)
	httpServer := httptest.NewServer(server.Handler())
	defer httpServer.Close()

	url := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	// The subscription is registered after the upgrade; publish until it lands.
	received := make(chan events.Event, 1)
	go func() {
		var event events.Event
		if err := conn.ReadJSON(&event); err == nil {
			received <- event
		}
	}()

	deadline := time.After(2 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case event := <-received:
			if event.Type != events.RequestReceived || event.RequestID != "req-7" {
				t.Fatalf("unexpected event %+v", event)
			}
			return
		case <-tick.C:
			bus.Publish(events.Event{Type: events.RequestReceived, RequestID: "req-7"})
		case <-deadline:
			t.Fatalf("no event received over WebSocket")
		}
	}
}

func TestEventStreamRejectsForeignOrigin(t *testing.T) {
	bus := events.NewBus(logging.Discard())
	server := newTestServer(t, newFakeBackend(), bus)
	httpServer := httptest.NewServer(server.Handler())
	defer httpServer.Close()

	url := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/api/events"
	header := http.Header{"Origin": []string{"https://evil.example"}}
	if _, _, err := websocket.DefaultDialer.Dial(url, header); err == nil {
		t.Fatalf("expected foreign origin to be refused")
	}
}

func newTestServer(t *testing.T, backend Backend, bus *events.Bus) *Server {
	t.Helper()
	server, err := New(Config{Backend: backend, Events: bus, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return server
}

func do(t *testing.T, server *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func assertError(t *testing.T, rec *httptest.ResponseRecorder, status int, kind string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, rec.Code, rec.Body)
	}
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Kind != kind {
		t.Fatalf("expected kind %q, got %q", kind, body.Kind)
	}
}

type fakeBackend struct {
	mu               sync.Mutex
	devices          []models.DeviceRecord
	pending          []models.ConnectionRequest
	lastDecision     authz.Decision
	respondErr       error
	sendErr          error
	sendCalls        int
	lastDeviceID     string
	lastHistoryLimit int
	records          map[string]storage.RequestAudit
	security         []storage.SecurityEvent
	lastSecurity     storage.SecurityEventFilter
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{}
}

func (b *fakeBackend) ListDevices() []models.DeviceRecord { return b.devices }

func (b *fakeBackend) StartDiscovery(string) (discovery.StartResult, error) {
	return discovery.Started, nil
}

func (b *fakeBackend) StopDiscovery() discovery.StopResult { return discovery.Stopped }

func (b *fakeBackend) SendRequest(_ context.Context, deviceID string, _ []string, _ string) (network.Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendCalls++
	b.lastDeviceID = deviceID
	if b.sendErr != nil {
		return network.Response{}, b.sendErr
	}
	return network.Response{RequestID: "remote-1", Accepted: true, State: models.RequestAccepted}, nil
}

func (b *fakeBackend) ListPending() []models.ConnectionRequest { return b.pending }

func (b *fakeBackend) GetRequest(requestID string) (models.ConnectionRequest, error) {
	for _, request := range b.pending {
		if request.RequestID == requestID {
			return request, nil
		}
	}
	return models.ConnectionRequest{}, ledger.ErrUnknownRequest
}

func (b *fakeBackend) RequestHistory(_ context.Context, limit int) ([]storage.RequestAudit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastHistoryLimit = limit
	return []storage.RequestAudit{}, nil
}

func (b *fakeBackend) RequestRecord(_ context.Context, requestID string) (storage.RequestAudit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	record, ok := b.records[requestID]
	if !ok {
		return storage.RequestAudit{}, fmt.Errorf("%w: %s", ledger.ErrUnknownRequest, requestID)
	}
	return record, nil
}

func (b *fakeBackend) SecurityEvents(_ context.Context, filter storage.SecurityEventFilter) ([]storage.SecurityEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastSecurity = filter
	return b.security, nil
}

func (b *fakeBackend) Respond(_ context.Context, decision authz.Decision) (authz.Outcome, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastDecision = decision
	if b.respondErr != nil {
		return authz.Outcome{}, b.respondErr
	}
	return authz.Outcome{Request: models.ConnectionRequest{RequestID: decision.RequestID}}, nil
}

func (b *fakeBackend) ListActiveGrants() []models.PermissionGrant { return nil }

func (b *fakeBackend) RevokeGrant(string) (models.PermissionGrant, error) {
	return models.PermissionGrant{}, authz.ErrUnknownGrant
}

func (b *fakeBackend) SessionID(context.Context) (models.SessionIdentifier, error) {
	return "ABCD2345", nil
}

func (b *fakeBackend) RegenerateSessionID(context.Context) (models.SessionIdentifier, error) {
	return "WXYZ6789", nil
}

func (b *fakeBackend) Stats() Stats { return Stats{} }
