// Package ledger stores inbound connection requests and owns their
// Pending to Accepted, Denied or Expired transitions.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"peerdesk/events"
	"peerdesk/metrics"
	"peerdesk/models"
)

const (
	// DefaultMaxPendingPerDevice bounds simultaneous pending requests from one requester.
	DefaultMaxPendingPerDevice = 100
	// DefaultMaxPendingTotal bounds simultaneous pending requests overall.
	DefaultMaxPendingTotal = 1000
	// DefaultMaxAge is how long a request may wait for a decision.
	DefaultMaxAge = 60 * time.Second
	// DefaultSweepInterval is the expiry sweep cadence.
	DefaultSweepInterval = 5 * time.Second
	// DefaultAuditTimeout bounds one audit write.
	DefaultAuditTimeout = 5 * time.Second

	// CancelledReason is recorded on requests withdrawn by the requester.
	CancelledReason = "cancelled"
	// ExpiredReason is recorded on requests that aged out.
	ExpiredReason = "expired before a decision was made"

	maxMessageLength = 1024
	maxNameLength    = 128
)

var (
	// ErrTooManyPendingRequests indicates a per-requester or global pending bound was hit.
	ErrTooManyPendingRequests = errors.New("ledger: too many pending requests")
	// ErrRequestNotPending indicates the request already left the pending state.
	ErrRequestNotPending = errors.New("ledger: request is not pending")
	// ErrRequestExpired indicates the request expired before it was resolved.
	ErrRequestExpired = errors.New("ledger: request expired")
	// ErrUnknownRequest indicates no request with that ID is held.
	ErrUnknownRequest = errors.New("ledger: unknown request")
	// ErrInvalidRequest indicates missing or malformed requester identity.
	ErrInvalidRequest = errors.New("ledger: invalid request")
)

// AuditSink durably records request state changes.
type AuditSink interface {
	RecordRequest(ctx context.Context, request models.ConnectionRequest, grant *models.PermissionGrant) error
}

// Config controls ledger bounds and expiry.
type Config struct {
	MaxPendingPerDevice int
	MaxPendingTotal     int
	MaxAge              time.Duration
	SweepInterval       time.Duration

	Audit     AuditSink
	Logger    *slog.Logger
	Publisher events.Publisher
	Now       func() time.Time

	newID func() string
}

func (c Config) withDefaults() Config {
	out := c
	if out.MaxPendingPerDevice <= 0 {
		out.MaxPendingPerDevice = DefaultMaxPendingPerDevice
	}
	if out.MaxPendingTotal <= 0 {
		out.MaxPendingTotal = DefaultMaxPendingTotal
	}
	if out.MaxAge <= 0 {
		out.MaxAge = DefaultMaxAge
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = DefaultSweepInterval
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.Publisher == nil {
		out.Publisher = events.Discard
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	if out.newID == nil {
		out.newID = uuid.NewString
	}
	return out
}

// SubmitParams is an inbound request as received from the transport.
type SubmitParams struct {
	RequesterDeviceID    string
	RequesterName        string
	RequesterIP          string
	RequestedPermissions []string
	Message              string
	KeyFingerprint       string
}

// Resolution is the decision a ResolveFunc applies to a pending request.
type Resolution struct {
	State        models.RequestState
	DenialReason string
	Grant        *models.PermissionGrant
}

// ResolveFunc validates a decision against the pending request. It runs
// under the ledger lock; returning an error leaves the request untouched.
type ResolveFunc func(request models.ConnectionRequest, now time.Time) (Resolution, error)

// Stats counts requests currently held in memory by state.
type Stats struct {
	Pending  int `json:"pending"`
	Accepted int `json:"accepted"`
	Denied   int `json:"denied"`
	Expired  int `json:"expired"`
}

type entry struct {
	request models.ConnectionRequest
	done    chan struct{}
}

// Ledger is the authoritative store of connection requests.
type Ledger struct {
	cfg Config
	log *slog.Logger

	mu              sync.Mutex
	requests        map[string]*entry
	pendingByDevice map[string]int
	pendingTotal    int
}

// New creates an empty ledger.
func New(config Config) *Ledger {
	cfg := config.withDefaults()
	return &Ledger{
		cfg:             cfg,
		log:             cfg.Logger.With("component", "ledger"),
		requests:        make(map[string]*entry),
		pendingByDevice: make(map[string]int),
	}
}

// MaxAge returns the configured decision window.
func (l *Ledger) MaxAge() time.Duration {
	return l.cfg.MaxAge
}

// Submit validates an inbound request, stores it as pending and returns its new ID.
func (l *Ledger) Submit(params SubmitParams) (string, error) {
	request, err := l.parse(params)
	if err != nil {
		metrics.RequestsRejected.WithLabelValues(rejectKind(err)).Inc()
		return "", err
	}

	l.mu.Lock()
	if l.pendingByDevice[request.RequesterDeviceID] >= l.cfg.MaxPendingPerDevice {
		l.mu.Unlock()
		metrics.RequestsRejected.WithLabelValues(rejectKind(ErrTooManyPendingRequests)).Inc()
		return "", fmt.Errorf("%w: %d pending from %s", ErrTooManyPendingRequests, l.cfg.MaxPendingPerDevice, request.RequesterDeviceID)
	}
	if l.pendingTotal >= l.cfg.MaxPendingTotal {
		l.mu.Unlock()
		metrics.RequestsRejected.WithLabelValues(rejectKind(ErrTooManyPendingRequests)).Inc()
		return "", fmt.Errorf("%w: %d pending in total", ErrTooManyPendingRequests, l.cfg.MaxPendingTotal)
	}

	request.RequestID = l.uniqueIDLocked()
	request.Timestamp = l.cfg.Now()
	request.State = models.RequestPending
	l.requests[request.RequestID] = &entry{request: request, done: make(chan struct{})}
	l.pendingByDevice[request.RequesterDeviceID]++
	l.pendingTotal++
	pending := l.pendingTotal
	l.mu.Unlock()

	metrics.RequestsSubmitted.Inc()
	metrics.PendingRequests.Set(float64(pending))
	l.log.Info("Connection request received",
		slog.String("request_id", request.RequestID),
		slog.String("requester_device_id", request.RequesterDeviceID),
		slog.String("requester_ip", request.RequesterIP),
		slog.Any("permissions", request.RequestedPermissions.Strings()),
	)
	l.audit(request, nil)
	l.cfg.Publisher.Publish(events.Event{
		Type:      events.RequestReceived,
		DeviceID:  request.RequesterDeviceID,
		RequestID: request.RequestID,
		Data:      request.Clone(),
	})
	return request.RequestID, nil
}

// Get returns a copy of one request in any state.
func (l *Ledger) Get(requestID string) (models.ConnectionRequest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.requests[requestID]
	if !ok {
		return models.ConnectionRequest{}, ErrUnknownRequest
	}
	return e.request.Clone(), nil
}

// ListPending returns pending requests oldest first.
func (l *Ledger) ListPending() []models.ConnectionRequest {
	return l.list(func(r models.ConnectionRequest) bool { return r.Pending() })
}

// ListResolved returns requests that left the pending state and are still
// retained for audit, oldest first.
func (l *Ledger) ListResolved() []models.ConnectionRequest {
	return l.list(func(r models.ConnectionRequest) bool { return !r.Pending() })
}

func (l *Ledger) list(keep func(models.ConnectionRequest) bool) []models.ConnectionRequest {
	l.mu.Lock()
	out := make([]models.ConnectionRequest, 0, len(l.requests))
	for _, e := range l.requests {
		if keep(e.request) {
			out = append(out, e.request.Clone())
		}
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].RequestID < out[j].RequestID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// ExpireStale moves every pending request older than maxAge to Expired and
// returns them.
func (l *Ledger) ExpireStale(maxAge time.Duration) []models.ConnectionRequest {
	now := l.cfg.Now()

	l.mu.Lock()
	var expired []models.ConnectionRequest
	for _, e := range l.requests {
		if e.request.Pending() && now.Sub(e.request.Timestamp) > maxAge {
			l.transitionLocked(e, models.RequestExpired, ExpiredReason, now)
			expired = append(expired, e.request.Clone())
		}
	}
	pending := l.pendingTotal
	l.mu.Unlock()

	metrics.PendingRequests.Set(float64(pending))
	for _, request := range expired {
		l.finish(request, nil, events.RequestExpired)
	}
	return expired
}

// Resolve atomically checks that requestID is still pending and applies the
// decision produced by fn. fn runs under the ledger lock, so no sweep or
// concurrent decision can interleave between the check and the transition.
func (l *Ledger) Resolve(requestID string, fn ResolveFunc) (models.ConnectionRequest, Resolution, error) {
	now := l.cfg.Now()

	l.mu.Lock()
	e, ok := l.requests[requestID]
	if !ok {
		l.mu.Unlock()
		return models.ConnectionRequest{}, Resolution{}, ErrUnknownRequest
	}

	switch e.request.State {
	case models.RequestPending:
	case models.RequestExpired:
		l.mu.Unlock()
		return models.ConnectionRequest{}, Resolution{}, fmt.Errorf("%w: %w", ErrRequestExpired, ErrRequestNotPending)
	default:
		state := e.request.State
		l.mu.Unlock()
		return models.ConnectionRequest{}, Resolution{}, fmt.Errorf("%w: already %s", ErrRequestNotPending, state)
	}

	if now.Sub(e.request.Timestamp) > l.cfg.MaxAge {
		l.transitionLocked(e, models.RequestExpired, ExpiredReason, now)
		expired := e.request.Clone()
		pending := l.pendingTotal
		l.mu.Unlock()

		metrics.PendingRequests.Set(float64(pending))
		l.finish(expired, nil, events.RequestExpired)
		return models.ConnectionRequest{}, Resolution{}, fmt.Errorf("%w: %w", ErrRequestExpired, ErrRequestNotPending)
	}

	resolution, err := fn(e.request.Clone(), now)
	if err != nil {
		l.mu.Unlock()
		return models.ConnectionRequest{}, Resolution{}, err
	}
	if resolution.State != models.RequestAccepted && resolution.State != models.RequestDenied {
		l.mu.Unlock()
		return models.ConnectionRequest{}, Resolution{}, fmt.Errorf("ledger: invalid resolution state %q", resolution.State)
	}

	l.transitionLocked(e, resolution.State, resolution.DenialReason, now)
	resolved := e.request.Clone()
	pending := l.pendingTotal
	l.mu.Unlock()

	metrics.PendingRequests.Set(float64(pending))
	eventType := events.RequestDenied
	if resolution.State == models.RequestAccepted {
		eventType = events.RequestAccepted
	}
	l.finish(resolved, resolution.Grant, eventType)
	return resolved, resolution, nil
}

// Cancel expires a pending request on behalf of its requester, for example
// when the inbound connection dropped before a decision.
func (l *Ledger) Cancel(requestID string) error {
	now := l.cfg.Now()

	l.mu.Lock()
	e, ok := l.requests[requestID]
	if !ok {
		l.mu.Unlock()
		return ErrUnknownRequest
	}
	if !e.request.Pending() {
		l.mu.Unlock()
		return ErrRequestNotPending
	}
	l.transitionLocked(e, models.RequestExpired, CancelledReason, now)
	cancelled := e.request.Clone()
	pending := l.pendingTotal
	l.mu.Unlock()

	metrics.PendingRequests.Set(float64(pending))
	l.finish(cancelled, nil, events.RequestCancelled)
	return nil
}

// Wait blocks until requestID leaves the pending state or ctx ends, then
// returns the request as resolved.
func (l *Ledger) Wait(ctx context.Context, requestID string) (models.ConnectionRequest, error) {
	l.mu.Lock()
	e, ok := l.requests[requestID]
	l.mu.Unlock()
	if !ok {
		return models.ConnectionRequest{}, ErrUnknownRequest
	}

	select {
	case <-e.done:
	case <-ctx.Done():
		return models.ConnectionRequest{}, ctx.Err()
	}
	return l.Get(requestID)
}

// ClearResolved drops non-pending requests from memory and returns how many were removed.
func (l *Ledger) ClearResolved() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for id, e := range l.requests {
		if !e.request.Pending() {
			delete(l.requests, id)
			removed++
		}
	}
	return removed
}

// Stats counts held requests by state.
func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	var stats Stats
	for _, e := range l.requests {
		switch e.request.State {
		case models.RequestPending:
			stats.Pending++
		case models.RequestAccepted:
			stats.Accepted++
		case models.RequestDenied:
			stats.Denied++
		case models.RequestExpired:
			stats.Expired++
		}
	}
	return stats
}

// Run expires stale requests every SweepInterval until ctx ends.
func (l *Ledger) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if expired := l.ExpireStale(l.cfg.MaxAge); len(expired) > 0 {
				l.log.Debug("Expired stale requests", slog.Int("count", len(expired)))
			}
		}
	}
}

func (l *Ledger) transitionLocked(e *entry, state models.RequestState, reason string, now time.Time) {
	e.request.State = state
	e.request.ResolvedAt = now
	if state != models.RequestAccepted {
		e.request.DenialReason = reason
	}
	close(e.done)

	deviceID := e.request.RequesterDeviceID
	l.pendingByDevice[deviceID]--
	if l.pendingByDevice[deviceID] <= 0 {
		delete(l.pendingByDevice, deviceID)
	}
	l.pendingTotal--
}

func (l *Ledger) finish(request models.ConnectionRequest, grant *models.PermissionGrant, eventType events.EventType) {
	metrics.Decisions.WithLabelValues(string(request.State)).Inc()
	l.log.Info("Connection request resolved",
		slog.String("request_id", request.RequestID),
		slog.String("state", string(request.State)),
		slog.String("reason", request.DenialReason),
	)
	l.audit(request, grant)

	var data any = request
	if grant != nil {
		data = grant.Clone()
	}
	l.cfg.Publisher.Publish(events.Event{
		Type:      eventType,
		DeviceID:  request.RequesterDeviceID,
		RequestID: request.RequestID,
		Data:      data,
	})
}

func (l *Ledger) audit(request models.ConnectionRequest, grant *models.PermissionGrant) {
	if l.cfg.Audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), DefaultAuditTimeout)
	defer cancel()
	if err := l.cfg.Audit.RecordRequest(ctx, request, grant); err != nil {
		l.log.Warn("Request audit write failed",
			slog.String("request_id", request.RequestID),
			slog.String("error", err.Error()),
		)
	}
}

func (l *Ledger) uniqueIDLocked() string {
	for {
		id := l.cfg.newID()
		if _, taken := l.requests[id]; !taken {
			return id
		}
	}
}

func (l *Ledger) parse(params SubmitParams) (models.ConnectionRequest, error) {
	permissions, err := models.ParsePermissions(params.RequestedPermissions)
	if err != nil {
		return models.ConnectionRequest{}, err
	}

	deviceID := strings.TrimSpace(params.RequesterDeviceID)
	if deviceID == "" {
		return models.ConnectionRequest{}, fmt.Errorf("%w: requester device id is required", ErrInvalidRequest)
	}
	name := strings.TrimSpace(params.RequesterName)
	if name == "" {
		return models.ConnectionRequest{}, fmt.Errorf("%w: requester name is required", ErrInvalidRequest)
	}
	if len(name) > maxNameLength {
		name = name[:maxNameLength]
	}
	ip := net.ParseIP(strings.TrimSpace(params.RequesterIP))
	if ip == nil {
		return models.ConnectionRequest{}, fmt.Errorf("%w: requester ip %q", ErrInvalidRequest, params.RequesterIP)
	}
	message := strings.TrimSpace(params.Message)
	if len(message) > maxMessageLength {
		return models.ConnectionRequest{}, fmt.Errorf("%w: message exceeds %d bytes", ErrInvalidRequest, maxMessageLength)
	}

	return models.ConnectionRequest{
		RequesterDeviceID:    deviceID,
		RequesterName:        name,
		RequesterIP:          ip.String(),
		RequestedPermissions: permissions,
		Message:              message,
		KeyFingerprint:       strings.TrimSpace(params.KeyFingerprint),
	}, nil
}

func rejectKind(err error) string {
	switch {
	case errors.Is(err, models.ErrInvalidPermissionSet):
		return "invalid_permission_set"
	case errors.Is(err, ErrTooManyPendingRequests):
		return "too_many_pending_requests"
	default:
		return "invalid_request"
	}
}
