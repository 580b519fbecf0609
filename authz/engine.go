// Package authz applies user decisions to pending connection requests and
// tracks the permission grants they produce.
package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"peerdesk/events"
	"peerdesk/ledger"
	"peerdesk/metrics"
	"peerdesk/models"
)

const (
	// DefaultSessionDuration applies when a decision leaves the duration unset.
	DefaultSessionDuration = 60 * time.Minute
	// DefaultMaxSessionDuration caps any granted session.
	DefaultMaxSessionDuration = 8 * time.Hour
	// DefaultMaxActiveGrants bounds concurrently active grants.
	DefaultMaxActiveGrants = 3
	// DefaultDispatchMaxElapsed bounds retries of one session signal.
	DefaultDispatchMaxElapsed = 30 * time.Second
	// DefaultSweepInterval is the grant expiry sweep cadence.
	DefaultSweepInterval = time.Second
	// DefaultGrantRetention is how long ended grants stay queryable.
	DefaultGrantRetention = 24 * time.Hour
	// DefaultDenialReason is recorded when a denial carries no reason.
	DefaultDenialReason = "denied by user"
)

var (
	// ErrPermissionEscalation indicates granted permissions outside the requested set.
	ErrPermissionEscalation = errors.New("authz: granted permissions exceed requested permissions")
	// ErrInvalidDuration indicates a negative session duration.
	ErrInvalidDuration = errors.New("authz: invalid session duration")
	// ErrTooManyActiveGrants indicates the concurrent grant limit was reached.
	ErrTooManyActiveGrants = errors.New("authz: too many active grants")
	// ErrGrantNotActive indicates the grant expired or was revoked.
	ErrGrantNotActive = errors.New("authz: grant is not active")
	// ErrUnknownGrant indicates no grant exists for the request.
	ErrUnknownGrant = errors.New("authz: unknown grant")
	// ErrPermissionNotGranted indicates an active grant that lacks the permission.
	ErrPermissionNotGranted = errors.New("authz: permission not granted")
)

// RequestLedger is the part of the request ledger the engine drives.
type RequestLedger interface {
	Resolve(requestID string, fn ledger.ResolveFunc) (models.ConnectionRequest, ledger.Resolution, error)
	Wait(ctx context.Context, requestID string) (models.ConnectionRequest, error)
}

// Signal tells the capture collaborator to start a session.
type Signal struct {
	RequestID          string               `json:"request_id"`
	RequesterDeviceID  string               `json:"requester_device_id"`
	GrantedPermissions models.PermissionSet `json:"granted_permissions"`
	ExpiresAt          time.Time            `json:"expires_at"`
}

// SessionStarter is the capture and encoding collaborator. Deliveries are
// at-least-once, so implementations must tolerate duplicates.
type SessionStarter interface {
	StartSession(ctx context.Context, signal Signal) error
	StopSession(ctx context.Context, requestID string) error
}

// Decision is the user's answer to a pending request.
type Decision struct {
	RequestID string
	Accepted  bool
	// GrantedPermissions nil means every requested permission.
	GrantedPermissions []string
	// SessionDuration zero means DefaultSessionDuration.
	SessionDuration time.Duration
	DenialReason    string
}

// Outcome is a resolved request and, when accepted, its grant.
type Outcome struct {
	Request models.ConnectionRequest `json:"request"`
	Grant   *models.PermissionGrant  `json:"grant,omitempty"`
}

// Config controls grant limits and signal delivery.
type Config struct {
	Ledger   RequestLedger
	Sessions SessionStarter

	DefaultSessionDuration time.Duration
	MaxSessionDuration     time.Duration
	MaxActiveGrants        int
	DispatchMaxElapsed     time.Duration
	SweepInterval          time.Duration
	GrantRetention         time.Duration

	Logger    *slog.Logger
	Publisher events.Publisher
	Now       func() time.Time
}

func (c Config) withDefaults() Config {
	out := c
	if out.DefaultSessionDuration <= 0 {
		out.DefaultSessionDuration = DefaultSessionDuration
	}
	if out.MaxSessionDuration <= 0 {
		out.MaxSessionDuration = DefaultMaxSessionDuration
	}
	if out.DefaultSessionDuration > out.MaxSessionDuration {
		out.DefaultSessionDuration = out.MaxSessionDuration
	}
	if out.MaxActiveGrants <= 0 {
		out.MaxActiveGrants = DefaultMaxActiveGrants
	}
	if out.DispatchMaxElapsed <= 0 {
		out.DispatchMaxElapsed = DefaultDispatchMaxElapsed
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = DefaultSweepInterval
	}
	if out.GrantRetention <= 0 {
		out.GrantRetention = DefaultGrantRetention
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
	return out
}

type grantEntry struct {
	grant models.PermissionGrant
	ended bool
}

// Engine validates decisions and owns the grant table.
type Engine struct {
	cfg      Config
	log      *slog.Logger
	ledger   RequestLedger
	sessions SessionStarter
	signals  *dispatcher

	mu     sync.RWMutex
	grants map[string]*grantEntry
}

// New creates an engine over the given ledger. Run must be started for
// session signals and grant expiry to be processed.
func New(config Config) (*Engine, error) {
	if config.Ledger == nil {
		return nil, errors.New("authz: ledger is required")
	}
	cfg := config.withDefaults()
	log := cfg.Logger.With("component", "authz")
	sessions := cfg.Sessions
	if sessions == nil {
		sessions = LogSessions{Logger: log}
	}
	e := &Engine{
		cfg:      cfg,
		log:      log,
		ledger:   cfg.Ledger,
		sessions: sessions,
		grants:   make(map[string]*grantEntry),
	}
	e.signals = newDispatcher(sessions, cfg.DispatchMaxElapsed, log, e.signalAbandoned)
	return e, nil
}

// signalAbandoned ends a grant whose session never started, so no grant
// stays active without a session behind it.
func (e *Engine) signalAbandoned(kind signalKind, signal Signal, err error) {
	if kind != signalStart {
		return
	}
	e.cfg.Publisher.Publish(events.Event{
		Type:      events.SessionStartFailed,
		DeviceID:  signal.RequesterDeviceID,
		RequestID: signal.RequestID,
		Data:      map[string]string{"error": err.Error()},
	})
	if _, revokeErr := e.Revoke(signal.RequestID); revokeErr != nil && !errors.Is(revokeErr, ErrGrantNotActive) {
		e.log.Warn("Failed to revoke grant without session",
			slog.String("request_id", signal.RequestID),
			slog.String("error", revokeErr.Error()),
		)
	}
}

// Run delivers session signals and expires grants until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e.signals.run(ctx)
		return nil
	})
	g.Go(func() error {
		e.sweepLoop(ctx)
		return nil
	})
	return g.Wait()
}

// Respond applies a decision. Validation runs inside the ledger's atomic
// resolve, so a rejected decision leaves the request pending and unchanged.
func (e *Engine) Respond(ctx context.Context, decision Decision) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	if decision.SessionDuration < 0 {
		return Outcome{}, fmt.Errorf("%w: %s", ErrInvalidDuration, decision.SessionDuration)
	}
	duration := decision.SessionDuration
	if duration == 0 {
		duration = e.cfg.DefaultSessionDuration
	}
	if duration > e.cfg.MaxSessionDuration {
		duration = e.cfg.MaxSessionDuration
	}

	request, resolution, err := e.ledger.Resolve(decision.RequestID, func(request models.ConnectionRequest, now time.Time) (ledger.Resolution, error) {
		if !decision.Accepted {
			reason := decision.DenialReason
			if reason == "" {
				reason = DefaultDenialReason
			}
			return ledger.Resolution{State: models.RequestDenied, DenialReason: reason}, nil
		}
		return e.grantLocked(request, decision.GrantedPermissions, duration, now)
	})
	if err != nil {
		return Outcome{}, err
	}

	outcome := Outcome{Request: request}
	if resolution.Grant == nil {
		return outcome, nil
	}

	grant := resolution.Grant.Clone()
	outcome.Grant = &grant
	e.refreshGauge()
	e.log.Info("Permission grant created",
		slog.String("request_id", grant.RequestID),
		slog.String("requester_device_id", grant.RequesterDeviceID),
		slog.Any("permissions", grant.GrantedPermissions.Strings()),
		slog.Time("expires_at", grant.ExpiresAt),
	)
	e.cfg.Publisher.Publish(events.Event{
		Type:      events.GrantCreated,
		DeviceID:  grant.RequesterDeviceID,
		RequestID: grant.RequestID,
		Data:      grant.Clone(),
	})
	e.signals.start(Signal{
		RequestID:          grant.RequestID,
		RequesterDeviceID:  grant.RequesterDeviceID,
		GrantedPermissions: grant.GrantedPermissions.Clone(),
		ExpiresAt:          grant.ExpiresAt,
	})
	return outcome, nil
}

// grantLocked runs inside the ledger's resolve callback. It takes e.mu
// after the ledger lock and must never call back into the ledger.
func (e *Engine) grantLocked(request models.ConnectionRequest, raw []string, duration time.Duration, now time.Time) (ledger.Resolution, error) {
	granted := request.RequestedPermissions.Clone()
	if raw != nil {
		parsed, err := models.ParsePermissions(raw)
		if err != nil {
			return ledger.Resolution{}, err
		}
		if !parsed.IsSubsetOf(request.RequestedPermissions) {
			return ledger.Resolution{}, fmt.Errorf("%w: granted %v, requested %v",
				ErrPermissionEscalation, parsed.Strings(), request.RequestedPermissions.Strings())
		}
		granted = parsed
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if active := e.activeCountLocked(now); active >= e.cfg.MaxActiveGrants {
		return ledger.Resolution{}, fmt.Errorf("%w: %d active", ErrTooManyActiveGrants, active)
	}

	grant := models.PermissionGrant{
		RequestID:          request.RequestID,
		RequesterDeviceID:  request.RequesterDeviceID,
		RequesterName:      request.RequesterName,
		GrantedPermissions: granted,
		SessionDuration:    duration,
		GrantedAt:          now,
		ExpiresAt:          now.Add(duration),
	}
	e.grants[request.RequestID] = &grantEntry{grant: grant}
	return ledger.Resolution{State: models.RequestAccepted, Grant: &grant}, nil
}

// Await blocks until the request is resolved and returns its outcome.
func (e *Engine) Await(ctx context.Context, requestID string) (Outcome, error) {
	request, err := e.ledger.Wait(ctx, requestID)
	if err != nil {
		return Outcome{}, err
	}
	outcome := Outcome{Request: request}
	if request.State != models.RequestAccepted {
		return outcome, nil
	}

	e.mu.RLock()
	entry, ok := e.grants[requestID]
	if ok {
		grant := entry.grant.Clone()
		outcome.Grant = &grant
	}
	e.mu.RUnlock()
	return outcome, nil
}

// ListActiveGrants returns grants still active at now, oldest first.
func (e *Engine) ListActiveGrants(now time.Time) []models.PermissionGrant {
	e.mu.RLock()
	out := make([]models.PermissionGrant, 0, len(e.grants))
	for _, entry := range e.grants {
		if !entry.ended && entry.grant.Active(now) {
			out = append(out, entry.grant.Clone())
		}
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].GrantedAt.Equal(out[j].GrantedAt) {
			return out[i].RequestID < out[j].RequestID
		}
		return out[i].GrantedAt.Before(out[j].GrantedAt)
	})
	return out
}

// Grant returns the grant for requestID if it is active at now.
func (e *Engine) Grant(requestID string, now time.Time) (models.PermissionGrant, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.grants[requestID]
	if !ok {
		return models.PermissionGrant{}, ErrUnknownGrant
	}
	if entry.ended || !entry.grant.Active(now) {
		return models.PermissionGrant{}, fmt.Errorf("%w: ended at %s", ErrGrantNotActive, entry.grant.ExpiresAt.Format(time.RFC3339))
	}
	return entry.grant.Clone(), nil
}

// Authorize reports whether requestID currently holds permission.
func (e *Engine) Authorize(requestID string, permission models.Permission, now time.Time) error {
	grant, err := e.Grant(requestID, now)
	if err != nil {
		return err
	}
	if !grant.GrantedPermissions.Contains(permission) {
		return fmt.Errorf("%w: %s", ErrPermissionNotGranted, permission)
	}
	return nil
}

// Revoke ends an active grant immediately and stops its session.
func (e *Engine) Revoke(requestID string) (models.PermissionGrant, error) {
	now := e.cfg.Now()

	e.mu.Lock()
	entry, ok := e.grants[requestID]
	if !ok {
		e.mu.Unlock()
		return models.PermissionGrant{}, ErrUnknownGrant
	}
	if entry.ended || !entry.grant.Active(now) {
		e.mu.Unlock()
		return models.PermissionGrant{}, ErrGrantNotActive
	}
	entry.grant.ExpiresAt = now
	entry.ended = true
	revoked := entry.grant.Clone()
	e.mu.Unlock()

	e.refreshGauge()
	e.log.Info("Permission grant revoked", slog.String("request_id", requestID))
	e.cfg.Publisher.Publish(events.Event{
		Type:      events.GrantRevoked,
		DeviceID:  revoked.RequesterDeviceID,
		RequestID: requestID,
		Data:      revoked,
	})
	e.signals.stop(requestID)
	return revoked, nil
}

// ExpireGrants ends every grant whose expiry has passed at now, emitting
// one grant.expired event per grant, and returns them.
func (e *Engine) ExpireGrants(now time.Time) []models.PermissionGrant {
	e.mu.Lock()
	var expired []models.PermissionGrant
	for id, entry := range e.grants {
		if entry.ended {
			if now.Sub(entry.grant.ExpiresAt) > e.cfg.GrantRetention {
				delete(e.grants, id)
			}
			continue
		}
		if !entry.grant.Active(now) {
			entry.ended = true
			expired = append(expired, entry.grant.Clone())
		}
	}
	e.mu.Unlock()

	if len(expired) == 0 {
		return nil
	}
	e.refreshGauge()
	for _, grant := range expired {
		e.log.Info("Permission grant expired", slog.String("request_id", grant.RequestID))
		e.cfg.Publisher.Publish(events.Event{
			Type:      events.GrantExpired,
			DeviceID:  grant.RequesterDeviceID,
			RequestID: grant.RequestID,
			Data:      grant,
		})
		e.signals.stop(grant.RequestID)
	}
	return expired
}

func (e *Engine) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.ExpireGrants(e.cfg.Now())
		}
	}
}

func (e *Engine) activeCountLocked(now time.Time) int {
	count := 0
	for _, entry := range e.grants {
		if !entry.ended && entry.grant.Active(now) {
			count++
		}
	}
	return count
}

func (e *Engine) refreshGauge() {
	now := e.cfg.Now()
	e.mu.RLock()
	active := e.activeCountLocked(now)
	e.mu.RUnlock()
	metrics.ActiveGrants.Set(float64(active))
}
