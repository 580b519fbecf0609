// Package host builds every peerdesk service from a device config and owns
// their lifecycle.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"peerdesk/api"
	"peerdesk/authz"
	"peerdesk/config"
	"peerdesk/crypto"
	"peerdesk/discovery"
	"peerdesk/events"
	"peerdesk/ledger"
	"peerdesk/logging"
	"peerdesk/models"
	"peerdesk/network"
	"peerdesk/sessionid"
	"peerdesk/storage"
)

const (
	// DefaultNonceRetention keeps nonces for twice the accepted clock skew.
	DefaultNonceRetention = 2 * network.DefaultMaxClockSkew
	// DefaultMaintenanceInterval is how often stale nonces are pruned.
	DefaultMaintenanceInterval = time.Minute

	shutdownTimeout = 5 * time.Second
)

// Version is advertised in discovery announcements. Set at link time.
var Version = "dev"

// Options configures a Host. Device and DataDir are required.
type Options struct {
	Device  *config.DeviceConfig
	DataDir string
	Logger  *slog.Logger

	// Sessions receives session start and stop signals. Defaults to authz.LogSessions.
	Sessions authz.SessionStarter

	// Address overrides; empty values derive from Device.
	TransportAddress string
	DiscoveryAddress string
	BroadcastAddress string
	APIAddress       string

	// StartDiscovery starts the beacon as part of Start.
	StartDiscovery bool
	// DisableAPI skips binding the control API.
	DisableAPI bool

	MaintenanceInterval time.Duration
	Now                 func() time.Time
}

// Host is one running peerdesk instance.
type Host struct {
	opts Options
	cfg  *config.DeviceConfig
	root *slog.Logger
	log  *slog.Logger
	now  func() time.Time

	store   *storage.Store
	bus     *events.Bus
	beacon  *discovery.Beacon
	ledger  *ledger.Ledger
	engine  *authz.Engine
	session *sessionid.Service
	client  *network.Client
	api     *api.Server

	mu        sync.Mutex
	started   bool
	server    *network.Server
	cancel    context.CancelFunc
	group     *errgroup.Group
	closeOnce sync.Once
	closeErr  error
}

// New opens storage, loads the device identity and constructs every service.
// Nothing listens until Start.
func New(opts Options) (*Host, error) {
	if opts.Device == nil {
		return nil, errors.New("host: device config is required")
	}
	if opts.DataDir == "" {
		return nil, errors.New("host: data directory is required")
	}
	if err := opts.Device.Validate(); err != nil {
		return nil, err
	}
	if opts.MaintenanceInterval <= 0 {
		opts.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	cfg := opts.Device
	log := logging.OrDefault(opts.Logger)

	store, dbPath, err := storage.Open(opts.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	h := &Host{
		opts:  opts,
		cfg:   cfg,
		root:  log,
		log:   log.With("component", "host"),
		now:   opts.Now,
		store: store,
		bus:   events.NewBus(log),
	}
	if err := h.build(); err != nil {
		_ = store.Close()
		return nil, err
	}

	h.log.Info("Host ready",
		slog.String("device_id", cfg.DeviceID),
		slog.String("device_name", cfg.DeviceName),
		slog.String("fingerprint", crypto.FormatFingerprint(cfg.KeyFingerprint)),
		slog.String("database", dbPath),
	)
	return h, nil
}

func (h *Host) build() error {
	cfg, log := h.cfg, h.root

	identity, err := crypto.LoadOrCreateIdentity(cfg.Ed25519PrivateKeyPath, cfg.Ed25519PublicKeyPath)
	if err != nil {
		return fmt.Errorf("load device identity: %w", err)
	}
	if fingerprint := identity.Fingerprint(); cfg.KeyFingerprint != fingerprint {
		cfg.KeyFingerprint = fingerprint
		if err := config.Save(config.ConfigPath(h.opts.DataDir), cfg); err != nil {
			return fmt.Errorf("persist key fingerprint: %w", err)
		}
	}

	h.store.SetRequestAuditRetention(cfg.AuditRetention.Std())
	h.store.SetSecurityEventRetention(cfg.SecurityEventRetention.Std())

	capabilities := make([]string, 0, len(models.AllPermissions()))
	for _, p := range models.AllPermissions() {
		capabilities = append(capabilities, string(p))
	}
	h.beacon, err = discovery.NewBeacon(discovery.Config{
		SelfDeviceID:     cfg.DeviceID,
		DeviceType:       cfg.DeviceType,
		Version:          Version,
		Capabilities:     capabilities,
		ServerPort:       cfg.ListeningPort,
		ListenAddress:    orDefault(h.opts.DiscoveryAddress, fmt.Sprintf(":%d", cfg.DiscoveryPort)),
		BroadcastAddress: orDefault(h.opts.BroadcastAddress, fmt.Sprintf("255.255.255.255:%d", cfg.DiscoveryPort)),
		AnnounceInterval: cfg.AnnounceInterval.Std(),
		LivenessWindow:   cfg.LivenessWindow.Std(),
		EnableMDNS:       cfg.EnableMDNS,
		Logger:           log,
		Publisher:        h.bus,
		Now:              h.now,
	})
	if err != nil {
		return fmt.Errorf("create discovery beacon: %w", err)
	}

	h.ledger = ledger.New(ledger.Config{
		MaxPendingPerDevice: cfg.MaxPendingPerDevice,
		MaxPendingTotal:     cfg.MaxPendingTotal,
		MaxAge:              cfg.RequestMaxAge.Std(),
		Audit:               auditSink{store: h.store},
		Logger:              log,
		Publisher:           h.bus,
		Now:                 h.now,
	})

	sessions := h.opts.Sessions
	if sessions == nil {
		sessions = authz.LogSessions{Logger: log.With("component", "sessions")}
	}
	h.engine, err = authz.New(authz.Config{
		Ledger:                 h.ledger,
		Sessions:               sessions,
		DefaultSessionDuration: cfg.DefaultSessionDuration.Std(),
		MaxSessionDuration:     cfg.MaxSessionDuration.Std(),
		MaxActiveGrants:        cfg.MaxActiveGrants,
		Logger:                 log,
		Publisher:              h.bus,
		Now:                    h.now,
	})
	if err != nil {
		return fmt.Errorf("create authorization engine: %w", err)
	}

	h.session, err = sessionid.New(sessionid.Config{Store: h.store, Logger: log, Publisher: h.bus})
	if err != nil {
		return fmt.Errorf("create session identifier service: %w", err)
	}

	h.client, err = network.NewClient(network.ClientConfig{
		Identity: network.LocalIdentity{DeviceID: cfg.DeviceID, DeviceName: cfg.DeviceName, Keys: identity},
		Logger:   log,
		Now:      h.now,
	})
	if err != nil {
		return fmt.Errorf("create transport client: %w", err)
	}

	h.api, err = api.New(api.Config{
		Address: orDefault(h.opts.APIAddress, cfg.APIAddress),
		Backend: h,
		Events:  h.bus,
		Logger:  log,
	})
	if err != nil {
		return fmt.Errorf("create control API: %w", err)
	}
	return nil
}

// Start binds the transport and control API and launches background loops.
// ctx bounds the background loops; Close stops everything regardless.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return errors.New("host: already started")
	}

	id, err := h.session.GetOrCreate(ctx)
	if err != nil {
		return err
	}

	server, err := network.Listen(network.ServerConfig{
		ListenAddress: orDefault(h.opts.TransportAddress, fmt.Sprintf(":%d", h.cfg.ListeningPort)),
		Ledger:        h.ledger,
		Decisions:     h.engine,
		Nonces:        h.store,
		Security:      h.store,
		ErrorKind:     api.ErrorKind,
		Logger:        h.root,
		Now:           h.now,
	})
	if err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	if !h.opts.DisableAPI {
		if err := h.api.Start(); err != nil {
			_ = server.Close()
			return fmt.Errorf("start control API: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, runCtx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		h.ledger.Run(runCtx)
		return nil
	})
	group.Go(func() error { return h.engine.Run(runCtx) })
	group.Go(func() error {
		h.maintain(runCtx)
		return nil
	})
	group.Go(func() error {
		h.watchTransport(runCtx, server.Errors())
		return nil
	})

	h.server = server
	h.cancel = cancel
	h.group = group
	h.started = true

	h.log.Info("Host started",
		slog.String("transport", server.Addr().String()),
		slog.String("session_id", string(id)),
	)

	if h.opts.StartDiscovery {
		if _, err := h.beacon.Start(h.cfg.DeviceName); err != nil {
			h.log.Warn("Discovery startup failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// Close stops discovery, the listeners and background loops, then closes
// storage. It is safe to call more than once.
func (h *Host) Close() error {
	h.closeOnce.Do(func() {
		h.beacon.Stop()

		h.mu.Lock()
		started, server, cancel, group := h.started, h.server, h.cancel, h.group
		h.mu.Unlock()

		var errs []error
		if started {
			if !h.opts.DisableAPI {
				ctx, done := context.WithTimeout(context.Background(), shutdownTimeout)
				errs = append(errs, h.api.Close(ctx))
				done()
			}
			errs = append(errs, server.Close())
			cancel()
			errs = append(errs, group.Wait())
		}
		errs = append(errs, h.store.Close())
		h.closeErr = errors.Join(errs...)
		h.log.Info("Host stopped")
	})
	return h.closeErr
}

// TransportAddr returns the bound transport address once started.
func (h *Host) TransportAddr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.server == nil {
		return nil
	}
	return h.server.Addr()
}

// APIAddr returns the bound control API address once started.
func (h *Host) APIAddr() net.Addr {
	return h.api.Addr()
}

// Events exposes the event bus.
func (h *Host) Events() *events.Bus {
	return h.bus
}

// Directory exposes the peer directory fed by discovery.
func (h *Host) Directory() *discovery.Directory {
	return h.beacon.Directory()
}

func (h *Host) ListDevices() []models.DeviceRecord {
	return h.beacon.ListDevices()
}

// StartDiscovery starts the beacon under deviceName, or the configured name when empty.
func (h *Host) StartDiscovery(deviceName string) (discovery.StartResult, error) {
	return h.beacon.Start(orDefault(deviceName, h.cfg.DeviceName))
}

func (h *Host) StopDiscovery() discovery.StopResult {
	return h.beacon.Stop()
}

// SendRequest asks a discovered device for permissions and blocks until the
// remote user decides, the remote request expires or ctx ends.
func (h *Host) SendRequest(ctx context.Context, deviceID string, permissions []string, message string) (network.Response, error) {
	device, err := h.beacon.Device(deviceID)
	if err != nil {
		return network.Response{}, err
	}

	address := net.JoinHostPort(device.IPAddress, strconv.Itoa(device.ServerPort))
	h.log.Info("Sending connection request",
		slog.String("device_id", deviceID),
		slog.String("address", address),
		slog.Any("permissions", permissions),
	)
	return h.client.RequestConnection(ctx, address, network.Request{
		Permissions: permissions,
		Message:     message,
		OnAck: func(ack network.ConnectionAck) {
			h.log.Debug("Connection request queued by peer",
				slog.String("device_id", deviceID),
				slog.String("request_id", ack.RequestID),
			)
		},
	})
}

func (h *Host) ListPending() []models.ConnectionRequest {
	return h.ledger.ListPending()
}

func (h *Host) GetRequest(requestID string) (models.ConnectionRequest, error) {
	return h.ledger.Get(requestID)
}

// RequestHistory returns the newest audited requests first.
func (h *Host) RequestHistory(ctx context.Context, limit int) ([]storage.RequestAudit, error) {
	return h.store.ListRequestAudit(ctx, storage.RequestAuditFilter{Limit: limit})
}

// RequestRecord returns the audited outcome of a request, including ones
// that already left the ledger.
func (h *Host) RequestRecord(ctx context.Context, requestID string) (storage.RequestAudit, error) {
	record, err := h.store.GetRequestAudit(ctx, requestID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.RequestAudit{}, fmt.Errorf("%w: %s", ledger.ErrUnknownRequest, requestID)
	}
	if err != nil {
		return storage.RequestAudit{}, err
	}
	return *record, nil
}

// SecurityEvents lists rejected inbound connection attempts, newest first.
func (h *Host) SecurityEvents(ctx context.Context, filter storage.SecurityEventFilter) ([]storage.SecurityEvent, error) {
	return h.store.ListSecurityEvents(ctx, filter)
}

func (h *Host) Respond(ctx context.Context, decision authz.Decision) (authz.Outcome, error) {
	return h.engine.Respond(ctx, decision)
}

func (h *Host) ListActiveGrants() []models.PermissionGrant {
	return h.engine.ListActiveGrants(h.now())
}

func (h *Host) RevokeGrant(requestID string) (models.PermissionGrant, error) {
	return h.engine.Revoke(requestID)
}

func (h *Host) SessionID(ctx context.Context) (models.SessionIdentifier, error) {
	return h.session.GetOrCreate(ctx)
}

func (h *Host) RegenerateSessionID(ctx context.Context) (models.SessionIdentifier, error) {
	return h.session.Regenerate(ctx)
}

func (h *Host) Stats() api.Stats {
	return api.Stats{
		DiscoveryRunning: h.beacon.Running(),
		Devices:          len(h.beacon.ListDevices()),
		Requests:         h.ledger.Stats(),
		ActiveGrants:     len(h.engine.ListActiveGrants(h.now())),
	}
}

func (h *Host) maintain(ctx context.Context) {
	ticker := time.NewTicker(h.opts.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := h.now().Add(-DefaultNonceRetention).UnixMilli()
			if pruned, err := h.store.PruneSeenNonces(ctx, cutoff); err != nil {
				h.log.Warn("Nonce pruning failed", slog.String("error", err.Error()))
			} else if pruned > 0 {
				h.log.Debug("Pruned request nonces", slog.Int64("count", pruned))
			}
		}
	}
}

func (h *Host) watchTransport(ctx context.Context, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				return
			}
			h.log.Warn("Transport error", slog.String("error", err.Error()))
		}
	}
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
