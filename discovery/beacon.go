// Package discovery announces this device on the local network and keeps
// the directory of peers heard from recently.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"peerdesk/events"
	"peerdesk/metrics"
	"peerdesk/models"
)

const (
	// DefaultDiscoveryPort is the well-known UDP port for discovery datagrams.
	DefaultDiscoveryPort = 7879
	// DefaultAnnounceInterval is the self-announcement cadence.
	DefaultAnnounceInterval = 5 * time.Second
	// DefaultLivenessWindow hides peers silent for three missed announcements.
	DefaultLivenessWindow = 3 * DefaultAnnounceInterval
	// DefaultRateLimit bounds accepted datagrams per source IP per second.
	DefaultRateLimit = 10
	// DefaultRateBurst is the per source IP burst allowance.
	DefaultRateBurst = 20
	// DefaultLimiterCacheSize bounds how many source IPs keep a limiter.
	DefaultLimiterCacheSize = 256
)

// StartResult reports what Start did.
type StartResult string

const (
	Started        StartResult = "started"
	AlreadyRunning StartResult = "already_running"
)

// StopResult reports what Stop did.
type StopResult string

// Stopped is returned by every Stop call, including when the beacon never ran.
const Stopped StopResult = "stopped"

type listenFunc func(address string) (net.PacketConn, error)

// Config controls the UDP beacon and the optional mDNS channel.
type Config struct {
	SelfDeviceID string
	DeviceType   string
	Version      string
	Capabilities []string
	ServerPort   int

	// AdvertiseIP overrides local address detection.
	AdvertiseIP string

	ListenAddress    string
	BroadcastAddress string

	AnnounceInterval time.Duration
	LivenessWindow   time.Duration
	SweepInterval    time.Duration

	RateLimit        rate.Limit
	RateBurst        int
	LimiterCacheSize int

	EnableMDNS bool
	MDNS       MDNSConfig

	Logger    *slog.Logger
	Publisher events.Publisher
	Now       func() time.Time

	listenFn listenFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.DeviceType == "" {
		out.DeviceType = defaultDeviceType
	}
	if out.ListenAddress == "" {
		out.ListenAddress = fmt.Sprintf(":%d", DefaultDiscoveryPort)
	}
	if out.BroadcastAddress == "" {
		out.BroadcastAddress = fmt.Sprintf("255.255.255.255:%d", DefaultDiscoveryPort)
	}
	if out.AnnounceInterval <= 0 {
		out.AnnounceInterval = DefaultAnnounceInterval
	}
	if out.LivenessWindow <= 0 {
		out.LivenessWindow = 3 * out.AnnounceInterval
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = out.AnnounceInterval
	}
	if out.RateLimit <= 0 {
		out.RateLimit = DefaultRateLimit
	}
	if out.RateBurst <= 0 {
		out.RateBurst = DefaultRateBurst
	}
	if out.LimiterCacheSize <= 0 {
		out.LimiterCacheSize = DefaultLimiterCacheSize
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
	if out.listenFn == nil {
		out.listenFn = func(address string) (net.PacketConn, error) {
			return net.ListenPacket("udp4", address)
		}
	}
	return out
}

// Validate checks the settings that cannot be defaulted.
func (c Config) Validate() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return errors.New("server port must be in 1..65535")
	}
	if c.LivenessWindow <= c.AnnounceInterval {
		return fmt.Errorf("liveness window %s must exceed announce interval %s", c.LivenessWindow, c.AnnounceInterval)
	}
	if c.AdvertiseIP != "" && net.ParseIP(c.AdvertiseIP) == nil {
		return fmt.Errorf("advertise IP %q is not an IP address", c.AdvertiseIP)
	}
	return nil
}

// Beacon periodically broadcasts this device and ingests peers' broadcasts
// into a Directory.
type Beacon struct {
	cfg       Config
	log       *slog.Logger
	directory *Directory
	limiters  *lru.Cache[string, *rate.Limiter]

	// lifecycle serializes Start and Stop end to end. mu guards the fields
	// below and is never held while waiting for the loops.
	lifecycle sync.Mutex

	mu      sync.Mutex
	running bool
	self    DeviceInfo
	conn    net.PacketConn
	target  net.Addr
	cancel  context.CancelFunc
	group   *errgroup.Group
	mdns    *MDNSAdvertiser
}

// NewBeacon validates config and creates a stopped beacon with an empty directory.
func NewBeacon(config Config) (*Beacon, error) {
	cfg := config.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	limiters, err := lru.New[string, *rate.Limiter](cfg.LimiterCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create limiter cache: %w", err)
	}

	return &Beacon{
		cfg:       cfg,
		log:       cfg.Logger.With("component", "discovery"),
		directory: NewDirectory(cfg.LivenessWindow, cfg.Publisher),
		limiters:  limiters,
	}, nil
}

// Directory exposes the peer directory the beacon populates.
func (b *Beacon) Directory() *Directory {
	return b.directory
}

// Running reports whether the beacon is active.
func (b *Beacon) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// LocalAddr returns the bound discovery socket address, or nil when stopped.
func (b *Beacon) LocalAddr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	return b.conn.LocalAddr()
}

// Start binds the discovery socket and launches the announce, receive and
// sweep loops. Calling Start on a running beacon is a no-op.
func (b *Beacon) Start(deviceName string) (StartResult, error) {
	deviceName = strings.TrimSpace(deviceName)
	if deviceName == "" {
		return "", errors.New("device name is required")
	}

	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return AlreadyRunning, nil
	}

	advertiseIP := b.cfg.AdvertiseIP
	if advertiseIP == "" {
		advertiseIP = localIPv4()
	}

	target, err := net.ResolveUDPAddr("udp4", b.cfg.BroadcastAddress)
	if err != nil {
		return "", fmt.Errorf("resolve broadcast address %q: %w", b.cfg.BroadcastAddress, err)
	}
	conn, err := b.cfg.listenFn(b.cfg.ListenAddress)
	if err != nil {
		return "", fmt.Errorf("listen for discovery on %q: %w", b.cfg.ListenAddress, err)
	}

	b.self = DeviceInfo{
		DeviceID:     b.cfg.SelfDeviceID,
		DeviceName:   deviceName,
		DeviceType:   b.cfg.DeviceType,
		Version:      b.cfg.Version,
		Capabilities: append([]string(nil), b.cfg.Capabilities...),
		ServerPort:   b.cfg.ServerPort,
		IPAddress:    advertiseIP,
	}
	b.conn = conn
	b.target = target

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	b.cancel = cancel
	b.group = group

	self := b.self
	group.Go(func() error { return b.announceLoop(ctx, conn, target, self) })
	group.Go(func() error { return b.receiveLoop(ctx, conn, self) })
	group.Go(func() error { return b.sweepLoop(ctx) })

	if b.cfg.EnableMDNS {
		mdnsCfg := b.cfg.MDNS
		mdnsCfg.SelfDeviceID = self.DeviceID
		mdnsCfg.DeviceName = self.DeviceName
		mdnsCfg.DeviceType = self.DeviceType
		mdnsCfg.Version = self.Version
		mdnsCfg.ServerPort = self.ServerPort
		if mdnsCfg.Logger == nil {
			mdnsCfg.Logger = b.cfg.Logger
		}
		if mdnsCfg.Now == nil {
			mdnsCfg.Now = b.cfg.Now
		}
		advertiser, err := StartMDNS(mdnsCfg, b.directory)
		if err != nil {
			b.log.Warn("mDNS advertisement unavailable", slog.String("error", err.Error()))
		} else {
			b.mdns = advertiser
		}
	}

	b.running = true
	b.log.Info("Discovery started",
		slog.String("device_id", self.DeviceID),
		slog.String("device_name", self.DeviceName),
		slog.String("listen", conn.LocalAddr().String()),
		slog.String("ip", self.IPAddress),
	)
	b.cfg.Publisher.Publish(events.Event{Type: events.DiscoveryStarted, DeviceID: self.DeviceID})
	return Started, nil
}

// Stop sends a best-effort goodbye, halts all loops, releases the socket and
// clears the directory. It is safe to call on a beacon that never started.
func (b *Beacon) Stop() StopResult {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return Stopped
	}

	if payload, err := EncodeMessage(MessageGoodbye, b.self, b.cfg.Now()); err == nil {
		if _, err := b.conn.WriteTo(payload, b.target); err != nil {
			b.log.Debug("Goodbye broadcast failed", slog.String("error", err.Error()))
		}
	}

	if b.mdns != nil {
		b.mdns.Stop()
		b.mdns = nil
	}
	b.cancel()
	_ = b.conn.Close()
	group := b.group

	b.running = false
	b.conn = nil
	b.cancel = nil
	b.group = nil
	b.mu.Unlock()

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		b.log.Warn("Discovery loop exited with error", slog.String("error", err.Error()))
	}

	b.directory.Clear()
	b.limiters.Purge()
	b.log.Info("Discovery stopped")
	b.cfg.Publisher.Publish(events.Event{Type: events.DiscoveryStopped})
	return Stopped
}

// ListDevices returns the live directory snapshot. It never touches the network.
func (b *Beacon) ListDevices() []models.DeviceRecord {
	return b.directory.List(b.cfg.Now())
}

// Device returns one live peer or ErrUnknownDeviceID.
func (b *Beacon) Device(deviceID string) (models.DeviceRecord, error) {
	return b.directory.Get(deviceID, b.cfg.Now())
}

func (b *Beacon) announceLoop(ctx context.Context, conn net.PacketConn, target net.Addr, self DeviceInfo) error {
	ticker := time.NewTicker(b.cfg.AnnounceInterval)
	defer ticker.Stop()

	for {
		b.announce(ctx, conn, target, self)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// announce retries a failed send until the next tick is due.
func (b *Beacon) announce(ctx context.Context, conn net.PacketConn, target net.Addr, self DeviceInfo) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = b.cfg.AnnounceInterval / 2
	policy.MaxElapsedTime = b.cfg.AnnounceInterval

	err := backoff.RetryNotify(func() error {
		payload, err := EncodeMessage(MessageAnnounce, self, b.cfg.Now())
		if err != nil {
			return backoff.Permanent(err)
		}
		if _, err := conn.WriteTo(payload, target); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		b.log.Debug("Announcement send failed, retrying", slog.String("error", err.Error()), slog.Duration("wait", wait))
	})
	if err != nil && ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
		b.log.Warn("Announcement not sent this interval", slog.String("error", err.Error()))
	}
}

func (b *Beacon) receiveLoop(ctx context.Context, conn net.PacketConn, self DeviceInfo) error {
	buf := make([]byte, MaxAnnouncementSize+1)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = 0

	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			wait := policy.NextBackOff()
			b.log.Debug("Discovery read failed, retrying", slog.String("error", err.Error()), slog.Duration("wait", wait))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		policy.Reset()

		b.handleDatagram(conn, buf[:n], from, self)
	}
}

func (b *Beacon) handleDatagram(conn net.PacketConn, payload []byte, from net.Addr, self DeviceInfo) {
	source := sourceIP(from)
	if source != nil && !b.allow(source.String()) {
		metrics.AnnouncementsDropped.WithLabelValues("rate_limited").Inc()
		return
	}

	announcement, err := ParseAnnouncement(payload, source)
	if err != nil {
		metrics.AnnouncementsDropped.WithLabelValues(dropReason(err)).Inc()
		b.log.Debug("Dropped discovery datagram", slog.String("from", addrString(from)), slog.String("error", err.Error()))
		return
	}
	if announcement.Record.DeviceID == self.DeviceID {
		metrics.AnnouncementsDropped.WithLabelValues("self").Inc()
		return
	}

	metrics.AnnouncementsReceived.WithLabelValues(string(announcement.Type)).Inc()
	now := b.cfg.Now()

	switch announcement.Type {
	case MessageGoodbye:
		if b.directory.Remove(announcement.Record.DeviceID) {
			b.log.Info("Peer said goodbye", slog.String("device_id", announcement.Record.DeviceID))
		}
	case MessageAnnounce:
		if b.directory.Upsert(announcement.Record, now) {
			b.log.Info("Peer discovered",
				slog.String("device_id", announcement.Record.DeviceID),
				slog.String("device_name", announcement.Record.DeviceName),
				slog.String("ip", announcement.Record.IPAddress),
			)
		}
		b.respond(conn, from, self, now)
	case MessageResponse:
		b.directory.Upsert(announcement.Record, now)
	}
}

// respond unicasts our identity so a newly started peer learns about us
// without waiting for our next broadcast.
func (b *Beacon) respond(conn net.PacketConn, to net.Addr, self DeviceInfo, now time.Time) {
	if to == nil {
		return
	}
	payload, err := EncodeMessage(MessageResponse, self, now)
	if err != nil {
		return
	}
	if _, err := conn.WriteTo(payload, to); err != nil && !errors.Is(err, net.ErrClosed) {
		b.log.Debug("Discovery response failed", slog.String("to", to.String()), slog.String("error", err.Error()))
	}
}

func (b *Beacon) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, removed := range b.directory.Sweep(b.cfg.Now()) {
				b.log.Info("Peer timed out", slog.String("device_id", removed.DeviceID), slog.Time("last_seen", removed.LastSeen))
			}
		}
	}
}

func (b *Beacon) allow(ip string) bool {
	limiter, ok := b.limiters.Get(ip)
	if !ok {
		limiter = rate.NewLimiter(b.cfg.RateLimit, b.cfg.RateBurst)
		b.limiters.Add(ip, limiter)
	}
	return limiter.Allow()
}

func sourceIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.UDPAddr:
		if v4 := a.IP.To4(); v4 != nil {
			return v4
		}
		return a.IP
	default:
		return nil
	}
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

// localIPv4 picks the first non-loopback IPv4 address of an up interface.
func localIPv4() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if v4 := ipNet.IP.To4(); v4 != nil && !v4.IsLinkLocalUnicast() {
				return v4.String()
			}
		}
	}
	return "127.0.0.1"
}
