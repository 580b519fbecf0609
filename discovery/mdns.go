package discovery

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

	"github.com/grandcat/zeroconf"

	"peerdesk/metrics"
)

const (
	// DefaultMDNSService is the mDNS service name without domain suffix.
	DefaultMDNSService = "_peerdesk._tcp"
	// DefaultMDNSDomain is the mDNS domain.
	DefaultMDNSDomain = "local."
	// DefaultMDNSRefreshInterval is the background browse interval.
	DefaultMDNSRefreshInterval = 10 * time.Second
	// DefaultMDNSScanTimeout bounds each browse window.
	DefaultMDNSScanTimeout = 3 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// MDNSConfig controls the zeroconf advertisement that runs beside the UDP beacon.
type MDNSConfig struct {
	Service         string
	Domain          string
	RefreshInterval time.Duration
	ScanTimeout     time.Duration

	SelfDeviceID string
	DeviceName   string
	DeviceType   string
	Version      string
	ServerPort   int

	Logger *slog.Logger
	Now    func() time.Time

	registerFn registerFunc
	browseFn   browseFunc
}

func (c MDNSConfig) withDefaults() MDNSConfig {
	out := c
	if out.Service == "" {
		out.Service = DefaultMDNSService
	}
	if out.Domain == "" {
		out.Domain = DefaultMDNSDomain
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultMDNSRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultMDNSScanTimeout
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c MDNSConfig) validate() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		return errors.New("device name is required")
	}
	if c.ServerPort <= 0 {
		return errors.New("server port must be > 0")
	}
	return nil
}

func (c MDNSConfig) txtRecords() []string {
	return []string{
		"device_id=" + c.SelfDeviceID,
		"device_type=" + c.DeviceType,
		"version=" + c.Version,
	}
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// MDNSAdvertiser registers this device as a zeroconf service and feeds
// browsed peers into a Directory.
type MDNSAdvertiser struct {
	cfg       MDNSConfig
	log       *slog.Logger
	directory *Directory
	server    *zeroconf.Server
	browse    browseFunc

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	refreshRequests chan refreshRequest
}

// StartMDNS registers the service and starts the periodic browse loop.
func StartMDNS(config MDNSConfig, directory *Directory) (*MDNSAdvertiser, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if directory == nil {
		return nil, errors.New("directory is required")
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	server, err := cfg.registerFn(cfg.DeviceName, cfg.Service, cfg.Domain, cfg.ServerPort, cfg.txtRecords(), nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	a := &MDNSAdvertiser{
		cfg:             cfg,
		log:             cfg.Logger.With("component", "mdns"),
		directory:       directory,
		server:          server,
		browse:          browse,
		refreshRequests: make(chan refreshRequest),
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.wg.Add(1)
	go a.loop()
	return a, nil
}

// Stop ends browsing and withdraws the advertisement.
func (a *MDNSAdvertiser) Stop() {
	if a == nil {
		return
	}
	a.stopOnce.Do(func() {
		a.cancel()
		a.wg.Wait()
		if a.server != nil {
			a.server.Shutdown()
		}
	})
}

// Refresh runs one browse window immediately.
func (a *MDNSAdvertiser) Refresh(ctx context.Context) error {
	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case a.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-a.ctx.Done():
		return errors.New("mDNS advertiser is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-a.ctx.Done():
		return errors.New("mDNS advertiser is stopped")
	}
}

func (a *MDNSAdvertiser) loop() {
	defer a.wg.Done()

	if err := a.runScan(nil); err != nil {
		a.log.Debug("mDNS browse failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(a.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := a.runScan(nil); err != nil {
				a.log.Debug("mDNS browse failed", slog.String("error", err.Error()))
			}
		case req := <-a.refreshRequests:
			req.done <- a.runScan(req.ctx)
		case <-a.ctx.Done():
			return
		}
	}
}

func (a *MDNSAdvertiser) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(a.ctx, a.cfg.ScanTimeout)
	defer cancel()

	if requestCtx != nil {
		go func() {
			select {
			case <-requestCtx.Done():
				cancel()
			case <-scanCtx.Done():
			}
		}()
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				a.ingest(entry)
			}
		}
	}()

	browseErr := a.browse(scanCtx, a.cfg.Service, a.cfg.Domain, entries)
	if browseErr != nil && !errors.Is(browseErr, context.DeadlineExceeded) && !errors.Is(browseErr, context.Canceled) {
		cancel()
		<-collectorDone
		return browseErr
	}

	<-scanCtx.Done()
	<-collectorDone
	return nil
}

func (a *MDNSAdvertiser) ingest(entry *zeroconf.ServiceEntry) {
	info, ok := parseEntry(entry)
	if !ok {
		metrics.AnnouncementsDropped.WithLabelValues("malformed").Inc()
		return
	}
	if info.DeviceID == a.cfg.SelfDeviceID {
		return
	}

	record, err := parseDeviceInfo(info, nil)
	if err != nil {
		metrics.AnnouncementsDropped.WithLabelValues(dropReason(err)).Inc()
		return
	}

	metrics.AnnouncementsReceived.WithLabelValues("mdns").Inc()
	a.directory.Upsert(record, a.cfg.Now())
}

func parseEntry(entry *zeroconf.ServiceEntry) (DeviceInfo, bool) {
	txt := txtToMap(entry.Text)

	deviceID := strings.TrimSpace(txt["device_id"])
	if deviceID == "" {
		return DeviceInfo{}, false
	}

	addresses := make([]string, 0, len(entry.AddrIPv4))
	for _, ip := range entry.AddrIPv4 {
		if ip == nil || ip.IsUnspecified() {
			continue
		}
		addresses = append(addresses, ip.String())
	}
	if len(addresses) == 0 {
		return DeviceInfo{}, false
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSuffix(strings.TrimSpace(entry.HostName), ".")
	}

	return DeviceInfo{
		DeviceID:   deviceID,
		DeviceName: name,
		DeviceType: txt["device_type"],
		Version:    txt["version"],
		ServerPort: entry.Port,
		IPAddress:  addresses[0],
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
