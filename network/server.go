package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"peerdesk/authz"
	"peerdesk/crypto"
	"peerdesk/ledger"
	"peerdesk/models"
	"peerdesk/storage"
)

const (
	// DefaultConnectionRateLimit bounds inbound connections per source IP per second.
	DefaultConnectionRateLimit = 2
	// DefaultConnectionRateBurst is the per source IP burst allowance.
	DefaultConnectionRateBurst = 5

	limiterCacheSize     = 256
	securityWriteTimeout = 2 * time.Second
)

// RequestLedger accepts verified requests and withdraws abandoned ones.
type RequestLedger interface {
	Submit(params ledger.SubmitParams) (string, error)
	Cancel(requestID string) error
	MaxAge() time.Duration
}

// DecisionWaiter blocks until a request is resolved.
type DecisionWaiter interface {
	Await(ctx context.Context, requestID string) (authz.Outcome, error)
}

// NonceStore remembers request nonces to reject replays.
type NonceStore interface {
	MarkNonceSeen(ctx context.Context, nonce string, receivedAt int64) (bool, error)
}

// SecurityLog records suspicious inbound traffic.
type SecurityLog interface {
	LogSecurityEvent(ctx context.Context, event storage.SecurityEvent) error
}

// ServerConfig wires the inbound request server.
type ServerConfig struct {
	ListenAddress string

	Ledger    RequestLedger
	Decisions DecisionWaiter
	Nonces    NonceStore
	Security  SecurityLog
	// ErrorKind names an error for the wire. Defaults to "Internal" for everything.
	ErrorKind func(error) string

	ConnectionTimeout time.Duration
	MaxClockSkew      time.Duration
	RateLimit         rate.Limit
	RateBurst         int

	Logger *slog.Logger
	Now    func() time.Time
}

func (c ServerConfig) withDefaults() ServerConfig {
	out := c
	if out.ListenAddress == "" {
		out.ListenAddress = fmt.Sprintf(":%d", DefaultPort)
	}
	if out.ErrorKind == nil {
		out.ErrorKind = func(error) string { return "Internal" }
	}
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.MaxClockSkew <= 0 {
		out.MaxClockSkew = DefaultMaxClockSkew
	}
	if out.RateLimit <= 0 {
		out.RateLimit = DefaultConnectionRateLimit
	}
	if out.RateBurst <= 0 {
		out.RateBurst = DefaultConnectionRateBurst
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

// Server accepts inbound connection requests and holds each connection open
// until the request is decided.
type Server struct {
	cfg      ServerConfig
	log      *slog.Logger
	listener net.Listener
	limiters *lru.Cache[string, *rate.Limiter]

	ctx    context.Context
	cancel context.CancelFunc

	errs      chan error
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and accept loop.
func Listen(config ServerConfig) (*Server, error) {
	cfg := config.withDefaults()
	if cfg.Ledger == nil || cfg.Decisions == nil {
		return nil, errors.New("network: ledger and decision waiter are required")
	}

	limiters, err := lru.New[string, *rate.Limiter](limiterCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create limiter cache: %w", err)
	}
	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", cfg.ListenAddress, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	server := &Server{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "network"),
		listener: listener,
		limiters: limiters,
		ctx:      ctx,
		cancel:   cancel,
		errs:     make(chan error, 16),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	server.log.Info("Request server listening", slog.String("address", listener.Addr().String()))
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Errors returns asynchronous server errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting, withdraws requests still waiting on open
// connections and waits for handlers to finish.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.cancel()
		closeErr = s.listener.Close()
		s.wg.Wait()
		close(s.errs)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	remote := remoteIP(conn.RemoteAddr())
	if !s.allow(remote) {
		s.security(remote, storage.SecurityEvent{
			EventType: "request_rate_limited",
			Details:   map[string]string{"limit": fmt.Sprintf("%g/s", float64(s.cfg.RateLimit))},
			Severity:  storage.SecuritySeverityWarning,
		})
		s.sendError(conn, "RateLimited", "too many connections")
		return
	}

	payload, err := ReadFrameWithTimeout(conn, s.cfg.ConnectionTimeout)
	if err != nil {
		s.reportError(fmt.Errorf("read connection request from %s: %w", remote, err))
		return
	}

	now := s.cfg.Now()
	inbound, err := ParseConnectionRequest(payload, remote, now, s.cfg.MaxClockSkew)
	if err != nil {
		s.rejectUnparsed(conn, remote, err)
		return
	}
	params := inbound.Params

	if s.cfg.Nonces != nil {
		fresh, err := s.cfg.Nonces.MarkNonceSeen(s.ctx, inbound.Nonce, now.UnixMilli())
		if err != nil {
			s.log.Warn("Nonce check failed", slog.String("error", err.Error()))
			s.sendError(conn, "Internal", "request could not be recorded")
			return
		}
		if !fresh {
			s.security(remote, storage.SecurityEvent{
				EventType: "request_replay_rejected",
				DeviceID:  &params.RequesterDeviceID,
				Details:   map[string]string{"nonce": inbound.Nonce},
				Severity:  storage.SecuritySeverityWarning,
			})
			s.sendError(conn, "Replay", ErrReplayedRequest.Error())
			return
		}
	}

	requestID, err := s.cfg.Ledger.Submit(params)
	if err != nil {
		_ = s.writeMessage(conn, ConnectionResponse{
			Type:      TypeConnectionResponse,
			ErrorKind: s.cfg.ErrorKind(err),
			Timestamp: s.cfg.Now().UnixMilli(),
		})
		return
	}

	if err := s.writeMessage(conn, ConnectionAck{
		Type:             TypeConnectionAck,
		RequestID:        requestID,
		DecisionDeadline: now.Add(s.cfg.Ledger.MaxAge()).UnixMilli(),
		Timestamp:        s.cfg.Now().UnixMilli(),
	}); err != nil {
		s.withdraw(requestID, "ack failed")
		return
	}

	outcome, err := s.await(conn, requestID)
	if err != nil {
		s.withdraw(requestID, "requester disconnected")
		if s.ctx.Err() != nil {
			s.sendError(conn, "ShuttingDown", "device is shutting down")
		}
		return
	}

	if err := s.writeMessage(conn, responseFromOutcome(outcome, s.cfg.Now())); err != nil {
		s.log.Warn("Failed to deliver decision",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
		)
	}
}

// await waits for a decision. The wait ends early if the requester closes
// its side of the connection or the server shuts down.
func (s *Server) await(conn net.Conn, requestID string) (authz.Outcome, error) {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	go func() {
		_, _ = io.Copy(io.Discard, conn)
		cancel()
	}()

	return s.cfg.Decisions.Await(ctx, requestID)
}

func (s *Server) withdraw(requestID, reason string) {
	err := s.cfg.Ledger.Cancel(requestID)
	if err != nil && !errors.Is(err, ledger.ErrRequestNotPending) {
		s.log.Warn("Failed to cancel request", slog.String("request_id", requestID), slog.String("error", err.Error()))
		return
	}
	if err == nil {
		s.log.Info("Connection request withdrawn", slog.String("request_id", requestID), slog.String("reason", reason))
	}
}

func (s *Server) rejectUnparsed(conn net.Conn, remote net.IP, err error) {
	event := storage.SecurityEvent{
		EventType: "request_malformed",
		Details:   map[string]string{"error": err.Error()},
		Severity:  storage.SecuritySeverityWarning,
	}
	code := "Malformed"
	switch {
	case errors.Is(err, crypto.ErrInvalidSignature):
		event.EventType = "request_signature_invalid"
		code = "InvalidSignature"
	case errors.Is(err, ErrStaleRequest):
		event.EventType = "request_stale"
		code = "StaleRequest"
	case errors.Is(err, ErrUnsupportedVersion):
		event.Severity = storage.SecuritySeverityInfo
		code = "UnsupportedVersion"
	}
	s.security(remote, event)

	message := ErrorMessage{
		Type:      TypeError,
		Code:      code,
		Message:   err.Error(),
		Timestamp: s.cfg.Now().UnixMilli(),
	}
	if code == "UnsupportedVersion" {
		message.SupportedVersions = []int{ProtocolVersion}
	}
	_ = s.writeMessage(conn, message)
}

func (s *Server) security(remote net.IP, event storage.SecurityEvent) {
	if remote != nil {
		addr := remote.String()
		event.RemoteIP = &addr
	}
	s.log.Warn("Rejected inbound request",
		slog.String("event", event.EventType),
		slog.String("remote", remote.String()),
		slog.Any("details", event.Details),
	)
	if s.cfg.Security == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), securityWriteTimeout)
	defer cancel()
	if err := s.cfg.Security.LogSecurityEvent(ctx, event); err != nil {
		s.log.Warn("Failed to record security event", slog.String("error", err.Error()))
	}
}

func (s *Server) sendError(conn net.Conn, code, message string) {
	_ = s.writeMessage(conn, ErrorMessage{
		Type:      TypeError,
		Code:      code,
		Message:   message,
		Timestamp: s.cfg.Now().UnixMilli(),
	})
}

func (s *Server) writeMessage(conn net.Conn, message any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.ConnectionTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	return WriteMessage(conn, message)
}

func (s *Server) allow(ip net.IP) bool {
	key := ip.String()
	limiter, ok := s.limiters.Get(key)
	if !ok {
		limiter = rate.NewLimiter(s.cfg.RateLimit, s.cfg.RateBurst)
		s.limiters.Add(key, limiter)
	}
	return limiter.Allow()
}

func (s *Server) reportError(err error) {
	if err == nil || errors.Is(err, net.ErrClosed) {
		return
	}
	select {
	case s.errs <- err:
	default:
	}
}

func responseFromOutcome(outcome authz.Outcome, now time.Time) ConnectionResponse {
	response := ConnectionResponse{
		Type:         TypeConnectionResponse,
		RequestID:    outcome.Request.RequestID,
		Accepted:     outcome.Request.State == models.RequestAccepted,
		State:        string(outcome.Request.State),
		DenialReason: outcome.Request.DenialReason,
		Timestamp:    now.UnixMilli(),
	}
	if outcome.Grant != nil {
		response.GrantedPermissions = outcome.Grant.GrantedPermissions.Strings()
		response.ExpiresAt = outcome.Grant.ExpiresAt.UnixMilli()
	}
	return response
}

func remoteIP(addr net.Addr) net.IP {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}
