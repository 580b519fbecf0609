package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"

	"peerdesk/models"
)

// DefaultDialAttempts is how many times a dial is tried before giving up.
const DefaultDialAttempts = 3

type dialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// ClientConfig controls outbound connection requests.
type ClientConfig struct {
	Identity          LocalIdentity
	ConnectionTimeout time.Duration
	DialAttempts      uint64
	Logger            *slog.Logger
	Now               func() time.Time

	dialFn dialFunc
}

func (c ClientConfig) withDefaults() ClientConfig {
	out := c
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.DialAttempts == 0 {
		out.DialAttempts = DefaultDialAttempts
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	if out.dialFn == nil {
		dialer := &net.Dialer{Timeout: out.ConnectionTimeout}
		out.dialFn = dialer.DialContext
	}
	return out
}

// Request is what the local user asks of a remote device.
type Request struct {
	Permissions []string
	Message     string
	// OnAck, if set, is called once the remote device queued the request.
	OnAck func(ack ConnectionAck)
}

// Response is the remote device's answer.
type Response struct {
	RequestID          string              `json:"request_id"`
	Accepted           bool                `json:"accepted"`
	State              models.RequestState `json:"state"`
	GrantedPermissions []string            `json:"granted_permissions,omitempty"`
	ExpiresAt          time.Time           `json:"expires_at,omitzero"`
	DenialReason       string              `json:"denial_reason,omitempty"`
}

// Client sends signed connection requests to other devices.
type Client struct {
	cfg ClientConfig
	log *slog.Logger
}

// NewClient validates the local identity and returns a client.
func NewClient(config ClientConfig) (*Client, error) {
	cfg := config.withDefaults()
	if err := cfg.Identity.validate(); err != nil {
		return nil, err
	}
	return &Client{cfg: cfg, log: cfg.Logger.With("component", "network")}, nil
}

// RequestConnection sends a request to address and blocks until the remote
// user decides, the request expires there, or ctx ends. Remote rejections
// come back as *RemoteError; an unanswered exchange as ErrNetworkTimeout.
func (c *Client) RequestConnection(ctx context.Context, address string, req Request) (Response, error) {
	conn, err := c.dial(ctx, address)
	if err != nil {
		return Response{}, err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	msg, err := BuildConnectionRequest(c.cfg.Identity, req.Permissions, req.Message, c.cfg.Now())
	if err != nil {
		return Response{}, err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.ConnectionTimeout)); err != nil {
		return Response{}, fmt.Errorf("set write deadline: %w", err)
	}
	if err := WriteMessage(conn, msg); err != nil {
		return Response{}, c.wrapIOError(ctx, fmt.Errorf("send connection request: %w", err))
	}

	payload, err := ReadFrameWithTimeout(conn, c.cfg.ConnectionTimeout)
	if err != nil {
		return Response{}, c.wrapIOError(ctx, fmt.Errorf("read acknowledgement: %w", err))
	}
	msgType, err := DecodeMessageType(payload)
	if err != nil {
		return Response{}, err
	}

	switch msgType {
	case TypeError:
		return Response{}, decodeRemoteError(payload)
	case TypeConnectionResponse:
		return decodeResponse(payload)
	case TypeConnectionAck:
	default:
		return Response{}, fmt.Errorf("%w: expected %q, got %q", ErrInvalidMessageType, TypeConnectionAck, msgType)
	}

	var ack ConnectionAck
	if err := json.Unmarshal(payload, &ack); err != nil {
		return Response{}, fmt.Errorf("decode acknowledgement: %w", err)
	}
	c.log.Info("Connection request acknowledged",
		slog.String("address", address),
		slog.String("request_id", ack.RequestID),
	)
	if req.OnAck != nil {
		req.OnAck(ack)
	}

	// The remote side answers by its decision deadline at the latest.
	deadline := time.UnixMilli(ack.DecisionDeadline).Add(c.cfg.ConnectionTimeout)
	if ack.DecisionDeadline <= 0 {
		deadline = time.Now().Add(c.cfg.ConnectionTimeout)
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return Response{}, fmt.Errorf("set read deadline: %w", err)
	}
	payload, err = ReadFrame(conn)
	if err != nil {
		return Response{}, c.wrapIOError(ctx, fmt.Errorf("read decision: %w", err))
	}
	msgType, err = DecodeMessageType(payload)
	if err != nil {
		return Response{}, err
	}
	switch msgType {
	case TypeError:
		return Response{}, decodeRemoteError(payload)
	case TypeConnectionResponse:
		return decodeResponse(payload)
	default:
		return Response{}, fmt.Errorf("%w: expected %q, got %q", ErrInvalidMessageType, TypeConnectionResponse, msgType)
	}
}

func (c *Client) dial(ctx context.Context, address string) (net.Conn, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = c.cfg.ConnectionTimeout

	var conn net.Conn
	op := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectionTimeout)
		defer cancel()
		dialed, err := c.cfg.dialFn(attemptCtx, "tcp", address)
		if err != nil {
			return err
		}
		conn = dialed
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.log.Debug("Dial failed, retrying",
			slog.String("address", address),
			slog.Duration("retry_in", wait),
			slog.String("error", err.Error()),
		)
	}

	retry := backoff.WithContext(backoff.WithMaxRetries(policy, c.cfg.DialAttempts-1), ctx)
	if err := backoff.RetryNotify(op, retry, notify); err != nil {
		return nil, c.wrapIOError(ctx, fmt.Errorf("dial %q: %w", address, err))
	}
	return conn, nil
}

func (c *Client) wrapIOError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(ctxErr, context.DeadlineExceeded) {
		return ctxErr
	}
	if isTimeout(err) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrNetworkTimeout, err)
	}
	return err
}

func decodeResponse(payload []byte) (Response, error) {
	var wire ConnectionResponse
	if err := json.Unmarshal(payload, &wire); err != nil {
		return Response{}, fmt.Errorf("decode decision: %w", err)
	}
	if wire.ErrorKind != "" {
		return Response{}, &RemoteError{Kind: wire.ErrorKind, Message: "request rejected"}
	}

	response := Response{
		RequestID:          wire.RequestID,
		Accepted:           wire.Accepted,
		State:              models.RequestState(wire.State),
		GrantedPermissions: wire.GrantedPermissions,
		DenialReason:       wire.DenialReason,
	}
	if wire.ExpiresAt > 0 {
		response.ExpiresAt = time.UnixMilli(wire.ExpiresAt)
	}
	return response, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
