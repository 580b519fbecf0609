// Package network carries connection requests between devices as
// length-prefixed JSON frames over TCP.
package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size.
	MaxFrameSize = 64 * 1024
	// DefaultPort is the TCP port requests are received on.
	DefaultPort = 7878
	// DefaultConnectionTimeout bounds dialing and the request exchange.
	DefaultConnectionTimeout = 10 * time.Second
	// DefaultMaxClockSkew bounds how far a request timestamp may drift from local time.
	DefaultMaxClockSkew = 2 * time.Minute
)

const (
	TypeConnectionRequest  = "connection_request"
	TypeConnectionAck      = "connection_ack"
	TypeConnectionResponse = "connection_response"
	TypeError              = "error"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
	// ErrInvalidMessageType indicates the message type is missing or unexpected.
	ErrInvalidMessageType = errors.New("network: invalid message type")
	// ErrMalformedRequest indicates a connection request that failed to parse.
	ErrMalformedRequest = errors.New("network: malformed connection request")
	// ErrStaleRequest indicates a request timestamp outside the allowed skew.
	ErrStaleRequest = errors.New("network: request timestamp outside allowed skew")
	// ErrReplayedRequest indicates a request nonce that was already used.
	ErrReplayedRequest = errors.New("network: replayed connection request")
	// ErrNetworkTimeout indicates the remote device did not answer in time.
	ErrNetworkTimeout = errors.New("network: timed out")
)

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// ConnectionAck confirms a request was queued for a decision.
type ConnectionAck struct {
	Type             string `json:"type"`
	RequestID        string `json:"request_id"`
	DecisionDeadline int64  `json:"decision_deadline"`
	Timestamp        int64  `json:"timestamp"`
}

// ConnectionResponse reports the final outcome of a request.
type ConnectionResponse struct {
	Type               string   `json:"type"`
	RequestID          string   `json:"request_id,omitempty"`
	Accepted           bool     `json:"accepted"`
	State              string   `json:"state,omitempty"`
	GrantedPermissions []string `json:"granted_permissions,omitempty"`
	ExpiresAt          int64    `json:"expires_at,omitempty"`
	DenialReason       string   `json:"denial_reason,omitempty"`
	ErrorKind          string   `json:"error_kind,omitempty"`
	Timestamp          int64    `json:"timestamp"`
}

// ErrorMessage reports protocol errors.
type ErrorMessage struct {
	Type              string `json:"type"`
	Code              string `json:"code"`
	Message           string `json:"message"`
	SupportedVersions []int  `json:"supported_versions,omitempty"`
	Timestamp         int64  `json:"timestamp"`
}

// RemoteError is an error reported by the other device.
type RemoteError struct {
	Kind    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error [%s]: %s", e.Kind, e.Message)
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// WriteMessage encodes message as JSON and writes it as one frame.
func WriteMessage(w io.Writer, message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}

func decodeRemoteError(payload []byte) error {
	var remote ErrorMessage
	if err := json.Unmarshal(payload, &remote); err != nil {
		return fmt.Errorf("decode remote error: %w", err)
	}
	return &RemoteError{Kind: remote.Code, Message: remote.Message}
}
