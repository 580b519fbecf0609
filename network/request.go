package network

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"peerdesk/crypto"
	"peerdesk/ledger"
)

const (
	nonceSize        = 16
	maxDeviceIDLen   = 128
	maxDeviceNameLen = 128
)

// LocalIdentity is what a device signs outbound requests with.
type LocalIdentity struct {
	DeviceID   string
	DeviceName string
	Keys       crypto.Identity
}

func (i LocalIdentity) validate() error {
	if strings.TrimSpace(i.DeviceID) == "" {
		return errors.New("local device id is required")
	}
	if len(i.Keys.PrivateKey) != ed25519.PrivateKeySize || len(i.Keys.PublicKey) != ed25519.PublicKeySize {
		return errors.New("local signing identity is required")
	}
	return nil
}

// ConnectionRequestMessage asks the remote device for permission to connect.
type ConnectionRequestMessage struct {
	Type            string   `json:"type"`
	ProtocolVersion int      `json:"protocol_version"`
	Nonce           string   `json:"nonce"`
	DeviceID        string   `json:"device_id"`
	DeviceName      string   `json:"device_name"`
	Permissions     []string `json:"permissions"`
	Message         string   `json:"message,omitempty"`
	PublicKey       string   `json:"ed25519_public_key"`
	Timestamp       int64    `json:"timestamp"`
	Signature       string   `json:"signature"`
}

// InboundRequest is a verified connection request ready for the ledger.
type InboundRequest struct {
	Nonce     string
	SentAt    time.Time
	PublicKey ed25519.PublicKey
	Params    ledger.SubmitParams
}

// BuildConnectionRequest creates and signs a connection request.
func BuildConnectionRequest(identity LocalIdentity, permissions []string, message string, now time.Time) (ConnectionRequestMessage, error) {
	if err := identity.validate(); err != nil {
		return ConnectionRequestMessage{}, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return ConnectionRequestMessage{}, fmt.Errorf("generate request nonce: %w", err)
	}

	msg := ConnectionRequestMessage{
		Type:            TypeConnectionRequest,
		ProtocolVersion: ProtocolVersion,
		Nonce:           base64.StdEncoding.EncodeToString(nonce),
		DeviceID:        identity.DeviceID,
		DeviceName:      identity.DeviceName,
		Permissions:     append([]string(nil), permissions...),
		Message:         message,
		PublicKey:       crypto.EncodePublicKey(identity.Keys.PublicKey),
		Timestamp:       now.UnixMilli(),
	}
	signable, err := signablePayload(msg)
	if err != nil {
		return ConnectionRequestMessage{}, err
	}
	msg.Signature, err = identity.Keys.Sign(signable)
	if err != nil {
		return ConnectionRequestMessage{}, fmt.Errorf("sign connection request: %w", err)
	}
	return msg, nil
}

// ParseConnectionRequest decodes and verifies a connection request frame
// received from remote. Only a request that is well formed, correctly
// signed and fresh comes back.
func ParseConnectionRequest(payload []byte, remote net.IP, now time.Time, maxSkew time.Duration) (InboundRequest, error) {
	var msg ConnectionRequestMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return InboundRequest{}, fmt.Errorf("%w: %w", ErrMalformedRequest, err)
	}
	if msg.Type != TypeConnectionRequest {
		return InboundRequest{}, fmt.Errorf("%w: expected %q, got %q", ErrInvalidMessageType, TypeConnectionRequest, msg.Type)
	}
	if msg.ProtocolVersion != ProtocolVersion {
		return InboundRequest{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, msg.ProtocolVersion)
	}

	deviceID := strings.TrimSpace(msg.DeviceID)
	if deviceID == "" || len(deviceID) > maxDeviceIDLen {
		return InboundRequest{}, fmt.Errorf("%w: device_id", ErrMalformedRequest)
	}
	deviceName := strings.TrimSpace(msg.DeviceName)
	if deviceName == "" || len(deviceName) > maxDeviceNameLen {
		return InboundRequest{}, fmt.Errorf("%w: device_name", ErrMalformedRequest)
	}
	rawNonce, err := base64.StdEncoding.DecodeString(msg.Nonce)
	if err != nil || len(rawNonce) != nonceSize {
		return InboundRequest{}, fmt.Errorf("%w: nonce", ErrMalformedRequest)
	}
	if remote == nil || remote.IsUnspecified() {
		return InboundRequest{}, fmt.Errorf("%w: remote address", ErrMalformedRequest)
	}

	publicKey, err := crypto.DecodePublicKey(msg.PublicKey)
	if err != nil {
		return InboundRequest{}, fmt.Errorf("%w: %w", ErrMalformedRequest, err)
	}
	signable, err := signablePayload(msg)
	if err != nil {
		return InboundRequest{}, err
	}
	if err := crypto.VerifySignature(publicKey, signable, msg.Signature); err != nil {
		return InboundRequest{}, err
	}

	sentAt := time.UnixMilli(msg.Timestamp)
	if skew := now.Sub(sentAt); skew > maxSkew || skew < -maxSkew {
		return InboundRequest{}, fmt.Errorf("%w: %s", ErrStaleRequest, skew.Round(time.Second))
	}

	return InboundRequest{
		Nonce:     msg.Nonce,
		SentAt:    sentAt,
		PublicKey: publicKey,
		Params: ledger.SubmitParams{
			RequesterDeviceID:    deviceID,
			RequesterName:        deviceName,
			RequesterIP:          remote.String(),
			RequestedPermissions: msg.Permissions,
			Message:              msg.Message,
			KeyFingerprint:       crypto.Fingerprint(publicKey),
		},
	}, nil
}

func signablePayload(msg ConnectionRequestMessage) ([]byte, error) {
	msg.Signature = ""
	signable, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal signable connection request: %w", err)
	}
	return signable, nil
}
