package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"peerdesk/models"
)

// MessageType identifies one discovery datagram kind.
type MessageType string

const (
	MessageAnnounce MessageType = "announce"
	MessageResponse MessageType = "response"
	MessageGoodbye  MessageType = "goodbye"
)

const (
	// MaxAnnouncementSize bounds one discovery datagram.
	MaxAnnouncementSize = 8 * 1024

	maxNameLength      = 128
	maxFieldLength     = 64
	maxCapabilityCount = 32
	defaultDeviceType  = "desktop"
)

var (
	// ErrMalformedAnnouncement indicates the datagram is not a decodable discovery message.
	ErrMalformedAnnouncement = errors.New("discovery: malformed announcement")
	// ErrMissingField indicates a required identity field is empty.
	ErrMissingField = errors.New("discovery: announcement missing required field")
	// ErrInvalidAddress indicates an unusable IP address or port.
	ErrInvalidAddress = errors.New("discovery: announcement has invalid address")
	// ErrAddressMismatch indicates the advertised IP differs from the datagram source.
	ErrAddressMismatch = errors.New("discovery: announced address does not match source")
)

// DeviceInfo is the identity block carried by every discovery message.
type DeviceInfo struct {
	DeviceID     string   `json:"device_id"`
	DeviceName   string   `json:"device_name"`
	DeviceType   string   `json:"device_type"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
	ServerPort   int      `json:"server_port"`
	IPAddress    string   `json:"ip_address"`
}

// Message is the JSON body of a discovery datagram.
type Message struct {
	Type      MessageType `json:"message_type"`
	Device    DeviceInfo  `json:"device_info"`
	Timestamp int64       `json:"timestamp"`
}

// Announcement is a discovery message that passed validation.
type Announcement struct {
	Type   MessageType
	Record models.DeviceRecord
	SentAt time.Time
}

// EncodeMessage builds the datagram payload for one message.
func EncodeMessage(msgType MessageType, info DeviceInfo, now time.Time) ([]byte, error) {
	payload, err := json.Marshal(Message{
		Type:      msgType,
		Device:    info,
		Timestamp: now.UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal discovery message: %w", err)
	}
	if len(payload) > MaxAnnouncementSize {
		return nil, fmt.Errorf("discovery message is %d bytes, limit %d", len(payload), MaxAnnouncementSize)
	}
	return payload, nil
}

// ParseAnnouncement decodes and validates one datagram. source is the UDP
// sender address; when set, the announced IP must match it, and an omitted
// IP is filled from it.
func ParseAnnouncement(payload []byte, source net.IP) (Announcement, error) {
	if len(payload) == 0 || len(payload) > MaxAnnouncementSize {
		return Announcement{}, fmt.Errorf("%w: size %d", ErrMalformedAnnouncement, len(payload))
	}

	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Announcement{}, fmt.Errorf("%w: %v", ErrMalformedAnnouncement, err)
	}

	switch msg.Type {
	case MessageAnnounce, MessageResponse, MessageGoodbye:
	default:
		return Announcement{}, fmt.Errorf("%w: unknown message type %q", ErrMalformedAnnouncement, msg.Type)
	}

	record, err := parseDeviceInfo(msg.Device, source)
	if err != nil {
		return Announcement{}, err
	}

	var sentAt time.Time
	if msg.Timestamp > 0 {
		sentAt = time.UnixMilli(msg.Timestamp)
	}
	return Announcement{Type: msg.Type, Record: record, SentAt: sentAt}, nil
}

func parseDeviceInfo(info DeviceInfo, source net.IP) (models.DeviceRecord, error) {
	deviceID := strings.TrimSpace(info.DeviceID)
	if deviceID == "" {
		return models.DeviceRecord{}, fmt.Errorf("%w: device_id", ErrMissingField)
	}
	if len(deviceID) > maxFieldLength {
		return models.DeviceRecord{}, fmt.Errorf("%w: device_id too long", ErrMalformedAnnouncement)
	}

	name := strings.TrimSpace(info.DeviceName)
	if name == "" {
		return models.DeviceRecord{}, fmt.Errorf("%w: device_name", ErrMissingField)
	}
	if len(name) > maxNameLength {
		return models.DeviceRecord{}, fmt.Errorf("%w: device_name too long", ErrMalformedAnnouncement)
	}

	if info.ServerPort <= 0 || info.ServerPort > 65535 {
		return models.DeviceRecord{}, fmt.Errorf("%w: server_port %d", ErrInvalidAddress, info.ServerPort)
	}

	ip, err := resolveAnnouncedIP(info.IPAddress, source)
	if err != nil {
		return models.DeviceRecord{}, err
	}

	if len(info.Capabilities) > maxCapabilityCount {
		return models.DeviceRecord{}, fmt.Errorf("%w: %d capabilities", ErrMalformedAnnouncement, len(info.Capabilities))
	}
	capabilities := make([]string, 0, len(info.Capabilities))
	for _, capability := range info.Capabilities {
		capability = strings.TrimSpace(capability)
		if capability == "" || len(capability) > maxFieldLength {
			continue
		}
		capabilities = append(capabilities, capability)
	}

	deviceType := strings.TrimSpace(info.DeviceType)
	if deviceType == "" {
		deviceType = defaultDeviceType
	}

	return models.DeviceRecord{
		DeviceID:     deviceID,
		DeviceName:   name,
		DeviceType:   truncate(deviceType, maxFieldLength),
		Version:      truncate(strings.TrimSpace(info.Version), maxFieldLength),
		Capabilities: capabilities,
		ServerPort:   info.ServerPort,
		IPAddress:    ip.String(),
	}, nil
}

func resolveAnnouncedIP(raw string, source net.IP) (net.IP, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if source == nil {
			return nil, fmt.Errorf("%w: ip_address", ErrMissingField)
		}
		raw = source.String()
	}

	ip := net.ParseIP(raw)
	if ip == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	if ip.IsUnspecified() || ip.IsMulticast() || ip.Equal(net.IPv4bcast) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, ip)
	}
	if source != nil && !source.Equal(ip) {
		return nil, fmt.Errorf("%w: announced %s from %s", ErrAddressMismatch, ip, source)
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return ip, nil
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}

// dropReason maps a parse error to a metrics label.
func dropReason(err error) string {
	switch {
	case errors.Is(err, ErrMissingField):
		return "missing_field"
	case errors.Is(err, ErrInvalidAddress):
		return "invalid_address"
	case errors.Is(err, ErrAddressMismatch):
		return "address_mismatch"
	default:
		return "malformed"
	}
}
