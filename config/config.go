package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "peerdesk"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "PEERDESK_DATA_DIR"

	DefaultListeningPort       = 7878
	DefaultDiscoveryPort       = 7879
	DefaultAPIAddress          = "127.0.0.1:7880"
	DefaultDeviceType          = "desktop"
	DefaultLogLevel            = "info"
	DefaultAnnounceInterval    = 5 * time.Second
	DefaultLivenessWindow      = 3 * DefaultAnnounceInterval
	DefaultRequestMaxAge       = 60 * time.Second
	DefaultMaxPendingPerDevice = 100
	DefaultMaxPendingTotal     = 1000
	DefaultSessionDuration     = 60 * time.Minute
	DefaultMaxSessionDuration  = 8 * time.Hour
	DefaultMaxActiveGrants     = 3
	DefaultAuditRetention      = 90 * 24 * time.Hour
	DefaultSecurityRetention   = 30 * 24 * time.Hour
	defaultDeviceName          = "PeerDesk Device"
	configFileName             = "config.json"
	privateKeyFileName         = "ed25519_private.pem"
	publicKeyFileName          = "ed25519_public.pem"
)

// ErrInvalidConfig indicates settings that cannot work together.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Duration is a time.Duration stored as a Go duration string ("5s", "1h").
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(raw []byte) error {
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	DeviceType string `json:"device_type"`

	ListeningPort    int      `json:"listening_port"`
	DiscoveryPort    int      `json:"discovery_port"`
	AnnounceInterval Duration `json:"announce_interval"`
	LivenessWindow   Duration `json:"liveness_window"`
	EnableMDNS       bool     `json:"enable_mdns"`

	RequestMaxAge       Duration `json:"request_max_age"`
	MaxPendingPerDevice int      `json:"max_pending_per_device"`
	MaxPendingTotal     int      `json:"max_pending_total"`

	DefaultSessionDuration Duration `json:"default_session_duration"`
	MaxSessionDuration     Duration `json:"max_session_duration"`
	MaxActiveGrants        int      `json:"max_active_grants"`

	AuditRetention         Duration `json:"audit_retention"`
	SecurityEventRetention Duration `json:"security_event_retention"`

	APIAddress string `json:"api_address"`
	LogLevel   string `json:"log_level"`

	Ed25519PrivateKeyPath string `json:"ed25519_private_key_path"`
	Ed25519PublicKeyPath  string `json:"ed25519_public_key_path"`
	KeyFingerprint        string `json:"key_fingerprint"`
}

// Validate reports settings that are individually valid but unusable together.
func (c *DeviceConfig) Validate() error {
	for name, port := range map[string]int{"listening_port": c.ListeningPort, "discovery_port": c.DiscoveryPort} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%w: %s %d out of range", ErrInvalidConfig, name, port)
		}
	}
	if c.ListeningPort != 0 && c.ListeningPort == c.DiscoveryPort {
		return fmt.Errorf("%w: listening and discovery ports must differ", ErrInvalidConfig)
	}
	if c.LivenessWindow <= c.AnnounceInterval {
		return fmt.Errorf("%w: liveness_window %s must exceed announce_interval %s",
			ErrInvalidConfig, c.LivenessWindow.Std(), c.AnnounceInterval.Std())
	}
	if c.DefaultSessionDuration > c.MaxSessionDuration {
		return fmt.Errorf("%w: default_session_duration %s exceeds max_session_duration %s",
			ErrInvalidConfig, c.DefaultSessionDuration.Std(), c.MaxSessionDuration.Std())
	}
	return nil
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If PEERDESK_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	for _, dir := range []string{dataDir, filepath.Join(dataDir, "keys")} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// LoadOrCreate resolves the data directory, then loads or creates its config.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	cfg, err := LoadOrCreateIn(dataDir)
	if err != nil {
		return nil, "", err
	}
	return cfg, dataDir, nil
}

// LoadOrCreateIn ensures dataDir and its config exist. Missing fields of an
// existing config are back-filled and written back.
func LoadOrCreateIn(dataDir string) (*DeviceConfig, error) {
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		cfg = &DeviceConfig{}
		normalizeDefaults(cfg, dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, err
		}
		return cfg, cfg.Validate()
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, err
		}
	}
	return cfg, cfg.Validate()
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false
	setString := func(field *string, value string) {
		if strings.TrimSpace(*field) == "" {
			*field = value
			updated = true
		}
	}
	setInt := func(field *int, value int) {
		if *field <= 0 {
			*field = value
			updated = true
		}
	}
	setDuration := func(field *Duration, value time.Duration) {
		if *field <= 0 {
			*field = Duration(value)
			updated = true
		}
	}

	keysDir := filepath.Join(dataDir, "keys")
	setString(&cfg.DeviceID, uuid.NewString())
	setString(&cfg.DeviceName, hostnameOr(defaultDeviceName))
	setString(&cfg.DeviceType, DefaultDeviceType)
	setInt(&cfg.ListeningPort, DefaultListeningPort)
	setInt(&cfg.DiscoveryPort, DefaultDiscoveryPort)
	setDuration(&cfg.AnnounceInterval, DefaultAnnounceInterval)
	setDuration(&cfg.LivenessWindow, 3*cfg.AnnounceInterval.Std())
	setDuration(&cfg.RequestMaxAge, DefaultRequestMaxAge)
	setInt(&cfg.MaxPendingPerDevice, DefaultMaxPendingPerDevice)
	setInt(&cfg.MaxPendingTotal, DefaultMaxPendingTotal)
	setDuration(&cfg.DefaultSessionDuration, DefaultSessionDuration)
	setDuration(&cfg.MaxSessionDuration, DefaultMaxSessionDuration)
	setInt(&cfg.MaxActiveGrants, DefaultMaxActiveGrants)
	setDuration(&cfg.AuditRetention, DefaultAuditRetention)
	setDuration(&cfg.SecurityEventRetention, DefaultSecurityRetention)
	setString(&cfg.APIAddress, DefaultAPIAddress)
	setString(&cfg.LogLevel, DefaultLogLevel)
	setString(&cfg.Ed25519PrivateKeyPath, filepath.Join(keysDir, privateKeyFileName))
	setString(&cfg.Ed25519PublicKeyPath, filepath.Join(keysDir, publicKeyFileName))
	return updated
}

func hostnameOr(fallback string) string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return fallback
}
