package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	firstCfg, dataDir, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if dataDir != tempDir {
		t.Fatalf("expected data dir %q, got %q", tempDir, dataDir)
	}
	if firstCfg.DeviceID == "" {
		t.Fatalf("expected non-empty device ID")
	}
	if firstCfg.ListeningPort != DefaultListeningPort || firstCfg.DiscoveryPort != DefaultDiscoveryPort {
		t.Fatalf("unexpected default ports %d/%d", firstCfg.ListeningPort, firstCfg.DiscoveryPort)
	}
	if firstCfg.LivenessWindow.Std() != 15*time.Second {
		t.Fatalf("expected liveness window 15s, got %s", firstCfg.LivenessWindow.Std())
	}
	if firstCfg.APIAddress != DefaultAPIAddress {
		t.Fatalf("expected API address %q, got %q", DefaultAPIAddress, firstCfg.APIAddress)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "config.json")); err != nil {
		t.Fatalf("expected config.json to be written: %v", err)
	}

	secondCfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if secondCfg.DeviceID != firstCfg.DeviceID {
		t.Fatalf("expected stable device ID, got %q then %q", firstCfg.DeviceID, secondCfg.DeviceID)
	}
	if secondCfg.Ed25519PrivateKeyPath != firstCfg.Ed25519PrivateKeyPath {
		t.Fatalf("expected stable key path, got %q then %q", firstCfg.Ed25519PrivateKeyPath, secondCfg.Ed25519PrivateKeyPath)
	}
}

func TestLoadOrCreateBackfillsPartialConfig(t *testing.T) {
	tempDir := t.TempDir()
	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	partial := `{"device_id":"legacy-device","device_name":"Legacy","announce_interval":"2s","max_active_grants":5}`
	if err := os.WriteFile(ConfigPath(tempDir), []byte(partial), 0o600); err != nil {
		t.Fatalf("write partial config: %v", err)
	}

	cfg, err := LoadOrCreateIn(tempDir)
	if err != nil {
		t.Fatalf("LoadOrCreateIn failed: %v", err)
	}
	if cfg.DeviceID != "legacy-device" || cfg.MaxActiveGrants != 5 {
		t.Fatalf("expected explicit values to be retained, got %+v", cfg)
	}
	if cfg.AnnounceInterval.Std() != 2*time.Second || cfg.LivenessWindow.Std() != 6*time.Second {
		t.Fatalf("expected liveness to follow announce interval, got %s/%s", cfg.AnnounceInterval.Std(), cfg.LivenessWindow.Std())
	}
	if cfg.DefaultSessionDuration.Std() != time.Hour || cfg.MaxSessionDuration.Std() != 8*time.Hour {
		t.Fatalf("unexpected session durations %s/%s", cfg.DefaultSessionDuration.Std(), cfg.MaxSessionDuration.Std())
	}

	reloaded, err := Load(ConfigPath(tempDir))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reloaded.RequestMaxAge.Std() != DefaultRequestMaxAge {
		t.Fatalf("expected back-filled fields to be persisted, got %s", reloaded.RequestMaxAge.Std())
	}
	if reloaded.AuditRetention.Std() != DefaultAuditRetention || reloaded.SecurityEventRetention.Std() != DefaultSecurityRetention {
		t.Fatalf("expected retention defaults, got %s/%s", reloaded.AuditRetention.Std(), reloaded.SecurityEventRetention.Std())
	}
}

func TestLoadOrCreateRejectsInconsistentConfig(t *testing.T) {
	tempDir := t.TempDir()
	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}
	bad := `{"announce_interval":"10s","liveness_window":"5s"}`
	if err := os.WriteFile(ConfigPath(tempDir), []byte(bad), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := LoadOrCreateIn(tempDir); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestDurationJSON(t *testing.T) {
	raw, err := json.Marshal(Duration(90 * time.Second))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(raw) != `"1m30s"` {
		t.Fatalf("unexpected encoding %s", raw)
	}

	var d Duration
	if err := json.Unmarshal([]byte(`"8h"`), &d); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if d.Std() != 8*time.Hour {
		t.Fatalf("expected 8h, got %s", d.Std())
	}
	if err := json.Unmarshal([]byte(`"soon"`), &d); err == nil {
		t.Fatalf("expected invalid duration to fail")
	}
}
