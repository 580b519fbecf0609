package crypto

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateIdentityIsStable(t *testing.T) {
	tempDir := t.TempDir()
	privatePath := filepath.Join(tempDir, "keys", "ed25519_private.pem")
	publicPath := filepath.Join(tempDir, "keys", "ed25519_public.pem")

	first, err := LoadOrCreateIdentity(privatePath, publicPath)
	if err != nil {
		t.Fatalf("first LoadOrCreateIdentity failed: %v", err)
	}
	second, err := LoadOrCreateIdentity(privatePath, publicPath)
	if err != nil {
		t.Fatalf("second LoadOrCreateIdentity failed: %v", err)
	}

	if !bytes.Equal(first.PrivateKey, second.PrivateKey) {
		t.Fatalf("expected stable private key across runs")
	}
	if first.Fingerprint() != second.Fingerprint() {
		t.Fatalf("expected stable fingerprint across runs")
	}

	info, err := os.Stat(privatePath)
	if err != nil {
		t.Fatalf("stat private key: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected private key mode 0600, got %o", info.Mode().Perm())
	}
}

func TestLoadOrCreateIdentityRepairsPublicKey(t *testing.T) {
	tempDir := t.TempDir()
	privatePath := filepath.Join(tempDir, "private.pem")
	publicPath := filepath.Join(tempDir, "public.pem")

	identity, err := LoadOrCreateIdentity(privatePath, publicPath)
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity failed: %v", err)
	}
	if err := os.WriteFile(publicPath, []byte("garbage"), 0o644); err != nil {
		t.Fatalf("corrupt public key: %v", err)
	}

	if _, err := LoadOrCreateIdentity(privatePath, publicPath); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	stored, err := readPEM(publicPath, publicPEMType, len(identity.PublicKey))
	if err != nil {
		t.Fatalf("expected public key to be rewritten: %v", err)
	}
	if !bytes.Equal(stored, identity.PublicKey) {
		t.Fatalf("rewritten public key does not match private key")
	}
}

func TestPublicKeyWireRoundTrip(t *testing.T) {
	identity, err := NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity failed: %v", err)
	}

	decoded, err := DecodePublicKey(EncodePublicKey(identity.PublicKey))
	if err != nil {
		t.Fatalf("DecodePublicKey failed: %v", err)
	}
	if !bytes.Equal(decoded, identity.PublicKey) {
		t.Fatalf("public key changed across encoding")
	}

	if _, err := DecodePublicKey("c2hvcnQ="); !errors.Is(err, ErrInvalidPublicKey) {
		t.Fatalf("expected ErrInvalidPublicKey for short key, got %v", err)
	}
	if _, err := DecodePublicKey("%%%"); !errors.Is(err, ErrInvalidPublicKey) {
		t.Fatalf("expected ErrInvalidPublicKey for bad base64, got %v", err)
	}
}

func TestFormatFingerprint(t *testing.T) {
	if got := FormatFingerprint("a1b2c3d4e5"); got != "A1B2 C3D4 E5" {
		t.Fatalf("unexpected formatted fingerprint %q", got)
	}
	if got := FormatFingerprint(""); got != "" {
		t.Fatalf("expected empty fingerprint, got %q", got)
	}
}
