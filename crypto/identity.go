// Package crypto holds the device signing identity used to authenticate
// connection requests.
package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	privatePEMType = "ED25519 PRIVATE KEY"
	publicPEMType  = "ED25519 PUBLIC KEY"
)

// ErrInvalidPublicKey indicates an encoded public key of the wrong shape.
var ErrInvalidPublicKey = errors.New("crypto: invalid public key")

// Identity is the long-term Ed25519 key pair of this device.
type Identity struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
}

// Fingerprint returns the identity's public key fingerprint.
func (i Identity) Fingerprint() string {
	return Fingerprint(i.PublicKey)
}

// NewIdentity generates an identity that is not persisted.
func NewIdentity() (Identity, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, fmt.Errorf("generate Ed25519 keypair: %w", err)
	}
	return Identity{PrivateKey: privateKey, PublicKey: publicKey}, nil
}

// LoadOrCreateIdentity loads the key pair from disk, generating and saving
// one on first run. A public key file that disagrees with the private key is
// rewritten.
func LoadOrCreateIdentity(privatePath, publicPath string) (Identity, error) {
	privateKey, err := readPEM(privatePath, privatePEMType, ed25519.PrivateKeySize)
	if err == nil {
		identity := Identity{
			PrivateKey: ed25519.PrivateKey(privateKey),
			PublicKey:  ed25519.PrivateKey(privateKey).Public().(ed25519.PublicKey),
		}
		stored, pubErr := readPEM(publicPath, publicPEMType, ed25519.PublicKeySize)
		if pubErr != nil || !bytes.Equal(stored, identity.PublicKey) {
			if err := writePEM(publicPath, publicPEMType, identity.PublicKey, 0o644); err != nil {
				return Identity{}, err
			}
		}
		return identity, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return Identity{}, err
	}

	identity, err := NewIdentity()
	if err != nil {
		return Identity{}, err
	}
	if err := writePEM(privatePath, privatePEMType, identity.PrivateKey, 0o600); err != nil {
		return Identity{}, err
	}
	if err := writePEM(publicPath, publicPEMType, identity.PublicKey, 0o644); err != nil {
		return Identity{}, err
	}
	return identity, nil
}

func readPEM(path, blockType string, size int) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", strings.ToLower(blockType), err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode %s: no PEM block", strings.ToLower(blockType))
	}
	if block.Type != blockType {
		return nil, fmt.Errorf("decode %s: unexpected type %q", strings.ToLower(blockType), block.Type)
	}
	if len(block.Bytes) != size {
		return nil, fmt.Errorf("decode %s: invalid key size %d", strings.ToLower(blockType), len(block.Bytes))
	}
	return block.Bytes, nil
}

func writePEM(path, blockType string, key []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	block := &pem.Block{Type: blockType, Bytes: key}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), mode); err != nil {
		return fmt.Errorf("write %s: %w", strings.ToLower(blockType), err)
	}
	return nil
}

// EncodePublicKey returns the wire form of a public key.
func EncodePublicKey(publicKey ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(publicKey)
}

// DecodePublicKey parses the wire form of a public key.
func DecodePublicKey(encoded string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPublicKey, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidPublicKey, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// Fingerprint returns the truncated SHA-256 hex fingerprint of a public key.
func Fingerprint(publicKey ed25519.PublicKey) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

// FormatFingerprint groups a fingerprint into uppercase blocks of four for display.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		end := min(i+4, len(clean))
		b.WriteString(clean[i:end])
	}
	return b.String()
}
