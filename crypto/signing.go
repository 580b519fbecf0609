package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrInvalidSignature indicates a signature that does not verify.
var ErrInvalidSignature = errors.New("crypto: invalid signature")

// Sign signs data and returns the base64 wire form of the signature.
func (i Identity) Sign(data []byte) (string, error) {
	if len(i.PrivateKey) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("invalid Ed25519 private key length: got %d want %d", len(i.PrivateKey), ed25519.PrivateKeySize)
	}
	if len(data) == 0 {
		return "", errors.New("data is required")
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(i.PrivateKey, data)), nil
}

// VerifySignature checks a base64 signature over data.
func VerifySignature(publicKey ed25519.PublicKey, data []byte, encodedSignature string) error {
	if len(publicKey) != ed25519.PublicKeySize || len(data) == 0 {
		return ErrInvalidSignature
	}
	signature, err := base64.StdEncoding.DecodeString(encodedSignature)
	if err != nil || len(signature) != ed25519.SignatureSize {
		return ErrInvalidSignature
	}
	if !ed25519.Verify(publicKey, data, signature) {
		return ErrInvalidSignature
	}
	return nil
}
