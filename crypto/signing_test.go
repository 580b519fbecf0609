package crypto

import (
	"errors"
	"testing"
)

func TestSignatureValidity(t *testing.T) {
	identity, err := NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity failed: %v", err)
	}

	data := []byte("signed payload")
	signature, err := identity.Sign(data)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if err := VerifySignature(identity.PublicKey, data, signature); err != nil {
		t.Fatalf("expected signature verification to succeed: %v", err)
	}
}

func TestSignatureTamperingRejected(t *testing.T) {
	identity, err := NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity failed: %v", err)
	}
	other, err := NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity failed: %v", err)
	}

	signature, err := identity.Sign([]byte("message to protect"))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	if err := VerifySignature(identity.PublicKey, []byte("message to protect!"), signature); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected tampered data to fail, got %v", err)
	}
	if err := VerifySignature(other.PublicKey, []byte("message to protect"), signature); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected wrong key to fail, got %v", err)
	}
	if err := VerifySignature(identity.PublicKey, []byte("message to protect"), "not-base64"); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected malformed signature to fail, got %v", err)
	}
}

func TestSignRequiresData(t *testing.T) {
	identity, err := NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity failed: %v", err)
	}
	if _, err := identity.Sign(nil); err == nil {
		t.Fatalf("expected empty payload to be refused")
	}
}
