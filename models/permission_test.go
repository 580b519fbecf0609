package models

import (
	"errors"
	"testing"
	"time"
)

func TestParsePermissionsCanonicalizes(t *testing.T) {
	set, err := ParsePermissions([]string{"screen_capture", "file_transfer", "screen_capture"})
	if err != nil {
		t.Fatalf("ParsePermissions failed: %v", err)
	}
	if len(set) != 2 {
		t.Fatalf("expected duplicates to collapse, got %v", set)
	}
	if set[0] != PermissionFileTransfer || set[1] != PermissionScreenCapture {
		t.Fatalf("expected sorted set, got %v", set)
	}
}

func TestParsePermissionsRejectsEmptyAndUnknown(t *testing.T) {
	if _, err := ParsePermissions(nil); !errors.Is(err, ErrInvalidPermissionSet) {
		t.Fatalf("expected ErrInvalidPermissionSet for empty set, got %v", err)
	}
	if _, err := ParsePermissions([]string{"screen_capture", "root_shell"}); !errors.Is(err, ErrInvalidPermissionSet) {
		t.Fatalf("expected ErrInvalidPermissionSet for unknown value, got %v", err)
	}
}

func TestPermissionSetSubset(t *testing.T) {
	requested := PermissionSet{PermissionInputForwarding, PermissionScreenCapture}
	if !(PermissionSet{PermissionScreenCapture}).IsSubsetOf(requested) {
		t.Fatalf("expected screen_capture to be a subset")
	}
	if (PermissionSet{PermissionFileTransfer, PermissionScreenCapture}).IsSubsetOf(requested) {
		t.Fatalf("expected file_transfer superset to be rejected")
	}
}

func TestGrantAllowsOnlyWhileActive(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	grant := PermissionGrant{
		GrantedPermissions: PermissionSet{PermissionScreenCapture},
		GrantedAt:          now,
		ExpiresAt:          now.Add(time.Minute),
	}
	if !grant.Allows(PermissionScreenCapture, now) {
		t.Fatalf("expected active grant to allow screen_capture")
	}
	if grant.Allows(PermissionInputForwarding, now) {
		t.Fatalf("expected grant to deny input_forwarding")
	}
	if grant.Allows(PermissionScreenCapture, now.Add(time.Minute)) {
		t.Fatalf("expected grant to be inactive at expires_at")
	}
}

func TestValidSessionIdentifier(t *testing.T) {
	cases := map[string]bool{
		"ABCD2345":  true,
		"abcd2345":  false,
		"ABCD234":   false,
		"ABCD23450": false,
		"ABCDO234":  false,
	}
	for value, want := range cases {
		if got := ValidSessionIdentifier(value); got != want {
			t.Fatalf("ValidSessionIdentifier(%q) = %v, want %v", value, got, want)
		}
	}
}
