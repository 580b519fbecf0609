package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Permission is one capability a remote peer may be granted.
type Permission string

const (
	PermissionScreenCapture   Permission = "screen_capture"
	PermissionInputForwarding Permission = "input_forwarding"
	PermissionFileTransfer    Permission = "file_transfer"
)

// ErrInvalidPermissionSet indicates an empty permission set or an unknown permission value.
var ErrInvalidPermissionSet = errors.New("models: invalid permission set")

// AllPermissions lists the full vocabulary in canonical order.
func AllPermissions() []Permission {
	return []Permission{PermissionFileTransfer, PermissionInputForwarding, PermissionScreenCapture}
}

// Valid reports whether p is part of the vocabulary.
func (p Permission) Valid() bool {
	switch p {
	case PermissionScreenCapture, PermissionInputForwarding, PermissionFileTransfer:
		return true
	default:
		return false
	}
}

// PermissionSet is a sorted, de-duplicated, non-empty list of permissions.
type PermissionSet []Permission

// ParsePermissions validates raw permission names and returns the canonical set.
func ParsePermissions(raw []string) (PermissionSet, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: at least one permission is required", ErrInvalidPermissionSet)
	}

	seen := make(map[Permission]struct{}, len(raw))
	out := make(PermissionSet, 0, len(raw))
	for _, value := range raw {
		p := Permission(strings.TrimSpace(value))
		if !p.Valid() {
			return nil, fmt.Errorf("%w: unknown permission %q", ErrInvalidPermissionSet, value)
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Contains reports whether p is in the set.
func (s PermissionSet) Contains(p Permission) bool {
	for _, candidate := range s {
		if candidate == p {
			return true
		}
	}
	return false
}

// IsSubsetOf reports whether every member of s is also in other.
func (s PermissionSet) IsSubsetOf(other PermissionSet) bool {
	for _, p := range s {
		if !other.Contains(p) {
			return false
		}
	}
	return true
}

// Strings returns the wire representation of the set.
func (s PermissionSet) Strings() []string {
	out := make([]string, len(s))
	for i, p := range s {
		out[i] = string(p)
	}
	return out
}

// Clone returns an independent copy of the set.
func (s PermissionSet) Clone() PermissionSet {
	if s == nil {
		return nil
	}
	return append(PermissionSet(nil), s...)
}
