package models

// SessionIdentifierLength is the number of characters in a session identifier.
const SessionIdentifierLength = 8

// SessionIdentifierAlphabet omits look-alike characters (0/O, 1/I).
const SessionIdentifierAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// SessionIdentifier is the short human-shareable code for this host.
type SessionIdentifier string

// ValidSessionIdentifier reports whether s has the expected length and alphabet.
func ValidSessionIdentifier(s string) bool {
	if len(s) != SessionIdentifierLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !inAlphabet(s[i]) {
			return false
		}
	}
	return true
}

func inAlphabet(c byte) bool {
	for i := 0; i < len(SessionIdentifierAlphabet); i++ {
		if SessionIdentifierAlphabet[i] == c {
			return true
		}
	}
	return false
}
