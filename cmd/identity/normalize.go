package identity

import "strings"

// NormalizeUsername trims and lower-cases a username for lookups and uniqueness.
func NormalizeUsername(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// validUsername allows 3..64 characters from [a-z0-9._-] after normalization.
func validUsername(norm string) bool {
	if len(norm) < 3 || len(norm) > 64 {
		return false
	}
	for _, r := range norm {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}
