package security

import (
	"strings"
	"unicode/utf8"
)

const (
	MinPasswordLength = 8
	// MaxPasswordBytes is the longest input bcrypt accepts.
	MaxPasswordBytes  = 72
	specialChars      = "!@#$%^&*(),.?:{}|<>"
)

// PasswordViolations returns every strength rule password breaks, in a stable
// order. An empty result means the password is acceptable.
func PasswordViolations(password string) []string {
	var hasLower, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case r >= 'a' && r <= 'z':
			hasLower = true
		case r >= '0' && r <= '9':
			hasDigit = true
		case strings.ContainsRune(specialChars, r):
			hasSpecial = true
		}
	}

	var out []string
	if utf8.RuneCountInString(password) < MinPasswordLength {
		out = append(out, "password must be at least 8 characters long")
	}
	if len(password) > MaxPasswordBytes {
		out = append(out, "password must be at most 72 bytes long")
	}
	if !hasLower {
		out = append(out, "password must contain at least one lowercase letter")
	}
	if !hasDigit {
		out = append(out, "password must contain at least one digit")
	}
	if !hasSpecial {
		out = append(out, "password must contain at least one special character ("+specialChars+")")
	}
	return out
}
