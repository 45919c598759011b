package handler

import (
	"regexp"
	"strings"
	"unicode"
)

// Field bounds enforced before any storage lookup.
const (
	UsernameMax = 32
	PasswordMax = 128
	PasswordMin = 8
	NamePartMax = 30
)

var (
	usernameRe = regexp.MustCompile(`^\w+$`)
	namePartRe = regexp.MustCompile(`^[A-Za-z]+$`)
)

func validUsername(username string) bool {
	return username != "" && len(username) <= UsernameMax && usernameRe.MatchString(username)
}

// validDisplayName requires exactly two Latin-letter tokens, each within
// the per-part bound.
func validDisplayName(name string) bool {
	parts := strings.Fields(name)
	if len(parts) != 2 {
		return false
	}
	for _, part := range parts {
		if len(part) > NamePartMax || !namePartRe.MatchString(part) {
			return false
		}
	}
	return true
}

// strongPassword requires length plus lower, upper, digit and symbol
// classes.
func strongPassword(password string) bool {
	if len(password) < PasswordMin {
		return false
	}
	var lower, upper, digit, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		case r != '_':
			// Underscore counts as a word character, not a symbol.
			symbol = true
		}
	}
	return lower && upper && digit && symbol
}
