// Package obfuscate centralizes redaction helpers for credentials that end up
// in logs or CLI output.
package obfuscate

import (
	"strings"
)

// knownPrefixes are credential prefixes kept visible when obfuscating.
var knownPrefixes = []string{"up-chat", "up-", "sk-"}

// Key obfuscates a credential for display/logging.
// A leading "Bearer " scheme is preserved, as is a known key prefix
// (up-, up-chat, sk-). Of the remainder the first and last 4 characters
// are kept; remainders of 8 characters or fewer are fully masked.
func Key(s string) string {
	if s == "" {
		return s
	}
	scheme := ""
	if strings.HasPrefix(s, "Bearer ") {
		scheme, s = "Bearer ", strings.TrimPrefix(s, "Bearer ")
	}
	prefix := ""
	for _, p := range knownPrefixes {
		if strings.HasPrefix(s, p) {
			prefix = p
			break
		}
	}
	rest := s[len(prefix):]
	if len(rest) <= 8 {
		return scheme + prefix + strings.Repeat("*", len(rest))
	}
	return scheme + prefix + rest[:4] + strings.Repeat("*", len(rest)-8) + rest[len(rest)-4:]
}

// Generic obfuscates arbitrary token-like strings.
// - length <= 4  → all asterisks of same length
// - 5..12        → keep first 2 characters, replace the rest with asterisks
// - > 12         → keep first 8 characters, then "...", then last 4 characters
func Generic(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	if len(s) <= 12 {
		return s[:2] + strings.Repeat("*", len(s)-2)
	}
	return s[:8] + "..." + s[len(s)-4:]
}
