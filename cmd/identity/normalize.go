package identity

import "strings"

// NormalizeSubject trims surrounding whitespace. Subjects are opaque and case-sensitive.
func NormalizeSubject(s string) string {
	return strings.TrimSpace(s)
}

// NormalizeRole performs case-insensitive canonicalization.
func NormalizeRole(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
