package policy

import (
	"regexp"
	"strings"
)

var (
	bearerPattern   = regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9._~+/=\-_]{8,}`)
	keyFieldPattern = regexp.MustCompile(`(?i)("?(?:api[_-]?key|client_secret|secret|token|value)"?\s*[:=]\s*"?)([A-Za-z0-9._~+/=\-_]{8,})`)
	skKeyPattern    = regexp.MustCompile(`\b(?:sk|ek|rk)-[A-Za-z0-9_\-]{8,}\b`)
)

// MaskSecret keeps a short prefix of a credential so log lines stay correlatable.
func MaskSecret(secret string) string {
	s := strings.TrimSpace(secret)
	switch {
	case s == "":
		return ""
	case len(s) <= 8:
		return "****"
	default:
		return s[:4] + "****"
	}
}

// RedactCredentials masks bearer tokens, key-like fields and provider keys in
// free-form text such as upstream error bodies.
func RedactCredentials(input string) (redacted string, changed bool) {
	out := input

	next := bearerPattern.ReplaceAllString(out, "${1}[REDACTED]")
	changed = changed || next != out
	out = next

	next = keyFieldPattern.ReplaceAllString(out, "${1}[REDACTED]")
	changed = changed || next != out
	out = next

	next = skKeyPattern.ReplaceAllString(out, "[REDACTED_KEY]")
	changed = changed || next != out
	out = next

	return out, changed
}
