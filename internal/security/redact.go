package security

import (
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

var (
	bearerPattern = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
	jwtPattern    = regexp.MustCompile(`\beyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]*`)
	secretPair    = regexp.MustCompile(`(?i)\b(token|password|passwd|secret|session|cookie|authorization|api[_-]?key)(["']?\s*[=:]\s*["']?)[^\s&,;"']+`)
)

// Redact strips credential-shaped substrings from s before it reaches a log
// line, audit event or error body.
func Redact(s string) string {
	if s == "" {
		return s
	}
	s = bearerPattern.ReplaceAllString(s, "Bearer "+redacted)
	s = jwtPattern.ReplaceAllString(s, redacted)
	return secretPair.ReplaceAllString(s, "${1}${2}"+redacted)
}

// MaskEmail keeps the first character of the local part and the domain:
// "alice@example.com" becomes "a***@example.com".
func MaskEmail(email string) string {
	email = strings.TrimSpace(email)
	at := strings.LastIndexByte(email, '@')
	if at <= 0 {
		if email == "" {
			return ""
		}
		return "***"
	}
	return email[:1] + "***" + email[at:]
}

// TokenFingerprint returns a short non-reversible label for a token so log
// lines about the same token can be correlated.
func TokenFingerprint(token string) string {
	if token == "" {
		return ""
	}
	// FNV-1a, 32 bit
	var h uint32 = 2166136261
	for i := 0; i < len(token); i++ {
		h ^= uint32(token[i])
		h *= 16777619
	}
	const hex = "0123456789abcdef"
	out := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		out[i] = hex[h&0xf]
		h >>= 4
	}
	return string(out)
}
