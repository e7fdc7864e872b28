// Package redact scrubs chat text before it reaches the audit trail.
package redact

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var sensitivePatterns = []*regexp.Regexp{
	// AWS
	regexp.MustCompile(`(?i)(aws_access_key_id|aws_secret_access_key|aws_session_token)\s*[=:]\s*['"]?[A-Za-z0-9/+=]{20,}['"]?`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),

	// GitHub
	regexp.MustCompile(`(?i)(github_token|gh_token|github_pat)\s*[=:]\s*['"]?[A-Za-z0-9_-]{30,}['"]?`),
	regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36}`),

	// Google / Gemini API keys
	regexp.MustCompile(`AIza[0-9A-Za-z_-]{35}`),

	// Generic API keys
	regexp.MustCompile(`(?i)(api_key|apikey|api-key|secret_key|secretkey|secret-key|access_token|auth_token)\s*[=:]\s*['"]?[A-Za-z0-9_-]{16,}['"]?`),

	regexp.MustCompile(`-----BEGIN (RSA |EC |DSA |OPENSSH |PGP )?PRIVATE KEY-----`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9_-]{20,}`),
	regexp.MustCompile(`https?://[^:\s]+:[^@\s]+@`),
	regexp.MustCompile(`xox[baprs]-[0-9]{10,13}-[0-9]{10,13}[a-zA-Z0-9-]*`),
	regexp.MustCompile(`[sr]k_live_[0-9a-zA-Z]{24}`),

	// Credentials typed into chat: "my password is hunter22", "pin: 4321"
	regexp.MustCompile(`(?i)\b(password|passwd|pwd|secret|passcode|pin)\b(\s+is\s+|\s*[=:]\s*)['"]?[^\s'"]{4,}['"]?`),

	// Card numbers
	regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`),
}

// encodedBlob matches long base64 runs that may carry hidden instructions.
var encodedBlob = regexp.MustCompile(`[A-Za-z0-9+/]{40,}={0,2}`)

const (
	redactedPlaceholder = "[REDACTED]"
	encodedPlaceholder  = "[ENCODED]"
	maskedPlaceholder   = "[MASKED]"
)

// Redact replaces credentials and long encoded blobs in input.
func Redact(input string) string {
	result := input
	for _, pattern := range sensitivePatterns {
		result = pattern.ReplaceAllString(result, redactedPlaceholder)
	}
	return encodedBlob.ReplaceAllString(result, encodedPlaceholder)
}

// Mask replaces every case-insensitive occurrence of the given phrases.
// Empty phrases are ignored.
func Mask(input string, phrases ...string) string {
	for _, p := range phrases {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		re := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(p))
		input = re.ReplaceAllString(input, maskedPlaceholder)
	}
	return input
}

// Excerpt truncates s to at most max runes, marking the cut with an ellipsis.
func Excerpt(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + "..."
}
