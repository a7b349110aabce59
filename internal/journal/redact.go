package journal

import (
	"regexp"
	"strings"
)

// Detail strings can embed process command lines read from /proc and
// controller URLs; credential-shaped substrings are scrubbed before
// they reach disk.
var (
	kvSecretRE   = regexp.MustCompile(`(?i)\b(password|passwd|secret|api[_-]?key|[a-z0-9._-]*token[a-z0-9._-]*)\s*[:=]\s*(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"']+)`)
	authHeaderRE = regexp.MustCompile(`(?i)(authorization\s*:\s*)[^\r\n]+`)
	bearerRE     = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
	urlCredRE    = regexp.MustCompile(`(?i)\b(https?://)[^\s/@:]+:[^\s/@]*@`)
)

func redactDetail(detail string) string {
	if detail == "" {
		return ""
	}
	out := kvSecretRE.ReplaceAllStringFunc(detail, func(m string) string {
		i := strings.IndexAny(m, ":=")
		if i < 0 {
			return "[REDACTED]"
		}
		return m[:i+1] + "[REDACTED]"
	})
	out = authHeaderRE.ReplaceAllString(out, "${1}[REDACTED]")
	out = bearerRE.ReplaceAllString(out, "Bearer [REDACTED]")
	out = urlCredRE.ReplaceAllString(out, "${1}[REDACTED]@")
	return out
}
