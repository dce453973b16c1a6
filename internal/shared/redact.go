package shared

import (
	"net/url"
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPattern matches a secret. With keepPrefix, group 1 is kept and
// group 2 (the value) is replaced.
type secretPattern struct {
	re         *regexp.Regexp
	keepPrefix bool
}

var secretPatterns = []secretPattern{
	// key=value or key: value assignments, including the push token.
	{regexp.MustCompile(`(?i)((?:api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|access[_-]?token|bearer)\s*[:=]\s*"?)([A-Za-z0-9_\-./+=]{8,})`), true},
	{regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{8,})`), true},
	// OpenAI keys as passed to the worker (sk-, sk-proj-).
	{regexp.MustCompile(`\bsk-(?:proj-)?[A-Za-z0-9_\-]{20,}`), false},
	{regexp.MustCompile(`(?i)((?:token|secret)\s*[:=]\s*"?)([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})`), true},
}

// Redact replaces secret-looking substrings of log values.
func Redact(input string) string {
	if input == "" {
		return input
	}
	out := input
	for _, p := range secretPatterns {
		if !p.keepPrefix {
			out = p.re.ReplaceAllString(out, redactedPlaceholder)
			continue
		}
		out = p.re.ReplaceAllString(out, "${1}"+redactedPlaceholder)
	}
	return out
}

var sensitiveKeyParts = []string{"api_key", "apikey", "secret", "token", "password", "credential"}

// RedactEnvValue hides the value of a worker environment entry whose key
// looks secret.
func RedactEnvValue(key, value string) string {
	keyLower := strings.ToLower(key)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(keyLower, part) {
			return redactedPlaceholder
		}
	}
	return value
}

// RedactURL hides query parameters that look secret, such as the
// access_token a push client may send.
func RedactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	q := u.Query()
	if len(q) == 0 {
		return u.String()
	}
	changed := false
	for k := range q {
		if RedactEnvValue(k, "") == redactedPlaceholder {
			q.Set(k, redactedPlaceholder)
			changed = true
		}
	}
	if !changed {
		return u.String()
	}
	clone := *u
	clone.RawQuery = q.Encode()
	return clone.String()
}
