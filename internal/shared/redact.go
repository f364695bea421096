package shared

import (
	"net/url"
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretRule matches one secret shape. When keepPrefix is set the first
// submatch (the key or scheme) survives and only the value is replaced.
type secretRule struct {
	re         *regexp.Regexp
	keepPrefix bool
}

var secretRules = []secretRule{
	{regexp.MustCompile(`(?i)((?:api[_-]?key|secret[_-]?key|auth[_-]?token|bus[_-]?token|password)\s*[:=]\s*"?)([^\s"',}]{8,})`), true},
	{regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`), true},
	{regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{30,}`), false},
	{regexp.MustCompile(`github_pat_[A-Za-z0-9_]{40,}`), false},
	// Telegram bot token: <bot id>:<35 char secret>.
	{regexp.MustCompile(`\b[0-9]{8,10}:[A-Za-z0-9_\-]{35}\b`), false},
}

// sensitiveKeyParts mark an env var, config key or query parameter as secret.
var sensitiveKeyParts = []string{"api_key", "apikey", "secret", "token", "password", "credential"}

// Redact replaces secret-bearing substrings of input with [REDACTED]. Log values
// and failure contexts pass through it before leaving the process.
func Redact(input string) string {
	if input == "" {
		return input
	}
	out := input
	for _, rule := range secretRules {
		if !rule.keepPrefix {
			out = rule.re.ReplaceAllString(out, redactedPlaceholder)
			continue
		}
		out = rule.re.ReplaceAllString(out, "${1}"+redactedPlaceholder)
	}
	return out
}

// IsSensitiveKey reports whether a key name looks like it holds a secret.
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(k, part) {
			return true
		}
	}
	return false
}

// RedactEnvValue returns [REDACTED] for values whose key looks secret.
func RedactEnvValue(key, value string) string {
	if IsSensitiveKey(key) {
		return redactedPlaceholder
	}
	return value
}

// RedactURL hides userinfo passwords and secret query parameters in a bus or
// exporter URL. Unparseable input is passed through Redact.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return Redact(raw)
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), redactedPlaceholder)
		}
	}
	if u.RawQuery != "" {
		q := u.Query()
		for key := range q {
			if IsSensitiveKey(key) {
				q.Set(key, redactedPlaceholder)
			}
		}
		u.RawQuery = q.Encode()
	}
	// Keep the placeholder readable instead of percent-encoded.
	return strings.ReplaceAll(u.String(), url.QueryEscape(redactedPlaceholder), redactedPlaceholder)
}
