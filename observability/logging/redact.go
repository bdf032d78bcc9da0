package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

var redactionAllowlist = map[string]struct{}{
	"service":   {},
	"env":       {},
	"message":   {},
	"severity":  {},
	"timestamp": {},
	"error":     {},
	"operation": {},
	"kind":      {},
	"code":      {},
	"component": {},
}

// Keys whose values are secrets or bearer material. They are masked by the
// handler installed in Setup no matter who logs them.
var sensitiveKeys = map[string]struct{}{
	"signature":     {},
	"authorization": {},
	"token":         {},
	"jwt_secret":    {},
	"private_key":   {},
	"passphrase":    {},
}

// IsAllowlisted reports whether the provided key is exempt from redaction.
func IsAllowlisted(key string) bool {
	_, ok := redactionAllowlist[normalize(key)]
	return ok
}

// IsSensitive reports whether the key always carries secret material.
func IsSensitive(key string) bool {
	_, ok := sensitiveKeys[normalize(key)]
	return ok
}

// RedactionAllowlist returns a sorted copy of the log keys that are emitted
// without redaction.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(redactionAllowlist))
	for key := range redactionAllowlist {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskField returns a slog.Attr that redacts the supplied value unless the key is
// explicitly allowlisted. The original key casing is preserved.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

func normalize(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
