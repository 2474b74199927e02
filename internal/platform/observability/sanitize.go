package observability

import (
	"strings"
	"unicode"
)

const (
	defaultStringLimit = 256
	redacted           = "[REDACTED]"
)

// Field names whose values never reach the logs.
var sensitiveKeys = []string{"clientsecret", "secret", "password", "authorization", "apikey", "token"}

func sanitizeString(value string, limit int) string {
	if limit <= 0 {
		limit = defaultStringLimit
	}
	cleaned := make([]rune, 0, len(value))
	for _, r := range value {
		if unicode.IsControl(r) && r != '\t' {
			continue
		}
		cleaned = append(cleaned, r)
		if len(cleaned) == limit {
			break
		}
	}
	return string(cleaned)
}

func redactedKey(key string) bool {
	normalised := strings.ToLower(strings.NewReplacer("_", "", "-", "").Replace(key))
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(normalised, sensitive) {
			return true
		}
	}
	return false
}

// SanitizeRoute strips control characters from a route pattern.
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return sanitizeString(route, 180)
}

// SanitizeUserID limits identifiers to reduce PII leakage in logs.
func SanitizeUserID(uid string) string {
	return sanitizeString(uid, 64)
}
