package textutil

import (
	"slices"
	"strings"
	"unicode/utf8"
)

// Limits applied by payment gateways to key/value metadata.
const (
	MaxMetadataKeys     = 50
	MaxMetadataKeyLen   = 40
	MaxMetadataValueLen = 500
)

// NormalizeMetadata trims keys and values, drops entries whose key or value is blank and truncates
// both to the gateway limits. When more than MaxMetadataKeys remain, the lexically smallest keys win.
func NormalizeMetadata(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	result := make(map[string]string, len(values))
	for key, value := range values {
		key = Truncate(strings.TrimSpace(key), MaxMetadataKeyLen)
		value = Truncate(strings.TrimSpace(value), MaxMetadataValueLen)
		if key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	if len(result) > MaxMetadataKeys {
		keys := make([]string, 0, len(result))
		for key := range result {
			keys = append(keys, key)
		}
		slices.Sort(keys)
		for _, key := range keys[MaxMetadataKeys:] {
			delete(result, key)
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// Truncate shortens s to at most limit runes.
func Truncate(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}
