package textutil

import "strings"

// NormalizeStringMap trims keys and values and drops entries whose key
// becomes empty. A map with nothing left collapses to nil so callers can
// treat "no metadata" uniformly.
func NormalizeStringMap(values map[string]string) map[string]string {
	var result map[string]string
	for key, value := range values {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if result == nil {
			result = make(map[string]string, len(values))
		}
		result[key] = strings.TrimSpace(value)
	}
	return result
}
