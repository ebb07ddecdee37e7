package pagination

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// DefaultPageSize defines the fallback number of items returned when the client omits page_size.
	DefaultPageSize = 50
	// DefaultMaxPageSize caps the supported page_size to prevent unbounded queries.
	DefaultMaxPageSize = 100
)

// Cursor represents the Firestore pagination cursor payload.
type Cursor struct {
	StartAfter []any `json:"startAfter,omitempty"`
	StartAt    []any `json:"startAt,omitempty"`
}

var (
	ErrInvalidPageSize  = errors.New("pagination: invalid page_size")
	ErrInvalidPageToken = errors.New("pagination: invalid page_token")
)

// ParsePageSize normalises a raw page_size query value. An empty value yields
// the fallback, non-positive values fall back too, and anything above max is
// clamped. Only a non-numeric value is an error.
func ParsePageSize(raw string, fallback, max int) (int, error) {
	if fallback <= 0 {
		fallback = DefaultPageSize
	}
	if max <= 0 {
		max = DefaultMaxPageSize
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	size, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPageSize, raw)
	}
	switch {
	case size <= 0:
		return fallback, nil
	case size > max:
		return max, nil
	}
	return size, nil
}
