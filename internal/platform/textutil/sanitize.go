package textutil

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var strictPolicy = bluemonday.StrictPolicy()

// SanitizeNote strips all markup from free-form text such as order notes and
// cancellation reasons before it is persisted or echoed back to clients.
func SanitizeNote(value string) string {
	return strings.TrimSpace(strictPolicy.Sanitize(value))
}
