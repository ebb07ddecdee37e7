package pagination

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

var tokenEncoding = base64.RawURLEncoding

// EncodeToken serialises a cursor into an opaque, URL-safe page token. An
// empty cursor encodes to the empty string, which list responses treat as
// "no further pages".
func EncodeToken(cursor Cursor) (string, error) {
	if len(cursor.StartAfter) == 0 && len(cursor.StartAt) == 0 {
		return "", nil
	}
	data, err := json.Marshal(cursor)
	if err != nil {
		return "", fmt.Errorf("pagination: encode token: %w", err)
	}
	return tokenEncoding.EncodeToString(data), nil
}

// DecodeToken reverses EncodeToken. Malformed tokens come back wrapped in
// ErrInvalidPageToken so handlers can answer with a 400 instead of a 500.
func DecodeToken(token string) (Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Cursor{}, nil
	}

	var cursor Cursor
	raw, err := tokenEncoding.DecodeString(token)
	if err == nil {
		err = json.Unmarshal(raw, &cursor)
	}
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	return cursor, nil
}
