package storage

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// ObjectPurpose captures high-level intent for storage layout decisions.
type ObjectPurpose string

const (
	PurposeOrderArchive ObjectPurpose = "order-archive"
)

// orderArchivePrefix anchors every completed-order export under one folder so
// lifecycle rules can target it.
const orderArchivePrefix = "archives/completed-"

// PathParams provide required identifiers to compose storage object keys.
type PathParams struct {
	ExportedAt time.Time
}

// PathBuilder composes the object path for a given purpose.
type PathBuilder func(PathParams) (string, error)

var (
	pathBuilders = map[ObjectPurpose]PathBuilder{
		PurposeOrderArchive: buildOrderArchivePath,
	}
	pathBuildersMu sync.RWMutex
)

// RegisterPathBuilder overrides or registers a builder for a specific purpose.
func RegisterPathBuilder(purpose ObjectPurpose, builder PathBuilder) {
	pathBuildersMu.Lock()
	defer pathBuildersMu.Unlock()
	if builder == nil {
		delete(pathBuilders, purpose)
		return
	}
	pathBuilders[purpose] = builder
}

// BuildObjectPath resolves the storage object path for the given purpose.
func BuildObjectPath(purpose ObjectPurpose, params PathParams) (string, error) {
	pathBuildersMu.RLock()
	builder, ok := pathBuilders[purpose]
	pathBuildersMu.RUnlock()
	if !ok {
		return "", fmt.Errorf("storage: unsupported object purpose %q", purpose)
	}
	return builder(params)
}

// IsOrderArchiveObject reports whether the object name belongs to the
// completed-order archive layout.
func IsOrderArchiveObject(object string) bool {
	return strings.HasPrefix(strings.TrimSpace(object), orderArchivePrefix)
}

func buildOrderArchivePath(params PathParams) (string, error) {
	if params.ExportedAt.IsZero() {
		return "", fmt.Errorf("storage: exportedAt is required")
	}
	stamp := params.ExportedAt.UTC().Format("20060102-150405")
	return orderArchivePrefix + stamp + ".jsonl", nil
}
