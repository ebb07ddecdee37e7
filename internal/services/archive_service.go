package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/orderflow/api/internal/domain"
	"github.com/orderflow/api/internal/platform/storage"
	"github.com/orderflow/api/internal/repositories"
)

const (
	archivePageSize = 500
	maxArchivePages = 200
)

// ErrArchiveInvalidInput signals the caller provided invalid arguments.
var ErrArchiveInvalidInput = errors.New("archive: invalid input")

// ArchiveObjectWriter persists a batch of records as a newline-delimited JSON object.
type ArchiveObjectWriter interface {
	WriteJSONL(ctx context.Context, object string, records []any) error
}

// ArchiveURLSigner issues time-limited download URLs for archive objects.
type ArchiveURLSigner interface {
	SignedDownloadURL(ctx context.Context, object string, ttl time.Duration) (string, error)
}

// ArchiveServiceDeps bundles the collaborators required to construct an archive service.
type ArchiveServiceDeps struct {
	Orders repositories.OrderRepository
	Writer ArchiveObjectWriter
	Signer ArchiveURLSigner
	Clock  func() time.Time
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type archiveService struct {
	orders repositories.OrderRepository
	writer ArchiveObjectWriter
	signer ArchiveURLSigner
	clock  func() time.Time
	logger func(context.Context, string, map[string]any)
}

// NewArchiveService wires dependencies into a concrete ArchiveService implementation.
func NewArchiveService(deps ArchiveServiceDeps) (ArchiveService, error) {
	if deps.Orders == nil {
		return nil, errors.New("archive service: order repository is required")
	}
	if deps.Writer == nil {
		return nil, errors.New("archive service: object writer is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &archiveService{
		orders: deps.Orders,
		writer: deps.Writer,
		signer: deps.Signer,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// ExportCompleted writes every completed order created before the cutoff to a
// single JSONL object and reports the object name.
func (s *archiveService) ExportCompleted(ctx context.Context, cmd ArchiveExportCommand) (ArchiveExport, error) {
	cutoff := cmd.Before.UTC()
	if cutoff.IsZero() {
		cutoff = s.clock()
	}

	filter := OrderListFilter{
		Status:    []string{string(domain.OrderStatusCompleted)},
		DateRange: domain.RangeQuery[time.Time]{To: &cutoff},
		Pagination: Pagination{
			PageSize: archivePageSize,
		},
	}

	var records []any
	for page := 0; page < maxArchivePages; page++ {
		result, err := s.orders.List(ctx, filter)
		if err != nil {
			return ArchiveExport{}, fmt.Errorf("archive: list completed orders: %w", err)
		}
		for _, order := range result.Items {
			records = append(records, order)
		}
		if result.NextPageToken == "" {
			break
		}
		filter.Pagination.PageToken = result.NextPageToken
	}

	now := s.clock()
	object, err := storage.BuildObjectPath(storage.PurposeOrderArchive, storage.PathParams{ExportedAt: now})
	if err != nil {
		return ArchiveExport{}, fmt.Errorf("archive: compose object name: %w", err)
	}

	if err := s.writer.WriteJSONL(ctx, object, records); err != nil {
		return ArchiveExport{}, fmt.Errorf("archive: write export: %w", err)
	}

	s.logger(ctx, "archive.export.completed", map[string]any{
		"object": object,
		"orders": len(records),
		"cutoff": cutoff.Format(time.RFC3339),
		"actor":  strings.TrimSpace(cmd.ActorID),
	})

	return ArchiveExport{
		ObjectName: object,
		OrderCount: len(records),
		ExportedAt: now,
	}, nil
}

// SignedDownload issues a time-limited URL for a previously exported object.
func (s *archiveService) SignedDownload(ctx context.Context, objectName string, ttl time.Duration) (string, error) {
	if s.signer == nil {
		return "", errors.New("archive: url signer is not configured")
	}
	objectName = strings.TrimSpace(objectName)
	if objectName == "" {
		return "", fmt.Errorf("%w: object name is required", ErrArchiveInvalidInput)
	}
	if !storage.IsOrderArchiveObject(objectName) {
		return "", fmt.Errorf("%w: object %q is not an archive export", ErrArchiveInvalidInput, objectName)
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return s.signer.SignedDownloadURL(ctx, objectName, ttl)
}
