package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/orderflow/api/internal/domain"
	"github.com/orderflow/api/internal/repositories"
)

type stubArchiveWriter struct {
	object  string
	records []any
	err     error
}

func (s *stubArchiveWriter) WriteJSONL(_ context.Context, object string, records []any) error {
	s.object = object
	s.records = records
	return s.err
}

type stubArchiveSigner struct {
	object string
	ttl    time.Duration
	url    string
	err    error
}

func (s *stubArchiveSigner) SignedDownloadURL(_ context.Context, object string, ttl time.Duration) (string, error) {
	s.object = object
	s.ttl = ttl
	return s.url, s.err
}

func TestArchiveServiceExportCompleted(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	writer := &stubArchiveWriter{}

	pages := map[string][]domain.Order{
		"":       {{ID: "ord_1", Status: domain.OrderStatusCompleted}, {ID: "ord_2", Status: domain.OrderStatusCompleted}},
		"page_2": {{ID: "ord_3", Status: domain.OrderStatusCompleted}},
	}
	var capturedStatuses []string
	orders := &stubOrderRepo{
		listFn: func(_ context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
			capturedStatuses = filter.Status
			result := domain.CursorPage[domain.Order]{Items: pages[filter.Pagination.PageToken]}
			if filter.Pagination.PageToken == "" {
				result.NextPageToken = "page_2"
			}
			return result, nil
		},
	}

	svc, err := NewArchiveService(ArchiveServiceDeps{
		Orders: orders,
		Writer: writer,
		Clock:  func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewArchiveService: %v", err)
	}

	export, err := svc.ExportCompleted(context.Background(), ArchiveExportCommand{Before: now, ActorID: "admin_1"})
	if err != nil {
		t.Fatalf("ExportCompleted: %v", err)
	}

	if export.OrderCount != 3 || len(writer.records) != 3 {
		t.Fatalf("expected 3 exported orders, got %d/%d", export.OrderCount, len(writer.records))
	}
	if !strings.HasPrefix(export.ObjectName, "archives/completed-") || !strings.HasSuffix(export.ObjectName, ".jsonl") {
		t.Fatalf("unexpected object name %q", export.ObjectName)
	}
	if writer.object != export.ObjectName {
		t.Fatalf("writer object %q does not match export %q", writer.object, export.ObjectName)
	}
	if len(capturedStatuses) != 1 || capturedStatuses[0] != "completed" {
		t.Fatalf("expected completed status filter, got %v", capturedStatuses)
	}
}

func TestArchiveServiceExportWriterFailure(t *testing.T) {
	writer := &stubArchiveWriter{err: errors.New("bucket unavailable")}
	svc, err := NewArchiveService(ArchiveServiceDeps{Orders: &stubOrderRepo{}, Writer: writer})
	if err != nil {
		t.Fatalf("NewArchiveService: %v", err)
	}

	if _, err := svc.ExportCompleted(context.Background(), ArchiveExportCommand{}); err == nil {
		t.Fatalf("expected error from failing writer")
	}
}

func TestArchiveServiceSignedDownload(t *testing.T) {
	signer := &stubArchiveSigner{url: "https://storage.example/signed"}
	svc, err := NewArchiveService(ArchiveServiceDeps{Orders: &stubOrderRepo{}, Writer: &stubArchiveWriter{}, Signer: signer})
	if err != nil {
		t.Fatalf("NewArchiveService: %v", err)
	}
	ctx := context.Background()

	url, err := svc.SignedDownload(ctx, "archives/completed-20250601-120000.jsonl", 10*time.Minute)
	if err != nil {
		t.Fatalf("SignedDownload: %v", err)
	}
	if url != signer.url || signer.ttl != 10*time.Minute {
		t.Fatalf("unexpected signing call %q ttl=%s", signer.object, signer.ttl)
	}

	if _, err := svc.SignedDownload(ctx, "secrets/key.json", time.Minute); !errors.Is(err, ErrArchiveInvalidInput) {
		t.Fatalf("expected ErrArchiveInvalidInput for foreign object, got %v", err)
	}
	if _, err := svc.SignedDownload(ctx, " ", time.Minute); !errors.Is(err, ErrArchiveInvalidInput) {
		t.Fatalf("expected ErrArchiveInvalidInput for blank object, got %v", err)
	}
}
