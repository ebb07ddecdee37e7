package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/orderflow/api/internal/services"
)

type stubArchiveService struct {
	exportFn func(context.Context, services.ArchiveExportCommand) (services.ArchiveExport, error)
	signFn   func(context.Context, string, time.Duration) (string, error)
}

func (s *stubArchiveService) ExportCompleted(ctx context.Context, cmd services.ArchiveExportCommand) (services.ArchiveExport, error) {
	if s.exportFn != nil {
		return s.exportFn(ctx, cmd)
	}
	return services.ArchiveExport{}, errors.New("not implemented")
}

func (s *stubArchiveService) SignedDownload(ctx context.Context, objectName string, ttl time.Duration) (string, error) {
	if s.signFn != nil {
		return s.signFn(ctx, objectName, ttl)
	}
	return "", errors.New("not implemented")
}

var _ services.ArchiveService = (*stubArchiveService)(nil)

func TestArchiveHandlersExportCompleted(t *testing.T) {
	now := time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)

	var captured services.ArchiveExportCommand
	service := &stubArchiveService{
		exportFn: func(ctx context.Context, cmd services.ArchiveExportCommand) (services.ArchiveExport, error) {
			captured = cmd
			return services.ArchiveExport{
				ObjectName: "archives/completed-20240315-093000.jsonl",
				OrderCount: 42,
				ExportedAt: now,
			}, nil
		},
	}

	handler := NewArchiveHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/archives", handler.Routes)

	body := `{"before": "2024-03-01T00:00:00Z"}`
	req := httptest.NewRequest(http.MethodPost, "/archives/export", strings.NewReader(body))
	req = authedRequest(req, "staff-1")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	if captured.ActorID != "staff-1" {
		t.Fatalf("expected actor staff-1, got %q", captured.ActorID)
	}
	if !captured.Before.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected cutoff: %v", captured.Before)
	}

	var response archiveExportResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if response.OrderCount != 42 {
		t.Fatalf("expected 42 orders, got %d", response.OrderCount)
	}
	if !strings.HasPrefix(response.ObjectName, "archives/completed-") {
		t.Fatalf("unexpected object name: %s", response.ObjectName)
	}
}

func TestArchiveHandlersExportEmptyBody(t *testing.T) {
	service := &stubArchiveService{
		exportFn: func(ctx context.Context, cmd services.ArchiveExportCommand) (services.ArchiveExport, error) {
			if !cmd.Before.IsZero() {
				t.Fatalf("expected zero cutoff for empty body, got %v", cmd.Before)
			}
			return services.ArchiveExport{ObjectName: "archives/completed-x.jsonl"}, nil
		},
	}

	handler := NewArchiveHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/archives", handler.Routes)

	req := httptest.NewRequest(http.MethodPost, "/archives/export", nil)
	req = authedRequest(req, "staff-1")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestArchiveHandlersSignedDownload(t *testing.T) {
	var capturedObject string
	var capturedTTL time.Duration
	service := &stubArchiveService{
		signFn: func(ctx context.Context, objectName string, ttl time.Duration) (string, error) {
			capturedObject = objectName
			capturedTTL = ttl
			return "https://storage.example.com/signed", nil
		},
	}

	handler := NewArchiveHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/archives", handler.Routes)

	body := `{"object_name": "archives/completed-20240315-093000.jsonl", "ttl_seconds": 600}`
	req := httptest.NewRequest(http.MethodPost, "/archives/download-url", strings.NewReader(body))
	req = authedRequest(req, "staff-1")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	if capturedObject != "archives/completed-20240315-093000.jsonl" {
		t.Fatalf("unexpected object: %s", capturedObject)
	}
	if capturedTTL != 10*time.Minute {
		t.Fatalf("expected ttl 10m, got %v", capturedTTL)
	}

	var response archiveDownloadResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if response.URL != "https://storage.example.com/signed" {
		t.Fatalf("unexpected url: %s", response.URL)
	}
}

func TestArchiveHandlersSignedDownloadValidation(t *testing.T) {
	service := &stubArchiveService{
		signFn: func(ctx context.Context, objectName string, ttl time.Duration) (string, error) {
			return "", services.ErrArchiveInvalidInput
		},
	}

	handler := NewArchiveHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/archives", handler.Routes)

	t.Run("ttl out of range", func(t *testing.T) {
		body := `{"object_name": "archives/completed-x.jsonl", "ttl_seconds": 7200}`
		req := httptest.NewRequest(http.MethodPost, "/archives/download-url", strings.NewReader(body))
		req = authedRequest(req, "staff-1")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Fatalf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("foreign object rejected by service", func(t *testing.T) {
		body := `{"object_name": "secrets/key.json"}`
		req := httptest.NewRequest(http.MethodPost, "/archives/download-url", strings.NewReader(body))
		req = authedRequest(req, "staff-1")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Fatalf("expected status 400, got %d", rr.Code)
		}
	})
}
