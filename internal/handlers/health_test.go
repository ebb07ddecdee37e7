package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	domain "github.com/orderflow/api/internal/domain"
	"github.com/orderflow/api/internal/services"
)

type fixedSystemService struct {
	report services.SystemHealthReport
	err    error
}

func (f *fixedSystemService) HealthReport(context.Context) (services.SystemHealthReport, error) {
	return f.report, f.err
}

func (f *fixedSystemService) NextCounterValue(context.Context, services.CounterCommand) (int64, error) {
	return 0, nil
}

var _ services.SystemService = (*fixedSystemService)(nil)

func TestHealthzReportsBuildInfo(t *testing.T) {
	start := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	handlers := NewHealthHandlers(
		WithHealthBuildInfo(services.BuildInfo{
			Version:     "2.4.0",
			CommitSHA:   "f3a91c7",
			Environment: "prod",
			StartedAt:   start,
		}),
		WithHealthClock(func() time.Time { return start.Add(30 * time.Second) }),
	)

	rr := httptest.NewRecorder()
	handlers.Healthz(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	for field, want := range map[string]string{
		"status":      string(domain.HealthStatusOK),
		"version":     "2.4.0",
		"commitSha":   "f3a91c7",
		"environment": "prod",
	} {
		if body[field] != want {
			t.Errorf("%s = %v, want %s", field, body[field], want)
		}
	}
}

func TestReadyzWhenAllChecksPass(t *testing.T) {
	now := time.Date(2026, 3, 10, 8, 1, 0, 0, time.UTC)
	handlers := NewHealthHandlers(
		WithHealthSystemService(&fixedSystemService{
			report: services.SystemHealthReport{
				Status:      domain.HealthStatusOK,
				Version:     "2.4.0",
				CommitSHA:   "f3a91c7",
				Environment: "prod",
				Uptime:      time.Minute,
				GeneratedAt: now,
				Checks: map[string]domain.SystemHealthCheck{
					"firestore": {Status: domain.HealthStatusOK, Latency: 10 * time.Millisecond, CheckedAt: now},
				},
			},
		}),
		WithHealthClock(func() time.Time { return now }),
	)

	rr := httptest.NewRecorder()
	handlers.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	var body struct {
		Status string `json:"status"`
		Checks map[string]struct {
			Status string `json:"status"`
		} `json:"checks"`
		Details []string `json:"details"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if body.Status != string(domain.HealthStatusOK) {
		t.Errorf("status = %s, want ok", body.Status)
	}
	if len(body.Details) != 0 {
		t.Errorf("details = %v, want empty", body.Details)
	}
	if body.Checks["firestore"].Status != string(domain.HealthStatusOK) {
		t.Errorf("firestore check = %s, want ok", body.Checks["firestore"].Status)
	}
}

func TestReadyzWhenDependencyDegraded(t *testing.T) {
	now := time.Date(2026, 3, 10, 8, 1, 0, 0, time.UTC)
	handlers := NewHealthHandlers(
		WithHealthSystemService(&fixedSystemService{
			report: services.SystemHealthReport{
				Status: domain.HealthStatusDegraded,
				Checks: map[string]domain.SystemHealthCheck{
					"pubsub": {Status: domain.HealthStatusDegraded, Error: "publish failed"},
				},
			},
		}),
		WithHealthClock(func() time.Time { return now }),
	)

	rr := httptest.NewRecorder()
	handlers.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}

	var body struct {
		Status  string   `json:"status"`
		Details []string `json:"details"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if body.Status != string(domain.HealthStatusDegraded) {
		t.Errorf("status = %s, want degraded", body.Status)
	}
	if len(body.Details) != 1 || body.Details[0] != "pubsub: publish failed" {
		t.Errorf("details = %v, want [pubsub: publish failed]", body.Details)
	}
}
