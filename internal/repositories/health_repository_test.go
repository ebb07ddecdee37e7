package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/orderflow/api/internal/domain"
)

func passingCheck(context.Context) error { return nil }

func collectWithChecks(t *testing.T, checks []DependencyCheck, opts ...DependencyHealthOption) domain.SystemHealthReport {
	t.Helper()
	repo, err := NewDependencyHealthRepository(checks, opts...)
	if err != nil {
		t.Fatalf("NewDependencyHealthRepository: %v", err)
	}
	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return report
}

func TestCollectReportsHealthyDependencies(t *testing.T) {
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	slowButHealthy := func(ctx context.Context) error {
		select {
		case <-time.After(10 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	report := collectWithChecks(t, []DependencyCheck{
		{Name: "firestore", Check: slowButHealthy},
		{Name: "storage", Check: passingCheck},
	}, WithDependencyClock(func() time.Time { return now }))

	if report.Status != domain.HealthStatusOK {
		t.Fatalf("overall status = %s, want ok", report.Status)
	}
	if report.GeneratedAt != now {
		t.Errorf("generatedAt = %s, want %s", report.GeneratedAt, now)
	}
	if len(report.Checks) != 2 {
		t.Fatalf("got %d checks, want 2", len(report.Checks))
	}
	for name, check := range report.Checks {
		if check.Status != domain.HealthStatusOK {
			t.Errorf("check %s status = %s, want ok", name, check.Status)
		}
		if check.CheckedAt != now {
			t.Errorf("check %s checkedAt = %s, want %s", name, check.CheckedAt, now)
		}
	}
}

func TestCollectMarksFailedDependencyDegraded(t *testing.T) {
	probeErr := errors.New("firestore: connection refused")

	report := collectWithChecks(t, []DependencyCheck{
		{Name: "firestore", Check: func(context.Context) error { return probeErr }},
		{Name: "pubsub", Check: passingCheck},
	})

	if report.Status != domain.HealthStatusDegraded {
		t.Fatalf("overall status = %s, want degraded", report.Status)
	}
	failed := report.Checks["firestore"]
	if failed.Status != domain.HealthStatusDegraded {
		t.Errorf("firestore status = %s, want degraded", failed.Status)
	}
	if failed.Error != probeErr.Error() {
		t.Errorf("firestore error = %q, want %q", failed.Error, probeErr.Error())
	}
}

func TestCollectTreatsTimeoutAsError(t *testing.T) {
	stalled := func(ctx context.Context) error {
		select {
		case <-time.After(20 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	report := collectWithChecks(t, []DependencyCheck{
		{Name: "secrets", Timeout: 5 * time.Millisecond, Check: stalled},
	})

	if report.Status != domain.HealthStatusError {
		t.Fatalf("overall status = %s, want error", report.Status)
	}
	timedOut := report.Checks["secrets"]
	if timedOut.Status != domain.HealthStatusError {
		t.Errorf("secrets status = %s, want error", timedOut.Status)
	}
	if timedOut.Detail != "timeout" {
		t.Errorf("secrets detail = %q, want timeout", timedOut.Detail)
	}
}

func TestNewDependencyHealthRepositoryValidatesChecks(t *testing.T) {
	invalid := map[string][]DependencyCheck{
		"empty set":        nil,
		"blank name":       {{Name: "  ", Check: passingCheck}},
		"missing function": {{Name: "firestore"}},
	}
	for label, checks := range invalid {
		if _, err := NewDependencyHealthRepository(checks); err == nil {
			t.Errorf("%s: constructor succeeded, want error", label)
		}
	}
}
