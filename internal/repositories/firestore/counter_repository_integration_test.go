//go:build integration

package firestore

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"sync"
	"testing"
	"time"

	pconfig "github.com/orderflow/api/internal/platform/config"
	pfirestore "github.com/orderflow/api/internal/platform/firestore"
	"github.com/orderflow/api/internal/repositories"
)

// Runs the counter repository against the Firestore emulator and checks
// that concurrent increments produce a gap-free sequence.
func TestCounterRepositoryAgainstEmulator(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}
	ensureDockerDaemon(t)

	port := freePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := startFirestoreEmulator(t, port)
	t.Cleanup(func() { stopContainer(containerID) })
	waitForEndpoint(t, endpoint, 30*time.Second)

	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{
		ProjectID:    "orderflow-counter-test",
		EmulatorHost: endpoint,
	})
	t.Cleanup(func() {
		_ = provider.Close(context.Background())
	})

	repo, err := NewCounterRepository(provider)
	if err != nil {
		t.Fatalf("NewCounterRepository: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	const workers = 16
	values := make([]int64, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(idx int) {
			defer wg.Done()
			value, err := repo.Next(ctx, "orders:global", 1)
			if err != nil {
				t.Errorf("worker %d Next: %v", idx, err)
				return
			}
			values[idx] = value
		}(i)
	}
	wg.Wait()

	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	for i, value := range values {
		if want := int64(i + 1); value != want {
			t.Fatalf("sorted values[%d] = %d, want %d (duplicates or gaps under contention): %v", i, value, want, values)
		}
	}

	// A counter configured with a ceiling must refuse to pass it.
	ceiling := int64(3)
	initial := int64(0)
	if err := repo.Configure(ctx, "invoices:regional", repositories.CounterConfig{
		Step:         1,
		MaxValue:     &ceiling,
		InitialValue: &initial,
	}); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	for want := int64(1); want <= ceiling; want++ {
		value, err := repo.Next(ctx, "invoices:regional", 0)
		if err != nil {
			t.Fatalf("Next on bounded counter: %v", err)
		}
		if value != want {
			t.Fatalf("bounded counter returned %d, want %d", value, want)
		}
	}

	_, err = repo.Next(ctx, "invoices:regional", 0)
	var counterErr *repositories.CounterError
	if !errors.As(err, &counterErr) {
		t.Fatalf("Next past ceiling returned %T %v, want CounterError", err, err)
	}
	if counterErr.Code != repositories.CounterErrorExhausted {
		t.Fatalf("CounterError code = %s, want exhausted", counterErr.Code)
	}
}
