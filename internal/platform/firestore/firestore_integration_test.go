//go:build integration

package firestore_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	pconfig "github.com/orderflow/api/internal/platform/config"
	pfirestore "github.com/orderflow/api/internal/platform/firestore"
)

const emulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"

type stockLevel struct {
	SKU      string `firestore:"sku"`
	Quantity int    `firestore:"quantity"`
}

// Exercises the provider and base repository against a real Firestore
// emulator running in Docker. Skipped when Docker is not available.
func TestProviderAgainstEmulator(t *testing.T) {
	requireDocker(t)

	port := allocatePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := launchEmulator(t, port)
	defer stopContainer(containerID)

	awaitReachable(t, endpoint, 30*time.Second)

	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{
		ProjectID:    "orderflow-test",
		EmulatorHost: endpoint,
	})
	t.Cleanup(func() {
		_ = provider.Close(context.Background())
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	client, err := provider.Client(ctx)
	if err != nil {
		t.Fatalf("Client: %v", err)
	}
	if client == nil {
		t.Fatalf("Client returned nil without error")
	}

	repo := pfirestore.NewBaseRepository[stockLevel](provider, "stock_levels", nil, nil)

	if _, err := repo.Set(ctx, "widget-std", stockLevel{SKU: "widget-std", Quantity: 5}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	doc, err := repo.Get(ctx, "widget-std")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if doc.ID != "widget-std" {
		t.Fatalf("Get returned id %q, want widget-std", doc.ID)
	}
	if doc.Data.SKU != "widget-std" || doc.Data.Quantity != 5 {
		t.Fatalf("Get returned %#v", doc.Data)
	}
	if doc.UpdateTime.IsZero() {
		t.Fatalf("Get returned zero UpdateTime")
	}

	if _, err := repo.Update(ctx, "widget-std", []firestore.Update{{Path: "quantity", Value: 8}}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	doc, err = repo.Get(ctx, "widget-std")
	if err != nil {
		t.Fatalf("Get after Update: %v", err)
	}
	if doc.Data.Quantity != 8 {
		t.Fatalf("quantity = %d after update, want 8", doc.Data.Quantity)
	}

	docs, err := repo.Query(ctx, nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("Query returned %d documents, want 1", len(docs))
	}

	_, err = repo.Get(ctx, "no-such-sku")
	if err == nil {
		t.Fatalf("Get on absent doc succeeded")
	}
	var classifier interface{ IsNotFound() bool }
	if !errors.As(err, &classifier) || !classifier.IsNotFound() {
		t.Fatalf("Get on absent doc returned %v, want not-found classification", err)
	}

	// A transactional read-modify-write must observe the committed value.
	if err := provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := repo.DocumentRef(ctx, "widget-std")
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var level stockLevel
		if err := snap.DataTo(&level); err != nil {
			return err
		}
		level.Quantity++
		return tx.Set(ref, level)
	}); err != nil {
		t.Fatalf("RunTransaction: %v", err)
	}

	doc, err = repo.Get(ctx, "widget-std")
	if err != nil {
		t.Fatalf("Get after transaction: %v", err)
	}
	if doc.Data.Quantity != 9 {
		t.Fatalf("quantity = %d after transaction, want 9", doc.Data.Quantity)
	}

	cancelled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	if err := provider.RunTransaction(cancelled, func(context.Context, *firestore.Transaction) error {
		return nil
	}); !errors.Is(err, context.Canceled) {
		t.Fatalf("RunTransaction with cancelled context returned %v, want context.Canceled", err)
	}
}

func requireDocker(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not installed: " + err.Error())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, "docker", "info").Run(); err != nil {
		t.Skip("docker daemon unavailable: " + err.Error())
	}
}

func allocatePort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("allocate port: %v", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port
}

func launchEmulator(t *testing.T, port int) string {
	t.Helper()
	out, err := exec.Command("docker",
		"run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		emulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start",
		"--host-port=0.0.0.0:8080",
		"--quiet",
	).CombinedOutput()
	if err != nil {
		t.Fatalf("start firestore emulator: %v - %s", err, string(out))
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		t.Fatalf("docker run produced no container id")
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

func stopContainer(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = exec.CommandContext(ctx, "docker", "stop", id).Run()
}

func awaitReachable(t *testing.T, endpoint string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		lastErr = err
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("emulator never became reachable at %s: %v", endpoint, lastErr)
}
