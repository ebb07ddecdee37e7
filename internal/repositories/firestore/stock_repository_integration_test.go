//go:build integration

package firestore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"testing"
	"time"

	domain "github.com/orderflow/api/internal/domain"
	pconfig "github.com/orderflow/api/internal/platform/config"
	pfirestore "github.com/orderflow/api/internal/platform/firestore"
	"github.com/orderflow/api/internal/repositories"
)

func TestStockRepositoryIntegration(t *testing.T) {
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}

	ensureDockerDaemon(t)

	port := freePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := startFirestoreEmulator(t, port)
	t.Cleanup(func() { stopContainer(containerID) })

	waitForEndpoint(t, endpoint, 30*time.Second)

	cfg := pconfig.FirestoreConfig{
		ProjectID:    "stock-test",
		EmulatorHost: endpoint,
	}

	provider := pfirestore.NewProvider(cfg)
	t.Cleanup(func() {
		_ = provider.Close(context.Background())
	})

	repo, err := NewStockRepository(provider)
	if err != nil {
		t.Fatalf("new stock repository: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	client, err := provider.Client(ctx)
	if err != nil {
		t.Fatalf("provider client: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	seedVariant := map[string]any{
		"sku":               "SKU-001",
		"name":              "Walnut board",
		"price":             int64(1500),
		"stockQuantity":     int64(5),
		"lowStockThreshold": int64(3),
		"createdAt":         now,
		"updatedAt":         now,
	}

	if _, err := client.Collection(variantsCollection).Doc("var_001").Set(ctx, seedVariant); err != nil {
		t.Fatalf("seed variant: %v", err)
	}

	reserved, err := repo.Reserve(ctx, repositories.StockReserveRequest{
		OrderRef: "ord_test_1",
		Lines:    []repositories.StockLine{{VariantID: "var_001", Quantity: 3}},
		Now:      now,
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if got := reserved.Variants["var_001"].StockQuantity; got != 2 {
		t.Fatalf("expected stock 2 after reserve, got %d", got)
	}

	var stockErr *repositories.StockError
	_, err = repo.Reserve(ctx, repositories.StockReserveRequest{
		OrderRef: "ord_test_2",
		Lines:    []repositories.StockLine{{VariantID: "var_001", Quantity: 3}},
		Now:      now.Add(time.Second),
	})
	if err == nil {
		t.Fatalf("expected insufficient stock error")
	}
	if !errors.As(err, &stockErr) || stockErr.Code != repositories.StockErrorInsufficient {
		t.Fatalf("expected insufficient stock code, got %v", err)
	}
	if stockErr.Requested != 3 || stockErr.Available != 2 {
		t.Fatalf("expected requested=3 available=2, got %+v", stockErr)
	}

	// A failing multi-line reserve must leave every variant untouched.
	if _, err := client.Collection(variantsCollection).Doc("var_002").Set(ctx, map[string]any{
		"sku":           "SKU-002",
		"price":         int64(900),
		"stockQuantity": int64(10),
		"createdAt":     now,
		"updatedAt":     now,
	}); err != nil {
		t.Fatalf("seed second variant: %v", err)
	}
	_, err = repo.Reserve(ctx, repositories.StockReserveRequest{
		OrderRef: "ord_test_3",
		Lines: []repositories.StockLine{
			{VariantID: "var_002", Quantity: 4},
			{VariantID: "var_001", Quantity: 99},
		},
		Now: now.Add(2 * time.Second),
	})
	if err == nil {
		t.Fatalf("expected multi-line reserve to fail")
	}
	second, err := repo.FindVariant(ctx, "var_002")
	if err != nil {
		t.Fatalf("find second variant: %v", err)
	}
	if second.StockQuantity != 10 {
		t.Fatalf("expected var_002 untouched at 10, got %d", second.StockQuantity)
	}

	released, err := repo.Release(ctx, repositories.StockReleaseRequest{
		OrderRef: "ord_test_1",
		Lines:    []repositories.StockLine{{VariantID: "var_001", Quantity: 3}},
		Reason:   "order cancelled",
		Now:      now.Add(3 * time.Second),
	})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := released.Variants["var_001"].StockQuantity; got != 5 {
		t.Fatalf("expected stock restored to 5, got %d", got)
	}

	delta := int64(-2)
	adjusted, err := repo.Adjust(ctx, repositories.StockAdjustRequest{
		VariantID: "var_001",
		Delta:     &delta,
		Now:       now.Add(4 * time.Second),
	})
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if adjusted.StockQuantity != 3 {
		t.Fatalf("expected stock 3 after adjust, got %d", adjusted.StockQuantity)
	}

	lowPage, err := repo.ListLowStock(ctx, repositories.LowStockQuery{Threshold: 3, PageSize: 10})
	if err != nil {
		t.Fatalf("list low stock: %v", err)
	}
	if len(lowPage.Items) != 1 || lowPage.Items[0].SKU != "SKU-001" {
		t.Fatalf("expected SKU-001 in low stock listing, got %+v", lowPage.Items)
	}
}

func TestRegistryRunInTxRollsBackIntegration(t *testing.T) {
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
		ProjectID:    "registry-test",
		EmulatorHost: endpoint,
	})
	t.Cleanup(func() {
		_ = provider.Close(context.Background())
	})

	registry, err := NewRegistry(provider, nil)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	client, err := provider.Client(ctx)
	if err != nil {
		t.Fatalf("provider client: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	if _, err := client.Collection(variantsCollection).Doc("var_tx").Set(ctx, map[string]any{
		"sku":           "SKU-TX",
		"price":         int64(100),
		"stockQuantity": int64(5),
		"createdAt":     now,
		"updatedAt":     now,
	}); err != nil {
		t.Fatalf("seed variant: %v", err)
	}

	boom := errors.New("boom")
	err = registry.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := registry.Stock().Reserve(ctx, repositories.StockReserveRequest{
			OrderRef: "ord_tx",
			Lines:    []repositories.StockLine{{VariantID: "var_tx", Quantity: 2}},
			Now:      now,
		}); err != nil {
			return err
		}
		if err := registry.Orders().Insert(ctx, domain.Order{
			ID:          "ord_tx",
			OrderNumber: "OF-2026-000001",
			UserID:      "user-1",
			Status:      domain.OrderStatusPending,
			Currency:    "JPY",
			Items:       []domain.OrderLineItem{{VariantID: "var_tx", SKU: "SKU-TX", Quantity: 2, UnitPrice: 100, Total: 200}},
			TotalAmount: 200,
			CreatedAt:   now,
			UpdatedAt:   now,
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom to propagate, got %v", err)
	}

	variant, err := registry.Stock().FindVariant(ctx, "var_tx")
	if err != nil {
		t.Fatalf("find variant: %v", err)
	}
	if variant.StockQuantity != 5 {
		t.Fatalf("expected rollback to keep stock at 5, got %d", variant.StockQuantity)
	}
	if _, err := registry.Orders().FindByID(ctx, "ord_tx"); err == nil {
		t.Fatalf("expected order insert to be rolled back")
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	addr, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to allocate port: %v", err)
	}
	defer addr.Close()
	return addr.Addr().(*net.TCPAddr).Port
}

func startFirestoreEmulator(t *testing.T, port int) string {
	t.Helper()
	args := []string{
		"run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		firestoreEmulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start",
		"--host-port=0.0.0.0:8080",
		"--quiet",
	}

	cmd := exec.Command("docker", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("failed to start firestore emulator: %v - %s", err, string(out))
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		t.Fatalf("docker returned empty container id")
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

func ensureDockerDaemon(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "docker", "info")
	if err := cmd.Run(); err != nil {
		t.Fatalf("docker daemon not available: %v", err)
	}
}

func stopContainer(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "docker", "stop", id)
	_ = cmd.Run()
}

func waitForEndpoint(t *testing.T, endpoint string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("firestore emulator at %s did not become ready within %s", endpoint, timeout)
}

const firestoreEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"
