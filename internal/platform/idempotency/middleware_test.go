package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

var middlewareNow = time.Date(2026, time.March, 10, 9, 30, 0, 0, time.UTC)

func postOrder(handler http.Handler, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decodeErrorCode(t *testing.T, payload []byte) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	return body.Error
}

func TestMiddlewareRequiresKeyHeader(t *testing.T) {
	middleware := Middleware(NewMemoryStore(), WithClock(func() time.Time { return middlewareNow }))

	invoked := false
	handler := middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		invoked = true
	}))

	rr := postOrder(handler, "", `{"sku":"widget-std"}`)

	if invoked {
		t.Fatal("handler ran without an idempotency key")
	}
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if code := decodeErrorCode(t, rr.Body.Bytes()); code != "idempotency_key_required" {
		t.Fatalf("error code = %q, want idempotency_key_required", code)
	}
}

func TestMiddlewareReplaysFirstResponse(t *testing.T) {
	middleware := Middleware(NewMemoryStore(), WithClock(func() time.Time { return middlewareNow }))

	calls := 0
	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"order_number":"OF-2026-000042"}`))
	}))

	first := postOrder(handler, "req-7f3a", `{"sku":"widget-std"}`)
	if calls != 1 {
		t.Fatalf("handler calls = %d after first request, want 1", calls)
	}
	if first.Code != http.StatusCreated {
		t.Fatalf("first status = %d, want 201", first.Code)
	}

	second := postOrder(handler, "req-7f3a", `{"sku":"widget-std"}`)
	if calls != 1 {
		t.Fatalf("handler calls = %d after retry, want 1 (replay expected)", calls)
	}
	if second.Code != http.StatusCreated {
		t.Fatalf("replayed status = %d, want 201", second.Code)
	}
	if second.Header().Get(replayHeaderName) != "true" {
		t.Fatalf("replay header missing on second response")
	}
	if got := second.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("replayed content-type = %q", got)
	}
	if second.Body.String() != first.Body.String() {
		t.Fatalf("replayed body %q differs from original %q", second.Body.String(), first.Body.String())
	}
}

func TestMiddlewareRejectsReusedKeyWithDifferentBody(t *testing.T) {
	middleware := Middleware(NewMemoryStore(), WithClock(func() time.Time { return middlewareNow }))

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	if rr := postOrder(handler, "req-9c21", `{"sku":"widget-std"}`); rr.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rr.Code)
	}

	rr := postOrder(handler, "req-9c21", `{"sku":"widget-pro"}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d for reused key with new body, want 409", rr.Code)
	}
	if code := decodeErrorCode(t, rr.Body.Bytes()); code != "idempotency_key_conflict" {
		t.Fatalf("error code = %q, want idempotency_key_conflict", code)
	}
}

func TestMiddlewareReportsInFlightRequest(t *testing.T) {
	store := NewMemoryStore()
	middleware := Middleware(store, WithClock(func() time.Time { return middlewareNow }))
	handler := middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler ran while a reservation was pending")
	}))

	req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewBufferString(`{"sku":"widget-std"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", "req-inflight")

	// Seed a pending reservation exactly as the middleware would.
	body, err := readAndReplayBody(req)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	identity := extractRequester(req.Context())
	fingerprint := requestFingerprint(req, body, identity)
	if _, err := store.Reserve(req.Context(), scopedKey("req-inflight", identity), fingerprint, middlewareNow, time.Hour); err != nil {
		t.Fatalf("seed reservation: %v", err)
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d for in-flight key, want 409", rr.Code)
	}
	if code := decodeErrorCode(t, rr.Body.Bytes()); code != "idempotency_in_progress" {
		t.Fatalf("error code = %q, want idempotency_in_progress", code)
	}
}

func TestMiddlewareReleasesReservationWhenSaveFails(t *testing.T) {
	store := &saveFailingStore{}
	middleware := Middleware(store, WithClock(func() time.Time { return middlewareNow }))

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("ok"))
	}))

	rr := postOrder(handler, "req-savefail", `{"sku":"widget-std"}`)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d when save fails, want 500", rr.Code)
	}
	if code := decodeErrorCode(t, rr.Body.Bytes()); code != "idempotency_store_error" {
		t.Fatalf("error code = %q, want idempotency_store_error", code)
	}
	if !store.released {
		t.Fatal("reservation was not released after save failure")
	}
}

// saveFailingStore accepts reservations but fails every SaveResponse call.
type saveFailingStore struct {
	released bool
}

func (s *saveFailingStore) Reserve(context.Context, string, string, time.Time, time.Duration) (Reservation, error) {
	return Reservation{State: ReservationStateNew, Record: Record{}}, nil
}

func (s *saveFailingStore) SaveResponse(context.Context, string, string, Response, time.Time, time.Duration) error {
	return errors.New("save failed")
}

func (s *saveFailingStore) Release(context.Context, string, string) error {
	s.released = true
	return nil
}

func (s *saveFailingStore) CleanupExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}
