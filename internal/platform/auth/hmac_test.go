package auth

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type mapSecretProvider map[string]string

func (m mapSecretProvider) GetSecret(_ context.Context, name string) (string, error) {
	if secret, ok := m[name]; ok {
		return secret, nil
	}
	return "", fmt.Errorf("secret %s not found", name)
}

type hmacFixture struct {
	validator *HMACValidator
	metrics   *recordingMetrics
	now       time.Time
	secrets   mapSecretProvider
}

func newHMACFixture(t *testing.T, secrets mapSecretProvider) *hmacFixture {
	t.Helper()
	metrics := &recordingMetrics{}
	now := time.Now().UTC().Truncate(time.Second)
	validator := NewHMACValidator(secrets, NewInMemoryNonceStore(),
		WithHMACLogger(noopLogger{}),
		WithHMACClock(func() time.Time { return now }),
		WithHMACMetrics(metrics),
	)
	return &hmacFixture{validator: validator, metrics: metrics, now: now, secrets: secrets}
}

// signedRequest builds a POST carrying a valid signature for the given
// secret, unless tamperedBody is non-nil, in which case the request body
// differs from the signed one.
func (f *hmacFixture) signedRequest(path, secretValue string, body []byte, timestamp, nonce string, tamperedBody []byte) *http.Request {
	signingReq := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	signature := computeHMAC([]byte(secretValue), buildCanonicalString(signingReq, body, timestamp, nonce))

	sent := body
	if tamperedBody != nil {
		sent = tamperedBody
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(sent))
	req.Header.Set(defaultSignatureHeader, base64.StdEncoding.EncodeToString(signature))
	req.Header.Set(defaultTimestampHeader, timestamp)
	req.Header.Set(defaultNonceHeader, nonce)
	return req
}

func TestRequireHMACAcceptsSignedRequest(t *testing.T) {
	const secretName = "internal/scheduler"
	f := newHMACFixture(t, mapSecretProvider{secretName: "super-secret"})

	body := []byte(`{"event":"archive.export.requested"}`)
	req := f.signedRequest("/internal/archives/export", "super-secret", body, f.now.Format(time.RFC3339), "nonce-7f3a", nil)

	rr := httptest.NewRecorder()
	f.validator.RequireHMAC(secretName)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		meta, ok := HMACMetadataFromContext(r.Context())
		if !ok {
			t.Errorf("hmac metadata missing from context")
		} else if meta.SecretName != secretName {
			t.Errorf("metadata secret = %q, want %q", meta.SecretName, secretName)
		}
		w.WriteHeader(http.StatusAccepted)
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rr.Code)
	}

	f.metrics.mu.Lock()
	defer f.metrics.mu.Unlock()
	if len(f.metrics.records) != 1 || !f.metrics.records[0].success {
		t.Fatalf("metrics = %+v, want one success record", f.metrics.records)
	}
}

func TestRequireHMACRejectsNonceReplay(t *testing.T) {
	const secretName = "internal/warehouse"
	f := newHMACFixture(t, mapSecretProvider{secretName: "warehouse-secret"})

	body := []byte(`{"status":"completed"}`)
	timestamp := f.now.Format(time.RFC3339)

	handler := f.validator.RequireHMAC(secretName)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, f.signedRequest("/internal/variants/low-stock", "warehouse-secret", body, timestamp, "nonce-once", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", first.Code)
	}

	replay := httptest.NewRecorder()
	handler.ServeHTTP(replay, f.signedRequest("/internal/variants/low-stock", "warehouse-secret", body, timestamp, "nonce-once", nil))
	if replay.Code != http.StatusUnauthorized {
		t.Fatalf("replayed request status = %d, want 401", replay.Code)
	}
}

func TestRequireHMACRejectsTamperedBody(t *testing.T) {
	const secretName = "internal/shipping"
	f := newHMACFixture(t, mapSecretProvider{secretName: "shipping-secret"})

	req := f.signedRequest("/internal/shipping/updates", "shipping-secret",
		[]byte(`{"shipment":"in_transit"}`), f.now.Format(time.RFC3339), "nonce-ship",
		[]byte(`{"shipment":"delivered"}`))

	rr := httptest.NewRecorder()
	f.validator.RequireHMAC(secretName)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("handler ran despite body tampering")
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}

func TestRequireHMACRejectsStaleTimestamp(t *testing.T) {
	const secretName = "internal/replenisher"
	f := newHMACFixture(t, mapSecretProvider{secretName: "replenisher-secret"})

	stale := f.now.Add(-10 * time.Minute).Format(time.RFC3339)
	req := f.signedRequest("/internal/replenisher/run", "replenisher-secret", []byte(`{"job":"complete"}`), stale, "nonce-old", nil)

	rr := httptest.NewRecorder()
	f.validator.RequireHMAC(secretName)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("handler ran with a timestamp outside the skew window")
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}

func TestRequireHMACFailsClosedWhenSecretUnavailable(t *testing.T) {
	provider := SecretProviderFunc(func(context.Context, string) (string, error) {
		return "", fmt.Errorf("secret backend down")
	})
	now := time.Now().UTC().Truncate(time.Second)
	validator := NewHMACValidator(provider, NewInMemoryNonceStore(),
		WithHMACLogger(noopLogger{}),
		WithHMACClock(func() time.Time { return now }),
	)

	rr := httptest.NewRecorder()
	validator.RequireHMAC("missing/secret")(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("handler ran without a usable secret")
	})).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/internal/test", bytes.NewReader(nil)))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
}

func TestRequireHMACResolver(t *testing.T) {
	const secretName = "internal/scheduler"
	f := newHMACFixture(t, mapSecretProvider{secretName: "resolver-secret"})

	req := f.signedRequest("/internal/archives/export", "resolver-secret", []byte(`{"event":"test"}`), f.now.Format(time.RFC3339), "nonce-resolver", nil)

	rr := httptest.NewRecorder()
	f.validator.RequireHMACResolver(func(*http.Request) (string, bool) {
		return secretName, true
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("resolved request status = %d, want 200", rr.Code)
	}

	unknown := httptest.NewRecorder()
	f.validator.RequireHMACResolver(func(*http.Request) (string, bool) {
		return "", false
	})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("handler ran for an unresolvable caller")
	})).ServeHTTP(unknown, httptest.NewRequest(http.MethodPost, "/internal/unknown", nil))

	if unknown.Code != http.StatusUnauthorized {
		t.Fatalf("unknown caller status = %d, want 401", unknown.Code)
	}
}
