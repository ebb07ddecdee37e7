package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	firebaseauth "firebase.google.com/go/v4/auth"
)

type scriptedVerifier struct {
	token    *firebaseauth.Token
	err      error
	received string
}

func (s *scriptedVerifier) VerifyIDToken(_ context.Context, idToken string) (*firebaseauth.Token, error) {
	s.received = idToken
	if s.err != nil {
		return nil, s.err
	}
	return s.token, nil
}

type countingUserGetter struct {
	record  *firebaseauth.UserRecord
	calls   int
	lastUID string
}

func (g *countingUserGetter) GetUser(_ context.Context, uid string) (*firebaseauth.UserRecord, error) {
	g.calls++
	g.lastUID = uid
	return g.record, nil
}

func bearerRequest(handler http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func authErrorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	code, _ := body["error"].(string)
	return code
}

func TestRequireFirebaseAuthAcceptsStaffToken(t *testing.T) {
	verifier := &scriptedVerifier{
		token: &firebaseauth.Token{
			UID: "user-7f3a",
			Claims: map[string]any{
				"role":   []any{"staff", "admin"},
				"locale": "en-GB",
				"email":  "buyer@example.com",
			},
		},
	}
	users := &countingUserGetter{
		record: &firebaseauth.UserRecord{UserInfo: &firebaseauth.UserInfo{UID: "user-7f3a", Email: "buyer@example.com"}},
	}
	authn := NewAuthenticator(verifier, WithUserGetter(users))

	var seen *Identity
	handler := authn.RequireFirebaseAuth(RoleStaff)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		if !ok {
			t.Fatal("identity missing from request context")
		}
		seen = identity

		first, err := identity.User(r.Context())
		if err != nil {
			t.Fatalf("load user: %v", err)
		}
		second, err := identity.User(r.Context())
		if err != nil {
			t.Fatalf("load user again: %v", err)
		}
		if first != second {
			t.Error("user record not memoised across loads")
		}

		w.WriteHeader(http.StatusNoContent)
	}))

	rr := bearerRequest(handler, "token-value")

	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rr.Code)
	}
	if seen == nil {
		t.Fatal("handler did not run")
	}
	if seen.UID != "user-7f3a" {
		t.Errorf("UID = %s, want user-7f3a", seen.UID)
	}
	if !seen.HasRole(RoleStaff) {
		t.Errorf("roles = %v, want staff among them", seen.Roles)
	}
	if seen.Locale != "en-GB" {
		t.Errorf("locale = %s, want en-GB", seen.Locale)
	}
	if seen.Email != "buyer@example.com" {
		t.Errorf("email = %s, want buyer@example.com", seen.Email)
	}
	if verifier.received != "token-value" {
		t.Errorf("verifier received %q, want token-value", verifier.received)
	}
	if users.calls != 1 || users.lastUID != "user-7f3a" {
		t.Errorf("user getter: %d calls for %q, want 1 call for user-7f3a", users.calls, users.lastUID)
	}
}

func TestRequireFirebaseAuthRejectsExpiredToken(t *testing.T) {
	authn := NewAuthenticator(&scriptedVerifier{err: ErrTokenExpired})

	handler := authn.RequireFirebaseAuth(RoleUser)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler ran on expired token")
	}))

	rr := bearerRequest(handler, "expired-token")

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
	if code := authErrorCode(t, rr); code != "token_expired" {
		t.Fatalf("error code = %q, want token_expired", code)
	}
}

func TestRequireFirebaseAuthAppliesFallbackRole(t *testing.T) {
	authn := NewAuthenticator(&scriptedVerifier{
		token: &firebaseauth.Token{UID: "user-9c21", Claims: map[string]any{}},
	})

	handler := authn.RequireFirebaseAuth()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		if !ok {
			t.Fatal("identity missing from request context")
		}
		if len(identity.Roles) != 1 || identity.Roles[0] != RoleUser {
			t.Fatalf("roles = %v, want [%s]", identity.Roles, RoleUser)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	if rr := bearerRequest(handler, "missing-role-token"); rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rr.Code)
	}
}

func TestRequireFirebaseAuthRejectsCustomerOnStaffRoute(t *testing.T) {
	authn := NewAuthenticator(&scriptedVerifier{
		token: &firebaseauth.Token{UID: "user-2b44", Claims: map[string]any{"role": "user"}},
	})

	handler := authn.RequireFirebaseAuth(RoleStaff, RoleAdmin)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler ran without staff role")
	}))

	rr := bearerRequest(handler, "customer-token")

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
	if code := authErrorCode(t, rr); code != "insufficient_role" {
		t.Fatalf("error code = %q, want insufficient_role", code)
	}
}
