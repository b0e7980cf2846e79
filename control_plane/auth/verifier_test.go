package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func identityHandler(id, email string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"` + id + `","email":"` + email + `"}`))
	}
}

func TestHTTPVerifier_ResolvesIdentity(t *testing.T) {
	srv := httptest.NewServer(identityHandler("user-1", "someone@example.com"))
	defer srv.Close()

	v := NewHTTPVerifier(srv.URL, "service-key", "admin@example.com")
	ident, err := v.Resolve(context.Background(), "good-token")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ident.UserID != "user-1" || ident.Email != "someone@example.com" {
		t.Errorf("Identity mangled: %+v", ident)
	}
	if ident.IsAdmin {
		t.Error("Non-admin email flagged as admin")
	}
}

func TestHTTPVerifier_AdminEmailCaseInsensitive(t *testing.T) {
	srv := httptest.NewServer(identityHandler("admin-1", "Admin@Example.COM"))
	defer srv.Close()

	v := NewHTTPVerifier(srv.URL, "key", "admin@example.com")
	ident, err := v.Resolve(context.Background(), "token")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !ident.IsAdmin {
		t.Error("Admin email comparison should be case-insensitive")
	}
}

func TestHTTPVerifier_BadTokenIsFinal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	v := NewHTTPVerifier(srv.URL, "key", "")
	if _, err := v.Resolve(context.Background(), "bad-token"); err == nil {
		t.Fatal("Expected error for rejected token")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("4xx should not be retried, provider called %d times", got)
	}
}

func TestHTTPVerifier_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		identityHandler("user-1", "someone@example.com")(w, r)
	}))
	defer srv.Close()

	v := NewHTTPVerifier(srv.URL, "key", "")
	ident, err := v.Resolve(context.Background(), "token")
	if err != nil {
		t.Fatalf("Resolve should succeed on the final retry: %v", err)
	}
	if ident.UserID != "user-1" {
		t.Errorf("Wrong identity: %+v", ident)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("Expected 3 attempts, got %d", got)
	}
}

func TestStaticVerifier(t *testing.T) {
	v := &StaticVerifier{Tokens: map[string]Identity{
		"tok": {UserID: "u", Email: "e@example.com"},
	}}
	ident, err := v.Resolve(context.Background(), "tok")
	if err != nil || ident.UserID != "u" {
		t.Fatalf("Expected identity, got %v %v", ident, err)
	}
	if _, err := v.Resolve(context.Background(), "nope"); err == nil {
		t.Fatal("Unknown token should fail")
	}
}
