package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHashAndVerifyPasswordRoundTrip(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !VerifyPassword("correct horse battery staple", hash) {
		t.Fatalf("expected VerifyPassword to accept the original password")
	}
	if VerifyPassword("wrong password", hash) {
		t.Fatalf("expected VerifyPassword to reject a wrong password")
	}
}

func TestIssueTokenThenVerifyReturnsPrincipal(t *testing.T) {
	m := NewManager([]byte("signing-key"), "", time.Hour)
	tok, err := m.IssueToken("operator")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	principal, err := m.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if principal != "operator" {
		t.Fatalf("principal = %q, want %q", principal, "operator")
	}
}

func TestVerifyRejectsTokenSignedWithDifferentKey(t *testing.T) {
	a := NewManager([]byte("key-a"), "", time.Hour)
	b := NewManager([]byte("key-b"), "", time.Hour)
	tok, err := a.IssueToken("operator")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, err := b.Verify(tok); err == nil {
		t.Fatalf("expected Verify to reject a token signed with a different key")
	}
}

func TestLoginIssuesTokenOnlyForCorrectPassword(t *testing.T) {
	hash, err := HashPassword("admin-secret")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	m := NewManager([]byte("signing-key"), hash, time.Hour)

	if _, err := m.Login("wrong"); err == nil {
		t.Fatalf("expected Login to reject a wrong password")
	}
	tok, err := m.Login("admin-secret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := m.Verify(tok); err != nil {
		t.Fatalf("Verify(Login token): %v", err)
	}
}

func TestRequireBearerRejectsMissingAndInvalidTokens(t *testing.T) {
	m := NewManager([]byte("signing-key"), "", time.Hour)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := m.RequireBearer(next)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: status = %d, want 401", rec.Code)
	}

	req3 := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req3.Header.Set("Authorization", "Bearer not-a-valid-token")
	rec3 := httptest.NewRecorder()
	handler.ServeHTTP(rec3, req3)
	if rec3.Code != http.StatusUnauthorized {
		t.Fatalf("invalid token: status = %d, want 401", rec3.Code)
	}

	tok, _ := m.IssueToken("operator")
	req2 := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req2.Header.Set("Authorization", "Bearer "+tok)
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("valid token: status = %d, want 200", rec2.Code)
	}
	if got := req2.Header.Get("X-Authenticated-Principal"); got != "operator" {
		t.Fatalf("X-Authenticated-Principal = %q, want %q", got, "operator")
	}
}
