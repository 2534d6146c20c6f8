package tlsmgr

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestChallengeSinkServesPublishedToken(t *testing.T) {
	sink := NewChallengeSink()
	sink.Put("tok123", "tok123.key-authz")

	req := httptest.NewRequest(http.MethodGet, challengePrefix+"tok123", nil)
	rec := httptest.NewRecorder()
	sink.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "tok123.key-authz" {
		t.Fatalf("body = %q, want key authorization value", rec.Body.String())
	}
}

func TestChallengeSinkReturns404ForUnknownToken(t *testing.T) {
	sink := NewChallengeSink()
	req := httptest.NewRequest(http.MethodGet, challengePrefix+"missing", nil)
	rec := httptest.NewRecorder()
	sink.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestChallengeSinkDeleteRemovesToken(t *testing.T) {
	sink := NewChallengeSink()
	sink.Put("tok", "value")
	sink.Delete("tok")

	req := httptest.NewRequest(http.MethodGet, challengePrefix+"tok", nil)
	rec := httptest.NewRecorder()
	sink.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 after Delete", rec.Code)
	}
}

func TestIsChallengeRequestMatchesOnlyTheWellKnownPath(t *testing.T) {
	if !IsChallengeRequest(challengePrefix + "abc") {
		t.Fatalf("expected a well-known ACME path to match")
	}
	if IsChallengeRequest("/index.html") {
		t.Fatalf("expected a normal path not to match")
	}
}
