package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestValidateRequestRejectsOversizedBody(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("x"))
	r.Header.Set("Content-Length", "1000")
	if err := validateRequest(r, 100); err == nil {
		t.Fatal("expected rejection for body over max_body_size")
	}
}

func TestValidateRequestAllowsWithinBudget(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("x"))
	r.Header.Set("Content-Length", "1")
	if err := validateRequest(r, 100); err != nil {
		t.Fatalf("unexpected rejection: %v", err)
	}
}

func TestValidateRequestRejectsConflictingTransferEncoding(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.Header.Set("Content-Length", "5")
	r.Header.Set("Transfer-Encoding", "chunked")
	if err := validateRequest(r, 0); err == nil {
		t.Fatal("expected smuggling rejection")
	}
}

func TestValidateRequestRejectsInvalidHeaderValue(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header["X-Evil"] = []string{"value\r\nX-Injected: 1"}
	if err := validateRequest(r, 0); err == nil {
		t.Fatal("expected rejection for CRLF-injected header value")
	}
}

func TestHasInvalidHeaderFieldAcceptsOrdinaryHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Accept", "text/html")
	h.Set("X-Request-Id", "abc-123")
	if _, ok := hasInvalidHeaderField(h); !ok {
		t.Fatal("expected ordinary headers to pass validation")
	}
}
