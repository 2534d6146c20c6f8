package middleware

import (
	"net/http/httptest"
	"testing"

	"github.com/edgemesh/edged/internal/config"
)

// TestRewriteRedirect covers spec §8 scenario S2: a rewrite rule with
// R=301 terminates the pipeline with the rewritten path as Location,
// preserving the query string.
func TestRewriteRedirect(t *testing.T) {
	rules, err := compileRewrites([]config.RewriteRule{
		{
			Pattern:      `^/old/(.*)$`,
			Replacement:  "/new/$1",
			Flags:        []config.RewriteFlag{config.FlagRedirect},
			RedirectCode: 301,
		},
	})
	if err != nil {
		t.Fatalf("compileRewrites: %v", err)
	}

	r := httptest.NewRequest("GET", "/old/page?x=1", nil)
	outcome := applyRewrites(rules, r)

	if outcome.action != rewriteRedirect {
		t.Fatalf("action = %v, want rewriteRedirect", outcome.action)
	}
	if outcome.code != 301 {
		t.Fatalf("code = %d, want 301", outcome.code)
	}
	if outcome.location != "/new/page?x=1" {
		t.Fatalf("location = %q, want /new/page?x=1", outcome.location)
	}
}

func TestRewriteNoMatchLeavesPathUnchanged(t *testing.T) {
	rules, err := compileRewrites([]config.RewriteRule{
		{Pattern: `^/missing/(.*)$`, Replacement: "/found/$1"},
	})
	if err != nil {
		t.Fatalf("compileRewrites: %v", err)
	}
	r := httptest.NewRequest("GET", "/untouched", nil)
	outcome := applyRewrites(rules, r)
	if outcome.action != rewriteNone {
		t.Fatalf("action = %v, want rewriteNone", outcome.action)
	}
}

func TestRewriteConditionNegate(t *testing.T) {
	rules, err := compileRewrites([]config.RewriteRule{
		{
			Pattern:     `^/api/(.*)$`,
			Replacement: "/v2/$1",
			Conditions: []config.RewriteCondition{
				{Variable: "header:X-Legacy", Pattern: "true", Negate: true},
			},
		},
	})
	if err != nil {
		t.Fatalf("compileRewrites: %v", err)
	}

	legacy := httptest.NewRequest("GET", "/api/items", nil)
	legacy.Header.Set("X-Legacy", "true")
	if outcome := applyRewrites(rules, legacy); outcome.action != rewriteNone {
		t.Fatalf("legacy request should skip rewrite, got %v", outcome.action)
	}

	modern := httptest.NewRequest("GET", "/api/items", nil)
	if outcome := applyRewrites(rules, modern); outcome.path != "/v2/items" {
		t.Fatalf("path = %q, want /v2/items", outcome.path)
	}
}
