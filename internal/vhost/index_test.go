package vhost

import (
	"testing"

	"github.com/edgemesh/edged/internal/config"
)

func vh(id string, priority int, order int, domains ...string) *config.VirtualHost {
	v := &config.VirtualHost{ID: id, Priority: priority}
	config.SetInsertionOrder(v, order)
	for _, d := range domains {
		v.Domains = append(v.Domains, config.ParseDomainPattern(d))
	}
	return v
}

func buildSnap(hosts ...*config.VirtualHost) *config.Snapshot {
	return &config.Snapshot{VHosts: hosts}
}

func TestRouteExactBeatsWildcard(t *testing.T) {
	idx, err := BuildIndex(buildSnap(
		vh("wild", 0, 0, "*.example.com"),
		vh("exact", 0, 1, "api.example.com"),
	))
	if err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}
	got, err := Route(idx, "api.example.com", "", "/")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if got.ID != "exact" {
		t.Fatalf("expected exact match to win, got %s", got.ID)
	}
}

func TestRouteLongestWildcardSuffix(t *testing.T) {
	idx, err := BuildIndex(buildSnap(
		vh("top", 0, 0, "*.example.com"),
		vh("sub", 0, 1, "*.api.example.com"),
	))
	if err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}
	got, err := Route(idx, "v1.api.example.com", "", "/")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if got.ID != "sub" {
		t.Fatalf("expected longest suffix match 'sub', got %s", got.ID)
	}
}

func TestRoutePriorityBreaksTie(t *testing.T) {
	idx, err := BuildIndex(buildSnap(
		vh("low", 1, 0, "*.example.com"),
		vh("high", 5, 1, "*.example.com"),
	))
	if err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}
	got, err := Route(idx, "x.example.com", "", "/")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if got.ID != "high" {
		t.Fatalf("expected higher priority vhost to win, got %s", got.ID)
	}
}

func TestRouteCaseInsensitiveAndPortStripped(t *testing.T) {
	idx, err := BuildIndex(buildSnap(vh("a", 0, 0, "Example.com")))
	if err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}
	got, err := Route(idx, "EXAMPLE.COM:8443", "", "/")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if got.ID != "a" {
		t.Fatalf("expected case-insensitive/port-stripped match, got %s", got.ID)
	}
}

// TestRouteSNIMismatch covers spec scenario S1.
func TestRouteSNIMismatch(t *testing.T) {
	idx, err := BuildIndex(buildSnap(
		vh("a", 0, 0, "*.example.com"),
		vh("b", 0, 1, "other.example.com"),
	))
	if err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}
	_, err = Route(idx, "other.example.com", "api.example.com", "/")
	if err == nil {
		t.Fatalf("expected SNI mismatch error")
	}
	if got := err.(interface{ Error() string }).Error(); got == "" {
		t.Fatalf("expected non-empty error message")
	}
}

func TestRouteDefaultFallback(t *testing.T) {
	idx, err := BuildIndex(buildSnap(
		vh("catchall", 0, 0, "*"),
		vh("specific", 0, 1, "only.example.com"),
	))
	if err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}
	got, err := Route(idx, "unmatched.invalid", "", "/")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if got.ID != "catchall" {
		t.Fatalf("expected default vhost, got %s", got.ID)
	}
}

func TestRouteNoMatchNoDefault(t *testing.T) {
	idx, err := BuildIndex(buildSnap(vh("only", 0, 0, "only.example.com")))
	if err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}
	if _, err := Route(idx, "nope.example.com", "", "/"); err == nil {
		t.Fatalf("expected error when no vhost matches and no default is configured")
	}
}
