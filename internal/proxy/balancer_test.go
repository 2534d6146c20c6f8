package proxy

import (
	"testing"

	"github.com/edgemesh/edged/internal/config"
)

func TestLeastConnsPrefersFewerActive(t *testing.T) {
	b := newBalancer(config.StrategyLeastConns, []config.UpstreamTarget{
		{Address: "a:1", Weight: 1},
		{Address: "b:1", Weight: 1},
	})
	// give "a" three in-flight requests, "b" none
	for _, tg := range b.targets {
		if tg.addr == "a:1" {
			tg.active = 3
		}
	}
	picked, err := b.pick("")
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if picked.addr != "b:1" {
		t.Fatalf("expected b:1 (fewer active), got %s", picked.addr)
	}
}

func TestLeastConnsTieBreaksOnEWMA(t *testing.T) {
	b := newBalancer(config.StrategyLeastConns, []config.UpstreamTarget{
		{Address: "a:1", Weight: 1},
		{Address: "b:1", Weight: 1},
	})
	for _, tg := range b.targets {
		switch tg.addr {
		case "a:1":
			tg.ewma = 500
		case "b:1":
			tg.ewma = 100
		}
	}
	picked, err := b.pick("")
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if picked.addr != "b:1" {
		t.Fatalf("expected b:1 (lower ewma on tie), got %s", picked.addr)
	}
}

func TestRoundRobinSkipsUnhealthy(t *testing.T) {
	b := newBalancer(config.StrategyRoundRobin, []config.UpstreamTarget{
		{Address: "a:1", Weight: 1},
		{Address: "b:1", Weight: 1},
	})
	for _, tg := range b.targets {
		if tg.addr == "a:1" {
			tg.setHealthy(false)
		}
	}
	for i := 0; i < 5; i++ {
		picked, err := b.pick("")
		if err != nil {
			t.Fatalf("pick: %v", err)
		}
		if picked.addr != "b:1" {
			t.Fatalf("expected only b:1 while a:1 unhealthy, got %s", picked.addr)
		}
	}
}

func TestNoHealthyTargets(t *testing.T) {
	b := newBalancer(config.StrategyRoundRobin, []config.UpstreamTarget{{Address: "a:1", Weight: 1}})
	b.targets[0].setHealthy(false)
	if _, err := b.pick(""); err != ErrNoHealthyTargets {
		t.Fatalf("expected ErrNoHealthyTargets, got %v", err)
	}
}

func TestIPHashStableForSameKey(t *testing.T) {
	b := newBalancer(config.StrategyIPHash, []config.UpstreamTarget{
		{Address: "a:1", Weight: 1},
		{Address: "b:1", Weight: 1},
		{Address: "c:1", Weight: 1},
	})
	first, err := b.pick("203.0.113.5")
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := b.pick("203.0.113.5")
		if err != nil {
			t.Fatalf("pick: %v", err)
		}
		if again.addr != first.addr {
			t.Fatalf("ip_hash must be stable for the same key, got %s then %s", first.addr, again.addr)
		}
	}
}

func TestWeightedRoundRobinRespectsWeight(t *testing.T) {
	b := newBalancer(config.StrategyWeightedRR, []config.UpstreamTarget{
		{Address: "a:1", Weight: 3},
		{Address: "b:1", Weight: 1},
	})
	counts := map[string]int{}
	for i := 0; i < 8; i++ {
		picked, err := b.pick("")
		if err != nil {
			t.Fatalf("pick: %v", err)
		}
		counts[picked.addr]++
	}
	if counts["a:1"] != 6 || counts["b:1"] != 2 {
		t.Fatalf("expected 3:1 split over 8 picks (6/2), got %v", counts)
	}
}
