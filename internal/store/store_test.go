package store

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStorePutGetDelete(t *testing.T) {
	m := NewMemoryStore(time.Hour)
	defer m.Close()
	ctx := context.Background()

	s := Session{ID: "sess-1", Created: time.Now(), LastSeen: time.Now(), Expires: time.Now().Add(time.Minute), Version: 1}
	if err := m.Put(ctx, "sess-1", s); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok, err := m.Get(ctx, "sess-1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.ID != "sess-1" {
		t.Fatalf("ID = %q, want sess-1", got.ID)
	}

	if err := m.Delete(ctx, "sess-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := m.Get(ctx, "sess-1"); ok {
		t.Fatalf("expected miss after Delete")
	}
}

func TestMemoryStoreCleanupRemovesExpired(t *testing.T) {
	m := NewMemoryStore(time.Hour)
	defer m.Close()
	ctx := context.Background()

	expired := Session{ID: "old", Expires: time.Now().Add(-time.Second)}
	live := Session{ID: "live", Expires: time.Now().Add(time.Hour)}
	_ = m.Put(ctx, "old", expired)
	_ = m.Put(ctx, "live", live)

	removed, err := m.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, ok, _ := m.Get(ctx, "old"); ok {
		t.Fatalf("expired session should have been swept")
	}
	if _, ok, _ := m.Get(ctx, "live"); !ok {
		t.Fatalf("live session should survive Cleanup")
	}
}

func TestMemoryStoreWatchReceivesPutAndDelete(t *testing.T) {
	m := NewMemoryStore(time.Hour)
	defer m.Close()
	ctx := context.Background()

	events, cancel := m.Watch(ctx)
	defer cancel()

	_ = m.Put(ctx, "k", Session{ID: "k"})
	select {
	case ev := <-events:
		if ev.Deleted || ev.Key != "k" {
			t.Fatalf("unexpected put event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for put event")
	}

	_ = m.Delete(ctx, "k")
	select {
	case ev := <-events:
		if !ev.Deleted || ev.Key != "k" {
			t.Fatalf("unexpected delete event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for delete event")
	}
}

func TestResolveSessionPrefersHigherVersion(t *testing.T) {
	a := Session{Version: 1, LastSeen: time.Now()}
	b := Session{Version: 2, LastSeen: time.Now().Add(-time.Hour)}
	if got := Resolve(a, b); got.Version != 2 {
		t.Fatalf("Resolve picked version %d, want 2", got.Version)
	}
}

func TestResolveSessionBreaksTiesByLastSeen(t *testing.T) {
	older := Session{Version: 1, LastSeen: time.Now().Add(-time.Minute)}
	newer := Session{Version: 1, LastSeen: time.Now()}
	if got := Resolve(older, newer); !got.LastSeen.Equal(newer.LastSeen) {
		t.Fatalf("Resolve did not break the tie in favor of the more recent LastSeen")
	}
}

func TestLeaseCacheGrantThenTryDeduct(t *testing.T) {
	c := NewLeaseCache()
	c.Grant("bucket-1", 10)

	if !c.TryDeduct("bucket-1", 4) {
		t.Fatalf("expected 4 tokens to be available")
	}
	if c.TryDeduct("bucket-1", 100) {
		t.Fatalf("expected deduction beyond the granted lease to fail")
	}
}

func TestLeaseCacheTryDeductWithoutGrantFails(t *testing.T) {
	c := NewLeaseCache()
	if c.TryDeduct("unknown", 1) {
		t.Fatalf("expected TryDeduct to fail for a bucket with no lease")
	}
}
