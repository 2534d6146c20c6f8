// Package store implements the spec §4.J session/rate-limit shared store:
// one interface, two profiles — a local hash-sharded memory store
// (default) and a remote KV store (github.com/redis/go-redis/v9) when
// configured. No teacher file implements a session store (piccolod keeps
// browser sessions in its persistence.AuthRepo, a single SQLite-backed
// table), so the sharding/sweeper shape here is fresh, grounded on the
// teacher's general mutex-guarded-map idiom (internal/container's
// registry) and the redis client wiring pattern from wisbric-nightowl.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/edgemesh/edged/internal/logging"
)

var log = logging.Component("store")

// Session is the spec §3 Session value. The store treats Data as opaque.
type Session struct {
	ID       string
	Created  time.Time
	LastSeen time.Time
	Expires  time.Time
	Data     []byte
	Version  uint64
}

// Resolve implements the spec §3 conflict-resolution rule for replicated
// sessions: higher version wins; ties broken by higher LastSeen.
func Resolve(a, b Session) Session {
	if a.Version != b.Version {
		if a.Version > b.Version {
			return a
		}
		return b
	}
	if a.LastSeen.After(b.LastSeen) {
		return a
	}
	return b
}

// WatchEvent is delivered by Watch on every Put/Delete.
type WatchEvent struct {
	Key     string
	Session Session // zero value on delete
	Deleted bool
}

// Store is the spec §4.J interface: {get, put, delete, cleanup, watch}.
type Store interface {
	Get(ctx context.Context, key string) (Session, bool, error)
	Put(ctx context.Context, key string, s Session) error
	Delete(ctx context.Context, key string) error
	Cleanup(ctx context.Context) (removed int, err error)
	Watch(ctx context.Context) (<-chan WatchEvent, func())
}

const shardCount = 32

type shard struct {
	mu   sync.RWMutex
	data map[string]Session
}

// MemoryStore is the local profile: sharded by an FNV-1a hash of the whole
// key into 32 independent mutex-protected maps, with a background sweeper removing
// TTL-expired entries.
type MemoryStore struct {
	shards    [shardCount]*shard
	watchMu   sync.Mutex
	watchers  map[chan WatchEvent]struct{}
	sweepStop chan struct{}
}

// NewMemoryStore constructs a MemoryStore and starts its background
// sweeper at the given interval.
func NewMemoryStore(sweepInterval time.Duration) *MemoryStore {
	m := &MemoryStore{
		watchers:  make(map[chan WatchEvent]struct{}),
		sweepStop: make(chan struct{}),
	}
	for i := range m.shards {
		m.shards[i] = &shard{data: make(map[string]Session)}
	}
	if sweepInterval <= 0 {
		sweepInterval = 30 * time.Second
	}
	go m.sweepLoop(sweepInterval)
	return m
}

// Close stops the background sweeper.
func (m *MemoryStore) Close() {
	close(m.sweepStop)
}

func (m *MemoryStore) shardFor(key string) *shard {
	h := fnv32(key)
	return m.shards[h%shardCount]
}

func fnv32(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}

func (m *MemoryStore) Get(_ context.Context, key string) (Session, bool, error) {
	sh := m.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.data[key]
	if !ok || (!s.Expires.IsZero() && time.Now().After(s.Expires)) {
		return Session{}, false, nil
	}
	return s, true, nil
}

func (m *MemoryStore) Put(_ context.Context, key string, s Session) error {
	sh := m.shardFor(key)
	sh.mu.Lock()
	if existing, ok := sh.data[key]; ok {
		s = Resolve(existing, s)
	}
	sh.data[key] = s
	sh.mu.Unlock()
	m.publish(WatchEvent{Key: key, Session: s})
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	sh := m.shardFor(key)
	sh.mu.Lock()
	delete(sh.data, key)
	sh.mu.Unlock()
	m.publish(WatchEvent{Key: key, Deleted: true})
	return nil
}

func (m *MemoryStore) Cleanup(_ context.Context) (int, error) {
	now := time.Now()
	removed := 0
	for _, sh := range m.shards {
		sh.mu.Lock()
		for k, s := range sh.data {
			if !s.Expires.IsZero() && now.After(s.Expires) {
				delete(sh.data, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	if removed > 0 {
		log.Printf("INFO: cleanup swept %d expired entries", removed)
	}
	return removed, nil
}

func (m *MemoryStore) Watch(ctx context.Context) (<-chan WatchEvent, func()) {
	ch := make(chan WatchEvent, 64)
	m.watchMu.Lock()
	m.watchers[ch] = struct{}{}
	m.watchMu.Unlock()
	cancel := func() {
		m.watchMu.Lock()
		delete(m.watchers, ch)
		m.watchMu.Unlock()
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return ch, cancel
}

func (m *MemoryStore) publish(ev WatchEvent) {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	for ch := range m.watchers {
		select {
		case ch <- ev:
		default: // slow watcher, drop rather than block the write path
		}
	}
}

func (m *MemoryStore) sweepLoop(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if _, err := m.Cleanup(context.Background()); err != nil {
				log.Printf("WARN: sweep failed: %v", err)
			}
		case <-m.sweepStop:
			return
		}
	}
}
