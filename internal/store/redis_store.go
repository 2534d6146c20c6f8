package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the remote-KV profile from spec §4.J, used when the cluster
// configures a shared backend (e.g. for session replication across nodes
// that don't share a local memory store); the response cache in
// internal/middleware does not use it. Session values are marshaled to JSON; the store
// itself treats them as opaque per spec §4.J.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore creates a new client for addr. addr/prefix come from
// configuration (spec §3 CacheConfig.L2Address / store config).
func NewRedisStore(addr, prefix string) *RedisStore {
	return &RedisStore{
		rdb:    redis.NewClient(&redis.Options{Addr: addr}),
		prefix: prefix,
	}
}

func (r *RedisStore) fullKey(key string) string { return r.prefix + key }

func (r *RedisStore) Get(ctx context.Context, key string) (Session, bool, error) {
	raw, err := r.rdb.Get(ctx, r.fullKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, err
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return Session{}, false, err
	}
	return s, true, nil
}

func (r *RedisStore) Put(ctx context.Context, key string, s Session) error {
	existing, ok, err := r.Get(ctx, key)
	if err != nil {
		return err
	}
	if ok {
		s = Resolve(existing, s)
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	var ttl time.Duration
	if !s.Expires.IsZero() {
		ttl = time.Until(s.Expires)
		if ttl <= 0 {
			return r.Delete(ctx, key)
		}
	}
	return r.rdb.Set(ctx, r.fullKey(key), raw, ttl).Err()
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, r.fullKey(key)).Err()
}

// Cleanup is a no-op: redis TTLs expire keys natively, unlike the memory
// store which needs its own sweeper.
func (r *RedisStore) Cleanup(context.Context) (int, error) { return 0, nil }

// Watch is unsupported on the plain redis.Client profile (would need
// keyspace notifications enabled cluster-wide); callers that need
// cross-node invalidation should watch via the replicated log (component
// I) instead, per the design notes' separation of SWIM/gossip state from
// Raft-replicated state.
func (r *RedisStore) Watch(ctx context.Context) (<-chan WatchEvent, func()) {
	ch := make(chan WatchEvent)
	close(ch)
	return ch, func() {}
}
