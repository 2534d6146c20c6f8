package proxy

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgemesh/edged/internal/config"
)

// target is the runtime-tracked counterpart to config.UpstreamTarget: the
// static address/weight plus the mutable counters a load-balancing
// strategy needs (spec §3 UpstreamTarget's health/load fields).
type target struct {
	addr   string
	weight int

	active  int64 // in-flight request count, for least-connections
	ewma    int64 // response-time EWMA in microseconds
	healthy int32 // 1 = healthy, 0 = unhealthy; set by internal/healthcheck
	current int   // smooth weighted round robin running weight

	// sem bounds concurrent in-flight requests to this target to
	// pool.max_per_host (spec §5: "pool checkout when no connection is
	// available and pool-size limit is reached awaits a semaphore with
	// timeout"; spec §8 testable property #3). nil until initSemaphores
	// runs, in which case acquire is a no-op (unit tests that build a
	// target directly never hit the HTTP path that needs admission
	// control).
	sem chan struct{}
}

// acquire blocks until a slot opens up for this target or timeout elapses,
// whichever is first, returning false on timeout or context cancellation.
func (t *target) acquire(ctx context.Context, timeout time.Duration) bool {
	if t.sem == nil {
		return true
	}
	select {
	case t.sem <- struct{}{}:
		return true
	default:
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case t.sem <- struct{}{}:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// release returns a previously-acquired slot. Safe to call even when sem
// is nil or the slot was never taken.
func (t *target) release() {
	if t.sem == nil {
		return
	}
	select {
	case <-t.sem:
	default:
	}
}

func (t *target) isHealthy() bool { return atomic.LoadInt32(&t.healthy) == 1 }

func (t *target) setHealthy(h bool) {
	v := int32(0)
	if h {
		v = 1
	}
	atomic.StoreInt32(&t.healthy, v)
}

func (t *target) recordLatencyMicros(us int64) {
	// exponentially weighted moving average, alpha = 1/8, matching the
	// smoothing factor spec §4.E uses for least-connections tie-break.
	for {
		old := atomic.LoadInt64(&t.ewma)
		var next int64
		if old == 0 {
			next = us
		} else {
			next = old + (us-old)/8
		}
		if atomic.CompareAndSwapInt64(&t.ewma, old, next) {
			return
		}
	}
}

// balancer selects a target from a fixed set according to one of the spec
// §4.E strategies. It holds no reference to the HTTP layer so it can be
// unit-tested in isolation (spec §8 S3).
type balancer struct {
	mu       sync.Mutex
	strategy config.Strategy
	targets  []*target

	rrNext uint64
	ring   *hashRing
}

func newBalancer(strategy config.Strategy, upstreams []config.UpstreamTarget) *balancer {
	b := &balancer{strategy: strategy}
	for _, u := range upstreams {
		w := u.Weight
		if w <= 0 {
			w = 1
		}
		t := &target{addr: u.Address, weight: w}
		t.setHealthy(true)
		b.targets = append(b.targets, t)
	}
	if strategy == config.StrategyIPHash {
		b.ring = newHashRing(b.targets, 150)
	}
	return b
}

// initSemaphores gives every target a checkout semaphore sized to
// pool.max_per_host (spec §3 ConnectionPool, §5, §8 property #3). Called
// once by engine.stateFor when a backend is first registered; a capacity
// of zero or less leaves targets with no admission limit.
func (b *balancer) initSemaphores(capacity int) {
	if capacity <= 0 {
		return
	}
	for _, t := range b.targets {
		t.sem = make(chan struct{}, capacity)
	}
}

// ErrNoHealthyTargets is returned when every configured upstream is marked
// unhealthy (spec §4.E: the engine must fail the request rather than
// proxy to a target known to be down).
type errNoHealthyTargets struct{}

func (errNoHealthyTargets) Error() string { return "proxy: no healthy upstream targets" }

var ErrNoHealthyTargets error = errNoHealthyTargets{}

func (b *balancer) healthyTargets() []*target {
	out := make([]*target, 0, len(b.targets))
	for _, t := range b.targets {
		if t.isHealthy() {
			out = append(out, t)
		}
	}
	return out
}

// pick selects one target for the given request key (used by ip_hash;
// ignored by the other strategies).
func (b *balancer) pick(key string) (*target, error) {
	switch b.strategy {
	case config.StrategyRoundRobin:
		return b.pickRoundRobin()
	case config.StrategyLeastConns:
		return b.pickLeastConns()
	case config.StrategyIPHash:
		return b.pickIPHash(key)
	case config.StrategyWeightedRR:
		return b.pickWeightedRR()
	default:
		return b.pickRoundRobin()
	}
}

func (b *balancer) pickRoundRobin() (*target, error) {
	healthy := b.healthyTargets()
	if len(healthy) == 0 {
		return nil, ErrNoHealthyTargets
	}
	n := atomic.AddUint64(&b.rrNext, 1) - 1
	return healthy[n%uint64(len(healthy))], nil
}

// pickLeastConns chooses the target with fewest in-flight requests,
// breaking ties by the smaller EWMA response time (spec §4.E).
func (b *balancer) pickLeastConns() (*target, error) {
	healthy := b.healthyTargets()
	if len(healthy) == 0 {
		return nil, ErrNoHealthyTargets
	}
	best := healthy[0]
	for _, t := range healthy[1:] {
		bestActive := atomic.LoadInt64(&best.active)
		tActive := atomic.LoadInt64(&t.active)
		if tActive < bestActive {
			best = t
			continue
		}
		if tActive == bestActive && atomic.LoadInt64(&t.ewma) < atomic.LoadInt64(&best.ewma) {
			best = t
		}
	}
	return best, nil
}

func (b *balancer) pickIPHash(key string) (*target, error) {
	if b.ring == nil {
		return b.pickRoundRobin()
	}
	t := b.ring.get(key, func(t *target) bool { return t.isHealthy() })
	if t == nil {
		return nil, ErrNoHealthyTargets
	}
	return t, nil
}

// pickWeightedRR implements Nginx-style smooth weighted round robin: each
// target accrues its weight every pick and the highest accrued target is
// selected and decremented by the total weight, spreading picks evenly in
// proportion to weight without bursts.
func (b *balancer) pickWeightedRR() (*target, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	healthy := b.healthyTargets()
	if len(healthy) == 0 {
		return nil, ErrNoHealthyTargets
	}
	total := 0
	var best *target
	for _, t := range healthy {
		t.current += t.weight
		total += t.weight
		if best == nil || t.current > best.current {
			best = t
		}
	}
	best.current -= total
	return best, nil
}

// hashRing is a consistent-hash ring used by ip_hash so that adding or
// removing one target reshuffles only its own share of keys (spec §4.E).
type hashRing struct {
	vnodes []ringNode
}

type ringNode struct {
	hash uint32
	t    *target
}

func newHashRing(targets []*target, vnodesPerTarget int) *hashRing {
	r := &hashRing{}
	for _, t := range targets {
		for i := 0; i < vnodesPerTarget; i++ {
			h := fnv32(t.addr, i)
			r.vnodes = append(r.vnodes, ringNode{hash: h, t: t})
		}
	}
	sort.Slice(r.vnodes, func(i, j int) bool { return r.vnodes[i].hash < r.vnodes[j].hash })
	return r
}

func (r *hashRing) get(key string, healthy func(*target) bool) *target {
	if len(r.vnodes) == 0 {
		return nil
	}
	h := fnv32(key, 0)
	idx := sort.Search(len(r.vnodes), func(i int) bool { return r.vnodes[i].hash >= h })
	for i := 0; i < len(r.vnodes); i++ {
		node := r.vnodes[(idx+i)%len(r.vnodes)]
		if healthy(node.t) {
			return node.t
		}
	}
	return nil
}

func fnv32(s string, salt int) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	if salt != 0 {
		_, _ = h.Write([]byte{byte(salt), byte(salt >> 8)})
	}
	return h.Sum32()
}
