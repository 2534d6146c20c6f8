package proxy

import (
	"sync"
	"time"
)

// breakerState is the spec §4.E circuit breaker state machine.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// defaultFailWindow is the sliding window a circuitBreaker built with
// newCircuitBreaker uses, matching spec §8 scenario S4's example threshold
// ("10 failures in 5s").
const defaultFailWindow = 5 * time.Second

// circuitBreaker trips per target once the failure rate over a sliding
// window crosses a threshold, shedding load during an outage instead of
// piling retries onto a dead backend. Failures older than the window decay
// out on their own, so a target that fails occasionally but recovers
// between failures never trips. Cooldown doubles on each repeated trip up
// to a ceiling (spec §8 S4) and resets to the base once the target proves
// healthy again.
type circuitBreaker struct {
	mu sync.Mutex

	state         breakerState
	failTimes     []time.Time
	failThreshold int
	failWindow    time.Duration
	openedAt      time.Time
	trips         int
	cooldown      time.Duration
	baseCooldown  time.Duration
	maxCooldown   time.Duration

	halfOpenProbes  int
	halfOpenSuccess int
	halfOpenNeeded  int
}

// newCircuitBreaker builds a breaker using the default sliding window
// (defaultFailWindow). Use newCircuitBreakerWindow to override the window,
// e.g. in tests that need it short.
func newCircuitBreaker(failThreshold int, baseCooldown, maxCooldown time.Duration) *circuitBreaker {
	return newCircuitBreakerWindow(failThreshold, baseCooldown, maxCooldown, defaultFailWindow)
}

func newCircuitBreakerWindow(failThreshold int, baseCooldown, maxCooldown, window time.Duration) *circuitBreaker {
	if failThreshold <= 0 {
		failThreshold = 5
	}
	if baseCooldown <= 0 {
		baseCooldown = time.Second
	}
	if maxCooldown <= 0 {
		maxCooldown = 30 * time.Second
	}
	if window <= 0 {
		window = defaultFailWindow
	}
	return &circuitBreaker{
		state:          breakerClosed,
		failThreshold:  failThreshold,
		failWindow:     window,
		baseCooldown:   baseCooldown,
		cooldown:       baseCooldown,
		maxCooldown:    maxCooldown,
		halfOpenNeeded: 1,
	}
}

// Allow reports whether a request may be attempted against this target
// right now, transitioning Open->HalfOpen once the cooldown elapses.
func (c *circuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if time.Since(c.openedAt) >= c.cooldown {
			c.state = breakerHalfOpen
			c.halfOpenProbes = 0
			c.halfOpenSuccess = 0
			return true
		}
		return false
	case breakerHalfOpen:
		// allow a single in-flight probe at a time
		return c.halfOpenProbes == 0
	}
	return true
}

// RecordSuccess closes the breaker (from Closed or HalfOpen) and resets the
// cooldown back to its base value.
func (c *circuitBreaker) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case breakerHalfOpen:
		c.halfOpenSuccess++
		if c.halfOpenSuccess >= c.halfOpenNeeded {
			c.state = breakerClosed
			c.failTimes = c.failTimes[:0]
			c.trips = 0
			c.cooldown = c.baseCooldown
		}
	case breakerClosed:
		c.failTimes = c.failTimes[:0]
	}
}

// RecordFailure counts a failed attempt, tripping the breaker to Open once
// the sliding-window threshold is crossed (or immediately, if the failure
// occurred during a HalfOpen probe). Each trip after the first doubles the
// cooldown up to maxCooldown.
func (c *circuitBreaker) RecordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case breakerHalfOpen:
		c.trip()
	case breakerClosed:
		now := time.Now()
		c.failTimes = pruneWindow(append(c.failTimes, now), now, c.failWindow)
		if len(c.failTimes) >= c.failThreshold {
			c.trip()
		}
	}
}

// pruneWindow drops entries older than window relative to now. times is
// kept in append order (oldest first), so this is a single forward scan.
func pruneWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cut := 0
	for cut < len(times) && now.Sub(times[cut]) > window {
		cut++
	}
	return times[cut:]
}

func (c *circuitBreaker) trip() {
	c.state = breakerOpen
	c.openedAt = time.Now()
	c.trips++
	if c.trips > 1 {
		c.cooldown *= 2
		if c.cooldown > c.maxCooldown {
			c.cooldown = c.maxCooldown
		}
	}
	c.failTimes = c.failTimes[:0]
}

// markHalfOpenAttempt must be called immediately after Allow returns true
// in the HalfOpen state, so concurrent callers don't all probe at once.
func (c *circuitBreaker) markHalfOpenAttempt() {
	c.mu.Lock()
	if c.state == breakerHalfOpen {
		c.halfOpenProbes++
	}
	c.mu.Unlock()
}

func (c *circuitBreaker) State() breakerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
