package proxy

import (
	"testing"
	"time"
)

func TestCircuitBreakerTripsAfterThreshold(t *testing.T) {
	cb := newCircuitBreaker(3, 10*time.Millisecond, time.Second)
	for i := 0; i < 2; i++ {
		if !cb.Allow() {
			t.Fatalf("expected Allow() before threshold reached")
		}
		cb.RecordFailure()
	}
	if cb.State() != breakerClosed {
		t.Fatalf("breaker should still be closed after 2/3 failures")
	}
	cb.RecordFailure()
	if cb.State() != breakerOpen {
		t.Fatalf("breaker should trip open after reaching failure threshold")
	}
	if cb.Allow() {
		t.Fatalf("Allow() should be false immediately after tripping")
	}
}

func TestCircuitBreakerCooldownDoublesOnRepeatedTrip(t *testing.T) {
	cb := newCircuitBreaker(1, 10*time.Millisecond, time.Second)
	cb.RecordFailure() // trips, cooldown stays at base (first trip)
	first := cb.cooldown
	if first != 10*time.Millisecond {
		t.Fatalf("expected base cooldown on first trip, got %v", first)
	}

	time.Sleep(first + 5*time.Millisecond)
	if !cb.Allow() {
		t.Fatalf("expected HalfOpen probe to be allowed after cooldown elapses")
	}
	cb.markHalfOpenAttempt()
	cb.RecordFailure() // fails during HalfOpen -> trips again, cooldown doubles
	second := cb.cooldown
	if second != 20*time.Millisecond {
		t.Fatalf("expected cooldown to double to 20ms on second trip, got %v", second)
	}

	time.Sleep(second + 5*time.Millisecond)
	if !cb.Allow() {
		t.Fatalf("expected HalfOpen probe to be allowed after second cooldown elapses")
	}
	cb.markHalfOpenAttempt()
	cb.RecordFailure()
	third := cb.cooldown
	if third != 40*time.Millisecond {
		t.Fatalf("expected cooldown to double again to 40ms, got %v", third)
	}
}

func TestCircuitBreakerCooldownCapsAtMax(t *testing.T) {
	cb := newCircuitBreaker(1, 100*time.Millisecond, 150*time.Millisecond)
	cb.RecordFailure()
	time.Sleep(cb.cooldown + 5*time.Millisecond)
	cb.Allow()
	cb.markHalfOpenAttempt()
	cb.RecordFailure() // would double to 200ms, capped to 150ms
	if cb.cooldown != 150*time.Millisecond {
		t.Fatalf("expected cooldown capped at 150ms, got %v", cb.cooldown)
	}
}

func TestCircuitBreakerDecaysFailuresOutsideWindow(t *testing.T) {
	cb := newCircuitBreakerWindow(3, 10*time.Millisecond, time.Second, 20*time.Millisecond)
	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != breakerClosed {
		t.Fatalf("breaker should still be closed after 2/3 failures")
	}

	time.Sleep(25 * time.Millisecond) // let the window expire
	cb.RecordFailure()
	if cb.State() != breakerClosed {
		t.Fatalf("failures outside the window should have decayed; breaker should remain closed")
	}

	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != breakerOpen {
		t.Fatalf("3 failures within the window should trip the breaker")
	}
}

func TestCircuitBreakerResetsOnSuccess(t *testing.T) {
	cb := newCircuitBreaker(1, 10*time.Millisecond, time.Second)
	cb.RecordFailure()
	time.Sleep(15 * time.Millisecond)
	if !cb.Allow() {
		t.Fatalf("expected HalfOpen probe allowed")
	}
	cb.markHalfOpenAttempt()
	cb.RecordSuccess()
	if cb.State() != breakerClosed {
		t.Fatalf("expected breaker closed after successful HalfOpen probe")
	}
	if cb.cooldown != 10*time.Millisecond {
		t.Fatalf("expected cooldown reset to base after recovery, got %v", cb.cooldown)
	}
}
