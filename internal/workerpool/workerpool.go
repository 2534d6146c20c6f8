// Package workerpool provides the bounded blocking-worker pool from spec
// §5: request-handling goroutines must not perform blocking filesystem
// reads, large-body compression, or DNS resolution inline, so they hand
// that work to this pool instead. No teacher file isolates blocking work
// this way (piccolod's handlers run whatever they need inline), so this is
// grounded on the golang.org/x/sync/errgroup usage pattern visible across
// the broader example pack, paired with a buffered channel as the
// admission semaphore.
package workerpool

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Pool bounds concurrent blocking work to a fixed number of slots.
type Pool struct {
	sem chan struct{}
}

// New constructs a Pool with size slots. size <= 0 defaults to
// runtime.NumCPU(), matching the cooperative-worker default in spec §5.
func New(size int) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// Submit runs fn on a pool slot, blocking the caller until either a slot
// frees up or ctx is cancelled. The caller's goroutine is the one that
// actually runs fn — this only throttles how many run concurrently, it does
// not hand work to a separate goroutine pool.
func (p *Pool) Submit(ctx context.Context, fn func() error) error {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.sem }()
	return fn()
}

// Group runs a batch of blocking tasks concurrently, each admitted through
// the pool's semaphore, and returns the first error encountered (if any),
// cancelling the group's context for the rest per errgroup's usual
// fail-fast semantics.
func (p *Pool) Group(ctx context.Context, tasks ...func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		t := t
		g.Go(func() error {
			return p.Submit(gctx, func() error { return t(gctx) })
		})
	}
	return g.Wait()
}

// InUse reports how many slots are currently occupied.
func (p *Pool) InUse() int {
	return len(p.sem)
}

// Capacity reports the pool's total slot count.
func (p *Pool) Capacity() int {
	return cap(p.sem)
}
