package syncutil

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Semaphore is a counted permit pool. It wraps golang.org/x/sync/semaphore
// so the dump-slot resource (spec: "bounded concurrency, initial permits =
// 1") gets a real, well-tested weighted semaphore underneath rather than a
// hand-rolled counter, while still exposing the Acquire/Release/TryAcquire
// shape the rest of the engine expects.
type Semaphore struct {
	w *semaphore.Weighted
}

// NewSemaphore creates a semaphore with n initial permits.
func NewSemaphore(n int64) *Semaphore {
	return &Semaphore{w: semaphore.NewWeighted(n)}
}

// Acquire blocks until a permit is available or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	return s.w.Acquire(ctx, 1)
}

// TryAcquire grabs a permit without blocking, reporting success.
func (s *Semaphore) TryAcquire() bool {
	return s.w.TryAcquire(1)
}

// Release returns a permit to the pool, potentially unblocking one waiter.
func (s *Semaphore) Release() {
	s.w.Release(1)
}
