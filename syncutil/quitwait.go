package syncutil

import (
	"context"
	"time"
)

// WaitResult distinguishes the four outcomes a quit-aware wait can produce.
// QuitObserved always takes priority over the composed waitable when both
// are ready at the same instant.
type WaitResult int

const (
	// QuitObserved means the quit event was signalled; the caller must not
	// assume the other waitable was acquired.
	QuitObserved WaitResult = iota
	// Acquired means the composed waitable (event or semaphore) fired
	// first.
	Acquired
	// Abandoned means the wait was released because a limit was already
	// reached (e.g. the dump cap), distinct from a timeout.
	Abandoned
	// TimedOut means neither quit nor the waitable fired within the
	// deadline.
	TimedOut
)

// WaitForQuitOrEvent composes quit with a secondary Event, giving quit
// priority when both are signalled simultaneously. timeout <= 0 means wait
// indefinitely.
func WaitForQuitOrEvent(ctx context.Context, quit *Event, ev *Event, timeout time.Duration) WaitResult {
	if quit.IsSet() {
		return QuitObserved
	}
	if ev.IsSet() {
		return Acquired
	}

	waitCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case <-quit.Chan():
		return QuitObserved
	case <-ev.Chan():
		// Quit may have raced in concurrently with the event firing;
		// quit always wins when both are ready.
		if quit.IsSet() {
			return QuitObserved
		}
		return Acquired
	case <-waitCtx.Done():
		if quit.IsSet() {
			return QuitObserved
		}
		if ctx.Err() != nil {
			return QuitObserved
		}
		return TimedOut
	}
}

// WaitForQuitOrSemaphore composes quit with acquiring a dump-slot permit.
// abandoned is a caller-supplied predicate (e.g. the dump cap already
// reached), checked once before waiting; when it holds the result is
// Abandoned, so callers can tell "gave up because the job is done" apart
// from quit.
func WaitForQuitOrSemaphore(ctx context.Context, quit *Event, sem *Semaphore, abandoned func() bool) WaitResult {
	if quit.IsSet() {
		return QuitObserved
	}
	if abandoned != nil && abandoned() {
		return Abandoned
	}

	acquired := make(chan struct{})
	acquireCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		if err := sem.Acquire(acquireCtx); err == nil {
			close(acquired)
		}
	}()

	select {
	case <-quit.Chan():
		return QuitObserved
	case <-acquired:
		if quit.IsSet() {
			sem.Release()
			return QuitObserved
		}
		return Acquired
	}
}

// WaitInterval blocks for d, returning early the instant quit is set or ctx
// is done. This is spec.md §4.4's "wait PollingInterval against quit-event
// # returns immediately on quit" used by every trigger's polling loop. The
// returned bool reports whether the wait ended because of quit/ctx rather
// than the interval elapsing, so callers know to stop polling.
func WaitInterval(ctx context.Context, quit *Event, d time.Duration) (stop bool) {
	if quit.IsSet() {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-quit.Chan():
		return true
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}
