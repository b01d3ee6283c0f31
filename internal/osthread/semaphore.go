// Package osthread provides the thread primitive the scheduler is built on:
// an OS-thread-pinned goroutine whose birth is synchronized with a counted
// semaphore, publishing the OS-assigned thread id once alive.
package osthread

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// semCapacity bounds how far a [Semaphore] can count ahead of its waiters.
// It is large enough that no caller of Signal will ever observe it as a real
// limit; the birth handshake this type exists for only ever needs a count of
// one outstanding signal at a time.
const semCapacity = 1 << 30

// Semaphore is a counted semaphore: Wait decrements it, blocking while it is
// zero; Signal increments it and wakes one waiter. It is built on
// [golang.org/x/sync/semaphore.Weighted] by starting the weighted semaphore
// fully acquired, so that an available count of zero is the initial state.
type Semaphore struct {
	sem *semaphore.Weighted
}

// NewSemaphore constructs a [Semaphore] with an initial count of zero.
func NewSemaphore() *Semaphore {
	sem := semaphore.NewWeighted(semCapacity)
	if err := sem.Acquire(context.Background(), semCapacity); err != nil {
		// Acquiring the full, uncontended capacity of a freshly created
		// semaphore cannot fail.
		panic(err)
	}
	return &Semaphore{sem: sem}
}

// Wait decrements the semaphore, blocking until it is positive.
func (s *Semaphore) Wait(ctx context.Context) error {
	return s.sem.Acquire(ctx, 1)
}

// Signal increments the semaphore and wakes one waiter, if any.
func (s *Semaphore) Signal() {
	s.sem.Release(1)
}
