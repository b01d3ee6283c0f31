package osthread

import (
	"context"
	"runtime"

	"golang.org/x/sys/unix"
)

// Thread is an OS thread created for the lifetime of a single pinned
// goroutine. Spawn blocks until the new thread has recorded its
// OS-assigned id, so that a caller can never submit work addressed to a
// [Thread] before that id is published — the handshake the distilled spec
// calls out as necessary in §4.2.
type Thread struct {
	name string
	id   int
	born *Semaphore
	done chan struct{}
}

// Spawn launches fn on a brand new goroutine locked to its own OS thread via
// [runtime.LockOSThread], and returns once fn's thread has published its id.
func Spawn(name string, fn func()) *Thread {
	t := &Thread{
		name: name,
		born: NewSemaphore(),
		done: make(chan struct{}),
	}

	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		defer close(t.done)

		t.id = unix.Gettid()
		t.born.Signal()

		fn()
	}()

	// The handshake cannot fail; a background context is appropriate since
	// there is no deadline under which thread birth should be abandoned.
	_ = t.born.Wait(context.Background())
	return t
}

// ID returns the OS-assigned thread id. It is only valid after Spawn
// returns.
func (t *Thread) ID() int { return t.id }

// Name returns the name this thread was spawned with.
func (t *Thread) Name() string { return t.name }

// Join blocks until fn has returned.
func (t *Thread) Join() { <-t.done }

// CurrentID returns the calling goroutine's current OS thread id. Callers
// that care about thread affinity must first call [runtime.LockOSThread],
// otherwise the Go runtime is free to move the goroutine between calls.
func CurrentID() int { return unix.Gettid() }
