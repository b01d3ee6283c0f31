// Package fiber implements a stackful, non-preemptive coroutine primitive.
//
// A [Handle] is realized as a parked goroutine with its own Go stack plus a
// pair of rendezvous channels that stand in for the saved CPU context a
// ucontext-based implementation would swap. Exactly one side of that
// handshake is ever runnable at a time, which gives the same "at most one
// RUNNING fiber per caller" invariant a real context switch would, without
// assembly.
//
// The original this package is ported from identifies "the currently
// running fiber" through a thread-local GetThis(); Go gives goroutines no
// comparable, safe thread affinity once they have blocked on a channel, so
// this package follows the same pattern [context.Context] already uses
// throughout the retrieved asyncio-flavoured runtime this module is
// grounded on: a fiber's own [Handle] travels down the call stack as a
// context value rather than through ambient per-thread state.
package fiber

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// State is a fiber's position in its lifecycle.
type State int32

const (
	// Ready means the fiber is not currently running but may be resumed.
	Ready State = iota
	// Running means the fiber is the one currently executing.
	Running
	// Term means the fiber's entry callable has returned; it will not run
	// again until [Reset].
	Term
)

func (s State) String() string {
	switch s {
	case Ready:
		return "READY"
	case Running:
		return "RUNNING"
	case Term:
		return "TERM"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ID uniquely and monotonically identifies a fiber for the lifetime of the
// process.
type ID uint64

var nextID atomic.Uint64

// Handle is a single fiber: an independent Go stack plus the bookkeeping
// needed to suspend and resume it cooperatively.
//
// A Handle created by [NewBootstrap] has no backing goroutine of its own: it
// represents the native stack of whichever goroutine created it, exactly as
// the thread-bootstrap fiber in the original has no stack of its own.
type Handle struct {
	id           ID
	state        atomic.Int32
	participates bool
	stackHint    int

	// mu serializes Resume against Reset, the fiber-local lock called out in
	// the data model.
	mu sync.Mutex

	entryMu sync.Mutex
	entry   func(ctx context.Context)

	// in is the baton a spawned fiber's backing goroutine parks on between
	// runs; Resume sends on it to wake the fiber. It is nil for a bootstrap
	// handle, which has no backing goroutine to wake.
	in chan struct{}

	// wake is the channel Resume blocks on after handing off control, and
	// that yieldTo signals to hand control back.
	wake chan struct{}

	// partner is the fiber to yield back to: whoever most recently resumed
	// this one. It is written by Resume strictly before the corresponding
	// send on in, and read by the fiber's own goroutine strictly after the
	// matching receive, so the channel operation around it establishes the
	// happens-before relationship that makes the plain field safe to share
	// across the two goroutines involved in one switch.
	partner *Handle
}

type ctxKey struct{}

// FromContext returns the fiber whose execution ctx was derived from. It
// panics if ctx carries no fiber, mirroring the ambient "current loop"
// lookup the asyncio-flavoured runtime this package is grounded on uses for
// its own event loop handle.
func FromContext(ctx context.Context) *Handle {
	h, _ := ctx.Value(ctxKey{}).(*Handle)
	if h == nil {
		panic("fiber: no fiber handle in context")
	}
	return h
}

// NewBootstrap constructs a fiber representing the native stack of the
// calling goroutine. It starts RUNNING, since it is by construction the
// code currently executing, and has no entry callable of its own.
func NewBootstrap() *Handle {
	h := &Handle{
		id:   ID(nextID.Add(1)),
		wake: make(chan struct{}),
	}
	h.state.Store(int32(Running))
	return h
}

// Spawn allocates a new fiber with the given entry point and starts its
// backing goroutine, which immediately parks waiting for the first Resume.
//
// stackHint is advisory only: Go goroutine stacks grow on demand, so unlike
// the ucontext-based runtime this one is ported from, Spawn never
// pre-allocates stackHint bytes; it is retained purely as metadata on the
// handle.
//
// participatesInScheduling records whether this fiber is one the scheduler
// dispatches (the scheduler spawns every task fiber with true). It is only
// recorded and reported back: see [Handle.Participates].
func Spawn(parent context.Context, entry func(ctx context.Context), stackHint int, participatesInScheduling bool) *Handle {
	h := &Handle{
		id:           ID(nextID.Add(1)),
		entry:        entry,
		participates: participatesInScheduling,
		stackHint:    stackHint,
		in:           make(chan struct{}),
		wake:         make(chan struct{}),
	}
	h.state.Store(int32(Ready))

	go h.loop(parent)
	return h
}

// loop is the backing goroutine's body: the entry trampoline. It waits for
// a resume, runs the entry callable exactly once per (re)set, clears it,
// marks TERM, and performs the terminal yield — then parks again so a
// future [Reset] can reuse this exact goroutine and Go stack instead of
// spawning a new one.
func (h *Handle) loop(parent context.Context) {
	ctx := context.WithValue(parent, ctxKey{}, h)
	for range h.in {
		h.entryMu.Lock()
		entry := h.entry
		h.entryMu.Unlock()

		entry(ctx)

		h.entryMu.Lock()
		h.entry = nil
		h.entryMu.Unlock()
		h.state.Store(int32(Term))

		h.yieldTo(h.partner)
		// Control returns here only via the next Resume after Reset.
	}
}

// ID returns the fiber's identifier.
func (h *Handle) ID() ID { return h.id }

// State reports the fiber's current lifecycle state.
func (h *Handle) State() State { return State(h.state.Load()) }

// Participates reports the participatesInScheduling flag the fiber was
// spawned with. The hook package does not consult it: whether a descriptor
// operation is intercepted depends only on the descriptor's own recorded
// state, whichever fiber makes the call.
func (h *Handle) Participates() bool { return h.participates }

// Resume transitions a READY fiber to RUNNING and switches control into it.
// self identifies the calling fiber (the scheduler's own dedicated fiber,
// or its thread's bootstrap fiber); the resumed fiber will switch back to
// self when it next yields. The calling goroutine blocks until then.
func (h *Handle) Resume(self *Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.State() != Ready {
		panic(fmt.Sprintf("fiber: Resume requires READY, got %s", h.State()))
	}
	if h.in == nil {
		panic("fiber: Resume called on a handle with no backing goroutine")
	}

	h.partner = self
	h.state.Store(int32(Running))
	h.in <- struct{}{}
	<-self.wake
}

// yieldTo hands control to partner and, unless h has just become TERM,
// blocks until h is resumed again.
func (h *Handle) yieldTo(partner *Handle) {
	// Read the state before handing off: once partner runs it may Reset h
	// back to READY, and a TERM fiber must not wait here for that Resume.
	term := h.State() == Term
	partner.wake <- struct{}{}

	if !term {
		<-h.in
	}
}

// Yield suspends the fiber found in ctx, switching control back to whoever
// last resumed it and blocking until it is resumed again.
//
// Yield also accepts a TERM fiber, in which case it does not block
// afterward, since a TERM fiber never resumes without going through [Reset]
// first. The entry trampoline performs its own terminal yield through the
// same hand-off, without calling Yield.
func Yield(ctx context.Context) {
	h := FromContext(ctx)
	st := h.State()
	if st != Running && st != Term {
		panic(fmt.Sprintf("fiber: Yield requires RUNNING or TERM, got %s", st))
	}
	if st == Running {
		h.state.Store(int32(Ready))
	}
	h.yieldTo(h.partner)
}

// Reset rearms a TERM fiber with a new entry point, reusing its existing
// goroutine and Go stack rather than allocating a new one. It returns an
// error if h is not currently TERM.
func Reset(h *Handle, entry func(ctx context.Context)) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.State() != Term {
		return fmt.Errorf("fiber: Reset requires TERM, got %s", h.State())
	}
	h.entryMu.Lock()
	h.entry = entry
	h.entryMu.Unlock()
	h.state.Store(int32(Ready))
	return nil
}
