package ioruntime

import (
	"context"
	"sync"

	"github.com/loopwire/fiberrt/fiber"
)

// Event is a bitmask of the descriptor readiness conditions the manager can
// wait for, mirroring the subset of epoll event types the runtime this
// package is ported from cares about.
type Event int

const (
	EventNone  Event = 0
	EventRead  Event = 1 << 0
	EventWrite Event = 1 << 1
)

func (e Event) String() string {
	switch e {
	case EventNone:
		return "NONE"
	case EventRead:
		return "READ"
	case EventWrite:
		return "WRITE"
	case EventRead | EventWrite:
		return "READ|WRITE"
	default:
		return "INVALID"
	}
}

// eventContext is what fires once its descriptor becomes ready: either the
// fiber that was blocked waiting for it, or a plain callback. Exactly one
// of the two is ever set.
type eventContext struct {
	fiber *fiber.Handle
	cb    func(ctx context.Context)
}

func (ec *eventContext) reset() {
	ec.fiber = nil
	ec.cb = nil
}

func (ec *eventContext) empty() bool {
	return ec.fiber == nil && ec.cb == nil
}

// fdContext is the per-descriptor epoll registration record: which events
// are currently registered with the poller, and what to run once each
// fires. It is distinct from [github.com/loopwire/fiberrt/fdctx.Context],
// which tracks the hook layer's view of a descriptor (its nonblock flags
// and configured timeouts) rather than its scheduler-level registration.
//
// mu guards events, read, and write. It is acquired only after the
// manager's table-level lock has already been released, so that a
// concurrent registration or firing on the same descriptor from a
// different worker never races on this record's bitmask or slots.
type fdContext struct {
	mu     sync.Mutex
	fd     int
	events Event
	read   eventContext
	write  eventContext
}

func (c *fdContext) contextFor(ev Event) *eventContext {
	if ev == EventRead {
		return &c.read
	}
	return &c.write
}
