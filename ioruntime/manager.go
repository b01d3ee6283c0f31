// Package ioruntime implements the epoll-backed I/O manager: an M:N
// scheduler (see [github.com/loopwire/fiberrt/sched]) whose idle workers
// wait in epoll_wait instead of sleeping on a condition variable, plus a
// timer heap (see [github.com/loopwire/fiberrt/timer]) whose soonest
// deadline bounds how long that wait is allowed to run.
//
// This composition — scheduler and timer manager combined through the
// scheduler's idle/tickle/stopping override points — is ported directly
// from the IOManager this package is grounded on, which itself inherits
// from both its Scheduler and its TimerManager. Go has no multiple
// inheritance, so [Manager] instead embeds a *[sched.Scheduler] and holds
// a *[timer.Heap], and satisfies [sched.Hooks] itself to plug into the
// scheduler's override points.
package ioruntime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loopwire/fiberrt/fiber"
	"github.com/loopwire/fiberrt/sched"
	"github.com/loopwire/fiberrt/timer"
)

// ErrUnsupported is returned by descriptor-oriented operations on
// platforms with no native poller backing, i.e. anywhere the "linux" build
// tag does not apply.
var ErrUnsupported = errors.New("ioruntime: descriptor polling unsupported on this platform")

// ErrDuplicateEvent is returned by [Manager.AddEvent] when the requested
// event bit is already registered on the descriptor. A second registration
// for the same (fd, event) pair is not supported: it would silently orphan
// whichever fiber or callback was already waiting on it.
var ErrDuplicateEvent = errors.New("ioruntime: event already registered")

// defaultIdleTimeout bounds how long an idle worker waits in the poller
// when no timer is pending, unless overridden with [WithIdleTimeout].
const defaultIdleTimeout = 5 * time.Second

// readyFD is one descriptor the poller reported as ready, and which of its
// registered events fired.
type readyFD struct {
	fd     int
	events Event
}

// poller is the OS-specific half of the manager: registering descriptors,
// blocking until one becomes ready or a timeout elapses, and being woken
// early from another thread. epoll_linux.go and poller_other.go each
// provide one implementation of this interface.
type poller interface {
	add(fd int, ev Event) error
	modify(fd int, ev Event) error
	del(fd int) error
	wait(timeout time.Duration) ([]readyFD, error)
	wake() error
	close() error
}

// Manager is an I/O-aware scheduler: a pool of worker threads that run
// fiber-shaped tasks, where a thread with nothing else to do waits on
// readiness events and timers instead of going fully idle.
type Manager struct {
	*sched.Scheduler

	poller           poller
	timers           *timer.Heap
	logger           *slog.Logger
	idleTimeout      time.Duration
	defaultStackHint int

	mu       sync.RWMutex
	contexts []*fdContext

	pending atomic.Int64
}

// Option configures a [Manager] at construction time.
type Option func(*Manager)

// WithLogger attaches a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithIdleTimeout overrides how long an idle worker waits in the poller
// when no timer is pending.
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) { m.idleTimeout = d }
}

// WithDefaultStackHint forwards a stack-size hint to the underlying
// scheduler; see [sched.WithDefaultStackHint].
func WithDefaultStackHint(n int) Option {
	return func(m *Manager) { m.defaultStackHint = n }
}

// New constructs a Manager backed by the platform's native poller, with
// threadCount scheduler workers.
func New(name string, threadCount int, useCaller bool, opts ...Option) (*Manager, error) {
	p, err := newPoller()
	if err != nil {
		return nil, fmt.Errorf("ioruntime: %w", err)
	}

	m := &Manager{
		poller:      p,
		timers:      timer.New(),
		logger:      slog.Default(),
		idleTimeout: defaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.Scheduler = sched.New(name, threadCount, useCaller,
		sched.WithHooks(m), sched.WithLogger(m.logger), sched.WithDefaultStackHint(m.defaultStackHint))
	m.timers.OnFrontChanged = m.Tickle
	return m, nil
}

// Timers exposes the manager's timer heap so callers (the hook package's
// Sleep family, primarily) can schedule and cancel deadlines directly.
func (m *Manager) Timers() *timer.Heap { return m.timers }

// AddEvent registers fd to be woken for ev. If cb is nil, the fiber found
// in ctx is captured and rescheduled once the event fires — the pattern
// the hook package's blocking-call interception relies on. If cb is
// non-nil, it runs in a fresh fiber once the event fires, and ctx is not
// used; no fiber is captured.
//
// Registering an event bit that is already armed on fd fails with
// [ErrDuplicateEvent] and leaves the descriptor's state untouched, rather
// than overwriting whatever fiber or callback was already waiting on it.
func (m *Manager) AddEvent(ctx context.Context, fd int, ev Event, cb func(ctx context.Context)) error {
	fc := m.contextFor(fd, true)

	fc.mu.Lock()
	defer fc.mu.Unlock()

	if fc.events&ev != 0 {
		return ErrDuplicateEvent
	}
	fc.events |= ev

	target := fc.contextFor(ev)
	if cb != nil {
		target.cb = cb
	} else {
		target.fiber = fiber.FromContext(ctx)
	}

	m.pending.Add(1)

	if fc.events == ev {
		return m.poller.add(fd, fc.events)
	}
	return m.poller.modify(fd, fc.events)
}

// DelEvent unregisters ev from fd without running its callback. It reports
// whether the event had been registered.
func (m *Manager) DelEvent(fd int, ev Event) bool {
	fc := m.contextAt(fd)
	if fc == nil {
		return false
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()

	if fc.events&ev == 0 {
		return false
	}

	fc.events &^= ev
	fc.contextFor(ev).reset()
	m.pending.Add(-1)

	if fc.events == EventNone {
		_ = m.poller.del(fd)
	} else {
		_ = m.poller.modify(fd, fc.events)
	}
	return true
}

// CancelEvent unregisters ev from fd and hands whatever was waiting on it
// to the scheduler's task queue, exactly as if the event had fired.
func (m *Manager) CancelEvent(fd int, ev Event) bool {
	fc := m.contextAt(fd)
	if fc == nil {
		return false
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()

	if fc.events&ev == 0 {
		return false
	}
	m.fireLocked(fc, ev)
	return true
}

// CancelAll unregisters every event on fd and hands whatever was waiting on
// each of them to the scheduler's task queue.
func (m *Manager) CancelAll(fd int) bool {
	fc := m.contextAt(fd)
	if fc == nil {
		return false
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()

	if fc.events == EventNone {
		return false
	}
	for _, ev := range [...]Event{EventRead, EventWrite} {
		if fc.events&ev != 0 {
			m.fireLocked(fc, ev)
		}
	}
	return true
}

// fireLocked schedules the direction ev's waiting fiber or callback and
// updates the kernel registration to match. Callers must hold fc.mu.
func (m *Manager) fireLocked(fc *fdContext, ev Event) {
	fc.events &^= ev
	target := fc.contextFor(ev)
	m.dispatch(*target)
	target.reset()
	m.pending.Add(-1)

	if fc.events == EventNone {
		_ = m.poller.del(fc.fd)
	} else {
		_ = m.poller.modify(fc.fd, fc.events)
	}
}

func (m *Manager) dispatch(ec eventContext) {
	switch {
	case ec.fiber != nil:
		m.Scheduler.Schedule(ec.fiber, -1)
	case ec.cb != nil:
		m.Scheduler.ScheduleFunc(ec.cb, -1)
	}
}

func (m *Manager) contextAt(fd int) *fdContext {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if fd < 0 || fd >= len(m.contexts) {
		return nil
	}
	return m.contexts[fd]
}

func (m *Manager) contextFor(fd int, autoCreate bool) *fdContext {
	if fc := m.contextAt(fd); fc != nil {
		return fc
	}
	if !autoCreate {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if fd < len(m.contexts) && m.contexts[fd] != nil {
		return m.contexts[fd]
	}
	m.growLocked(fd)
	fc := &fdContext{fd: fd}
	m.contexts[fd] = fc
	return fc
}

// growLocked doubles the contexts slice until it can hold fd, the same
// resize-until-sufficient policy used by the hook layer's descriptor
// table, so that opening many descriptors in sequence amortizes its
// reallocations instead of paying for one on every single descriptor.
func (m *Manager) growLocked(fd int) {
	if fd < len(m.contexts) {
		return
	}
	newLen := len(m.contexts)
	if newLen == 0 {
		newLen = 64
	}
	for newLen <= fd {
		newLen *= 2
	}
	grown := make([]*fdContext, newLen)
	copy(grown, m.contexts)
	m.contexts = grown
}

// Idle implements [sched.Hooks]. It is what an otherwise-idle worker
// thread runs instead of sleeping on a condition variable: wait in the
// poller for either a descriptor event or the next timer deadline,
// dispatch whatever fired, and run any timers that are now due.
func (m *Manager) Idle(ctx context.Context) {
	timeout := m.idleTimeout
	if next := m.timers.NextTimeout(); next >= 0 && next < timeout {
		timeout = next
	}

	ready, err := m.poller.wait(timeout)
	if err != nil {
		m.logger.Warn("ioruntime: poller wait failed", slog.Any("error", err))
		return
	}

	for _, r := range ready {
		fc := m.contextAt(r.fd)
		if fc == nil {
			continue
		}
		fc.mu.Lock()
		for _, ev := range [...]Event{EventRead, EventWrite} {
			if r.events&ev != 0 && fc.events&ev != 0 {
				m.fireLocked(fc, ev)
			}
		}
		fc.mu.Unlock()
	}

	for _, cb := range m.timers.Expired() {
		cb()
	}
}

// Tickle implements [sched.Hooks] by waking the poller from whatever
// thread is currently blocked in it, the same "write to an eventfd to
// break epoll_wait" trick as the poller this package is grounded on.
func (m *Manager) Tickle() {
	if err := m.poller.wake(); err != nil {
		m.logger.Warn("ioruntime: wake failed", slog.Any("error", err))
	}
}

// Stopping implements [sched.Hooks]: the manager only allows a shutdown
// once it has no pending descriptor events and no pending timers of its
// own, on top of whatever condition the scheduler itself requires.
func (m *Manager) Stopping() bool {
	return m.pending.Load() == 0 && m.timers.Empty()
}

// Close releases the underlying poller. Call it after [sched.Scheduler.Run]
// has returned.
func (m *Manager) Close() error {
	return m.poller.close()
}
