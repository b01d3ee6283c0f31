// Package sched implements the M:N scheduler: a pool of OS threads that
// pull fiber-shaped tasks off a shared FIFO queue and run them to their
// next yield point.
//
// The structure mirrors the distilled spec's scheduler closely: a named
// pool of worker threads, an optional "use caller" thread that runs the
// pool's dispatch loop on whatever goroutine started the scheduler instead
// of spawning an extra one, a task queue guarded by a single mutex, and a
// small set of overridable behaviors (how to wake a sleeping worker, what a
// worker does with no task to run, when the scheduler is allowed to stop)
// that the I/O manager built on top of this package replaces wholesale —
// the same idle/tickle/stopping override points the scheduler this package
// is ported from exposes to its own I/O-aware subclass.
package sched

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/loopwire/fiberrt/fiber"
	"github.com/loopwire/fiberrt/internal/osthread"
)

// Hooks lets a caller override what a worker thread does when it finds no
// task to run, how a sleeping worker is woken, and when the scheduler is
// allowed to consider itself drained. A [DefaultHooks] from
// [NewDefaultHooks] is used when a [Scheduler] is constructed without
// explicit hooks; the I/O
// manager supplies its own implementation so that "idle" means "block in
// epoll_wait" instead of "sleep on a condition variable".
type Hooks interface {
	// Idle is called by a worker thread with no task to run. It should
	// block until there is new work, the scheduler is tickled, or ctx is
	// done.
	Idle(ctx context.Context)
	// Tickle wakes every worker currently blocked in Idle.
	Tickle()
	// Stopping reports whether the scheduler may stop even though this
	// hook's owner might still have outstanding work of its own (e.g.
	// pending I/O registrations). The scheduler only stops once both its
	// own task queue is empty and Stopping reports true.
	Stopping() bool
}

// DefaultHooks is the scheduler's own idle/tickle/stopping behavior: sleep
// on a condition variable until tickled.
type DefaultHooks struct {
	mu   sync.Mutex
	cond *sync.Cond
}

// NewDefaultHooks constructs a ready-to-use [DefaultHooks].
func NewDefaultHooks() *DefaultHooks {
	h := &DefaultHooks{}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// Idle implements [Hooks].
func (h *DefaultHooks) Idle(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	h.cond.Wait()
}

// Tickle implements [Hooks].
func (h *DefaultHooks) Tickle() {
	h.mu.Lock()
	h.cond.Broadcast()
	h.mu.Unlock()
}

// Stopping implements [Hooks]. The default hooks have no outstanding work
// of their own, so they never block a shutdown.
func (h *DefaultHooks) Stopping() bool { return true }

// task is one unit of work: either an already-constructed fiber to resume,
// or a plain callback to wrap in a fresh, single-use fiber before running
// it, so that every task runs with the same fiber-local context regardless
// of how it was scheduled.
type task struct {
	handle *fiber.Handle
	cb     func(ctx context.Context)
	thread int // -1 for "any worker"
}

// Scheduler is a named pool of worker threads sharing one FIFO task queue.
type Scheduler struct {
	name string

	mu    sync.Mutex
	tasks *queue.Queue

	hooks Hooks

	threads      []*osthread.Thread
	threadIDs    []int
	threadCount  int
	useCaller    bool
	callerHandle *fiber.Handle
	rootThreadID int

	active atomic.Int64
	idle   atomic.Int64

	stopping atomic.Bool
	started  atomic.Bool
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	logger *slog.Logger

	// defaultStackHint is recorded on every fiber this scheduler spawns to
	// wrap a plain callback. It is advisory only - Go grows goroutine
	// stacks on demand - but is threaded through so a configured value
	// reaches [fiber.Spawn] the same way a real stack size would.
	defaultStackHint int
}

// Option configures a [Scheduler] at construction time.
type Option func(*Scheduler)

// WithHooks overrides the scheduler's idle/tickle/stopping behavior.
func WithHooks(h Hooks) Option {
	return func(s *Scheduler) { s.hooks = h }
}

// WithLogger attaches a structured logger; the zero value falls back to
// [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithDefaultStackHint sets the stack-size hint recorded on every fiber
// spawned to wrap a plain callback task.
func WithDefaultStackHint(n int) Option {
	return func(s *Scheduler) { s.defaultStackHint = n }
}

// DefaultWorkerCount returns GOMAXPROCS as adjusted by
// [go.uber.org/automaxprocs], the same container-aware default the rest of
// the ambient stack uses for sizing worker pools.
func DefaultWorkerCount() int {
	// Set adjusts GOMAXPROCS for the container's CPU quota and is meant to
	// be left in effect for the life of the process, so its undo is
	// intentionally discarded here.
	_, _ = maxprocs.Set(maxprocs.Logger(func(string, ...any) {}))
	if n := runtime.GOMAXPROCS(0); n > 0 {
		return n
	}
	return 1
}

// New constructs a Scheduler with a pool of threadCount worker threads
// (at least one). If useCaller is true, the goroutine that calls
// [Scheduler.Run] is one of them and only threadCount-1 threads are
// spawned, exactly as the scheduler this package is ported from folds the
// constructing thread into its own pool rather than leaving it idle.
func New(name string, threadCount int, useCaller bool, opts ...Option) *Scheduler {
	if threadCount < 1 {
		threadCount = 1
	}
	s := &Scheduler{
		name:         name,
		tasks:        queue.New(),
		threadCount:  threadCount,
		useCaller:    useCaller,
		rootThreadID: -1,
		hooks:        NewDefaultHooks(),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the scheduler's name.
func (s *Scheduler) Name() string { return s.name }

// Schedule enqueues an already-constructed, participating fiber for a
// worker to resume. thread pins the task to a specific worker OS thread id
// recorded in [Scheduler.ThreadIDs], or -1 to let any worker take it.
func (s *Scheduler) Schedule(h *fiber.Handle, thread int) {
	s.enqueue(task{handle: h, thread: thread})
}

// ScheduleFunc enqueues a plain callback to be run inside a fresh fiber by
// whichever worker dequeues it.
func (s *Scheduler) ScheduleFunc(cb func(ctx context.Context), thread int) {
	s.enqueue(task{cb: cb, thread: thread})
}

func (s *Scheduler) enqueue(t task) {
	s.mu.Lock()
	needTickle := s.tasks.Length() == 0
	s.tasks.Add(t)
	s.mu.Unlock()

	if needTickle {
		s.hooks.Tickle()
	}
}

// ThreadIDs returns the OS thread ids of every worker, including the
// caller's thread if useCaller was set, once [Scheduler.Run] has started
// them.
func (s *Scheduler) ThreadIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int, len(s.threadIDs))
	copy(ids, s.threadIDs)
	return ids
}

// ActiveWorkers returns the number of workers currently running a task.
func (s *Scheduler) ActiveWorkers() int64 { return s.active.Load() }

// IdleWorkers returns the number of workers currently blocked in the idle
// hook.
func (s *Scheduler) IdleWorkers() int64 { return s.idle.Load() }

// HasIdleWorkers reports whether any worker is currently idle.
func (s *Scheduler) HasIdleWorkers() bool { return s.IdleWorkers() > 0 }

// Run starts every worker thread, folding the calling goroutine in as one
// of them if the scheduler was constructed with useCaller, and blocks
// until [Scheduler.Stop] has been called and every worker has drained.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.started.Swap(true) {
		return fmt.Errorf("sched: %s already running", s.name)
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	defer s.cancel()

	extra := s.threadCount
	if s.useCaller {
		extra--
	}

	s.mu.Lock()
	for i := 0; i < extra; i++ {
		idx := i
		th := osthread.Spawn(fmt.Sprintf("%s-worker-%d", s.name, idx), func() {
			s.workerLoop(osthread.CurrentID(), false)
		})
		s.threads = append(s.threads, th)
		s.threadIDs = append(s.threadIDs, th.ID())
	}
	s.mu.Unlock()

	if s.useCaller {
		rootID := osthread.CurrentID()
		s.mu.Lock()
		s.rootThreadID = rootID
		s.threadIDs = append(s.threadIDs, rootID)
		s.mu.Unlock()

		s.callerHandle = fiber.NewBootstrap()
		s.workerLoop(rootID, true)
	}
	for _, th := range s.threads {
		th.Join()
	}
	s.wg.Wait()
	return nil
}

// Stop signals every worker to drain its remaining tasks and exit. It does
// not block; call [Scheduler.Run] and let it return, or wait on a
// caller-supplied mechanism, to know shutdown has completed.
func (s *Scheduler) Stop() {
	if s.stopping.Swap(true) {
		return
	}
	s.logger.Debug("scheduler stopping", slog.String("name", s.name))
	if s.cancel != nil {
		s.cancel()
	}
	s.hooks.Tickle()
}

func (s *Scheduler) stoppingNow() bool {
	if !s.stopping.Load() {
		return false
	}
	s.mu.Lock()
	empty := s.tasks.Length() == 0
	s.mu.Unlock()
	return empty && s.hooks.Stopping()
}

// workerLoop is the body every worker OS thread, including the folded-in
// caller thread, runs: dequeue a task and run it, or block in the idle
// hook, until the scheduler is stopping and drained.
func (s *Scheduler) workerLoop(threadID int, isCaller bool) {
	self := s.callerHandle
	if !isCaller {
		self = fiber.NewBootstrap()
	}

	for {
		t, ok := s.dequeue(threadID)
		if ok {
			s.active.Add(1)
			s.runTask(t, self)
			s.active.Add(-1)
			continue
		}

		if s.stoppingNow() {
			return
		}

		s.idle.Add(1)
		s.hooks.Idle(s.ctx)
		s.idle.Add(-1)

		if s.stoppingNow() {
			return
		}
	}
}

func (s *Scheduler) dequeue(threadID int) (task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.tasks.Length()
	for i := 0; i < n; i++ {
		t := s.tasks.Peek().(task)
		s.tasks.Remove()
		if t.thread == -1 || t.thread == threadID {
			return t, true
		}
		// Not for this thread: put it back at the tail.
		s.tasks.Add(t)
	}
	return task{}, false
}

func (s *Scheduler) runTask(t task, self *fiber.Handle) {
	h := t.handle
	if h == nil {
		h = fiber.Spawn(s.ctx, t.cb, s.defaultStackHint, true)
	}
	if h.State() != fiber.Ready {
		s.logger.Warn("sched: skipping task fiber in unexpected state",
			slog.String("name", s.name), slog.String("state", h.State().String()))
		return
	}
	h.Resume(self)
}
