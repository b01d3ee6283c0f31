package hook

import (
	"context"
	"errors"
	"time"

	"github.com/loopwire/fiberrt/fdctx"
	"github.com/loopwire/fiberrt/fiber"
	"github.com/loopwire/fiberrt/ioruntime"
	"github.com/loopwire/fiberrt/timer"
	"golang.org/x/sys/unix"
)

// doIO is the shared retry-and-suspend loop every blocking-call wrapper in
// this package funnels through: try op, retry immediately on EINTR, and on
// EAGAIN register fd for ev and suspend the calling fiber until it becomes
// ready or a configured timeout fires.
//
// Only descriptors the hook layer's own table has recorded as sockets, and
// that the caller has not explicitly put in O_NONBLOCK themselves, are
// intercepted this way; anything else falls through to op with no
// suspension, exactly as the runtime this package is ported from only
// rewrites socket I/O and leaves ordinary file descriptors alone.
func doIO(ctx context.Context, e *Env, fd int, ev ioruntime.Event, kind fdctx.TimeoutKind, op func() (int, error)) (int, error) {
	fc := e.FDs.Get(fd, false)
	if fc == nil {
		return op()
	}
	if fc.Closed() {
		return 0, ErrClosed
	}
	if !fc.IsSocket() || fc.UserNonblock() {
		return op()
	}

	for {
		n, err := op()
		if err == nil {
			return n, nil
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EWOULDBLOCK) {
			return n, err
		}

		if werr := waitForEvent(ctx, e, fd, ev, kind); werr != nil {
			return 0, werr
		}
		// Either the event fired or the wait returned with no timeout
		// configured having elapsed; either way, retry the syscall.
	}
}

// waitForEvent registers fd for ev, arming a timer from the descriptor's
// configured timeout if one is set, then suspends the calling fiber. It
// returns [ErrTimeout] if the timer — rather than the event itself —
// is what woke the fiber.
func waitForEvent(ctx context.Context, e *Env, fd int, ev ioruntime.Event, kind fdctx.TimeoutKind) error {
	var timeoutMS int64 = fdctx.NoTimeout
	if fc := e.FDs.Get(fd, false); fc != nil {
		timeoutMS = fc.Timeout(kind)
	}

	var timedOut bool
	var deadline *timer.Timer
	if timeoutMS != fdctx.NoTimeout {
		self := fiber.FromContext(ctx)
		deadline = e.Manager.Timers().Add(time.Duration(timeoutMS)*time.Millisecond, false, func() {
			// Unregister first and set timedOut before rescheduling the
			// fiber, so the write happens before the fiber can observe it.
			if e.Manager.DelEvent(fd, ev) {
				timedOut = true
				e.Manager.Schedule(self, -1)
			}
		})
	}

	if err := e.Manager.AddEvent(ctx, fd, ev, nil); err != nil {
		if deadline != nil {
			deadline.Cancel()
		}
		return err
	}

	fiber.Yield(ctx)

	if deadline != nil {
		deadline.Cancel()
	}
	if timedOut {
		return ErrTimeout
	}
	return nil
}
