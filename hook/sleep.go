package hook

import (
	"context"
	"time"

	"github.com/loopwire/fiberrt/fiber"
)

// Sleep suspends the calling fiber for d by arming a one-shot timer that
// reschedules the fiber, then yielding — the same shape as the sleep,
// usleep, and nanosleep wrappers this function is ported from, which
// differ from each other only in the unit the caller's duration arrives
// in, collapsed here into a single [time.Duration] parameter.
func Sleep(ctx context.Context, e *Env, d time.Duration) {
	self := fiber.FromContext(ctx)
	e.Manager.Timers().Add(d, false, func() {
		e.Manager.Schedule(self, -1)
	})
	fiber.Yield(ctx)
}
