// Package hook provides the runtime's syscall interposition layer: POSIX-
// shaped functions that behave like their blocking C library counterparts
// from a caller's perspective, but suspend the calling fiber instead of
// the OS thread underneath it while a descriptor is not yet ready.
//
// The runtime this package is ported from intercepts libc transparently
// via dlsym(RTLD_NEXT, ...), so that ordinary calls to read, write,
// connect, and friends are rewritten underneath existing code without it
// knowing. Go programs cannot hook libc symbol resolution from within the
// language, so this package instead exposes the same behavior as ordinary
// Go functions that a caller running inside a fiber calls explicitly in
// place of the corresponding package in the standard library. What
// carries over is the do_io pattern itself: attempt the syscall, and on
// EAGAIN register interest in the descriptor's readiness with the I/O
// manager, arm a timeout timer if one is configured, and yield — resuming
// either once the descriptor is ready or once the timeout fires.
package hook

import (
	"golang.org/x/sys/unix"

	"github.com/loopwire/fiberrt/fdctx"
	"github.com/loopwire/fiberrt/ioruntime"
)

// Env bundles the dependencies every function in this package needs:
// the I/O manager that will wait for descriptor readiness and timers on a
// fiber's behalf, and the table of per-descriptor hook state (nonblock
// flags, configured timeouts) that tells a hooked call whether to get out
// of the way and fall back to a direct syscall.
//
// A caller constructs one Env per [ioruntime.Manager] and threads it
// through every hook call, rather than this package reaching for either
// dependency through a package-level global.
type Env struct {
	Manager *ioruntime.Manager
	FDs     *fdctx.Table
}

// NewEnv constructs an Env from an already-running manager and descriptor
// table.
func NewEnv(m *ioruntime.Manager, fds *fdctx.Table) *Env {
	return &Env{Manager: m, FDs: fds}
}

// Socket records fd as a freshly created socket in the descriptor table
// and forces the real kernel descriptor into non-blocking mode, the
// bookkeeping step FdCtx::init performs in the runtime this package is
// ported from so that do_io can rely on EAGAIN rather than the descriptor
// ever actually blocking the OS thread underneath a fiber. The user-facing
// non-blocking flag is left at its default (blocking) until the caller
// explicitly asks for otherwise via [Env.SetNonblock].
func (e *Env) Socket(fd int) *fdctx.Context {
	fc := e.FDs.Put(fd, true)
	_ = unix.SetNonblock(fd, true)
	fc.SetSysNonblock(true)
	return fc
}

// Close cancels every pending event registered on fd and discards its
// descriptor state. Callers should still close the underlying descriptor
// themselves; Close only tears down this package's bookkeeping for it.
func (e *Env) Close(fd int) {
	e.Manager.CancelAll(fd)
	e.FDs.Del(fd)
}
