package hook

import (
	"context"

	"github.com/loopwire/fiberrt/fdctx"
	"github.com/loopwire/fiberrt/ioruntime"
	"golang.org/x/sys/unix"
)

// Read behaves like unix.Read, except a socket fd with no data ready
// suspends the calling fiber until it is, or until fd's configured
// receive timeout elapses.
func (e *Env) Read(ctx context.Context, fd int, p []byte) (int, error) {
	return doIO(ctx, e, fd, ioruntime.EventRead, fdctx.RecvTimeout, func() (int, error) {
		return unix.Read(fd, p)
	})
}

// Write behaves like unix.Write, suspending on a full send buffer the same
// way [Env.Read] suspends on an empty receive buffer.
func (e *Env) Write(ctx context.Context, fd int, p []byte) (int, error) {
	return doIO(ctx, e, fd, ioruntime.EventWrite, fdctx.SendTimeout, func() (int, error) {
		return unix.Write(fd, p)
	})
}

// Recvfrom behaves like unix.Recvfrom.
func (e *Env) Recvfrom(ctx context.Context, fd int, p []byte, flags int) (n int, from unix.Sockaddr, err error) {
	_, err = doIO(ctx, e, fd, ioruntime.EventRead, fdctx.RecvTimeout, func() (int, error) {
		var innerErr error
		n, from, innerErr = unix.Recvfrom(fd, p, flags)
		return n, innerErr
	})
	return n, from, err
}

// Sendto behaves like unix.Sendto.
func (e *Env) Sendto(ctx context.Context, fd int, p []byte, to unix.Sockaddr, flags int) error {
	_, err := doIO(ctx, e, fd, ioruntime.EventWrite, fdctx.SendTimeout, func() (int, error) {
		return 0, unix.Sendto(fd, p, flags, to)
	})
	return err
}

// Accept behaves like unix.Accept, suspending the calling fiber while no
// connection is waiting instead of blocking the OS thread.
func (e *Env) Accept(ctx context.Context, fd int) (nfd int, sa unix.Sockaddr, err error) {
	_, err = doIO(ctx, e, fd, ioruntime.EventRead, fdctx.RecvTimeout, func() (int, error) {
		var innerErr error
		nfd, sa, innerErr = unix.Accept(fd)
		return nfd, innerErr
	})
	if err == nil {
		e.Socket(nfd)
	}
	return nfd, sa, err
}

// CloseFD cancels any pending events and hook state on fd, then closes it.
func (e *Env) CloseFD(fd int) error {
	e.Close(fd)
	return unix.Close(fd)
}

// SetNonblock records the caller's own O_NONBLOCK request independently
// of whatever non-blocking mode the runtime itself imposes on fd for
// interception purposes, mirroring the distinction the fcntl(F_SETFL)
// wrapper in the runtime this package is ported from draws between
// user-requested and hook-imposed non-blocking state. The real kernel
// descriptor is always forced non-blocking regardless of nonblocking's
// value, since do_io's EAGAIN-based suspension depends on it; only the
// user-facing view, reported back by [Env.Nonblock], tracks what the
// caller actually asked for.
func (e *Env) SetNonblock(fd int, nonblocking bool) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return err
	}
	if fc := e.FDs.Get(fd, true); fc != nil {
		fc.SetSysNonblock(true)
		fc.SetUserNonblock(nonblocking)
	}
	return nil
}

// Nonblock reports the caller-requested O_NONBLOCK state for fd, falling
// back to asking the kernel directly if this package has no record of fd.
func (e *Env) Nonblock(fd int) (bool, error) {
	if fc := e.FDs.Get(fd, false); fc != nil {
		return fc.UserNonblock(), nil
	}
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return false, err
	}
	return flags&unix.O_NONBLOCK != 0, nil
}

// Ioctl passes ioctl(2) straight through to the kernel. The runtime this
// package is ported from does the same: it only intercepts the state the
// ioctl family could otherwise change behind this package's back
// (non-blocking mode), via [Env.SetNonblock], not ioctl itself.
func (e *Env) Ioctl(fd int, req uint, arg uintptr) error {
	return unix.IoctlSetInt(fd, uint(req), int(arg))
}

// Getsockopt passes getsockopt(2) straight through; socket option state is
// not something this package needs to shadow to interpose on blocking
// calls.
func (e *Env) Getsockopt(fd, level, opt int) (int, error) {
	return unix.GetsockoptInt(fd, level, opt)
}

// Setsockopt passes setsockopt(2) straight through.
func (e *Env) Setsockopt(fd, level, opt, value int) error {
	return unix.SetsockoptInt(fd, level, opt, value)
}

// Listen marks fd as a passive socket willing to accept up to backlog
// pending connections, the socket helper [Env.Accept] is built to sit on
// top of.
func (e *Env) Listen(fd int, backlog int) error {
	return unix.Listen(fd, backlog)
}
