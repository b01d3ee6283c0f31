package hook

import (
	"context"
	"errors"
	"time"

	"github.com/loopwire/fiberrt/fdctx"
	"github.com/loopwire/fiberrt/ioruntime"
	"golang.org/x/sys/unix"
)

// Connect behaves like unix.Connect on a non-blocking socket: it starts
// the connection, and if it is still in progress, suspends the calling
// fiber until the socket becomes writable or timeout elapses, then
// reports the connection's actual outcome via SO_ERROR — the same
// getsockopt check the connect_with_timeout wrapper this function is
// ported from performs once its wait returns, since a writable socket
// after a non-blocking connect can still mean the connection failed.
//
// A zero timeout leaves fd's configured send timeout in effect; with none
// configured, the wait has no deadline.
func (e *Env) Connect(ctx context.Context, fd int, sa unix.Sockaddr, timeout time.Duration) error {
	fc := e.FDs.Get(fd, false)
	if fc == nil || !fc.IsSocket() || fc.UserNonblock() {
		return unix.Connect(fd, sa)
	}

	err := unix.Connect(fd, sa)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EINPROGRESS) {
		return err
	}

	if timeout > 0 {
		fc.SetTimeout(fdctx.SendTimeout, timeout.Milliseconds())
		defer fc.SetTimeout(fdctx.SendTimeout, fdctx.NoTimeout)
	}

	if werr := waitForEvent(ctx, e, fd, ioruntime.EventWrite, fdctx.SendTimeout); werr != nil {
		return werr
	}

	errno, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if gerr != nil {
		return gerr
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}
