package hook

import "errors"

// ErrTimeout is returned by a hooked I/O call when its configured timeout
// elapses before the descriptor became ready, the Go-idiomatic stand-in
// for the ported runtime's errno = ETIMEDOUT convention.
var ErrTimeout = errors.New("hook: i/o timeout")

// ErrClosed is returned by a hooked I/O call made against a descriptor
// this package's bookkeeping has already marked closed, standing in for
// errno = EBADF.
var ErrClosed = errors.New("hook: descriptor closed")
