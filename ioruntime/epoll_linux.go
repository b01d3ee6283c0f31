//go:build linux

package ioruntime

import (
	"encoding/binary"
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// epollPoller is the Linux poller backend: one epoll instance plus an
// eventfd used purely to break epoll_wait early from another thread,
// exactly as the poller this package is grounded on uses a non-blocking
// eventfd as its own wakeup mechanism.
type epollPoller struct {
	epfd   int
	wakeFD int

	events []unix.EpollEvent
}

func newPoller() (poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	wakeFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}

	p := &epollPoller{
		epfd:   epfd,
		wakeFD: wakeFD,
		events: make([]unix.EpollEvent, 128),
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakeFD),
	}); err != nil {
		unix.Close(wakeFD)
		unix.Close(epfd)
		return nil, err
	}

	return p, nil
}

func toEpollEvents(ev Event) uint32 {
	var e uint32 = unix.EPOLLET
	if ev&EventRead != 0 {
		e |= unix.EPOLLIN
	}
	if ev&EventWrite != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func (p *epollPoller) add(fd int, ev Event) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: toEpollEvents(ev),
		Fd:     int32(fd),
	})
}

func (p *epollPoller) modify(fd int, ev Event) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: toEpollEvents(ev),
		Fd:     int32(fd),
	})
}

func (p *epollPoller) del(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if errors.Is(err, unix.ENOENT) {
		return nil
	}
	return err
}

func (p *epollPoller) wait(timeout time.Duration) ([]readyFD, error) {
	ms := int(timeout.Milliseconds())
	if ms < 0 {
		ms = 0
	}
	// EpollWait's int argument is milliseconds capped at int32; Manager.Idle
	// never asks for more than its idle timeout (defaultIdleTimeout unless
	// overridden), so no further clamping is done here.

	n, err := unix.EpollWait(p.epfd, p.events, ms)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, err
	}

	ready := make([]readyFD, 0, n)
	for i := 0; i < n; i++ {
		ev := p.events[i]
		fd := int(ev.Fd)
		if fd == p.wakeFD {
			p.drainWake()
			continue
		}

		var set Event
		if ev.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			set |= EventRead
		}
		if ev.Events&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			set |= EventWrite
		}
		ready = append(ready, readyFD{fd: fd, events: set})
	}
	return ready, nil
}

func (p *epollPoller) drainWake() {
	buf := make([]byte, 8)
	for {
		_, err := unix.Read(p.wakeFD, buf)
		if err != nil {
			return
		}
	}
}

func (p *epollPoller) wake() error {
	buf := make([]byte, 8)
	binary.NativeEndian.PutUint64(buf, 1)
	_, err := unix.Write(p.wakeFD, buf)
	if errors.Is(err, unix.EAGAIN) {
		// A write can only fail with EAGAIN here if the eventfd counter is
		// already saturated, which means a wakeup is already pending.
		return nil
	}
	return err
}

func (p *epollPoller) close() error {
	err1 := unix.Close(p.wakeFD)
	err2 := unix.Close(p.epfd)
	if err1 != nil {
		return err1
	}
	return err2
}
