//go:build linux

package hio

import (
	"golang.org/x/sys/unix"
)

// epollMux is the Linux backend for the multiplexer port (mux.go), grounded
// on joeycumines-go-utilpkg/eventloop's FastPoller (poller_linux.go) for the
// epoll_create1/epoll_ctl/epoll_wait shape, adapted from its per-fd-callback
// design to the single dispatch callback spec.md §4.3 requires, and on
// original_source/lib/sys-mux.c's USE_EPOLL branch for the control-pipe
// interrupt mechanism (a self-pipe registered for EPOLLIN alongside every
// device fd, rather than joeycumines's eventfd, since the self-pipe is what
// the original uses and it needs no extra platform branch for the write
// side).
type epollMux struct {
	epfd int

	wakeR int
	wakeW int

	byFd map[int32]*Device

	events [256]unix.EpollEvent
}

func newPlatformMux() (multiplexer, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, wrapSysErr("epoll_create1", err)
	}

	fds, err := selfPipe()
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}

	m := &epollMux{epfd: epfd, wakeR: fds[0], wakeW: fds[1], byFd: make(map[int32]*Device, 64)}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(m.wakeR)}
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_ADD, m.wakeR, &ev); err != nil {
		m.close()
		return nil, wrapSysErr("epoll_ctl(wake)", err)
	}

	return m, nil
}

func devCapToEpoll(events DevCap) uint32 {
	var e uint32
	if events.has(CapIn) {
		e |= unix.EPOLLIN
	}
	if events.has(CapOut) {
		e |= unix.EPOLLOUT
	}
	if events.has(CapPri) {
		e |= unix.EPOLLPRI
	}
	return e
}

func (m *epollMux) ctrl(cmd muxCmd, dev *Device, events DevCap) error {
	if dev.mth.IsSysHndBroken(dev) {
		// An external library (TLS, a DB client) already invalidated the
		// handle; nothing to register or unregister at the OS level.
		return nil
	}
	hnd, ok := dev.mth.GetSysHnd(dev)
	if !ok {
		return NewError(ErrBadHnd, "device has no system handle")
	}
	fd := int32(hnd)

	switch cmd {
	case muxInsert:
		ev := unix.EpollEvent{Events: devCapToEpoll(events) | unix.EPOLLRDHUP, Fd: fd}
		if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_ADD, int(fd), &ev); err != nil {
			return wrapSysErr("epoll_ctl(add)", err)
		}
		m.byFd[fd] = dev
		return nil

	case muxUpdate:
		if events == 0 {
			// Suspend: leave it registered (cheaper than a DEL+ADD round
			// trip when the caller re-enables shortly after), requesting no
			// events.
			ev := unix.EpollEvent{Events: 0, Fd: fd}
			if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_MOD, int(fd), &ev); err != nil {
				return wrapSysErr("epoll_ctl(mod)", err)
			}
			return nil
		}
		ev := unix.EpollEvent{Events: devCapToEpoll(events) | unix.EPOLLRDHUP, Fd: fd}
		if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_MOD, int(fd), &ev); err != nil {
			return wrapSysErr("epoll_ctl(mod)", err)
		}
		return nil

	case muxDelete:
		delete(m.byFd, fd)
		if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, int(fd), nil); err != nil {
			return wrapSysErr("epoll_ctl(del)", err)
		}
		return nil
	}
	return nil
}

func (m *epollMux) wait(tmout NTime, cb muxReadyFunc) error {
	ms := ntimeToPollMillis(tmout)

	n, err := unix.EpollWait(m.epfd, m.events[:], ms)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return wrapSysErr("epoll_wait", err)
	}

	for i := 0; i < n; i++ {
		ev := &m.events[i]
		if int(ev.Fd) == m.wakeR {
			drainSelfPipe(m.wakeR)
			continue
		}
		dev, ok := m.byFd[ev.Fd]
		if !ok {
			continue
		}

		var caps DevCap
		rdhup := false
		if ev.Events&unix.EPOLLIN != 0 {
			caps |= CapIn
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			caps |= CapOut
		}
		if ev.Events&unix.EPOLLPRI != 0 {
			caps |= CapPri
		}
		if ev.Events&unix.EPOLLERR != 0 {
			caps |= EvErr
		}
		if ev.Events&unix.EPOLLHUP != 0 {
			caps |= EvHup
		}
		if ev.Events&unix.EPOLLRDHUP != 0 {
			rdhup = true
		}
		cb(dev, caps, rdhup)
	}
	return nil
}

func (m *epollMux) intr() error {
	return wakeSelfPipe(m.wakeW)
}

func (m *epollMux) close() error {
	if m.wakeR >= 0 {
		unix.Close(m.wakeR)
	}
	if m.wakeW >= 0 {
		unix.Close(m.wakeW)
	}
	return unix.Close(m.epfd)
}

// reregAfterListen: epoll delivers EPOLLIN for a listening fd as soon as
// listen(2) is called with no re-registration needed, unlike NetBSD's
// kqueue (spec.md §4.3/§4.7's NetBSD-only workaround).
func (m *epollMux) reregAfterListen() bool { return false }
