//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package hio

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// kqueueMux is the BSD/Darwin backend for the multiplexer port (mux.go),
// grounded on joeycumines-go-utilpkg/eventloop/poller_darwin.go's FastPoller
// (kqueue/kevent shape, EVFILT_READ/EVFILT_WRITE split, EV_EOF->hangup
// mapping) and original_source/lib/sys-mux.c's USE_KQUEUE branch for the
// control-pipe interrupt registration.
type kqueueMux struct {
	kq int

	wakeR int
	wakeW int

	byFd map[int32]*Device

	events [256]unix.Kevent_t
}

func newPlatformMux() (multiplexer, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, wrapSysErr("kqueue", err)
	}
	unix.CloseOnExec(kq)

	fds, err := selfPipe()
	if err != nil {
		unix.Close(kq)
		return nil, err
	}

	m := &kqueueMux{kq: kq, wakeR: fds[0], wakeW: fds[1], byFd: make(map[int32]*Device, 64)}

	kev := unix.Kevent_t{Ident: uint64(m.wakeR), Filter: unix.EVFILT_READ, Flags: unix.EV_ADD | unix.EV_ENABLE}
	if _, err := unix.Kevent(m.kq, []unix.Kevent_t{kev}, nil, nil); err != nil {
		m.close()
		return nil, wrapSysErr("kevent(wake)", err)
	}

	return m, nil
}

func (m *kqueueMux) changesFor(fd int32, old, events DevCap) []unix.Kevent_t {
	var out []unix.Kevent_t
	toggle := func(had, has bool, filter int16) {
		switch {
		case has && !had:
			out = append(out, unix.Kevent_t{Ident: uint64(fd), Filter: filter, Flags: unix.EV_ADD | unix.EV_ENABLE})
		case had && !has:
			out = append(out, unix.Kevent_t{Ident: uint64(fd), Filter: filter, Flags: unix.EV_DELETE})
		}
	}
	toggle(old.has(CapIn), events.has(CapIn), unix.EVFILT_READ)
	toggle(old.has(CapOut), events.has(CapOut), unix.EVFILT_WRITE)
	return out
}

func (m *kqueueMux) ctrl(cmd muxCmd, dev *Device, events DevCap) error {
	if dev.mth.IsSysHndBroken(dev) {
		return nil
	}
	hnd, ok := dev.mth.GetSysHnd(dev)
	if !ok {
		return NewError(ErrBadHnd, "device has no system handle")
	}
	fd := int32(hnd)

	switch cmd {
	case muxInsert:
		changes := m.changesFor(fd, 0, events)
		if len(changes) > 0 {
			if _, err := unix.Kevent(m.kq, changes, nil, nil); err != nil {
				return wrapSysErr("kevent(add)", err)
			}
		}
		m.byFd[fd] = dev
		return nil

	case muxUpdate:
		old := dev.watchedEvents()
		changes := m.changesFor(fd, old, events)
		if len(changes) > 0 {
			if _, err := unix.Kevent(m.kq, changes, nil, nil); err != nil {
				return wrapSysErr("kevent(mod)", err)
			}
		}
		return nil

	case muxDelete:
		delete(m.byFd, fd)
		changes := m.changesFor(fd, dev.watchedEvents(), 0)
		if len(changes) > 0 {
			unix.Kevent(m.kq, changes, nil, nil)
		}
		return nil
	}
	return nil
}

func (m *kqueueMux) wait(tmout NTime, cb muxReadyFunc) error {
	ts := ntimeToTimespec(tmout)

	n, err := unix.Kevent(m.kq, nil, m.events[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return wrapSysErr("kevent(wait)", err)
	}

	// Coalesce the two EVFILT_READ/EVFILT_WRITE entries a single ready fd
	// may produce in one kevent() call into one callback invocation, the
	// same way epoll naturally reports one event per fd.
	type agg struct {
		caps  DevCap
		rdhup bool
	}
	byFd := make(map[int32]*agg, n)

	for i := 0; i < n; i++ {
		kev := &m.events[i]
		fd := int32(kev.Ident)
		if int(fd) == m.wakeR {
			drainSelfPipe(m.wakeR)
			continue
		}
		if _, ok := m.byFd[fd]; !ok {
			continue
		}
		a := byFd[fd]
		if a == nil {
			a = &agg{}
			byFd[fd] = a
		}
		switch kev.Filter {
		case unix.EVFILT_READ:
			a.caps |= CapIn
		case unix.EVFILT_WRITE:
			a.caps |= CapOut
		}
		if kev.Flags&unix.EV_ERROR != 0 {
			a.caps |= EvErr
		}
		if kev.Flags&unix.EV_EOF != 0 {
			a.caps |= EvHup
			if kev.Filter == unix.EVFILT_READ {
				a.rdhup = true
			}
		}
	}

	for fd, a := range byFd {
		cb(m.byFd[fd], a.caps, a.rdhup)
	}
	return nil
}

func (m *kqueueMux) intr() error {
	return wakeSelfPipe(m.wakeW)
}

func (m *kqueueMux) close() error {
	if m.wakeR >= 0 {
		unix.Close(m.wakeR)
	}
	if m.wakeW >= 0 {
		unix.Close(m.wakeW)
	}
	return unix.Close(m.kq)
}

// reregAfterListen reports true on NetBSD only: its kqueue does not deliver
// EVFILT_READ readiness for a listening socket registered before listen(2)
// was called until the filter is deleted and re-added (spec.md §4.3/§4.7's
// "Critical edge case (NetBSD listen)"; other kqueue platforms (Darwin,
// FreeBSD, OpenBSD, DragonFly) don't share this quirk).
func (m *kqueueMux) reregAfterListen() bool { return runtime.GOOS == "netbsd" }
