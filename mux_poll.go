//go:build !linux && !darwin && !dragonfly && !freebsd && !netbsd && !openbsd && !windows

package hio

import "golang.org/x/sys/unix"

// pollMux is the portable fallback backend, used on platforms with neither
// epoll nor kqueue, grounded on original_source/lib/sys-mux.c's USE_POLL
// branch: a flat pollfd array plus a parallel slice mapping each slot back
// to its *Device, with a handle->slot-index map standing in for the
// original's mux->map.ptr array (there indexed directly by fd; here a map
// avoids assuming small, dense fd numbers).
type pollMux struct {
	pfd []unix.PollFd
	dev []*Device

	slotOf map[int32]int

	wakeR int
	wakeW int
}

func newPlatformMux() (multiplexer, error) {
	fds, err := selfPipe()
	if err != nil {
		return nil, err
	}
	m := &pollMux{slotOf: make(map[int32]int, 64), wakeR: fds[0], wakeW: fds[1]}
	m.pfd = append(m.pfd, unix.PollFd{Fd: int32(m.wakeR), Events: unix.POLLIN})
	m.dev = append(m.dev, nil)
	return m, nil
}

func devCapToPoll(events DevCap) int16 {
	var e int16
	if events.has(CapIn) {
		e |= unix.POLLIN
	}
	if events.has(CapOut) {
		e |= unix.POLLOUT
	}
	if events.has(CapPri) {
		e |= unix.POLLPRI
	}
	return e
}

func (m *pollMux) ctrl(cmd muxCmd, dev *Device, events DevCap) error {
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
		if _, exists := m.slotOf[fd]; exists {
			return NewError(ErrExist, "fd already registered")
		}
		idx := len(m.pfd)
		m.pfd = append(m.pfd, unix.PollFd{Fd: fd, Events: devCapToPoll(events)})
		m.dev = append(m.dev, dev)
		m.slotOf[fd] = idx
		return nil

	case muxUpdate:
		idx, exists := m.slotOf[fd]
		if !exists {
			return NewError(ErrNoEnt, "fd not registered")
		}
		m.pfd[idx].Events = devCapToPoll(events)
		return nil

	case muxDelete:
		idx, exists := m.slotOf[fd]
		if !exists {
			return NewError(ErrNoEnt, "fd not registered")
		}
		last := len(m.pfd) - 1
		m.pfd[idx] = m.pfd[last]
		m.dev[idx] = m.dev[last]
		if m.dev[idx] != nil {
			if h, ok := m.dev[idx].mth.GetSysHnd(m.dev[idx]); ok {
				m.slotOf[int32(h)] = idx
			}
		}
		m.pfd = m.pfd[:last]
		m.dev = m.dev[:last]
		delete(m.slotOf, fd)
		return nil
	}
	return nil
}

func (m *pollMux) wait(tmout NTime, cb muxReadyFunc) error {
	ms := ntimeToPollMillis(tmout)

	n, err := unix.Poll(m.pfd, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return wrapSysErr("poll", err)
	}
	if n == 0 {
		return nil
	}

	for i := range m.pfd {
		re := m.pfd[i].Revents
		if re == 0 {
			continue
		}
		if int(m.pfd[i].Fd) == m.wakeR {
			drainSelfPipe(m.wakeR)
			continue
		}
		dev := m.dev[i]
		if dev == nil {
			continue
		}

		var caps DevCap
		if re&unix.POLLIN != 0 {
			caps |= CapIn
		}
		if re&unix.POLLOUT != 0 {
			caps |= CapOut
		}
		if re&unix.POLLPRI != 0 {
			caps |= CapPri
		}
		if re&unix.POLLERR != 0 {
			caps |= EvErr
		}
		if re&unix.POLLHUP != 0 {
			caps |= EvHup
		}
		cb(dev, caps, re&unix.POLLHUP != 0)
	}
	return nil
}

func (m *pollMux) intr() error {
	return wakeSelfPipe(m.wakeW)
}

func (m *pollMux) close() error {
	if m.wakeR >= 0 {
		unix.Close(m.wakeR)
	}
	if m.wakeW >= 0 {
		unix.Close(m.wakeW)
	}
	return nil
}

// reregAfterListen: poll(2) re-evaluates every fd's events each call, so
// there is nothing to re-register after listen(2) (spec.md §4.3/§4.7's
// NetBSD-only workaround).
func (m *pollMux) reregAfterListen() bool { return false }
