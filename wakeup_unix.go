//go:build !windows

package hio

import "golang.org/x/sys/unix"

// selfPipe creates the non-blocking, close-on-exec interrupt pipe every
// multiplexer backend registers alongside its device fds, grounded on
// original_source/lib/sys-mux.c's hio_sys_initmux ("create a pipe for
// internal signalling - interrupt the multiplexer wait"). unix.Pipe rather
// than Pipe2 so the same code path works on both the epoll and kqueue
// backends without a second per-platform branch.
func selfPipe() ([2]int, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return fds, wrapSysErr("pipe", err)
	}
	for _, fd := range fds {
		unix.SetNonblock(fd, true)
		unix.CloseOnExec(fd)
	}
	return fds, nil
}

func wakeSelfPipe(wfd int) error {
	_, err := unix.Write(wfd, []byte{'Q'})
	if err != nil && err != unix.EAGAIN {
		return wrapSysErr("write(wake)", err)
	}
	return nil
}

func drainSelfPipe(rfd int) {
	var buf [64]byte
	for {
		n, err := unix.Read(rfd, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// ntimeToPollMillis converts the wait() contract of mux.go (zero: return
// immediately, negative Sec: block indefinitely, else: relative deadline)
// into the millisecond timeout epoll_wait/poll expect.
func ntimeToPollMillis(t NTime) int {
	if t.Sec < 0 {
		return -1
	}
	if t.IsZero() {
		return 0
	}
	ms := t.Sec*1000 + t.Nsec/1_000_000
	if ms <= 0 {
		return 0
	}
	if ms > 1<<30 {
		ms = 1 << 30
	}
	return int(ms)
}

// ntimeToTimespec converts the same contract into the *unix.Timespec kevent
// expects, nil meaning "block indefinitely".
func ntimeToTimespec(t NTime) *unix.Timespec {
	if t.Sec < 0 {
		return nil
	}
	return &unix.Timespec{Sec: t.Sec, Nsec: t.Nsec}
}
