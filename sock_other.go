//go:build !linux

package hio

import "golang.org/x/sys/unix"

func setReusePort(fd int) {
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
}

// setTransparent is a no-op outside Linux: IP_TRANSPARENT/TPROXY is a
// Linux-only netfilter feature (spec.md §4.7 lists it among socket options,
// but it has no BSD/Darwin equivalent).
func setTransparent(fd int) {}

// detectOriginalDst has no non-Linux equivalent; every accepted connection
// reports not-intercepted.
func detectOriginalDst(fd int, local *SockAddr) (*SockAddr, bool) {
	return nil, false
}

// sendfilePlatform: spec.md §9 decides the non-Linux fallback is ErrNoImpl,
// not a silent degrade to buffered read/write.
func sendfilePlatform(outFd int, inFd uintptr, off int64, n int) (int, error) {
	return 0, ErrUnsupported
}
