//go:build linux

package hio

import (
	"net"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux-only numeric constants not exposed by golang.org/x/sys/unix: the
// netfilter TPROXY/REDIRECT original-destination sockopt. Values match
// linux/netfilter_ipv4.h (SO_ORIGINAL_DST) and are stable ABI.
const soOriginalDst = 80

func setReusePort(fd int) {
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
}

func setTransparent(fd int) {
	unix.SetsockoptInt(fd, unix.SOL_IP, unix.IP_TRANSPARENT, 1)
}

// detectOriginalDst implements spec.md §4.7's interception detection:
// "compares SO_ORIGINAL_DST and getsockname results" after an accept. A
// REDIRECT/TPROXY'd connection's SO_ORIGINAL_DST differs from the accepting
// socket's own local address.
func detectOriginalDst(fd int, local *SockAddr) (*SockAddr, bool) {
	var raw unix.RawSockaddrInet4
	size := uint32(unsafe.Sizeof(raw))
	_, _, errno := unix.Syscall6(unix.SYS_GETSOCKOPT, uintptr(fd), uintptr(unix.IPPROTO_IP), uintptr(soOriginalDst),
		uintptr(unsafe.Pointer(&raw)), uintptr(unsafe.Pointer(&size)), 0)
	if errno != 0 {
		return nil, false
	}

	ip := make(net.IP, 4)
	copy(ip, raw.Addr[:])
	port := int(raw.Port&0xff)<<8 | int(raw.Port>>8) // raw.Port is network byte order
	dst := &SockAddr{Family: AddrInet4, IP: ip, Port: port}

	intercepted := local == nil || !local.IP.Equal(dst.IP) || local.Port != dst.Port
	return dst, intercepted
}

func sendfilePlatform(outFd int, inFd uintptr, off int64, n int) (int, error) {
	o := off
	written, err := unix.Sendfile(outFd, int(inFd), &o, n)
	if err != nil {
		return 0, wrapSysErr("sendfile", err)
	}
	return written, nil
}
