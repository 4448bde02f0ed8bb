package hio

import (
	"crypto/tls"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// socketProgress is the PROGRESS enum of spec.md §4.7.
type socketProgress int

const (
	progInitial socketProgress = iota
	progConnecting
	progConnectingSSL
	progListening
	progAccepted
	progAcceptingSSL
	progConnected
)

// SocketOpt is the bind()/connect() option bitmask of spec.md §4.7/§6.
type SocketOpt uint32

const (
	SockReuseAddr SocketOpt = 1 << iota
	SockReusePort
	SockBroadcast
	SockTransparent
	SockIgnErr
	SockSSL
	SockV6Only
)

// socketDevice is the clisck/svrsck vtable target of spec.md §4.7, the
// single devMethods implementer in this core (spec.md §9: other device kinds
// are out-of-scope clients of the same interface). Grounded on
// socket515-gaio/watcher.go's use of raw syscall.Read/Write in a
// non-blocking EAGAIN/EINTR loop (tryRead/tryWrite), generalized from that
// proactor's per-call retry into the reactor's readiness-driven retry here.
type socketDevice struct {
	fd int

	stream   bool
	progress socketProgress

	localAddr   *SockAddr
	remoteAddr  *SockAddr
	origDst     *SockAddr
	intercepted bool

	connTmrIdx TimerIndex

	tlsCfg    *tls.Config
	tlsServer bool
	tls       *tlsHandshake

	userEvcb *EventCallbacks

	acceptBacklog int
	acceptTmout   NTime

	sysBroken bool
}

func (sd *socketDevice) Make(d *Device, ctx any) error {
	mc, ok := ctx.(*socketMakeCtx)
	if !ok {
		return NewError(ErrInval, "socket device requires *socketMakeCtx")
	}
	sd.fd = mc.fd
	sd.stream = mc.stream
	sd.localAddr = mc.local
	sd.remoteAddr = mc.remote
	sd.userEvcb = d.evcb
	sd.progress = mc.initialProgress
	sd.acceptBacklog = mc.backlog
	sd.acceptTmout = mc.acceptTmout
	sd.connTmrIdx = InvalidTimerIndex

	d.ext = sd
	if sd.stream {
		d.setCap(CapStream)
	}

	// Wrap the caller's callbacks so progress transitions (connect/accept/
	// TLS handshake) are handled before user code ever sees a readiness
	// event for a socket still settling (spec.md §4.7).
	d.evcb = &EventCallbacks{
		Ready:        sd.onReady,
		OnRead:       sd.userEvcb.safeOnRead,
		OnWrite:      sd.userEvcb.safeOnWrite,
		OnConnect:    sd.userEvcb.safeOnConnect,
		OnDisconnect: sd.userEvcb.safeOnDisconnect,
	}

	if mc.connectTmout.has() {
		sd.armConnectTimer(d, mc.connectTmout.d)
	}
	return nil
}

func (sd *socketDevice) FailBeforeMake(ctx any) {
	if mc, ok := ctx.(*socketMakeCtx); ok && mc.fd >= 0 {
		unix.Close(mc.fd)
	}
}

func (sd *socketDevice) Kill(d *Device, force int) error {
	if sd.tls != nil {
		sd.tls.abort()
	}
	if sd.fd >= 0 {
		err := unix.Close(sd.fd)
		sd.fd = -1
		if err != nil && force < 2 {
			return wrapSysErr("close", err)
		}
	}
	return nil
}

func (sd *socketDevice) GetSysHnd(d *Device) (uintptr, bool) {
	if sd.fd < 0 {
		return 0, false
	}
	return uintptr(sd.fd), true
}

func (sd *socketDevice) IsSysHndBroken(d *Device) bool { return sd.sysBroken }

func (sd *socketDevice) Read(d *Device, buf []byte) (int, *SockAddr, error) {
	if sd.tls != nil {
		return sd.tls.read(buf)
	}
	if sd.stream {
		n, err := unix.Read(sd.fd, buf)
		if err != nil {
			return 0, nil, wrapSysErr("read", err)
		}
		return n, nil, nil
	}
	n, from, err := unix.Recvfrom(sd.fd, buf, 0)
	if err != nil {
		return 0, nil, wrapSysErr("recvfrom", err)
	}
	return n, sockaddrFromUnix(from), nil
}

func (sd *socketDevice) Write(d *Device, buf []byte, addr *SockAddr) (int, error) {
	if sd.tls != nil {
		return sd.tls.write(buf)
	}
	if sd.stream {
		n, err := unix.Write(sd.fd, buf)
		if err != nil {
			return 0, wrapSysErr("write", err)
		}
		return n, nil
	}
	if addr == nil {
		n, err := unix.Write(sd.fd, buf)
		if err != nil {
			return 0, wrapSysErr("write", err)
		}
		return n, nil
	}
	if err := unix.Sendto(sd.fd, buf, 0, sockaddrToUnix(addr)); err != nil {
		return 0, wrapSysErr("sendto", err)
	}
	return len(buf), nil
}

// Writev writes a plain stream socket's vectors with writev(2) through
// unix.Writev (sendmsg is not used); a TLS or datagram socket flattens the
// vectors into one buffer and goes through Write.
// spec.md §4.7 "writev uses sendmsg (when available) or writev".
func (sd *socketDevice) Writev(d *Device, iov [][]byte, addr *SockAddr) (int, error) {
	if sd.tls != nil || !sd.stream {
		flat := flatten(iov)
		return sd.Write(d, flat, addr)
	}
	n, err := unix.Writev(sd.fd, iov)
	if err != nil {
		return 0, wrapSysErr("writev", err)
	}
	return n, nil
}

// Sendfile offloads to the kernel sendfile(2) on Linux; other platforms have
// no equivalent and report ErrNoImpl per spec.md §9's explicit decision not
// to silently fall back to buffered I/O.
func (sd *socketDevice) Sendfile(d *Device, inFd uintptr, off int64, n int) (int, error) {
	return sendfilePlatform(sd.fd, inFd, off, n)
}

func (sd *socketDevice) Ioctl(d *Device, cmd int, arg any) error {
	return ErrUnsupported
}

func (cb *EventCallbacks) safeOnRead(d *Device, data []byte, addr *SockAddr, err error) int {
	if cb == nil || cb.OnRead == nil {
		return 1
	}
	return cb.OnRead(d, data, addr, err)
}
func (cb *EventCallbacks) safeOnWrite(d *Device, olen int, ctx any, addr *SockAddr, err error) {
	if cb == nil || cb.OnWrite == nil {
		return
	}
	cb.OnWrite(d, olen, ctx, addr, err)
}
func (cb *EventCallbacks) safeOnConnect(d *Device, err error) {
	if cb == nil || cb.OnConnect == nil {
		return
	}
	cb.OnConnect(d, err)
}
func (cb *EventCallbacks) safeOnDisconnect(d *Device) {
	if cb == nil || cb.OnDisconnect == nil {
		return
	}
	cb.OnDisconnect(d)
}

// onReady is the progress-state gate installed as the wrapped
// EventCallbacks.Ready (spec.md §4.7's transition table). It consumes
// readiness events entirely while the device is settling, and delegates to
// the caller's own Ready (if any) once CONNECTED/ACCEPTED.
func (sd *socketDevice) onReady(d *Device, events DevCap) int {
	switch sd.progress {
	case progConnecting:
		if events.has(EvErr) {
			sd.finishConnect(d, sd.readSoError())
			return 0
		}
		if events.has(CapOut) {
			sd.finishConnect(d, sd.readSoError())
			return 0
		}
		return 0

	case progConnectingSSL, progAcceptingSSL:
		// Handshake progress is driven by the background goroutine in
		// tls.go; readiness events during this phase are spurious from the
		// state machine's point of view (the handshake goroutine owns the
		// fd) and are dropped.
		return 0

	case progListening:
		if events.has(CapIn) {
			sd.acceptLoop(d)
		}
		return 0

	default:
		if sd.userEvcb != nil && sd.userEvcb.Ready != nil {
			return sd.userEvcb.Ready(d, events)
		}
		return 1
	}
}

func (sd *socketDevice) readSoError() error {
	errno, err := unix.GetsockoptInt(sd.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return wrapSysErr("getsockopt(SO_ERROR)", err)
	}
	if errno != 0 {
		return errnoToError("connect", unix.Errno(errno))
	}
	return nil
}

func (sd *socketDevice) armConnectTimer(d *Device, tmout NTime) {
	job := &TimerJob{
		When:    d.host.clock.now().Add(tmout),
		Handler: connectTimeoutFired,
		Ctx:     d,
		IdxPtr:  &sd.connTmrIdx,
	}
	d.host.timers.Ins(job)
}

func connectTimeoutFired(h *Host, now NTime, idx TimerIndex, ctx any) {
	d := ctx.(*Device)
	sd := d.ext.(*socketDevice)
	if sd.progress != progConnecting {
		return
	}
	sd.finishConnect(d, ErrDeadlineHit)
}

func (sd *socketDevice) finishConnect(d *Device, err error) {
	if sd.connTmrIdx != InvalidTimerIndex {
		d.host.timers.Del(sd.connTmrIdx)
	}
	if err != nil {
		d.evcb.OnConnect(d, err)
		d.host.halt(d)
		return
	}

	sn, serr := unix.Getsockname(sd.fd)
	if serr == nil {
		sd.localAddr = sockaddrFromUnix(sn)
	}

	if sd.tlsCfg != nil {
		sd.progress = progConnectingSSL
		sd.startTLS(d, false)
		return
	}

	sd.progress = progConnected
	d.evcb.OnConnect(d, nil)
	d.Watch(WatchRenew, CapIn)
}

// acceptLoop drains the listen backlog, spec.md §4.7 "accept4/accept loop".
func (sd *socketDevice) acceptLoop(d *Device) {
	h := d.host
	for {
		fd, sa, err := unix.Accept4(sd.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if recoverableLocally(wrapSysErr("accept4", err)) {
				return
			}
			return
		}

		remote := sockaddrFromUnix(sa)
		local, _ := unixGetsockname(fd)
		origDst, intercepted := detectOriginalDst(fd, local)

		childMC := &socketMakeCtx{
			fd:              fd,
			stream:          true,
			local:           local,
			remote:          remote,
			initialProgress: progAccepted,
		}

		childEvcb := &EventCallbacks{
			Ready:        sd.userEvcb.Ready,
			OnRead:       sd.userEvcb.OnRead,
			OnWrite:      sd.userEvcb.OnWrite,
			OnConnect:    sd.userEvcb.OnConnect,
			OnDisconnect: sd.userEvcb.OnDisconnect,
		}

		child, merr := h.MakeDevice(&socketDevice{}, childEvcb, childMC)
		if merr != nil {
			unix.Close(fd)
			continue
		}
		csd := child.ext.(*socketDevice)
		csd.origDst, csd.intercepted = origDst, intercepted

		if sd.tlsCfg != nil {
			csd.tlsCfg = sd.tlsCfg
			csd.progress = progAcceptingSSL
			csd.startTLS(child, true)
			continue
		}
		csd.progress = progConnected
		if child.evcb.OnConnect != nil {
			child.evcb.OnConnect(child, nil)
		}
	}
}

func unixGetsockname(fd int) (*SockAddr, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, err
	}
	return sockaddrFromUnix(sa), nil
}

func sockaddrFromUnix(sa unix.Sockaddr) *SockAddr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make(net.IP, 4)
		copy(ip, v.Addr[:])
		return &SockAddr{Family: AddrInet4, IP: ip, Port: v.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, 16)
		copy(ip, v.Addr[:])
		return &SockAddr{Family: AddrInet6, IP: ip, Port: v.Port}
	case *unix.SockaddrUnix:
		return &SockAddr{Family: AddrUnix, Path: v.Name}
	default:
		return nil
	}
}

func sockaddrToUnix(a *SockAddr) unix.Sockaddr {
	if a == nil {
		return nil
	}
	switch a.Family {
	case AddrInet4:
		var s unix.SockaddrInet4
		s.Port = a.Port
		copy(s.Addr[:], a.IP.To4())
		return &s
	case AddrInet6:
		var s unix.SockaddrInet6
		s.Port = a.Port
		copy(s.Addr[:], a.IP.To16())
		return &s
	case AddrUnix:
		return &unix.SockaddrUnix{Name: a.Path}
	default:
		return nil
	}
}

// socketMakeCtx is the opaque make_ctx threaded through Host.MakeDevice for
// every socket variant (dialed, listening, accepted).
type socketMakeCtx struct {
	fd              int
	stream          bool
	local, remote   *SockAddr
	initialProgress socketProgress
	backlog         int
	acceptTmout     NTime
	connectTmout    maybeNTime
}

type maybeNTime struct {
	d  NTime
	ok bool
}

func (m maybeNTime) has() bool { return m.ok }

func withTmout(d NTime) maybeNTime { return maybeNTime{d: d, ok: true} }

// Connect issues a non-blocking connect(2), spec.md §4.7 connect(). Unless
// connect(2) fails at once, the returned device is in progress CONNECTING,
// even when the kernel connect completed synchronously, and a successful
// connect is reported by on_connect from the ready handler, never from this
// call. A TLS handshake (tlsCfg non-nil; opts' SockSSL is not consulted)
// starts only after the connect completes. An immediate connect(2) failure
// is reported by on_connect before Connect returns, and the device is
// halted.
func Connect(h *Host, raddr *SockAddr, tmout NTime, opts SocketOpt, tlsCfg *tls.Config, evcb *EventCallbacks) (*Device, error) {
	domain := unix.AF_INET
	if raddr.Family == AddrInet6 {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, wrapSysErr("socket", err)
	}
	applySocketOpts(fd, opts)

	serr := unix.Connect(fd, sockaddrToUnix(raddr))
	mc := &socketMakeCtx{fd: fd, stream: true, remote: raddr, initialProgress: progConnecting}
	if !tmout.IsZero() {
		mc.connectTmout = withTmout(tmout)
	}

	// MakeDevice already registers the device for CapIn by default
	// (lifecycle.go); switch it to CapOut alone via WatchUpdate rather than a second
	// WatchStart, which would try to re-insert an already-registered fd.
	d, merr := h.MakeDevice(&socketDevice{tlsCfg: tlsCfg}, evcb, mc)
	if merr != nil {
		return nil, merr
	}
	sd := d.ext.(*socketDevice)

	if serr != nil && serr != unix.EINPROGRESS {
		sd.finishConnect(d, wrapSysErr("connect", serr))
		return d, nil
	}
	if err := d.Watch(WatchUpdate, CapOut); err != nil {
		// d is already active-listed (MakeDevice succeeded above);
		// unwindFailedMake only handles the pre-active-listing failure in
		// MakeDevice itself, so a full kill() (unlink + vtable Kill) is
		// needed here instead, or the device would leak on h.active.
		h.kill(d, 0)
		return nil, err
	}
	return d, nil
}

// Listen binds and listens, spec.md §4.7 listen(). The device is made (and
// so registered with the multiplexer for CapIn) before listen(2) is called,
// matching original_source/hio/lib/sck.c:1346-1378's order: the NetBSD
// kqueue re-registration workaround below needs a live registration already
// in place to tear down and redo.
func Listen(h *Host, laddr *SockAddr, backlog int, acceptTmout NTime, opts SocketOpt, tlsCfg *tls.Config, evcb *EventCallbacks) (*Device, error) {
	domain := unix.AF_INET
	if laddr.Family == AddrInet6 {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, wrapSysErr("socket", err)
	}
	applySocketOpts(fd, opts)

	if err := unix.Bind(fd, sockaddrToUnix(laddr)); err != nil {
		unix.Close(fd)
		return nil, wrapSysErr("bind", err)
	}

	mc := &socketMakeCtx{fd: fd, stream: true, local: laddr, initialProgress: progListening, backlog: backlog, acceptTmout: acceptTmout}
	d, merr := h.MakeDevice(&socketDevice{tlsCfg: tlsCfg}, evcb, mc)
	if merr != nil {
		unix.Close(fd)
		return nil, merr
	}

	if err := unix.Listen(fd, backlog); err != nil {
		// d is already active-listed (MakeDevice succeeded above); kill()
		// unlinks it in addition to releasing the fd, unlike
		// unwindFailedMake which only covers the pre-active-listing
		// failure path inside MakeDevice itself.
		h.kill(d, 0)
		return nil, wrapSysErr("listen", err)
	}

	// Critical edge case (NetBSD listen), spec.md §4.3/§4.7: the first
	// listen() on a socket already registered with the multiplexer needs a
	// STOP+START re-registration before accept readiness is delivered.
	if h.mux.reregAfterListen() {
		d.setCap(CapWatchReregRequired)
		if err := d.Watch(WatchStop, 0); err != nil {
			h.kill(d, 0)
			return nil, err
		}
		if err := d.Watch(WatchStart, CapIn); err != nil {
			h.kill(d, 0)
			return nil, err
		}
		d.clearCap(CapWatchReregRequired)
	}

	return d, nil
}

func applySocketOpts(fd int, opts SocketOpt) {
	if opts&SockReuseAddr != 0 {
		unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}
	if opts&SockReusePort != 0 {
		setReusePort(fd)
	}
	if opts&SockBroadcast != 0 {
		unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	}
	if opts&SockTransparent != 0 {
		setTransparent(fd)
	}
	if opts&SockV6Only != 0 {
		unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
	}
}

// fileFromFd duplicates fd into an *os.File the caller owns independently of
// the original descriptor, used when handing a raw socket to crypto/tls via
// net.FileConn (tls.go).
func fileFromFd(fd int, name string) (*os.File, error) {
	dup, err := unix.Dup(fd)
	if err != nil {
		return nil, wrapSysErr("dup", err)
	}
	unix.CloseOnExec(dup)
	return os.NewFile(uintptr(dup), name), nil
}
