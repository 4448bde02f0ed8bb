package hio

import "container/list"

// DevCap is the capability/state bitmask of spec.md §3. Traits are set once
// at make() time; transient state bits are flipped continuously by the
// dispatcher and lifecycle code.
type DevCap uint32

const (
	// Traits (stable for the device's lifetime).
	CapIn              DevCap = 1 << iota
	CapOut
	CapPri
	CapStream
	CapVirtual
	CapInDisabled
	CapOutUnqueueable

	// Transient state.
	CapInClosed
	CapOutClosed
	CapInWatched
	CapOutWatched
	CapPriWatched
	CapActive
	CapHalted
	CapZombie
	CapRenewRequired
	CapWatchStarted
	CapWatchSuspended
	// CapWatchReregRequired marks a device mid-way through the NetBSD
	// kqueue listen() STOP+START cycle (sock.go's Listen); like
	// CapWatchSuspended it is transient bookkeeping spanning the call that
	// sets and clears it rather than state other code branches on.
	CapWatchReregRequired
)

func (c DevCap) has(bit DevCap) bool { return c&bit != 0 }

// devMethods is the vtable every device kind implements (spec.md §3
// "vtable* dev_mth", §9 "Polymorphic devices"). A Go interface is the
// idiomatic stand-in for the C function-pointer table; concrete devices
// (only *socketDevice in this core; spec.md §1 treats pipe/process/pty/
// mariadb/thread-handle devices as out-of-scope clients of this interface)
// implement it directly.
type devMethods interface {
	// Make finishes construction after the generic header has been
	// zero-allocated; ctx is the opaque make_ctx passed to Make().
	Make(d *Device, ctx any) error
	// Kill releases the OS handle. force escalates from 0 (best-effort) to
	// 2 (destroy anyway, leaking resources) per spec.md §4.4.
	Kill(d *Device, force int) error
	GetSysHnd(d *Device) (uintptr, bool)
	// IsSysHndBroken reports whether an external library (TLS, a DB client)
	// has already invalidated the handle, so ctrl() must not touch it
	// (spec.md §4.3).
	IsSysHndBroken(d *Device) bool
	Read(d *Device, buf []byte) (n int, addr *SockAddr, err error)
	Write(d *Device, buf []byte, addr *SockAddr) (n int, err error)
	Writev(d *Device, iov [][]byte, addr *SockAddr) (n int, err error)
	Sendfile(d *Device, inFd uintptr, off int64, n int) (written int, err error)
	Ioctl(d *Device, cmd int, arg any) error
	// FailBeforeMake is invoked if Make itself returned an error, letting
	// the device release anything it allocated before failing.
	FailBeforeMake(ctx any)
}

// EventCallbacks is the per-device event-callback vtable of spec.md §3
// ("vtable* dev_evcb"). Any entry may be nil.
type EventCallbacks struct {
	// Ready is called first for every readiness tuple; a negative return
	// halts the device, zero skips the rest of this iteration's processing,
	// >=1 proceeds (spec.md §4.5 step 2).
	Ready func(d *Device, events DevCap) int
	// OnRead is called for every completed read, and once with (nil, 0,
	// io.EOF) style semantics for stream EOF/error synthesis (len==0 marks
	// EOF, err non-nil marks a read/timeout/hangup error).
	OnRead func(d *Device, data []byte, addr *SockAddr, err error) int
	// OnWrite reports a fully-drained write request. olen is the original
	// length requested even if the write was split across many submissions.
	// It is also called, with err ErrDeadlineHit, for a request dropped by
	// its write timeout before it drained.
	OnWrite func(d *Device, olen int, ctx any, addr *SockAddr, err error)
	// OnConnect fires once a connect (possibly through a TLS handshake) has
	// completed, successfully or not.
	OnConnect func(d *Device, err error)
	// OnDisconnect fires from Kill, before the vtable Kill() call.
	OnDisconnect func(d *Device)
}

// Device is the common header every concrete device embeds conceptually;
// in Go it is the single concrete struct, with devMethods supplying the
// per-kind behavior (spec.md §3 "Device base").
type Device struct {
	host *Host

	cap  DevCap
	mth  devMethods
	evcb *EventCallbacks

	// Per-device extension payload (what spec.md's C header would reach via
	// pointer arithmetic past dev_size); concrete device kinds type-assert
	// this back to their own state.
	ext any

	rtmout   NTime
	rtmridx  TimerIndex

	wq wqList

	watched DevCap // subset of {CapIn, CapOut, CapPri} currently registered with the multiplexer

	cwCount int

	listElem *list.Element // this device's node in whichever of Host.active/halted/zombie it belongs to

	killForce   int // escalation level for the next zombie retry
	zombieTimer TimerIndex
}

// Cap returns the device's current capability/state bitmask.
func (d *Device) Cap() DevCap { return d.cap }

// Ext returns the device-kind-specific extension payload.
func (d *Device) Ext() any { return d.ext }

// Host returns the owning host.
func (d *Device) Host() *Host { return d.host }

func (d *Device) setCap(bits DevCap)   { d.cap |= bits }
func (d *Device) clearCap(bits DevCap) { d.cap &^= bits }

// Invariant helper for spec.md §8 property 1: a device is a member of
// exactly one of {active, halted, zombie} unless freed.
func (d *Device) membershipBits() DevCap {
	return d.cap & (CapActive | CapHalted | CapZombie)
}

func (d *Device) watchedEvents() DevCap { return d.watched }
