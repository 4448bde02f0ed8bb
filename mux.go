package hio

// muxCmd selects the multiplexer operation of spec.md §4.3.
type muxCmd int

const (
	muxInsert muxCmd = iota
	muxUpdate
	muxDelete
)

// muxReadyFunc is invoked once per ready device during wait(), with events
// the bitmask of {CapIn, CapOut, CapPri, EvHup, EvErr} that fired, and
// rdhup true if the peer half-closed (TCP read-hangup), per spec.md §4.3.
type muxReadyFunc func(d *Device, events DevCap, rdhup bool)

// multiplexer is the abstract port of spec.md §4.3: insert/update/delete a
// device's interest set, wait for readiness, and be interruptible from
// another goroutine/signal handler. Each platform backend
// (mux_epoll_linux.go, mux_kqueue_bsd.go, mux_poll.go) implements this.
type multiplexer interface {
	// ctrl registers, updates, or removes dev's interest set. Before
	// touching the OS handle it must consult dev's IsSysHndBroken hook
	// (spec.md §4.3) to avoid EBADF on handles an external library already
	// invalidated.
	ctrl(cmd muxCmd, dev *Device, events DevCap) error
	// wait blocks up to tmout (zero means return immediately; negative
	// means block indefinitely) and invokes cb once per ready device.
	wait(tmout NTime, cb muxReadyFunc) error
	// intr wakes a blocked wait() via the self-pipe. Safe to call
	// from a signal handler or another goroutine.
	intr() error
	close() error
	// reregAfterListen reports whether a device already registered for
	// CapIn needs a STOP+START cycle after listen(2) is called on its fd
	// before accept readiness will be delivered (spec.md §4.3/§4.7's
	// "Critical edge case (NetBSD listen)").
	reregAfterListen() bool
}

// eventsToPollBits keeps only the readiness-relevant trait bits, discarding
// anything else a caller might have accidentally left set.
func eventsToPollBits(c DevCap) DevCap {
	return c & (CapIn | CapOut | CapPri)
}

// EvHup and EvErr are readiness-only signals (never persisted on Device.cap)
// folded into the same bitmask type the dispatcher already threads through
// Ready/on_read, rather than inventing a second small type just for them.
const (
	EvHup DevCap = 1 << 30
	EvErr DevCap = 1 << 31
)
