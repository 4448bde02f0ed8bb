package hio

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// TestSocketTimedReadFiresDeadlineOnIdleConnection exercises spec.md §4.7's
// timed-read property (S1): arming TimedRead on a connection that never
// receives data must deliver exactly one OnRead(nil, nil, ErrDeadlineHit)
// once the deadline elapses, driven through the real dispatch loop against a
// real socketpair so the multiplexer and timer wheel cooperate exactly as in
// production rather than via a hand-invoked handler.
func TestSocketTimedReadFiresDeadlineOnIdleConnection(t *testing.T) {
	var timedOut bool
	var timeouts int
	evcb := &EventCallbacks{
		OnRead: func(d *Device, data []byte, addr *SockAddr, err error) int {
			if err == ErrDeadlineHit {
				timedOut = true
				timeouts++
			}
			return 1
		},
	}
	h, err := Open(WithFeatures(FeatureMultiplexer))
	require.NoError(t, err)
	defer h.Close()

	d, _ := wqTestPair(t, h, evcb)
	require.NoError(t, d.TimedRead(true, NTime{Nsec: 20_000_000}))

	pumpUntil(t, h, func() bool { return timedOut })
	require.Equal(t, 1, timeouts)
}

// TestSocketWriteBackpressureDeliversOnceWhenQueueDrains exercises S2: with
// SO_SNDBUF forced low, a 4MiB write must still queue, complete in pieces
// across several dispatch iterations, and deliver exactly one OnWrite with
// the full original length once the WQ has drained.
func TestSocketWriteBackpressureDeliversOnceWhenQueueDrains(t *testing.T) {
	var gotOlen int
	var completions int
	var wqLenAtCallback int
	evcb := &EventCallbacks{
		OnWrite: func(d *Device, olen int, ctx any, addr *SockAddr, err error) {
			require.NoError(t, err)
			gotOlen = olen
			completions++
			wqLenAtCallback = d.wq.Len()
		},
	}
	h, err := Open(WithFeatures(FeatureMultiplexer))
	require.NoError(t, err)
	defer h.Close()

	d, peer := wqTestPair(t, h, evcb)
	require.NoError(t, unix.SetsockoptInt(int(mustSysHnd(t, d)), unix.SOL_SOCKET, unix.SO_SNDBUF, 4096))

	const size = 4 * 1024 * 1024
	payload := make([]byte, size)
	require.NoError(t, d.Write(payload, nil, nil))

	received := 0
	done := make(chan struct{})
	go func() {
		buf := make([]byte, 65536)
		for received < size {
			n, err := unix.Read(peer, buf)
			if n > 0 {
				received += n
			}
			if err != nil && err != unix.EAGAIN {
				break
			}
		}
		close(done)
	}()

	pumpUntil(t, h, func() bool {
		select {
		case <-done:
			return true
		default:
			return completions > 0
		}
	})
	<-done

	require.Equal(t, 1, completions)
	require.Equal(t, size, gotOlen)
	require.Zero(t, wqLenAtCallback)
}

func mustSysHnd(t *testing.T, d *Device) uintptr {
	t.Helper()
	hnd, ok := d.mth.GetSysHnd(d)
	require.True(t, ok)
	return hnd
}

// TestSocketConnectTimeoutHaltsDeviceAndReportsDeadline exercises S4: a
// connect that never completes before its deadline must invoke OnConnect
// with ErrDeadlineHit and halt the device. The timer handler
// (connectTimeoutFired) is invoked directly, the same way timer_test.go
// drives timerWheel handlers and device_test.go drives retryZombieKill,
// rather than waiting out a real connect() race against an unreachable
// address, which would make the test's timing depend on the network
// environment it runs in.
func TestSocketConnectTimeoutHaltsDeviceAndReportsDeadline(t *testing.T) {
	var connectErr error
	var sawConnect bool
	evcb := &EventCallbacks{
		OnConnect: func(d *Device, err error) {
			sawConnect = true
			connectErr = err
		},
	}
	h, err := Open(WithFeatures(FeatureMultiplexer))
	require.NoError(t, err)
	defer h.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fds[1]) })

	mc := &socketMakeCtx{fd: fds[0], stream: true, initialProgress: progConnecting, connectTmout: withTmout(NTime{Sec: 30})}
	d, err := h.MakeDevice(&socketDevice{}, evcb, mc)
	require.NoError(t, err)
	sd := d.Ext().(*socketDevice)

	connectTimeoutFired(h, h.Now(), sd.connTmrIdx, d)

	require.True(t, sawConnect)
	require.ErrorIs(t, connectErr, ErrDeadlineHit)
	require.True(t, d.Cap().has(CapHalted))
}

// TestReadLoopDrainsCWQBeforeOnReadPreventsOutOfOrderDelivery exercises S6
// (spec.md §9's "out-of-order fix"): a write completion queued earlier in
// the same iteration must reach OnWrite before the data the peer just sent
// reaches OnRead, even though both arrive from the very same
// onMuxEvent/readLoopForDevice pass.
func TestReadLoopDrainsCWQBeforeOnReadPreventsOutOfOrderDelivery(t *testing.T) {
	var order []string
	evcb := &EventCallbacks{
		OnWrite: func(d *Device, olen int, ctx any, addr *SockAddr, err error) {
			order = append(order, "write")
		},
		OnRead: func(d *Device, data []byte, addr *SockAddr, err error) int {
			order = append(order, "read")
			return 0
		},
	}
	h, err := Open(WithFeatures(FeatureMultiplexer))
	require.NoError(t, err)
	defer h.Close()

	d, peer := wqTestPair(t, h, evcb)
	_, err = unix.Write(peer, []byte("hi"))
	require.NoError(t, err)

	// Simulate a write that finished earlier in this same dispatch tick.
	h.enqueueCWQ(d, 4, nil, nil, nil)

	h.onMuxEvent(d, CapIn, false)
	require.Equal(t, []string{"write", "read"}, order)
}
