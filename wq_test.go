package hio

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// wqTestPair opens a connected, non-blocking AF_UNIX stream socketpair and
// wraps one end as a real socketDevice on h (progress preset to CONNECTED so
// onReady skips the connect/TLS settling states entirely), the same way
// socket515-gaio/aio_test.go drives its assertions against a real fd pair
// rather than a mock. The raw peer fd is returned for the test to read from
// or write to directly.
func wqTestPair(t *testing.T, h *Host, evcb *EventCallbacks) (*Device, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)

	mc := &socketMakeCtx{fd: fds[0], stream: true, initialProgress: progConnected}
	d, err := h.MakeDevice(&socketDevice{}, evcb, mc)
	require.NoError(t, err)

	t.Cleanup(func() { unix.Close(fds[1]) })
	return d, fds[1]
}

func pumpUntil(t *testing.T, h *Host, cond func() bool) {
	t.Helper()
	for i := 0; i < 200 && !cond(); i++ {
		require.NoError(t, h.Exec())
	}
	require.True(t, cond(), "condition never became true")
}

func TestWriteZeroLengthIsImmediateEOFMarker(t *testing.T) {
	h, err := Open(WithFeatures(FeatureMultiplexer))
	require.NoError(t, err)
	defer h.Close()

	d, _ := wqTestPair(t, h, nil)
	require.False(t, d.Cap().has(CapOutClosed))
	require.NoError(t, d.Write(nil, nil, nil))
	require.True(t, d.Cap().has(CapOutClosed))
}

func TestWriteZeroLengthQueuedAfterPendingWriteClosesOnDrain(t *testing.T) {
	var closed bool
	evcb := &EventCallbacks{
		OnWrite: func(d *Device, olen int, ctx any, addr *SockAddr, err error) {
			if olen == 0 {
				closed = true
			}
		},
	}
	h, err := Open(WithFeatures(FeatureMultiplexer))
	require.NoError(t, err)
	defer h.Close()

	d, peer := wqTestPair(t, h, evcb)

	// A write far larger than the kernel socket buffer exhausts the
	// immediate-write loop in submitWrite and leaves a remainder queued, so
	// the EOF marker that follows queues behind it instead of applying
	// immediately.
	big := make([]byte, 8*1024*1024)
	require.NoError(t, d.Write(big, nil, nil))
	require.Greater(t, d.wq.Len(), 0)
	require.NoError(t, d.Write(nil, nil, nil))
	require.False(t, d.Cap().has(CapOutClosed))

	drain := make([]byte, 65536)
	go func() {
		for {
			_, err := unix.Read(peer, drain)
			if err != nil && err != unix.EAGAIN {
				return
			}
		}
	}()

	pumpUntil(t, h, func() bool { return closed })
	require.True(t, d.Cap().has(CapOutClosed))
}

func TestWriteSplitAcrossQueueReassemblesFullLength(t *testing.T) {
	var gotOlen int
	var completions int
	evcb := &EventCallbacks{
		OnWrite: func(d *Device, olen int, ctx any, addr *SockAddr, err error) {
			require.NoError(t, err)
			gotOlen = olen
			completions++
		},
	}
	h, err := Open(WithFeatures(FeatureMultiplexer))
	require.NoError(t, err)
	defer h.Close()

	d, peer := wqTestPair(t, h, evcb)

	payload := make([]byte, 4*1024*1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, d.Write(payload, "ctx", nil))

	received := make([]byte, 0, len(payload))
	done := make(chan struct{})
	go func() {
		buf := make([]byte, 65536)
		for len(received) < len(payload) {
			n, err := unix.Read(peer, buf)
			if n > 0 {
				received = append(received, buf[:n]...)
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

	require.Equal(t, len(payload), gotOlen)
	require.Equal(t, 1, completions)
	require.Equal(t, payload, received)
}

func TestCWQFreeListRecyclesBySizeClass(t *testing.T) {
	h, err := Open(WithFeatures(FeatureMultiplexer))
	require.NoError(t, err)
	defer h.Close()

	d, _ := wqTestPair(t, h, nil)

	v4 := &SockAddr{Family: AddrInet4}
	require.Equal(t, sizeClass(v4), sizeClass(v4))
	class := sizeClass(v4)
	require.Zero(t, len(h.cwqFree[class]))

	h.enqueueCWQ(d, 10, nil, v4, nil)
	h.drainCWQ()
	require.Len(t, h.cwqFree[class], 1)
	recycled := h.cwqFree[class][0]

	h.enqueueCWQ(d, 20, nil, v4, nil)
	require.Same(t, recycled, h.cwq.Front().Value.(*cwqEntry))
	require.Zero(t, len(h.cwqFree[class]))

	h.drainCWQ()
	require.Len(t, h.cwqFree[class], 1)
}

func TestCWQDrainDeviceForcesPendingCompletionsOnKill(t *testing.T) {
	var delivered []int
	evcb := &EventCallbacks{
		OnWrite: func(d *Device, olen int, ctx any, addr *SockAddr, err error) {
			delivered = append(delivered, olen)
		},
	}
	h, err := Open(WithFeatures(FeatureMultiplexer))
	require.NoError(t, err)
	defer h.Close()

	d, _ := wqTestPair(t, h, evcb)
	h.enqueueCWQ(d, 7, nil, nil, nil)
	h.enqueueCWQ(d, 9, nil, nil, nil)
	require.Equal(t, 2, d.cwCount)

	h.drainDeviceCWQ(d)
	require.Equal(t, []int{7, 9}, delivered)
	require.Zero(t, d.cwCount)
}
