package hio

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// mockDevMethods is a devMethods implementation with no real OS handle,
// used to exercise lifecycle.go's state machine in isolation from the
// multiplexer and socket code (sock.go's socketDevice is exercised against
// real fds in wq_test.go/sock_test.go instead). Make marks the device
// virtual so MakeDevice skips Watch() entirely, needing no live mux.
type mockDevMethods struct {
	killFailCount int // Kill fails this many calls before succeeding
	killCalls     []int
}

func (m *mockDevMethods) Make(d *Device, ctx any) error {
	d.setCap(CapVirtual)
	return nil
}
func (m *mockDevMethods) Kill(d *Device, force int) error {
	m.killCalls = append(m.killCalls, force)
	if len(m.killCalls) <= m.killFailCount {
		return errors.New("mock kill failure")
	}
	return nil
}
func (m *mockDevMethods) GetSysHnd(d *Device) (uintptr, bool)         { return 0, false }
func (m *mockDevMethods) IsSysHndBroken(d *Device) bool               { return false }
func (m *mockDevMethods) Read(d *Device, buf []byte) (int, *SockAddr, error) {
	return 0, nil, nil
}
func (m *mockDevMethods) Write(d *Device, buf []byte, addr *SockAddr) (int, error) { return 0, nil }
func (m *mockDevMethods) Writev(d *Device, iov [][]byte, addr *SockAddr) (int, error) {
	return 0, nil
}
func (m *mockDevMethods) Sendfile(d *Device, inFd uintptr, off int64, n int) (int, error) {
	return 0, nil
}
func (m *mockDevMethods) Ioctl(d *Device, cmd int, arg any) error { return nil }
func (m *mockDevMethods) FailBeforeMake(ctx any)                  {}

func newMockDevice(t *testing.T, h *Host, m *mockDevMethods) *Device {
	t.Helper()
	d, err := h.MakeDevice(m, nil, nil)
	require.NoError(t, err)
	return d
}

// TestDeviceMembershipIsExactlyOneList exercises spec.md §8 property 1: a
// device belongs to exactly one of {active, halted, zombie} at a time
// (until unlinked entirely, where membershipBits is empty).
func TestDeviceMembershipIsExactlyOneList(t *testing.T) {
	h, err := Open(WithFeatures(0))
	require.NoError(t, err)
	defer h.Close()

	m := &mockDevMethods{}
	d := newMockDevice(t, h, m)
	require.Equal(t, CapActive, d.membershipBits())
	require.Equal(t, 1, h.active.Len())

	h.halt(d)
	require.Equal(t, CapHalted, d.membershipBits())
	require.Equal(t, 0, h.active.Len())
	require.Equal(t, 1, h.halted.Len())

	h.kill(d, 0)
	require.Equal(t, DevCap(0), d.membershipBits())
	require.Equal(t, 0, h.halted.Len())
}

func TestHaltIsIdempotent(t *testing.T) {
	h, err := Open(WithFeatures(0))
	require.NoError(t, err)
	defer h.Close()

	d := newMockDevice(t, h, &mockDevMethods{})
	h.halt(d)
	h.halt(d)
	h.halt(d)
	require.Equal(t, 1, h.halted.Len())
	require.Equal(t, CapHalted, d.membershipBits())
}

// TestZombieKillEscalatesForceUntilReaped drives spec.md §4.4's zombie-retry
// path by hand (calling retryZombieKill the way the timer handler would,
// rather than waiting out a real clock): a device whose Kill keeps failing
// moves to zombie and is retried with escalating force until Kill finally
// succeeds, at which point it is unlinked entirely.
func TestZombieKillEscalatesForceUntilReaped(t *testing.T) {
	h, err := Open(WithFeatures(0))
	require.NoError(t, err)
	defer h.Close()

	m := &mockDevMethods{killFailCount: 2}
	d := newMockDevice(t, h, m)

	h.kill(d, 0)
	require.True(t, d.cap.has(CapZombie))
	require.Equal(t, 1, h.zombie.Len())
	require.Equal(t, []int{0}, m.killCalls)

	h.retryZombieKill(d, d.killForce)
	require.True(t, d.cap.has(CapZombie))
	require.Equal(t, []int{0, 0}, m.killCalls)
	require.Equal(t, 1, d.killForce)

	h.retryZombieKill(d, d.killForce)
	require.Equal(t, []int{0, 0, 1}, m.killCalls)
	require.Equal(t, DevCap(0), d.membershipBits())
	require.Equal(t, 0, h.zombie.Len())
}

// TestZombieKillDestroysAnywayOnStopRequest mirrors spec.md §4.4/§5: once a
// stop has been requested, retries escalate straight to force 2 ("destroy
// anyway, leaking resources") instead of waiting out further attempts, even
// if the vtable's Kill keeps failing.
func TestZombieKillDestroysAnywayOnStopRequest(t *testing.T) {
	h, err := Open(WithFeatures(0))
	require.NoError(t, err)
	defer h.Close()

	m := &mockDevMethods{killFailCount: 100}
	d := newMockDevice(t, h, m)

	h.kill(d, 0)
	require.True(t, d.cap.has(CapZombie))

	h.stopreq.Store(int32(StopTermination))
	h.retryZombieKill(d, d.killForce)
	require.Equal(t, []int{0, 2}, m.killCalls)
	require.Equal(t, DevCap(0), d.membershipBits())
}
