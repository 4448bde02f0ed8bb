package hio

import (
	"container/list"
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Host is the loop's singleton context, spec.md §3 "Host context". Exactly
// one multiplexer, timer wheel, and set of device lists live on it; nothing
// here is safe to touch from a second goroutine except Stop (see doc.go).
type Host struct {
	cfg hostConfig

	clock clockSource

	log *LogWriter
	obs zerolog.Logger // ambient structured diagnostics, independent of log

	// stopreq is written from Stop(), which spec.md §5 documents as safe to
	// call from another goroutine or a signal handler, so it needs atomic
	// access rather than a plain field even though everything else on Host
	// is single-goroutine (see doc.go).
	stopreq atomic.Int32
	lastErr *Error

	cfmb cfmbList

	active  list.List // of *Device
	halted  list.List
	zombie  list.List

	cwq     list.List // of *cwqEntry
	cwqFree [cwqFreeListBuckets][]*cwqEntry

	timers *timerWheel

	services []Service

	mux    multiplexer
	bigbuf []byte

	exiting bool
}

// Service is the cooperative-shutdown registry entry of spec.md §3
// "actsvc".
type Service interface {
	Start(h *Host) error
	Stop(h *Host)
}

// Open creates a Host, starting its multiplexer and self-pipe.
func Open(opts ...Option) (*Host, error) {
	cfg := defaultHostConfig()
	for _, o := range opts {
		if err := o(&cfg); err != nil {
			return nil, err
		}
	}

	h := &Host{
		cfg:    cfg,
		clock:  newClockSource(),
		log:    NewLogWriter(cfg.features&FeatureLogGuarded != 0),
		timers: newTimerWheel(cfg.timerCapacity),
		bigbuf: make([]byte, cfg.bigBufSize),
	}
	h.obs = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).With().Timestamp().Logger()
	h.log.setClock(h.clock.realNow)

	if cfg.logTarget != "" {
		if err := h.log.SetTarget(cfg.logTarget); err != nil {
			return nil, err
		}
	}

	if cfg.features&FeatureMultiplexer != 0 {
		mux, err := newPlatformMux()
		if err != nil {
			return nil, err
		}
		h.mux = mux
	}

	h.obs.Info().Msg("host opened")
	return h, nil
}

// Close tears the host down: stops services, kills every device (escalating
// to force), clears timers, and closes the multiplexer and log writer.
func (h *Host) Close() {
	h.obs.Info().Msg("host closing")
	for _, svc := range h.services {
		svc.Stop(h)
	}
	h.services = nil

	// Force-kill everything still around; Close() is a hard stop, not a
	// cooperative drain (Loop()/Exec() handle the cooperative path).
	for el := h.active.Front(); el != nil; {
		next := el.Next()
		d := el.Value.(*Device)
		h.forceKill(d)
		el = next
	}
	for el := h.halted.Front(); el != nil; {
		next := el.Next()
		d := el.Value.(*Device)
		h.forceKill(d)
		el = next
	}
	for el := h.zombie.Front(); el != nil; {
		next := el.Next()
		d := el.Value.(*Device)
		h.forceKill(d)
		el = next
	}

	h.timers.ClearAll()
	h.drainCWQ()

	if h.mux != nil {
		h.mux.close()
	}
	h.log.Close()
}

func (h *Host) forceKill(d *Device) {
	h.drainDeviceCWQ(d)
	d.drainWQSilently()
	if d.evcb != nil && d.evcb.OnDisconnect != nil {
		d.evcb.OnDisconnect(d)
	}
	d.mth.Kill(d, 2)
	h.unlinkDevice(d)
}

// Now returns the host's current monotonic scheduling time.
func (h *Host) Now() NTime { return h.clock.now() }

// LastError returns the last error recorded on the host, or nil.
func (h *Host) LastError() *Error { return h.lastErr }

func (h *Host) setLastError(e *Error) *Error {
	h.lastErr = e
	return e
}

// Stop requests loop termination (spec.md §5 "Stop semantics"). Safe to
// call from another goroutine or a signal handler: it only sets an atomic
// field and pokes the self-pipe.
func (h *Host) Stop(reason StopReason) {
	h.stopreq.Store(int32(reason))
	if h.mux != nil {
		h.mux.intr()
	}
}

// stopReason reads the pending stop request, if any.
func (h *Host) stopReason() StopReason {
	return StopReason(h.stopreq.Load())
}

// RegisterService adds svc to the cooperative-shutdown registry and starts
// it immediately.
func (h *Host) RegisterService(svc Service) error {
	if err := svc.Start(h); err != nil {
		return err
	}
	h.services = append(h.services, svc)
	return nil
}
