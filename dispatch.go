package hio

// defaultHaltedPollCap bounds the wait() timeout whenever devices are
// sitting in the halted list awaiting reap, so Exec doesn't block the
// reaper behind an otherwise-distant timer deadline (spec.md §2 step 5:
// "bounded above by a short default when halted devices exist").
var defaultHaltedPollCap = NTime{Nsec: 50_000_000} // 50ms

// Exec runs exactly one iteration of the loop, spec.md §2's eight-step data
// flow.
func (h *Host) Exec() error {
	// 1. Reap unneeded CFMB nodes opportunistically.
	h.cfmb.Reap()

	// 2. Drain the CWQ.
	h.drainCWQ()

	// 3. Fire expired timers (may enqueue new CWQ entries).
	now := h.clock.now()
	h.timers.FireDue(h, now)

	// 4. Drain the CWQ again.
	h.drainCWQ()

	// 5. Compute the next timeout.
	tmout := h.nextTimeout()

	// 6. Wait on the multiplexer.
	if h.mux == nil {
		return NewError(ErrNoCapa, "host has no multiplexer")
	}
	if err := h.mux.wait(tmout, h.onMuxEvent); err != nil {
		h.stopreq.Store(int32(StopWatcherError))
		return h.setLastError(wrapSysErr("mux wait", err))
	}

	// 8. Reap halted devices.
	h.reapHalted()

	return nil
}

func (h *Host) nextTimeout() NTime {
	deadline, ok := h.timers.PeekDeadline()
	if !ok {
		if h.halted.Len() > 0 {
			return defaultHaltedPollCap
		}
		return NTime{Sec: -1} // block indefinitely
	}
	now := h.clock.now()
	if !now.Before(deadline) {
		return zeroNTime
	}
	remaining := deadline.Sub(now)
	if h.halted.Len() > 0 && defaultHaltedPollCap.Before(remaining) {
		return defaultHaltedPollCap
	}
	return remaining
}

// Loop runs Exec until a stop is requested or there is nothing left to do
// (spec.md §5 "Stop semantics", §6 loop()).
func (h *Host) Loop() error {
	for h.stopReason() == StopNone {
		if h.active.Len() == 0 && h.timers.Len() == 0 && h.halted.Len() == 0 {
			break
		}
		if err := h.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// onMuxEvent is the per-readiness-tuple dispatcher of spec.md §4.5.
func (h *Host) onMuxEvent(d *Device, events DevCap, rdhup bool) {
	// 1. Clear RENEW_REQUIRED.
	d.clearCap(CapRenewRequired)

	if rdhup {
		events |= EvHup
	}

	// 2. Ready callback gates everything else.
	if d.evcb != nil && d.evcb.Ready != nil {
		switch r := d.evcb.Ready(d, events); {
		case r < 0:
			h.halt(d)
			return
		case r == 0:
			return
		}
	}

	// 3. PRI: reserved for urgent-data reads (spec.md §4.5 step 3); no core
	// device kind in this repo uses out-of-band data, so there is nothing
	// to dispatch here yet.

	// 4. OUT: drain the write queue.
	if events.has(CapOut) {
		h.drainWQForDevice(d)
		if d.cap.has(CapHalted) || d.cap.has(CapZombie) {
			return
		}
	}

	// 5. IN: read loop.
	if events.has(CapIn) {
		h.readLoopForDevice(d)
		if d.cap.has(CapHalted) || d.cap.has(CapZombie) {
			return
		}
	}

	// 6. ERR/HUP with nothing readable/writable: synthesize EOF once.
	if (events.has(EvErr) || events.has(EvHup)) && !events.has(CapIn) && !events.has(CapOut) {
		if !d.cap.has(CapInClosed) {
			var err error
			if events.has(EvErr) {
				err = NewError(ErrDevErr, "device error")
			} else {
				err = NewError(ErrDevHup, "device hangup")
			}
			if d.evcb != nil && d.evcb.OnRead != nil {
				d.evcb.OnRead(d, nil, nil, err)
			}
			d.setCap(CapInClosed | CapOutClosed | CapRenewRequired)
			if d.wq.Len() == 0 {
				h.halt(d)
				return
			}
		}
	}

	// 7. Renew watch if required.
	if !d.cap.has(CapHalted) && !d.cap.has(CapZombie) && d.cap.has(CapRenewRequired) {
		if err := d.Watch(WatchRenew, CapIn); err != nil {
			h.halt(d)
		}
		d.clearCap(CapRenewRequired)
	}
}

// drainWQForDevice implements spec.md §4.5 step 4.
func (h *Host) drainWQForDevice(d *Device) {
	for {
		el := d.wq.Front()
		if el == nil {
			break
		}
		e := el.Value.(*wqEntry)

		if e.eof {
			d.wq.remove(e)
			d.setCap(CapOutClosed | CapRenewRequired)
			if d.evcb != nil && d.evcb.OnWrite != nil {
				d.evcb.OnWrite(d, 0, e.ctx, e.dstaddr, nil)
			}
			d.drainWQSilently()
			break
		}

		var n int
		var err error
		if e.sendfile {
			n, err = d.mth.Sendfile(d, e.inFd, e.foff, e.flen)
		} else {
			n, err = d.mth.Write(d, e.data[e.off:], e.dstaddr)
		}
		if err != nil {
			if recoverableLocally(err) {
				return
			}
			h.halt(d)
			return
		}
		if n <= 0 {
			return // still blocked
		}
		if e.sendfile {
			e.foff += int64(n)
			e.flen -= n
			if e.flen > 0 {
				return
			}
		} else {
			e.off += n
			if e.off < len(e.data) {
				return
			}
		}

		h.cancelWriteTimeout(e)
		d.wq.remove(e)
		if d.evcb != nil && d.evcb.OnWrite != nil {
			d.evcb.OnWrite(d, e.olen, e.ctx, e.dstaddr, nil)
		}
	}

	if d.wq.Len() == 0 {
		if d.cap.has(CapOutClosed) && d.cap.has(CapInClosed) {
			h.halt(d)
			return
		}
	}
	d.setCap(CapRenewRequired)
}

// readLoopForDevice implements spec.md §4.5 step 5, including the mid-
// iteration CWQ drain that fixes the out-of-order bug described in
// spec.md §9 and exercised by S6.
func (h *Host) readLoopForDevice(d *Device) {
	for {
		n, srcaddr, err := d.mth.Read(d, h.bigbuf)
		if err != nil {
			if recoverableLocally(err) {
				return
			}
			if d.evcb != nil && d.evcb.OnRead != nil {
				d.evcb.OnRead(d, nil, nil, err)
			}
			h.halt(d)
			return
		}

		if d.rtmridx != InvalidTimerIndex {
			if n == 0 && d.cap.has(CapStream) {
				// Stream EOF: nothing left to read, so there is no more idle
				// period to bound. A zero-length read on a non-stream
				// (datagram) device is just an empty packet, not EOF, so it
				// falls through to the reschedule below instead.
				h.timers.Del(d.rtmridx)
			} else {
				// A read-timeout is a sliding idle timeout, not a one-shot:
				// reschedule it rather than cancelling it outright, per
				// spec.md §4.5 step 5 (original_source/lib/hio.c:727-745
				// rearms via hio_updtmrjob with its hio_devtmrjob_del call
				// commented out).
				h.timers.Upd(d.rtmridx, &TimerJob{
					When:    h.clock.now().Add(d.rtmout),
					Handler: readTimeoutFired,
					Ctx:     d,
					IdxPtr:  &d.rtmridx,
				})
			}
		}

		// Fire the entire CWQ for all devices before this device's on_read,
		// so a write that completed earlier in this same iteration is
		// reported before any new data the peer just sent.
		h.drainCWQ()

		if n == 0 && d.cap.has(CapStream) {
			d.setCap(CapInClosed | CapRenewRequired)
			if d.evcb != nil && d.evcb.OnRead != nil {
				d.evcb.OnRead(d, nil, nil, nil)
			}
			if d.wq.Len() == 0 && d.cap.has(CapOutClosed) {
				h.halt(d)
			}
			return
		}

		var data []byte
		if n > 0 {
			data = h.bigbuf[:n]
		}

		cont := 1
		if d.evcb != nil && d.evcb.OnRead != nil {
			cont = d.evcb.OnRead(d, data, srcaddr, nil)
		}
		if cont <= 0 {
			return
		}
	}
}

// ReadEnabled toggles whether the device is watched for CapIn, without
// touching CapOut (spec.md §6 dev_read).
func (d *Device) ReadEnabled(enabled bool) error {
	if enabled {
		return d.Watch(WatchUpdate, d.watched|CapIn)
	}
	return d.Watch(WatchUpdate, d.watched&^CapIn)
}

// TimedRead arms (or disarms) a read-deadline timer in addition to toggling
// read interest, spec.md §6 dev_timedread / §4.7.
func (d *Device) TimedRead(enabled bool, tmout NTime) error {
	if err := d.ReadEnabled(enabled); err != nil {
		return err
	}
	h := d.host
	if !enabled || tmout.IsZero() {
		if d.rtmridx != InvalidTimerIndex {
			h.timers.Del(d.rtmridx)
		}
		d.rtmout = zeroNTime
		return nil
	}
	d.rtmout = tmout
	job := &TimerJob{
		When:    h.clock.now().Add(tmout),
		Handler: readTimeoutFired,
		Ctx:     d,
		IdxPtr:  &d.rtmridx,
	}
	if d.rtmridx == InvalidTimerIndex {
		h.timers.Ins(job)
	} else {
		h.timers.Upd(d.rtmridx, job)
	}
	return nil
}

func readTimeoutFired(h *Host, now NTime, idx TimerIndex, ctx any) {
	d := ctx.(*Device)
	if d.cap.has(CapHalted) || d.cap.has(CapZombie) {
		return
	}
	if d.evcb != nil && d.evcb.OnRead != nil {
		d.evcb.OnRead(d, nil, nil, ErrDeadlineHit)
	}
}
