package hio

// MakeDevice implements spec.md §4.4 dev_make: allocate, call the vtable's
// Make, register for input-readiness by default, then place the device on
// the active list.
func (h *Host) MakeDevice(mth devMethods, evcb *EventCallbacks, makeCtx any) (*Device, error) {
	d := &Device{host: h, mth: mth, evcb: evcb, rtmridx: InvalidTimerIndex, zombieTimer: InvalidTimerIndex}

	if err := mth.Make(d, makeCtx); err != nil {
		mth.FailBeforeMake(makeCtx)
		return nil, err
	}

	if !d.cap.has(CapVirtual) {
		if err := d.Watch(WatchStart, CapIn); err != nil {
			h.unwindFailedMake(d)
			return nil, err
		}
	}

	d.listElem = h.active.PushBack(d)
	d.setCap(CapActive)
	h.obs.Debug().Msg("device made")
	return d, nil
}

// unwindFailedMake handles a failure in steps 3-4 of spec.md §4.4: attempt
// a clean kill, falling back to the zombie/retry path if that too fails.
func (h *Host) unwindFailedMake(d *Device) {
	if err := d.mth.Kill(d, 0); err != nil {
		h.scheduleZombieRetry(d)
		return
	}
}

// Halt moves d from active to halted, asynchronously: spec.md §5
// "Cancellation" - it does not call OnDisconnect or free anything; reaping
// happens at the end of the current dispatch iteration. Idempotent.
func (h *Host) halt(d *Device) {
	if d.cap.has(CapHalted) || d.cap.has(CapZombie) {
		return
	}
	if d.listElem != nil {
		h.active.Remove(d.listElem)
	}
	d.clearCap(CapActive)
	d.setCap(CapHalted)
	d.listElem = h.halted.PushBack(d)
}

// Halt is the public equivalent of dev_halt.
func (d *Device) Halt() { d.host.halt(d) }

// reapHalted walks the halted list once (spec.md §2 step 8) and kills every
// device found there, moving each to zombie on failure.
func (h *Host) reapHalted() {
	for el := h.halted.Front(); el != nil; {
		next := el.Next()
		d := el.Value.(*Device)
		h.kill(d, 0)
		el = next
	}
}

// kill implements spec.md §4.4 dev_kill. force escalates 0->1->2 across
// zombie retries.
func (h *Host) kill(d *Device, force int) {
	if d.cap.has(CapZombie) {
		h.retryZombieKill(d, force)
		return
	}

	h.cancelReadTimeout(d)
	h.drainDeviceCWQ(d)
	d.drainWQSilently()
	d.Watch(WatchStop, 0)

	if d.evcb != nil && d.evcb.OnDisconnect != nil {
		d.evcb.OnDisconnect(d)
	}

	h.unlinkDevice(d)

	if err := d.mth.Kill(d, force); err != nil {
		d.setCap(CapZombie)
		d.listElem = h.zombie.PushBack(d)
		h.scheduleZombieRetry(d)
		return
	}
	h.obs.Debug().Msg("device killed")
}

// Kill is the public equivalent of dev_kill(dev).
func (d *Device) Kill() { d.host.kill(d, 0) }

func (h *Host) unlinkDevice(d *Device) {
	if d.listElem == nil {
		return
	}
	switch {
	case d.cap.has(CapActive):
		h.active.Remove(d.listElem)
	case d.cap.has(CapHalted):
		h.halted.Remove(d.listElem)
	case d.cap.has(CapZombie):
		h.zombie.Remove(d.listElem)
	}
	d.listElem = nil
	d.clearCap(CapActive | CapHalted | CapZombie)
}

func (h *Host) cancelReadTimeout(d *Device) {
	if d.rtmridx != InvalidTimerIndex {
		h.timers.Del(d.rtmridx)
	}
}

// scheduleZombieRetry arms the 3s (default, spec.md §4.4) retry timer that
// re-attempts mth.Kill with escalating force until it succeeds or force
// reaches 2 (destroy anyway, leaking resources).
func (h *Host) scheduleZombieRetry(d *Device) {
	if !d.cap.has(CapZombie) {
		d.setCap(CapZombie)
		d.listElem = h.zombie.PushBack(d)
	}
	job := &TimerJob{
		When:    h.clock.now().Add(h.cfg.zombieRetry),
		Handler: zombieRetryFired,
		Ctx:     d,
		IdxPtr:  &d.zombieTimer,
	}
	h.timers.Ins(job)
}

func zombieRetryFired(h *Host, now NTime, idx TimerIndex, ctx any) {
	d := ctx.(*Device)
	h.retryZombieKill(d, d.killForce)
}

// retryZombieKill re-enters step 2 of spec.md §4.4's kill() with escalated
// force. Under a global stop request the loop escalates straight to forced
// free rather than waiting out further retries (spec.md §5).
func (h *Host) retryZombieKill(d *Device, force int) {
	if h.stopReason() != StopNone {
		force = 2
	}
	if err := d.mth.Kill(d, force); err != nil {
		if force >= 2 {
			// Destroy anyway, leaking whatever the vtable couldn't release.
			h.unlinkDevice(d)
			return
		}
		d.killForce = force + 1
		h.scheduleZombieRetry(d)
		return
	}
	h.unlinkDevice(d)
	h.obs.Debug().Msg("zombie device reaped")
}
