package hio

// WatchCmd is the dev_watch command of spec.md §6.
type WatchCmd int

const (
	WatchStart WatchCmd = iota
	WatchUpdate
	WatchRenew
	WatchStop
)

// Watch drives the device's multiplexer registration, spec.md §4.4 step 3
// and §4.5 step 7. events is the desired subset of {CapIn, CapOut, CapPri};
// WatchStart defaults to CapIn alone when events is zero, matching
// spec.md §4.4's "defaults to watching input only; transport code widens
// this".
func (d *Device) Watch(cmd WatchCmd, events DevCap) error {
	events = eventsToPollBits(events)
	switch cmd {
	case WatchStart:
		if d.cap.has(CapVirtual) {
			return nil
		}
		if events == 0 {
			events = CapIn
		}
		if err := d.host.mux.ctrl(muxInsert, d, events); err != nil {
			return err
		}
		d.watched = events
		d.setCap(CapWatchStarted)
		d.clearCap(CapWatchSuspended)
		return nil

	case WatchUpdate:
		if d.cap.has(CapVirtual) {
			return nil
		}
		if events == 0 {
			// Suspending: still known to the multiplexer, but no events
			// requested (spec.md glossary "Suspended watch").
			if err := d.host.mux.ctrl(muxUpdate, d, 0); err != nil {
				return err
			}
			d.watched = 0
			d.setCap(CapWatchSuspended)
			d.clearCap(CapInWatched | CapOutWatched | CapPriWatched)
			return nil
		}
		// A suspended device is still registered on every backend here
		// (epoll and poll keep it with an empty interest set, kqueue keeps
		// its fd mapping with the filters removed), so re-enabling it is an
		// update; an insert would be rejected as a duplicate by epoll and poll.
		if err := d.host.mux.ctrl(muxUpdate, d, events); err != nil {
			return err
		}
		d.watched = events
		d.clearCap(CapWatchSuspended)
		d.applyWatchBits(events)
		return nil

	case WatchRenew:
		if d.cap.has(CapVirtual) {
			return nil
		}
		merged := d.watched | events
		// OUT tracks the write queue, not whatever was last registered:
		// a renew must not keep OUT watched once the WQ has drained, and
		// must not drop OUT while it is still non-empty (original_source/
		// lib/hio.c:1333-1334).
		if d.wq.Len() == 0 {
			merged &^= CapOut
		} else {
			merged |= CapOut
		}
		if err := d.host.mux.ctrl(muxUpdate, d, merged); err != nil {
			return err
		}
		d.watched = merged
		d.applyWatchBits(merged)
		return nil

	case WatchStop:
		if d.cap.has(CapVirtual) {
			return nil
		}
		err := d.host.mux.ctrl(muxDelete, d, 0)
		d.watched = 0
		d.clearCap(CapInWatched | CapOutWatched | CapPriWatched | CapWatchStarted | CapWatchSuspended)
		return err
	}
	return nil
}

func (d *Device) applyWatchBits(events DevCap) {
	d.clearCap(CapInWatched | CapOutWatched | CapPriWatched)
	if events.has(CapIn) {
		d.setCap(CapInWatched)
	}
	if events.has(CapOut) {
		d.setCap(CapOutWatched)
	}
	if events.has(CapPri) {
		d.setCap(CapPriWatched)
	}
}
