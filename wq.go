package hio

import "container/list"

// wqEntry is one pending (not yet fully written) submission, spec.md §3
// "Write queue entry" / §9 "write queue as intrusive list": the payload
// lives in the same allocation as the header, mirrored here by storing data
// directly on the struct rather than behind a second pointer the way a
// generic container would.
type wqEntry struct {
	dev  *Device
	elem *list.Element // this entry's node in dev.wq, once queued

	olen int // original length passed to Write/Writev/Sendfile
	data []byte
	off  int // bytes already written (cursor into data)

	sendfile bool
	inFd     uintptr
	foff     int64
	flen     int // remaining sendfile length

	ctx     any
	dstaddr *SockAddr

	eof bool // zero-length stream write = close-write marker

	tmridx  TimerIndex
	tmout   NTime
	hasTmout bool
}

// wqList is the per-device write queue, spec.md §3 "wq wq".
type wqList struct {
	l list.List
}

func (q *wqList) Len() int            { return q.l.Len() }
func (q *wqList) Front() *list.Element { return q.l.Front() }
func (q *wqList) push(e *wqEntry) {
	e.elem = q.l.PushBack(e)
}
func (q *wqList) remove(e *wqEntry) {
	q.l.Remove(e.elem)
	e.elem = nil
}

// armWriteTimeout (re)arms e's write-timeout timer, updating rather than
// deleting/reinserting when one already exists, to preserve the stable
// handle (spec.md §4.7 "timedread" note, mirrored here for writes).
func (h *Host) armWriteTimeout(e *wqEntry) {
	if !e.hasTmout {
		return
	}
	job := &TimerJob{
		When:    h.clock.now().Add(e.tmout),
		Handler: writeTimeoutFired,
		Ctx:     e,
		IdxPtr:  &e.tmridx,
	}
	if e.tmridx == InvalidTimerIndex {
		h.timers.Ins(job)
	} else {
		h.timers.Upd(e.tmridx, job)
	}
}

func (h *Host) cancelWriteTimeout(e *wqEntry) {
	if e.tmridx != InvalidTimerIndex {
		h.timers.Del(e.tmridx)
	}
}

func writeTimeoutFired(h *Host, now NTime, idx TimerIndex, ctx any) {
	e := ctx.(*wqEntry)
	d := e.dev
	if d.cap.has(CapHalted) || d.cap.has(CapZombie) {
		return
	}
	d.wq.remove(e)
	if d.evcb != nil && d.evcb.OnWrite != nil {
		d.evcb.OnWrite(d, e.olen, e.ctx, e.dstaddr, ErrDeadlineHit)
	}
	if d.wq.Len() == 0 && d.cap.has(CapOutClosed) && d.cap.has(CapInClosed) {
		h.halt(d)
	}
}

// Write submits data for writing. A zero-length write on a stream device is
// the EOF/close-write marker of spec.md §3's invariant list.
func (d *Device) Write(data []byte, ctx any, addr *SockAddr) error {
	return d.submitWrite(data, ctx, addr, zeroNTime, false)
}

// WriteTimeout is Write plus a per-entry write-timeout.
func (d *Device) WriteTimeout(data []byte, ctx any, addr *SockAddr, tmout NTime) error {
	return d.submitWrite(data, ctx, addr, tmout, true)
}

// Writev is a scatter-gather write; internally it is attempted via the
// device's Writev method when nothing is queued, and flattened into one
// buffer if it must be queued (spec.md §9 notes the immediate path is what
// benefits from true scatter-gather; the remainder is just bytes).
func (d *Device) Writev(iov [][]byte, ctx any, addr *SockAddr) error {
	return d.submitWritev(iov, ctx, addr, zeroNTime, false)
}

func (d *Device) WritevTimeout(iov [][]byte, ctx any, addr *SockAddr, tmout NTime) error {
	return d.submitWritev(iov, ctx, addr, tmout, true)
}

// Sendfile offloads a stream write to the kernel (Linux sendfile(2)); other
// platforms return ErrNoImpl rather than silently falling back to buffered
// I/O (spec.md §9 "Open questions": "Fallback ... is return NOIMPL --- not
// degrade to buffered read/write").
func (d *Device) Sendfile(inFd uintptr, off int64, n int, ctx any) error {
	if !d.cap.has(CapStream) {
		return ErrUnsupported
	}
	if d.cap.has(CapOutClosed) {
		return ErrOutClosed
	}
	if d.wq.Len() == 0 {
		written, err := d.mth.Sendfile(d, inFd, off, n)
		if err != nil && !recoverableLocally(err) {
			return err
		}
		if written >= n {
			d.host.enqueueCWQ(d, n, ctx, nil, nil)
			return nil
		}
		e := &wqEntry{dev: d, olen: n, sendfile: true, inFd: inFd, foff: off + int64(written), flen: n - written, ctx: ctx, tmridx: InvalidTimerIndex}
		d.queueWQEntry(e, zeroNTime, false)
		return nil
	}
	e := &wqEntry{dev: d, olen: n, sendfile: true, inFd: inFd, foff: off, flen: n, ctx: ctx, tmridx: InvalidTimerIndex}
	d.queueWQEntry(e, zeroNTime, false)
	return nil
}

func (d *Device) submitWrite(data []byte, ctx any, dst *SockAddr, tmout NTime, hasTmout bool) error {
	if d.cap.has(CapOutClosed) {
		return ErrOutClosed
	}

	if len(data) == 0 {
		// EOF / close-write marker.
		if d.wq.Len() == 0 {
			d.applyWriteEOF()
			return nil
		}
		e := &wqEntry{dev: d, eof: true, ctx: ctx, dstaddr: dst, tmridx: InvalidTimerIndex}
		d.queueWQEntry(e, zeroNTime, false)
		return nil
	}

	if d.wq.Len() == 0 {
		off := 0
		for off < len(data) {
			n, err := d.mth.Write(d, data[off:], dst)
			if err != nil {
				if recoverableLocally(err) {
					break
				}
				return err
			}
			if n <= 0 {
				break
			}
			off += n
			if !d.cap.has(CapStream) {
				break // non-stream: a single call reports actual bytes, no looping
			}
		}
		if off >= len(data) {
			d.host.enqueueCWQ(d, len(data), ctx, dst, nil)
			return nil
		}
		remainder := make([]byte, len(data)-off)
		copy(remainder, data[off:])
		e := &wqEntry{dev: d, olen: len(data), data: remainder, ctx: ctx, dstaddr: dst, tmridx: InvalidTimerIndex}
		d.queueWQEntry(e, tmout, hasTmout)
		return nil
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	e := &wqEntry{dev: d, olen: len(data), data: buf, ctx: ctx, dstaddr: dst, tmridx: InvalidTimerIndex}
	d.queueWQEntry(e, tmout, hasTmout)
	return nil
}

func (d *Device) submitWritev(iov [][]byte, ctx any, dst *SockAddr, tmout NTime, hasTmout bool) error {
	if d.cap.has(CapOutClosed) {
		return ErrOutClosed
	}
	total := 0
	for _, b := range iov {
		total += len(b)
	}
	if total == 0 {
		return d.submitWrite(nil, ctx, dst, tmout, hasTmout)
	}

	if d.wq.Len() == 0 {
		n, err := d.mth.Writev(d, iov, dst)
		if err != nil && !recoverableLocally(err) {
			return err
		}
		if n >= total {
			d.host.enqueueCWQ(d, total, ctx, dst, nil)
			return nil
		}
		flat := flatten(iov)
		remainder := make([]byte, total-n)
		copy(remainder, flat[n:])
		e := &wqEntry{dev: d, olen: total, data: remainder, ctx: ctx, dstaddr: dst, tmridx: InvalidTimerIndex}
		d.queueWQEntry(e, tmout, hasTmout)
		return nil
	}

	flat := flatten(iov)
	e := &wqEntry{dev: d, olen: total, data: flat, ctx: ctx, dstaddr: dst, tmridx: InvalidTimerIndex}
	d.queueWQEntry(e, tmout, hasTmout)
	return nil
}

func flatten(iov [][]byte) []byte {
	total := 0
	for _, b := range iov {
		total += len(b)
	}
	out := make([]byte, 0, total)
	for _, b := range iov {
		out = append(out, b...)
	}
	return out
}

func (d *Device) queueWQEntry(e *wqEntry, tmout NTime, hasTmout bool) {
	e.tmout, e.hasTmout = tmout, hasTmout
	d.wq.push(e)
	if hasTmout {
		d.host.armWriteTimeout(e)
	}
	if !d.cap.has(CapOutWatched) {
		// Go through Watch (not a raw mux.ctrl call) so d.watched stays the
		// source of truth WatchRenew and friends rely on.
		d.Watch(WatchUpdate, d.watched|CapOut)
	}
}

// applyWriteEOF immediately closes the write half when the queue is empty,
// per spec.md §4.6 point 5.
func (d *Device) applyWriteEOF() {
	d.setCap(CapOutClosed)
	if d.cap.has(CapInClosed) {
		d.host.halt(d)
	}
}

// drainWQSilently removes and frees every entry in the queue without
// invoking callbacks (used when the write half is closing and entries
// queued after the EOF marker must be discarded per spec.md §4.5 step 4,
// and when a device is killed per §4.4 step 2).
func (d *Device) drainWQSilently() {
	for e := d.wq.Front(); e != nil; {
		next := e.Next()
		we := e.Value.(*wqEntry)
		d.host.cancelWriteTimeout(we)
		d.wq.remove(we)
		e = next
	}
}
