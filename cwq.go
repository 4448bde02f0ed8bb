package hio

import "container/list"

// cwqFreeListBuckets is the number of size classes in the CWQ free list,
// spec.md §3: "cwqfl[N] ... 16 buckets aligned to 16 bytes".
const cwqFreeListBuckets = 16

// cwqEntry is a completed write awaiting its on_write callback, spec.md §3
// "Completed-write entry". Keeping it host-wide (rather than per-device)
// lets the dispatcher drain every pending completion before firing the
// next device's on_read, which is what makes the S6 ordering guarantee
// possible (spec.md §4.5 step 5, §9 "Out-of-order fix").
type cwqEntry struct {
	dev     *Device
	ctx     any
	olen    int
	dstaddr *SockAddr
	err     error
	elem    *list.Element
}

// sizeClass mirrors spec.md §3's "align_pow2(dstaddr.len, 16)/16": entries
// whose destination address serializes compactly are recycled through a
// size-classed free list instead of being garbage, same as the original's
// allocator-conscious design.
func sizeClass(a *SockAddr) int {
	n := 0
	if a != nil {
		n = a.EncodedLen()
	}
	aligned := (n + 15) &^ 15
	class := aligned / 16
	if class >= cwqFreeListBuckets {
		return cwqFreeListBuckets - 1
	}
	return class
}

// enqueueCWQ appends a completed-write entry. Per spec.md §4.6 point 3,
// completions are never delivered inline from Write/Writev/Sendfile; they
// always go through this queue so on_write always runs at a consistent
// point in the loop, bounding recursion from a callback that issues another
// write.
func (h *Host) enqueueCWQ(d *Device, olen int, ctx any, dst *SockAddr, err error) {
	var e *cwqEntry
	for class := sizeClass(dst); class >= 0; class-- {
		if n := len(h.cwqFree[class]); n > 0 {
			e = h.cwqFree[class][n-1]
			h.cwqFree[class] = h.cwqFree[class][:n-1]
			break
		}
	}
	if e == nil {
		e = &cwqEntry{}
	}
	e.dev, e.olen, e.ctx, e.dstaddr, e.err = d, olen, ctx, dst, err
	e.elem = h.cwq.PushBack(e)
	d.cwCount++
}

// drainCWQ invokes every queued completion's on_write callback, then
// recycles the entry. It is called at several points in the loop (spec.md
// §2 steps 2 and 4, §4.5 step 5) and is idempotent on an empty queue.
func (h *Host) drainCWQ() {
	for el := h.cwq.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*cwqEntry)
		h.cwq.Remove(el)
		d := e.dev
		d.cwCount--
		if d.evcb != nil && d.evcb.OnWrite != nil {
			d.evcb.OnWrite(d, e.olen, e.ctx, e.dstaddr, e.err)
		}
		h.recycleCWQ(e)
		el = next
	}
}

func (h *Host) recycleCWQ(e *cwqEntry) {
	class := sizeClass(e.dstaddr)
	e.dev, e.ctx, e.dstaddr, e.err = nil, nil, nil, nil
	if len(h.cwqFree[class]) < 64 {
		h.cwqFree[class] = append(h.cwqFree[class], e)
	}
}

// drainDeviceCWQ forcibly delivers (and removes) every CWQ entry owned by
// d, used when d is killed (spec.md §3 invariant list: "CWQ entries for a
// device are forcibly delivered when the device is killed").
func (h *Host) drainDeviceCWQ(d *Device) {
	if d.cwCount == 0 {
		return
	}
	for el := h.cwq.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*cwqEntry)
		if e.dev == d {
			h.cwq.Remove(el)
			d.cwCount--
			if d.evcb != nil && d.evcb.OnWrite != nil {
				func() {
					defer func() { recover() }() // errors from a dying device's callback must not halt it further
					d.evcb.OnWrite(d, e.olen, e.ctx, e.dstaddr, e.err)
				}()
			}
			h.recycleCWQ(e)
		}
		el = next
	}
}
