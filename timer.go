package hio

import "container/heap"

// TimerIndex is the stable opaque handle returned by timer insertion,
// spec.md's tmridx. InvalidTimerIndex (-1) is the sentinel written back once
// a job has fired or been cancelled.
type TimerIndex int

// InvalidTimerIndex is returned by timer operations that fail, and written
// back into a job's IdxPtr once the job is gone.
const InvalidTimerIndex TimerIndex = -1

// TimerHandler is invoked when a job's deadline has passed. now is the
// current loop time and idx is the job's (already-invalidated) index.
type TimerHandler func(h *Host, now NTime, idx TimerIndex, ctx any)

// TimerJob is a single scheduled callback (spec.md §3 "Timer job").
type TimerJob struct {
	When    NTime
	Handler TimerHandler
	Ctx     any

	// IdxPtr, if non-nil, is written with the job's index by Ins and Upd,
	// and with InvalidTimerIndex once the job is fired or deleted. The index
	// names a handle-table slot, so heap relocations neither change it nor
	// write IdxPtr. This is the "owner can cancel in O(log N) without a
	// scan" mechanism spec.md §4.2 mandates.
	IdxPtr *TimerIndex
}

// timerSlot is one entry of the two-level handle table: a dense array of
// slots, each pointing at the job's current position in the heap (or -1 if
// free/unused). This is the scheme spec.md §9 prescribes for languages
// without pointer-stable struct fields: "tmridx is an index into a dense
// array of slots; each slot holds the current heap position."
type timerSlot struct {
	job     *TimerJob
	heapPos int // position in the heap array, or -1 if this slot is free
	gen     uint32
}

// timerHeapEntry is what actually lives in the container/heap-backed array;
// it points back at its owning slot so relocations can update the slot's
// heapPos, and the slot is how the stable TimerIndex is realized.
type timerHeapEntry struct {
	slot int
	when NTime
	seq  uint64 // insertion sequence, breaks when-ties in FIFO order (spec.md §4.2)
}

// timerWheel is the priority-ordered timer store of spec.md §4.2, grounded
// on the teacher's timedHeap (socket515-gaio/watcher.go: container/heap
// over *aiocb, ordered by deadline) but generalized into a standalone
// component with the stable-handle semantics the spec requires (the
// teacher's heap entries are not relocatable via an owner-held index; ours
// must be).
type timerWheel struct {
	entries  []*timerHeapEntry // the heap
	slots    []timerSlot       // dense slot table, indexed by TimerIndex
	freeSlot []int             // free slot indices, LIFO reuse
	seq      uint64
}

func newTimerWheel(capacity int) *timerWheel {
	if capacity <= 0 {
		capacity = 16
	}
	return &timerWheel{
		entries: make([]*timerHeapEntry, 0, capacity),
		slots:   make([]timerSlot, 0, capacity),
	}
}

func (w *timerWheel) Len() int { return len(w.entries) }

// --- container/heap.Interface ---

func (w *timerWheel) heapLen() int { return len(w.entries) }
func (w *timerWheel) heapLess(i, j int) bool {
	a, b := w.entries[i], w.entries[j]
	if !a.when.Before(b.when) && !b.when.Before(a.when) {
		return a.seq < b.seq
	}
	return a.when.Before(b.when)
}
func (w *timerWheel) heapSwap(i, j int) {
	w.entries[i], w.entries[j] = w.entries[j], w.entries[i]
	w.slots[w.entries[i].slot].heapPos = i
	w.slots[w.entries[j].slot].heapPos = j
}
func (w *timerWheel) heapPush(x any) {
	e := x.(*timerHeapEntry)
	w.slots[e.slot].heapPos = len(w.entries)
	w.entries = append(w.entries, e)
}
func (w *timerWheel) heapPop() any {
	n := len(w.entries)
	e := w.entries[n-1]
	w.entries[n-1] = nil
	w.entries = w.entries[:n-1]
	return e
}

// heapAdapter exposes the unexported heap methods above through
// container/heap.Interface without polluting timerWheel's own public
// surface with Len/Less/Swap/Push/Pop (which would be confusing next to
// Ins/Upd/Del).
type heapAdapter struct{ w *timerWheel }

func (a heapAdapter) Len() int           { return a.w.heapLen() }
func (a heapAdapter) Less(i, j int) bool { return a.w.heapLess(i, j) }
func (a heapAdapter) Swap(i, j int)      { a.w.heapSwap(i, j) }
func (a heapAdapter) Push(x any)         { a.w.heapPush(x) }
func (a heapAdapter) Pop() any           { return a.w.heapPop() }

func (w *timerWheel) allocSlot(job *TimerJob) int {
	var idx int
	if n := len(w.freeSlot); n > 0 {
		idx = w.freeSlot[n-1]
		w.freeSlot = w.freeSlot[:n-1]
		w.slots[idx].gen++
	} else {
		idx = len(w.slots)
		w.slots = append(w.slots, timerSlot{})
	}
	w.slots[idx].job = job
	w.slots[idx].heapPos = -1
	return idx
}

// Ins inserts job into the wheel, returning its stable index and writing
// that index into job.IdxPtr if set.
func (w *timerWheel) Ins(job *TimerJob) TimerIndex {
	slotIdx := w.allocSlot(job)
	e := &timerHeapEntry{slot: slotIdx, when: job.When, seq: w.seq}
	w.seq++
	heap.Push(heapAdapter{w}, e)
	idx := TimerIndex(slotIdx)
	if job.IdxPtr != nil {
		*job.IdxPtr = idx
	}
	return idx
}

func (w *timerWheel) validSlot(idx TimerIndex) (int, bool) {
	i := int(idx)
	if i < 0 || i >= len(w.slots) || w.slots[i].job == nil {
		return 0, false
	}
	return i, true
}

// Upd repositions the job at idx, replacing its fields with newJob and
// rewriting IdxPtr on whichever job now owns the slot (spec.md §4.2: "index
// may change; idxptr is rewritten").
func (w *timerWheel) Upd(idx TimerIndex, newJob *TimerJob) TimerIndex {
	i, ok := w.validSlot(idx)
	if !ok {
		return w.Ins(newJob)
	}
	slot := &w.slots[i]
	oldPos := slot.heapPos
	slot.job = newJob
	w.entries[oldPos].when = newJob.When
	heap.Fix(heapAdapter{w}, oldPos)
	if newJob.IdxPtr != nil {
		*newJob.IdxPtr = idx
	}
	return idx
}

// Del removes the job at idx, if still present, and clears its IdxPtr.
func (w *timerWheel) Del(idx TimerIndex) {
	i, ok := w.validSlot(idx)
	if !ok {
		return
	}
	slot := &w.slots[i]
	job := slot.job
	pos := slot.heapPos
	heap.Remove(heapAdapter{w}, pos)
	if job.IdxPtr != nil {
		*job.IdxPtr = InvalidTimerIndex
	}
	slot.job = nil
	slot.heapPos = -1
	w.freeSlot = append(w.freeSlot, i)
}

// PeekDeadline returns the earliest scheduled time and true, or the zero
// value and false if the wheel is empty.
func (w *timerWheel) PeekDeadline() (NTime, bool) {
	if len(w.entries) == 0 {
		return zeroNTime, false
	}
	return w.entries[0].when, true
}

// Deadline returns the current deadline for idx.
func (w *timerWheel) Deadline(idx TimerIndex) (NTime, bool) {
	i, ok := w.validSlot(idx)
	if !ok {
		return zeroNTime, false
	}
	return w.slots[i].job.When, true
}

// FireDue pops every job whose When <= now, in ascending order, invoking
// each handler after removing it from the wheel (so a handler that
// reinserts itself, or deletes another pending job, sees a consistent
// structure - spec.md §4.2: "must tolerate reentrant mutation").
func (w *timerWheel) FireDue(h *Host, now NTime) {
	for len(w.entries) > 0 {
		top := w.entries[0]
		if now.Before(top.when) {
			break
		}
		slot := &w.slots[top.slot]
		job := slot.job
		heap.Pop(heapAdapter{w})
		if job.IdxPtr != nil {
			*job.IdxPtr = InvalidTimerIndex
		}
		slot.job = nil
		slot.heapPos = -1
		w.freeSlot = append(w.freeSlot, top.slot)
		if job.Handler != nil {
			job.Handler(h, now, InvalidTimerIndex, job.Ctx)
		}
	}
}

// ClearAll empties the wheel without invoking handlers, for teardown.
func (w *timerWheel) ClearAll() {
	for _, e := range w.entries {
		slot := &w.slots[e.slot]
		if slot.job != nil && slot.job.IdxPtr != nil {
			*slot.job.IdxPtr = InvalidTimerIndex
		}
	}
	w.entries = w.entries[:0]
	w.slots = w.slots[:0]
	w.freeSlot = w.freeSlot[:0]
}
