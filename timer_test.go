package hio

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func nt(sec int64) NTime { return NTime{Sec: sec} }

func TestTimerWheelFiresInDeadlineOrder(t *testing.T) {
	w := newTimerWheel(4)
	var fired []int64

	mk := func(sec int64) *TimerJob {
		return &TimerJob{
			When: nt(sec),
			Handler: func(h *Host, now NTime, idx TimerIndex, ctx any) {
				fired = append(fired, ctx.(int64))
			},
			Ctx: sec,
		}
	}

	w.Ins(mk(30))
	w.Ins(mk(10))
	w.Ins(mk(20))

	w.FireDue(nil, nt(100))
	require.Equal(t, []int64{10, 20, 30}, fired)
	require.Equal(t, 0, w.Len())
}

func TestTimerWheelFiresOnlyDueJobs(t *testing.T) {
	w := newTimerWheel(4)
	var fired []int64
	mk := func(sec int64) *TimerJob {
		return &TimerJob{When: nt(sec), Handler: func(h *Host, now NTime, idx TimerIndex, ctx any) {
			fired = append(fired, ctx.(int64))
		}, Ctx: sec}
	}
	w.Ins(mk(5))
	w.Ins(mk(15))

	w.FireDue(nil, nt(10))
	require.Equal(t, []int64{5}, fired)
	require.Equal(t, 1, w.Len())

	w.FireDue(nil, nt(20))
	require.Equal(t, []int64{5, 15}, fired)
	require.Equal(t, 0, w.Len())
}

func TestTimerIndexStableAcrossRelocation(t *testing.T) {
	w := newTimerWheel(4)
	var idx2 TimerIndex

	job1 := &TimerJob{When: nt(10)}
	job2 := &TimerJob{When: nt(20), IdxPtr: &idx2}

	w.Ins(job1)
	idx := w.Ins(job2)
	require.Equal(t, idx, idx2)

	// Insert several more jobs ahead of job2's deadline, forcing heap
	// relocations; idx2 must still resolve to job2's current deadline.
	for sec := int64(1); sec <= 5; sec++ {
		w.Ins(&TimerJob{When: nt(sec)})
	}

	dl, ok := w.Deadline(idx2)
	require.True(t, ok)
	require.Equal(t, nt(20), dl)
}

func TestTimerInsUpdDelLaw(t *testing.T) {
	w := newTimerWheel(4)
	var idx TimerIndex

	job := &TimerJob{When: nt(50), IdxPtr: &idx}
	i1 := w.Ins(job)
	require.Equal(t, i1, idx)

	updated := &TimerJob{When: nt(5), IdxPtr: &idx}
	i2 := w.Upd(i1, updated)
	require.Equal(t, i2, idx)

	dl, ok := w.PeekDeadline()
	require.True(t, ok)
	require.Equal(t, nt(5), dl)

	w.Del(i2)
	require.Equal(t, InvalidTimerIndex, idx)
	require.Equal(t, 0, w.Len())

	_, ok = w.PeekDeadline()
	require.False(t, ok)
}

func TestTimerDelOnAlreadyFiredIndexIsNoop(t *testing.T) {
	w := newTimerWheel(4)
	var idx TimerIndex
	w.Ins(&TimerJob{When: nt(1), IdxPtr: &idx, Handler: func(*Host, NTime, TimerIndex, any) {}})
	w.FireDue(nil, nt(10))
	require.Equal(t, InvalidTimerIndex, idx)

	require.NotPanics(t, func() { w.Del(idx) })
}

func TestTimerSameDeadlineFIFOTieBreak(t *testing.T) {
	w := newTimerWheel(4)
	var fired []int
	mk := func(tag int) *TimerJob {
		return &TimerJob{When: nt(1), Handler: func(*Host, NTime, TimerIndex, any) {
			fired = append(fired, tag)
		}, Ctx: tag}
	}
	w.Ins(mk(1))
	w.Ins(mk(2))
	w.Ins(mk(3))
	w.FireDue(nil, nt(1))
	require.Equal(t, []int{1, 2, 3}, fired)
}
