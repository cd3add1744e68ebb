// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sched

import (
	"container/heap"
	"math"
	"time"
)

// niceWeight is table-based per spec: weight(nice) = 1024 * 1.25^(-nice)
// for nice in [-20, 19], computed once at init so the hot path is a
// slice index rather than a pow() call.
var niceWeight [40]uint64

func init() {
	for nice := -20; nice <= 19; nice++ {
		niceWeight[nice+20] = uint64(1024 * math.Pow(1.25, float64(-nice)))
	}
}

func weightForNice(nice int) uint64 {
	if nice < -20 {
		nice = -20
	}
	if nice > 19 {
		nice = 19
	}
	return niceWeight[nice+20]
}

// vruntimeDelta converts an actual execution duration into a vruntime
// increment scaled by the thread's nice weight: Δexec * 1024 / weight.
func vruntimeDelta(actual time.Duration, nice int) uint64 {
	w := weightForNice(nice)
	return uint64(actual) * 1024 / w
}

// latencyTarget is max(6ms, min(100ms, 6ms + nrRunning*1ms)).
func latencyTarget(nrRunning int) time.Duration {
	t := 6*time.Millisecond + time.Duration(nrRunning)*time.Millisecond
	if t < 6*time.Millisecond {
		t = 6 * time.Millisecond
	}
	if t > 100*time.Millisecond {
		t = 100 * time.Millisecond
	}
	return t
}

// minGranularity is latencyTarget/5.
func minGranularity(nrRunning int) time.Duration {
	return latencyTarget(nrRunning) / 5
}

// sleepBonus discounts a newly-woken thread's vruntime so it doesn't
// start maximally behind the rest of the run queue: min(0.5*sleepTime, 50ms).
func sleepBonus(sleepTime time.Duration) uint64 {
	bonus := sleepTime / 2
	if bonus > 50*time.Millisecond {
		bonus = 50 * time.Millisecond
	}
	return uint64(bonus)
}

// cfsHeap is a min-vruntime extraction structure standing in for the
// rb-tree the source keys CFS runqueues by; per the Open Questions note
// implementers may choose the concrete structure, and container/heap
// gives the same O(log n) insert/extract-min behavior a red-black tree
// does for this access pattern.
type cfsHeap struct {
	items []*Thread
	min   uint64 // cached min_vruntime, valid even when items is empty
}

func newCFSHeap() *cfsHeap { return &cfsHeap{} }

func (h *cfsHeap) Len() int { return len(h.items) }
func (h *cfsHeap) Less(i, j int) bool {
	return h.items[i].VRuntime() < h.items[j].VRuntime()
}
func (h *cfsHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *cfsHeap) Push(x any)    { h.items = append(h.items, x.(*Thread)) }
func (h *cfsHeap) Pop() any {
	n := len(h.items)
	item := h.items[n-1]
	h.items[n-1] = nil
	h.items = h.items[:n-1]
	return item
}

// Enqueue inserts th, clamping its vruntime to at least min_vruntime
// minus a sleep bonus so a long-sleeping thread can't claim the CPU for
// an extended unfair run.
func (h *cfsHeap) Enqueue(th *Thread, sleepTime time.Duration) {
	th.mu.Lock()
	floor := h.min
	bonus := sleepBonus(sleepTime)
	if floor > bonus {
		floor -= bonus
	} else {
		floor = 0
	}
	if th.vruntime < floor {
		th.vruntime = floor
	}
	th.mu.Unlock()
	heap.Push(h, th)
	h.recomputeMin()
}

// PeekMin returns the thread with the lowest vruntime without removing it.
func (h *cfsHeap) PeekMin() (*Thread, bool) {
	if len(h.items) == 0 {
		return nil, false
	}
	return h.items[0], true
}

// Dequeue removes and returns the lowest-vruntime thread.
func (h *cfsHeap) Dequeue() (*Thread, bool) {
	if len(h.items) == 0 {
		return nil, false
	}
	th := heap.Pop(h).(*Thread)
	h.recomputeMin()
	return th, true
}

func (h *cfsHeap) recomputeMin() {
	if len(h.items) > 0 {
		h.min = h.items[0].VRuntime()
	}
}

// MinVRuntime returns the run queue's cached minimum vruntime.
func (h *cfsHeap) MinVRuntime() uint64 { return h.min }

// Fix re-establishes heap order after a thread's vruntime changed in
// place (the running thread accrues vruntime without being re-pushed).
func (h *cfsHeap) Fix(th *Thread) {
	for i, item := range h.items {
		if item == th {
			heap.Fix(h, i)
			h.recomputeMin()
			return
		}
	}
}
