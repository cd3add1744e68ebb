// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sched

import (
	"container/heap"
	"time"
)

// dlHeap is a min-heap over absolute deadlines, implementing Earliest
// Deadline First.
type dlHeap struct {
	items []*Thread
}

func newDLHeap() *dlHeap { return &dlHeap{} }

func (h *dlHeap) Len() int { return len(h.items) }
func (h *dlHeap) Less(i, j int) bool {
	return h.items[i].Deadline().Before(h.items[j].Deadline())
}
func (h *dlHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *dlHeap) Push(x any)    { h.items = append(h.items, x.(*Thread)) }
func (h *dlHeap) Pop() any {
	n := len(h.items)
	item := h.items[n-1]
	h.items[n-1] = nil
	h.items = h.items[:n-1]
	return item
}

func (h *dlHeap) Enqueue(th *Thread) { heap.Push(h, th) }

// PeekViable returns the earliest-deadline thread, provided it hasn't
// already missed its deadline (deadline > now). schedule() only
// dispatches through the Deadline class when this holds; a thread
// whose deadline has already passed is a miss handled separately
// (recorded and demoted to CFS), not dispatched late.
func (h *dlHeap) PeekViable(now time.Time) (*Thread, bool) {
	if len(h.items) == 0 {
		return nil, false
	}
	top := h.items[0]
	if !top.Deadline().After(now) {
		return nil, false
	}
	return top, true
}

// PeekMissed returns the earliest-deadline thread if it has already
// missed its deadline (deadline <= now).
func (h *dlHeap) PeekMissed(now time.Time) (*Thread, bool) {
	if len(h.items) == 0 {
		return nil, false
	}
	top := h.items[0]
	if top.Deadline().After(now) {
		return nil, false
	}
	return top, true
}

// Dequeue removes and returns the earliest-deadline thread.
func (h *dlHeap) Dequeue() (*Thread, bool) {
	if len(h.items) == 0 {
		return nil, false
	}
	return heap.Pop(h).(*Thread), true
}
