// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sched

import (
	"time"

	"k8s.io/client-go/util/workqueue"

	"github.com/mosaicos/kernelcore/pkg/archhost"
	"github.com/mosaicos/kernelcore/pkg/ksync"
)

// CPUStats accumulates per-CPU scheduling counters.
type CPUStats struct {
	ContextSwitches uint64
	Migrations      uint64
	RTThrottled     uint64
	DeadlineMisses  uint64
}

// runQueue is one CPU's private run queue: CFS tree, RT arrays,
// deadline heap, fast-path queue, and idle/current bookkeeping. It is
// protected by its own ksync.Mutex, the "per-CPU spinlock" the
// concurrency model describes. Blocked threads are not held on any
// run-queue structure.
type runQueue struct {
	idx int

	lock ksync.Mutex

	cfs *cfsHeap
	rt  *rtArrays
	dl  *dlHeap
	fp  workqueue.TypedInterface[archhost.ThreadID]

	idle         bool
	current      *Thread
	currentClass Policy
	nrRunning    int
	preemptCount int32

	loadAvg [3]float64 // 1/5/15-minute EMAs, sampled every 5s

	rtWindowStart time.Time
	rtBusy        time.Duration
	rtThrottledAt time.Time

	stats CPUStats
}

func newRunQueue(idx int) *runQueue {
	return &runQueue{
		idx:           idx,
		cfs:           newCFSHeap(),
		rt:            newRTArrays(),
		dl:            newDLHeap(),
		fp:            workqueue.NewTyped[archhost.ThreadID](),
		idle:          true,
		rtWindowStart: time.Now(),
	}
}

// enqueue places th on the structure matching its policy. Callers must
// hold rq.lock.
func (rq *runQueue) enqueueLocked(th *Thread, sleepTime time.Duration) {
	switch {
	case th.Policy() == Deadline:
		rq.dl.Enqueue(th)
	case th.Policy().isRT():
		rq.rt.Enqueue(th)
	case th.Policy() == Normal || th.Policy() == Batch:
		rq.cfs.Enqueue(th, sleepTime)
	default: // Idle class: always available as the last resort, not tree-managed
		rq.fp.Add(th.ID)
	}
	th.setState(Ready)
	rq.nrRunning++
}

// pickTreeLocked implements the Deadline → RT → CFS portion of
// schedule()'s priority order. When rtThrottled is set, the RT array
// is skipped entirely even if non-empty, per the bandwidth-throttling
// rule. Callers must hold rq.lock. A false result means the caller
// should fall through to the fast-path queue and then idle.
func (rq *runQueue) pickTreeLocked(now time.Time, rtThrottled bool) (*Thread, bool) {
	if th, ok := rq.dl.PeekViable(now); ok {
		rq.dl.Dequeue()
		rq.nrRunning--
		return th, true
	}
	if !rtThrottled {
		if th, ok := rq.rt.Dequeue(); ok {
			rq.nrRunning--
			return th, true
		}
	}
	if th, ok := rq.cfs.Dequeue(); ok {
		rq.nrRunning--
		return th, true
	}
	return nil, false
}

// dequeueFastPath pops the next fast-path thread id, if any. The
// fast-path queue only ever holds Idle-class threads (see
// enqueueLocked's default case), so resolving the id back to a Thread
// is the scheduler's job, not the run queue's — the run queue has no
// handle on the global thread table.
func (rq *runQueue) dequeueFastPath() (archhost.ThreadID, bool) {
	if rq.fp.Len() == 0 {
		return 0, false
	}
	id, shutdown := rq.fp.Get()
	if shutdown {
		return 0, false
	}
	rq.fp.Done(id)
	rq.nrRunning--
	return id, true
}

// Len reports the total runnable count across every structure.
func (rq *runQueue) Len() int {
	return rq.nrRunning
}
