// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ext

import (
	"sync"
	"sync/atomic"

	"github.com/mosaicos/kernelcore/pkg/sched"
)

// GPUTask is a unit of GPU-class work: the CFS/RT thread that
// requested it plus the GPU memory it declared it needs.
type GPUTask struct {
	Thread      *sched.Thread
	MemoryBytes uint64
}

// GPUQueue is a single GPU device's FIFO task queue with capacity
// caps on concurrent tasks and device memory, per §4.8's GPU queue
// model.
type GPUQueue struct {
	DeviceID       int
	MaxConcurrency int
	MaxMemory      uint64

	mu    sync.Mutex
	queue []GPUTask

	activeTasks atomic.Int64
	memoryUsage atomic.Uint64
}

// NewGPUQueue constructs an empty queue for deviceID.
func NewGPUQueue(deviceID int, maxConcurrency int, maxMemory uint64) *GPUQueue {
	return &GPUQueue{
		DeviceID:       deviceID,
		MaxConcurrency: maxConcurrency,
		MaxMemory:      maxMemory,
	}
}

func (q *GPUQueue) ActiveTasks() int    { return int(q.activeTasks.Load()) }
func (q *GPUQueue) MemoryUsage() uint64 { return q.memoryUsage.Load() }

// Enqueue appends task, rejecting it if the device's memory budget
// would overflow. The budget counts the memory of tasks still queued
// as well as the memory reserved by dispatched tasks.
func (q *GPUQueue) Enqueue(task GPUTask) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	committed := q.memoryUsage.Load()
	for _, queued := range q.queue {
		committed += queued.MemoryBytes
	}
	if task.MemoryBytes+committed > q.MaxMemory {
		return false
	}
	q.queue = append(q.queue, task)
	return true
}

// DispatchNext pops the front task, provided the device isn't already
// at max concurrency, and reserves its memory footprint.
func (q *GPUQueue) DispatchNext() (GPUTask, bool) {
	if q.activeTasks.Load() >= int64(q.MaxConcurrency) {
		return GPUTask{}, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queue) == 0 {
		return GPUTask{}, false
	}
	task := q.queue[0]
	q.queue = q.queue[1:]
	q.memoryUsage.Add(task.MemoryBytes)
	q.activeTasks.Add(1)
	return task, true
}

// TaskCompleted releases task's reserved concurrency slot and memory.
func (q *GPUQueue) TaskCompleted(task GPUTask) {
	q.memoryUsage.Add(-task.MemoryBytes)
	q.activeTasks.Add(-1)
}

// Len reports the number of tasks currently queued (not yet dispatched).
func (q *GPUQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}
