// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package ksync implements the kernel's synchronization primitives
// (C9): a writer-priority RwLock, a Mutex built symmetric to its write
// path, and a FIFO-fair counting Semaphore. Every primitive spins a
// bounded number of iterations before parking on a wait queue, mirroring
// the spin-then-block discipline a real kernel uses to avoid paying
// scheduler overhead on short critical sections.
package ksync

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

const spinLimit = 100

// writerBit marks the MSB of the state word; the remaining bits count
// active readers.
const writerBit = uint64(1) << 63

// RwLock is a single-atomic-word reader/writer lock. Release wakes one
// waiting writer if any, else every waiting reader, which prevents a
// continuous stream of readers from starving a writer.
type RwLock struct {
	state atomic.Uint64

	mu          sync.Mutex
	writerQueue []chan struct{}
	readerQueue []chan struct{}

	writerOwner   uint64 // actor id currently holding the write lock, 0 = none
	writerRecurse int    // nested RLock calls by writerOwner
}

// NewRwLock returns an unlocked RwLock.
func NewRwLock() *RwLock { return &RwLock{} }

// TryLock attempts the uncontended write path only: CAS state 0->writerBit.
func (l *RwLock) TryLock() bool {
	return l.state.CompareAndSwap(0, writerBit)
}

// Lock acquires the write lock, spinning briefly before parking a
// waiter. actor identifies the calling thread/goroutine so a later
// RLock by the same actor can recurse without touching state.
func (l *RwLock) Lock(actor uint64) {
	_ = l.LockContext(context.Background(), actor)
}

// LockContext is Lock with cancellation; returns ctx.Err() if cancelled
// before acquiring.
func (l *RwLock) LockContext(ctx context.Context, actor uint64) error {
	for i := 0; i < spinLimit; i++ {
		if l.TryLock() {
			l.setWriterOwner(actor)
			return nil
		}
		runtime.Gosched()
	}

	for {
		l.mu.Lock()
		if l.TryLock() {
			l.mu.Unlock()
			l.setWriterOwner(actor)
			return nil
		}
		wake := make(chan struct{})
		l.writerQueue = append(l.writerQueue, wake)
		l.mu.Unlock()

		select {
		case <-wake:
			if l.TryLock() {
				l.setWriterOwner(actor)
				return nil
			}
		case <-ctx.Done():
			l.removeWriterWaiter(wake)
			return ctx.Err()
		}
	}
}

// LockTimeout bounds the wait; on timeout the caller is dequeued
// without holding the lock.
func (l *RwLock) LockTimeout(actor uint64, d time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return l.LockContext(ctx, actor) == nil
}

func (l *RwLock) setWriterOwner(actor uint64) {
	l.mu.Lock()
	l.writerOwner = actor
	l.mu.Unlock()
}

func (l *RwLock) removeWriterWaiter(wake chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, w := range l.writerQueue {
		if w == wake {
			l.writerQueue = append(l.writerQueue[:i], l.writerQueue[i+1:]...)
			return
		}
	}
}

// Unlock releases the write lock and wakes the next waiter per the
// writer-priority policy.
func (l *RwLock) Unlock() {
	l.mu.Lock()
	l.writerOwner = 0
	l.writerRecurse = 0
	l.mu.Unlock()

	l.state.Store(0)
	l.wake()
}

func (l *RwLock) wake() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.writerQueue) > 0 {
		w := l.writerQueue[0]
		l.writerQueue = l.writerQueue[1:]
		close(w)
		return
	}
	for _, w := range l.readerQueue {
		close(w)
	}
	l.readerQueue = nil
}

// TryRLock attempts the uncontended read path: CAS-increment the
// reader count when no writer holds the lock. Queued writers do not
// make it fail.
func (l *RwLock) TryRLock() bool {
	for {
		cur := l.state.Load()
		if cur&writerBit != 0 {
			return false
		}
		if l.state.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// RLock acquires a read lock. If actor already owns the write lock, it
// recurses without touching state (a writer may read its own write).
func (l *RwLock) RLock(actor uint64) {
	l.mu.Lock()
	if l.writerOwner != 0 && l.writerOwner == actor {
		l.writerRecurse++
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	for i := 0; i < spinLimit; i++ {
		if l.TryRLock() {
			return
		}
		runtime.Gosched()
	}

	for {
		l.mu.Lock()
		if l.TryRLock() {
			l.mu.Unlock()
			return
		}
		wake := make(chan struct{})
		l.readerQueue = append(l.readerQueue, wake)
		l.mu.Unlock()
		<-wake
	}
}

// RUnlock releases a read lock previously taken by actor.
func (l *RwLock) RUnlock(actor uint64) {
	l.mu.Lock()
	if l.writerOwner != 0 && l.writerOwner == actor && l.writerRecurse > 0 {
		l.writerRecurse--
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	for {
		cur := l.state.Load()
		if l.state.CompareAndSwap(cur, cur-1) {
			if cur-1 == 0 {
				l.wake()
			}
			return
		}
	}
}
