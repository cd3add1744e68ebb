// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ksync

import (
	"context"
	"runtime"
	"sync"
)

type semWaiter struct {
	n    int64
	wake chan struct{}
}

// Semaphore is a counting semaphore with an optional maximum count.
// release_n wakes queued acquirers in FIFO order, only as many as the
// new count can satisfy — non-signaled waiters keep their place.
type Semaphore struct {
	mu       sync.Mutex
	count    int64
	maxCount int64 // 0 means unbounded
	queue    []*semWaiter
}

// NewSemaphore creates a semaphore starting at count, bounded by
// maxCount (0 for unbounded).
func NewSemaphore(count, maxCount int64) *Semaphore {
	return &Semaphore{count: count, maxCount: maxCount}
}

// NewBinarySemaphore returns a (1,1) binary semaphore.
func NewBinarySemaphore() *Semaphore { return NewSemaphore(1, 1) }

// TryAcquireN attempts to take n permits without blocking.
func (s *Semaphore) TryAcquireN(n int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count >= n {
		s.count -= n
		return true
	}
	return false
}

// AcquireN spin-tries then parks on the wait queue until n permits are
// available.
func (s *Semaphore) AcquireN(n int64) {
	_ = s.AcquireNContext(context.Background(), n)
}

// AcquireNContext is AcquireN with cancellation.
func (s *Semaphore) AcquireNContext(ctx context.Context, n int64) error {
	for i := 0; i < spinLimit; i++ {
		if s.TryAcquireN(n) {
			return nil
		}
		runtime.Gosched()
	}

	s.mu.Lock()
	if s.count >= n {
		s.count -= n
		s.mu.Unlock()
		return nil
	}
	w := &semWaiter{n: n, wake: make(chan struct{})}
	s.queue = append(s.queue, w)
	s.mu.Unlock()

	select {
	case <-w.wake:
		return nil
	case <-ctx.Done():
		s.removeWaiter(w)
		return ctx.Err()
	}
}

func (s *Semaphore) removeWaiter(w *semWaiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, q := range s.queue {
		if q == w {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// Acquire/TryAcquire are the n=1 convenience forms.
func (s *Semaphore) Acquire()         { s.AcquireN(1) }
func (s *Semaphore) TryAcquire() bool { return s.TryAcquireN(1) }

// ReleaseN returns n permits, clamped to maxCount, then wakes as many
// FIFO-queued waiters as the new count permits.
func (s *Semaphore) ReleaseN(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count += n
	if s.maxCount > 0 && s.count > s.maxCount {
		s.count = s.maxCount
	}
	for len(s.queue) > 0 {
		head := s.queue[0]
		if s.count < head.n {
			break
		}
		s.count -= head.n
		s.queue = s.queue[1:]
		close(head.wake)
	}
}

func (s *Semaphore) Release() { s.ReleaseN(1) }

// Count reports the current permit count.
func (s *Semaphore) Count() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}
