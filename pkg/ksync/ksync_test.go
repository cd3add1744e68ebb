// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ksync_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosaicos/kernelcore/pkg/ksync"
)

func TestRwLockMutualExclusion(t *testing.T) {
	l := ksync.NewRwLock()
	l.Lock(1)
	assert.False(t, l.TryLock())
	assert.False(t, l.TryRLock())
	l.Unlock()
	assert.True(t, l.TryLock())
	l.Unlock()
}

func TestRwLockMultipleReaders(t *testing.T) {
	l := ksync.NewRwLock()
	require.True(t, l.TryRLock())
	require.True(t, l.TryRLock())
	assert.False(t, l.TryLock())
	l.RUnlock(0)
	l.RUnlock(0)
	assert.True(t, l.TryLock())
	l.Unlock()
}

func TestRwLockRecursiveReadAfterWrite(t *testing.T) {
	l := ksync.NewRwLock()
	const actor = 42
	l.Lock(actor)
	// Same actor re-entering as a reader must not deadlock.
	done := make(chan struct{})
	go func() {
		l.RLock(actor)
		l.RUnlock(actor)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("recursive read after write deadlocked")
	}
	l.Unlock()
}

func TestRwLockWriterPriorityOverReaders(t *testing.T) {
	l := ksync.NewRwLock()
	l.Lock(1)

	var wg sync.WaitGroup
	writerDone := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.Lock(2)
		close(writerDone)
		l.Unlock()
	}()
	time.Sleep(10 * time.Millisecond) // let writer 2 queue up

	readerDone := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.RLock(3)
		l.RUnlock(3)
		close(readerDone)
	}()
	time.Sleep(10 * time.Millisecond)

	l.Unlock() // release the original writer; queued writer should win

	select {
	case <-writerDone:
	case <-time.After(time.Second):
		t.Fatal("queued writer never acquired the lock")
	}
	wg.Wait()
}

func TestRwLockLockTimeout(t *testing.T) {
	l := ksync.NewRwLock()
	l.Lock(1)
	ok := l.LockTimeout(2, 20*time.Millisecond)
	assert.False(t, ok)
	l.Unlock()
}

func TestMutexBasic(t *testing.T) {
	m := ksync.NewMutex()
	m.Lock()
	assert.False(t, m.TryLock())
	m.Unlock()
	assert.True(t, m.TryLock())
	m.Unlock()
}

func TestMutexLockContextCancel(t *testing.T) {
	m := ksync.NewMutex()
	m.Lock()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.LockContext(ctx)
	assert.Error(t, err)
	m.Unlock()
}

func TestSemaphoreBasic(t *testing.T) {
	s := ksync.NewSemaphore(2, 2)
	assert.True(t, s.TryAcquireN(2))
	assert.False(t, s.TryAcquire())
	s.ReleaseN(1)
	assert.True(t, s.TryAcquire())
	assert.Equal(t, int64(0), s.Count())
}

func TestSemaphoreReleaseClampsToMax(t *testing.T) {
	s := ksync.NewSemaphore(0, 3)
	s.ReleaseN(10)
	assert.Equal(t, int64(3), s.Count())
}

func TestSemaphoreFIFOWake(t *testing.T) {
	s := ksync.NewSemaphore(0, 10)
	order := make(chan int, 2)

	go func() {
		s.AcquireN(1)
		order <- 1
	}()
	time.Sleep(10 * time.Millisecond)
	go func() {
		s.AcquireN(1)
		order <- 2
	}()
	time.Sleep(10 * time.Millisecond)

	s.ReleaseN(1)
	first := <-order
	assert.Equal(t, 1, first)
	s.ReleaseN(1)
	second := <-order
	assert.Equal(t, 2, second)
}

func TestBinarySemaphore(t *testing.T) {
	s := ksync.NewBinarySemaphore()
	assert.True(t, s.TryAcquire())
	assert.False(t, s.TryAcquire())
	s.Release()
	assert.True(t, s.TryAcquire())
}
