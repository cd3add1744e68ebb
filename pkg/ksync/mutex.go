// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ksync

import (
	"context"
	"time"
)

// Mutex is not independently specified; it is symmetric to RwLock's
// write path with a single fixed actor, since a plain mutex has no
// reader-recursion concept.
type Mutex struct {
	rw RwLock
}

const mutexActor = ^uint64(0)

func NewMutex() *Mutex { return &Mutex{} }

func (m *Mutex) TryLock() bool { return m.rw.TryLock() }

func (m *Mutex) Lock() { m.rw.Lock(mutexActor) }

func (m *Mutex) LockContext(ctx context.Context) error {
	return m.rw.LockContext(ctx, mutexActor)
}

func (m *Mutex) LockTimeout(d time.Duration) bool { return m.rw.LockTimeout(mutexActor, d) }

func (m *Mutex) Unlock() { m.rw.Unlock() }
