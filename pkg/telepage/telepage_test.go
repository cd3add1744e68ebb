// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package telepage_test

import (
	"strings"
	"sync"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosaicos/kernelcore/pkg/memory/page"
	"github.com/mosaicos/kernelcore/pkg/telepage"
)

// fakeAddressSpace hands out sequential vaddrs; a real implementation
// would track a process's free virtual regions.
type fakeAddressSpace struct {
	mu   sync.Mutex
	next uint64
	live map[uint64]struct{}
}

func newFakeAddressSpace() *fakeAddressSpace {
	return &fakeAddressSpace{next: 0x1000, live: make(map[uint64]struct{})}
}

func (f *fakeAddressSpace) MapRegion(size uint64, hint uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vaddr := hint
	if vaddr == 0 {
		vaddr = f.next
		f.next += size
	}
	f.live[vaddr] = struct{}{}
	return vaddr, nil
}

func (f *fakeAddressSpace) UnmapRegion(vaddr uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, vaddr)
	return nil
}

func newManager(t *testing.T) *telepage.Manager {
	t.Helper()
	alloc := page.New(64, 4096, 1, logr.Discard())
	m, err := telepage.New(alloc, logr.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestCreateAndFindByName(t *testing.T) {
	m := newManager(t)
	id, err := m.Create("buf", 1, telepage.MessagePassing)
	require.NoError(t, err)

	found, ok := m.FindByName("buf")
	require.True(t, ok)
	assert.Equal(t, id, found)

	meta, ok := m.Get(id)
	require.True(t, ok)
	assert.Equal(t, uint32(1), meta.CreatorPID)
	assert.EqualValues(t, 1, meta.Refcount)
	assert.EqualValues(t, 1, meta.Version)
}

func TestCreateNameCollision(t *testing.T) {
	m := newManager(t)
	_, err := m.Create("dup", 1, telepage.Normal)
	require.NoError(t, err)
	_, err = m.Create("dup", 2, telepage.Normal)
	assert.ErrorIs(t, err, telepage.ErrNameAlreadyExists)
}

func TestCreateNameLengthBoundary(t *testing.T) {
	m := newManager(t)
	ok31 := strings.Repeat("a", 31)
	_, err := m.Create(ok31, 1, telepage.Normal)
	assert.NoError(t, err)

	tooLong := strings.Repeat("b", 32)
	_, err = m.Create(tooLong, 1, telepage.Normal)
	assert.Error(t, err)
}

// Testable property from spec §8 scenario 3: telepage share.
func TestTelepageShareVersioning(t *testing.T) {
	m := newManager(t)
	as1 := newFakeAddressSpace()
	as2 := newFakeAddressSpace()

	id, err := m.Create("shared", 1, telepage.MessagePassing)
	require.NoError(t, err)

	_, err = m.Map(id, 1, as1, 0)
	require.NoError(t, err)
	vaddr2, err := m.Map(id, 2, as2, 0)
	require.NoError(t, err)

	meta, _ := m.Get(id)
	initialVersion := meta.Version

	require.NoError(t, m.BeginWrite(id, 1))
	require.NoError(t, m.EndWrite(id, 1))

	meta, _ = m.Get(id)
	assert.Equal(t, initialVersion+1, meta.Version)
	assert.Equal(t, uint32(1), meta.LastWriterPID)

	require.NoError(t, m.Unmap(id, 2, as2, vaddr2))
}

func TestUnmapRejectsPidWithNoMapping(t *testing.T) {
	m := newManager(t)
	as := newFakeAddressSpace()

	id, err := m.Create("ephemeral", 1, telepage.Normal)
	require.NoError(t, err)
	vaddr, err := m.Map(id, 2, as, 0)
	require.NoError(t, err)
	require.NoError(t, m.Unmap(id, 2, as, vaddr))

	// Creator pid 1 never called Map itself, so it holds no mapping to
	// unmap; the telepage still exists via its creation-time refcount.
	err = m.Unmap(id, 1, as, 0)
	assert.Error(t, err)
	_, ok := m.Get(id)
	assert.True(t, ok)
}

func TestProcessExitDestroysCreatorOwnedTelepage(t *testing.T) {
	m := newManager(t)
	as := newFakeAddressSpace()

	id, err := m.Create("owned", 7, telepage.Normal)
	require.NoError(t, err)
	_, err = m.Map(id, 8, as, 0)
	require.NoError(t, err)

	m.ProcessExit(7)

	_, ok := m.Get(id)
	assert.False(t, ok, "creator exit must destroy the telepage regardless of other mappings")
	_, ok = m.FindByName("owned")
	assert.False(t, ok)
}

func TestBeginWriteRejectsReadOnly(t *testing.T) {
	m := newManager(t)
	id, err := m.Create("ro", 1, telepage.SystemInfo)
	require.NoError(t, err)
	err = m.BeginWrite(id, 1)
	assert.ErrorIs(t, err, telepage.ErrPermissionDenied)
}

func TestLockUnlockCAS(t *testing.T) {
	m := newManager(t)
	id, err := m.Create("lockable", 1, telepage.Normal)
	require.NoError(t, err)

	require.NoError(t, m.Lock(id))
	err = m.Lock(id)
	assert.ErrorIs(t, err, telepage.ErrLocked)

	require.NoError(t, m.Unlock(id))
	require.NoError(t, m.Lock(id))
}
