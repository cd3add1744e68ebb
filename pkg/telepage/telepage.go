// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package telepage implements the telepage manager (C4): named,
// refcounted physical pages shared across address spaces, addressed by
// a stable little-endian on-page header.
package telepage

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/go-logr/logr"

	kerrors "github.com/mosaicos/kernelcore/pkg/errors"
	"github.com/mosaicos/kernelcore/pkg/memory/page"
)

var (
	ErrInvalidTelepage   = kerrors.Newf(kerrors.KindInvalidState, "telepage: invalid header")
	ErrNameAlreadyExists = kerrors.Newf(kerrors.KindNameCollision, "telepage: name already exists")
	ErrNotFound          = kerrors.Newf(kerrors.KindNotFound, "telepage: not found")
	ErrPermissionDenied  = kerrors.Newf(kerrors.KindPermissionDenied, "telepage: permission denied")
	ErrLocked            = kerrors.Newf(kerrors.KindLocked, "telepage: locked")
)

// Type selects a telepage's initial flags.
type Type int

const (
	Normal Type = iota
	SystemInfo
	MessagePassing
	LockFreeQueue
)

func initialFlags(t Type) Flags {
	switch t {
	case SystemInfo:
		return FlagReadOnly
	case MessagePassing:
		return FlagWriteThrough | FlagAutoVersioning
	case LockFreeQueue:
		return FlagWriteThrough | FlagUncacheable
	default:
		return FlagNormal
	}
}

// AddressSpace is the minimal virtual-address allocator a process needs
// for telepage mappings: a free-region finder and its inverse.
type AddressSpace interface {
	MapRegion(size uint64, hint uint64) (uint64, error)
	UnmapRegion(vaddr uint64) error
}

// Meta is a read-only snapshot of a telepage's header and bookkeeping
// state, returned by Get.
type Meta struct {
	ID            uint64
	Name          string
	CreatorPID    uint32
	Type          Type
	Flags         Flags
	Frame         page.Frame
	Version       uint64
	Readers       int32
	Writers       int32
	Locked        bool
	LastWriterPID uint32
	LastUpdate    time.Time
	Refcount      int32
}

// telepage is the live, mutable telepage state. Header counters
// (version, readers, writers, lock, last_writer_pid, timestamp) are
// atomics: the source of truth, mirrored into the on-page byte buffer
// only when callers ask for the wire encoding.
type telepage struct {
	id         uint64
	name       string
	creatorPID uint32
	typ        Type
	flags      Flags
	frame      page.Frame
	userFlags  uint64

	version             atomic.Uint64
	readers             atomic.Int32
	writers             atomic.Int32
	lock                atomic.Uint32
	lastWriterPID       atomic.Uint32
	lastUpdateTimestamp atomic.Int64
	refcount            atomic.Int32

	mu       sync.Mutex
	mappings map[uint32]map[uint64]struct{} // pid -> set of vaddrs
}

func (t *telepage) snapshot() Meta {
	return Meta{
		ID:            t.id,
		Name:          t.name,
		CreatorPID:    t.creatorPID,
		Type:          t.typ,
		Flags:         t.flags,
		Frame:         t.frame,
		Version:       t.version.Load(),
		Readers:       t.readers.Load(),
		Writers:       t.writers.Load(),
		Locked:        t.lock.Load() == 1,
		LastWriterPID: t.lastWriterPID.Load(),
		LastUpdate:    time.Unix(0, t.lastUpdateTimestamp.Load()),
		Refcount:      t.refcount.Load(),
	}
}

// encode renders the current state as the stable on-page ABI header.
func (t *telepage) encode() []byte {
	return encodeHeader(rawHeader{
		Magic:               Magic,
		Version:             t.version.Load(),
		Flags:               uint32(t.flags),
		CreatorPID:          t.creatorPID,
		Readers:             uint32(t.readers.Load()),
		Writers:             uint32(t.writers.Load()),
		Lock:                t.lock.Load(),
		LastWriterPID:       t.lastWriterPID.Load(),
		LastUpdateTimestamp: uint64(t.lastUpdateTimestamp.Load()),
		UserFlags:           t.userFlags,
		Name:                encodeName(t.name),
	})
}

// Manager owns the telepage namespace and a per-process reverse index
// for process_exit cleanup.
type Manager struct {
	mu sync.RWMutex

	alloc *page.Allocator

	byID      map[uint64]*telepage
	byProcess map[uint32]map[uint64]struct{}
	nextID    uint64

	catalog *badger.DB
	logger  logr.Logger
}

// New creates a Manager backed by alloc. It opens an in-memory badger
// instance as the name->id catalog: the only source of truth for name
// resolution and listing. byID stays in-memory because telepage itself
// holds live atomics that have no business round-tripping through a
// KV store; the catalog holds only the stable (name, id) pairing.
func New(alloc *page.Allocator, logger logr.Logger) (*Manager, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true))
	if err != nil {
		return nil, fmt.Errorf("telepage: opening catalog: %w", err)
	}
	return &Manager{
		alloc:     alloc,
		byID:      make(map[uint64]*telepage),
		byProcess: make(map[uint32]map[uint64]struct{}),
		catalog:   db,
		logger:    logger.WithName("telepage"),
	}, nil
}

// Close releases the in-memory catalog.
func (m *Manager) Close() error {
	return m.catalog.Close()
}

// Create allocates one zeroed physical page and registers a new
// telepage under name, owned by creator.
func (m *Manager) Create(name string, creator uint32, t Type) (uint64, error) {
	if len(name) == 0 || len(name) > maxNameLen {
		return 0, kerrors.Newf(kerrors.KindInvalidState, "telepage: name length %d out of range [1,%d]", len(name), maxNameLen)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, found := m.FindByName(name); found {
		return 0, ErrNameAlreadyExists
	}

	flags := initialFlags(t)
	memType := page.Normal
	if flags.Has(FlagUncacheable) {
		memType = page.DeviceUncached
	}
	frame, ok := m.alloc.AllocPages(1, page.UserUsed|page.Shared, memType, creator)
	if !ok {
		return 0, kerrors.Newf(kerrors.KindOutOfMemory, "telepage: no free page for %q", name)
	}

	m.nextID++
	id := m.nextID
	tp := &telepage{
		id:         id,
		name:       name,
		creatorPID: creator,
		typ:        t,
		flags:      flags,
		frame:      frame,
		mappings:   make(map[uint32]map[uint64]struct{}),
	}
	tp.version.Store(1)
	tp.refcount.Store(1)
	tp.lastUpdateTimestamp.Store(time.Now().UnixNano())

	m.byID[id] = tp
	if m.byProcess[creator] == nil {
		m.byProcess[creator] = make(map[uint64]struct{})
	}
	m.byProcess[creator][id] = struct{}{}

	if err := m.catalog.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(name), encodeID(id))
	}); err != nil {
		m.logger.Error(err, "catalog write failed", "name", name)
	}

	return id, nil
}

func encodeID(id uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(id >> (8 * i))
	}
	return b
}

func decodeID(b []byte) uint64 {
	var id uint64
	for i := 0; i < 8 && i < len(b); i++ {
		id |= uint64(b[i]) << (8 * i)
	}
	return id
}

// FindByName resolves name to a telepage id by reading the badger
// catalog — the catalog, not an in-memory map, is the source of truth
// for name resolution.
func (m *Manager) FindByName(name string) (uint64, bool) {
	var id uint64
	err := m.catalog.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(name))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			id = decodeID(val)
			return nil
		})
	})
	if err != nil {
		return 0, false
	}
	return id, true
}

// ListNames returns every live telepage name the catalog currently
// holds, iterating badger directly rather than any in-memory index.
func (m *Manager) ListNames() ([]string, error) {
	var names []string
	err := m.catalog.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			names = append(names, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("telepage: listing catalog: %w", err)
	}
	return names, nil
}

// Get returns a point-in-time snapshot of telepage id's header state.
func (m *Manager) Get(id uint64) (Meta, bool) {
	m.mu.RLock()
	tp, ok := m.byID[id]
	m.mu.RUnlock()
	if !ok {
		return Meta{}, false
	}
	return tp.snapshot(), true
}

// EncodedHeader returns the stable on-page ABI bytes for id, useful for
// callers that cross a real transport boundary (coherence, transfer).
func (m *Manager) EncodedHeader(id uint64) ([]byte, error) {
	m.mu.RLock()
	tp, ok := m.byID[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return tp.encode(), nil
}

// Map increments refcount and establishes a (pid, vaddr) mapping in
// addrSpace. No permissions are passed to addrSpace: a SystemInfo
// telepage is mapped like any other and stays read-only only through
// BeginWrite's check, and a LockFreeQueue's uncached memory type is set
// on its frame by Create, not by the mapping.
func (m *Manager) Map(id uint64, pid uint32, addrSpace AddressSpace, vaddrHint uint64) (uint64, error) {
	m.mu.Lock()
	tp, ok := m.byID[id]
	m.mu.Unlock()
	if !ok {
		return 0, ErrNotFound
	}

	vaddr, err := addrSpace.MapRegion(m.alloc.PageSize(), vaddrHint)
	if err != nil {
		return 0, fmt.Errorf("telepage: mapping region: %w", err)
	}

	tp.mu.Lock()
	if tp.mappings[pid] == nil {
		tp.mappings[pid] = make(map[uint64]struct{})
	}
	tp.mappings[pid][vaddr] = struct{}{}
	tp.mu.Unlock()
	tp.refcount.Add(1)

	m.mu.Lock()
	if m.byProcess[pid] == nil {
		m.byProcess[pid] = make(map[uint64]struct{})
	}
	m.byProcess[pid][id] = struct{}{}
	m.mu.Unlock()

	return vaddr, nil
}

// Unmap removes the (pid, vaddr) mapping. If refcount drops to 0 the
// telepage is destroyed.
func (m *Manager) Unmap(id uint64, pid uint32, addrSpace AddressSpace, vaddr uint64) error {
	m.mu.Lock()
	tp, ok := m.byID[id]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	tp.mu.Lock()
	set := tp.mappings[pid]
	if set == nil {
		tp.mu.Unlock()
		return kerrors.Newf(kerrors.KindInvalidState, "telepage: %d not mapped by pid %d", id, pid)
	}
	if _, present := set[vaddr]; !present {
		tp.mu.Unlock()
		return kerrors.Newf(kerrors.KindInvalidAddress, "telepage: vaddr %#x not mapped", vaddr)
	}
	delete(set, vaddr)
	if len(set) == 0 {
		delete(tp.mappings, pid)
	}
	tp.mu.Unlock()

	if err := addrSpace.UnmapRegion(vaddr); err != nil {
		return fmt.Errorf("telepage: unmapping region: %w", err)
	}

	remaining := tp.refcount.Add(-1)
	if remaining <= 0 {
		return m.destroy(tp)
	}
	return nil
}

// ProcessExit tears down every mapping pid held. A process that is the
// creator of a telepage destroys it outright, regardless of other live
// mappings; otherwise its own mappings are decremented one by one.
func (m *Manager) ProcessExit(pid uint32) {
	m.mu.Lock()
	ids := make([]uint64, 0, len(m.byProcess[pid]))
	for id := range m.byProcess[pid] {
		ids = append(ids, id)
	}
	delete(m.byProcess, pid)
	m.mu.Unlock()

	for _, id := range ids {
		m.mu.Lock()
		tp, ok := m.byID[id]
		m.mu.Unlock()
		if !ok {
			continue
		}
		if tp.creatorPID == pid {
			_ = m.destroy(tp)
			continue
		}
		tp.mu.Lock()
		n := len(tp.mappings[pid])
		delete(tp.mappings, pid)
		tp.mu.Unlock()
		if n == 0 {
			n = 1
		}
		if tp.refcount.Add(-int32(n)) <= 0 {
			_ = m.destroy(tp)
		}
	}
}

// destroy removes tp from every index and returns its page to C1.
func (m *Manager) destroy(tp *telepage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[tp.id]; !ok {
		return nil // already destroyed by a concurrent caller
	}
	delete(m.byID, tp.id)
	for pid, ids := range m.byProcess {
		delete(ids, tp.id)
		if len(ids) == 0 {
			delete(m.byProcess, pid)
		}
	}
	if err := m.catalog.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(tp.name))
	}); err != nil {
		m.logger.Error(err, "catalog delete failed", "name", tp.name)
	}
	return m.alloc.FreePages(tp.frame)
}

// Lock performs the header's 0->1 compare-and-set.
func (m *Manager) Lock(id uint64) error {
	tp, err := m.lookup(id)
	if err != nil {
		return err
	}
	if !tp.lock.CompareAndSwap(0, 1) {
		return ErrLocked
	}
	return nil
}

// Unlock stores 0 unconditionally, matching the spec's unlock contract.
func (m *Manager) Unlock(id uint64) error {
	tp, err := m.lookup(id)
	if err != nil {
		return err
	}
	tp.lock.Store(0)
	return nil
}

// BeginRead increments the reader count.
func (m *Manager) BeginRead(id uint64) error {
	tp, err := m.lookup(id)
	if err != nil {
		return err
	}
	tp.readers.Add(1)
	return nil
}

// EndRead decrements the reader count.
func (m *Manager) EndRead(id uint64) error {
	tp, err := m.lookup(id)
	if err != nil {
		return err
	}
	tp.readers.Add(-1)
	return nil
}

// BeginWrite rejects read-only telepages and enforces the single-writer
// invariant via a 0->1 compare-and-set on the writer count.
func (m *Manager) BeginWrite(id uint64, pid uint32) error {
	tp, err := m.lookup(id)
	if err != nil {
		return err
	}
	if tp.flags.Has(FlagReadOnly) {
		return ErrPermissionDenied
	}
	if !tp.writers.CompareAndSwap(0, 1) {
		return ErrLocked
	}
	return nil
}

// EndWrite records the writer and timestamp, bumping version when
// AUTO_VERSIONING is set.
func (m *Manager) EndWrite(id uint64, pid uint32) error {
	tp, err := m.lookup(id)
	if err != nil {
		return err
	}
	tp.lastWriterPID.Store(pid)
	tp.lastUpdateTimestamp.Store(time.Now().UnixNano())
	if tp.flags.Has(FlagAutoVersioning) {
		tp.version.Add(1)
	}
	tp.writers.Store(0)
	return nil
}

func (m *Manager) lookup(id uint64) (*telepage, error) {
	m.mu.RLock()
	tp, ok := m.byID[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return tp, nil
}
