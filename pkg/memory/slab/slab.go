// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package slab implements the SLUB-style object cache (C2) layered over
// the buddy page allocator: per-size and named caches, per-page free
// lists, and per-CPU magazines that amortize the cache lock on the hot
// allocate/deallocate path.
package slab

import (
	"fmt"
	"sort"
	"sync"

	"github.com/go-logr/logr"

	"github.com/mosaicos/kernelcore/pkg/memory/page"
)

// MaxCacheObjectSize is the largest object size served by a slab cache.
// Larger requests fall back to the caller's general allocator (the
// buddy path in pkg/memory/page), per the C2 contract.
const MaxCacheObjectSize = 2048

// cpuCacheSize bounds each per-CPU magazine's LIFO depth.
const cpuCacheSize = 8

// SizeClasses are the pre-created size-class caches, in ascending order.
var SizeClasses = []int{8, 16, 32, 64, 128, 256, 512, 1024, 2048}

// Ptr identifies a live object: the slab page that backs it and its slot
// index within that page. It stands in for the spec's raw object
// pointer; Go has no address arithmetic to reclaim, so ownership is
// recovered by frame lookup instead of pointer-range probing.
type Ptr struct {
	Frame page.Frame
	Slot  uint32
}

// slabPage is one page-allocator block formatted as a cache's slab: a
// capacity of equal-sized object slots with a free-list of open slot
// indices.
type slabPage struct {
	frame     page.Frame
	capacity  int
	free      []uint32 // free slot indices, LIFO
	used      int
}

func (sp *slabPage) utilization() float64 {
	if sp.capacity == 0 {
		return 0
	}
	return float64(sp.used) / float64(sp.capacity)
}

// headerSize is the per-object metadata overhead reserved in each slot:
// always a free-list next slot, plus (when memory-saving is off) room
// for a page back-pointer. It only sizes the slot; free resolves the
// owning page through the frame maps in either mode.
func headerSize(memorySaving bool) int {
	if memorySaving {
		return 8
	}
	return 16
}

// Cache is a SLUB-style object cache for a single object size.
type Cache struct {
	mu sync.Mutex

	name         string
	objectSize   int
	align        int
	slotSize     int
	capacity     int // objects per slab page
	memorySaving bool

	backing *page.Allocator
	logger  logr.Logger

	frames  map[page.Frame]*slabPage
	partial map[page.Frame]*slabPage
	full    map[page.Frame]*slabPage
	empty   map[page.Frame]*slabPage

	magazines [][]Ptr // magazines[cpu] is that CPU's bounded LIFO

	allocCount uint64
	freeCount  uint64
}

func roundUp(n, align int) int {
	if align <= 1 {
		return n
	}
	return ((n + align - 1) / align) * align
}

func newCache(name string, objectSize, align int, numCPU int, memorySaving bool, backing *page.Allocator, logger logr.Logger) *Cache {
	slot := roundUp(objectSize, align) + headerSize(memorySaving)
	capacity := int(backing.PageSize()) / slot
	if capacity < 1 {
		capacity = 1
	}
	return &Cache{
		name:         name,
		objectSize:   objectSize,
		align:        align,
		slotSize:     slot,
		capacity:     capacity,
		memorySaving: memorySaving,
		backing:      backing,
		logger:       logger.WithName("slab").WithValues("cache", name),
		frames:       make(map[page.Frame]*slabPage),
		partial:      make(map[page.Frame]*slabPage),
		full:         make(map[page.Frame]*slabPage),
		empty:        make(map[page.Frame]*slabPage),
		magazines:    make([][]Ptr, numCPU),
	}
}

// Name, ObjectSize, Capacity report the cache's static configuration.
func (c *Cache) Name() string    { return c.name }
func (c *Cache) ObjectSize() int { return c.objectSize }
func (c *Cache) Capacity() int   { return c.capacity }

// allocate serves one object, trying the per-CPU magazine first (no
// lock), then the global lists, then a fresh page from the backing
// allocator.
func (c *Cache) allocate(cpu int) (Ptr, bool) {
	mag := &c.magazines[cpu]
	if n := len(*mag); n > 0 {
		ptr := (*mag)[n-1]
		*mag = (*mag)[:n-1]
		c.allocCount++
		return ptr, true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.refillLocked(cpu) {
		return Ptr{}, false
	}
	n := len(*mag)
	ptr := (*mag)[n-1]
	*mag = (*mag)[:n-1]
	c.allocCount++
	return ptr, true
}

// refillLocked pulls slots from an existing partial/empty page, or
// allocates a new slab page from C1, and stages them in the CPU's
// magazine up to cpuCacheSize. Caller holds c.mu.
func (c *Cache) refillLocked(cpu int) bool {
	mag := &c.magazines[cpu]
	want := cpuCacheSize - len(*mag)
	if want <= 0 {
		return true
	}

	for frame, sp := range c.partial {
		c.drawFromPage(mag, sp, &want)
		c.reclassify(frame, sp)
		if want == 0 {
			return true
		}
	}
	for frame, sp := range c.empty {
		c.drawFromPage(mag, sp, &want)
		c.reclassify(frame, sp)
		if want == 0 {
			return true
		}
	}

	frame, ok := c.backing.AllocPages(1, page.KernelUsed, page.Normal, 0)
	if !ok {
		return len(*mag) > 0
	}
	sp := &slabPage{frame: frame, capacity: c.capacity}
	for i := c.capacity - 1; i >= 0; i-- {
		sp.free = append(sp.free, uint32(i))
	}
	c.frames[frame] = sp
	c.drawFromPage(mag, sp, &want)
	c.reclassify(frame, sp)
	return true
}

func (c *Cache) drawFromPage(mag *[]Ptr, sp *slabPage, want *int) {
	for *want > 0 && len(sp.free) > 0 {
		slot := sp.free[len(sp.free)-1]
		sp.free = sp.free[:len(sp.free)-1]
		sp.used++
		*mag = append(*mag, Ptr{Frame: sp.frame, Slot: slot})
		*want--
	}
}

// reclassify moves sp between empty/partial/full based on used_count,
// per the invariant that a slab page is in exactly one list.
func (c *Cache) reclassify(frame page.Frame, sp *slabPage) {
	delete(c.partial, frame)
	delete(c.full, frame)
	delete(c.empty, frame)
	switch {
	case sp.used == 0:
		c.empty[frame] = sp
	case sp.used == sp.capacity:
		c.full[frame] = sp
	default:
		c.partial[frame] = sp
	}
}

// deallocate returns ptr to its owning page, pushing to the per-CPU
// magazine first and flushing half to the global lists on overflow.
func (c *Cache) deallocate(cpu int, ptr Ptr) bool {
	c.mu.Lock()
	_, owned := c.frames[ptr.Frame]
	c.mu.Unlock()
	if !owned {
		return false
	}

	mag := &c.magazines[cpu]
	if len(*mag) >= cpuCacheSize {
		c.mu.Lock()
		half := cpuCacheSize / 2
		for i := 0; i < half && len(*mag) > 0; i++ {
			n := len(*mag)
			c.returnLocked((*mag)[n-1])
			*mag = (*mag)[:n-1]
		}
		c.mu.Unlock()
	}
	*mag = append(*mag, ptr)
	c.freeCount++
	return true
}

func (c *Cache) returnLocked(ptr Ptr) {
	sp, ok := c.frames[ptr.Frame]
	if !ok {
		return
	}
	sp.free = append(sp.free, ptr.Slot)
	sp.used--
	c.reclassify(ptr.Frame, sp)
}

// drainLocked flushes cpu's magazine straight to the global lists.
// Caller holds c.mu.
func (c *Cache) drainLocked(cpu int) {
	mag := &c.magazines[cpu]
	for _, ptr := range *mag {
		c.returnLocked(ptr)
	}
	*mag = (*mag)[:0]
}

// shrinkLocked releases empty-list pages, and partial pages under 25%
// utilization, back to the backing allocator, returning the freed
// frames. Caller holds c.mu.
func (c *Cache) shrinkLocked() []page.Frame {
	var freed []page.Frame
	for frame, sp := range c.empty {
		if err := c.backing.FreePages(sp.frame); err == nil {
			delete(c.empty, frame)
			delete(c.frames, frame)
			freed = append(freed, frame)
		}
	}
	for frame, sp := range c.partial {
		if sp.utilization() >= 0.25 {
			continue
		}
		if err := c.backing.FreePages(sp.frame); err == nil {
			delete(c.partial, frame)
			delete(c.frames, frame)
			freed = append(freed, frame)
		}
	}
	return freed
}

// CacheStats is a point-in-time snapshot of one cache's occupancy.
type CacheStats struct {
	Name           string
	ObjectSize     int
	Capacity       int
	PagesPartial   int
	PagesFull      int
	PagesEmpty     int
	ObjectsInUse   uint64
	AllocCount     uint64
	FreeCount      uint64
}

func (c *Cache) stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	inUse := uint64(0)
	for _, sp := range c.frames {
		inUse += uint64(sp.used)
	}
	return CacheStats{
		Name:         c.name,
		ObjectSize:   c.objectSize,
		Capacity:     c.capacity,
		PagesPartial: len(c.partial),
		PagesFull:    len(c.full),
		PagesEmpty:   len(c.empty),
		ObjectsInUse: inUse,
		AllocCount:   c.allocCount,
		FreeCount:    c.freeCount,
	}
}

// Manager owns the pre-created size-class caches plus any named caches
// created on demand, and routes allocate/deallocate by probing cache
// membership of the request's frame.
type Manager struct {
	mu sync.RWMutex

	backing      *page.Allocator
	numCPU       int
	memorySaving bool
	logger       logr.Logger

	sizeClasses map[int]*Cache
	named       map[string]*Cache
	owner       map[page.Frame]*Cache // frame -> owning cache, for deallocate-by-ptr
}

// New creates a Manager with the standard size-class caches pre-created
// over backing.
func New(backing *page.Allocator, numCPU int, memorySaving bool, logger logr.Logger) *Manager {
	if numCPU < 1 {
		numCPU = 1
	}
	m := &Manager{
		backing:      backing,
		numCPU:       numCPU,
		memorySaving: memorySaving,
		logger:       logger.WithName("slab-manager"),
		sizeClasses:  make(map[int]*Cache),
		named:        make(map[string]*Cache),
		owner:        make(map[page.Frame]*Cache),
	}
	for _, sz := range SizeClasses {
		m.sizeClasses[sz] = newCache(fmt.Sprintf("size-%d", sz), sz, 8, numCPU, memorySaving, backing, m.logger)
	}
	return m
}

func sizeClassFor(size, align int) (int, bool) {
	want := size
	if align > want {
		want = align
	}
	idx := sort.SearchInts(SizeClasses, want)
	if idx == len(SizeClasses) {
		return 0, false
	}
	return SizeClasses[idx], true
}

// Allocate serves size bytes aligned to align from the appropriate
// size-class cache. It returns ok=false for size > MaxCacheObjectSize,
// meaning the caller should fall back to the general (buddy) allocator,
// and also for size-class page exhaustion.
func (m *Manager) Allocate(cpu, size, align int) (Ptr, bool) {
	if size > MaxCacheObjectSize {
		return Ptr{}, false
	}
	class, ok := sizeClassFor(size, align)
	if !ok {
		return Ptr{}, false
	}
	m.mu.RLock()
	c := m.sizeClasses[class]
	m.mu.RUnlock()
	ptr, ok := c.allocate(cpu % len(c.magazines))
	if ok {
		m.registerOwner(ptr.Frame, c)
	}
	return ptr, ok
}

// CreateCache creates a named cache on demand. Returns false if name is
// already registered.
func (m *Manager) CreateCache(name string, objectSize, align int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.named[name]; exists {
		return false
	}
	m.named[name] = newCache(name, objectSize, align, m.numCPU, m.memorySaving, m.backing, m.logger)
	return true
}

// AllocateFromCache allocates one object from the named cache.
func (m *Manager) AllocateFromCache(cpu int, name string) (Ptr, bool) {
	m.mu.RLock()
	c, exists := m.named[name]
	m.mu.RUnlock()
	if !exists {
		return Ptr{}, false
	}
	ptr, ok := c.allocate(cpu % len(c.magazines))
	if ok {
		m.registerOwner(ptr.Frame, c)
	}
	return ptr, ok
}

// DestroyCache frees every page owned by the named cache back to the
// backing allocator and removes it. Returns false if name is unknown.
func (m *Manager) DestroyCache(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, exists := m.named[name]
	if !exists {
		return false
	}
	c.mu.Lock()
	for frame := range c.frames {
		_ = m.backing.FreePages(frame)
		delete(m.owner, frame)
	}
	c.mu.Unlock()
	delete(m.named, name)
	return true
}

func (m *Manager) registerOwner(frame page.Frame, c *Cache) {
	m.mu.Lock()
	m.owner[frame] = c
	m.mu.Unlock()
}

func (m *Manager) allCaches() []*Cache {
	m.mu.RLock()
	defer m.mu.RUnlock()
	caches := make([]*Cache, 0, len(m.sizeClasses)+len(m.named))
	for _, c := range m.sizeClasses {
		caches = append(caches, c)
	}
	for _, c := range m.named {
		caches = append(caches, c)
	}
	return caches
}

// Deallocate locates ptr's owning cache by frame and returns the object.
// It logs and returns false if ptr is not owned by any cache.
func (m *Manager) Deallocate(cpu int, ptr Ptr) bool {
	m.mu.RLock()
	c, ok := m.owner[ptr.Frame]
	m.mu.RUnlock()
	if !ok {
		m.logger.Info("deallocate of unowned pointer ignored", "frame", ptr.Frame)
		return false
	}
	return c.deallocate(cpu%len(c.magazines), ptr)
}

// DrainCPUCaches flushes every cache's per-CPU magazines to their
// global lists. Used before reconfiguration or Shrink.
func (m *Manager) DrainCPUCaches() {
	for _, c := range m.allCaches() {
		c.mu.Lock()
		for cpu := range c.magazines {
			c.drainLocked(cpu)
		}
		c.mu.Unlock()
	}
}

// Shrink releases under-utilized pages across every cache back to C1,
// returning the total page count released.
func (m *Manager) Shrink() int {
	released := 0
	for _, c := range m.allCaches() {
		c.mu.Lock()
		freed := c.shrinkLocked()
		c.mu.Unlock()
		if len(freed) == 0 {
			continue
		}
		m.mu.Lock()
		for _, frame := range freed {
			delete(m.owner, frame)
		}
		m.mu.Unlock()
		released += len(freed)
	}
	return released
}

// Stats returns a snapshot of every cache's occupancy, size classes
// first in ascending order, then named caches.
func (m *Manager) Stats() []CacheStats {
	stats := make([]CacheStats, 0, len(m.sizeClasses)+len(m.named))
	for _, sz := range SizeClasses {
		m.mu.RLock()
		c := m.sizeClasses[sz]
		m.mu.RUnlock()
		stats = append(stats, c.stats())
	}
	m.mu.RLock()
	names := make([]string, 0, len(m.named))
	for name := range m.named {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	for _, name := range names {
		m.mu.RLock()
		c := m.named[name]
		m.mu.RUnlock()
		stats = append(stats, c.stats())
	}
	return stats
}
