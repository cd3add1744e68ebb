// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package page

import (
	"math/bits"
	"sync"

	"github.com/go-logr/logr"

	kerrors "github.com/mosaicos/kernelcore/pkg/errors"
)

// Frame is a physical page frame number, i.e. an index into the
// allocator's frame arena. Frame 0 is the first frame at the arena base.
type Frame uint64

const maxRefcount = ^uint16(0)

// meta is the per-frame metadata record. All frames belonging to the same
// allocation carry an identical copy of this struct; the head frame is
// the one whose index is aligned to 1<<Order.
type meta struct {
	Flags    Flags
	Refcount uint16
	Order    uint8
	MemType  MemType
	Owner    uint32 // 0 == kernel
	Node     int
}

// Stats is a point-in-time snapshot of allocator-wide counters.
type Stats struct {
	TotalFrames     int
	FreeFrames      int
	AllocatedFrames int
	ReservedFrames  int
	MMIOFrames      int
}

// Allocator is a buddy-style physical page allocator over a fixed arena
// of 2^maxOrder frames. Frames beyond the caller's requested frame count
// are pre-reserved so they are never handed out.
type Allocator struct {
	mu sync.Mutex

	pageSize  uint64
	maxOrder  int
	frames    []meta
	free      []map[Frame]struct{} // free[order] = set of free block head frames at that order
	numaNodes int
	nodeSize  Frame // frames per NUMA node, for the simple node-local split

	logger logr.Logger
}

// New creates an allocator over enough frames to cover wantFrames,
// rounded up to the next power of two. Frames beyond wantFrames are
// marked Reserved and are never returned by AllocPages. numaNodes must be
// >= 1; frames are split evenly across nodes (simple node-local policy,
// not NUMA-optimal per the stated non-goal).
func New(wantFrames int, pageSize uint64, numaNodes int, logger logr.Logger) *Allocator {
	if wantFrames < 1 {
		wantFrames = 1
	}
	if numaNodes < 1 {
		numaNodes = 1
	}
	order := bits.Len(uint(wantFrames - 1))
	total := 1 << order

	a := &Allocator{
		pageSize:  pageSize,
		maxOrder:  order,
		frames:    make([]meta, total),
		free:      make([]map[Frame]struct{}, order+1),
		numaNodes: numaNodes,
		nodeSize:  Frame((total + numaNodes - 1) / numaNodes),
		logger:    logger.WithName("page"),
	}
	for i := range a.free {
		a.free[i] = make(map[Frame]struct{})
	}
	for f := range a.frames {
		a.frames[f].Flags = Free
		a.frames[f].Node = a.nodeOf(Frame(f))
	}
	a.free[order][0] = struct{}{}
	a.frames[0].Order = uint8(order)

	// Reserve the tail beyond wantFrames so it is never allocated: split
	// the single top-level block down until the reserved tail is isolated.
	if total > wantFrames {
		a.reserveFrom(Frame(wantFrames))
	}
	return a
}

// MarkRange marks [from, from+count) as Reserved or MMIO. It must be
// called only at boot, before any AllocPages call, against frames that
// are still Free; it is how the boot memory map's reserved/MMIO regions
// are carved out ahead of general allocation.
func (a *Allocator) MarkRange(from, count Frame, kind Flags) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for f := from; f < from+count; {
		order, head, ok := a.blockContaining(f)
		if !ok {
			f++
			continue
		}
		if head == f && head+(Frame(1)<<order) <= from+count {
			delete(a.free[order], head)
			for i := Frame(0); i < Frame(1)<<order; i++ {
				a.frames[head+i].Flags = kind
				a.frames[head+i].Order = uint8(order)
			}
			f = head + (Frame(1) << order)
			continue
		}
		a.split(order, head)
	}
}

func (a *Allocator) nodeOf(f Frame) int {
	if a.nodeSize == 0 {
		return 0
	}
	n := int(f / a.nodeSize)
	if n >= a.numaNodes {
		n = a.numaNodes - 1
	}
	return n
}

// reserveFrom marks [from, len(frames)) Reserved by repeatedly splitting
// the free block that straddles `from` until it no longer does.
func (a *Allocator) reserveFrom(from Frame) {
	for {
		order, head, ok := a.blockContaining(from)
		if !ok {
			break
		}
		if head == from {
			delete(a.free[order], head)
			a.markReserved(head, order)
			continue
		}
		a.split(order, head)
	}
	// Any further whole free blocks at/after `from` are also reserved.
	for order := a.maxOrder; order >= 0; order-- {
		for head := range a.free[order] {
			if head >= from {
				delete(a.free[order], head)
				a.markReserved(head, order)
			}
		}
	}
}

func (a *Allocator) markReserved(head Frame, order int) {
	for i := Frame(0); i < Frame(1)<<order; i++ {
		a.frames[head+i].Flags = Reserved
		a.frames[head+i].Order = uint8(order)
	}
}

// blockContaining returns the free block (order, head) that contains
// frame f, if f currently lies within a free block.
func (a *Allocator) blockContaining(f Frame) (order int, head Frame, ok bool) {
	for o := a.maxOrder; o >= 0; o-- {
		size := Frame(1) << o
		h := (f / size) * size
		if _, present := a.free[o][h]; present && h <= f && f < h+size {
			return o, h, true
		}
	}
	return 0, 0, false
}

func orderFor(count int) int {
	if count <= 1 {
		return 0
	}
	return bits.Len(uint(count - 1))
}

// AllocPages returns the head frame of a physically contiguous run of
// 2^ceil(log2(count)) frames, or ok=false if no block is large enough.
func (a *Allocator) AllocPages(count int, flags Flags, memType MemType, owner uint32) (Frame, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	order := orderFor(count)
	head, ok := a.popFree(order)
	if !ok {
		return 0, false
	}

	for i := Frame(0); i < Frame(1)<<order; i++ {
		f := head + i
		a.frames[f] = meta{
			Flags:    (flags | Allocated).setLifecycle(Allocated),
			Refcount: 1,
			Order:    uint8(order),
			MemType:  memType,
			Owner:    owner,
			Node:     a.frames[f].Node,
		}
	}
	return head, true
}

// popFree finds a free block of exactly `order`, splitting a larger one
// if necessary, and removes it from the free lists.
func (a *Allocator) popFree(order int) (Frame, bool) {
	for o := order; o <= a.maxOrder; o++ {
		for head := range a.free[o] {
			delete(a.free[o], head)
			for o > order {
				o--
				buddy := head + (Frame(1) << o)
				a.free[o][buddy] = struct{}{}
				a.frames[buddy].Order = uint8(o)
			}
			return head, true
		}
	}
	return 0, false
}

// split breaks the free block (order, head) down by one level, putting
// both halves, head and head+2^(order-1), onto free[order-1].
func (a *Allocator) split(order int, head Frame) {
	delete(a.free[order], head)
	order--
	buddy := head + (Frame(1) << order)
	a.free[order][head] = struct{}{}
	a.free[order][buddy] = struct{}{}
	a.frames[head].Order = uint8(order)
	a.frames[buddy].Order = uint8(order)
}

// FreePages releases the block headed at phys. If the head frame's
// refcount is above 1 it is only decremented; the block is returned to
// the buddy system only when refcount reaches 0. Freeing an address that
// is not an allocated block's head is logged and ignored.
func (a *Allocator) FreePages(phys Frame) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeLocked(phys)
}

func (a *Allocator) freeLocked(phys Frame) error {
	if !a.isAllocatedHead(phys) {
		a.logger.Info("free of non-allocated-head address ignored", "frame", phys)
		return kerrors.Newf(kerrors.KindInvalidAddress, "page: %d is not an allocated block head", phys)
	}
	m := a.frames[phys]
	if m.Refcount > 1 {
		a.setRefcountRange(phys, m.Order, m.Refcount-1)
		return nil
	}
	a.releaseBlock(phys, int(m.Order))
	return nil
}

// isAllocatedHead reports whether phys is in range, allocated, and
// aligned to its own block's order — i.e. it is the head frame of the
// block rather than some interior frame AllocPages also stamped with
// Allocated and the block's Order. A non-head address must be rejected
// here rather than passed through to releaseBlock/setRefcountRange,
// which assume phys is the block's base and would otherwise corrupt
// the free lists with a misaligned block.
func (a *Allocator) isAllocatedHead(phys Frame) bool {
	if int(phys) >= len(a.frames) || !a.frames[phys].Flags.Has(Allocated) {
		return false
	}
	order := a.frames[phys].Order
	return phys&((Frame(1)<<order)-1) == 0
}

func (a *Allocator) setRefcountRange(head Frame, order uint8, rc uint16) {
	for i := Frame(0); i < Frame(1)<<order; i++ {
		a.frames[head+i].Refcount = rc
		if rc >= 2 {
			a.frames[head+i].Flags |= Shared
		} else {
			a.frames[head+i].Flags &^= Shared
		}
	}
}

// releaseBlock clears the block's metadata to Free and merges with its
// buddy repeatedly while possible.
func (a *Allocator) releaseBlock(head Frame, order int) {
	for i := Frame(0); i < Frame(1)<<order; i++ {
		node := a.frames[head+i].Node
		a.frames[head+i] = meta{Flags: Free, Node: node}
	}
	for order < a.maxOrder {
		buddy := head ^ (Frame(1) << order)
		if _, free := a.free[order][buddy]; !free {
			break
		}
		delete(a.free[order], buddy)
		if buddy < head {
			head = buddy
		}
		order++
	}
	a.free[order][head] = struct{}{}
	a.frames[head].Order = uint8(order)
}

// IncrementRef saturates at u16 max and sets Shared once refcount
// crosses 1.
func (a *Allocator) IncrementRef(phys Frame) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.isAllocatedHead(phys) {
		return false
	}
	m := a.frames[phys]
	if m.Refcount == uint16(maxRefcount) {
		return false
	}
	a.setRefcountRange(phys, m.Order, m.Refcount+1)
	return true
}

// DecrementRef decrements toward 0, freeing the block at 0.
func (a *Allocator) DecrementRef(phys Frame) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.isAllocatedHead(phys) {
		return false
	}
	m := a.frames[phys]
	if m.Refcount == 0 {
		return false
	}
	if m.Refcount == 1 {
		a.releaseBlock(phys, int(m.Order))
		return true
	}
	a.setRefcountRange(phys, m.Order, m.Refcount-1)
	return true
}

// SetFlags overwrites the orthogonal (non-lifecycle) flag bits for the
// block headed at phys.
func (a *Allocator) SetFlags(phys Frame, flags Flags) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(phys) >= len(a.frames) {
		return false
	}
	m := a.frames[phys]
	lifecycleBits := m.Flags & lifecycle
	for i := Frame(0); i < Frame(1)<<m.Order; i++ {
		a.frames[phys+i].Flags = (flags &^ lifecycle) | lifecycleBits
	}
	return true
}

// SetMemoryType updates the memory attribute for the block headed at phys.
func (a *Allocator) SetMemoryType(phys Frame, mt MemType) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(phys) >= len(a.frames) {
		return false
	}
	m := a.frames[phys]
	for i := Frame(0); i < Frame(1)<<m.Order; i++ {
		a.frames[phys+i].MemType = mt
	}
	return true
}

// SetOwner updates ownership for the block headed at phys, keeping
// KernelUsed/UserUsed mutually exclusive: owner 0 means kernel.
func (a *Allocator) SetOwner(phys Frame, owner uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(phys) >= len(a.frames) {
		return false
	}
	m := a.frames[phys]
	for i := Frame(0); i < Frame(1)<<m.Order; i++ {
		f := &a.frames[phys+i]
		f.Owner = owner
		if owner == 0 {
			f.Flags = (f.Flags | KernelUsed) &^ UserUsed
		} else {
			f.Flags = (f.Flags | UserUsed) &^ KernelUsed
		}
	}
	return true
}

// Stats returns a point-in-time snapshot of frame counts by lifecycle.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := Stats{TotalFrames: len(a.frames)}
	for _, m := range a.frames {
		switch {
		case m.Flags.Has(Free):
			s.FreeFrames++
		case m.Flags.Has(Allocated):
			s.AllocatedFrames++
		case m.Flags.Has(Reserved):
			s.ReservedFrames++
		case m.Flags.Has(MMIO):
			s.MMIOFrames++
		}
	}
	return s
}

// NUMANode reports the NUMA node a frame belongs to.
func (a *Allocator) NUMANode(phys Frame) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(phys) >= len(a.frames) {
		return -1
	}
	return a.frames[phys].Node
}

// IsMMIO reports whether phys is within an MMIO-reserved region.
func (a *Allocator) IsMMIO(phys Frame) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(phys) < len(a.frames) && a.frames[phys].Flags.Has(MMIO)
}

// IsValidAddress reports whether phys is within the arena.
func (a *Allocator) IsValidAddress(phys Frame) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(phys) < len(a.frames)
}

// CountForProcess returns the number of frames currently owned by pid.
func (a *Allocator) CountForProcess(pid uint32) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, m := range a.frames {
		if m.Flags.Has(Allocated) && m.Owner == pid {
			n++
		}
	}
	return n
}

// FreeByPID frees every allocation owned by pid, walking the metadata
// array once and skipping 2^order-1 frames after each head found so a
// single buddy block is never visited (and freed) twice.
func (a *Allocator) FreeByPID(pid uint32) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	freed := 0
	for f := 0; f < len(a.frames); {
		m := a.frames[f]
		if !m.Flags.Has(Allocated) {
			f++
			continue
		}
		if m.Owner == pid {
			a.releaseBlock(Frame(f), int(m.Order))
			freed++
		}
		f += 1 << m.Order
	}
	return freed
}

// PageSize returns the architecture page size in bytes this allocator
// was configured with.
func (a *Allocator) PageSize() uint64 { return a.pageSize }

// FreeListHistogram returns the count of free blocks at each order,
// indexed by order. Callers use this to estimate external fragmentation
// without reaching into allocator internals.
func (a *Allocator) FreeListHistogram() map[int]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	h := make(map[int]int, len(a.free))
	for order, set := range a.free {
		h[order] = len(set)
	}
	return h
}

// MaxOrder returns the highest block order the arena supports.
func (a *Allocator) MaxOrder() int { return a.maxOrder }
