// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package transfer implements the zero-copy transfer engine (C6): an
// asynchronous worker pool that moves data between memory tiers by
// CPU copy, DMA, page remapping, hardware acceleration, or RDMA,
// falling back down a per-transfer method chain on device error.
package transfer

import (
	"sync"
	"time"

	"github.com/mosaicos/kernelcore/pkg/memory/page"
)

// Tier is a class of memory with distinct performance characteristics.
type Tier int

const (
	FastDRAM Tier = iota
	StandardDRAM
	PMEM
	ExtendedMemory // CXL-attached
	RemoteMemory   // fabric-attached
)

// Method is a transfer execution strategy.
type Method int

const (
	Auto Method = iota
	CpuCopy
	DmaEngine
	PageRemapping
	HwAccel
	RDMA
)

func (m Method) String() string {
	switch m {
	case CpuCopy:
		return "CpuCopy"
	case DmaEngine:
		return "DmaEngine"
	case PageRemapping:
		return "PageRemapping"
	case HwAccel:
		return "HwAccel"
	case RDMA:
		return "RDMA"
	default:
		return "Auto"
	}
}

// Priority is a transfer's scheduling priority. Values are ordered so
// that higher integers mean higher priority.
type Priority int

const (
	Low Priority = iota
	Normal
	High
	Realtime
	numPriorities
)

// Status is a descriptor's lifecycle state. Completed, Failed, and
// Cancelled are sticky terminal states.
type Status int

const (
	Initial Status = iota
	Queued
	InProgress
	Completed
	Failed
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Queued:
		return "Queued"
	case InProgress:
		return "InProgress"
	case Completed:
		return "Completed"
	case Failed:
		return "Failed"
	case Cancelled:
		return "Cancelled"
	default:
		return "Initial"
	}
}

func isTerminal(s Status) bool {
	return s == Completed || s == Failed || s == Cancelled
}

// AddressSpace is the remapping collaborator PageRemapping transfers
// use: it points a destination virtual page at the source's physical
// frame without moving any bytes.
type AddressSpace interface {
	RemapPage(dstVAddr uint64, srcFrame page.Frame) error
}

// Descriptor is one queued or in-flight transfer.
type Descriptor struct {
	ID uint64

	SrcData []byte
	DstData []byte

	SrcFrame page.Frame
	DstFrame page.Frame

	DstAddrSpace AddressSpace
	DstVAddr     uint64

	Size         uint64
	Method       Method
	Priority     Priority
	SrcTier      Tier
	DstTier      Tier
	MetadataOnly bool
	ZeroCopy     bool
	Callback     func(*Descriptor)

	mu             sync.Mutex
	status         Status
	err            error
	startTime      time.Time
	completionTime time.Time
}

// Status returns the descriptor's current lifecycle state.
func (d *Descriptor) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// Err returns the terminal error, if the descriptor failed.
func (d *Descriptor) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Times returns the start and completion timestamps, zero until set.
func (d *Descriptor) Times() (start, completion time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.startTime, d.completionTime
}

// setStatus transitions the descriptor's status, refusing to leave a
// terminal state once entered. Returns false if the transition was
// refused.
func (d *Descriptor) setStatus(s Status) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if isTerminal(d.status) {
		return false
	}
	d.status = s
	return true
}

func (d *Descriptor) fireCallback() {
	if d.Callback != nil {
		d.Callback(d)
	}
}
