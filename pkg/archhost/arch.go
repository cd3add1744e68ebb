// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package archhost defines the Arch and Process collaborator interfaces
// the scheduler (pkg/sched, pkg/sched/ext) is built against, plus an
// in-memory Sim fake for tests and cmd/kerneld's default configuration,
// and DiscoverNUMAHint/NewSimFromHint, which size a Sim from EC2
// instance metadata when available.
package archhost

import (
	"time"

	"github.com/mosaicos/kernelcore/pkg/transfer"
)

// ThreadID identifies a schedulable thread. It is an opaque index into
// whatever structure owns thread state, never a pointer, per the
// arenas+indices convention used throughout this module.
type ThreadID uint64

// PowerState is a core's requested power/performance posture.
type PowerState int

const (
	PowerBalanced PowerState = iota
	PowerPerformance
	PowerEfficient
	PowerMinimal
)

func (p PowerState) String() string {
	switch p {
	case PowerPerformance:
		return "Performance"
	case PowerEfficient:
		return "Efficient"
	case PowerMinimal:
		return "Minimal"
	default:
		return "Balanced"
	}
}

// TimerHandler is invoked on a CPU's periodic timer interrupt; it is
// the scheduler's tick() entry point.
type TimerHandler func(cpu int)

// Arch is the architecture-host collaborator the scheduler core treats
// as a set of total functions returning an error: CPU topology, the
// timer, context switching, TLB/device mapping, and per-core
// frequency/power/temperature control plus per-core cache-miss
// counters.
type Arch interface {
	CPUCount() int
	CurrentCPU() (int, error)
	Now() time.Time
	SetTimerHandler(cpu int, h TimerHandler) error

	// ContextSwitch saves prev's architectural context and restores
	// next's. prev may be the zero ThreadID when switching from idle.
	ContextSwitch(cpu int, prev, next ThreadID) error
	// FirstThreadSwitch restores next's context with no prior thread
	// to save, used for a CPU's very first schedule() after boot.
	FirstThreadSwitch(cpu int, next ThreadID) error

	MapDeviceMemory(phys uint64, size uint64) (virt uint64, err error)
	FlushTLB(cpu int) error
	PageSize() uint64

	CoreFrequency(cpu int) (hz uint64, err error)
	SetCoreFrequency(cpu int, hz uint64) error
	MinMaxFrequency(cpu int) (min, max uint64, err error)
	SetPowerState(cpu int, state PowerState) error
	CoreTemperature(cpu int) (celsius float64, err error)
	CacheMissCount(cpu int) (uint64, error)

	// RDMADevices returns the registered RDMA-capable devices the
	// transfer engine (C6) may select among.
	RDMADevices() []transfer.RDMADevice
}

// TaskState mirrors a thread's coarse lifecycle state as observed by
// the Process collaborator.
type TaskState int

const (
	TaskNew TaskState = iota
	TaskReady
	TaskRunning
	TaskBlocked
	TaskTerminated
	TaskZombie
)

// TaskInfo is the snapshot GetTaskInfo returns.
type TaskInfo struct {
	ID       ThreadID
	PID      uint32
	State    TaskState
	LastCPU  int
	Affinity uint64 // CPU affinity bitmask
}

// Process is the process/thread-table collaborator the scheduler
// consults to block/wake threads and migrate them across CPUs.
type Process interface {
	ThreadWait(tid ThreadID) error
	ThreadWake(tid ThreadID) error
	ProcessExists(pid uint32) bool
	GetTaskInfo(tid ThreadID) (TaskInfo, error)
	SuspendTask(tid ThreadID) error
	ResumeTaskOnCPU(tid ThreadID, cpu int) error
	SetTaskCPUAffinity(tid ThreadID, mask uint64) error
	MigrateTaskContext(tid ThreadID, fromCPU, toCPU int) error
}
