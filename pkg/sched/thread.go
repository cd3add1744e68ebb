// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package sched implements the scheduler core (C7): per-CPU run queues
// across CFS, RT, and Deadline classes, a fast-path queue holding
// Idle-class threads, tick-driven
// preemption, and schedule()'s context-switch sequence against the
// archhost.Arch/Process collaborators.
package sched

import (
	"sync"
	"time"

	"github.com/mosaicos/kernelcore/pkg/archhost"
)

// State is a thread's coarse lifecycle state.
type State int

const (
	New State = iota
	Ready
	Running
	Blocked
	Terminated
	Zombie
)

func (s State) String() string {
	switch s {
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case Blocked:
		return "Blocked"
	case Terminated:
		return "Terminated"
	case Zombie:
		return "Zombie"
	default:
		return "New"
	}
}

// Policy is a thread's scheduling class. Classes are a closed set, not
// a plugin point, per the design notes.
type Policy int

const (
	Normal Policy = iota
	Batch
	Idle
	Fifo
	RoundRobin
	Deadline
)

func (p Policy) String() string {
	switch p {
	case Batch:
		return "Batch"
	case Idle:
		return "Idle"
	case Fifo:
		return "Fifo"
	case RoundRobin:
		return "RoundRobin"
	case Deadline:
		return "Deadline"
	default:
		return "Normal"
	}
}

// isRT reports whether p is scheduled through the RT priority arrays.
func (p Policy) isRT() bool { return p == Fifo || p == RoundRobin }

// Stats accumulates a thread's lifetime scheduling counters.
type Stats struct {
	Migrations      uint64
	Preemptions     uint64
	DeadlineMisses  uint64
	VoluntarySwitch uint64
}

// Thread is a schedulable unit of execution. The process back-pointer
// is deliberately weak (a PID, not a strong reference) so a process can
// tear down while threads that outlived it still exist as zombies; see
// the cyclic-references design note.
type Thread struct {
	ID   archhost.ThreadID
	PID  uint32 // weak reference to the owning process
	Name string

	mu           sync.Mutex
	state        State
	policy       Policy
	priority     int // -20..19 for CFS classes, 1..99 for RT
	lastCPU      int
	lastRunTime  time.Time
	totalRuntime time.Duration

	cpuAffinity uint64
	numaNode    int // -1 if unset

	// Heterogeneous-scheduling hints consumed by pkg/sched/ext; zero
	// when the thread has no GPU work or no declared memory footprint.
	gpuMemoryRequired uint64
	memoryRequirement uint64

	// CFS
	vruntime uint64

	// Deadline
	deadline time.Time

	exitCode int
	stats    Stats
}

// NewThread constructs a Thread in state New with full CPU affinity.
func NewThread(id archhost.ThreadID, pid uint32, name string, policy Policy, priority int) *Thread {
	return &Thread{
		ID:          id,
		PID:         pid,
		Name:        name,
		state:       New,
		policy:      policy,
		priority:    priority,
		cpuAffinity: ^uint64(0),
		numaNode:    -1,
	}
}

func (t *Thread) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Thread) setState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

func (t *Thread) Policy() Policy {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.policy
}

func (t *Thread) Priority() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.priority
}

func (t *Thread) LastCPU() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastCPU
}

// NumaNode returns the thread's preferred NUMA node, or -1 if unset.
func (t *Thread) NumaNode() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.numaNode
}

// SetNumaNode records a preferred NUMA node for placement decisions.
func (t *Thread) SetNumaNode(node int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.numaNode = node
}

// RanRecently reports whether t was last scheduled within the past
// window, used as a cache-locality proxy by the load balancer: a
// thread that just ran is assumed to still hold warm cache lines.
func (t *Thread) RanRecently(window time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.lastRunTime.IsZero() && time.Since(t.lastRunTime) < window
}

func (t *Thread) TotalRuntime() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalRuntime
}

func (t *Thread) VRuntime() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.vruntime
}

func (t *Thread) Deadline() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deadline
}

// SetAffinity restricts t to the CPUs set in mask.
func (t *Thread) SetAffinity(mask uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cpuAffinity = mask
}

func (t *Thread) allowedOn(cpu int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cpu < 0 || cpu >= 64 {
		return true
	}
	return t.cpuAffinity&(uint64(1)<<uint(cpu)) != 0
}

// GPUMemoryRequired returns the GPU memory, in bytes, this thread
// declares it needs for GPU-class work; zero for CPU-only threads.
func (t *Thread) GPUMemoryRequired() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gpuMemoryRequired
}

// SetGPUMemoryRequired records the thread's GPU memory requirement.
func (t *Thread) SetGPUMemoryRequired(bytes uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gpuMemoryRequired = bytes
}

// MemoryRequirement returns the thread's declared resident memory
// requirement in bytes, used by the load balancer's memory-fit check.
func (t *Thread) MemoryRequirement() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.memoryRequirement
}

// SetMemoryRequirement records the thread's memory requirement.
func (t *Thread) SetMemoryRequirement(bytes uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.memoryRequirement = bytes
}

// ExitCode returns the thread's exit code, valid once State() is Zombie.
func (t *Thread) ExitCode() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitCode
}

// Stats returns a copy of the thread's lifetime counters.
func (t *Thread) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}
