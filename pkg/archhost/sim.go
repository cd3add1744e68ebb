// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package archhost

import (
	"sync"
	"sync/atomic"
	"time"

	kerrors "github.com/mosaicos/kernelcore/pkg/errors"
	"github.com/mosaicos/kernelcore/pkg/transfer"
)

// simCore holds one simulated CPU's tunable state.
type simCore struct {
	freq, minFreq, maxFreq uint64
	power                  PowerState
	temperature            float64
	cacheMisses            uint64
	timer                  TimerHandler
}

// Sim is an in-memory Arch+Process fake: no real hardware, no real
// threads, just enough bookkeeping for the scheduler's unit tests and
// cmd/kerneld's default single-NUMA-node configuration. Time is real
// wall-clock (time.Now()), since the scheduler only ever uses it for
// relative interval math.
type Sim struct {
	cpuCount int
	pageSize uint64
	curCPU   atomic.Int64

	mu    sync.Mutex
	cores []simCore
	tasks map[ThreadID]*TaskInfo

	switches atomic.Uint64
	rdma     []transfer.RDMADevice
}

// NewSim constructs a Sim with cpuCount CPUs, each starting at 1 GHz
// with a 500 MHz-3 GHz range, Balanced power state, and 45C.
func NewSim(cpuCount int, pageSize uint64) *Sim {
	if cpuCount < 1 {
		cpuCount = 1
	}
	s := &Sim{
		cpuCount: cpuCount,
		pageSize: pageSize,
		cores:    make([]simCore, cpuCount),
		tasks:    make(map[ThreadID]*TaskInfo),
	}
	for i := range s.cores {
		s.cores[i] = simCore{freq: 1_000_000_000, minFreq: 500_000_000, maxFreq: 3_000_000_000, temperature: 45.0}
	}
	return s
}

// WithRDMADevices registers devices Arch.RDMADevices() returns.
func (s *Sim) WithRDMADevices(devices []transfer.RDMADevice) *Sim {
	s.rdma = devices
	return s
}

// RegisterTask seeds the Process side with a task the test wants
// GetTaskInfo/ThreadWait/etc. to observe.
func (s *Sim) RegisterTask(info TaskInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := info
	s.tasks[info.ID] = &cp
}

// ContextSwitches reports the running count of ContextSwitch +
// FirstThreadSwitch calls, used by scheduler tests to assert a switch
// actually happened.
func (s *Sim) ContextSwitches() uint64 { return s.switches.Load() }

func (s *Sim) checkCPU(cpu int) error {
	if cpu < 0 || cpu >= s.cpuCount {
		return kerrors.Newf(kerrors.KindInvalidAddress, "archhost: cpu %d out of range [0,%d)", cpu, s.cpuCount)
	}
	return nil
}

func (s *Sim) CPUCount() int { return s.cpuCount }

func (s *Sim) CurrentCPU() (int, error) {
	return int(s.curCPU.Load()) % s.cpuCount, nil
}

func (s *Sim) Now() time.Time { return time.Now() }

func (s *Sim) SetTimerHandler(cpu int, h TimerHandler) error {
	if err := s.checkCPU(cpu); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cores[cpu].timer = h
	return nil
}

// Tick manually fires cpu's registered timer handler, driving the
// scheduler's tick() in tests without a real interrupt source.
func (s *Sim) Tick(cpu int) error {
	if err := s.checkCPU(cpu); err != nil {
		return err
	}
	s.mu.Lock()
	h := s.cores[cpu].timer
	s.mu.Unlock()
	if h != nil {
		h(cpu)
	}
	return nil
}

func (s *Sim) ContextSwitch(cpu int, prev, next ThreadID) error {
	if err := s.checkCPU(cpu); err != nil {
		return err
	}
	s.switches.Add(1)
	s.curCPU.Store(int64(cpu))
	return nil
}

func (s *Sim) FirstThreadSwitch(cpu int, next ThreadID) error {
	if err := s.checkCPU(cpu); err != nil {
		return err
	}
	s.switches.Add(1)
	s.curCPU.Store(int64(cpu))
	return nil
}

func (s *Sim) MapDeviceMemory(phys uint64, size uint64) (uint64, error) {
	// Identity-map in the simulator; there is no real MMU to program.
	return phys, nil
}

func (s *Sim) FlushTLB(cpu int) error { return s.checkCPU(cpu) }

func (s *Sim) PageSize() uint64 { return s.pageSize }

func (s *Sim) CoreFrequency(cpu int) (uint64, error) {
	if err := s.checkCPU(cpu); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cores[cpu].freq, nil
}

func (s *Sim) SetCoreFrequency(cpu int, hz uint64) error {
	if err := s.checkCPU(cpu); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &s.cores[cpu]
	if hz < c.minFreq {
		hz = c.minFreq
	}
	if hz > c.maxFreq {
		hz = c.maxFreq
	}
	c.freq = hz
	return nil
}

func (s *Sim) MinMaxFrequency(cpu int) (min, max uint64, err error) {
	if err := s.checkCPU(cpu); err != nil {
		return 0, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.cores[cpu]
	return c.minFreq, c.maxFreq, nil
}

func (s *Sim) SetPowerState(cpu int, state PowerState) error {
	if err := s.checkCPU(cpu); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cores[cpu].power = state
	return nil
}

// PowerStateOf reports a core's last-set power state, used by scheduler
// extension tests.
func (s *Sim) PowerStateOf(cpu int) (PowerState, error) {
	if err := s.checkCPU(cpu); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cores[cpu].power, nil
}

func (s *Sim) CoreTemperature(cpu int) (float64, error) {
	if err := s.checkCPU(cpu); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cores[cpu].temperature, nil
}

// SetTemperature lets tests simulate a thermal event.
func (s *Sim) SetTemperature(cpu int, celsius float64) error {
	if err := s.checkCPU(cpu); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cores[cpu].temperature = celsius
	return nil
}

func (s *Sim) CacheMissCount(cpu int) (uint64, error) {
	if err := s.checkCPU(cpu); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cores[cpu].cacheMisses, nil
}

func (s *Sim) RDMADevices() []transfer.RDMADevice { return s.rdma }

// --- Process ---

func (s *Sim) ThreadWait(tid ThreadID) error {
	info, err := s.GetTaskInfo(tid)
	if err != nil {
		return err
	}
	info.State = TaskBlocked
	s.RegisterTask(info)
	return nil
}

func (s *Sim) ThreadWake(tid ThreadID) error {
	info, err := s.GetTaskInfo(tid)
	if err != nil {
		return err
	}
	info.State = TaskReady
	s.RegisterTask(info)
	return nil
}

func (s *Sim) ProcessExists(pid uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.PID == pid {
			return true
		}
	}
	return false
}

func (s *Sim) GetTaskInfo(tid ThreadID) (TaskInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[tid]
	if !ok {
		return TaskInfo{}, kerrors.Newf(kerrors.KindNotFound, "archhost: unknown thread %d", tid)
	}
	return *t, nil
}

func (s *Sim) SuspendTask(tid ThreadID) error {
	info, err := s.GetTaskInfo(tid)
	if err != nil {
		return err
	}
	info.State = TaskBlocked
	s.RegisterTask(info)
	return nil
}

func (s *Sim) ResumeTaskOnCPU(tid ThreadID, cpu int) error {
	if err := s.checkCPU(cpu); err != nil {
		return err
	}
	info, err := s.GetTaskInfo(tid)
	if err != nil {
		return err
	}
	info.State = TaskReady
	info.LastCPU = cpu
	s.RegisterTask(info)
	return nil
}

func (s *Sim) SetTaskCPUAffinity(tid ThreadID, mask uint64) error {
	info, err := s.GetTaskInfo(tid)
	if err != nil {
		return err
	}
	info.Affinity = mask
	s.RegisterTask(info)
	return nil
}

func (s *Sim) MigrateTaskContext(tid ThreadID, fromCPU, toCPU int) error {
	if err := s.checkCPU(fromCPU); err != nil {
		return err
	}
	if err := s.checkCPU(toCPU); err != nil {
		return err
	}
	info, err := s.GetTaskInfo(tid)
	if err != nil {
		return err
	}
	info.LastCPU = toCPU
	s.RegisterTask(info)
	return nil
}

var _ Arch = (*Sim)(nil)
var _ Process = (*Sim)(nil)
