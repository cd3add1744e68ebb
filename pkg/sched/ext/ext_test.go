// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ext_test

import (
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosaicos/kernelcore/pkg/archhost"
	"github.com/mosaicos/kernelcore/pkg/sched"
	"github.com/mosaicos/kernelcore/pkg/sched/ext"
)

func newManager(t *testing.T, cpuCount int) (*ext.Manager, *sched.Scheduler, *archhost.Sim) {
	t.Helper()
	sim := archhost.NewSim(cpuCount, 4096)
	s, err := sched.New(sim, sim, sched.DefaultConfig(), logr.Discard())
	require.NoError(t, err)
	m, err := ext.NewManager(sim, s, nil, ext.DefaultEnergyConfig(), logr.Discard())
	require.NoError(t, err)
	return m, s, sim
}

func TestGPUQueueRejectsOverMemoryBudget(t *testing.T) {
	q := ext.NewGPUQueue(0, 2, 1024)

	assert.True(t, q.Enqueue(ext.GPUTask{MemoryBytes: 512}))
	assert.True(t, q.Enqueue(ext.GPUTask{MemoryBytes: 400}))
	assert.False(t, q.Enqueue(ext.GPUTask{MemoryBytes: 200}), "enqueue must reject once it would overflow max memory")
}

func TestGPUQueueDispatchRespectsConcurrencyCap(t *testing.T) {
	q := ext.NewGPUQueue(0, 1, 4096)
	require.True(t, q.Enqueue(ext.GPUTask{MemoryBytes: 100}))
	require.True(t, q.Enqueue(ext.GPUTask{MemoryBytes: 100}))

	task, ok := q.DispatchNext()
	require.True(t, ok)
	assert.Equal(t, uint64(100), task.MemoryBytes)

	_, ok = q.DispatchNext()
	assert.False(t, ok, "dispatch must stop once active tasks reach max concurrency")

	q.TaskCompleted(task)
	_, ok = q.DispatchNext()
	assert.True(t, ok, "completing a task should free a concurrency slot")
}

func TestSelectOptimalCorePrefersPreferredCore(t *testing.T) {
	m, _, _ := newManager(t, 4)
	preferred := 2
	aff := ext.TaskAffinity{CPUMask: ^uint64(0), PreferredCore: &preferred}
	assert.Equal(t, 2, m.SelectOptimalCore(aff))
}

func TestSelectOptimalCoreFiltersByRequiredProcessor(t *testing.T) {
	m, _, _ := newManager(t, 4)
	m.Core(1).Type = ext.CoreGPU

	required := ext.CoreGPU
	aff := ext.TaskAffinity{CPUMask: ^uint64(0), RequiredProcessor: &required}
	assert.Equal(t, 1, m.SelectOptimalCore(aff))
}

func TestSelectOptimalCorePicksLeastLoaded(t *testing.T) {
	m, s, _ := newManager(t, 2)
	for i := 0; i < 3; i++ {
		_, err := s.Spawn(1, "busy", sched.Normal, 0)
		require.NoError(t, err)
	}
	m.Core(0).Type = ext.CoreCPU

	aff := ext.DefaultAffinity()
	got := m.SelectOptimalCore(aff)
	assert.Contains(t, []int{0, 1}, got)
}

func TestAdjustFrequenciesScalesWithQueueLength(t *testing.T) {
	m, s, sim := newManager(t, 1)
	for i := 0; i < 50; i++ {
		_, err := s.Spawn(1, "t", sched.Normal, 0)
		require.NoError(t, err)
	}

	require.NoError(t, m.AdjustFrequencies())

	freq, err := sim.CoreFrequency(0)
	require.NoError(t, err)
	min, max, err := sim.MinMaxFrequency(0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, freq, min)
	assert.LessOrEqual(t, freq, max)
}

func TestUpdatePowerStatesForcesMinimalOnThermalEvent(t *testing.T) {
	m, _, sim := newManager(t, 1)
	require.NoError(t, sim.SetTemperature(0, 90.0))

	require.NoError(t, m.UpdatePowerStates())

	state, err := sim.PowerStateOf(0)
	require.NoError(t, err)
	assert.Equal(t, archhost.PowerMinimal, state)
}

func TestUpdatePowerStatesPerformanceUnderHighLoad(t *testing.T) {
	m, s, sim := newManager(t, 1)
	for i := 0; i < 95; i++ {
		_, err := s.Spawn(1, "t", sched.Normal, 0)
		require.NoError(t, err)
	}

	require.NoError(t, m.UpdatePowerStates())

	state, err := sim.PowerStateOf(0)
	require.NoError(t, err)
	assert.Equal(t, archhost.PowerPerformance, state)
}

func TestBalanceLoadPreservesRunnableCount(t *testing.T) {
	m, s, _ := newManager(t, 2)
	for i := 0; i < 8; i++ {
		th, err := s.Spawn(1, "t", sched.Normal, 0)
		require.NoError(t, err)
		th.SetAffinity(1) // Spawn has already placed th; restricting it to CPU 0 now does not move it
	}

	totalBefore := s.NRRunning(0) + s.NRRunning(1)
	m.BalanceLoad()
	totalAfter := s.NRRunning(0) + s.NRRunning(1)
	assert.Equal(t, totalBefore, totalAfter, "load balancing must not lose or duplicate threads")
}

func TestBalanceLoadTwiceWithinInterval(t *testing.T) {
	m, s, _ := newManager(t, 2)
	for i := 0; i < 8; i++ {
		_, err := s.Spawn(1, "t", sched.Normal, 0)
		require.NoError(t, err)
	}
	m.BalanceLoad()
	m.BalanceLoad() // immediate second call should be gated by the 100ms interval
	_ = time.Millisecond
}

func TestScheduleGPUTaskRejectsWithoutGPUQueues(t *testing.T) {
	small := ext.NewGPUQueue(0, 4, 1024)
	large := ext.NewGPUQueue(1, 4, 8192)
	m, _, _ := newManager(t, 1)
	_ = small
	_ = large
	assert.False(t, m.ScheduleGPUTask(ext.GPUTask{MemoryBytes: 10}), "manager built with no GPU queues should reject GPU work")
}
