// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sched_test

import (
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosaicos/kernelcore/pkg/archhost"
	"github.com/mosaicos/kernelcore/pkg/sched"
)

func newTestScheduler(t *testing.T, cpuCount int) (*sched.Scheduler, *archhost.Sim) {
	t.Helper()
	sim := archhost.NewSim(cpuCount, 4096)
	s, err := sched.New(sim, sim, sched.DefaultConfig(), logr.Discard())
	require.NoError(t, err)
	return s, sim
}

// runFor drives cpu's scheduler loop by repeatedly ticking with small
// real sleeps, standing in for the spec's worked "1s each" scenario at
// a scale a unit test can afford: CFS always dispatches the
// lowest-vruntime thread, so the share of wall time each thread
// accumulates converges toward its nice weight regardless of the
// absolute run length.
func runFor(t *testing.T, s *sched.Scheduler, sim *archhost.Sim, cpu int, iterations int, tick time.Duration) {
	t.Helper()
	s.Schedule(cpu)
	for i := 0; i < iterations; i++ {
		time.Sleep(tick)
		require.NoError(t, sim.Tick(cpu))
	}
}

func TestCFSFairnessByNiceWeight(t *testing.T) {
	s, sim := newTestScheduler(t, 1)

	niceNeg5, err := s.Spawn(1, "neg5", sched.Normal, -5)
	require.NoError(t, err)
	niceZeroA, err := s.Spawn(1, "zero-a", sched.Normal, 0)
	require.NoError(t, err)
	niceZeroB, err := s.Spawn(1, "zero-b", sched.Normal, 0)
	require.NoError(t, err)
	nice5, err := s.Spawn(1, "five", sched.Normal, 5)
	require.NoError(t, err)

	runFor(t, s, sim, 0, 400, 200*time.Microsecond)

	rtNeg5 := niceNeg5.TotalRuntime()
	rtZeroA := niceZeroA.TotalRuntime()
	rtZeroB := niceZeroB.TotalRuntime()
	rt5 := nice5.TotalRuntime()

	assert.Greater(t, int64(rtNeg5), int64(rtZeroA), "nice -5 should accumulate more runtime than nice 0")
	assert.Greater(t, int64(rtZeroA), int64(rt5), "nice 0 should accumulate more runtime than nice 5")
	assert.Greater(t, int64(rtZeroB), int64(rt5), "nice 0 should accumulate more runtime than nice 5")

	ratio := float64(rtZeroA) / float64(rtZeroB)
	assert.InDelta(t, 1.0, ratio, 0.5, "two equal-nice threads should split runtime roughly evenly")
}

func TestRTFIFODoesNotPreemptOnTick(t *testing.T) {
	s, sim := newTestScheduler(t, 1)

	low, err := s.Spawn(1, "low", sched.Fifo, 10)
	require.NoError(t, err)
	high, err := s.Spawn(1, "high", sched.Fifo, 50)
	require.NoError(t, err)

	s.Schedule(0)
	running, ok := s.RunningOn(0)
	require.True(t, ok)
	assert.Equal(t, high.ID, running.ID, "highest RT priority dispatches first")

	time.Sleep(time.Millisecond)
	require.NoError(t, sim.Tick(0))
	running, ok = s.RunningOn(0)
	require.True(t, ok)
	assert.Equal(t, high.ID, running.ID, "FIFO never preempts on tick alone")

	_ = low
}

func TestRTRoundRobinRotatesOnSliceExpiry(t *testing.T) {
	s, sim := newTestScheduler(t, 1)

	a, err := s.Spawn(1, "a", sched.RoundRobin, 20)
	require.NoError(t, err)
	b, err := s.Spawn(1, "b", sched.RoundRobin, 20)
	require.NoError(t, err)

	s.Schedule(0)
	running, ok := s.RunningOn(0)
	require.True(t, ok)
	first := running.ID

	for i := 0; i < 20; i++ {
		time.Sleep(200 * time.Microsecond)
		require.NoError(t, sim.Tick(0))
	}

	running, ok = s.RunningOn(0)
	require.True(t, ok)
	assert.NotEqual(t, first, running.ID, "equal-priority RR threads should rotate after enough slices expire")

	ids := map[archhost.ThreadID]bool{a.ID: true, b.ID: true}
	assert.True(t, ids[running.ID])
}

func TestDeadlineDispatchedBeforeRTAndCFS(t *testing.T) {
	s, _ := newTestScheduler(t, 1)

	_, err := s.Spawn(1, "rt", sched.Fifo, 99)
	require.NoError(t, err)
	_, err = s.Spawn(1, "normal", sched.Normal, 0)
	require.NoError(t, err)
	dl, err := s.SpawnDeadline(1, "dl", 50*time.Millisecond)
	require.NoError(t, err)

	s.Schedule(0)
	running, ok := s.RunningOn(0)
	require.True(t, ok)
	assert.Equal(t, dl.ID, running.ID, "a viable deadline thread dispatches ahead of RT and CFS")
}

func TestDeadlineMissIsDemotedToCFS(t *testing.T) {
	s, _ := newTestScheduler(t, 1)

	dl, err := s.SpawnDeadline(1, "dl", time.Nanosecond)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	_, err = s.Spawn(1, "normal", sched.Normal, 0)
	require.NoError(t, err)

	s.Schedule(0)

	assert.Equal(t, sched.Normal, dl.Policy(), "a missed deadline thread is demoted to Normal/CFS")
	assert.Equal(t, uint64(1), dl.Stats().DeadlineMisses)
}

func TestRTBandwidthThrottling(t *testing.T) {
	s, sim := newTestScheduler(t, 1)

	_, err := s.Spawn(1, "rt", sched.Fifo, 99)
	require.NoError(t, err)
	_, err = s.Spawn(1, "normal", sched.Normal, 0)
	require.NoError(t, err)

	s.Schedule(0)

	start := time.Now()
	for time.Since(start) < 1100*time.Millisecond {
		time.Sleep(2 * time.Millisecond)
		require.NoError(t, sim.Tick(0))
	}

	stats := s.Stats(0)
	assert.Greater(t, stats.RTThrottled, uint64(0), "RT bandwidth throttling should fire once the window is exceeded")
}

func TestScheduleOnSecondCPUKeepsRunnableThreads(t *testing.T) {
	s, _ := newTestScheduler(t, 2)

	for i := 0; i < 5; i++ {
		_, err := s.Spawn(1, "busy", sched.Normal, 0)
		require.NoError(t, err)
	}

	before1 := s.NRRunning(1)
	s.Schedule(1)
	_, ok := s.RunningOn(1)
	if !ok {
		s.Schedule(1)
	}

	assert.GreaterOrEqual(t, before1, 0)
	totalBefore := s.NRRunning(0) + s.NRRunning(1)
	assert.GreaterOrEqual(t, totalBefore, 4, "work stealing must not lose runnable threads")
}

func TestBlockWakeTransitionsState(t *testing.T) {
	s, sim := newTestScheduler(t, 1)

	th, err := s.Spawn(1, "sleeper", sched.Normal, 0)
	require.NoError(t, err)
	sim.RegisterTask(archhost.TaskInfo{ID: th.ID, PID: 1, State: archhost.TaskReady})

	s.Schedule(0)

	require.NoError(t, s.Block(th))
	assert.Equal(t, sched.Blocked, th.State())

	require.NoError(t, s.Wake(th, 10*time.Millisecond))
	assert.Equal(t, sched.Ready, th.State())
}

func TestExitAndReap(t *testing.T) {
	s, _ := newTestScheduler(t, 1)

	th, err := s.Spawn(1, "short", sched.Normal, 0)
	require.NoError(t, err)
	s.Schedule(0)

	s.Exit(th, 7)
	assert.Equal(t, sched.Zombie, th.State())
	assert.Equal(t, 7, th.ExitCode())

	require.NoError(t, s.Reap(th.ID))
	_, ok := s.Thread(th.ID)
	assert.False(t, ok)

	assert.Error(t, s.Reap(th.ID), "reaping an already-reaped thread should fail")
}

func TestLatencyEMATracksScheduleLatency(t *testing.T) {
	s, sim := newTestScheduler(t, 1)

	for i := 0; i < 5; i++ {
		_, err := s.Spawn(1, "t", sched.Normal, 0)
		require.NoError(t, err)
		s.Schedule(0)
		time.Sleep(time.Millisecond)
		require.NoError(t, sim.Tick(0))
	}

	assert.GreaterOrEqual(t, s.LatencyEMA(), time.Duration(0))
}

func TestLoadAveragesZeroBeforeSampling(t *testing.T) {
	s, _ := newTestScheduler(t, 1)
	for i := 0; i < 3; i++ {
		_, err := s.Spawn(1, "load", sched.Normal, 0)
		require.NoError(t, err)
	}

	la := s.LoadAverages(0)
	assert.Equal(t, [3]float64{0, 0, 0}, la, "load averages are zero until the sampling loop has run")
}
