// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package archhost_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosaicos/kernelcore/pkg/archhost"
)

func TestSimCPUCountAndPageSize(t *testing.T) {
	s := archhost.NewSim(4, 4096)
	assert.Equal(t, 4, s.CPUCount())
	assert.Equal(t, uint64(4096), s.PageSize())
}

func TestSimTimerHandlerFiresOnTick(t *testing.T) {
	s := archhost.NewSim(2, 4096)
	fired := false
	require.NoError(t, s.SetTimerHandler(0, func(cpu int) { fired = true }))
	require.NoError(t, s.Tick(0))
	assert.True(t, fired)
}

func TestSimContextSwitchCountsAndOutOfRangeCPU(t *testing.T) {
	s := archhost.NewSim(2, 4096)
	require.NoError(t, s.ContextSwitch(0, 0, 1))
	require.NoError(t, s.FirstThreadSwitch(1, 2))
	assert.Equal(t, uint64(2), s.ContextSwitches())

	err := s.ContextSwitch(5, 0, 1)
	assert.Error(t, err)
}

func TestSimFrequencyClampsToMinMax(t *testing.T) {
	s := archhost.NewSim(1, 4096)
	min, max, err := s.MinMaxFrequency(0)
	require.NoError(t, err)

	require.NoError(t, s.SetCoreFrequency(0, max*2))
	got, err := s.CoreFrequency(0)
	require.NoError(t, err)
	assert.Equal(t, max, got)

	require.NoError(t, s.SetCoreFrequency(0, 1))
	got, err = s.CoreFrequency(0)
	require.NoError(t, err)
	assert.Equal(t, min, got)
}

func TestSimSetTemperatureIsReported(t *testing.T) {
	s := archhost.NewSim(1, 4096)
	require.NoError(t, s.SetTemperature(0, 90.0))
	temp, err := s.CoreTemperature(0)
	require.NoError(t, err)
	assert.Equal(t, 90.0, temp)
}

func TestSimProcessLifecycle(t *testing.T) {
	s := archhost.NewSim(2, 4096)
	s.RegisterTask(archhost.TaskInfo{ID: 1, PID: 100, State: archhost.TaskReady})

	assert.True(t, s.ProcessExists(100))
	assert.False(t, s.ProcessExists(999))

	require.NoError(t, s.ThreadWait(1))
	info, err := s.GetTaskInfo(1)
	require.NoError(t, err)
	assert.Equal(t, archhost.TaskBlocked, info.State)

	require.NoError(t, s.ThreadWake(1))
	info, err = s.GetTaskInfo(1)
	require.NoError(t, err)
	assert.Equal(t, archhost.TaskReady, info.State)

	require.NoError(t, s.MigrateTaskContext(1, 0, 1))
	info, err = s.GetTaskInfo(1)
	require.NoError(t, err)
	assert.Equal(t, 1, info.LastCPU)
}

func TestSimGetTaskInfoUnknownThreadReturnsNotFound(t *testing.T) {
	s := archhost.NewSim(1, 4096)
	_, err := s.GetTaskInfo(42)
	assert.Error(t, err)
}
