// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package adaptive_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosaicos/kernelcore/pkg/memory/adaptive"
	"github.com/mosaicos/kernelcore/pkg/memory/page"
	"github.com/mosaicos/kernelcore/pkg/memory/slab"
)

func newManager(t *testing.T) (*adaptive.Manager, *page.Allocator) {
	t.Helper()
	alloc := page.New(4096, 4096, 1, logr.Discard())
	slabs := slab.New(alloc, 2, false, logr.Discard())
	return adaptive.New(alloc, slabs, 50*time.Millisecond, adaptive.ProfileBalanced, true, logr.Discard()), alloc
}

func TestClassifyLargeBlocks(t *testing.T) {
	st := &adaptive.ProcessStats{AvgAllocSize: 2 << 20}
	assert.Equal(t, adaptive.PatternLargeBlocks, adaptive.Classify(st, 1<<30))
}

func TestClassifySmallFragments(t *testing.T) {
	st := &adaptive.ProcessStats{AvgAllocSize: 1024}
	assert.Equal(t, adaptive.PatternSmallFragments, adaptive.Classify(st, 1<<30))
}

func TestClassifyLongTerm(t *testing.T) {
	st := &adaptive.ProcessStats{AvgAllocSize: 8192, AllocRate: 50, FreeRate: 20}
	assert.Equal(t, adaptive.PatternLongTerm, adaptive.Classify(st, 1<<30))
}

func TestClassifyTransient(t *testing.T) {
	st := &adaptive.ProcessStats{AvgAllocSize: 8192, AllocRate: 5, FreeRate: 5}
	assert.Equal(t, adaptive.PatternTransient, adaptive.Classify(st, 1<<30))
}

func TestStartStopWithSubFloorInterval(t *testing.T) {
	alloc := page.New(128, 4096, 1, logr.Discard())
	slabs := slab.New(alloc, 1, false, logr.Discard())
	m := adaptive.New(alloc, slabs, time.Millisecond, adaptive.ProfileBalanced, false, logr.Discard())
	require.NotNil(t, m)
	assert.NoError(t, m.Start(context.Background()))
	m.Stop()
}

func TestDecideActionTable(t *testing.T) {
	m, _ := newManager(t)
	assert.Equal(t, adaptive.ActionPreallocation, m.DecideAction(adaptive.PatternLargeBlocks, 10))
	assert.Equal(t, adaptive.ActionPageSizeChange, m.DecideAction(adaptive.PatternLargeBlocks, 90))
	assert.Equal(t, adaptive.ActionMemoryCompaction, m.DecideAction(adaptive.PatternSmallFragments, 1))
	assert.Equal(t, adaptive.ActionSlabSizeAdjustment, m.DecideAction(adaptive.PatternTransient, 1))
	assert.Equal(t, adaptive.ActionNone, m.DecideAction(adaptive.PatternLongTerm, 10))
	assert.Equal(t, adaptive.ActionSwapPolicyChange, m.DecideAction(adaptive.PatternLongTerm, 90))
	assert.Equal(t, adaptive.ActionDecreaseCacheSize, m.DecideAction(adaptive.PatternCacheHeavy, 90))
	assert.Equal(t, adaptive.ActionIncreaseCacheSize, m.DecideAction(adaptive.PatternCacheHeavy, 10))
}

func TestRegisterUpdateApply(t *testing.T) {
	m, _ := newManager(t)
	m.RegisterProcess(1, 50, 0, 1<<30)

	require.NoError(t, m.UpdateStats(1, adaptive.ProcessStatsSample{
		VirtualBytes:  1 << 20,
		PhysicalBytes: 1 << 19,
		AllocCount:    100,
		FreeCount:     100,
		AllocBytes:    100 * 8192,
	}))

	event, err := m.ApplyAction(context.Background(), 1)
	require.NoError(t, err)
	assert.NotEmpty(t, event.Pattern)
}

func TestApplyActionUnknownProcess(t *testing.T) {
	m, _ := newManager(t)
	_, err := m.ApplyAction(context.Background(), 999)
	assert.Error(t, err)
}

func TestUnregisterProcessDropsState(t *testing.T) {
	m, _ := newManager(t)
	m.RegisterProcess(5, 10, 0, 0)
	m.UnregisterProcess(5)
	_, err := m.ApplyAction(context.Background(), 5)
	assert.Error(t, err)
}

func TestSystemPressureReflectsAllocatorOccupancy(t *testing.T) {
	m, alloc := newManager(t)
	before := m.SystemPressure()
	_, ok := alloc.AllocPages(2048, 0, page.Normal, 1)
	require.True(t, ok)
	after := m.SystemPressure()
	assert.GreaterOrEqual(t, after, before)
}
