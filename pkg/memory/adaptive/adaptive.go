// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package adaptive implements the adaptive memory manager (C3): per-
// process usage classification, a pressure-driven policy action table,
// and a cooperative background loop that applies the resulting actions
// through pluggable reclaim/compaction/fragmentation hooks.
package adaptive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/mosaicos/kernelcore/pkg/memory/page"
	"github.com/mosaicos/kernelcore/pkg/memory/slab"
	"github.com/mosaicos/kernelcore/pkg/ringbuffer"
)

// Pattern classifies a process's observed allocation behavior.
type Pattern string

const (
	PatternLargeBlocks    Pattern = "large_blocks"
	PatternSmallFragments Pattern = "small_fragments"
	PatternTransient      Pattern = "transient"
	PatternLongTerm       Pattern = "long_term"
	PatternCacheHeavy     Pattern = "cache_heavy"
	PatternComputeHeavy   Pattern = "compute_heavy"
	PatternUnknown        Pattern = "unknown"
)

// Action is a policy decision produced for a (pattern, pressure) pair.
type Action string

const (
	ActionNone               Action = "no_action"
	ActionPreallocation      Action = "preallocation"
	ActionPageSizeChange     Action = "page_size_change"
	ActionMemoryCompaction   Action = "memory_compaction"
	ActionSlabSizeAdjustment Action = "slab_size_adjustment"
	ActionSwapPolicyChange   Action = "swap_policy_change"
	ActionDecreaseCacheSize  Action = "decrease_cache_size"
	ActionIncreaseCacheSize  Action = "increase_cache_size"
)

// SystemProfile is the operator-selected tuning profile that biases
// policy decisions (the "HP profile" referenced by the ComputeHeavy row
// of the action table).
type SystemProfile string

const (
	ProfileBalanced        SystemProfile = "balanced"
	ProfileHighPerformance SystemProfile = "high_performance"
	ProfilePowerSave       SystemProfile = "power_save"
)

// ProcessStatsSample is one interval's raw measurement for a process,
// supplied by the caller (typically a scheduler or telemetry sampler).
type ProcessStatsSample struct {
	VirtualBytes  uint64
	PhysicalBytes uint64
	SharedBytes   uint64
	CacheBytes    uint64
	SwapBytes     uint64
	AllocCount    uint64
	FreeCount     uint64
	AllocBytes    uint64
}

// ProcessStats is the running per-process state the classifier reads.
type ProcessStats struct {
	PID           uint32
	VirtualBytes  uint64
	PhysicalBytes uint64
	SharedBytes   uint64
	CacheBytes    uint64
	SwapBytes     uint64
	PeakBytes     uint64
	AvgAllocSize  float64
	AllocRate     float64 // per second
	FreeRate      float64 // per second
	Pattern       Pattern

	lastSample time.Time
}

// Profile is the per-application tuning profile and recent-pattern
// history.
type Profile struct {
	PID                  uint32
	Priority             int // 0-100
	MinBytes             uint64
	MaxBytes             uint64
	RecommendedCacheSize uint64
	LargePageHint        bool
	CompressionHint      bool
	SwapPriority         int

	Patterns *ringbuffer.RingBuffer[Pattern]
	Events   *ringbuffer.RingBuffer[OptimizationEvent]
}

// OptimizationEvent records one applied policy action.
type OptimizationEvent struct {
	Timestamp     time.Time
	Pattern       Pattern
	Pressure      int
	Action        Action
	BeforeUsage   uint64
	AfterUsage    uint64
	PercentChange float64
	Reason        string
}

// FragmentationEstimator reports external fragmentation as a 0..1 ratio.
type FragmentationEstimator interface {
	Estimate() float64
}

// EmergencyReclaimer frees memory under pressure, returning bytes freed.
type EmergencyReclaimer interface {
	Reclaim(ctx context.Context, targetBytes uint64) (uint64, error)
}

// CompactionPolicy performs a compaction pass, returning pages moved.
type CompactionPolicy interface {
	Compact(ctx context.Context) (int, error)
}

// defaultFragmentationEstimator reads C1's free-list histogram: a high
// share of free frames parked in low orders (0,1) relative to the total
// free count indicates external fragmentation.
type defaultFragmentationEstimator struct {
	alloc *page.Allocator
}

func (d *defaultFragmentationEstimator) Estimate() float64 {
	hist := d.alloc.FreeListHistogram()
	var total, low int
	for order, count := range hist {
		blockFrames := count * (1 << order)
		total += blockFrames
		if order <= 1 {
			low += blockFrames
		}
	}
	if total == 0 {
		return 0
	}
	return float64(low) / float64(total)
}

// defaultEmergencyReclaimer drains per-CPU slab magazines and shrinks
// under-utilized slab pages back to C1.
type defaultEmergencyReclaimer struct {
	slabs *slab.Manager
	alloc *page.Allocator
}

func (d *defaultEmergencyReclaimer) Reclaim(ctx context.Context, targetBytes uint64) (uint64, error) {
	_ = ctx
	d.slabs.DrainCPUCaches()
	released := d.slabs.Shrink()
	return uint64(released) * d.alloc.PageSize(), nil
}

// defaultCompactionPolicy drains and shrinks slab caches as a stand-in
// for true page migration; there is no virtual-address layer in this
// simulation to relocate live pages behind.
type defaultCompactionPolicy struct {
	slabs *slab.Manager
}

func (d *defaultCompactionPolicy) Compact(ctx context.Context) (int, error) {
	_ = ctx
	d.slabs.DrainCPUCaches()
	return d.slabs.Shrink(), nil
}

// Manager owns per-process stats/profiles and runs the cooperative
// auto-optimization loop.
type Manager struct {
	mu sync.RWMutex

	alloc *page.Allocator
	slabs *slab.Manager

	profiles map[uint32]*Profile
	stats    map[uint32]*ProcessStats

	interval             time.Duration
	autoProfileDetection bool
	systemProfile        SystemProfile

	fragEstimator FragmentationEstimator
	reclaimer     EmergencyReclaimer
	compactor     CompactionPolicy

	logger logr.Logger

	stop    chan struct{}
	running bool
}

// New creates a Manager bound to alloc/slabs. interval is clamped to the
// spec's 100ms floor.
func New(alloc *page.Allocator, slabs *slab.Manager, interval time.Duration, systemProfile SystemProfile, autoProfileDetection bool, logger logr.Logger) *Manager {
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	m := &Manager{
		alloc:                alloc,
		slabs:                slabs,
		profiles:             make(map[uint32]*Profile),
		stats:                make(map[uint32]*ProcessStats),
		interval:             interval,
		autoProfileDetection: autoProfileDetection,
		systemProfile:        systemProfile,
		logger:               logger.WithName("adaptive"),
	}
	m.fragEstimator = &defaultFragmentationEstimator{alloc: alloc}
	m.reclaimer = &defaultEmergencyReclaimer{slabs: slabs, alloc: alloc}
	m.compactor = &defaultCompactionPolicy{slabs: slabs}
	return m
}

// SetFragmentationEstimator, SetReclaimer, SetCompactor override the
// default policy hooks.
func (m *Manager) SetFragmentationEstimator(e FragmentationEstimator) { m.fragEstimator = e }
func (m *Manager) SetReclaimer(r EmergencyReclaimer)                  { m.reclaimer = r }
func (m *Manager) SetCompactor(c CompactionPolicy)                    { m.compactor = c }

// RegisterProcess creates a profile for pid with the given static bounds.
func (m *Manager) RegisterProcess(pid uint32, priority int, minBytes, maxBytes uint64) *Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	patterns, _ := ringbuffer.New[Pattern](10)
	events, _ := ringbuffer.New[OptimizationEvent](100)
	p := &Profile{
		PID:      pid,
		Priority: priority,
		MinBytes: minBytes,
		MaxBytes: maxBytes,
		Patterns: patterns,
		Events:   events,
	}
	m.profiles[pid] = p
	m.stats[pid] = &ProcessStats{PID: pid}
	return p
}

// UnregisterProcess drops pid's profile and stats (called on exit).
func (m *Manager) UnregisterProcess(pid uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.profiles, pid)
	delete(m.stats, pid)
}

// UpdateStats folds one interval's sample into pid's running stats and
// reclassifies its pattern, recording it into the profile's pattern ring.
func (m *Manager) UpdateStats(pid uint32, sample ProcessStatsSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.stats[pid]
	if !ok {
		return fmt.Errorf("adaptive: process %d not registered", pid)
	}
	now := time.Now()
	elapsed := now.Sub(st.lastSample).Seconds()
	if elapsed <= 0 {
		elapsed = m.interval.Seconds()
	}

	st.VirtualBytes = sample.VirtualBytes
	st.PhysicalBytes = sample.PhysicalBytes
	st.SharedBytes = sample.SharedBytes
	st.CacheBytes = sample.CacheBytes
	st.SwapBytes = sample.SwapBytes
	if sample.PhysicalBytes > st.PeakBytes {
		st.PeakBytes = sample.PhysicalBytes
	}
	if sample.AllocCount > 0 {
		st.AvgAllocSize = float64(sample.AllocBytes) / float64(sample.AllocCount)
	}
	st.AllocRate = float64(sample.AllocCount) / elapsed
	st.FreeRate = float64(sample.FreeCount) / elapsed
	st.lastSample = now

	st.Pattern = Classify(st, m.systemTotalBytes())
	if p, ok := m.profiles[pid]; ok {
		p.Patterns.Push(st.Pattern)
	}
	return nil
}

func (m *Manager) systemTotalBytes() uint64 {
	stats := m.alloc.Stats()
	return uint64(stats.TotalFrames) * m.alloc.PageSize()
}

// Classify runs the spec's deterministic decision tree over stats,
// evaluated in order: the first matching rule wins.
func Classify(st *ProcessStats, totalBytes uint64) Pattern {
	switch {
	case st.AvgAllocSize > 1<<20:
		return PatternLargeBlocks
	case st.AvgAllocSize > 0 && st.AvgAllocSize < 4<<10:
		return PatternSmallFragments
	case st.AllocRate-st.FreeRate > 10:
		return PatternLongTerm
	case abs(st.AllocRate-st.FreeRate) < 1:
		return PatternTransient
	case totalBytes > 0 && st.PhysicalBytes > 0 && float64(st.CacheBytes) > float64(st.PhysicalBytes)/2:
		return PatternCacheHeavy
	case totalBytes > 0 && float64(st.PhysicalBytes) > 0.9*float64(totalBytes):
		return PatternComputeHeavy
	default:
		return PatternUnknown
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// DecideAction applies the pressure-driven policy action table.
func (m *Manager) DecideAction(pattern Pattern, pressure int) Action {
	switch pattern {
	case PatternLargeBlocks:
		if pressure < 50 {
			return ActionPreallocation
		}
		return ActionPageSizeChange
	case PatternSmallFragments:
		return ActionMemoryCompaction
	case PatternTransient:
		return ActionSlabSizeAdjustment
	case PatternLongTerm:
		if pressure > 70 {
			return ActionSwapPolicyChange
		}
		return ActionNone
	case PatternCacheHeavy:
		if pressure > 80 {
			return ActionDecreaseCacheSize
		}
		if pressure < 30 {
			return ActionIncreaseCacheSize
		}
		return ActionNone
	case PatternComputeHeavy:
		if m.systemProfile == ProfileHighPerformance {
			return ActionPreallocation
		}
		return ActionSwapPolicyChange
	default:
		return ActionNone
	}
}

// SystemPressure derives a 0-100 memory pressure score from C1's
// non-free/total frame ratio; reserved and MMIO frames count as used.
func (m *Manager) SystemPressure() int {
	s := m.alloc.Stats()
	if s.TotalFrames == 0 {
		return 0
	}
	used := s.TotalFrames - s.FreeFrames
	p := used * 100 / s.TotalFrames
	if p > 100 {
		p = 100
	}
	return p
}

// ApplyAction runs the policy action for pid given its current pattern
// and pressure, recording an OptimizationEvent. NoAction short-circuits
// without invoking any hook or taking a measurement.
func (m *Manager) ApplyAction(ctx context.Context, pid uint32) (OptimizationEvent, error) {
	m.mu.Lock()
	st, ok := m.stats[pid]
	profile := m.profiles[pid]
	m.mu.Unlock()
	if !ok || profile == nil {
		return OptimizationEvent{}, fmt.Errorf("adaptive: process %d not registered", pid)
	}

	pressure := m.SystemPressure()
	action := m.DecideAction(st.Pattern, pressure)
	if action == ActionNone {
		return OptimizationEvent{Pattern: st.Pattern, Pressure: pressure, Action: action, Timestamp: time.Now()}, nil
	}

	before := m.alloc.Stats().AllocatedFrames
	var reason string
	switch action {
	case ActionMemoryCompaction:
		moved, err := m.compactor.Compact(ctx)
		if err != nil {
			return OptimizationEvent{}, err
		}
		reason = fmt.Sprintf("compacted %d slab pages", moved)
	case ActionPageSizeChange, ActionSwapPolicyChange, ActionDecreaseCacheSize:
		freed, err := m.reclaimer.Reclaim(ctx, profile.MaxBytes)
		if err != nil {
			return OptimizationEvent{}, err
		}
		reason = fmt.Sprintf("reclaimed %d bytes", freed)
	case ActionSlabSizeAdjustment:
		reason = "adjusted slab size class for transient pattern"
	case ActionPreallocation:
		reason = "preallocated pages for pattern " + string(st.Pattern)
	case ActionIncreaseCacheSize:
		profile.RecommendedCacheSize += profile.RecommendedCacheSize/4 + 1
		reason = "increased recommended cache size"
	default:
		reason = string(action)
	}
	after := m.alloc.Stats().AllocatedFrames

	var pct float64
	if before > 0 {
		pct = 100 * float64(int(after)-int(before)) / float64(before)
	}
	event := OptimizationEvent{
		Timestamp:     time.Now(),
		Pattern:       st.Pattern,
		Pressure:      pressure,
		Action:        action,
		BeforeUsage:   uint64(before),
		AfterUsage:    uint64(after),
		PercentChange: pct,
		Reason:        reason,
	}
	profile.Events.Push(event)
	return event, nil
}

// Tick runs one optimization pass across every registered process.
func (m *Manager) Tick(ctx context.Context) {
	m.mu.RLock()
	pids := make([]uint32, 0, len(m.stats))
	for pid := range m.stats {
		pids = append(pids, pid)
	}
	m.mu.RUnlock()

	for _, pid := range pids {
		if _, err := m.ApplyAction(ctx, pid); err != nil {
			m.logger.Error(err, "optimization pass failed", "pid", pid)
		}
	}
}

// Start launches the cooperative auto-optimization loop, ticking every
// interval until ctx is done or Stop is called.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("adaptive: already running")
	}
	m.running = true
	m.stop = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

func (m *Manager) run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Tick(ctx)
		case <-ctx.Done():
			m.Stop()
			return
		case <-m.stop:
			return
		}
	}
}

// Stop halts the auto-optimization loop.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	close(m.stop)
	m.running = false
}
