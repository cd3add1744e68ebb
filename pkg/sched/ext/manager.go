// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ext

import (
	"strconv"
	"time"

	"github.com/go-logr/logr"

	"github.com/mosaicos/kernelcore/pkg/archhost"
	"github.com/mosaicos/kernelcore/pkg/metrics"
	"github.com/mosaicos/kernelcore/pkg/sched"
)

// cacheStickyWindow is how recently a thread must have run for the
// load balancer to treat it as holding warm cache lines and skip it.
const cacheStickyWindow = 2 * time.Millisecond

// maxNUMADistance is the largest NUMA distance the migration heuristic
// will still approve, per §4.8.
const maxNUMADistance = 2

// EnergyConfig toggles the extension's optional control loops, mirroring
// the source's per-feature enable flags.
type EnergyConfig struct {
	FreqScalingEnabled bool
	PowerSavingEnabled bool
	ThermalMonitoring  bool
}

// DefaultEnergyConfig enables every control loop.
func DefaultEnergyConfig() EnergyConfig {
	return EnergyConfig{FreqScalingEnabled: true, PowerSavingEnabled: true, ThermalMonitoring: true}
}

// MemoryProvider is an optional Arch capability: when the concrete
// arch implements it, the load balancer's memory-fit check is backed
// by real numbers; otherwise the check is skipped (treated as fitting)
// rather than blocking migration on missing data.
type MemoryProvider interface {
	AvailableMemory(cpu int) (uint64, error)
}

// Manager is the scheduler extension (C8): heterogeneous core
// classification layered on a pkg/sched.Scheduler, GPU queues,
// frequency/power-state control, and cross-domain load balancing.
type Manager struct {
	arch archhost.Arch
	base *sched.Scheduler
	cfg  EnergyConfig

	cores     []*CoreInfo
	gpuQueues []*GPUQueue
	domains   []*domain

	metrics *metrics.ExtMetrics
	logger  logr.Logger
}

// NewManager builds a Manager over base's CPUs, classified uniformly
// as CoreCPU with arch's reported min/max frequency, plus gpuQueues
// (already constructed per discovered GPU device) and a single domain
// spanning every CPU — the simplest valid topology per the source's
// "single domain for all cores" default, generalized to let callers
// pass a finer-grained domain split via WithDomains.
func NewManager(arch archhost.Arch, base *sched.Scheduler, gpuQueues []*GPUQueue, cfg EnergyConfig, logger logr.Logger) (*Manager, error) {
	n := base.CPUCount()
	cores := make([]*CoreInfo, n)
	for i := 0; i < n; i++ {
		min, max, err := arch.MinMaxFrequency(i)
		if err != nil {
			return nil, err
		}
		cores[i] = NewCoreInfo(i, min, max)
	}

	all := make([]int, n)
	for i := range all {
		all[i] = i
	}

	return &Manager{
		arch:      arch,
		base:      base,
		cfg:       cfg,
		cores:     cores,
		gpuQueues: gpuQueues,
		domains:   []*domain{newDomain(0, all)},
		metrics:   metrics.NewExtMetrics(),
		logger:    logger,
	}, nil
}

// WithDomains replaces the default single-domain topology.
func (m *Manager) WithDomains(groups [][]int) *Manager {
	domains := make([]*domain, len(groups))
	for i, cpus := range groups {
		domains[i] = newDomain(i, cpus)
	}
	m.domains = domains
	return m
}

// Core returns cpu's CoreInfo.
func (m *Manager) Core(cpu int) *CoreInfo { return m.cores[cpu] }

// SelectOptimalCore implements §4.8's optimal-core selection: filter
// by affinity mask and required processor type, return the preferred
// core if it survives, else the least-loaded surviving candidate.
func (m *Manager) SelectOptimalCore(aff TaskAffinity) int {
	var candidates []int
	for _, c := range m.cores {
		if aff.allows(c.ID) {
			candidates = append(candidates, c.ID)
		}
	}
	if len(candidates) == 0 {
		for _, c := range m.cores {
			candidates = append(candidates, c.ID)
		}
	}

	if aff.RequiredProcessor != nil {
		filtered := candidates[:0:0]
		for _, id := range candidates {
			if m.cores[id].Type == *aff.RequiredProcessor {
				filtered = append(filtered, id)
			}
		}
		candidates = filtered
	}

	if aff.PreferredCore != nil {
		for _, id := range candidates {
			if id == *aff.PreferredCore {
				return id
			}
		}
	}

	if len(candidates) == 0 {
		return 0
	}
	best := candidates[0]
	for _, id := range candidates[1:] {
		if m.cores[id].QueueLength() < m.cores[best].QueueLength() {
			best = id
		}
	}
	return best
}

// refreshQueueLengths samples each core's live runnable count from the
// underlying scheduler before frequency/power decisions consult it.
func (m *Manager) refreshQueueLengths() {
	for _, c := range m.cores {
		c.setQueueLength(m.base.NRRunning(c.ID))
		m.metrics.CoreQueueLength.WithLabelValues(strconv.Itoa(c.ID), c.Type.String()).Set(float64(c.QueueLength()))
	}
}

// AdjustFrequencies scales every core's frequency linearly between its
// min and max proportional to queue_length (clamped 0-100%), per
// §4.8's frequency-control rule. A no-op when freq scaling is disabled.
func (m *Manager) AdjustFrequencies() error {
	if !m.cfg.FreqScalingEnabled {
		return nil
	}
	m.refreshQueueLengths()
	for _, c := range m.cores {
		load := c.QueueLength()
		if load > 100 {
			load = 100
		}
		if load < 0 {
			load = 0
		}
		freqRange := c.MaxFreq - c.MinFreq
		target := c.MinFreq + freqRange*uint64(load)/100
		if err := m.arch.SetCoreFrequency(c.ID, target); err != nil {
			return err
		}
		c.setCurrentFreq(target)
		m.metrics.CoreFrequency.WithLabelValues(strconv.Itoa(c.ID), c.Type.String()).Set(float64(target))
	}
	return nil
}

// UpdatePowerStates applies §4.8's power-state rule per core
// (queue_length > 90 ⇒ Performance, < 30 ⇒ Efficient, else Balanced),
// then overrides to Minimal when thermal monitoring is enabled and the
// core's reported temperature exceeds 85°C. A no-op when power saving
// is disabled.
func (m *Manager) UpdatePowerStates() error {
	if !m.cfg.PowerSavingEnabled {
		return nil
	}
	m.refreshQueueLengths()
	for _, c := range m.cores {
		load := c.QueueLength()
		state := archhost.PowerBalanced
		switch {
		case load > 90:
			state = archhost.PowerPerformance
		case load < 30:
			state = archhost.PowerEfficient
		}

		if m.cfg.ThermalMonitoring {
			if temp, err := m.arch.CoreTemperature(c.ID); err == nil {
				c.setTemperature(temp)
				m.metrics.CoreTemperature.WithLabelValues(strconv.Itoa(c.ID), c.Type.String()).Set(temp)
				if temp > 85.0 {
					state = archhost.PowerMinimal
					m.logger.Info("core over thermal threshold, forcing minimal power state", "core", c.ID, "celsius", temp)
				}
			}
		}

		if err := m.arch.SetPowerState(c.ID, state); err != nil {
			return err
		}
		c.setPowerState(state)
	}
	return nil
}
