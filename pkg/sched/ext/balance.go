// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ext

import (
	"time"

	"github.com/mosaicos/kernelcore/pkg/sched"
)

// numaDistance approximates the physical distance between two cores:
// same 4-core CCX is 1, same 8-core socket is 2, different sockets is
// 3 plus the socket delta. A synthetic topology stands in for real
// hardware discovery, matching the source's own simplifying assumption.
func numaDistance(cpu1, cpu2 int) int {
	socket1, socket2 := cpu1/8, cpu2/8
	if socket1 == socket2 {
		if cpu1/4 == cpu2/4 {
			return 1
		}
		return 2
	}
	delta := socket1 - socket2
	if delta < 0 {
		delta = -delta
	}
	return 3 + delta
}

// ScheduleGPUTask enqueues task on whichever GPU device currently has
// the most free memory, per §4.8's simple placement rule.
func (m *Manager) ScheduleGPUTask(task GPUTask) bool {
	if len(m.gpuQueues) == 0 {
		return false
	}
	best := 0
	maxFree := int64(-1)
	for i, q := range m.gpuQueues {
		free := int64(q.MaxMemory) - int64(q.MemoryUsage())
		if free > maxFree {
			maxFree = free
			best = i
		}
	}
	return m.gpuQueues[best].Enqueue(task)
}

// BalanceLoad runs a load-balance pass across every domain whose
// interval has elapsed, per §4.8's "every ≥100ms, per domain" rule.
func (m *Manager) BalanceLoad() {
	now := time.Now()
	for _, d := range m.domains {
		if !d.due(now) {
			continue
		}
		m.balanceDomain(d)
	}
}

// balanceDomain identifies the busiest and idlest CPU in d and, if
// their queue-length gap exceeds 3, migrates one eligible thread from
// the busiest to the idlest.
func (m *Manager) balanceDomain(d *domain) {
	if len(d.cpus) < 2 {
		return
	}

	busiest, idlest := d.cpus[0], d.cpus[0]
	busiestLen, idlestLen := m.base.NRRunning(busiest), m.base.NRRunning(idlest)
	for _, cpu := range d.cpus[1:] {
		l := m.base.NRRunning(cpu)
		if l > busiestLen {
			busiest, busiestLen = cpu, l
		}
		if l < idlestLen {
			idlest, idlestLen = cpu, l
		}
	}

	if busiestLen-idlestLen <= 3 {
		return
	}

	eligible := func(th *sched.Thread) bool {
		return m.migratable(th, busiest, idlest)
	}
	if _, moved := m.base.MigrateEligible(busiest, idlest, eligible); moved {
		m.metrics.LoadBalanced.Inc()
		m.logger.V(1).Info("load balanced a thread", "from", busiest, "to", idlest)
	}
}

// migratable implements §4.8's migration heuristic: not RT (already
// guaranteed by MigrateEligible only drawing from the CFS tree), not
// cache-sticky, NUMA distance within bound, and memory fits at the
// destination when the arch can report available memory.
func (m *Manager) migratable(th *sched.Thread, fromCPU, toCPU int) bool {
	if th.RanRecently(cacheStickyWindow) {
		return false
	}
	if numaDistance(fromCPU, toCPU) > maxNUMADistance {
		return false
	}
	if mp, ok := m.arch.(MemoryProvider); ok {
		avail, err := mp.AvailableMemory(toCPU)
		if err == nil && th.MemoryRequirement() > avail {
			return false
		}
	}
	return true
}
