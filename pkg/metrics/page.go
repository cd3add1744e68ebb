// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package metrics

import "github.com/prometheus/client_golang/prometheus"

// PageStats is the subset of page.Allocator.Stats() the page allocator
// gauges need. Defined here instead of imported so this package never
// depends on pkg/memory/page.
type PageStats struct {
	TotalFrames     int
	FreeFrames      int
	AllocatedFrames int
	ReservedFrames  int
	MMIOFrames      int
}

// PageGauges mirrors a page.Allocator's frame counts into prometheus
// gauges, grounded on the teacher's MetricsStore snapshot-then-expose
// pattern: the allocator is sampled on demand rather than pushing
// updates on every alloc/free, keeping the hot path lock-contention
// free.
type PageGauges struct {
	total     prometheus.Gauge
	free      prometheus.Gauge
	allocated prometheus.Gauge
	reserved  prometheus.Gauge
	mmio      prometheus.Gauge
}

// NewPageGauges registers and returns the page allocator's frame-count
// gauges against Registry.
func NewPageGauges() *PageGauges {
	g := &PageGauges{
		total: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "page", Name: "frames_total",
			Help: "Total physical frames managed by the buddy allocator.",
		}),
		free: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "page", Name: "frames_free",
			Help: "Frames currently on a free list.",
		}),
		allocated: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "page", Name: "frames_allocated",
			Help: "Frames currently allocated to a kernel or user owner.",
		}),
		reserved: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "page", Name: "frames_reserved",
			Help: "Frames reserved and never handed out by the allocator.",
		}),
		mmio: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "page", Name: "frames_mmio",
			Help: "Frames mapped to device MMIO regions.",
		}),
	}
	mustRegister(g.total)
	mustRegister(g.free)
	mustRegister(g.allocated)
	mustRegister(g.reserved)
	mustRegister(g.mmio)
	return g
}

// Set overwrites every gauge from a fresh stats snapshot.
func (g *PageGauges) Set(s PageStats) {
	g.total.Set(float64(s.TotalFrames))
	g.free.Set(float64(s.FreeFrames))
	g.allocated.Set(float64(s.AllocatedFrames))
	g.reserved.Set(float64(s.ReservedFrames))
	g.mmio.Set(float64(s.MMIOFrames))
}
