// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package metrics

import "github.com/prometheus/client_golang/prometheus"

// schedLatencyBucketsSeconds is the six-bucket log-scale histogram the
// scheduler core reports decision latency against: 10us, 50us, 100us,
// 500us, 1ms, 5ms. Anything above the last bucket still counts toward
// +Inf.
var schedLatencyBucketsSeconds = []float64{
	10e-6, 50e-6, 100e-6, 500e-6, 1e-3, 5e-3,
}

// SchedMetrics holds the scheduler core's (C7) exported instruments.
type SchedMetrics struct {
	Latency         prometheus.Histogram
	ContextSwitches prometheus.Counter
	Migrations      prometheus.Counter
	RTThrottled     prometheus.Counter
	DeadlineMisses  prometheus.Counter
}

// NewSchedMetrics registers and returns the scheduler core's latency
// histogram and counters against Registry.
func NewSchedMetrics() *SchedMetrics {
	m := &SchedMetrics{
		Latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "sched", Name: "decision_latency_seconds",
			Help:    "Time spent in schedule() choosing the next thread to run.",
			Buckets: schedLatencyBucketsSeconds,
		}),
		ContextSwitches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sched", Name: "context_switches_total",
			Help: "Context switches performed across all CPUs.",
		}),
		Migrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sched", Name: "migrations_total",
			Help: "Threads migrated between CPUs by work-stealing or load balancing.",
		}),
		RTThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sched", Name: "rt_throttled_total",
			Help: "Times the RT bandwidth throttle disabled RT scheduling for a window.",
		}),
		DeadlineMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sched", Name: "deadline_misses_total",
			Help: "Deadline-class threads that missed their absolute deadline.",
		}),
	}
	mustRegister(m.Latency)
	mustRegister(m.ContextSwitches)
	mustRegister(m.Migrations)
	mustRegister(m.RTThrottled)
	mustRegister(m.DeadlineMisses)
	return m
}

// ExtMetrics holds the scheduler extension's (C8) heterogeneous-core
// telemetry: per-core queue depth, frequency, and temperature, plus a
// counter for load-balance migrations across core domains.
type ExtMetrics struct {
	CoreQueueLength *prometheus.GaugeVec
	CoreFrequency   *prometheus.GaugeVec
	CoreTemperature *prometheus.GaugeVec
	LoadBalanced    prometheus.Counter
}

// NewExtMetrics registers and returns the scheduler extension's
// per-core gauges and load-balance counter against Registry.
func NewExtMetrics() *ExtMetrics {
	m := &ExtMetrics{
		CoreQueueLength: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sched_ext", Name: "core_queue_length",
			Help: "Runnable threads queued on a core.",
		}, []string{"core_id", "core_type"}),
		CoreFrequency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sched_ext", Name: "core_frequency_hz",
			Help: "Current clock frequency of a core.",
		}, []string{"core_id", "core_type"}),
		CoreTemperature: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sched_ext", Name: "core_temperature_celsius",
			Help: "Last reported temperature of a core.",
		}, []string{"core_id", "core_type"}),
		LoadBalanced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sched_ext", Name: "load_balance_migrations_total",
			Help: "Tasks migrated by the cross-domain load balancer.",
		}),
	}
	mustRegister(m.CoreQueueLength)
	mustRegister(m.CoreFrequency)
	mustRegister(m.CoreTemperature)
	mustRegister(m.LoadBalanced)
	return m
}
