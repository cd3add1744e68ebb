// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package ext implements the scheduler extension (C8): heterogeneous
// core awareness layered on top of pkg/sched's CPU-only core. It adds
// GPU/Accelerator/FPGA/NPU core classification, GPU task queues,
// optimal-core selection under affinity and processor-type
// constraints, frequency/power-state control, and periodic
// cross-domain load balancing.
package ext

import (
	"math"
	"sync/atomic"

	"github.com/mosaicos/kernelcore/pkg/archhost"
)

// CoreType classifies a heterogeneous core.
type CoreType int

const (
	CoreCPU CoreType = iota
	CoreGPU
	CoreAccelerator
	CoreFPGA
	CoreNPU
)

func (t CoreType) String() string {
	switch t {
	case CoreGPU:
		return "GPU"
	case CoreAccelerator:
		return "Accelerator"
	case CoreFPGA:
		return "FPGA"
	case CoreNPU:
		return "NPU"
	default:
		return "CPU"
	}
}

// CoreInfo describes one heterogeneous core's static profile and live
// counters. QueueLength and CurrentFreq are updated on every
// AdjustFrequencies/UpdatePowerStates pass and are safe to read
// concurrently with the live scheduler.
type CoreInfo struct {
	ID                  int
	Type                CoreType
	RelativePerformance int // 100 = a standard core
	PowerEfficiency     int

	MinFreq uint64
	MaxFreq uint64

	queueLength atomic.Int64
	currentFreq atomic.Uint64
	powerState  atomic.Int32
	temperature atomic.Uint64 // float64 bits, via math.Float64bits
}

// NewCoreInfo constructs a CoreInfo for a standard CPU core; callers
// override Type/RelativePerformance/PowerEfficiency for non-CPU cores.
func NewCoreInfo(id int, minFreq, maxFreq uint64) *CoreInfo {
	c := &CoreInfo{
		ID:                  id,
		Type:                CoreCPU,
		RelativePerformance: 100,
		PowerEfficiency:     100,
		MinFreq:             minFreq,
		MaxFreq:             maxFreq,
	}
	c.currentFreq.Store(minFreq)
	c.powerState.Store(int32(archhost.PowerBalanced))
	return c
}

func (c *CoreInfo) QueueLength() int      { return int(c.queueLength.Load()) }
func (c *CoreInfo) setQueueLength(n int)  { c.queueLength.Store(int64(n)) }
func (c *CoreInfo) CurrentFreq() uint64   { return c.currentFreq.Load() }
func (c *CoreInfo) setCurrentFreq(hz uint64) { c.currentFreq.Store(hz) }

func (c *CoreInfo) PowerState() archhost.PowerState {
	return archhost.PowerState(c.powerState.Load())
}

func (c *CoreInfo) setPowerState(s archhost.PowerState) { c.powerState.Store(int32(s)) }

func (c *CoreInfo) Temperature() float64 {
	return math.Float64frombits(c.temperature.Load())
}

func (c *CoreInfo) setTemperature(celsius float64) {
	c.temperature.Store(math.Float64bits(celsius))
}
