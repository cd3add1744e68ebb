// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sched

import (
	"context"
	"math"
	"sync"
	"time"
)

const loadAvgSampleInterval = 5 * time.Second

// Linux-compatible EMA decay constants for 1/5/15-minute load averages
// sampled every 5s: exp(-5/60), exp(-5/300), exp(-5/900).
var loadAvgDecay = [3]float64{
	math.Exp(-5.0 / 60.0),
	math.Exp(-5.0 / 300.0),
	math.Exp(-5.0 / 900.0),
}

type loadAvgLoop struct {
	mu      sync.Mutex
	running bool
	stop    chan struct{}
}

// StartLoadAverages launches the cooperative load-average sampling
// loop, updating every CPU's three EMAs every 5s until ctx is done or
// StopLoadAverages is called. Mirrors the adaptive manager's
// ticker-driven background-pass pattern.
func (s *Scheduler) StartLoadAverages(ctx context.Context) error {
	s.loadAvg.mu.Lock()
	if s.loadAvg.running {
		s.loadAvg.mu.Unlock()
		return nil
	}
	s.loadAvg.running = true
	s.loadAvg.stop = make(chan struct{})
	s.loadAvg.mu.Unlock()

	go s.runLoadAverages(ctx)
	return nil
}

func (s *Scheduler) runLoadAverages(ctx context.Context) {
	ticker := time.NewTicker(loadAvgSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sampleLoadAverages()
		case <-ctx.Done():
			s.StopLoadAverages()
			return
		case <-s.loadAvg.stop:
			return
		}
	}
}

// StopLoadAverages halts the load-average sampling loop.
func (s *Scheduler) StopLoadAverages() {
	s.loadAvg.mu.Lock()
	defer s.loadAvg.mu.Unlock()
	if !s.loadAvg.running {
		return
	}
	close(s.loadAvg.stop)
	s.loadAvg.running = false
}

// sampleLoadAverages samples running + runnable + io_wait_runnable per
// CPU (approximated here as nr_running plus the currently running
// thread) and folds it into each EMA.
func (s *Scheduler) sampleLoadAverages() {
	for _, rq := range s.cpus {
		rq.lock.Lock()
		n := rq.nrRunning
		if rq.current != nil {
			n++
		}
		sample := float64(n)
		for i, decay := range loadAvgDecay {
			rq.loadAvg[i] = rq.loadAvg[i]*decay + sample*(1-decay)
		}
		rq.lock.Unlock()
	}
}

// LoadAverages returns cpu's cached {1, 5, 15}-minute load averages.
func (s *Scheduler) LoadAverages(cpu int) [3]float64 {
	rq := s.cpus[cpu]
	rq.lock.Lock()
	defer rq.lock.Unlock()
	return rq.loadAvg
}
