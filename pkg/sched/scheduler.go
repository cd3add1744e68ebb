// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sched

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/mosaicos/kernelcore/pkg/archhost"
	kerrors "github.com/mosaicos/kernelcore/pkg/errors"
	"github.com/mosaicos/kernelcore/pkg/ksync"
	"github.com/mosaicos/kernelcore/pkg/metrics"
)

// Config is the scheduler's tunable surface, per the external
// interfaces' config table.
type Config struct {
	LatencyTargetNS    int64
	MinGranularityNS   int64
	RTTimeSliceNS      int64
	WorkStealThreshold int
}

// DefaultConfig matches the spec's worked constants: 1ms RT slices, a
// work-steal threshold of 2 runnable threads, and CFS latency/min
// granularity computed dynamically (so the two NS fields here are
// advisory floors rather than the live values tick() actually uses).
func DefaultConfig() Config {
	return Config{
		LatencyTargetNS:    int64(6 * time.Millisecond),
		MinGranularityNS:   int64(6 * time.Millisecond / 5),
		RTTimeSliceNS:      int64(time.Millisecond),
		WorkStealThreshold: 2,
	}
}

// rtWindow is the measurement window the RT bandwidth throttle samples
// over, and rtThrottleDur is how long RT scheduling is disabled once
// the 95% threshold is crossed.
const (
	rtWindow      = 1 * time.Second
	rtThrottleDur = 5 * time.Millisecond
)

// Scheduler is the scheduler core (C7): one runQueue per CPU, a global
// thread table, and tick()/schedule() driven by an archhost.Arch's
// timer.
type Scheduler struct {
	arch archhost.Arch
	proc archhost.Process
	cfg  Config

	cpus []*runQueue

	globalLock ksync.Mutex

	threadsMu sync.RWMutex
	threads   map[archhost.ThreadID]*Thread
	nextID    atomic.Uint64

	metrics *metrics.SchedMetrics

	latencyEMA atomic.Uint64 // nanoseconds, fixed-point via math.Float64bits would overcomplicate; stored as plain ns

	loadAvg loadAvgLoop

	logger logr.Logger
}

// New constructs a Scheduler over arch/proc with one runQueue per
// arch.CPUCount() CPU, registers arch's timer handler for every CPU,
// and registers cfg's metrics against the shared metrics.Registry.
func New(arch archhost.Arch, proc archhost.Process, cfg Config, logger logr.Logger) (*Scheduler, error) {
	n := arch.CPUCount()
	if n < 1 {
		return nil, kerrors.Newf(kerrors.KindInvalidState, "sched: arch reports %d cpus", n)
	}

	s := &Scheduler{
		arch:    arch,
		proc:    proc,
		cfg:     cfg,
		cpus:    make([]*runQueue, n),
		threads: make(map[archhost.ThreadID]*Thread),
		metrics: metrics.NewSchedMetrics(),
		logger:  logger,
	}
	for i := range s.cpus {
		s.cpus[i] = newRunQueue(i)
	}
	for i := 0; i < n; i++ {
		cpu := i
		if err := arch.SetTimerHandler(cpu, func(c int) { s.Tick(c) }); err != nil {
			return nil, kerrors.Newf(kerrors.KindInvalidState, "sched: set timer handler for cpu %d: %w", cpu, err)
		}
	}
	return s, nil
}

// Spawn creates a new thread, assigns it to the least-loaded CPU among
// those its affinity permits, and enqueues it Ready.
func (s *Scheduler) Spawn(pid uint32, name string, policy Policy, priority int) (*Thread, error) {
	id := archhost.ThreadID(s.nextID.Add(1))
	th := NewThread(id, pid, name, policy, priority)
	if policy == Deadline {
		return nil, kerrors.New("sched: Deadline threads must be spawned with SpawnDeadline")
	}

	s.threadsMu.Lock()
	s.threads[id] = th
	s.threadsMu.Unlock()

	cpu := s.leastLoadedCPU(th)
	s.enqueueOn(cpu, th, 0)
	return th, nil
}

// SpawnDeadline creates a Deadline-class thread whose absolute deadline
// is now+relative.
func (s *Scheduler) SpawnDeadline(pid uint32, name string, relative time.Duration) (*Thread, error) {
	id := archhost.ThreadID(s.nextID.Add(1))
	th := NewThread(id, pid, name, Deadline, 0)
	th.deadline = s.arch.Now().Add(relative)

	s.threadsMu.Lock()
	s.threads[id] = th
	s.threadsMu.Unlock()

	cpu := s.leastLoadedCPU(th)
	s.enqueueOn(cpu, th, 0)
	return th, nil
}

func (s *Scheduler) leastLoadedCPU(th *Thread) int {
	best, bestLen := -1, -1
	for i, rq := range s.cpus {
		if !th.allowedOn(i) {
			continue
		}
		rq.lock.Lock()
		l := rq.Len()
		rq.lock.Unlock()
		if best == -1 || l < bestLen {
			best, bestLen = i, l
		}
	}
	if best == -1 {
		best = 0
	}
	return best
}

func (s *Scheduler) enqueueOn(cpu int, th *Thread, sleepTime time.Duration) {
	rq := s.cpus[cpu]
	rq.lock.Lock()
	rq.enqueueLocked(th, sleepTime)
	rq.idle = false
	rq.lock.Unlock()
	th.mu.Lock()
	th.lastCPU = cpu
	th.mu.Unlock()
}

// Thread looks up a thread by id.
func (s *Scheduler) Thread(id archhost.ThreadID) (*Thread, bool) {
	s.threadsMu.RLock()
	defer s.threadsMu.RUnlock()
	th, ok := s.threads[id]
	return th, ok
}

// Tick is the timer-interrupt entry point: it accounts the current
// thread's elapsed CPU time and decides class-specific preemption.
func (s *Scheduler) Tick(cpu int) {
	rq := s.cpus[cpu]
	rq.lock.Lock()
	cur := rq.current
	now := s.arch.Now()
	if cur == nil {
		rq.lock.Unlock()
		return
	}

	cur.mu.Lock()
	elapsed := now.Sub(cur.lastRunTime)
	runBefore := cur.totalRuntime
	cur.totalRuntime += elapsed
	runAfter := cur.totalRuntime
	cur.lastRunTime = now
	nice := cur.priority
	policy := cur.policy
	if policy == Normal || policy == Batch {
		cur.vruntime += vruntimeDelta(elapsed, nice)
	}
	deadline := cur.deadline
	cur.mu.Unlock()

	if policy.isRT() {
		rq.rtBusy += elapsed
	}

	// The 95%-of-window throttle check runs on every tick, not just
	// inside schedule(), so a sole RT thread that never yields on its
	// own still gets throttled once it exhausts the window.
	s.throttleRTLocked(rq, now)

	preempt := false
	switch {
	case policy == Fifo:
		preempt = s.rtThrottled(rq, now)
	case policy == RoundRobin:
		// A slice expires each time the thread's accumulated runtime
		// crosses a multiple of RTTimeSliceNS, so ticks shorter than a
		// slice add up instead of each being compared on its own.
		slice := time.Duration(s.cfg.RTTimeSliceNS)
		preempt = slice <= 0 || runAfter/slice > runBefore/slice || s.rtThrottled(rq, now)
		if preempt {
			rq.rt.Rotate(cur)
		}
	case policy == Deadline:
		preempt = !deadline.After(now)
	case policy == Normal || policy == Batch:
		min, _ := rq.cfs.PeekMin()
		if min != nil {
			preempt = cur.VRuntime() > rq.cfs.MinVRuntime()+uint64(minGranularity(rq.nrRunning))
		}
	}
	rq.lock.Unlock()

	if preempt {
		s.scheduleOn(cpu)
	}
}

// Schedule invokes schedule() for cpu directly (used by callers driving
// preemption outside of a tick, e.g. a voluntary yield or wake of a
// higher-class thread).
func (s *Scheduler) Schedule(cpu int) { s.scheduleOn(cpu) }

func (s *Scheduler) scheduleOn(cpu int) {
	start := s.arch.Now()
	rq := s.cpus[cpu]

	rq.lock.Lock()
	s.throttleRTLocked(rq, start)
	s.demoteMissedDeadlinesLocked(rq, start)
	throttled := s.rtThrottled(rq, start)

	prev := rq.current
	next, ok := rq.pickTreeLocked(start, throttled)
	if !ok {
		if id, fpOK := rq.dequeueFastPath(); fpOK {
			if th, found := s.Thread(id); found {
				next, ok = th, true
			}
		}
	}
	rq.lock.Unlock()

	if !ok {
		if stolen, stole := s.stealFrom(rq); stole {
			next, ok = stolen, true
		}
	}

	rq.lock.Lock()
	if !ok {
		rq.current = nil
		rq.currentClass = Idle
		rq.idle = true
		rq.lock.Unlock()
		return
	}

	rq.current = next
	rq.currentClass = next.Policy()
	rq.idle = false
	rq.stats.ContextSwitches++
	rq.lock.Unlock()

	next.mu.Lock()
	var prevID archhost.ThreadID
	if prev != nil {
		prevID = prev.ID
	}
	next.state = Running
	next.lastCPU = cpu
	next.lastRunTime = start
	next.mu.Unlock()

	if prev == next {
		// Same thread chosen again (e.g. sole RT FIFO thread); no
		// architectural context switch needed.
	} else if prev == nil {
		_ = s.arch.FirstThreadSwitch(cpu, next.ID)
	} else {
		// A thread already transitioned to Blocked/Terminated/Zombie by
		// its caller (Block, exit) keeps that state; only a thread still
		// Running here was preempted by tick()/a higher-class wake and
		// goes back to Ready.
		if prev.State() == Running {
			prev.setState(Ready)
			rq.lock.Lock()
			rq.enqueueLocked(prev, 0)
			rq.lock.Unlock()
		}
		_ = s.arch.ContextSwitch(cpu, prevID, next.ID)
	}

	s.metrics.ContextSwitches.Inc()
	latency := s.arch.Now().Sub(start)
	s.metrics.Latency.Observe(latency.Seconds())
	s.updateLatencyEMA(latency)
}

// updateLatencyEMA maintains an exponential moving average of
// scheduler decision latency with α=1/8, per §4.7.
func (s *Scheduler) updateLatencyEMA(sample time.Duration) {
	for {
		old := s.latencyEMA.Load()
		var next uint64
		if old == 0 {
			next = uint64(sample)
		} else {
			// ema += (sample - ema) / 8, done in integer ns to avoid a
			// float CAS loop.
			delta := int64(sample) - int64(old)
			next = uint64(int64(old) + delta/8)
		}
		if s.latencyEMA.CompareAndSwap(old, next) {
			return
		}
	}
}

// LatencyEMA returns the scheduler's current exponential moving
// average decision latency.
func (s *Scheduler) LatencyEMA() time.Duration {
	return time.Duration(s.latencyEMA.Load())
}

// throttleRTLocked implements RT bandwidth throttling: if the RT class
// has consumed more than 95% of the last measurement window, RT
// dispatch is disabled for rtThrottleDur to let lower classes run.
// Callers must hold rq.lock.
func (s *Scheduler) throttleRTLocked(rq *runQueue, now time.Time) {
	if now.Sub(rq.rtWindowStart) >= rtWindow {
		if rq.rtBusy >= time.Duration(float64(rtWindow)*0.95) {
			rq.rtThrottledAt = now
			rq.stats.RTThrottled++
			s.metrics.RTThrottled.Inc()
		}
		rq.rtWindowStart = now
		rq.rtBusy = 0
	}
}

func (s *Scheduler) rtThrottled(rq *runQueue, now time.Time) bool {
	return !rq.rtThrottledAt.IsZero() && now.Sub(rq.rtThrottledAt) < rtThrottleDur
}

// stealFrom probes peer CPUs for an eligible CFS thread to steal when
// rq is empty, per §4.7's work-stealing rule. Cross-CPU migration is
// serialized by the scheduler's single global lock (§5: "a global lock
// serializes cross-CPU migration"), so this never holds two per-CPU
// locks at once and can't deadlock against a peer doing the same steal
// in the other direction. Callers must NOT hold rq.lock.
func (s *Scheduler) stealFrom(rq *runQueue) (*Thread, bool) {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	localLen := s.NRRunning(rq.idx)
	for _, peer := range s.cpus {
		if peer == rq {
			continue
		}
		peer.lock.Lock()
		if peer.Len() <= localLen+s.cfg.WorkStealThreshold {
			peer.lock.Unlock()
			continue
		}
		th, ok := peer.cfs.PeekMin()
		if !ok || !th.allowedOn(rq.idx) {
			peer.lock.Unlock()
			continue
		}
		th, _ = peer.cfs.Dequeue()
		peer.nrRunning--
		peer.stats.Migrations++
		peer.lock.Unlock()

		th.mu.Lock()
		th.stats.Migrations++
		th.mu.Unlock()
		s.metrics.Migrations.Inc()
		return th, true
	}
	return nil, false
}

// MigrateEligible inspects fromCPU's CFS run queue for its
// lowest-vruntime thread and, if eligible (per the caller's predicate,
// e.g. the scheduler extension's not-RT/not-cache-sticky/NUMA-distance
// checks) and allowed onto toCPU by affinity, moves it there. Used by
// the scheduler extension's cross-domain load balancer; shares
// stealFrom's global-lock-serializes-migration discipline so it can
// run concurrently with work-stealing without a lock-order conflict.
func (s *Scheduler) MigrateEligible(fromCPU, toCPU int, eligible func(th *Thread) bool) (*Thread, bool) {
	s.globalLock.Lock()
	from := s.cpus[fromCPU]

	from.lock.Lock()
	th, ok := from.cfs.PeekMin()
	if !ok || !th.allowedOn(toCPU) || (eligible != nil && !eligible(th)) {
		from.lock.Unlock()
		s.globalLock.Unlock()
		return nil, false
	}
	th, _ = from.cfs.Dequeue()
	from.nrRunning--
	from.stats.Migrations++
	from.lock.Unlock()
	s.globalLock.Unlock()

	th.mu.Lock()
	th.stats.Migrations++
	th.mu.Unlock()
	s.metrics.Migrations.Inc()
	s.enqueueOn(toCPU, th, 0)
	return th, true
}

// demoteMissedDeadlinesLocked drains every Deadline thread whose
// absolute deadline has already passed, recording the miss and
// re-enqueuing it on CFS with a vruntime penalty proportional to how
// late it is, per §4.7's "on miss, demote to CFS" rule. Callers must
// hold rq.lock.
func (s *Scheduler) demoteMissedDeadlinesLocked(rq *runQueue, now time.Time) {
	for {
		th, ok := rq.dl.PeekMissed(now)
		if !ok {
			return
		}
		rq.dl.Dequeue()

		th.mu.Lock()
		missBy := now.Sub(th.deadline)
		th.policy = Normal
		th.vruntime = rq.cfs.MinVRuntime() + uint64(missBy)
		th.stats.DeadlineMisses++
		th.mu.Unlock()

		rq.cfs.Enqueue(th, 0)
		rq.stats.DeadlineMisses++
		s.metrics.DeadlineMisses.Inc()
	}
}

// RunningOn returns the thread currently running on cpu, if any.
func (s *Scheduler) RunningOn(cpu int) (*Thread, bool) {
	rq := s.cpus[cpu]
	rq.lock.Lock()
	defer rq.lock.Unlock()
	return rq.current, rq.current != nil
}

// Stats returns a copy of cpu's accumulated run-queue counters.
func (s *Scheduler) Stats(cpu int) CPUStats {
	rq := s.cpus[cpu]
	rq.lock.Lock()
	defer rq.lock.Unlock()
	return rq.stats
}

// NRRunning reports cpu's current runnable count.
func (s *Scheduler) NRRunning(cpu int) int {
	rq := s.cpus[cpu]
	rq.lock.Lock()
	defer rq.lock.Unlock()
	return rq.Len()
}

// CPUCount reports the number of CPUs the scheduler is driving.
func (s *Scheduler) CPUCount() int { return len(s.cpus) }

// Block suspends th at a blocking sync-primitive acquire or explicit
// sleep (suspension points (a)/(b) in §5), notifying the Process
// collaborator and immediately invoking schedule() on its CPU so the
// core doesn't idle-spin waiting for the next tick.
func (s *Scheduler) Block(th *Thread) error {
	if err := s.proc.ThreadWait(th.ID); err != nil {
		return kerrors.Newf(kerrors.KindInvalidState, "sched: thread_wait: %w", err)
	}
	cpu := th.LastCPU()
	th.setState(Blocked)
	s.scheduleOn(cpu)
	return nil
}

// Wake resumes a Blocked thread onto the least-loaded CPU its affinity
// permits, crediting sleepTime toward CFS's sleep-bonus discount.
func (s *Scheduler) Wake(th *Thread, sleepTime time.Duration) error {
	if err := s.proc.ThreadWake(th.ID); err != nil {
		return kerrors.Newf(kerrors.KindInvalidState, "sched: thread_wake: %w", err)
	}
	cpu := s.leastLoadedCPU(th)
	s.enqueueOn(cpu, th, sleepTime)
	return nil
}

// Exit transitions a thread to Zombie with the given exit code and
// invokes schedule() on the CPU it last ran on. A zombie is never
// re-enqueued; it is reaped (removed from the thread table) by Reap.
func (s *Scheduler) Exit(th *Thread, code int) {
	th.mu.Lock()
	th.state = Zombie
	th.exitCode = code
	cpu := th.lastCPU
	th.mu.Unlock()

	s.scheduleOn(cpu)
}

// Reap removes a Zombie thread from the thread table.
func (s *Scheduler) Reap(id archhost.ThreadID) error {
	th, ok := s.Thread(id)
	if !ok {
		return kerrors.Newf(kerrors.KindNotFound, "sched: unknown thread %d", id)
	}
	if th.State() != Zombie {
		return kerrors.Newf(kerrors.KindInvalidState, "sched: thread %d is not a zombie", id)
	}
	s.threadsMu.Lock()
	delete(s.threads, id)
	s.threadsMu.Unlock()
	return nil
}
