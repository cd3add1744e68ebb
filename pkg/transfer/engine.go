// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package transfer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
	"k8s.io/client-go/util/workqueue"
)

const engineName = "transfer-engine"

// CopyDevice is a byte-copy offload device (DMA engine or hardware
// accelerator).
type CopyDevice interface {
	Copy(ctx context.Context, dst, src []byte) error
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithDMADevice registers the DMA copy offload device.
func WithDMADevice(d CopyDevice) Option { return func(e *Engine) { e.dma = d } }

// WithHwAccelDevice registers the hardware-accelerator copy device.
func WithHwAccelDevice(d CopyDevice) Option { return func(e *Engine) { e.hwAccel = d } }

// WithRDMADevices registers the RDMA device pool considered for RDMA
// transfers.
func WithRDMADevices(devices []RDMADevice) Option {
	return func(e *Engine) { e.rdma = devices }
}

// WithMaxConcurrent overrides the default worker pool size.
func WithMaxConcurrent(n int) Option { return func(e *Engine) { e.maxConcurrent = n } }

// WithFallbackDelay overrides the constant delay between fallback-chain
// attempts.
func WithFallbackDelay(d time.Duration) Option { return func(e *Engine) { e.fallbackDelay = d } }

// WithLogger overrides the engine's logger.
func WithLogger(logger logr.Logger) Option { return func(e *Engine) { e.logger = logger } }

// Engine is a queued transfer engine: descriptors are submitted into
// one of numPriorities rate-limiting workqueues, a dispatcher drains
// them highest-priority-first into a bounded channel, and a fixed pool
// of workers executes each one's method fallback chain.
type Engine struct {
	queues        [numPriorities]workqueue.TypedRateLimitingInterface[*Descriptor]
	dispatch      chan *Descriptor
	maxConcurrent int
	fallbackDelay time.Duration
	active        atomic.Int32

	dma     CopyDevice
	hwAccel CopyDevice
	rdma    []RDMADevice

	mu          sync.Mutex
	descriptors map[uint64]*Descriptor
	nextID      atomic.Uint64

	cancel       context.CancelFunc
	dispatcherWG sync.WaitGroup
	workersWG    sync.WaitGroup

	logger logr.Logger
}

// New creates an Engine sized for numCPU cores (max_concurrent defaults
// to max(4, numCPU/2)) and applies opts.
func New(numCPU int, opts ...Option) *Engine {
	maxConcurrent := numCPU / 2
	if maxConcurrent < 4 {
		maxConcurrent = 4
	}

	e := &Engine{
		maxConcurrent: maxConcurrent,
		fallbackDelay: 10 * time.Millisecond,
		dispatch:      make(chan *Descriptor),
		descriptors:   make(map[uint64]*Descriptor),
		logger:        logr.Discard(),
	}
	for i := range e.queues {
		ratelimiter := workqueue.DefaultTypedControllerRateLimiter[*Descriptor]()
		e.queues[i] = workqueue.NewTypedRateLimitingQueueWithConfig(ratelimiter,
			workqueue.TypedRateLimitingQueueConfig[*Descriptor]{
				Name: fmt.Sprintf("%s-p%d", engineName, i),
			},
		)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches the dispatcher and worker pool.
func (e *Engine) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.dispatcherWG.Add(1)
	go func() {
		defer e.dispatcherWG.Done()
		e.dispatchLoop(ctx)
	}()

	e.workersWG.Add(e.maxConcurrent)
	for i := 0; i < e.maxConcurrent; i++ {
		go func() {
			defer e.workersWG.Done()
			e.worker(ctx)
		}()
	}
}

// Stop drains and shuts down every priority queue, then waits for the
// dispatcher and all workers to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.dispatcherWG.Wait()
	close(e.dispatch)
	for _, q := range e.queues {
		q.ShutDownWithDrain()
	}
	e.workersWG.Wait()
}

// Submit assigns an ID, marks the descriptor Queued, and enqueues it on
// its priority's queue.
func (e *Engine) Submit(d *Descriptor) error {
	if !d.MetadataOnly && d.Size > 0 && uint64(len(d.SrcData)) < d.Size {
		return fmt.Errorf("transfer: src buffer shorter than declared size")
	}
	if int(d.Priority) < 0 || int(d.Priority) >= int(numPriorities) {
		return fmt.Errorf("transfer: invalid priority %d", d.Priority)
	}

	d.ID = e.nextID.Add(1)
	if !d.setStatus(Queued) {
		return fmt.Errorf("transfer: descriptor already terminal")
	}

	e.mu.Lock()
	e.descriptors[d.ID] = d
	e.mu.Unlock()

	e.queues[d.Priority].Add(d)
	return nil
}

// Cancel marks a Queued or InProgress descriptor Cancelled. It is a
// no-op error for unknown or already-terminal descriptors.
func (e *Engine) Cancel(id uint64) error {
	e.mu.Lock()
	d, ok := e.descriptors[id]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("transfer: unknown descriptor %d", id)
	}
	if !d.setStatus(Cancelled) {
		return fmt.Errorf("transfer: descriptor %d already terminal", id)
	}
	d.fireCallback()
	return nil
}

// Get returns the descriptor registered under id.
func (e *Engine) Get(id uint64) (*Descriptor, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.descriptors[id]
	return d, ok
}

// Active reports the number of descriptors currently executing.
func (e *Engine) Active() int32 { return e.active.Load() }

func (e *Engine) dispatchLoop(ctx context.Context) {
	// Highest priority first; numPriorities-1 is Realtime.
	for {
		if ctx.Err() != nil {
			return
		}
		picked := false
		for p := int(numPriorities) - 1; p >= 0; p-- {
			q := e.queues[p]
			if q.Len() == 0 {
				continue
			}
			d, shutdown := q.Get()
			if shutdown {
				continue
			}
			select {
			case e.dispatch <- d:
			case <-ctx.Done():
				q.Done(d)
				return
			}
			picked = true
			break
		}
		if !picked {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Millisecond):
			}
		}
	}
}

func (e *Engine) worker(ctx context.Context) {
	for d := range e.dispatch {
		e.active.Add(1)
		e.run(ctx, d)
		e.active.Add(-1)
		e.queues[d.Priority].Done(d)
	}
}

func (e *Engine) run(ctx context.Context, d *Descriptor) {
	if d.Status() == Cancelled {
		return
	}
	if !d.setStatus(InProgress) {
		return
	}
	d.mu.Lock()
	d.startTime = time.Now()
	d.mu.Unlock()

	chain := []Method{d.Method}
	if d.Method == Auto {
		chain = selectChain(d)
	}

	fallback := backoff.NewConstantBackOff(e.fallbackDelay)
	var lastErr error
	for i, m := range chain {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		if d.Status() == Cancelled {
			return
		}
		if err := e.executeMethod(ctx, d, m); err != nil {
			lastErr = err
			e.logger.V(1).Info("transfer method failed, falling back",
				"descriptor", d.ID, "method", m.String(), "error", err)
			if i < len(chain)-1 {
				time.Sleep(fallback.NextBackOff())
			}
			continue
		}
		lastErr = nil
		break
	}

	d.mu.Lock()
	d.completionTime = time.Now()
	d.err = lastErr
	d.mu.Unlock()

	if lastErr != nil {
		d.setStatus(Failed)
	} else {
		d.setStatus(Completed)
	}
	d.fireCallback()
}

var errDeviceUnavailable = fmt.Errorf("transfer: device unavailable")

func (e *Engine) executeMethod(ctx context.Context, d *Descriptor, m Method) error {
	switch m {
	case CpuCopy:
		return cpuCopy(d.DstData, d.SrcData)
	case DmaEngine:
		if e.dma == nil {
			return errDeviceUnavailable
		}
		return e.dma.Copy(ctx, d.DstData, d.SrcData)
	case HwAccel:
		if e.hwAccel == nil {
			return errDeviceUnavailable
		}
		return e.hwAccel.Copy(ctx, d.DstData, d.SrcData)
	case PageRemapping:
		if d.DstAddrSpace == nil {
			return errDeviceUnavailable
		}
		return d.DstAddrSpace.RemapPage(d.DstVAddr, d.SrcFrame)
	case RDMA:
		return e.executeRDMA(ctx, d)
	default:
		return fmt.Errorf("transfer: unsupported method %s", m.String())
	}
}

func (e *Engine) executeRDMA(ctx context.Context, d *Descriptor) error {
	dev, ok := bestRDMADevice(e.rdma)
	if !ok {
		return fmt.Errorf("transfer: no rdma device registered")
	}
	srcRegion, err := dev.RegisterMemory(d.SrcData)
	if err != nil {
		return fmt.Errorf("transfer: register src region: %w", err)
	}
	defer dev.DeregisterMemory(srcRegion)

	dstRegion, err := dev.RegisterMemory(d.DstData)
	if err != nil {
		return fmt.Errorf("transfer: register dst region: %w", err)
	}
	defer dev.DeregisterMemory(dstRegion)

	if err := dev.PostSend(ctx, srcRegion, dstRegion, d.Size); err != nil {
		return fmt.Errorf("transfer: rdma post send: %w", err)
	}

	for {
		done, err := dev.PollCompletion(ctx)
		if err != nil {
			return fmt.Errorf("transfer: rdma completion: %w", err)
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}
