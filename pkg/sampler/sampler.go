// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package sampler provides a small collector/registry harness for
// pulling periodic signals from a subsystem without coupling directly
// to its internals. No other package in this module imports it; the
// adaptive memory manager and the scheduler extension run their own
// ticker loops.
package sampler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
)

// Kind identifies what a Sampler produces, e.g. "page_pressure", "slab_util".
type Kind string

// Status is the operational state of a ContinuousSampler.
type Status string

const (
	StatusActive   Status = "active"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
	StatusDisabled Status = "disabled"
)

// Sampler is the base capability every sampler exposes.
type Sampler interface {
	Kind() Kind
	Name() string
}

// PointSampler performs a single on-demand sample.
type PointSampler interface {
	Sampler
	Sample(ctx context.Context) (any, error)
}

// ContinuousSampler streams samples on its own schedule until Stop.
type ContinuousSampler interface {
	Sampler
	Start(ctx context.Context) (<-chan any, error)
	Stop() error
	Status() Status
	LastError() error
}

// Base provides the common bookkeeping fields every sampler needs.
type Base struct {
	kind   Kind
	name   string
	logger logr.Logger
}

func NewBase(kind Kind, name string, logger logr.Logger) Base {
	return Base{kind: kind, name: name, logger: logger.WithName(string(kind))}
}

func (b *Base) Kind() Kind          { return b.kind }
func (b *Base) Name() string        { return b.name }
func (b *Base) Logger() logr.Logger { return b.logger }

// BaseContinuous adds status/error tracking on top of Base.
type BaseContinuous struct {
	Base
	status Status
	err    error
}

func NewBaseContinuous(kind Kind, name string, logger logr.Logger) BaseContinuous {
	return BaseContinuous{Base: NewBase(kind, name, logger), status: StatusDisabled}
}

func (b *BaseContinuous) Status() Status   { return b.status }
func (b *BaseContinuous) LastError() error { return b.err }

func (b *BaseContinuous) setStatus(s Status) { b.status = s }

func (b *BaseContinuous) setError(err error) {
	b.err = err
	if err != nil {
		b.status = StatusFailed
		b.Base.logger.Error(err, "sampler error")
	}
}

// Ticker wraps a PointSampler into a ContinuousSampler that calls Sample on
// a fixed interval. Not goroutine-safe beyond Start/Stop being called once
// each from a single owner goroutine.
type Ticker struct {
	BaseContinuous
	point    PointSampler
	interval time.Duration
	ch       chan any
	stopped  chan struct{}
}

func NewTicker(point PointSampler, interval time.Duration, logger logr.Logger) *Ticker {
	return &Ticker{
		BaseContinuous: NewBaseContinuous(point.Kind(), point.Name(), logger),
		point:          point,
		interval:       interval,
		stopped:        make(chan struct{}),
	}
}

func (t *Ticker) Start(ctx context.Context) (<-chan any, error) {
	if t.Status() != StatusDisabled {
		return nil, fmt.Errorf("sampler %s already running", t.Name())
	}
	t.ch = make(chan any, 64)
	go t.run(ctx)
	t.setStatus(StatusActive)
	return t.ch, nil
}

func (t *Ticker) run(ctx context.Context) {
	tick := time.NewTicker(t.interval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			data, err := t.point.Sample(ctx)
			t.setError(err)
			if err != nil {
				t.setStatus(StatusDegraded)
				continue
			}
			t.setStatus(StatusActive)
			select {
			case t.ch <- data:
			default:
			}
		case <-ctx.Done():
			_ = t.Stop()
		case <-t.stopped:
			return
		}
	}
}

func (t *Ticker) Stop() error {
	if t.Status() == StatusDisabled {
		return nil
	}
	close(t.stopped)
	t.stopped = make(chan struct{})
	t.setStatus(StatusDisabled)
	return nil
}

// Registry tracks registered samplers by Kind, grounded on the
// collector registry pattern: single-responsibility registration with
// duplicate-kind rejection and named lookup.
type Registry struct {
	point      map[Kind]PointSampler
	continuous map[Kind]ContinuousSampler
	logger     logr.Logger
}

func NewRegistry(logger logr.Logger) *Registry {
	return &Registry{
		point:      make(map[Kind]PointSampler),
		continuous: make(map[Kind]ContinuousSampler),
		logger:     logger.WithName("sampler-registry"),
	}
}

func (r *Registry) RegisterPoint(s PointSampler) error {
	if s == nil {
		return fmt.Errorf("cannot register nil sampler")
	}
	if _, exists := r.point[s.Kind()]; exists {
		return fmt.Errorf("point sampler %q already registered", s.Kind())
	}
	r.point[s.Kind()] = s
	r.logger.Info("registered point sampler", "kind", s.Kind(), "name", s.Name())
	return nil
}

func (r *Registry) RegisterContinuous(s ContinuousSampler) error {
	if s == nil {
		return fmt.Errorf("cannot register nil sampler")
	}
	if _, exists := r.continuous[s.Kind()]; exists {
		return fmt.Errorf("continuous sampler %q already registered", s.Kind())
	}
	r.continuous[s.Kind()] = s
	r.logger.Info("registered continuous sampler", "kind", s.Kind(), "name", s.Name())
	return nil
}

func (r *Registry) Point(kind Kind) PointSampler { return r.point[kind] }

func (r *Registry) Continuous(kind Kind) ContinuousSampler { return r.continuous[kind] }
