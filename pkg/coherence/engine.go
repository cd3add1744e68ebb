// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package coherence implements the distributed cache coherence engine
// (C5): a directory-based MESI-like protocol over page-aligned
// addresses shared by telepages across kernel nodes.
package coherence

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	kerrors "github.com/mosaicos/kernelcore/pkg/errors"
	"github.com/mosaicos/kernelcore/pkg/ksync"
)

// State is a directory entry's coherence state.
type State int

const (
	Invalid State = iota
	Shared
	Exclusive
	Modified
)

func (s State) String() string {
	switch s {
	case Shared:
		return "Shared"
	case Exclusive:
		return "Exclusive"
	case Modified:
		return "Modified"
	default:
		return "Invalid"
	}
}

// Model is the per-page consistency model.
type Model int

const (
	Sequential Model = iota
	Release
	Weak
	Mosaic
)

// AccessKind classifies a memory access for before/after_access.
type AccessKind int

const (
	Read AccessKind = iota
	Write
	Atomic
)

// BarrierKind selects which pending-write classes a barrier flushes.
type BarrierKind int

const (
	BarrierRead BarrierKind = iota
	BarrierWrite
	BarrierFull
	BarrierAcquire
	BarrierRelease
)

var ErrNotInitialized = kerrors.Newf(kerrors.KindInvalidState, "coherence: directory entry not initialized")

// Transport is the abstract per-node connection the engine uses to
// reach peers by node id.
type Transport interface {
	Invalidate(ctx context.Context, nodeID string, addr uint64) error
	Update(ctx context.Context, nodeID string, addr uint64, data []byte) error
	CopyFromRemote(ctx context.Context, nodeID string, addr uint64, size int) ([]byte, error)
}

// directoryEntry is the shared metadata for one page-aligned address.
type directoryEntry struct {
	lock ksync.RwLock

	state            State
	ownerNode        string
	sharingNodes     map[string]struct{}
	lastModifiedBy   string
	lastModifiedTime time.Time
	model            Model
}

func newDirectoryEntry(model Model) *directoryEntry {
	return &directoryEntry{state: Invalid, sharingNodes: make(map[string]struct{}), model: model}
}

// Directory is the shared coordination state for a set of page-aligned
// addresses: which node owns each address, who is sharing it, and under
// which consistency model. In a real deployment the directory for a
// given address lives at that address's home node and is reached over
// Transport like everything else; colocating it here models that home
// authority directly instead of simulating its own RPC hop.
type Directory struct {
	mu      sync.RWMutex
	entries map[uint64]*directoryEntry
}

// NewDirectory creates an empty Directory.
func NewDirectory() *Directory {
	return &Directory{entries: make(map[uint64]*directoryEntry)}
}

// Init registers addr under model, creating its directory entry. Must
// be called before any Engine's BeforeAccess/AfterAccess/Barrier touch
// addr.
func (d *Directory) Init(addr uint64, model Model) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.entries[addr]; !ok {
		d.entries[addr] = newDirectoryEntry(model)
	}
}

func (d *Directory) entry(addr uint64) (*directoryEntry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[addr]
	if !ok {
		return nil, ErrNotInitialized
	}
	return e, nil
}

// Engine is one kernel node's participant in the coherence protocol.
// The directory it consults is shared coordination state; the cache and
// pending-write buffer are this node's own private data.
type Engine struct {
	nodeID string
	actor  uint64
	dir    *Directory

	mu      sync.RWMutex
	cache   map[uint64][]byte
	pending map[uint64][]byte

	transport Transport
	pageSize  int
	logger    logr.Logger
}

// NewEngine creates an Engine for nodeID communicating over transport
// and coordinating through the shared dir.
func NewEngine(nodeID string, dir *Directory, transport Transport, pageSize int, logger logr.Logger) *Engine {
	return &Engine{
		nodeID:    nodeID,
		actor:     actorID(nodeID),
		dir:       dir,
		cache:     make(map[uint64][]byte),
		pending:   make(map[uint64][]byte),
		transport: transport,
		pageSize:  pageSize,
		logger:    logger.WithName("coherence").WithValues("node", nodeID),
	}
}

func actorID(nodeID string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(nodeID))
	return h.Sum64()
}

// Init registers addr under model on the engine's shared directory. Must
// be called before BeforeAccess/AfterAccess/Barrier touch addr.
func (e *Engine) Init(addr uint64, model Model) {
	e.dir.Init(addr, model)
}

func (e *Engine) entry(addr uint64) (*directoryEntry, error) {
	return e.dir.entry(addr)
}

// BeforeAccess implements the read/write/atomic acquisition contract.
func (e *Engine) BeforeAccess(ctx context.Context, addr uint64, kind AccessKind, size int) error {
	d, err := e.entry(addr)
	if err != nil {
		return err
	}
	d.lock.Lock(e.actor)
	defer d.lock.Unlock()

	switch kind {
	case Read:
		_, alreadySharing := d.sharingNodes[e.nodeID]
		if d.ownerNode != e.nodeID && !(alreadySharing && d.state == Shared) {
			data, err := e.fetchOrZero(ctx, d, addr, size)
			if err != nil {
				return err
			}
			e.mu.Lock()
			e.cache[addr] = data
			e.mu.Unlock()
			if d.ownerNode != "" {
				d.sharingNodes[d.ownerNode] = struct{}{}
			}
			d.sharingNodes[e.nodeID] = struct{}{}
			d.state = Shared
		}
	case Write, Atomic:
		if d.ownerNode != e.nodeID {
			if d.ownerNode != "" {
				data, err := e.transport.CopyFromRemote(ctx, d.ownerNode, addr, size)
				if err != nil {
					return fmt.Errorf("coherence: fetch from owner %s: %w", d.ownerNode, err)
				}
				e.mu.Lock()
				e.cache[addr] = data
				e.mu.Unlock()
			}
			targets := invalidateTargets(d, e.nodeID)
			if err := e.broadcastInvalidate(ctx, targets, addr); err != nil {
				return err
			}
			d.ownerNode = e.nodeID
			d.state = Exclusive
			d.sharingNodes = make(map[string]struct{})
			d.lastModifiedTime = time.Now()
		}
	}
	return nil
}

func invalidateTargets(d *directoryEntry, self string) []string {
	seen := make(map[string]struct{})
	if d.ownerNode != "" && d.ownerNode != self {
		seen[d.ownerNode] = struct{}{}
	}
	for n := range d.sharingNodes {
		if n != self {
			seen[n] = struct{}{}
		}
	}
	targets := make([]string, 0, len(seen))
	for n := range seen {
		targets = append(targets, n)
	}
	return targets
}

// broadcastInvalidate fans Invalidate out to every target concurrently
// and waits for every ack before returning, so the caller never commits
// the exclusive-state transition until all other caches have observed
// the invalidation.
func (e *Engine) broadcastInvalidate(ctx context.Context, targets []string, addr uint64) error {
	if len(targets) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, target := range targets {
		target := target
		g.Go(func() error {
			return e.transport.Invalidate(gctx, target, addr)
		})
	}
	return g.Wait()
}

func (e *Engine) fetchOrZero(ctx context.Context, d *directoryEntry, addr uint64, size int) ([]byte, error) {
	if d.ownerNode == "" || d.ownerNode == e.nodeID {
		return make([]byte, size), nil
	}
	data, err := e.transport.CopyFromRemote(ctx, d.ownerNode, addr, size)
	if err != nil {
		return nil, fmt.Errorf("coherence: fetch from owner %s: %w", d.ownerNode, err)
	}
	return data, nil
}

// AfterAccess implements the post-access state transition and update
// propagation contract.
func (e *Engine) AfterAccess(ctx context.Context, addr uint64, kind AccessKind, size int) error {
	d, err := e.entry(addr)
	if err != nil {
		return err
	}
	d.lock.Lock(e.actor)
	defer d.lock.Unlock()

	switch kind {
	case Write:
		d.state = Modified
		d.lastModifiedBy = e.nodeID
		d.lastModifiedTime = time.Now()
		if d.model == Sequential {
			return e.broadcastUpdateLocked(ctx, d, addr)
		}
		e.mu.Lock()
		e.pending[addr] = cloneBytes(e.cache[addr])
		e.mu.Unlock()
	case Atomic:
		d.state = Modified
		d.lastModifiedBy = e.nodeID
		d.lastModifiedTime = time.Now()
		return e.broadcastUpdateLocked(ctx, d, addr)
	}
	return nil
}

func (e *Engine) broadcastUpdateLocked(ctx context.Context, d *directoryEntry, addr uint64) error {
	e.mu.RLock()
	data := cloneBytes(e.cache[addr])
	e.mu.RUnlock()

	targets := make([]string, 0, len(d.sharingNodes))
	for n := range d.sharingNodes {
		if n != e.nodeID {
			targets = append(targets, n)
		}
	}
	if len(targets) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, target := range targets {
		target := target
		g.Go(func() error {
			return e.transport.Update(gctx, target, addr, data)
		})
	}
	return g.Wait()
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Barrier flushes pending writes for Write/Release/Full; Read/Acquire
// are a no-op beyond fence ordering in this design.
func (e *Engine) Barrier(ctx context.Context, kind BarrierKind) error {
	switch kind {
	case BarrierRead, BarrierAcquire:
		return nil
	}

	e.mu.Lock()
	pending := e.pending
	e.pending = make(map[uint64][]byte)
	e.mu.Unlock()

	for addr, data := range pending {
		d, err := e.entry(addr)
		if err != nil {
			continue
		}
		d.lock.Lock(e.actor)
		targets := make([]string, 0, len(d.sharingNodes))
		for n := range d.sharingNodes {
			if n != e.nodeID {
				targets = append(targets, n)
			}
		}
		d.lock.Unlock()

		if len(targets) == 0 {
			continue
		}
		g, gctx := errgroup.WithContext(ctx)
		for _, target := range targets {
			target := target
			g.Go(func() error {
				return e.transport.Update(gctx, target, addr, data)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// handleInvalidate is invoked by a Transport while another node is
// acquiring exclusive ownership; it only needs to drop its own stale
// cached copy. Directory membership is updated by the node driving the
// transition once every invalidate has been acknowledged, since the
// directory is shared coordination state rather than something each
// node replicates independently.
func (e *Engine) handleInvalidate(addr uint64) error {
	if _, err := e.entry(addr); err != nil {
		return nil // nothing cached for addr, nothing to invalidate
	}
	e.mu.Lock()
	delete(e.cache, addr)
	e.mu.Unlock()
	return nil
}

// handleUpdate is invoked by a Transport when a peer pushes fresh data
// for addr; it refreshes this node's private cache.
func (e *Engine) handleUpdate(addr uint64, data []byte) error {
	if _, err := e.entry(addr); err != nil {
		return nil
	}
	e.mu.Lock()
	e.cache[addr] = cloneBytes(data)
	e.mu.Unlock()
	return nil
}

// handleCopyFromRemote is invoked by a Transport to serve a remote
// node's payload fetch.
func (e *Engine) handleCopyFromRemote(addr uint64) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return cloneBytes(e.cache[addr]), nil
}

// State returns a snapshot of addr's directory state, for tests and
// telemetry. State is global coordination state, not a per-node value:
// every Engine sharing the same Directory observes the same answer.
func (e *Engine) State(addr uint64) (State, error) {
	d, err := e.entry(addr)
	if err != nil {
		return Invalid, err
	}
	d.lock.RLock(e.actor)
	defer d.lock.RUnlock(e.actor)
	return d.state, nil
}

// Owner returns the node id recorded as owner of addr, or "" if none.
// The owner is set by an exclusive acquisition and stays recorded when
// readers later join and the state becomes Shared.
func (e *Engine) Owner(addr uint64) (string, error) {
	d, err := e.entry(addr)
	if err != nil {
		return "", err
	}
	d.lock.RLock(e.actor)
	defer d.lock.RUnlock(e.actor)
	return d.ownerNode, nil
}

// Sharers returns the node ids currently sharing addr.
func (e *Engine) Sharers(addr uint64) ([]string, error) {
	d, err := e.entry(addr)
	if err != nil {
		return nil, err
	}
	d.lock.RLock(e.actor)
	defer d.lock.RUnlock(e.actor)
	out := make([]string, 0, len(d.sharingNodes))
	for n := range d.sharingNodes {
		out = append(out, n)
	}
	return out, nil
}

// LastModified returns the node that last wrote addr and when, for
// telemetry and debugging.
func (e *Engine) LastModified(addr uint64) (string, time.Time, error) {
	d, err := e.entry(addr)
	if err != nil {
		return "", time.Time{}, err
	}
	d.lock.RLock(e.actor)
	defer d.lock.RUnlock(e.actor)
	return d.lastModifiedBy, d.lastModifiedTime, nil
}
