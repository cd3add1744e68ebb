// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package coherence

import (
	"context"
	"fmt"
	"sync"
)

// LocalTransport is an in-process Transport that fans messages out to
// Engines registered directly on it. It is the default transport and
// is what tests use to exercise the protocol without a real network.
type LocalTransport struct {
	mu    sync.RWMutex
	peers map[string]*Engine
}

// NewLocalTransport creates an empty LocalTransport; Engines register
// themselves via Register.
func NewLocalTransport() *LocalTransport {
	return &LocalTransport{peers: make(map[string]*Engine)}
}

// Register makes e reachable by its node id over this transport.
func (t *LocalTransport) Register(e *Engine) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[e.nodeID] = e
}

func (t *LocalTransport) peer(nodeID string) (*Engine, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.peers[nodeID]
	if !ok {
		return nil, fmt.Errorf("coherence: unknown node %q", nodeID)
	}
	return e, nil
}

func (t *LocalTransport) Invalidate(ctx context.Context, nodeID string, addr uint64) error {
	_ = ctx
	e, err := t.peer(nodeID)
	if err != nil {
		return err
	}
	return e.handleInvalidate(addr)
}

func (t *LocalTransport) Update(ctx context.Context, nodeID string, addr uint64, data []byte) error {
	_ = ctx
	e, err := t.peer(nodeID)
	if err != nil {
		return err
	}
	return e.handleUpdate(addr, data)
}

func (t *LocalTransport) CopyFromRemote(ctx context.Context, nodeID string, addr uint64, size int) ([]byte, error) {
	_ = ctx
	_ = size
	e, err := t.peer(nodeID)
	if err != nil {
		return nil, err
	}
	return e.handleCopyFromRemote(addr)
}
