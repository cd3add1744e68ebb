// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package coherence

import (
	"context"
	"encoding/gob"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
)

// wireMessage is the gob-framed unit exchanged between TCPTransport
// peers. Every request (invalidate, update, copy_request) is answered
// by a reply with the same Kind and ReqID and IsReply set.
type wireMessage struct {
	ReqID   uint64
	Kind    string
	Addr    uint64
	Data    []byte
	IsReply bool
	Err     string
}

const (
	kindInvalidate  = "invalidate"
	kindUpdate      = "update"
	kindCopyRequest = "copy_request"
)

// TCPTransport is a real second-process-capable Transport: it frames
// wireMessage values with encoding/gob over persistent net.Conn
// connections, one per peer node, for a genuine multi-node demo rather
// than an in-process simulation.
type TCPTransport struct {
	local *Engine

	mu      sync.Mutex
	addrs   map[string]string // nodeID -> "host:port"
	conns   map[string]*gobConn
	pending map[uint64]chan wireMessage
	nextReq atomic.Uint64

	listener net.Listener
	logger   logr.Logger
}

type gobConn struct {
	mu  sync.Mutex
	enc *gob.Encoder
	dec *gob.Decoder
	raw net.Conn
}

func newGobConn(c net.Conn) *gobConn {
	return &gobConn{enc: gob.NewEncoder(c), dec: gob.NewDecoder(c), raw: c}
}

func (g *gobConn) send(msg wireMessage) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.enc.Encode(msg)
}

// NewTCPTransport binds listenAddr and starts accepting peer
// connections for local. Call AddPeer to register where other nodes
// can be reached.
func NewTCPTransport(local *Engine, listenAddr string, logger logr.Logger) (*TCPTransport, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("coherence: listen %s: %w", listenAddr, err)
	}
	t := &TCPTransport{
		local:    local,
		addrs:    make(map[string]string),
		conns:    make(map[string]*gobConn),
		pending:  make(map[uint64]chan wireMessage),
		listener: ln,
		logger:   logger.WithName("coherence-tcp"),
	}
	go t.acceptLoop()
	return t, nil
}

func (t *TCPTransport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			return
		}
		go t.readLoop(newGobConn(conn))
	}
}

// AddPeer registers nodeID as reachable at addr ("host:port").
func (t *TCPTransport) AddPeer(nodeID, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addrs[nodeID] = addr
}

// Close shuts down the listener and every outbound connection.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.conns {
		_ = c.raw.Close()
	}
	return t.listener.Close()
}

func (t *TCPTransport) connFor(nodeID string) (*gobConn, error) {
	t.mu.Lock()
	if c, ok := t.conns[nodeID]; ok {
		t.mu.Unlock()
		return c, nil
	}
	addr, ok := t.addrs[nodeID]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("coherence: no address registered for node %q", nodeID)
	}

	raw, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("coherence: dial %s: %w", addr, err)
	}
	c := newGobConn(raw)
	t.mu.Lock()
	t.conns[nodeID] = c
	t.mu.Unlock()
	go t.readLoop(c)
	return c, nil
}

func (t *TCPTransport) readLoop(c *gobConn) {
	for {
		var msg wireMessage
		if err := c.dec.Decode(&msg); err != nil {
			return
		}
		if msg.IsReply {
			t.deliverReply(msg)
			continue
		}
		go t.dispatch(c, msg)
	}
}

func (t *TCPTransport) deliverReply(msg wireMessage) {
	t.mu.Lock()
	ch, ok := t.pending[msg.ReqID]
	if ok {
		delete(t.pending, msg.ReqID)
	}
	t.mu.Unlock()
	if ok {
		ch <- msg
	}
}

func (t *TCPTransport) dispatch(c *gobConn, msg wireMessage) {
	reply := wireMessage{ReqID: msg.ReqID, Kind: msg.Kind, IsReply: true}
	switch msg.Kind {
	case kindInvalidate:
		if err := t.local.handleInvalidate(msg.Addr); err != nil {
			reply.Err = err.Error()
		}
	case kindUpdate:
		if err := t.local.handleUpdate(msg.Addr, msg.Data); err != nil {
			reply.Err = err.Error()
		}
	case kindCopyRequest:
		data, err := t.local.handleCopyFromRemote(msg.Addr)
		if err != nil {
			reply.Err = err.Error()
		}
		reply.Data = data
	}
	_ = c.send(reply)
}

func (t *TCPTransport) roundTrip(ctx context.Context, nodeID string, msg wireMessage) (wireMessage, error) {
	c, err := t.connFor(nodeID)
	if err != nil {
		return wireMessage{}, err
	}
	msg.ReqID = t.nextReq.Add(1)

	ch := make(chan wireMessage, 1)
	t.mu.Lock()
	t.pending[msg.ReqID] = ch
	t.mu.Unlock()

	if err := c.send(msg); err != nil {
		t.mu.Lock()
		delete(t.pending, msg.ReqID)
		t.mu.Unlock()
		return wireMessage{}, err
	}

	select {
	case reply := <-ch:
		if reply.Err != "" {
			return reply, fmt.Errorf("coherence: remote error: %s", reply.Err)
		}
		return reply, nil
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, msg.ReqID)
		t.mu.Unlock()
		return wireMessage{}, ctx.Err()
	}
}

func (t *TCPTransport) Invalidate(ctx context.Context, nodeID string, addr uint64) error {
	_, err := t.roundTrip(ctx, nodeID, wireMessage{Kind: kindInvalidate, Addr: addr})
	return err
}

func (t *TCPTransport) Update(ctx context.Context, nodeID string, addr uint64, data []byte) error {
	_, err := t.roundTrip(ctx, nodeID, wireMessage{Kind: kindUpdate, Addr: addr, Data: data})
	return err
}

func (t *TCPTransport) CopyFromRemote(ctx context.Context, nodeID string, addr uint64, size int) ([]byte, error) {
	_ = size
	reply, err := t.roundTrip(ctx, nodeID, wireMessage{Kind: kindCopyRequest, Addr: addr})
	if err != nil {
		return nil, err
	}
	return reply.Data, nil
}
