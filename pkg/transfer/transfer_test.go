// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package transfer_test

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosaicos/kernelcore/pkg/transfer"
)

type fakeDevice struct {
	mu    sync.Mutex
	calls int
	failN int // fail the first failN calls
}

func (f *fakeDevice) Copy(ctx context.Context, dst, src []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failN {
		return fmt.Errorf("device busy")
	}
	copy(dst, src)
	return nil
}

func waitTerminal(t *testing.T, d *transfer.Descriptor, timeout time.Duration) transfer.Status {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		switch d.Status() {
		case transfer.Completed, transfer.Failed, transfer.Cancelled:
			return d.Status()
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("descriptor %d never reached a terminal status, last=%s", d.ID, d.Status())
	return d.Status()
}

func newTestEngine(opts ...transfer.Option) *transfer.Engine {
	e := transfer.New(4, append([]transfer.Option{transfer.WithFallbackDelay(time.Millisecond)}, opts...)...)
	e.Start()
	return e
}

func TestCpuCopyPreservesBytes(t *testing.T) {
	e := newTestEngine()
	defer e.Stop()

	src := []byte("the quick brown fox jumps over the lazy dog")
	dst := make([]byte, len(src))
	d := &transfer.Descriptor{
		SrcData:  src,
		DstData:  dst,
		Size:     uint64(len(src)),
		Method:   transfer.CpuCopy,
		Priority: transfer.Normal,
		SrcTier:  transfer.FastDRAM,
		DstTier:  transfer.StandardDRAM,
	}
	require.NoError(t, e.Submit(d))

	status := waitTerminal(t, d, time.Second)
	assert.Equal(t, transfer.Completed, status)
	assert.True(t, bytes.Equal(src, dst))
}

func TestAutoSmallSameTierPrefersHwAccelThenCpu(t *testing.T) {
	hw := &fakeDevice{}
	e := newTestEngine(transfer.WithHwAccelDevice(hw))
	defer e.Stop()

	src := bytes.Repeat([]byte{0xAB}, 128)
	dst := make([]byte, 128)
	d := &transfer.Descriptor{
		SrcData:  src,
		DstData:  dst,
		Size:     128,
		Method:   transfer.Auto,
		Priority: transfer.Normal,
		SrcTier:  transfer.FastDRAM,
		DstTier:  transfer.FastDRAM,
	}
	require.NoError(t, e.Submit(d))
	status := waitTerminal(t, d, time.Second)
	assert.Equal(t, transfer.Completed, status)
	assert.True(t, bytes.Equal(src, dst))

	hw.mu.Lock()
	calls := hw.calls
	hw.mu.Unlock()
	assert.Equal(t, 1, calls, "hw accel should have served the small same-tier transfer")
}

func TestAutoFallsBackToCpuCopyWhenDeviceErrors(t *testing.T) {
	dma := &fakeDevice{failN: 100} // always fails
	e := newTestEngine(transfer.WithDMADevice(dma))
	defer e.Stop()

	src := bytes.Repeat([]byte{0x7}, 128*1024) // >=64KiB, same tier -> DmaEngine,HwAccel,CpuCopy
	dst := make([]byte, len(src))
	d := &transfer.Descriptor{
		SrcData:  src,
		DstData:  dst,
		Size:     uint64(len(src)),
		Method:   transfer.Auto,
		Priority: transfer.Normal,
		SrcTier:  transfer.FastDRAM,
		DstTier:  transfer.FastDRAM,
	}
	require.NoError(t, e.Submit(d))
	status := waitTerminal(t, d, 2*time.Second)
	assert.Equal(t, transfer.Completed, status, "should have fallen through to CpuCopy")
	assert.True(t, bytes.Equal(src, dst))
}

func TestFailsWhenEveryFallbackExhausted(t *testing.T) {
	e := newTestEngine()
	defer e.Stop()

	src := make([]byte, 128)
	dst := make([]byte, 64) // too small for CpuCopy to succeed
	d := &transfer.Descriptor{
		SrcData:  src,
		DstData:  dst,
		Size:     128,
		Method:   transfer.CpuCopy,
		Priority: transfer.Normal,
		SrcTier:  transfer.FastDRAM,
		DstTier:  transfer.FastDRAM,
	}
	require.NoError(t, e.Submit(d))
	status := waitTerminal(t, d, time.Second)
	assert.Equal(t, transfer.Failed, status)
	assert.Error(t, d.Err())
}

func TestCallbackFiresOnCompletion(t *testing.T) {
	e := newTestEngine()
	defer e.Stop()

	done := make(chan transfer.Status, 1)
	src := []byte("hello")
	dst := make([]byte, len(src))
	d := &transfer.Descriptor{
		SrcData:  src,
		DstData:  dst,
		Size:     uint64(len(src)),
		Method:   transfer.CpuCopy,
		Priority: transfer.High,
		Callback: func(desc *transfer.Descriptor) { done <- desc.Status() },
	}
	require.NoError(t, e.Submit(d))

	select {
	case s := <-done:
		assert.Equal(t, transfer.Completed, s)
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
}

func TestCancelBeforeExecutionIsTerminal(t *testing.T) {
	// Occupy the single worker with a slow device so the second
	// descriptor sits Queued when we cancel it.
	blocker := make(chan struct{})
	slow := &blockingDevice{release: blocker}
	e := transfer.New(2, transfer.WithDMADevice(slow), transfer.WithMaxConcurrent(1), transfer.WithFallbackDelay(time.Millisecond))
	e.Start()
	defer e.Stop()

	busy := &transfer.Descriptor{
		SrcData: make([]byte, 8), DstData: make([]byte, 8), Size: 8,
		Method: transfer.DmaEngine, Priority: transfer.Normal,
	}
	require.NoError(t, e.Submit(busy))
	time.Sleep(20 * time.Millisecond) // let the worker pick it up

	queued := &transfer.Descriptor{
		SrcData: make([]byte, 8), DstData: make([]byte, 8), Size: 8,
		Method: transfer.CpuCopy, Priority: transfer.Normal,
	}
	require.NoError(t, e.Submit(queued))

	require.NoError(t, e.Cancel(queued.ID))
	assert.Equal(t, transfer.Cancelled, queued.Status())

	close(blocker)
	waitTerminal(t, busy, time.Second)
}

func TestCancelAlreadyTerminalReturnsError(t *testing.T) {
	e := newTestEngine()
	defer e.Stop()

	src := []byte("x")
	d := &transfer.Descriptor{SrcData: src, DstData: make([]byte, 1), Size: 1, Method: transfer.CpuCopy}
	require.NoError(t, e.Submit(d))
	waitTerminal(t, d, time.Second)

	err := e.Cancel(d.ID)
	assert.Error(t, err)
}

type blockingDevice struct {
	release chan struct{}
}

func (b *blockingDevice) Copy(ctx context.Context, dst, src []byte) error {
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	copy(dst, src)
	return nil
}
