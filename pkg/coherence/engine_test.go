// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package coherence_test

import (
	"context"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosaicos/kernelcore/pkg/coherence"
)

const testAddr uint64 = 0x1000

func newCluster(t *testing.T, nodes []string, model coherence.Model) (*coherence.LocalTransport, map[string]*coherence.Engine) {
	t.Helper()
	transport := coherence.NewLocalTransport()
	dir := coherence.NewDirectory()
	engines := make(map[string]*coherence.Engine, len(nodes))
	for _, id := range nodes {
		e := coherence.NewEngine(id, dir, transport, 4096, logr.Discard())
		e.Init(testAddr, model)
		transport.Register(e)
		engines[id] = e
	}
	return transport, engines
}

func TestBeforeAccessReadFetchesZeroedPageWhenUnowned(t *testing.T) {
	_, nodes := newCluster(t, []string{"a", "b"}, coherence.Sequential)
	ctx := context.Background()

	require.NoError(t, nodes["a"].BeforeAccess(ctx, testAddr, coherence.Read, 64))
	state, err := nodes["a"].State(testAddr)
	require.NoError(t, err)
	assert.Equal(t, coherence.Shared, state)
}

func TestBeforeAccessWriteAcquiresExclusiveAndInvalidatesSharers(t *testing.T) {
	_, nodes := newCluster(t, []string{"a", "b", "c"}, coherence.Sequential)
	ctx := context.Background()

	require.NoError(t, nodes["b"].BeforeAccess(ctx, testAddr, coherence.Read, 64))
	require.NoError(t, nodes["c"].BeforeAccess(ctx, testAddr, coherence.Read, 64))

	require.NoError(t, nodes["a"].BeforeAccess(ctx, testAddr, coherence.Write, 64))
	require.NoError(t, nodes["a"].AfterAccess(ctx, testAddr, coherence.Write, 64))

	state, err := nodes["a"].State(testAddr)
	require.NoError(t, err)
	assert.Equal(t, coherence.Modified, state)

	owner, err := nodes["a"].Owner(testAddr)
	require.NoError(t, err)
	assert.Equal(t, "a", owner)

	sharers, err := nodes["a"].Sharers(testAddr)
	require.NoError(t, err)
	assert.Empty(t, sharers, "b and c should have been dropped from the sharer set once a acquired exclusive ownership")
}

func TestSequentialWriteLeavesWriterAsSoleOwner(t *testing.T) {
	_, nodes := newCluster(t, []string{"a", "b"}, coherence.Sequential)
	ctx := context.Background()

	require.NoError(t, nodes["b"].BeforeAccess(ctx, testAddr, coherence.Read, 64))
	require.NoError(t, nodes["a"].BeforeAccess(ctx, testAddr, coherence.Write, 64))
	require.NoError(t, nodes["a"].AfterAccess(ctx, testAddr, coherence.Write, 64))

	// b was invalidated out of the sharer set during a's exclusive
	// acquisition, so AfterAccess's immediate Sequential broadcast has no
	// remaining targets; a should be the sole owner with no sharers left.
	owner, err := nodes["a"].Owner(testAddr)
	require.NoError(t, err)
	assert.Equal(t, "a", owner)

	sharers, err := nodes["a"].Sharers(testAddr)
	require.NoError(t, err)
	assert.Empty(t, sharers)
}

func TestReleaseBarrierWithoutSharersSucceeds(t *testing.T) {
	_, nodes := newCluster(t, []string{"a", "b"}, coherence.Release)
	ctx := context.Background()

	require.NoError(t, nodes["a"].BeforeAccess(ctx, testAddr, coherence.Write, 64))
	require.NoError(t, nodes["a"].AfterAccess(ctx, testAddr, coherence.Write, 64))

	// The write queued a pending update, but there are no sharers to
	// send it to; confirm the barrier flush does not error.
	require.NoError(t, nodes["a"].Barrier(ctx, coherence.BarrierRelease))

	stateA, err := nodes["a"].State(testAddr)
	require.NoError(t, err)
	assert.Equal(t, coherence.Modified, stateA)
}

func TestAtomicAccessLeavesPageModified(t *testing.T) {
	_, nodes := newCluster(t, []string{"a", "b"}, coherence.Weak)
	ctx := context.Background()

	require.NoError(t, nodes["b"].BeforeAccess(ctx, testAddr, coherence.Read, 64))
	require.NoError(t, nodes["a"].BeforeAccess(ctx, testAddr, coherence.Atomic, 64))
	require.NoError(t, nodes["a"].AfterAccess(ctx, testAddr, coherence.Atomic, 64))

	stateA, err := nodes["a"].State(testAddr)
	require.NoError(t, err)
	assert.Equal(t, coherence.Modified, stateA)
}

func TestUninitializedAddressReturnsErrNotInitialized(t *testing.T) {
	_, nodes := newCluster(t, []string{"a"}, coherence.Sequential)
	ctx := context.Background()

	err := nodes["a"].BeforeAccess(ctx, 0xdead, coherence.Read, 64)
	assert.ErrorIs(t, err, coherence.ErrNotInitialized)
}

func TestReadAfterRemoteWriteFetchesOwnersData(t *testing.T) {
	_, nodes := newCluster(t, []string{"a", "b"}, coherence.Sequential)
	ctx := context.Background()

	require.NoError(t, nodes["a"].BeforeAccess(ctx, testAddr, coherence.Write, 64))
	require.NoError(t, nodes["a"].AfterAccess(ctx, testAddr, coherence.Write, 64))

	require.NoError(t, nodes["b"].BeforeAccess(ctx, testAddr, coherence.Read, 64))
	stateB, err := nodes["b"].State(testAddr)
	require.NoError(t, err)
	assert.Equal(t, coherence.Shared, stateB)

	stateA, err := nodes["a"].State(testAddr)
	require.NoError(t, err)
	assert.Equal(t, coherence.Shared, stateA, "owner should downgrade to Shared once it observes the reader")
}

func TestBarrierReadAndAcquireAreNoOps(t *testing.T) {
	_, nodes := newCluster(t, []string{"a"}, coherence.Weak)
	ctx := context.Background()
	assert.NoError(t, nodes["a"].Barrier(ctx, coherence.BarrierRead))
	assert.NoError(t, nodes["a"].Barrier(ctx, coherence.BarrierAcquire))
}
