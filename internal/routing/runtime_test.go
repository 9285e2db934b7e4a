// SPDX-License-Identifier: AGPL-3.0-or-later

package routing_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/babelrelay/scheduler/internal/config"
	"github.com/babelrelay/scheduler/internal/routing"
	"github.com/babelrelay/scheduler/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRuntime(t *testing.T, instanceID string, st store.Store) *routing.Runtime {
	t.Helper()
	cfg := &config.Routing{
		OwnerTTLSeconds:     60,
		PresenceTTLSeconds:  30,
		StreamMaxLen:        1000,
		StreamBlockMS:       10,
		StreamCount:         10,
		ModelNAWindowMS:     1000,
		ModelNAMaxPerWindow: 2,
	}
	return routing.New(instanceID, cfg, st, slog.Default())
}

func sharedStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.New(context.Background(), &config.Config{Store: config.Store{Backend: config.StoreBackendMemory}})
	require.NoError(t, err)
	return st
}

func TestAcquireSessionOwnershipIsExclusive(t *testing.T) {
	st := sharedStore(t)
	a := newTestRuntime(t, "instance-a", st)
	b := newTestRuntime(t, "instance-b", st)
	ctx := context.Background()

	ok, err := a.AcquireSessionOwnership(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.AcquireSessionOwnership(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, ok)

	owner, err := b.ResolveSessionOwner(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "instance-a", owner)
}

func TestRenewOwnershipFailsForNonOwner(t *testing.T) {
	st := sharedStore(t)
	a := newTestRuntime(t, "instance-a", st)
	b := newTestRuntime(t, "instance-b", st)
	ctx := context.Background()

	_, err := a.AcquireSessionOwnership(ctx, "sess-1")
	require.NoError(t, err)

	err = b.RenewSessionOwnership(ctx, "sess-1")
	assert.ErrorIs(t, err, routing.ErrOwnedElsewhere)

	assert.NoError(t, a.RenewSessionOwnership(ctx, "sess-1"))
}

func TestSendToSessionDeliversLocallyWhenOwned(t *testing.T) {
	st := sharedStore(t)
	a := newTestRuntime(t, "instance-a", st)
	ctx := context.Background()

	_, err := a.AcquireSessionOwnership(ctx, "sess-1")
	require.NoError(t, err)

	var received routing.Envelope
	a.SetLocalDeliverFuncs(func(e routing.Envelope) { received = e }, nil)

	require.NoError(t, a.SendToSession(ctx, "sess-1", json.RawMessage(`{"hello":true}`)))
	assert.Equal(t, routing.KindSendToSession, received.Kind)
	assert.Equal(t, "sess-1", received.SessionID)
}

func TestSendToSessionForwardsThroughInboxWhenOwnedElsewhere(t *testing.T) {
	st := sharedStore(t)
	a := newTestRuntime(t, "instance-a", st)
	b := newTestRuntime(t, "instance-b", st)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := b.AcquireSessionOwnership(ctx, "sess-1")
	require.NoError(t, err)

	delivered := make(chan routing.Envelope, 1)
	b.SetLocalDeliverFuncs(func(e routing.Envelope) { delivered <- e }, nil)

	go func() { _ = b.RunInboxWorker(ctx) }()

	require.NoError(t, a.SendToSession(ctx, "sess-1", json.RawMessage(`{"hi":1}`)))

	select {
	case env := <-delivered:
		assert.Equal(t, "sess-1", env.SessionID)
	case <-time.After(time.Second):
		t.Fatal("envelope was never delivered through the inbox worker")
	}
}

func TestShouldNotifyModelUnavailableDebouncesWithinWindow(t *testing.T) {
	st := sharedStore(t)
	rt := newTestRuntime(t, "instance-a", st)
	ctx := context.Background()

	first, err := rt.ShouldNotifyModelUnavailable(ctx, "nmt-en-es", "v1")
	require.NoError(t, err)
	assert.True(t, first)

	second, err := rt.ShouldNotifyModelUnavailable(ctx, "nmt-en-es", "v1")
	require.NoError(t, err)
	assert.False(t, second)
}
