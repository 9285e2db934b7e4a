// SPDX-License-Identifier: AGPL-3.0-or-later

package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/babelrelay/scheduler/internal/config"
	"github.com/babelrelay/scheduler/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemoryStoreForTest(t *testing.T) store.Store {
	t.Helper()
	s, err := store.New(context.Background(), &config.Config{Store: config.Store{Backend: config.StoreBackendMemory}})
	require.NoError(t, err)
	return s
}

func TestSetNXIsAtomicFirstWriterWins(t *testing.T) {
	s := newMemoryStoreForTest(t)
	ctx := context.Background()

	created, err := s.SetNX(ctx, "k", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.SetNX(ctx, "k", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, created)

	val, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "a", val)
}

func TestSetNXAfterExpiryRecreates(t *testing.T) {
	s := newMemoryStoreForTest(t)
	ctx := context.Background()

	created, err := s.SetNX(ctx, "k", "a", time.Millisecond)
	require.NoError(t, err)
	assert.True(t, created)

	time.Sleep(5 * time.Millisecond)

	created, err = s.SetNX(ctx, "k", "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, created)

	val, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "b", val)
}

func TestGetMissingKey(t *testing.T) {
	s := newMemoryStoreForTest(t)
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestIncrByAccumulates(t *testing.T) {
	s := newMemoryStoreForTest(t)
	ctx := context.Background()

	v, err := s.IncrBy(ctx, "counter", 3)
	require.NoError(t, err)
	assert.EqualValues(t, 3, v)

	v, err = s.IncrBy(ctx, "counter", -1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, v)
}

func TestReserveReleaseIsNoOpOnCounter(t *testing.T) {
	// Mirrors the round-trip law: reserve_job_slot; release_job_slot is
	// a no-op on the node's reservation counter.
	s := newMemoryStoreForTest(t)
	ctx := context.Background()

	_, err := s.HIncrBy(ctx, "node_reserved:n1", "j1", 1)
	require.NoError(t, err)
	err = s.HDel(ctx, "node_reserved:n1", "j1")
	require.NoError(t, err)

	fields, err := s.HGetAll(ctx, "node_reserved:n1")
	require.NoError(t, err)
	assert.Empty(t, fields)
}

func TestSetAddRemoveMembers(t *testing.T) {
	s := newMemoryStoreForTest(t)
	ctx := context.Background()

	require.NoError(t, s.SAdd(ctx, "pool:1", "n1", "n2"))
	members, err := s.SMembers(ctx, "pool:1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"n1", "n2"}, members)

	require.NoError(t, s.SRem(ctx, "pool:1", "n1"))
	members, err = s.SMembers(ctx, "pool:1")
	require.NoError(t, err)
	assert.Equal(t, []string{"n2"}, members)
}

func TestStreamGroupReadAckRoundTrip(t *testing.T) {
	s := newMemoryStoreForTest(t)
	ctx := context.Background()

	require.NoError(t, s.XGroupCreate(ctx, "inbox:i1", "i1"))

	_, err := s.XAdd(ctx, "inbox:i1", 0, map[string]string{"payload": "one"})
	require.NoError(t, err)
	_, err = s.XAdd(ctx, "inbox:i1", 0, map[string]string{"payload": "two"})
	require.NoError(t, err)

	entries, err := s.XReadGroup(ctx, "inbox:i1", "i1", "consumer-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "one", entries[0].Fields["payload"])
	assert.Equal(t, "two", entries[1].Fields["payload"])

	ids := []string{entries[0].ID, entries[1].ID}
	require.NoError(t, s.XAck(ctx, "inbox:i1", "i1", ids...))

	more, err := s.XReadGroup(ctx, "inbox:i1", "i1", "consumer-1", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, more)
}

func TestStreamTrimsToMaxLen(t *testing.T) {
	s := newMemoryStoreForTest(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.XAdd(ctx, "inbox:trim", 3, map[string]string{"i": string(rune('0' + i))})
		require.NoError(t, err)
	}
	length, err := s.XLen(ctx, "inbox:trim")
	require.NoError(t, err)
	assert.Equal(t, int64(3), length)
}
