// SPDX-License-Identifier: AGPL-3.0-or-later

package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/babelrelay/scheduler/internal/config"
	"github.com/babelrelay/scheduler/internal/registry"
	"github.com/babelrelay/scheduler/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	st, err := store.New(context.Background(), &config.Config{Store: config.Store{Backend: config.StoreBackendMemory}})
	require.NoError(t, err)
	cfg := &config.Registry{
		PoolCount:         4,
		PoolSize:          100,
		HashSeed:          7,
		ResourceThreshold: 0.9,
		RandomSampleSize:  4,
	}
	return registry.New(cfg, st)
}

func readyNode(id string) registry.Node {
	return registry.Node{
		ID:                id,
		Status:            registry.NodeStatusReady,
		Online:            true,
		AcceptPublicJobs:  true,
		MaxConcurrentJobs: 2,
		LanguagePairs:     []registry.LanguageCapability{{SrcLang: "en", TgtLang: "es"}},
	}
}

func TestRegisterThenReportCapabilitiesIndexesIntoPool(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, readyNode("n1")))
	require.NoError(t, r.ReportCapabilities(ctx, "n1", func(n *registry.Node) {
		n.AcceptPublicJobs = true
		n.MaxConcurrentJobs = 2
		n.LanguagePairs = []registry.LanguageCapability{{SrcLang: "en", TgtLang: "es"}}
	}))

	id, breakdown, err := r.Select(ctx, registry.SelectionRequest{SrcLang: "en", TgtLang: "es"})
	require.NoError(t, err)
	assert.Equal(t, "n1", id)
	assert.Equal(t, 1, breakdown.TotalNodes)
}

func TestRegisterConflictOnDuplicateOnlineID(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, readyNode("n1")))
	err := r.Register(ctx, readyNode("n1"))
	assert.ErrorIs(t, err, registry.ErrNodeIDConflict)
}

func TestSelectExcludesLangPairUnsupported(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, readyNode("n1")))
	require.NoError(t, r.ReportCapabilities(ctx, "n1", func(n *registry.Node) {
		n.AcceptPublicJobs = true
		n.MaxConcurrentJobs = 2
		n.LanguagePairs = []registry.LanguageCapability{{SrcLang: "fr", TgtLang: "de"}}
	}))

	_, breakdown, err := r.Select(ctx, registry.SelectionRequest{SrcLang: "en", TgtLang: "es"})
	assert.ErrorIs(t, err, registry.ErrNoAvailableNode)
	assert.Equal(t, 1, breakdown.Reasons[registry.ExcludeAsrLangUnsupported])
}

func TestReserveJobSlotRespectsMaxConcurrentJobs(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	n := readyNode("n1")
	n.MaxConcurrentJobs = 1
	require.NoError(t, r.Register(ctx, n))
	require.NoError(t, r.ReportCapabilities(ctx, "n1", func(node *registry.Node) {
		node.AcceptPublicJobs = true
		node.MaxConcurrentJobs = 1
		node.LanguagePairs = n.LanguagePairs
	}))

	ok, err := r.ReserveJobSlot(ctx, "n1", "job-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.ReserveJobSlot(ctx, "n1", "job-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second reservation should be rejected at max_concurrent_jobs=1")

	require.NoError(t, r.ReleaseJobSlot(ctx, "n1", "job-1"))
	ok, err = r.ReserveJobSlot(ctx, "n1", "job-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReserveJobSlotIsIdempotentPerJobID(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	n := readyNode("n1")
	n.MaxConcurrentJobs = 1
	require.NoError(t, r.Register(ctx, n))
	require.NoError(t, r.ReportCapabilities(ctx, "n1", func(node *registry.Node) {
		node.AcceptPublicJobs = true
		node.MaxConcurrentJobs = 1
		node.LanguagePairs = n.LanguagePairs
	}))

	ok, err := r.ReserveJobSlot(ctx, "n1", "job-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.ReserveJobSlot(ctx, "n1", "job-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "re-reserving the same job id must be a no-op success")
}

func TestReleaseJobSlotIsIdempotentWithoutPriorReservation(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, readyNode("n1")))
	assert.NoError(t, r.ReleaseJobSlot(ctx, "n1", "never-reserved"))
}

func TestDisconnectRemovesNodeFromPoolSelection(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, readyNode("n1")))
	require.NoError(t, r.ReportCapabilities(ctx, "n1", func(n *registry.Node) {
		n.AcceptPublicJobs = true
		n.MaxConcurrentJobs = 2
		n.LanguagePairs = []registry.LanguageCapability{{SrcLang: "en", TgtLang: "es"}}
	}))
	require.NoError(t, r.Disconnect(ctx, "n1"))

	_, _, err := r.Select(ctx, registry.SelectionRequest{SrcLang: "en", TgtLang: "es"})
	assert.ErrorIs(t, err, registry.ErrNoAvailableNode)
}

func TestMarkUnavailableExcludesModelNotAvailable(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, readyNode("n1")))
	require.NoError(t, r.ReportCapabilities(ctx, "n1", func(n *registry.Node) {
		n.AcceptPublicJobs = true
		n.MaxConcurrentJobs = 2
		n.InstalledServices = []string{"nmt-en-es"}
		n.LanguagePairs = []registry.LanguageCapability{{SrcLang: "en", TgtLang: "es"}}
	}))
	r.MarkUnavailable("n1", "nmt-en-es", time.Minute)

	_, breakdown, err := r.Select(ctx, registry.SelectionRequest{
		SrcLang: "en", TgtLang: "es", RequiredServices: []string{"nmt-en-es"},
	})
	assert.ErrorIs(t, err, registry.ErrNoAvailableNode)
	assert.Equal(t, 1, breakdown.Reasons[registry.ExcludeModelNotAvailable])
}

// TestSelectPicksHighestEffectiveHeadroomNotLowestRawLoad covers
// heterogeneous MaxConcurrentJobs across candidate nodes: §4.2 ranks
// candidates by effective capacity headroom (max_concurrent_jobs minus
// effective load), not by raw current-job count, so a busier node with
// a much higher ceiling still wins over an idle node with a tiny one.
func TestSelectPicksHighestEffectiveHeadroomNotLowestRawLoad(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, readyNode("tight-ceiling")))
	require.NoError(t, r.ReportCapabilities(ctx, "tight-ceiling", func(n *registry.Node) {
		n.AcceptPublicJobs = true
		n.MaxConcurrentJobs = 2
		n.CurrentJobs = 0 // headroom = 2
		n.LanguagePairs = []registry.LanguageCapability{{SrcLang: "en", TgtLang: "es"}}
	}))

	require.NoError(t, r.Register(ctx, readyNode("roomy")))
	require.NoError(t, r.ReportCapabilities(ctx, "roomy", func(n *registry.Node) {
		n.AcceptPublicJobs = true
		n.MaxConcurrentJobs = 10
		n.CurrentJobs = 5 // headroom = 5, despite a higher raw load
		n.LanguagePairs = []registry.LanguageCapability{{SrcLang: "en", TgtLang: "es"}}
	}))

	for i := 0; i < 20; i++ {
		id, _, err := r.Select(ctx, registry.SelectionRequest{SrcLang: "en", TgtLang: "es"})
		require.NoError(t, err)
		assert.Equal(t, "roomy", id, "node with higher effective headroom must win even with a larger raw job count")
	}
}
