// SPDX-License-Identifier: AGPL-3.0-or-later

package resultqueue_test

import (
	"testing"

	"github.com/babelrelay/scheduler/internal/resultqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetReadyResultsReleasesInOrderOnly(t *testing.T) {
	q := resultqueue.New(resultqueue.NewDeduplicator())

	require.True(t, q.AddResult("sess-1", "job-2", resultqueue.Result{UtteranceIndex: 2}))
	assert.Empty(t, q.GetReadyResults("sess-1"), "index 1 hasn't arrived yet, so nothing may release")

	require.True(t, q.AddResult("sess-1", "job-0", resultqueue.Result{UtteranceIndex: 0}))
	ready := q.GetReadyResults("sess-1")
	require.Len(t, ready, 1)
	assert.Equal(t, 0, ready[0].UtteranceIndex)

	require.True(t, q.AddResult("sess-1", "job-1", resultqueue.Result{UtteranceIndex: 1}))
	ready = q.GetReadyResults("sess-1")
	require.Len(t, ready, 2)
	assert.Equal(t, 1, ready[0].UtteranceIndex)
	assert.Equal(t, 2, ready[1].UtteranceIndex)
}

func TestSkipIndexLetsDeliveryPassOverIt(t *testing.T) {
	q := resultqueue.New(resultqueue.NewDeduplicator())
	q.SkipIndex("sess-1", 0)
	require.True(t, q.AddResult("sess-1", "job-1", resultqueue.Result{UtteranceIndex: 1}))

	ready := q.GetReadyResults("sess-1")
	require.Len(t, ready, 1)
	assert.Equal(t, 1, ready[0].UtteranceIndex)
}

func TestAddResultRejectsDuplicateWithinWindow(t *testing.T) {
	q := resultqueue.New(resultqueue.NewDeduplicator())
	assert.True(t, q.AddResult("sess-1", "job-0", resultqueue.Result{UtteranceIndex: 0}))
	assert.False(t, q.AddResult("sess-1", "job-0", resultqueue.Result{UtteranceIndex: 0}), "a second result for the same job must be rejected as a duplicate")
}

func TestRemoveSessionClearsQueueAndDedupState(t *testing.T) {
	q := resultqueue.New(resultqueue.NewDeduplicator())
	require.True(t, q.AddResult("sess-1", "job-0", resultqueue.Result{UtteranceIndex: 0}))
	q.RemoveSession("sess-1")
	assert.Empty(t, q.GetReadyResults("sess-1"))
	assert.True(t, q.AddResult("sess-1", "job-0", resultqueue.Result{UtteranceIndex: 0}), "dedup state must also be cleared so a fresh session with the same job id isn't rejected")
}
