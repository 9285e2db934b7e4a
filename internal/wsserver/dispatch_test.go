// SPDX-License-Identifier: AGPL-3.0-or-later

package wsserver

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/babelrelay/scheduler/internal/config"
	"github.com/babelrelay/scheduler/internal/connmanager"
	"github.com/babelrelay/scheduler/internal/dispatcher"
	"github.com/babelrelay/scheduler/internal/protocol"
	"github.com/babelrelay/scheduler/internal/registry"
	"github.com/babelrelay/scheduler/internal/resultqueue"
	"github.com/babelrelay/scheduler/internal/routing"
	"github.com/babelrelay/scheduler/internal/session"
	"github.com/babelrelay/scheduler/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *registry.Registry, *dispatcher.Dispatcher) {
	t.Helper()
	ctx := context.Background()
	st, err := store.New(ctx, &config.Config{Store: config.Store{Backend: config.StoreBackendMemory}})
	require.NoError(t, err)

	reg := registry.New(&config.Registry{PoolCount: 4, HashSeed: 1, RandomSampleSize: 4}, st)
	require.NoError(t, reg.Register(ctx, registry.Node{ID: "node-1"}))
	require.NoError(t, reg.ReportCapabilities(ctx, "node-1", func(n *registry.Node) {
		n.AcceptPublicJobs = true
		n.MaxConcurrentJobs = 2
		n.LanguagePairs = []registry.LanguageCapability{{SrcLang: "zh", TgtLang: "en"}}
	}))

	dispatchCfg := &config.Dispatch{LeaseSeconds: 30, MaxFailover: 0, RequestLockSpinTimeoutMS: 100, RequestLockSpinIntervalMS: 10}
	var srv *Server
	d := dispatcher.New(dispatchCfg, reg, st, func(job dispatcher.Job) {
		if srv != nil {
			srv.OnJobTerminal(job)
		}
	})

	logger := slog.New(slog.DiscardHandler)
	rt := routing.New("instance-1", &config.Routing{OwnerTTLSeconds: 60, PresenceTTLSeconds: 60, StreamMaxLen: 1000, StreamBlockMS: 100, StreamCount: 10}, st, logger)

	dedup := resultqueue.NewDeduplicator()
	results := resultqueue.New(dedup)

	srv = New(&config.WS{Bind: "127.0.0.1", Port: 0}, Deps{
		SessionConns: connmanager.New(8),
		NodeConns:    connmanager.New(8),
		Sessions:     nil,
		Dispatcher:   d,
		Registry:     reg,
		Routing:      rt,
		Results:      results,
		ResultDedup:  dedup,
		ModelNATTL:   time.Minute,
	}, logger)

	sessMgr := session.NewManager(&config.Segmentation{MailboxBacklogLimit: 8}, srv.DispatchFinalizedUtterance, srv.OnUtteranceSkipped, logger)
	srv.deps.Sessions = sessMgr

	return srv, reg, d
}

func TestDispatchFinalizedUtteranceSelectsNodeAndAssignsJob(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx := context.Background()

	srv.setSessionContext("sess-1", &sessionContext{srcLang: "zh", tgtLang: "en"})
	srv.deps.NodeConns.Register("node-1")

	err := srv.DispatchFinalizedUtterance(ctx, session.FinalizeRequest{
		SessionID:      "sess-1",
		UtteranceIndex: 0,
		Audio:          []byte("hello"),
		Trigger:        session.TriggerPause,
	})
	require.NoError(t, err)

	assert.True(t, srv.deps.NodeConns.Has("node-1"))
}

func TestDispatchFinalizedUtteranceWithoutSessionContextErrors(t *testing.T) {
	srv, _, _ := newTestServer(t)
	err := srv.DispatchFinalizedUtterance(context.Background(), session.FinalizeRequest{SessionID: "unknown", UtteranceIndex: 0})
	assert.Error(t, err)
}

func TestHandleJobResultDeliversTranslationInOrder(t *testing.T) {
	srv, _, d := newTestServer(t)
	ctx := context.Background()

	srv.setSessionContext("sess-1", &sessionContext{srcLang: "zh", tgtLang: "en"})
	sink := srv.deps.SessionConns.Register("sess-1")
	srv.deps.NodeConns.Register("node-1")

	job, _, err := d.CreateOrGetJob("tenant", "sess-1", 0, "zh", "en", "req-0", nil)
	require.NoError(t, err)
	nodeID, err := d.Dispatch(ctx, job, registry.SelectionRequest{SrcLang: "zh", TgtLang: "en", PublicOnly: true})
	require.NoError(t, err)
	assert.Equal(t, "node-1", nodeID)

	srv.handleJobResult(ctx, nodeID, protocol.JobResult{
		JobID:          job.JobID,
		AttemptID:      job.AttemptID,
		Success:        true,
		TextTranslated: "hello",
	})

	select {
	case frame := <-sink:
		env, err := protocol.DecodeSessionEnvelope(frame)
		require.NoError(t, err)
		assert.Equal(t, protocol.SessionMsgTranslationResult, env.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for translation result frame")
	}
}

func TestHandleJobResultFailureRelaysReportedError(t *testing.T) {
	srv, _, d := newTestServer(t)
	ctx := context.Background()

	srv.setSessionContext("sess-1", &sessionContext{srcLang: "zh", tgtLang: "en"})
	sink := srv.deps.SessionConns.Register("sess-1")
	srv.deps.NodeConns.Register("node-1")

	job, _, err := d.CreateOrGetJob("tenant", "sess-1", 0, "zh", "en", "req-0", nil)
	require.NoError(t, err)
	nodeID, err := d.Dispatch(ctx, job, registry.SelectionRequest{SrcLang: "zh", TgtLang: "en", PublicOnly: true})
	require.NoError(t, err)

	srv.handleJobResult(ctx, nodeID, protocol.JobResult{
		JobID:     job.JobID,
		AttemptID: job.AttemptID,
		Success:   false,
		Error:     &protocol.JobResultError{Code: string(protocol.ErrCodeNMTTimeout), Message: "nmt timed out"},
	})

	select {
	case frame := <-sink:
		env, err := protocol.DecodeSessionEnvelope(frame)
		require.NoError(t, err)
		assert.Equal(t, protocol.SessionMsgError, env.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for session error frame")
	}

	updated, ok := d.Get(job.JobID)
	require.True(t, ok)
	assert.Equal(t, dispatcher.StatusFailed, updated.Status)
}

func TestOnJobTerminalRelaysSilentLeaseTimeout(t *testing.T) {
	srv, _, d := newTestServer(t)
	ctx := context.Background()

	srv.setSessionContext("sess-1", &sessionContext{srcLang: "zh", tgtLang: "en"})
	sink := srv.deps.SessionConns.Register("sess-1")
	srv.deps.NodeConns.Register("node-1")

	job, _, err := d.CreateOrGetJob("tenant", "sess-1", 0, "zh", "en", "req-0", nil)
	require.NoError(t, err)
	_, err = d.Dispatch(ctx, job, registry.SelectionRequest{SrcLang: "zh", TgtLang: "en", PublicOnly: true})
	require.NoError(t, err)

	// No job_result ever arrives; drive the same path the lease timer
	// would take once it fires.
	d.OnLeaseTimeout(ctx, job.JobID)

	select {
	case frame := <-sink:
		env, err := protocol.DecodeSessionEnvelope(frame)
		require.NoError(t, err)
		assert.Equal(t, protocol.SessionMsgError, env.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for session error frame")
	}
}

func TestHandleJobResultDuplicateIsDropped(t *testing.T) {
	srv, _, d := newTestServer(t)
	ctx := context.Background()

	srv.setSessionContext("sess-1", &sessionContext{srcLang: "zh", tgtLang: "en"})
	sink := srv.deps.SessionConns.Register("sess-1")
	srv.deps.NodeConns.Register("node-1")

	job, _, err := d.CreateOrGetJob("tenant", "sess-1", 0, "zh", "en", "req-0", nil)
	require.NoError(t, err)
	nodeID, err := d.Dispatch(ctx, job, registry.SelectionRequest{SrcLang: "zh", TgtLang: "en", PublicOnly: true})
	require.NoError(t, err)

	result := protocol.JobResult{JobID: job.JobID, AttemptID: job.AttemptID, Success: true, TextTranslated: "hello"}
	srv.handleJobResult(ctx, nodeID, result)
	<-sink // drain the first delivery

	// A worker retrying delivery of the same (session, job) result
	// within the dedup window must not re-enqueue for the client.
	require.True(t, srv.deps.ResultDedup.IsDuplicate("sess-1", job.JobID))
	srv.handleJobResult(ctx, nodeID, result)
	select {
	case <-sink:
		t.Fatal("duplicate result should not have been delivered")
	case <-time.After(100 * time.Millisecond):
	}
}
