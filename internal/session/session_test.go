// SPDX-License-Identifier: AGPL-3.0-or-later

package session_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/babelrelay/scheduler/internal/config"
	"github.com/babelrelay/scheduler/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Segmentation {
	return &config.Segmentation{
		PauseMS:               60,
		MaxDurationMS:         60000,
		ShortMergeThresholdMS: 40,
		AutoHangoverMS:        15,
		ManualHangoverMS:      20,
		AutoPaddingMS:         22,
		ManualPaddingMS:       28,
		MailboxBacklogLimit:   32,
	}
}

type recorder struct {
	mu       sync.Mutex
	requests []session.FinalizeRequest
}

func (r *recorder) dispatch(_ context.Context, req session.FinalizeRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	return nil
}

func (r *recorder) snapshot() []session.FinalizeRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]session.FinalizeRequest, len(r.requests))
	copy(out, r.requests)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestManualCutFinalizesAfterHangover(t *testing.T) {
	rec := &recorder{}
	actor := session.NewActor("sess-1", testConfig(), rec.dispatch, nil, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go actor.Run(ctx)

	actor.SubmitChunk(session.AudioChunk{Data: []byte("abc"), ServerTSMS: 0})
	actor.SubmitChunk(session.AudioChunk{Data: []byte("def"), IsFinal: true, ServerTSMS: 50})

	waitFor(t, func() bool { return len(rec.snapshot()) == 1 })
	reqs := rec.snapshot()
	assert.Equal(t, session.TriggerManualCut, reqs[0].Trigger)
	assert.Equal(t, 0, reqs[0].UtteranceIndex)
	assert.Equal(t, 1, actor.CurrentUtteranceIndex())
}

func TestPauseTriggeredSegmentation(t *testing.T) {
	rec := &recorder{}
	actor := session.NewActor("sess-1", testConfig(), rec.dispatch, nil, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go actor.Run(ctx)

	actor.SubmitChunk(session.AudioChunk{Data: []byte("a"), ServerTSMS: 0})
	actor.SubmitChunk(session.AudioChunk{Data: []byte("b"), ServerTSMS: 50})

	waitFor(t, func() bool { return len(rec.snapshot()) == 1 })
	reqs := rec.snapshot()
	assert.Equal(t, session.TriggerPause, reqs[0].Trigger)
	assert.Equal(t, 1, actor.CurrentUtteranceIndex())
}

func TestStaleTimerGenerationIsSuppressedByFreshChunk(t *testing.T) {
	rec := &recorder{}
	cfg := testConfig()
	cfg.PauseMS = 80
	actor := session.NewActor("sess-1", cfg, rec.dispatch, nil, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go actor.Run(ctx)

	actor.SubmitChunk(session.AudioChunk{Data: []byte("a"), ServerTSMS: 0})
	time.Sleep(40 * time.Millisecond)
	actor.SubmitChunk(session.AudioChunk{Data: []byte("b"), ServerTSMS: 40})

	// The original (now-stale) timer fires at t=95ms from the first chunk
	// (pause 80ms + auto hang-over 15ms) and the rearmed one at t=135ms.
	// Checking at t=110ms falls between the two, so the actor must not
	// have finalized from the stale one.
	time.Sleep(70 * time.Millisecond)
	assert.Empty(t, rec.snapshot(), "stale generation timeout must not finalize")

	waitFor(t, func() bool { return len(rec.snapshot()) == 1 })
	assert.Equal(t, session.TriggerPause, rec.snapshot()[0].Trigger)
}

func TestShortUtteranceMergesIntoNext(t *testing.T) {
	rec := &recorder{}
	cfg := testConfig()
	cfg.ShortMergeThresholdMS = 1000
	cfg.PauseMS = 30

	var skippedMu sync.Mutex
	var skipped []int
	onSkip := func(_ string, idx int) {
		skippedMu.Lock()
		defer skippedMu.Unlock()
		skipped = append(skipped, idx)
	}

	actor := session.NewActor("sess-1", cfg, rec.dispatch, onSkip, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go actor.Run(ctx)

	actor.SubmitChunk(session.AudioChunk{Data: []byte("short"), ServerTSMS: 0})
	waitFor(t, func() bool { return actor.State() == session.StateIdle && actor.CurrentUtteranceIndex() == 1 })
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.snapshot(), "an utterance shorter than the merge threshold must not be dispatched on its own")
	skippedMu.Lock()
	assert.Equal(t, []int{0}, skipped, "the merged utterance's index must be reported skipped to the result queue")
	skippedMu.Unlock()

	actor.SubmitChunk(session.AudioChunk{Data: []byte("mo"), ServerTSMS: 60})
	actor.SubmitChunk(session.AudioChunk{Data: []byte("re"), IsFinal: true, ServerTSMS: 1060})
	waitFor(t, func() bool { return len(rec.snapshot()) == 1 })
	assert.Equal(t, []byte("shortmore"), rec.snapshot()[0].Audio)
	assert.Equal(t, 1, rec.snapshot()[0].UtteranceIndex)
}

func TestCloseFlushesBufferedAudio(t *testing.T) {
	rec := &recorder{}
	actor := session.NewActor("sess-1", testConfig(), rec.dispatch, nil, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go actor.Run(ctx)

	actor.SubmitChunk(session.AudioChunk{Data: []byte("pending"), ServerTSMS: 0})
	require.Eventually(t, func() bool { return actor.State() == session.StateCollecting }, time.Second, 5*time.Millisecond)

	actor.SubmitClose()
	waitFor(t, func() bool { return len(rec.snapshot()) == 1 })
	assert.Equal(t, session.TriggerSessionClose, rec.snapshot()[0].Trigger)
}
