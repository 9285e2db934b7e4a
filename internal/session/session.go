// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session implements the per-session actor: a single-writer
// event loop over one client session's audio timeline and finalization
// decisions. Mutation happens only inside Actor.Run, driven by events
// pushed through a bounded channel — the same single-writer discipline
// the dispatcher's call tracker uses for an in-flight call, generalized
// here with explicit generation ids instead of one fixed silence timer.
package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/babelrelay/scheduler/internal/config"
)

// State is one of the actor's lifecycle states.
type State string

const (
	StateIdle       State = "idle"
	StateCollecting State = "collecting"
	StateFinalizing State = "finalizing"
	StateClosed     State = "closed"
)

// FinalizeTrigger records why an utterance was finalized.
type FinalizeTrigger string

const (
	TriggerManualCut    FinalizeTrigger = "manual_cut"
	TriggerPause        FinalizeTrigger = "pause"
	TriggerMaxDuration  FinalizeTrigger = "max_duration"
	TriggerSessionClose FinalizeTrigger = "session_close"
)

// AudioChunk is one inbound chunk of a client's audio stream.
type AudioChunk struct {
	Data       []byte
	IsFinal    bool
	ServerTSMS int64
	ClientTSMS *int64
}

// FinalizeRequest is handed to the Dispatcher callback when an
// utterance is ready to leave the actor.
type FinalizeRequest struct {
	SessionID      string
	UtteranceIndex int
	Audio          []byte
	Trigger        FinalizeTrigger
	PaddingMS      int
}

// Dispatch is called synchronously from the actor's event loop to hand
// off a finalized utterance. It must not block on anything but a
// bounded, fast operation (e.g. enqueueing to the dispatcher) — the
// actor is this session's only writer and a stall here stalls the
// session.
type Dispatch func(ctx context.Context, req FinalizeRequest) error

// SkipNotifier tells the result queue that utteranceIndex was merged
// into the following utterance rather than dispatched on its own, so
// ordered delivery doesn't stall waiting for a result that will never
// arrive.
type SkipNotifier func(sessionID string, utteranceIndex int)

// event is the internal sum type driving the actor's loop, mirroring
// the AudioChunkReceived / TimeoutFired / RestartTimer / CloseSession
// variants.
type event struct {
	chunk        *AudioChunk
	timeoutGen   int64
	timeoutValid bool
	restart      bool
	close        bool
}

// Actor is one session's single-writer state machine.
type Actor struct {
	sessionID string
	cfg       *config.Segmentation
	dispatch  Dispatch
	onSkip    SkipNotifier
	logger    *slog.Logger

	events chan event

	state                State
	currentUtteranceIndex int
	finalizeInflight      int // -1 when none
	generation            int64

	buffer        []byte
	firstChunkTS  int64
	lastChunkTS   int64
	bufferedShort []byte // pending short-merge carryover into the next utterance

	timerCancel      context.CancelFunc
	pendingTrigger   FinalizeTrigger
	pendingPaddingMS int
}

// NewActor constructs an Actor. Run must be called to start its event
// loop before any events are accepted.
func NewActor(sessionID string, cfg *config.Segmentation, dispatch Dispatch, onSkip SkipNotifier, logger *slog.Logger) *Actor {
	return &Actor{
		sessionID:        sessionID,
		cfg:              cfg,
		dispatch:         dispatch,
		onSkip:           onSkip,
		logger:           logger,
		events:           make(chan event, cfg.MailboxBacklogLimit),
		state:            StateIdle,
		finalizeInflight: -1,
	}
}

// Run is the actor's event loop. It returns when ctx is cancelled or
// CloseSession is processed.
func (a *Actor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.events:
			if a.handle(ctx, ev) {
				return
			}
		}
	}
}

// SubmitChunk enqueues an AudioChunkReceived event. It does not block
// the caller on processing, only on mailbox backpressure.
func (a *Actor) SubmitChunk(chunk AudioChunk) {
	a.events <- event{chunk: &chunk}
}

// SubmitClose enqueues a CloseSession event.
func (a *Actor) SubmitClose() {
	a.events <- event{close: true}
}

func (a *Actor) submitTimeout(gen int64) {
	a.events <- event{timeoutGen: gen, timeoutValid: true}
}

func (a *Actor) handle(ctx context.Context, ev event) (done bool) {
	switch {
	case ev.close:
		a.onClose(ctx)
		return true
	case ev.timeoutValid:
		a.onTimeout(ctx, ev.timeoutGen)
	case ev.chunk != nil:
		a.onChunk(ctx, *ev.chunk)
	}
	return false
}

func (a *Actor) onChunk(ctx context.Context, chunk AudioChunk) {
	if a.state == StateClosed {
		return
	}

	if a.state == StateIdle {
		a.state = StateCollecting
		a.firstChunkTS = chunk.ServerTSMS
		a.buffer = append(a.buffer, a.bufferedShort...)
		a.bufferedShort = nil
	}

	a.buffer = append(a.buffer, chunk.Data...)
	a.lastChunkTS = chunk.ServerTSMS

	if chunk.IsFinal {
		// A manual cut still waits out ManualHangoverMS before actually
		// finalizing: a chunk racing in right behind the final one (out
		// of order delivery) gets folded in instead of starting a new
		// utterance of its own. Any further chunk re-arms the ordinary
		// pause timer and supersedes this generation.
		a.armTimer(ctx, time.Duration(a.cfg.ManualHangoverMS)*time.Millisecond, TriggerManualCut, a.cfg.ManualPaddingMS)
		return
	}

	if a.cfg.MaxDurationMS > 0 && a.lastChunkTS-a.firstChunkTS >= int64(a.cfg.MaxDurationMS) {
		a.finalize(ctx, a.currentUtteranceIndex, TriggerMaxDuration, a.cfg.AutoPaddingMS)
		return
	}

	// AutoHangoverMS extends the nominal pause_ms wait by a small grace
	// period before declaring the utterance paused, per §4.4's timer
	// discipline note about guarding against a late chunk racing an
	// already-scheduled expiry.
	pauseWait := time.Duration(a.cfg.PauseMS+a.cfg.AutoHangoverMS) * time.Millisecond
	a.armTimer(ctx, pauseWait, TriggerPause, a.cfg.AutoPaddingMS)
}

// armTimer (re)arms the actor's single pending timer under a fresh
// generation id, so a stale firing is always discardable by comparing
// generations. trigger/paddingMS describe what should happen when this
// particular timer fires uninterrupted.
func (a *Actor) armTimer(ctx context.Context, wait time.Duration, trigger FinalizeTrigger, paddingMS int) {
	if a.timerCancel != nil {
		a.timerCancel()
	}
	a.generation++
	gen := a.generation
	a.pendingTrigger = trigger
	a.pendingPaddingMS = paddingMS
	timerCtx, cancel := context.WithCancel(ctx)
	a.timerCancel = cancel

	go func() {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timerCtx.Done():
		case <-timer.C:
			a.submitTimeout(gen)
		}
	}()
}

func (a *Actor) onTimeout(ctx context.Context, gen int64) {
	if gen != a.generation {
		a.logger.Debug("discarding stale timer generation", "session_id", a.sessionID, "generation", gen, "current", a.generation)
		return
	}
	if a.state != StateCollecting {
		return
	}
	// Every chunk re-arms the timer, which fires pause_ms+auto_hangover_ms
	// after an ordinary chunk or manual_hangover_ms after a final chunk, so
	// a current generation means no chunk arrived during that wait.
	a.finalize(ctx, a.currentUtteranceIndex, a.pendingTrigger, a.pendingPaddingMS)
}

// canFinalize is the single dedup point for overlapping pause/manual/
// max-duration triggers racing to close the same utterance.
func (a *Actor) canFinalize(requestedIndex int) bool {
	if a.state == StateFinalizing || a.state == StateClosed {
		return false
	}
	if requestedIndex < a.currentUtteranceIndex {
		return false
	}
	if requestedIndex == a.currentUtteranceIndex && a.finalizeInflight == requestedIndex {
		return false
	}
	return true
}

func (a *Actor) finalize(ctx context.Context, index int, trigger FinalizeTrigger, paddingMS int) {
	if !a.canFinalize(index) {
		return
	}
	if a.timerCancel != nil {
		a.timerCancel()
		a.timerCancel = nil
	}

	duration := a.lastChunkTS - a.firstChunkTS
	if duration < int64(a.cfg.ShortMergeThresholdMS) && trigger != TriggerSessionClose {
		a.bufferedShort = append(a.bufferedShort, a.buffer...)
		a.buffer = nil
		a.state = StateIdle
		if a.onSkip != nil {
			a.onSkip(a.sessionID, index)
		}
		a.currentUtteranceIndex++
		a.logger.Debug("short utterance merged into next", "session_id", a.sessionID, "utterance_index", index, "duration_ms", duration)
		return
	}

	a.state = StateFinalizing
	a.finalizeInflight = index

	req := FinalizeRequest{
		SessionID:      a.sessionID,
		UtteranceIndex: index,
		Audio:          a.buffer,
		Trigger:        trigger,
		PaddingMS:      paddingMS,
	}

	if err := a.dispatch(ctx, req); err != nil {
		a.logger.Error("finalize dispatch failed", "session_id", a.sessionID, "utterance_index", index, "error", err)
	}

	a.buffer = nil
	a.currentUtteranceIndex++
	a.finalizeInflight = -1
	a.state = StateIdle
}

func (a *Actor) onClose(ctx context.Context) {
	if a.state == StateClosed {
		return
	}
	if a.timerCancel != nil {
		a.timerCancel()
		a.timerCancel = nil
	}
	if len(a.buffer) > 0 {
		a.finalize(ctx, a.currentUtteranceIndex, TriggerSessionClose, a.cfg.ManualPaddingMS)
	}
	a.state = StateClosed
}

// State returns the actor's current state, for introspection/tests
// only; never call from outside the event loop's goroutine during
// normal operation.
func (a *Actor) State() State {
	return a.state
}

// CurrentUtteranceIndex returns the index of the utterance currently
// being collected or about to start.
func (a *Actor) CurrentUtteranceIndex() int {
	return a.currentUtteranceIndex
}
