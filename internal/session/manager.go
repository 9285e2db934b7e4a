// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/babelrelay/scheduler/internal/config"
)

// Manager owns the registry of live per-session actors, starting one
// goroutine per session and tearing it down on close.
type Manager struct {
	cfg      *config.Segmentation
	dispatch Dispatch
	onSkip   SkipNotifier
	logger   *slog.Logger

	mu     sync.RWMutex
	actors map[string]*Actor
	cancel map[string]context.CancelFunc
}

// NewManager builds a Manager. dispatch and onSkip are shared by every
// actor it creates.
func NewManager(cfg *config.Segmentation, dispatch Dispatch, onSkip SkipNotifier, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		dispatch: dispatch,
		onSkip:   onSkip,
		logger:   logger,
		actors:   make(map[string]*Actor),
		cancel:   make(map[string]context.CancelFunc),
	}
}

// GetOrCreate returns the actor for sessionID, starting it if this is
// the first chunk seen for that session.
func (m *Manager) GetOrCreate(ctx context.Context, sessionID string) *Actor {
	m.mu.RLock()
	actor, ok := m.actors[sessionID]
	m.mu.RUnlock()
	if ok {
		return actor
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if actor, ok := m.actors[sessionID]; ok {
		return actor
	}

	actorCtx, cancel := context.WithCancel(ctx)
	actor = NewActor(sessionID, m.cfg, m.dispatch, m.onSkip, m.logger)
	m.actors[sessionID] = actor
	m.cancel[sessionID] = cancel
	go actor.Run(actorCtx)
	return actor
}

// Close closes sessionID's actor (flushing any buffered audio as a
// final utterance) and removes it from the manager. The actor's own
// Run loop exits once it processes the close event; the context
// returned by WithCancel when the actor was created is only used for
// Shutdown's unconditional teardown, never here, since cancelling it
// immediately would race the queued close event out of delivering its
// final flush.
func (m *Manager) Close(sessionID string) {
	m.mu.Lock()
	actor, ok := m.actors[sessionID]
	delete(m.actors, sessionID)
	delete(m.cancel, sessionID)
	m.mu.Unlock()

	if !ok {
		return
	}
	actor.SubmitClose()
}

// Shutdown forcibly cancels every remaining session actor's context,
// for process shutdown where there is no time to wait for a clean
// flush of each one.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, cancel := range m.cancel {
		cancel()
		delete(m.actors, id)
		delete(m.cancel, id)
	}
}

// Get returns the actor for sessionID without creating one.
func (m *Manager) Get(sessionID string) (*Actor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	actor, ok := m.actors[sessionID]
	return actor, ok
}
