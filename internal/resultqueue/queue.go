// SPDX-License-Identifier: AGPL-3.0-or-later

// Package resultqueue holds, per session, the results that have
// arrived out of utterance order and releases them to the client only
// once every earlier index is accounted for — either delivered or
// explicitly skipped by the session actor's short-utterance merge.
package resultqueue

import "sync"

// Result is one translation result ready for delivery, keyed by its
// utterance index within the session.
type Result struct {
	UtteranceIndex int
	JobID          string
	Payload        any
}

type sessionState struct {
	mu        sync.Mutex
	nextIndex int
	pending   map[int]Result
	skipped   map[int]struct{}
}

// Queue holds one sessionState per active session.
type Queue struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState
	dedup    *Deduplicator
}

// New builds an empty Queue. dedup is the Deduplicator that supplies the
// result deduplication window (§4.5).
func New(dedup *Deduplicator) *Queue {
	return &Queue{sessions: make(map[string]*sessionState), dedup: dedup}
}

func (q *Queue) stateFor(sessionID string) *sessionState {
	q.mu.RLock()
	s, ok := q.sessions[sessionID]
	q.mu.RUnlock()
	if ok {
		return s
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if s, ok := q.sessions[sessionID]; ok {
		return s
	}
	s = &sessionState{pending: make(map[int]Result), skipped: make(map[int]struct{})}
	q.sessions[sessionID] = s
	return s
}

// AddResult records a result for sessionID at its utterance index. A
// duplicate arrival for the same (session, job) within the
// deduplication window is dropped and reports false.
func (q *Queue) AddResult(sessionID, jobID string, result Result) bool {
	if q.dedup != nil && q.dedup.IsDuplicate(sessionID, jobID) {
		return false
	}
	s := q.stateFor(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[result.UtteranceIndex] = result
	return true
}

// SkipIndex marks utteranceIndex as never going to produce a result
// (the session actor merged it into the following utterance), so
// GetReadyResults doesn't block waiting for it forever.
func (q *Queue) SkipIndex(sessionID string, utteranceIndex int) {
	s := q.stateFor(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skipped[utteranceIndex] = struct{}{}
}

// GetReadyResults returns, in order, every contiguous result starting
// from the next expected index, consuming them from the queue. Indices
// marked skipped are stepped over without being returned.
func (q *Queue) GetReadyResults(sessionID string) []Result {
	s := q.stateFor(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	var ready []Result
	for {
		if _, skipped := s.skipped[s.nextIndex]; skipped {
			delete(s.skipped, s.nextIndex)
			s.nextIndex++
			continue
		}
		result, ok := s.pending[s.nextIndex]
		if !ok {
			break
		}
		delete(s.pending, s.nextIndex)
		ready = append(ready, result)
		s.nextIndex++
	}
	return ready
}

// RemoveSession drops all queue state for sessionID, e.g. on session
// close or disconnect.
func (q *Queue) RemoveSession(sessionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.sessions, sessionID)
	if q.dedup != nil {
		q.dedup.RemoveSession(sessionID)
	}
}
