// SPDX-License-Identifier: AGPL-3.0-or-later

package resultqueue

import (
	"sync"
	"time"
)

// defaultDedupWindow is the fixed 30-second window a (session, job)
// pair's first result is remembered for when no explicit window is
// configured, matching the reference deduplicator's constant exactly.
const defaultDedupWindow = 30 * time.Second

type dedupKey struct {
	sessionID string
	jobID     string
}

// Deduplicator rejects a second JobResult for the same (session, job)
// arriving within the dedup window — a node retrying delivery after a
// slow ack, or a failed-over attempt whose original result shows up
// late, must not double-deliver a translation to the client.
type Deduplicator struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[dedupKey]time.Time // expiry
}

// NewDeduplicator builds an empty Deduplicator using the default
// 30-second window.
func NewDeduplicator() *Deduplicator {
	return NewDeduplicatorWithWindow(defaultDedupWindow)
}

// NewDeduplicatorWithWindow builds an empty Deduplicator with an
// explicit window, matching config.Dispatch.ResultDedupWindowSeconds.
func NewDeduplicatorWithWindow(window time.Duration) *Deduplicator {
	if window <= 0 {
		window = defaultDedupWindow
	}
	return &Deduplicator{window: window, entries: make(map[dedupKey]time.Time)}
}

// IsDuplicate reports whether (sessionID, jobID) was already seen
// within the window, recording it as seen if not.
func (d *Deduplicator) IsDuplicate(sessionID, jobID string) bool {
	key := dedupKey{sessionID, jobID}
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()
	if expiry, ok := d.entries[key]; ok && now.Before(expiry) {
		return true
	}
	d.entries[key] = now.Add(d.window)
	return false
}

// RemoveSession drops every dedup entry for sessionID.
func (d *Deduplicator) RemoveSession(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k := range d.entries {
		if k.sessionID == sessionID {
			delete(d.entries, k)
		}
	}
}

// Sweep drops expired entries; intended to run off the periodic
// maintenance scheduler.
func (d *Deduplicator) Sweep() {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, expiry := range d.entries {
		if now.After(expiry) {
			delete(d.entries, k)
		}
	}
}
