// SPDX-License-Identifier: AGPL-3.0-or-later

// Package connmanager holds the two isomorphic connection registries
// described in §4.6: session id -> outbound sink and node id ->
// outbound sink. Each sink is a bounded channel so a slow or stuck
// client cannot stall the goroutine delivering to it; Send reports
// failure rather than blocking.
package connmanager

import (
	"github.com/puzpuzpuz/xsync/v4"
)

// Sink is the bounded outbound mailbox for one connection. Each element
// is an already-framed message ready to write to the socket.
type Sink chan []byte

// Manager is a generic id -> Sink registry, instantiated once for
// sessions and once for nodes, matching the hub's servers map + bounded
// channel send pattern.
type Manager struct {
	sinks      *xsync.Map[string, Sink]
	bufferSize int
}

// New builds a Manager whose sinks buffer up to bufferSize frames
// before Send starts reporting failure.
func New(bufferSize int) *Manager {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &Manager{sinks: xsync.NewMap[string, Sink](), bufferSize: bufferSize}
}

// Register creates (or replaces) the sink for id and returns it so the
// caller's write pump can drain it.
func (m *Manager) Register(id string) Sink {
	sink := make(Sink, m.bufferSize)
	if old, loaded := m.sinks.LoadAndStore(id, sink); loaded {
		close(old)
	}
	return sink
}

// Unregister removes id's sink and closes it, signalling the write pump
// to exit.
func (m *Manager) Unregister(id string) {
	if sink, loaded := m.sinks.LoadAndDelete(id); loaded {
		close(sink)
	}
}

// Send enqueues frame on id's sink, non-blocking. It reports false if
// id has no registered sink or the sink's buffer is full (a stuck
// reader on the other end), matching §4.6's send semantics.
func (m *Manager) Send(id string, frame []byte) bool {
	sink, ok := m.sinks.Load(id)
	if !ok {
		return false
	}
	select {
	case sink <- frame:
		return true
	default:
		return false
	}
}

// ListIDs returns a snapshot of every currently registered id, used by
// ownership-refresh tasks to know what this instance still holds a live
// connection for.
func (m *Manager) ListIDs() []string {
	ids := make([]string, 0, m.sinks.Size())
	m.sinks.Range(func(id string, _ Sink) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

// Has reports whether id currently has a registered sink.
func (m *Manager) Has(id string) bool {
	_, ok := m.sinks.Load(id)
	return ok
}
