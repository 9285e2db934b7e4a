// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// memoryStore is a single-process Store, useful for tests and for
// running a single scheduler instance without a Redis dependency. It
// gives none of the cross-instance guarantees §5 requires of the real
// backend; ownership/presence/pool-index correctness across multiple
// instances depends on the Redis backend.
type memoryStore struct {
	kv      *xsync.Map[string, *kvEntry]
	hashes  *xsync.Map[string, *xsync.Map[string, string]]
	sets    *xsync.Map[string, *xsync.Map[string, struct{}]]
	streams *xsync.Map[string, *memoryStream]
}

type kvEntry struct {
	mu        sync.Mutex
	value     string
	expiresAt time.Time // zero means no expiry
}

func (e *kvEntry) expired() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.expiresAt.IsZero() && time.Now().After(e.expiresAt)
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		kv:      xsync.NewMap[string, *kvEntry](),
		hashes:  xsync.NewMap[string, *xsync.Map[string, string]](),
		sets:    xsync.NewMap[string, *xsync.Map[string, struct{}]](),
		streams: xsync.NewMap[string, *memoryStream](),
	}
}

func ttlDeadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func (m *memoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	entry := &kvEntry{value: value, expiresAt: ttlDeadline(ttl)}
	actual, loaded := m.kv.LoadOrStore(key, entry)
	if !loaded {
		return true, nil
	}
	if actual.expired() {
		m.kv.Store(key, entry)
		return true, nil
	}
	return false, nil
}

func (m *memoryStore) Get(_ context.Context, key string) (string, error) {
	entry, ok := m.kv.Load(key)
	if !ok || entry.expired() {
		return "", ErrNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.value, nil
}

func (m *memoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.kv.Store(key, &kvEntry{value: value, expiresAt: ttlDeadline(ttl)})
	return nil
}

func (m *memoryStore) Delete(_ context.Context, key string) error {
	m.kv.Delete(key)
	m.hashes.Delete(key)
	m.sets.Delete(key)
	return nil
}

func (m *memoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	entry, ok := m.kv.Load(key)
	if !ok || entry.expired() {
		return ErrNotFound
	}
	entry.mu.Lock()
	entry.expiresAt = ttlDeadline(ttl)
	entry.mu.Unlock()
	return nil
}

func (m *memoryStore) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	entry, _ := m.kv.LoadOrStore(key, &kvEntry{value: "0"})
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.expiresAt.IsZero() == false && time.Now().After(entry.expiresAt) {
		entry.value = "0"
		entry.expiresAt = time.Time{}
	}
	cur, err := strconv.ParseInt(entry.value, 10, 64)
	if err != nil {
		cur = 0
	}
	cur += delta
	entry.value = strconv.FormatInt(cur, 10)
	return cur, nil
}

func (m *memoryStore) hashFor(key string) *xsync.Map[string, string] {
	h, _ := m.hashes.LoadOrStore(key, xsync.NewMap[string, string]())
	return h
}

func (m *memoryStore) HSet(_ context.Context, key, field, value string) error {
	m.hashFor(key).Store(field, value)
	return nil
}

func (m *memoryStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	result := make(map[string]string)
	h, ok := m.hashes.Load(key)
	if !ok {
		return result, nil
	}
	h.Range(func(field, value string) bool {
		result[field] = value
		return true
	})
	return result, nil
}

func (m *memoryStore) HIncrBy(_ context.Context, key, field string, delta int64) (int64, error) {
	h := m.hashFor(key)
	var result int64
	h.Compute(field, func(old string, loaded bool) (string, bool) {
		cur, err := strconv.ParseInt(old, 10, 64)
		if !loaded || err != nil {
			cur = 0
		}
		cur += delta
		result = cur
		return strconv.FormatInt(cur, 10), false
	})
	return result, nil
}

func (m *memoryStore) HDel(_ context.Context, key, field string) error {
	if h, ok := m.hashes.Load(key); ok {
		h.Delete(field)
	}
	return nil
}

func (m *memoryStore) setFor(key string) *xsync.Map[string, struct{}] {
	s, _ := m.sets.LoadOrStore(key, xsync.NewMap[string, struct{}]())
	return s
}

func (m *memoryStore) SAdd(_ context.Context, key string, members ...string) error {
	s := m.setFor(key)
	for _, member := range members {
		s.Store(member, struct{}{})
	}
	return nil
}

func (m *memoryStore) SRem(_ context.Context, key string, members ...string) error {
	s, ok := m.sets.Load(key)
	if !ok {
		return nil
	}
	for _, member := range members {
		s.Delete(member)
	}
	return nil
}

func (m *memoryStore) SMembers(_ context.Context, key string) ([]string, error) {
	s, ok := m.sets.Load(key)
	if !ok {
		return nil, nil
	}
	members := make([]string, 0)
	s.Range(func(member string, _ struct{}) bool {
		members = append(members, member)
		return true
	})
	sort.Strings(members)
	return members, nil
}

func (m *memoryStore) streamFor(name string) *memoryStream {
	s, _ := m.streams.LoadOrStore(name, newMemoryStream())
	return s
}

func (m *memoryStore) XAdd(_ context.Context, stream string, maxLen int64, fields map[string]string) (string, error) {
	return m.streamFor(stream).add(maxLen, fields), nil
}

func (m *memoryStore) XGroupCreate(_ context.Context, stream, group string) error {
	m.streamFor(stream).createGroup(group)
	return nil
}

func (m *memoryStore) XReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]StreamEntry, error) {
	s := m.streamFor(stream)
	deadline := time.Now().Add(block)
	for {
		entries := s.readGroup(group, consumer, count)
		if len(entries) > 0 || block <= 0 {
			return entries, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
	}
}

func (m *memoryStore) XAck(_ context.Context, stream, group string, ids ...string) error {
	m.streamFor(stream).ack(group, ids)
	return nil
}

func (m *memoryStore) XLen(_ context.Context, stream string) (int64, error) {
	return m.streamFor(stream).length(), nil
}

func (m *memoryStore) Ping(_ context.Context) error {
	return nil
}

func (m *memoryStore) Close() error {
	return nil
}

// memoryStream is a minimal append-only log with consumer-group cursors,
// enough to exercise the routing runtime's inbox worker in tests without
// a live Redis instance.
type memoryStream struct {
	mu      sync.Mutex
	entries []StreamEntry
	seq     int64
	groups  map[string]*memoryGroup
}

type memoryGroup struct {
	cursor  int
	pending map[string]int // entry id -> index, for ack bookkeeping
}

func newMemoryStream() *memoryStream {
	return &memoryStream{groups: make(map[string]*memoryGroup)}
}

func (s *memoryStream) add(maxLen int64, fields map[string]string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := fmt.Sprintf("%d-0", s.seq)
	s.entries = append(s.entries, StreamEntry{ID: id, Fields: fields})
	if maxLen > 0 && int64(len(s.entries)) > maxLen {
		trim := int64(len(s.entries)) - maxLen
		s.entries = s.entries[trim:]
		for _, g := range s.groups {
			g.cursor -= int(trim)
			if g.cursor < 0 {
				g.cursor = 0
			}
		}
	}
	return id
}

func (s *memoryStream) createGroup(group string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[group]; !ok {
		s.groups[group] = &memoryGroup{cursor: 0, pending: make(map[string]int)}
	}
}

func (s *memoryStream) readGroup(group, _ string, count int64) []StreamEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[group]
	if !ok {
		g = &memoryGroup{cursor: 0, pending: make(map[string]int)}
		s.groups[group] = g
	}
	if g.cursor >= len(s.entries) {
		return nil
	}
	end := g.cursor + int(count)
	if count <= 0 || end > len(s.entries) {
		end = len(s.entries)
	}
	batch := s.entries[g.cursor:end]
	result := make([]StreamEntry, len(batch))
	for i, e := range batch {
		result[i] = e
		g.pending[e.ID] = g.cursor + i
	}
	g.cursor = end
	return result
}

func (s *memoryStream) ack(group string, ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[group]
	if !ok {
		return
	}
	for _, id := range ids {
		delete(g.pending, id)
	}
}

func (s *memoryStream) length() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.entries))
}
