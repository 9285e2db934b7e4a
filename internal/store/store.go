// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store abstracts the shared key-value + stream coordination
// backend every scheduler instance talks to: atomic set-if-absent with
// TTL, counter increment, hash maps, and append-only streams with
// consumer-group reads. It is the sole cross-instance authority
// described in the concurrency model; every other component treats its
// own in-memory view as a cache rebuilt from here.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/babelrelay/scheduler/internal/config"
)

// ErrDependencyDown is returned by any state-changing operation when the
// backing store cannot be reached. Callers must fail closed rather than
// fall back to stale local state.
var ErrDependencyDown = errors.New("scheduler: shared store unavailable")

// ErrNotFound is returned by read operations when a key is absent or
// has expired.
var ErrNotFound = errors.New("scheduler: key not found")

// StreamEntry is one record read from a stream, carrying the fields it
// was appended with plus the id assigned by the store.
type StreamEntry struct {
	ID     string
	Fields map[string]string
}

// Store is the shared-store client interface. All operations are
// context-bound since every one of them is a suspension point.
type Store interface {
	// SetNX atomically creates key with value if absent, with a TTL.
	// Returns true if this call created the key.
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	// Get returns the current value of key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set unconditionally writes key, with an optional TTL (0 = no expiry).
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	// Delete removes key. It is not an error if key is absent.
	Delete(ctx context.Context, key string) error
	// Expire resets the TTL on an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// IncrBy atomically increments the integer stored at key by delta,
	// creating it at 0 first if absent, and returns the new value.
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)

	// HSet writes one field of a hash.
	HSet(ctx context.Context, key, field, value string) error
	// HGetAll returns every field of a hash. An absent hash returns an
	// empty, non-nil map.
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	// HIncrBy atomically increments a hash field.
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)
	// HDel removes a field from a hash.
	HDel(ctx context.Context, key, field string) error

	// SAdd adds members to a set.
	SAdd(ctx context.Context, key string, members ...string) error
	// SRem removes members from a set.
	SRem(ctx context.Context, key string, members ...string) error
	// SMembers returns every member of a set.
	SMembers(ctx context.Context, key string) ([]string, error)

	// XAdd appends an entry to a stream, trimming to approximately
	// maxLen entries (0 = unbounded), and returns the assigned entry id.
	XAdd(ctx context.Context, stream string, maxLen int64, fields map[string]string) (string, error)
	// XGroupCreate creates a consumer group on a stream if it does not
	// already exist.
	XGroupCreate(ctx context.Context, stream, group string) error
	// XReadGroup reads up to count new entries for consumer within
	// group, blocking for up to block before returning an empty result.
	XReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]StreamEntry, error)
	// XAck acknowledges processed entries.
	XAck(ctx context.Context, stream, group string, ids ...string) error
	// XLen returns the approximate length of a stream.
	XLen(ctx context.Context, stream string) (int64, error)

	// Ping verifies connectivity to the backend.
	Ping(ctx context.Context) error
	// Close releases backend resources.
	Close() error
}

// New constructs a Store from configuration: an in-memory backend for
// single-instance/test use, or Redis for the cross-instance-authoritative
// case described in §5.
func New(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.Store.Backend {
	case config.StoreBackendRedis:
		return newRedisStore(ctx, cfg)
	default:
		return newMemoryStore(), nil
	}
}
