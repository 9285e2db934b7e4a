// SPDX-License-Identifier: AGPL-3.0-or-later

package config

// LogLevel selects the slog level and the stream tint writes to.
type LogLevel string

const (
	// LogLevelDebug is the most verbose logging level.
	LogLevelDebug LogLevel = "debug"
	// LogLevelInfo is the default logging level.
	LogLevelInfo LogLevel = "info"
	// LogLevelWarn logs warnings and errors to stderr.
	LogLevelWarn LogLevel = "warn"
	// LogLevelError logs only errors, to stderr.
	LogLevelError LogLevel = "error"
)

// StoreBackend selects the shared-store implementation.
type StoreBackend string

const (
	// StoreBackendMemory is an in-process store, suitable for a single
	// instance or for tests; it provides none of the cross-instance
	// guarantees described in §5.
	StoreBackendMemory StoreBackend = "memory"
	// StoreBackendRedis is the cross-instance authoritative backend.
	StoreBackendRedis StoreBackend = "redis"
)
