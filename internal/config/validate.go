// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"

	"github.com/hashicorp/go-multierror"
)

var (
	// ErrInvalidLogLevel indicates the provided log level is not valid.
	ErrInvalidLogLevel = errors.New("invalid log level provided")
	// ErrInvalidStoreBackend indicates the provided store backend is not valid.
	ErrInvalidStoreBackend = errors.New("invalid store backend provided")
	// ErrInvalidStoreHost indicates the redis host is empty while the redis backend is selected.
	ErrInvalidStoreHost = errors.New("store host is required when backend is redis")
	// ErrInvalidStorePort indicates the redis port is out of range.
	ErrInvalidStorePort = errors.New("invalid store port provided")
	// ErrInvalidStorePrefix indicates the store key prefix is empty.
	ErrInvalidStorePrefix = errors.New("store prefix must not be empty")
	// ErrInvalidOwnerTTL indicates a non-positive ownership TTL.
	ErrInvalidOwnerTTL = errors.New("routing owner TTL must be positive")
	// ErrInvalidPresenceTTL indicates a non-positive presence TTL.
	ErrInvalidPresenceTTL = errors.New("routing presence TTL must be positive")
	// ErrInvalidPoolCount indicates a non-positive pool count.
	ErrInvalidPoolCount = errors.New("registry pool count must be positive")
	// ErrInvalidPoolSize indicates a non-positive pool size.
	ErrInvalidPoolSize = errors.New("registry pool size must be positive")
	// ErrInvalidResourceThreshold indicates a threshold outside (0, 1].
	ErrInvalidResourceThreshold = errors.New("registry resource threshold must be in (0, 1]")
	// ErrInvalidRandomSampleSize indicates a non-positive sample size.
	ErrInvalidRandomSampleSize = errors.New("registry random sample size must be positive")
	// ErrInvalidPauseMS indicates a non-positive pause duration.
	ErrInvalidPauseMS = errors.New("segmentation pause_ms must be positive")
	// ErrInvalidMaxDurationMS indicates max_duration_ms is not greater than pause_ms.
	ErrInvalidMaxDurationMS = errors.New("segmentation max_duration_ms must exceed pause_ms")
	// ErrInvalidShortMergeThreshold indicates a negative short-merge threshold.
	ErrInvalidShortMergeThreshold = errors.New("segmentation short_merge_threshold_ms must be non-negative")
	// ErrInvalidLeaseSeconds indicates a non-positive lease duration.
	ErrInvalidLeaseSeconds = errors.New("dispatch lease_seconds must be positive")
	// ErrInvalidMaxFailover indicates a negative failover budget.
	ErrInvalidMaxFailover = errors.New("dispatch max_failover must be non-negative")
	// ErrInvalidWSPort indicates an out-of-range websocket port.
	ErrInvalidWSPort = errors.New("invalid ws port provided")
	// ErrInvalidMetricsBindAddress indicates an empty metrics bind address while enabled.
	ErrInvalidMetricsBindAddress = errors.New("invalid metrics bind address provided")
	// ErrInvalidMetricsPort indicates an out-of-range metrics port.
	ErrInvalidMetricsPort = errors.New("invalid metrics port provided")
	// ErrInvalidPProfBindAddress indicates an empty pprof bind address while enabled.
	ErrInvalidPProfBindAddress = errors.New("invalid pprof bind address provided")
	// ErrInvalidPProfPort indicates an out-of-range pprof port.
	ErrInvalidPProfPort = errors.New("invalid pprof port provided")
)

func appendError(existing error, next error) error {
	return multierror.Append(existing, next)
}

// Validate validates the Store configuration.
func (s Store) Validate() error {
	if s.Backend != StoreBackendMemory && s.Backend != StoreBackendRedis {
		return ErrInvalidStoreBackend
	}
	if s.Prefix == "" {
		return ErrInvalidStorePrefix
	}
	if s.Backend == StoreBackendRedis && len(s.Cluster) == 0 {
		if s.Host == "" {
			return ErrInvalidStoreHost
		}
		if s.Port <= 0 || s.Port > 65535 {
			return ErrInvalidStorePort
		}
	}
	return nil
}

// Validate validates the Routing configuration.
func (r Routing) Validate() error {
	if r.OwnerTTLSeconds <= 0 {
		return ErrInvalidOwnerTTL
	}
	if r.PresenceTTLSeconds <= 0 {
		return ErrInvalidPresenceTTL
	}
	return nil
}

// Validate validates the Registry configuration.
func (r Registry) Validate() error {
	if r.PoolCount <= 0 {
		return ErrInvalidPoolCount
	}
	if r.PoolSize <= 0 {
		return ErrInvalidPoolSize
	}
	if r.ResourceThreshold <= 0 || r.ResourceThreshold > 1 {
		return ErrInvalidResourceThreshold
	}
	if r.RandomSampleSize <= 0 {
		return ErrInvalidRandomSampleSize
	}
	return nil
}

// Validate validates the Segmentation configuration.
func (s Segmentation) Validate() error {
	if s.PauseMS <= 0 {
		return ErrInvalidPauseMS
	}
	if s.MaxDurationMS <= s.PauseMS {
		return ErrInvalidMaxDurationMS
	}
	if s.ShortMergeThresholdMS < 0 {
		return ErrInvalidShortMergeThreshold
	}
	return nil
}

// Validate validates the Dispatch configuration.
func (d Dispatch) Validate() error {
	if d.LeaseSeconds <= 0 {
		return ErrInvalidLeaseSeconds
	}
	if d.MaxFailover < 0 {
		return ErrInvalidMaxFailover
	}
	return nil
}

// Validate validates the WS configuration.
func (w WS) Validate() error {
	if w.Port <= 0 || w.Port > 65535 {
		return ErrInvalidWSPort
	}
	return nil
}

// Validate validates the Metrics configuration.
func (m Metrics) Validate() error {
	if !m.Enabled {
		return nil
	}
	if m.Bind == "" {
		return ErrInvalidMetricsBindAddress
	}
	if m.Port <= 0 || m.Port > 65535 {
		return ErrInvalidMetricsPort
	}
	return nil
}

// Validate validates the PProf configuration.
func (p PProf) Validate() error {
	if !p.Enabled {
		return nil
	}
	if p.Bind == "" {
		return ErrInvalidPProfBindAddress
	}
	if p.Port <= 0 || p.Port > 65535 {
		return ErrInvalidPProfPort
	}
	return nil
}
