// SPDX-License-Identifier: AGPL-3.0-or-later

package config_test

import (
	"testing"

	"github.com/babelrelay/scheduler/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() config.Config {
	return config.Config{
		LogLevel: config.LogLevelInfo,
		Store: config.Store{
			Backend: config.StoreBackendMemory,
			Prefix:  "scheduler",
		},
		Routing: config.Routing{
			OwnerTTLSeconds:    60,
			PresenceTTLSeconds: 60,
		},
		Registry: config.Registry{
			PoolCount:         16,
			PoolSize:          100,
			ResourceThreshold: 0.9,
			RandomSampleSize:  20,
		},
		Segmentation: config.Segmentation{
			PauseMS:               3000,
			MaxDurationMS:         30000,
			ShortMergeThresholdMS: 400,
		},
		Dispatch: config.Dispatch{
			LeaseSeconds: 90,
			MaxFailover:  2,
		},
		WS: config.WS{
			Port: 8080,
		},
		Metrics: config.Metrics{
			Enabled: false,
		},
		PProf: config.PProf{
			Enabled: false,
		},
	}
}

func TestConfigValidateOK(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestConfigValidateCatchesEachField(t *testing.T) {
	t.Run("log level", func(t *testing.T) {
		cfg := validConfig()
		cfg.LogLevel = "trace"
		assert.ErrorIs(t, cfg.Validate(), config.ErrInvalidLogLevel)
	})

	t.Run("store backend", func(t *testing.T) {
		cfg := validConfig()
		cfg.Store.Backend = "mongo"
		assert.ErrorIs(t, cfg.Validate(), config.ErrInvalidStoreBackend)
	})

	t.Run("redis backend requires host", func(t *testing.T) {
		cfg := validConfig()
		cfg.Store.Backend = config.StoreBackendRedis
		cfg.Store.Host = ""
		assert.ErrorIs(t, cfg.Validate(), config.ErrInvalidStoreHost)
	})

	t.Run("redis backend with cluster seeds skips host check", func(t *testing.T) {
		cfg := validConfig()
		cfg.Store.Backend = config.StoreBackendRedis
		cfg.Store.Host = ""
		cfg.Store.Cluster = []string{"redis://seed1:6379"}
		assert.NoError(t, cfg.Validate())
	})

	t.Run("max duration must exceed pause", func(t *testing.T) {
		cfg := validConfig()
		cfg.Segmentation.MaxDurationMS = cfg.Segmentation.PauseMS
		assert.ErrorIs(t, cfg.Validate(), config.ErrInvalidMaxDurationMS)
	})

	t.Run("max failover non-negative", func(t *testing.T) {
		cfg := validConfig()
		cfg.Dispatch.MaxFailover = -1
		assert.ErrorIs(t, cfg.Validate(), config.ErrInvalidMaxFailover)
	})
}
