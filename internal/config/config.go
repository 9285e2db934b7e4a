// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config defines the scheduler's configuration surface, loaded
// once at process start via configulator and validated before any
// component is constructed from it.
package config

// Config is the root configuration struct, loaded by configulator from
// environment variables and flags. File-based loading is not wired.
type Config struct {
	InstanceID   string       `name:"instance-id" description:"Unique identifier for this scheduler instance. Generated at random if unset."`
	LogLevel     LogLevel     `name:"log-level" default:"info" description:"Logging verbosity."`
	Store        Store        `name:"store"`
	Routing      Routing      `name:"routing"`
	Registry     Registry     `name:"registry"`
	Segmentation Segmentation `name:"segmentation"`
	Dispatch     Dispatch     `name:"dispatch"`
	WS           WS           `name:"ws"`
	Metrics      Metrics      `name:"metrics"`
	PProf        PProf        `name:"pprof"`
}

// Store configures the shared key-value + stream store backend.
type Store struct {
	Backend  StoreBackend `name:"backend" default:"memory" description:"Shared store backend: memory or redis."`
	Prefix   string       `name:"prefix" default:"scheduler" description:"Key prefix for all shared-store keys."`
	Host     string       `name:"host" default:"localhost" description:"Redis host, used when backend is redis."`
	Port     int          `name:"port" default:"6379"`
	Password string       `name:"password"`
	Cluster  []string     `name:"cluster" description:"Seed URLs for a Redis cluster. When set, takes precedence over host/port."`
}

// Routing configures the routing runtime: ownership TTLs, presence, and
// the inter-instance inbox streams.
type Routing struct {
	OwnerTTLSeconds     int `name:"owner-ttl-seconds" default:"60"`
	PresenceTTLSeconds  int `name:"presence-ttl-seconds" default:"60"`
	StreamMaxLen        int `name:"stream-maxlen" default:"10000"`
	StreamBlockMS       int `name:"stream-block-ms" default:"5000"`
	StreamCount         int `name:"stream-count" default:"64"`
	ModelNAWindowMS     int `name:"model-na-window-ms" default:"30000"`
	ModelNAMaxPerWindow int `name:"model-na-max-per-window" default:"1"`
}

// Registry configures the node registry: pool hashing and selection.
type Registry struct {
	PoolCount             int     `name:"pool-count" default:"16"`
	HashSeed              uint32  `name:"hash-seed" default:"0"`
	PoolSize              int     `name:"pool-size" default:"100"`
	MaxPoolID             int     `name:"max-pool-id" default:"999"`
	ResourceThreshold     float64 `name:"resource-threshold" default:"0.9"`
	RandomSampleSize      int     `name:"random-sample-size" default:"20"`
	ReservedTTLSeconds    int     `name:"reserved-ttl-seconds" default:"90"`
	ModelNATTLSeconds     int     `name:"model-na-ttl-seconds" default:"30"`
	HeartbeatIntervalSecs int     `name:"heartbeat-interval-seconds" default:"15"`
	CapabilityMirrorTTLMS int     `name:"capability-mirror-ttl-ms" default:"2000"`
}

// Segmentation configures the session actor's finalize timing.
type Segmentation struct {
	PauseMS               int `name:"pause-ms" default:"3000"`
	MaxDurationMS         int `name:"max-duration-ms" default:"30000"`
	ShortMergeThresholdMS int `name:"short-merge-threshold-ms" default:"400"`
	AutoHangoverMS        int `name:"auto-hangover-ms" default:"150"`
	ManualHangoverMS      int `name:"manual-hangover-ms" default:"200"`
	AutoPaddingMS         int `name:"auto-padding-ms" default:"220"`
	ManualPaddingMS       int `name:"manual-padding-ms" default:"280"`
	MailboxBacklogLimit   int `name:"mailbox-backlog-limit" default:"256"`
}

// Dispatch configures job lifecycle timings and failover policy.
type Dispatch struct {
	LeaseSeconds                  int  `name:"lease-seconds" default:"90"`
	RequestBindingTTLSeconds      int  `name:"request-binding-ttl-seconds" default:"300"`
	IdempotencyTTLSeconds         int  `name:"idempotency-ttl-seconds" default:"300"`
	MaxFailover                   int  `name:"max-failover" default:"2"`
	SpreadEnabled                 bool `name:"spread-enabled" default:"false"`
	SpreadWindowSeconds           int  `name:"spread-window-seconds" default:"5"`
	FailoverOnModelUnavailable    bool `name:"failover-on-model-unavailable" default:"true"`
	RequestLockSpinTimeoutMS      int  `name:"request-lock-spin-timeout-ms" default:"1000"`
	RequestLockSpinIntervalMS     int  `name:"request-lock-spin-interval-ms" default:"50"`
	ResultDedupWindowSeconds      int  `name:"result-dedup-window-seconds" default:"30"`
}

// WS configures the websocket upgrade routes for session and node channels.
type WS struct {
	Bind     string `name:"bind" default:"0.0.0.0"`
	Port     int    `name:"port" default:"8080"`
	LockWaitWarnMS int `name:"lock-wait-warn-ms" default:"10"`
	PathWarnMS     int `name:"path-warn-ms" default:"50"`
}

// Metrics configures the Prometheus metrics server.
type Metrics struct {
	Enabled      bool   `name:"enabled" default:"true"`
	Bind         string `name:"bind" default:"0.0.0.0"`
	Port         int    `name:"port" default:"9090"`
	OTLPEndpoint string `name:"otlp-endpoint" description:"OTLP gRPC endpoint for traces. Tracing is disabled when unset."`
}

// PProf configures the debug server.
type PProf struct {
	Enabled        bool     `name:"enabled" default:"false"`
	Bind           string   `name:"bind" default:"127.0.0.1"`
	Port           int      `name:"port" default:"6060"`
	TrustedProxies []string `name:"trusted-proxies"`
}

// Validate aggregates validation across every nested config struct.
func (c Config) Validate() error {
	var result error
	for _, err := range []error{
		c.Store.Validate(),
		c.Routing.Validate(),
		c.Registry.Validate(),
		c.Segmentation.Validate(),
		c.Dispatch.Validate(),
		c.WS.Validate(),
		c.Metrics.Validate(),
		c.PProf.Validate(),
		c.validateLogLevel(),
	} {
		if err != nil {
			result = appendError(result, err)
		}
	}
	return result
}

func (c Config) validateLogLevel() error {
	switch c.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return nil
	default:
		return ErrInvalidLogLevel
	}
}
