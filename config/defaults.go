// Package config provides configuration defaults and utilities
// for the enginedash application.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml, flags or environment variables.
package config

import "time"

// =============================================================================
// Network Defaults
// =============================================================================

const (
	// DefaultListenAddress is the default HTTP listen address.
	// Override via config: listen, or flag --listen
	DefaultListenAddress = "0.0.0.0:4000"

	// DefaultMaxBodyBytes limits request body size to prevent OOM.
	// Override via config: max_body_bytes
	DefaultMaxBodyBytes = 4 * 1024 * 1024

	// DefaultReadHeaderTimeout bounds the time to read request headers.
	DefaultReadHeaderTimeout = 10 * time.Second
)

// =============================================================================
// Rate Limiting Defaults
// =============================================================================

const (
	// DefaultRateLimitMax is the max number of requests per client IP per window.
	// Override via config: rate_limit.max
	DefaultRateLimitMax = 1000

	// DefaultRateLimitWindow is the fixed window length.
	// Override via config: rate_limit.window
	DefaultRateLimitWindow = 60 * time.Second

	// DefaultLoginFailuresPerMinute is the max FAILED login attempts per IP per minute.
	// Only failed logins are counted. A successful login resets the counter.
	// After reaching this limit, the IP is blocked until the window expires.
	// Override via config: auth.login_failures_per_minute
	DefaultLoginFailuresPerMinute = 5
)

// =============================================================================
// Auth Defaults
// =============================================================================

const (
	// DefaultTokenTTL is the lifetime of issued login tokens.
	// Override via config: auth.token_ttl
	DefaultTokenTTL = 24 * time.Hour

	// DefaultJWTSecretEnv is the environment variable consulted when
	// auth.jwt_secret is empty.
	DefaultJWTSecretEnv = "ENGINEDASH_JWT_SECRET"

	// MinJWTSecretLength is the minimum accepted signing secret length.
	MinJWTSecretLength = 16

	// DefaultBcryptCost is the bcrypt work factor for stored passwords.
	DefaultBcryptCost = 10
)

// =============================================================================
// WebSocket Defaults
// =============================================================================

const (
	// DefaultWSSendBufferSize is the capacity of the per-client send channel.
	// Larger values allow more events to be queued for slow clients.
	// Range: 16-10000
	// Override via config: websocket.send_buffer
	DefaultWSSendBufferSize = 256

	// DefaultWSSendTimeout is how long a reply to a client request waits
	// on a full send buffer. Broadcast events never wait.
	// Override via config: websocket.send_timeout
	DefaultWSSendTimeout = 100 * time.Millisecond

	// DefaultWSPingInterval is how often the hub pings each client.
	// Override via config: websocket.ping_interval
	DefaultWSPingInterval = 30 * time.Second

	// DefaultWSWriteTimeout bounds a single frame write.
	DefaultWSWriteTimeout = 10 * time.Second
)

// =============================================================================
// Metrics Defaults
// =============================================================================

const (
	// DefaultMaxBuckets is the max number of buckets a single query may produce.
	// Override via config: metrics.max_buckets
	DefaultMaxBuckets = 10000

	// DefaultPercentileAccuracy is the DDSketch relative accuracy.
	// Override via config: metrics.percentile_accuracy
	DefaultPercentileAccuracy = 0.01

	// DefaultAgentDetailWindow is how much raw metric history is returned
	// with an agent detail response.
	DefaultAgentDetailWindow = 24 * time.Hour

	// DefaultAgentDetailSessions is how many recent sessions are returned
	// with an agent detail response.
	DefaultAgentDetailSessions = 10

	// DefaultInitialHealth is the health metric recorded on agent creation.
	DefaultInitialHealth = 100.0
)

// =============================================================================
// Pagination Defaults
// =============================================================================

const (
	// DefaultPageLimit is used when a list request omits limit.
	DefaultPageLimit = 20

	// MaxPageLimit is the largest accepted page size.
	MaxPageLimit = 100
)

// =============================================================================
// Archive Defaults
// =============================================================================

const (
	// DefaultArchiveDir is where daily Parquet files are written.
	// Override via config: archive.dir
	DefaultArchiveDir = "data/archive"

	// DefaultRawRetention is how long samples stay in agent_metrics.
	// Override via config: archive.raw_retention
	DefaultRawRetention = 48 * time.Hour

	// DefaultMaxRetention is how long archive files are kept.
	// Override via config: archive.max_retention
	DefaultMaxRetention = 90 * 24 * time.Hour

	// DefaultArchiveInterval is how often the archive worker runs.
	// Override via config: archive.interval
	DefaultArchiveInterval = time.Hour

	// DefaultArchiveCompression is the Parquet compression codec.
	// Override via config: archive.compression
	DefaultArchiveCompression = "zstd"
)

// =============================================================================
// Health Monitor Defaults
// =============================================================================

const (
	// DefaultHealthInterval is how often agent liveness is checked.
	// Override via config: health.interval
	DefaultHealthInterval = time.Minute

	// DefaultAgentInactivity is how long an agent may go without starting
	// a session or reporting samples before it is marked OFFLINE.
	// Override via config: health.inactivity
	DefaultAgentInactivity = 15 * time.Minute
)

// =============================================================================
// Metastore Defaults
// =============================================================================

const (
	// DefaultDBPath is the DuckDB database file.
	// Override via config: metastore.path, or flag --db
	DefaultDBPath = "data/enginedash.db"

	// DefaultMaxOpenConns is the connection pool size.
	// Override via config: metastore.max_open_conns
	DefaultMaxOpenConns = 8
)

// =============================================================================
// Cache Defaults
// =============================================================================

const (
	// DefaultOverviewCacheTTL is how long a dashboard overview is cached
	// per organization.
	// Override via config: cache.overview_ttl
	DefaultOverviewCacheTTL = 5 * time.Second
)

// =============================================================================
// Shutdown Defaults
// =============================================================================

const (
	// DefaultDrainTimeout is how long to wait for in-flight requests during shutdown.
	// This follows the Kubernetes convention (terminationGracePeriodSeconds = 30s).
	// Override via config: drain_timeout
	DefaultDrainTimeout = 30 * time.Second
)
