// Package loader - Configuration Types
//
// Defines the YAML configuration structure for enginedashd.
//
//	listen, tls, cors   HTTP surface
//	auth                login tokens, static API tokens, login limiter
//	rate_limit          per client request budget
//	metastore           DuckDB database
//	archive             Parquet retention of old samples
//	health              agent liveness monitor
//	websocket           notification hub
//	metrics             bucketing limits
//	cache               overview cache
//	logging             level and format
//	bootstrap           organizations, users and API tokens created at startup
package loader

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/enginedash/config"
)

// =============================================================================
// Root Configuration
// =============================================================================

// Config is the root configuration structure for enginedashd.
type Config struct {
	// Listen is the HTTP listen address.
	// Format: "host:port" or ":port"
	// Default: "0.0.0.0:4000"
	Listen string `yaml:"listen"`

	// TLS configures transport layer security.
	TLS TLSConfig `yaml:"tls"`

	// CORS lists the browser origins allowed to call the API.
	CORS CORSConfig `yaml:"cors"`

	// MaxBodyBytes bounds request bodies.
	// Default: 4 MiB
	MaxBodyBytes ByteSize `yaml:"max_body_bytes"`

	// DrainTimeout is how long shutdown waits for in-flight requests.
	// Default: 30s
	DrainTimeout Duration `yaml:"drain_timeout"`

	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Metastore MetastoreConfig `yaml:"metastore"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Health    HealthConfig    `yaml:"health"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Cache     CacheConfig     `yaml:"cache"`
	Logging   LoggingConfig   `yaml:"logging"`

	// Bootstrap is created on startup when missing. Existing entries are
	// left untouched.
	Bootstrap BootstrapConfig `yaml:"bootstrap"`
}

// =============================================================================
// Server Configuration
// =============================================================================

// TLSConfig configures transport layer security.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	// Leave empty to disable TLS.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// CORSConfig configures cross-origin requests.
type CORSConfig struct {
	// AllowedOrigins, e.g. "https://dash.example.com". Empty allows any
	// origin without credentials.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// AuthConfig configures authentication.
type AuthConfig struct {
	// JWTSecret signs login tokens. Falls back to $ENGINEDASH_JWT_SECRET.
	// At least 16 characters.
	JWTSecret string `yaml:"jwt_secret"`

	// TokenTTL is the lifetime of login tokens.
	// Default: 24h
	TokenTTL Duration `yaml:"token_ttl"`

	// AllowRegistration enables POST /api/auth/register.
	AllowRegistration bool `yaml:"allow_registration"`

	// LoginFailuresPerMinute is the max failed logins per IP per minute.
	// Default: 5
	LoginFailuresPerMinute int `yaml:"login_failures_per_minute"`

	// BcryptCost is the work factor for stored passwords.
	// Range: 4-31, Default: 10
	BcryptCost int `yaml:"bcrypt_cost"`

	// Tokens are static API tokens kept in memory only.
	Tokens []TokenConfig `yaml:"tokens"`
}

// TokenConfig defines a static API token.
type TokenConfig struct {
	// ID is a unique identifier for logging (not secret).
	ID string `yaml:"id"`

	// Token is the secret token value.
	// Use environment variables: "${ENGINEDASH_CI_TOKEN}"
	Token string `yaml:"token"`

	// Organization is the slug of the organization the token acts for.
	Organization string `yaml:"organization"`

	// User is the email of the user the token acts as. Optional.
	User string `yaml:"user"`

	// Role defaults to member.
	Role string `yaml:"role"`
}

// RateLimitConfig configures the per client request budget.
type RateLimitConfig struct {
	// Max requests per window.
	// Default: 1000
	Max int `yaml:"max"`

	// Window length.
	// Default: 60s
	Window Duration `yaml:"window"`
}

// =============================================================================
// Storage Configuration
// =============================================================================

// MetastoreConfig configures the DuckDB database.
type MetastoreConfig struct {
	// Path is the database file. ":memory:" keeps everything in memory.
	// Default: "data/enginedash.db"
	Path string `yaml:"path"`

	// Default: 8
	MaxOpenConns int `yaml:"max_open_conns"`

	// Default: 4
	MaxIdleConns int `yaml:"max_idle_conns"`

	// Default: 5m
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`

	// Default: 30s
	QueryTimeout Duration `yaml:"query_timeout"`
}

// ArchiveConfig configures metric retention.
type ArchiveConfig struct {
	Enabled bool `yaml:"enabled"`

	// Dir holds the daily Parquet files.
	// Default: "data/archive"
	Dir string `yaml:"dir"`

	// RawRetention is how long samples stay in the metastore.
	// Default: 48h
	RawRetention Duration `yaml:"raw_retention"`

	// MaxRetention is how long archive files are kept.
	// Default: 2160h (90 days)
	MaxRetention Duration `yaml:"max_retention"`

	// Interval between archive runs.
	// Default: 1h
	Interval Duration `yaml:"interval"`

	// Compression: zstd, snappy, lz4, gzip or none.
	// Default: zstd
	Compression string `yaml:"compression"`
}

// HealthConfig configures the agent liveness monitor.
type HealthConfig struct {
	// Default: true
	Enabled bool `yaml:"enabled"`

	// Interval between liveness passes.
	// Default: 1m
	Interval Duration `yaml:"interval"`

	// Inactivity after which a silent agent is marked OFFLINE. Must not be
	// shorter than Interval.
	// Default: 15m
	Inactivity Duration `yaml:"inactivity"`
}

// =============================================================================
// Runtime Configuration
// =============================================================================

// WebSocketConfig configures the notification hub.
type WebSocketConfig struct {
	// SendBuffer is the per-client queue capacity.
	// Range: 16-10000, Default: 256
	SendBuffer int `yaml:"send_buffer"`

	// SendTimeout is how long a reply to a client request waits on a
	// full queue. Broadcast events are dropped at once when the queue is
	// full.
	// Default: 100ms
	SendTimeout Duration `yaml:"send_timeout"`

	// PingInterval between keepalive pings.
	// Default: 30s
	PingInterval Duration `yaml:"ping_interval"`
}

// MetricsConfig configures metric queries.
type MetricsConfig struct {
	// MaxBuckets per series.
	// Default: 10000
	MaxBuckets int64 `yaml:"max_buckets"`

	// PercentileAccuracy is the DDSketch relative accuracy.
	// Range: (0, 1), Default: 0.01
	PercentileAccuracy float64 `yaml:"percentile_accuracy"`
}

// CacheConfig configures response caches.
type CacheConfig struct {
	// OverviewTTL is how long a dashboard overview is reused. 0 disables.
	// Default: 5s
	OverviewTTL Duration `yaml:"overview_ttl"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level: debug, info, warn or error.
	// Default: info
	Level string `yaml:"level"`

	// JSON switches from text to JSON lines.
	JSON bool `yaml:"json"`
}

// =============================================================================
// Bootstrap Configuration
// =============================================================================

// BootstrapConfig lists accounts created at startup.
type BootstrapConfig struct {
	Organizations []OrganizationConfig `yaml:"organizations"`
}

// OrganizationConfig is one organization with its accounts.
type OrganizationConfig struct {
	Name string `yaml:"name"`
	Slug string `yaml:"slug"`

	Users     []UserConfig     `yaml:"users"`
	APITokens []APITokenConfig `yaml:"api_tokens"`
}

// UserConfig is a user created with a known password.
type UserConfig struct {
	Email    string `yaml:"email"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Role defaults to member.
	Role string `yaml:"role"`
}

// APITokenConfig is a stored API token. Only its hash is persisted.
type APITokenConfig struct {
	Name  string `yaml:"name"`
	Token string `yaml:"token"`

	// User is the email of the token's user in the same organization.
	User string `yaml:"user"`
}

// =============================================================================
// Defaults
// =============================================================================

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	return &Config{
		Listen:       config.DefaultListenAddress,
		MaxBodyBytes: ByteSize(config.DefaultMaxBodyBytes),
		DrainTimeout: Duration(config.DefaultDrainTimeout),

		Auth: AuthConfig{
			TokenTTL:               Duration(config.DefaultTokenTTL),
			LoginFailuresPerMinute: config.DefaultLoginFailuresPerMinute,
			BcryptCost:             config.DefaultBcryptCost,
		},

		RateLimit: RateLimitConfig{
			Max:    config.DefaultRateLimitMax,
			Window: Duration(config.DefaultRateLimitWindow),
		},

		Metastore: MetastoreConfig{
			Path:            config.DefaultDBPath,
			MaxOpenConns:    config.DefaultMaxOpenConns,
			MaxIdleConns:    4,
			ConnMaxLifetime: Duration(5 * time.Minute),
			QueryTimeout:    Duration(30 * time.Second),
		},

		Archive: ArchiveConfig{
			Dir:          config.DefaultArchiveDir,
			RawRetention: Duration(config.DefaultRawRetention),
			MaxRetention: Duration(config.DefaultMaxRetention),
			Interval:     Duration(config.DefaultArchiveInterval),
			Compression:  config.DefaultArchiveCompression,
		},

		Health: HealthConfig{
			Enabled:    true,
			Interval:   Duration(config.DefaultHealthInterval),
			Inactivity: Duration(config.DefaultAgentInactivity),
		},

		WebSocket: WebSocketConfig{
			SendBuffer:   config.DefaultWSSendBufferSize,
			SendTimeout:  Duration(config.DefaultWSSendTimeout),
			PingInterval: Duration(config.DefaultWSPingInterval),
		},

		Metrics: MetricsConfig{
			MaxBuckets:         config.DefaultMaxBuckets,
			PercentileAccuracy: config.DefaultPercentileAccuracy,
		},

		Cache: CacheConfig{
			OverviewTTL: Duration(config.DefaultOverviewCacheTTL),
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// =============================================================================
// Custom Types
// =============================================================================

// Duration is a time.Duration that unmarshals from "5m" or integer seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler. Plain integers are seconds;
// yaml.v3 would otherwise decode them into a string without complaint.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!int" {
		var i int64
		if err := node.Decode(&i); err != nil {
			return err
		}
		*d = Duration(time.Duration(i) * time.Second)
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// ByteSize is a size in bytes that can be unmarshaled from YAML.
// Supports: "4MB", "512KB", "1GB", or plain bytes.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!int" {
		var i int64
		if err := node.Decode(&i); err != nil {
			return err
		}
		*b = ByteSize(i)
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	size, err := parseByteSize(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*b = ByteSize(size)
	return nil
}

// Bytes returns the size in bytes.
func (b ByteSize) Bytes() int64 {
	return int64(b)
}

func parseByteSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}
	mult := int64(1)
	for _, u := range []struct {
		suffix string
		mult   int64
	}{
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"B", 1},
	} {
		if strings.HasSuffix(s, u.suffix) {
			s, mult = strings.TrimSpace(strings.TrimSuffix(s, u.suffix)), u.mult
			break
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return n * mult, nil
}
