// Package loader handles configuration file loading, validation, and
// application.
//
// This package is responsible for:
//   - Loading YAML configuration files
//   - Expanding environment variables
//   - Converting the file sections into the component configs
//   - Bootstrapping organizations, users and API tokens
package loader

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/enginedash/config"
	"github.com/xtxerr/enginedash/internal/archive"
	"github.com/xtxerr/enginedash/internal/auth"
	"github.com/xtxerr/enginedash/internal/constants"
	"github.com/xtxerr/enginedash/internal/errors"
	"github.com/xtxerr/enginedash/internal/logging"
	"github.com/xtxerr/enginedash/internal/manager"
	"github.com/xtxerr/enginedash/internal/metrics"
	"github.com/xtxerr/enginedash/internal/notify"
	"github.com/xtxerr/enginedash/internal/store"
	"github.com/xtxerr/enginedash/internal/validation"
)

var log = logging.Component("loader")

// =============================================================================
// Load
// =============================================================================

// Load loads configuration from a YAML file. ${VAR} references are
// expanded from the environment before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration on top of DefaultConfig.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// JWTSecret returns auth.jwt_secret, or $ENGINEDASH_JWT_SECRET when unset.
func (c *Config) JWTSecret() string {
	if c.Auth.JWTSecret != "" {
		return c.Auth.JWTSecret
	}
	return os.Getenv(config.DefaultJWTSecretEnv)
}

// =============================================================================
// Validate
// =============================================================================

// Validate validates the configuration.
func Validate(cfg *Config) error {
	errs := errors.NewValidationErrors()

	// Server validation
	if cfg.Listen == "" {
		errs.AddField("listen", "cannot be empty")
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		errs.AddField("tls", "cert_file and key_file must be set together")
	}
	if cfg.MaxBodyBytes <= 0 {
		errs.AddField("max_body_bytes", "must be positive")
	}

	// Auth validation
	if len(cfg.JWTSecret()) < config.MinJWTSecretLength {
		errs.AddField("auth.jwt_secret", fmt.Sprintf("must be at least %d characters (or set $%s)",
			config.MinJWTSecretLength, config.DefaultJWTSecretEnv))
	}
	if cfg.Auth.TokenTTL <= 0 {
		errs.AddField("auth.token_ttl", "must be positive")
	}
	if cfg.Auth.BcryptCost < 4 || cfg.Auth.BcryptCost > 31 {
		errs.AddField("auth.bcrypt_cost", "must be between 4 and 31")
	}
	seen := make(map[string]bool)
	for i, t := range cfg.Auth.Tokens {
		if t.ID == "" {
			errs.AddField(fmt.Sprintf("auth.tokens[%d].id", i), "cannot be empty")
		} else if seen[t.ID] {
			errs.AddField(fmt.Sprintf("auth.tokens[%d].id", i), "duplicate id "+t.ID)
		}
		seen[t.ID] = true
		if len(t.Token) < 16 {
			errs.AddField(fmt.Sprintf("auth.tokens[%d].token", i), "must be at least 16 characters")
		}
		if t.Organization == "" {
			errs.AddField(fmt.Sprintf("auth.tokens[%d].organization", i), "cannot be empty")
		}
		if t.Role != "" && !constants.IsValidRole(t.Role) {
			errs.AddField(fmt.Sprintf("auth.tokens[%d].role", i), "unknown role "+t.Role)
		}
	}

	// Rate limit validation
	if cfg.RateLimit.Max <= 0 {
		errs.AddField("rate_limit.max", "must be positive")
	}
	if cfg.RateLimit.Window <= 0 {
		errs.AddField("rate_limit.window", "must be positive")
	}

	// Metastore validation
	if cfg.Metastore.Path == "" {
		errs.AddField("metastore.path", "cannot be empty")
	}

	// Archive validation (if enabled)
	if cfg.Archive.Enabled {
		if _, err := ToArchiveConfig(&cfg.Archive); err != nil {
			errs.AddField("archive", err.Error())
		}
	}

	// Health validation (if enabled)
	if cfg.Health.Enabled {
		if err := ToHealthConfig(&cfg.Health).Validate(); err != nil {
			errs.AddField("health", err.Error())
		}
	}

	// Metrics validation
	if a := cfg.Metrics.PercentileAccuracy; a <= 0 || a >= 1 {
		errs.AddField("metrics.percentile_accuracy", "must be between 0 and 1")
	}
	if cfg.WebSocket.SendBuffer < 16 || cfg.WebSocket.SendBuffer > 10000 {
		errs.AddField("websocket.send_buffer", "must be between 16 and 10000")
	}

	if _, err := logging.ParseLevel(cfg.Logging.Level); err != nil {
		errs.AddField("logging.level", err.Error())
	}

	validateBootstrap(cfg, errs)

	return errs.Err()
}

func validateBootstrap(cfg *Config, errs *errors.ValidationErrors) {
	for i, org := range cfg.Bootstrap.Organizations {
		prefix := fmt.Sprintf("bootstrap.organizations[%d]", i)
		if org.Name == "" {
			errs.AddField(prefix+".name", "cannot be empty")
		}
		if err := validation.ValidateSlug(org.Slug); err != nil {
			errs.AddField(prefix+".slug", err.Error())
		}

		emails := make(map[string]bool)
		for j, u := range org.Users {
			up := fmt.Sprintf("%s.users[%d]", prefix, j)
			if err := validation.ValidateEmail(u.Email); err != nil {
				errs.AddField(up+".email", err.Error())
			}
			if err := validation.ValidateSlug(u.Username); err != nil {
				errs.AddField(up+".username", err.Error())
			}
			if len(u.Password) < 8 {
				errs.AddField(up+".password", "must be at least 8 characters")
			}
			if u.Role != "" && !constants.IsValidRole(u.Role) {
				errs.AddField(up+".role", "unknown role "+u.Role)
			}
			emails[u.Email] = true
		}

		for j, t := range org.APITokens {
			tp := fmt.Sprintf("%s.api_tokens[%d]", prefix, j)
			if t.Name == "" {
				errs.AddField(tp+".name", "cannot be empty")
			}
			if len(t.Token) < 16 {
				errs.AddField(tp+".token", "must be at least 16 characters")
			}
			if !emails[t.User] {
				errs.AddField(tp+".user", "must name a user of the same organization")
			}
		}
	}
}

// =============================================================================
// Conversion: Config → Component Configs
// =============================================================================

// ToStoreConfig converts the metastore section.
func ToStoreConfig(cfg *MetastoreConfig) store.Config {
	return store.Config{
		DSN:             cfg.Path,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime.Duration(),
		QueryTimeout:    cfg.QueryTimeout.Duration(),
	}
}

// ToArchiveConfig converts and validates the archive section.
func ToArchiveConfig(cfg *ArchiveConfig) (archive.Config, error) {
	c, err := archive.ParseCompression(cfg.Compression)
	if err != nil {
		return archive.Config{}, err
	}
	out := archive.Config{
		Dir:          cfg.Dir,
		RawRetention: cfg.RawRetention.Duration(),
		MaxRetention: cfg.MaxRetention.Duration(),
		Interval:     cfg.Interval.Duration(),
		Compression:  c,
	}
	return out, out.Validate()
}

// ToHubConfig converts the websocket section. Allowed CORS origins are
// also accepted for cross-origin upgrades.
func ToHubConfig(cfg *Config) notify.Config {
	return notify.Config{
		SendBufferSize: cfg.WebSocket.SendBuffer,
		SendTimeout:    cfg.WebSocket.SendTimeout.Duration(),
		PingInterval:   cfg.WebSocket.PingInterval.Duration(),
		OriginPatterns: originHosts(cfg.CORS.AllowedOrigins),
	}
}

// originHosts strips the scheme, as websocket origin patterns match hosts.
func originHosts(origins []string) []string {
	var out []string
	for _, o := range origins {
		for _, scheme := range []string{"https://", "http://"} {
			if len(o) > len(scheme) && o[:len(scheme)] == scheme {
				o = o[len(scheme):]
				break
			}
		}
		out = append(out, o)
	}
	return out
}

// ToMetricsConfig converts the metrics section.
func ToMetricsConfig(cfg *MetricsConfig) metrics.Config {
	return metrics.Config{
		MaxBuckets: cfg.MaxBuckets,
		Accuracy:   cfg.PercentileAccuracy,
	}
}

// ToHealthConfig converts the health section.
func ToHealthConfig(cfg *HealthConfig) manager.HealthConfig {
	return manager.HealthConfig{
		Interval:   cfg.Interval.Duration(),
		Inactivity: cfg.Inactivity.Duration(),
	}
}

// ToManagerConfig converts the settings the manager uses.
func ToManagerConfig(cfg *Config) manager.Config {
	m := manager.DefaultConfig()
	m.OverviewTTL = cfg.Cache.OverviewTTL.Duration()
	m.BcryptCost = cfg.Auth.BcryptCost
	m.AllowRegistration = cfg.Auth.AllowRegistration
	return m
}

// =============================================================================
// Apply
// =============================================================================

// ApplyResult holds statistics from applying the bootstrap section.
type ApplyResult struct {
	OrganizationsCreated int
	UsersCreated         int
	APITokensCreated     int
	Skipped              int
	Errors               []string
}

// Apply creates the bootstrap organizations, users and API tokens that do
// not exist yet. Existing entries are never modified, so Apply can run on
// every start.
func Apply(ctx context.Context, cfg *Config, st *store.Store) (*ApplyResult, error) {
	result := &ApplyResult{}

	for _, oc := range cfg.Bootstrap.Organizations {
		org, err := st.GetOrganizationBySlug(ctx, oc.Slug)
		switch {
		case err == nil:
			result.Skipped++
		case errors.IsNotFound(err):
			org = &store.Organization{Name: oc.Name, Slug: oc.Slug}
			if err := st.CreateOrganization(ctx, org); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("create organization %s: %v", oc.Slug, err))
				continue
			}
			result.OrganizationsCreated++
			log.Info("organization created", "slug", oc.Slug)
		default:
			result.Errors = append(result.Errors, fmt.Sprintf("get organization %s: %v", oc.Slug, err))
			continue
		}

		users := make(map[string]*store.User, len(oc.Users))
		for _, uc := range oc.Users {
			u, err := applyUser(ctx, st, org, uc, cfg.Auth.BcryptCost, result)
			if err != nil {
				result.Errors = append(result.Errors, err.Error())
				continue
			}
			users[uc.Email] = u
		}

		for _, tc := range oc.APITokens {
			if err := applyAPIToken(ctx, st, org, users[tc.User], tc, result); err != nil {
				result.Errors = append(result.Errors, err.Error())
			}
		}
	}

	if len(result.Errors) > 0 {
		return result, fmt.Errorf("apply had %d errors", len(result.Errors))
	}
	return result, nil
}

func applyUser(ctx context.Context, st *store.Store, org *store.Organization, uc UserConfig, cost int, result *ApplyResult) (*store.User, error) {
	existing, err := st.GetUserByEmail(ctx, uc.Email)
	if err == nil {
		if existing.OrganizationID != org.ID {
			return nil, fmt.Errorf("user %s belongs to another organization", uc.Email)
		}
		result.Skipped++
		return existing, nil
	}
	if !errors.IsNotFound(err) {
		return nil, fmt.Errorf("get user %s: %w", uc.Email, err)
	}

	hash, err := auth.HashPassword(uc.Password, cost)
	if err != nil {
		return nil, fmt.Errorf("hash password of %s: %w", uc.Email, err)
	}
	role := uc.Role
	if role == "" {
		role = constants.RoleMember
	}
	u := &store.User{
		OrganizationID: org.ID,
		Email:          uc.Email,
		Username:       uc.Username,
		PasswordHash:   hash,
		Role:           role,
	}
	if err := st.CreateUser(ctx, u); err != nil {
		return nil, fmt.Errorf("create user %s: %w", uc.Email, err)
	}
	result.UsersCreated++
	log.Info("user created", "email", uc.Email, "organization", org.Slug)
	return u, nil
}

func applyAPIToken(ctx context.Context, st *store.Store, org *store.Organization, u *store.User, tc APITokenConfig, result *ApplyResult) error {
	if u == nil {
		return fmt.Errorf("api token %s: unknown user %s", tc.Name, tc.User)
	}
	hash := auth.HashAPIToken(tc.Token)
	if _, err := st.GetAPITokenByHash(ctx, hash); err == nil {
		result.Skipped++
		return nil
	} else if !errors.IsNotFound(err) {
		return fmt.Errorf("get api token %s: %w", tc.Name, err)
	}

	tok := &store.APIToken{
		OrganizationID: org.ID,
		UserID:         u.ID,
		Name:           tc.Name,
		TokenHash:      hash,
	}
	if err := st.CreateAPIToken(ctx, tok); err != nil {
		return fmt.Errorf("create api token %s: %w", tc.Name, err)
	}
	result.APITokensCreated++
	log.Info("api token created", "name", tc.Name, "organization", org.Slug)
	return nil
}

// StaticTokens resolves auth.tokens against the store. Organizations and
// users must exist, so call it after Apply.
func StaticTokens(ctx context.Context, cfg *Config, st *store.Store) ([]auth.StaticToken, error) {
	out := make([]auth.StaticToken, 0, len(cfg.Auth.Tokens))
	for _, tc := range cfg.Auth.Tokens {
		org, err := st.GetOrganizationBySlug(ctx, tc.Organization)
		if err != nil {
			return nil, fmt.Errorf("token %s: organization %s: %w", tc.ID, tc.Organization, err)
		}

		tok := auth.StaticToken{
			ID:             tc.ID,
			Token:          tc.Token,
			OrganizationID: org.ID,
			Role:           tc.Role,
		}
		if tok.Role == "" {
			tok.Role = constants.RoleMember
		}
		if tc.User != "" {
			u, err := st.GetUserByEmail(ctx, tc.User)
			if err != nil {
				return nil, fmt.Errorf("token %s: user %s: %w", tc.ID, tc.User, err)
			}
			if u.OrganizationID != org.ID {
				return nil, fmt.Errorf("token %s: user %s is not in organization %s", tc.ID, tc.User, tc.Organization)
			}
			tok.UserID = u.ID
		}
		out = append(out, tok)
	}
	return out, nil
}

// =============================================================================
// Config Watcher
// =============================================================================

// Watcher re-applies the bootstrap section when the config file changes.
type Watcher struct {
	path     string
	st       *store.Store
	callback func(*ApplyResult)
	interval time.Duration
	done     chan struct{}
	modTime  time.Time
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, st *store.Store, callback func(*ApplyResult)) *Watcher {
	return &Watcher{
		path:     path,
		st:       st,
		callback: callback,
		interval: 5 * time.Second,
		done:     make(chan struct{}),
	}
}

// Start begins watching the config file.
func (w *Watcher) Start() {
	if info, err := os.Stat(w.path); err == nil {
		w.modTime = info.ModTime()
	}
	go w.watch()
}

// Stop stops watching.
func (w *Watcher) Stop() {
	close(w.done)
}

func (w *Watcher) watch() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			info, err := os.Stat(w.path)
			if err != nil {
				continue
			}
			if info.ModTime().After(w.modTime) {
				w.modTime = info.ModTime()
				w.reload()
			}
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err == nil {
		err = Validate(cfg)
	}
	if err != nil {
		log.Warn("config reload rejected", "path", w.path, "error", err)
		if w.callback != nil {
			w.callback(&ApplyResult{Errors: []string{fmt.Sprintf("reload config: %v", err)}})
		}
		return
	}

	result, err := Apply(context.Background(), cfg, w.st)
	if err != nil {
		log.Warn("config reload applied with errors", "path", w.path, "errors", len(result.Errors))
	}
	if w.callback != nil {
		w.callback(result)
	}
}
