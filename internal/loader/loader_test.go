package loader

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/enginedash/config"
	"github.com/xtxerr/enginedash/internal/archive"
	"github.com/xtxerr/enginedash/internal/auth"
	"github.com/xtxerr/enginedash/internal/testutil"
)

const testYAML = `
listen: "127.0.0.1:8080"
max_body_bytes: 1MB
drain_timeout: 10
auth:
  jwt_secret: "${TEST_ENGINEDASH_SECRET}"
  token_ttl: 2h
  bcrypt_cost: 4
  tokens:
    - id: ci
      token: "ci-token-0123456789"
      organization: acme
      user: ada@example.com
rate_limit:
  max: 50
  window: 30s
archive:
  enabled: true
  dir: /tmp/archive
  compression: snappy
health:
  interval: 30
  inactivity: 5m
bootstrap:
  organizations:
    - name: Acme
      slug: acme
      users:
        - email: ada@example.com
          username: ada
          password: lovelace-1843
          role: admin
      api_tokens:
        - name: deploy-bot
          token: "ed_bootstrap-token-0001"
          user: ada@example.com
`

func parseTest(t *testing.T) *Config {
	t.Helper()
	t.Setenv("TEST_ENGINEDASH_SECRET", testutil.TestSecret)
	cfg, err := Parse([]byte(testYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return cfg
}

// =============================================================================
// Load
// =============================================================================

func TestParse(t *testing.T) {
	cfg := parseTest(t)

	if cfg.Listen != "127.0.0.1:8080" {
		t.Errorf("listen = %q", cfg.Listen)
	}
	if cfg.MaxBodyBytes.Bytes() != 1<<20 {
		t.Errorf("max body = %d", cfg.MaxBodyBytes)
	}
	if cfg.DrainTimeout.Duration() != 10*time.Second {
		t.Errorf("drain timeout = %v", cfg.DrainTimeout.Duration())
	}
	if cfg.JWTSecret() != testutil.TestSecret {
		t.Errorf("secret not expanded: %q", cfg.Auth.JWTSecret)
	}
	if cfg.Auth.TokenTTL.Duration() != 2*time.Hour || cfg.RateLimit.Window.Duration() != 30*time.Second {
		t.Errorf("durations = %v %v", cfg.Auth.TokenTTL.Duration(), cfg.RateLimit.Window.Duration())
	}

	// Unset sections keep their defaults.
	if cfg.Metastore.Path != config.DefaultDBPath || cfg.WebSocket.SendBuffer != config.DefaultWSSendBufferSize {
		t.Errorf("defaults lost: %+v %+v", cfg.Metastore, cfg.WebSocket)
	}
	if cfg.Archive.RawRetention.Duration() != config.DefaultRawRetention {
		t.Errorf("raw retention = %v", cfg.Archive.RawRetention.Duration())
	}

	if err := Validate(cfg); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error")
	}
}

func TestJWTSecret_EnvFallback(t *testing.T) {
	t.Setenv(config.DefaultJWTSecretEnv, "from-the-environment-0123")
	cfg := DefaultConfig()
	if got := cfg.JWTSecret(); got != "from-the-environment-0123" {
		t.Errorf("JWTSecret = %q", got)
	}
	cfg.Auth.JWTSecret = "explicit-secret-0123456"
	if got := cfg.JWTSecret(); got != "explicit-secret-0123456" {
		t.Errorf("JWTSecret = %q", got)
	}
}

func TestDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{`"5m"`, 5 * time.Minute, false},
		{`90`, 90 * time.Second, false},
		{`"1h30m"`, 90 * time.Minute, false},
		{`0`, 0, false},
		{`"90"`, 0, true},
		{`"soon"`, 0, true},
	}
	for _, tt := range tests {
		var d Duration
		err := yaml.Unmarshal([]byte(tt.in), &d)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: err = %v", tt.in, err)
			continue
		}
		if !tt.wantErr && d.Duration() != tt.want {
			t.Errorf("%s = %v, want %v", tt.in, d.Duration(), tt.want)
		}
	}

	// Integer seconds inside a mapping, as written in config files.
	var section struct {
		DrainTimeout Duration `yaml:"drain_timeout"`
		MaxBody      ByteSize `yaml:"max_body"`
	}
	if err := yaml.Unmarshal([]byte("drain_timeout: 10\nmax_body: 2048\n"), &section); err != nil {
		t.Fatalf("integer fields: %v", err)
	}
	if section.DrainTimeout.Duration() != 10*time.Second || section.MaxBody.Bytes() != 2048 {
		t.Errorf("section = %+v", section)
	}

	out, err := yaml.Marshal(Duration(2 * time.Minute))
	if err != nil || strings.TrimSpace(string(out)) != "2m0s" {
		t.Errorf("marshal = %q, %v", out, err)
	}
}

func TestByteSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"512", 512, false},
		{"4MB", 4 << 20, false},
		{"16kb", 16 << 10, false},
		{"1GB", 1 << 30, false},
		{"10B", 10, false},
		{"4x", 0, true},
		{"-1", 0, true},
	}
	for _, tt := range tests {
		got, err := parseByteSize(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("%q: err = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%q = %d, want %d", tt.in, got, tt.want)
		}
	}
}

// =============================================================================
// Validate
// =============================================================================

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"empty listen", func(c *Config) { c.Listen = "" }, "listen"},
		{"short secret", func(c *Config) { c.Auth.JWTSecret = "short" }, "auth.jwt_secret"},
		{"half tls", func(c *Config) { c.TLS.CertFile = "cert.pem" }, "tls"},
		{"bcrypt cost", func(c *Config) { c.Auth.BcryptCost = 2 }, "auth.bcrypt_cost"},
		{"duplicate token", func(c *Config) {
			c.Auth.Tokens = append(c.Auth.Tokens, c.Auth.Tokens[0])
		}, "auth.tokens[1].id"},
		{"token role", func(c *Config) { c.Auth.Tokens[0].Role = "root" }, "auth.tokens[0].role"},
		{"rate limit", func(c *Config) { c.RateLimit.Max = 0 }, "rate_limit.max"},
		{"compression", func(c *Config) { c.Archive.Compression = "brotli" }, "archive"},
		{"retention order", func(c *Config) { c.Archive.MaxRetention = Duration(time.Hour) }, "archive"},
		{"health window", func(c *Config) { c.Health.Inactivity = Duration(10 * time.Second) }, "health"},
		{"accuracy", func(c *Config) { c.Metrics.PercentileAccuracy = 1.5 }, "metrics.percentile_accuracy"},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"org slug", func(c *Config) { c.Bootstrap.Organizations[0].Slug = "has space" }, "bootstrap.organizations[0].slug"},
		{"user email", func(c *Config) { c.Bootstrap.Organizations[0].Users[0].Email = "nope" }, "bootstrap.organizations[0].users[0].email"},
		{"token user", func(c *Config) { c.Bootstrap.Organizations[0].APITokens[0].User = "bob@example.com" }, "bootstrap.organizations[0].api_tokens[0].user"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := parseTest(t)
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error %q does not name %s", err, tt.field)
			}
		})
	}
}

func TestToArchiveConfig(t *testing.T) {
	cfg := parseTest(t)
	ac, err := ToArchiveConfig(&cfg.Archive)
	if err != nil {
		t.Fatal(err)
	}
	if ac.Compression != archive.CompressionSnappy || ac.Dir != "/tmp/archive" || ac.Interval != config.DefaultArchiveInterval {
		t.Errorf("archive config = %+v", ac)
	}
}

func TestToHealthConfig(t *testing.T) {
	cfg := parseTest(t)
	if !cfg.Health.Enabled {
		t.Error("health monitor should stay enabled when the section omits it")
	}
	hc := ToHealthConfig(&cfg.Health)
	if hc.Interval != 30*time.Second || hc.Inactivity != 5*time.Minute {
		t.Errorf("health config = %+v", hc)
	}

	cfg.Health.Enabled = false
	cfg.Health.Interval = 0
	if err := Validate(cfg); err != nil {
		t.Errorf("disabled monitor should not be validated: %v", err)
	}
}

func TestToHubConfig_OriginHosts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CORS.AllowedOrigins = []string{"https://dash.example.com", "http://localhost:3000", "*.example.org"}
	got := ToHubConfig(cfg).OriginPatterns
	want := []string{"dash.example.com", "localhost:3000", "*.example.org"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("origin patterns = %v", got)
	}
}

func TestToManagerConfig(t *testing.T) {
	cfg := parseTest(t)
	cfg.Auth.AllowRegistration = true
	cfg.Cache.OverviewTTL = 0
	m := ToManagerConfig(cfg)
	if !m.AllowRegistration || m.BcryptCost != 4 || m.OverviewTTL != 0 {
		t.Errorf("manager config = %+v", m)
	}
}

// =============================================================================
// Apply
// =============================================================================

func TestApply_Idempotent(t *testing.T) {
	cfg := parseTest(t)
	st := testutil.NewStore(t)
	ctx := context.Background()

	res, err := Apply(ctx, cfg, st)
	if err != nil {
		t.Fatalf("Apply: %v (%v)", err, res.Errors)
	}
	if res.OrganizationsCreated != 1 || res.UsersCreated != 1 || res.APITokensCreated != 1 {
		t.Errorf("first apply = %+v", res)
	}

	u, err := st.GetUserByEmail(ctx, "ada@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if u.Role != "admin" || auth.CheckPassword(u.PasswordHash, "lovelace-1843") != nil {
		t.Errorf("user = %+v", u)
	}
	tok, err := st.GetAPITokenByHash(ctx, auth.HashAPIToken("ed_bootstrap-token-0001"))
	if err != nil || tok.UserID != u.ID {
		t.Fatalf("api token = %+v, %v", tok, err)
	}

	res, err = Apply(ctx, cfg, st)
	if err != nil {
		t.Fatalf("second Apply: %v", err)
	}
	if res.OrganizationsCreated+res.UsersCreated+res.APITokensCreated != 0 || res.Skipped != 3 {
		t.Errorf("second apply = %+v", res)
	}
}

func TestApply_UserInOtherOrganization(t *testing.T) {
	cfg := parseTest(t)
	st := testutil.NewStore(t)
	other := testutil.CreateOrg(t, st, "Other")
	testutil.CreateUser(t, st, other.ID, "ada@example.com")

	res, err := Apply(context.Background(), cfg, st)
	if err == nil {
		t.Fatal("expected error")
	}
	if len(res.Errors) == 0 || !strings.Contains(res.Errors[0], "another organization") {
		t.Errorf("errors = %v", res.Errors)
	}
}

func TestStaticTokens(t *testing.T) {
	cfg := parseTest(t)
	st := testutil.NewStore(t)
	ctx := context.Background()

	if _, err := StaticTokens(ctx, cfg, st); err == nil {
		t.Fatal("expected error before bootstrap")
	}
	if _, err := Apply(ctx, cfg, st); err != nil {
		t.Fatal(err)
	}

	toks, err := StaticTokens(ctx, cfg, st)
	if err != nil {
		t.Fatal(err)
	}
	org, _ := st.GetOrganizationBySlug(ctx, "acme")
	u, _ := st.GetUserByEmail(ctx, "ada@example.com")
	if len(toks) != 1 || toks[0].OrganizationID != org.ID || toks[0].UserID != u.ID || toks[0].Role != "member" {
		t.Errorf("tokens = %+v", toks)
	}

	issuer, _ := auth.NewIssuer(testutil.TestSecret, time.Hour)
	p, err := auth.NewAuthenticator(issuer, toks, nil).Authenticate(ctx, "ci-token-0123456789")
	if err != nil || p.OrganizationID != org.ID {
		t.Errorf("authenticate = %+v, %v", p, err)
	}
}

// =============================================================================
// Watcher
// =============================================================================

func TestWatcher_ReappliesOnChange(t *testing.T) {
	t.Setenv("TEST_ENGINEDASH_SECRET", testutil.TestSecret)
	st := testutil.NewStore(t)
	path := filepath.Join(t.TempDir(), "enginedash.yaml")
	if err := os.WriteFile(path, []byte("auth:\n  jwt_secret: ${TEST_ENGINEDASH_SECRET}\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var results []*ApplyResult
	w := NewWatcher(path, st, func(r *ApplyResult) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	})
	w.interval = 10 * time.Millisecond
	w.Start()
	defer w.Stop()

	// Make sure the new mtime is strictly later on coarse filesystems.
	future := time.Now().Add(2 * time.Second)
	if err := os.WriteFile(path, []byte(testYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	testutil.Eventually(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(results) > 0
	}, "watcher never reloaded")

	mu.Lock()
	r := results[0]
	mu.Unlock()
	if len(r.Errors) != 0 || r.OrganizationsCreated != 1 {
		t.Errorf("reload result = %+v", r)
	}
}
