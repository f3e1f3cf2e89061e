// enginedashd is the AI Engines dashboard server daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/xtxerr/enginedash/internal/archive"
	"github.com/xtxerr/enginedash/internal/auth"
	"github.com/xtxerr/enginedash/internal/loader"
	"github.com/xtxerr/enginedash/internal/logging"
	"github.com/xtxerr/enginedash/internal/manager"
	"github.com/xtxerr/enginedash/internal/metrics"
	"github.com/xtxerr/enginedash/internal/notify"
	"github.com/xtxerr/enginedash/internal/observability"
	"github.com/xtxerr/enginedash/internal/server"
	"github.com/xtxerr/enginedash/internal/store"
)

// Version is set at build time via ldflags
var Version = "dev"

var log = logging.Component("main")

type flags struct {
	config   string
	listen   string
	dbPath   string
	logLevel string
	logJSON  bool
	tlsCert  string
	tlsKey   string
	noTLS    bool
	watch    bool
	version  bool
}

func main() {
	var f flags
	flag.StringVarP(&f.config, "config", "c", "enginedash.yaml", "config file path")
	flag.StringVarP(&f.listen, "listen", "l", "", "listen address (overrides config)")
	flag.StringVar(&f.dbPath, "db", "", "metastore database path (overrides config)")
	flag.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error (overrides config)")
	flag.BoolVar(&f.logJSON, "log-json", false, "log as JSON")
	flag.StringVar(&f.tlsCert, "tls-cert", "", "TLS certificate file")
	flag.StringVar(&f.tlsKey, "tls-key", "", "TLS key file")
	flag.BoolVar(&f.noTLS, "no-tls", false, "disable TLS")
	flag.BoolVar(&f.watch, "watch", false, "re-apply the bootstrap section when the config changes")
	flag.BoolVarP(&f.version, "version", "v", false, "print version and exit")
	flag.Parse()

	if f.version {
		fmt.Println("enginedashd", Version)
		return
	}

	if err := run(f); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func loadConfig(f flags) (*loader.Config, error) {
	cfg, err := loader.Load(f.config)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loader.DefaultConfig()
	}

	// CLI overrides
	if f.listen != "" {
		cfg.Listen = f.listen
	}
	if f.dbPath != "" {
		cfg.Metastore.Path = f.dbPath
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if f.logJSON {
		cfg.Logging.JSON = true
	}
	if f.noTLS {
		cfg.TLS.CertFile = ""
		cfg.TLS.KeyFile = ""
	}
	if f.tlsCert != "" {
		cfg.TLS.CertFile = f.tlsCert
	}
	if f.tlsKey != "" {
		cfg.TLS.KeyFile = f.tlsKey
	}

	if err := loader.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(f flags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}

	level, _ := logging.ParseLevel(cfg.Logging.Level)
	logging.Init(level, cfg.Logging.JSON)
	log.Info("starting", "version", Version, "config", f.config)

	// =========================================================================
	// Metastore (DuckDB)
	// =========================================================================

	st, err := store.New(loader.ToStoreConfig(&cfg.Metastore))
	if err != nil {
		return fmt.Errorf("open metastore: %w", err)
	}
	log.Info("metastore opened", "path", cfg.Metastore.Path)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := loader.Apply(ctx, cfg, st)
	if err != nil {
		for _, e := range result.Errors {
			log.Warn("bootstrap", "error", e)
		}
	}
	log.Info("bootstrap applied",
		"organizations", result.OrganizationsCreated,
		"users", result.UsersCreated,
		"api_tokens", result.APITokensCreated,
		"skipped", result.Skipped)

	staticTokens, err := loader.StaticTokens(ctx, cfg, st)
	if err != nil {
		st.Close()
		return fmt.Errorf("resolve auth tokens: %w", err)
	}

	// =========================================================================
	// Components
	// =========================================================================

	issuer, err := auth.NewIssuer(cfg.JWTSecret(), cfg.Auth.TokenTTL.Duration())
	if err != nil {
		st.Close()
		return fmt.Errorf("create token issuer: %w", err)
	}
	authn := auth.NewAuthenticator(issuer, staticTokens, st)

	obs := observability.New()
	hub := notify.NewHub(loader.ToHubConfig(cfg))

	var archiver *archive.Archiver
	var reader metrics.ArchiveReader
	if cfg.Archive.Enabled {
		acfg, err := loader.ToArchiveConfig(&cfg.Archive)
		if err == nil {
			archiver, err = archive.New(acfg, st, st.DB())
		}
		if err != nil {
			st.Close()
			return fmt.Errorf("create archiver: %w", err)
		}
		reader = archiver
		log.Info("archive enabled", "dir", archiver.Dir(), "raw_retention", acfg.RawRetention, "compression", acfg.Compression)
	}

	svc := metrics.NewService(st, reader, loader.ToMetricsConfig(&cfg.Metrics))
	mgr := manager.New(st, svc, issuer, loader.ToManagerConfig(cfg),
		manager.WithEvents(hub),
		manager.WithObservability(obs))

	var health *manager.HealthMonitor
	if cfg.Health.Enabled {
		health, err = manager.NewHealthMonitor(mgr, loader.ToHealthConfig(&cfg.Health))
		if err != nil {
			st.Close()
			return fmt.Errorf("create health monitor: %w", err)
		}
	}

	if f.watch {
		watcher := loader.NewWatcher(f.config, st, func(r *loader.ApplyResult) {
			log.Info("config reloaded",
				"organizations", r.OrganizationsCreated,
				"users", r.UsersCreated,
				"api_tokens", r.APITokensCreated,
				"errors", len(r.Errors))
		})
		watcher.Start()
		defer watcher.Stop()
	}

	// =========================================================================
	// Server
	// =========================================================================

	srv := server.New(&server.Config{
		Store:                  st,
		Manager:                mgr,
		Auth:                   authn,
		Hub:                    hub,
		Archiver:               archiver,
		Health:                 health,
		Metrics:                obs,
		Listen:                 cfg.Listen,
		TLSCertFile:            cfg.TLS.CertFile,
		TLSKeyFile:             cfg.TLS.KeyFile,
		CORSOrigins:            cfg.CORS.AllowedOrigins,
		Version:                Version,
		MaxBodyBytes:           cfg.MaxBodyBytes.Bytes(),
		DrainTimeout:           cfg.DrainTimeout.Duration(),
		RateLimitMax:           cfg.RateLimit.Max,
		RateLimitWindow:        cfg.RateLimit.Window.Duration(),
		LoginFailuresPerMinute: cfg.Auth.LoginFailuresPerMinute,
	})

	return srv.Run(ctx)
}
