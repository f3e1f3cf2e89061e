// Package server provides the HTTP server of enginedash.
//
// The server assembles the middleware chain around the API handler, serves
// the WebSocket notification endpoint, and coordinates startup and
// graceful shutdown of the background workers.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/xtxerr/enginedash/config"
	"github.com/xtxerr/enginedash/internal/api"
	"github.com/xtxerr/enginedash/internal/archive"
	"github.com/xtxerr/enginedash/internal/auth"
	"github.com/xtxerr/enginedash/internal/handler"
	"github.com/xtxerr/enginedash/internal/logging"
	"github.com/xtxerr/enginedash/internal/manager"
	"github.com/xtxerr/enginedash/internal/notify"
	"github.com/xtxerr/enginedash/internal/observability"
	"github.com/xtxerr/enginedash/internal/store"
)

var log = logging.Component("server")

// Name is reported by the service info endpoint.
const Name = "enginedash"

// =============================================================================
// Server Configuration
// =============================================================================

// Config holds server configuration.
type Config struct {
	// Store is the metastore (required). It is closed on shutdown.
	Store *store.Store

	// Manager is the entity manager (required).
	Manager *manager.Manager

	// Auth resolves bearer tokens (required).
	Auth *auth.Authenticator

	// Hub serves /ws. Optional.
	Hub *notify.Hub

	// Archiver moves old samples to Parquet. Optional.
	Archiver *archive.Archiver

	// Health marks silent agents OFFLINE. Optional.
	Health *manager.HealthMonitor

	// Metrics are exported on /metrics. Optional.
	Metrics *observability.Metrics

	// Listen is the address to listen on (e.g., "0.0.0.0:4000").
	Listen string

	// TLS configuration (optional).
	TLSCertFile string
	TLSKeyFile  string

	// CORSOrigins are the allowed browser origins.
	CORSOrigins []string

	Version string

	MaxBodyBytes           int64
	ReadHeaderTimeout      time.Duration
	DrainTimeout           time.Duration
	RateLimitMax           int
	RateLimitWindow        time.Duration
	LoginFailuresPerMinute int
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = config.DefaultListenAddress
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = config.DefaultMaxBodyBytes
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = config.DefaultReadHeaderTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = config.DefaultDrainTimeout
	}
	if c.RateLimitMax <= 0 {
		c.RateLimitMax = config.DefaultRateLimitMax
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = config.DefaultRateLimitWindow
	}
	if c.LoginFailuresPerMinute <= 0 {
		c.LoginFailuresPerMinute = config.DefaultLoginFailuresPerMinute
	}
	if c.Version == "" {
		c.Version = "dev"
	}
}

// =============================================================================
// Server
// =============================================================================

// Server is the enginedash HTTP server.
type Server struct {
	cfg     *Config
	handler http.Handler
	httpSrv *http.Server

	limiter *RateLimiter
	logins  *auth.FailureLimiter

	started time.Time

	mu       sync.Mutex
	listener net.Listener
	shutdown bool
}

// New creates a server and builds its handler tree.
func New(cfg *Config) *Server {
	cfg.applyDefaults()

	s := &Server{
		cfg:     cfg,
		limiter: NewRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindow),
		logins:  auth.NewFailureLimiter(cfg.LoginFailuresPerMinute, time.Minute),
		started: time.Now(),
	}
	if cfg.Metrics != nil {
		if cfg.Hub != nil {
			cfg.Metrics.RegisterHub(cfg.Hub)
		}
		if cfg.Archiver != nil {
			cfg.Metrics.RegisterArchive(cfg.Archiver)
		}
	}
	s.handler = s.routes()
	s.httpSrv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// routes builds:
//
//	recover → request ID → access log → prometheus → outer mux
//	  /ws  → websocket upgrade
//	  /    → CORS → gzip → rate limit → auth → API mux
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.info)
	mux.HandleFunc("GET /api/health", s.health)
	handler.New(s.cfg.Manager, handler.Config{
		MaxBodyBytes: s.cfg.MaxBodyBytes,
		Logins:       s.logins,
		Metrics:      s.cfg.Metrics,
	}).RegisterRoutes(mux)

	protected := Chain(observability.RecordRoute(mux),
		CORS(s.cfg.CORSOrigins),
		Gzip,
		RateLimit(s.limiter, s.cfg.Metrics),
		Authenticate(s.cfg.Auth),
	)

	outer := http.NewServeMux()
	outer.Handle("/", protected)
	outer.Handle("GET /ws", observability.RecordRoute(http.HandlerFunc(s.websocket)))
	if s.cfg.Metrics != nil {
		outer.Handle("GET /metrics", observability.RecordRoute(s.cfg.Metrics.Handler()))
	}

	mws := []Middleware{Recover, RequestID, AccessLog}
	if s.cfg.Metrics != nil {
		mws = append(mws, s.cfg.Metrics.Middleware)
	}
	return Chain(outer, mws...)
}

// =============================================================================
// Lifecycle
// =============================================================================

// Run starts the background workers and serves until ctx is cancelled or
// the listener fails. It shuts down before returning.
func (s *Server) Run(ctx context.Context) error {
	if s.cfg.Archiver != nil {
		if err := s.cfg.Archiver.Start(); err != nil {
			return fmt.Errorf("start archiver: %w", err)
		}
	}
	if s.cfg.Health != nil {
		if err := s.cfg.Health.Start(); err != nil {
			s.Shutdown(context.Background())
			return fmt.Errorf("start health monitor: %w", err)
		}
	}

	ln, err := s.listen()
	if err != nil {
		s.Shutdown(context.Background())
		return err
	}

	errc := make(chan error, 1)
	go func() {
		err := s.httpSrv.Serve(ln)
		if err == http.ErrServerClosed {
			err = nil
		}
		errc <- err
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case err = <-errc:
		if err != nil {
			log.Error("serve failed", "error", err)
		}
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainTimeout)
	defer cancel()
	s.Shutdown(drainCtx)
	return err
}

func (s *Server) listen() (net.Listener, error) {
	var ln net.Listener
	var err error

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load TLS cert: %w", err)
		}
		tlsCfg := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		ln, err = tls.Listen("tcp", s.cfg.Listen, tlsCfg)
		if err != nil {
			return nil, fmt.Errorf("TLS listen: %w", err)
		}
		log.Info("listening with TLS", "address", ln.Addr().String())
	} else {
		ln, err = net.Listen("tcp", s.cfg.Listen)
		if err != nil {
			return nil, fmt.Errorf("listen: %w", err)
		}
		log.Info("listening without TLS", "address", ln.Addr().String())
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return ln, nil
}

// Addr returns the bound listen address, or nil before Run listens.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown drains in-flight requests until ctx expires, then stops the
// health monitor, the archiver, the hub and the store, in reverse start
// order. It is safe to
// call more than once.
func (s *Server) Shutdown(ctx context.Context) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true
	s.mu.Unlock()

	log.Info("shutting down")

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		log.Warn("drain incomplete, closing connections", "error", err)
		s.httpSrv.Close()
	}

	if s.cfg.Health != nil {
		s.cfg.Health.Stop()
	}
	if s.cfg.Archiver != nil {
		s.cfg.Archiver.Stop()
	}
	if s.cfg.Hub != nil {
		s.cfg.Hub.Close()
	}

	s.limiter.Stop()
	s.logins.Stop()

	if s.cfg.Store != nil {
		if err := s.cfg.Store.Close(); err != nil {
			log.Error("close store", "error", err)
		}
	}

	log.Info("shutdown complete")
}

// =============================================================================
// Service Endpoints
// =============================================================================

func (s *Server) info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.InfoResponse{
		Name:    Name,
		Version: s.cfg.Version,
		Endpoints: []string{
			"/api/health",
			"/api/auth",
			"/api/agents",
			"/api/tasks",
			"/api/projects",
			"/api/codex",
			"/api/dashboard/overview",
			"/metrics",
			"/ws",
		},
	})
}

// health reports 503 when the store does not answer.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := api.HealthResponse{
		Status:    "ok",
		Version:   s.cfg.Version,
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Database:  "ok",
		Timestamp: time.Now().UTC(),
	}
	status := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.cfg.Store.Health(ctx); err != nil {
		log.Warn("health check failed", "error", err)
		resp.Status = "degraded"
		resp.Database = "unavailable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// websocket authenticates with ?token= or the Authorization header, since
// browsers cannot set headers on upgrade requests.
func (s *Server) websocket(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Hub == nil {
		http.NotFound(w, r)
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		token = auth.BearerToken(r.Header.Get("Authorization"))
	}
	p, err := s.cfg.Auth.Authenticate(r.Context(), token)
	if err != nil {
		handler.WriteError(w, r, err)
		return
	}
	orgID, err := p.RequireOrganization()
	if err != nil {
		handler.WriteError(w, r, err)
		return
	}

	if err := s.cfg.Hub.Serve(w, r, orgID, p.UserID); err != nil {
		log.Debug("websocket upgrade failed", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
