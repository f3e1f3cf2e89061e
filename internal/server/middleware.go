package server

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/cors"

	"github.com/xtxerr/enginedash/internal/auth"
	"github.com/xtxerr/enginedash/internal/errors"
	"github.com/xtxerr/enginedash/internal/handler"
	"github.com/xtxerr/enginedash/internal/logging"
	"github.com/xtxerr/enginedash/internal/observability"
)

// Middleware wraps a handler.
type Middleware func(http.Handler) http.Handler

// Chain applies middlewares so that the first one is outermost.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// =============================================================================
// Recover, Request ID, Access Log
// =============================================================================

// Recover answers a panicking request with 500 and logs the stack.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				logging.WithContext(r.Context()).Error("panic serving request",
					"method", r.Method, "path", r.URL.Path, "panic", v, "stack", string(debug.Stack()))
				handler.WriteError(w, r, fmt.Errorf("panic: %v: %w", v, errors.ErrInternal))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

// RequestID keeps a sane client supplied request ID or generates one, and
// stores it in the request context for logging.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logging.ContextWithRequestID(r.Context(), id)))
	})
}

// AccessLog logs one line per request.
func AccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &recorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		level := log.Info
		if rec.status >= http.StatusInternalServerError {
			level = log.Warn
		}
		level("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"bytes", rec.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", handler.ClientIP(r),
			"request_id", logging.RequestIDFromContext(r.Context()),
		)
	})
}

type recorder struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (w *recorder) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *recorder) Write(b []byte) (int, error) {
	w.wroteHeader = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

func (w *recorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack lets WebSocket upgrades through.
func (w *recorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

// =============================================================================
// CORS and Compression
// =============================================================================

// CORS allows the dashboard origins to call the API with bearer tokens.
// An empty origin list allows any origin without credentials.
func CORS(origins []string) Middleware {
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "If-None-Match", RequestIDHeader},
		ExposedHeaders:   []string{"ETag", "Retry-After", RequestIDHeader, headerLimit, headerRemaining, headerReset},
		AllowCredentials: len(origins) > 0,
		MaxAge:           600,
	})
	return c.Handler
}

// Gzip compresses responses for clients that accept it.
func Gzip(next http.Handler) http.Handler {
	return gzhttp.GzipHandler(next)
}

// =============================================================================
// Rate Limiting
// =============================================================================

const (
	headerLimit     = "X-RateLimit-Limit"
	headerRemaining = "X-RateLimit-Remaining"
	headerReset     = "X-RateLimit-Reset"
)

// RateLimiter counts requests per client IP in fixed windows.
//
// RateLimiter is safe for concurrent use.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	max     int
	length  time.Duration
	now     func() time.Time

	stop chan struct{}
	once sync.Once
}

type window struct {
	count int
	reset time.Time
}

// NewRateLimiter creates a limiter allowing max requests per window and
// starts its cleanup loop. Call Stop to end it.
func NewRateLimiter(max int, length time.Duration) *RateLimiter {
	rl := &RateLimiter{
		windows: make(map[string]*window),
		max:     max,
		length:  length,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow counts one request from ip. It returns the remaining budget, the
// end of the current window and whether the request is allowed.
func (rl *RateLimiter) Allow(ip string) (remaining int, reset time.Time, ok bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	win, found := rl.windows[ip]
	if !found || !now.Before(win.reset) {
		win = &window{reset: now.Add(rl.length)}
		rl.windows[ip] = win
	}
	if win.count >= rl.max {
		return 0, win.reset, false
	}
	win.count++
	return rl.max - win.count, win.reset, true
}

// Limit returns the number of requests allowed per window.
func (rl *RateLimiter) Limit() int {
	return rl.max
}

// Stop ends the cleanup loop.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.length)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stop:
			return
		}
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for ip, win := range rl.windows {
		if !now.Before(win.reset) {
			delete(rl.windows, ip)
		}
	}
}

// RateLimit rejects clients over budget with 429. Every response carries
// the X-RateLimit headers.
func RateLimit(rl *RateLimiter, obs *observability.Metrics) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			remaining, reset, ok := rl.Allow(handler.ClientIP(r))

			h := w.Header()
			h.Set(headerLimit, strconv.Itoa(rl.Limit()))
			h.Set(headerRemaining, strconv.Itoa(remaining))
			h.Set(headerReset, strconv.FormatInt(reset.Unix(), 10))

			if !ok {
				if obs != nil {
					obs.RateLimited.Inc()
				}
				retry := int(reset.Sub(rl.now()).Seconds()) + 1
				if retry < 1 {
					retry = 1
				}
				h.Set("Retry-After", strconv.Itoa(retry))
				handler.WriteError(w, r, errors.ErrRateLimited)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// =============================================================================
// Authentication
// =============================================================================

// Authenticate resolves the bearer token of /api requests into a
// principal. Public paths and everything outside /api pass through.
func Authenticate(authn *auth.Authenticator) Middleware {
	public := make(map[string]bool, len(handler.PublicPaths)+1)
	for _, p := range handler.PublicPaths {
		public[p] = true
	}
	public["/api/health"] = true

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, "/api/") || public[r.URL.Path] || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			p, err := authn.Authenticate(r.Context(), auth.BearerToken(r.Header.Get("Authorization")))
			if err != nil {
				handler.WriteError(w, r, err)
				return
			}

			ctx := auth.ContextWithPrincipal(r.Context(), p)
			ctx = logging.ContextWithUserID(ctx, p.UserID)
			if p.OrganizationID != "" {
				ctx = logging.ContextWithOrganizationID(ctx, p.OrganizationID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
