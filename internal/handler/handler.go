// Package handler implements the HTTP API.
//
// Handlers are organized by entity (agents, tasks, codex, auth) and share
// a RequestContext carrying the authenticated principal and its
// organization. Every failure is answered with the JSON error body of
// package api and the HTTP status from errors.ErrorToStatus.
package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/xtxerr/enginedash/config"
	"github.com/xtxerr/enginedash/internal/api"
	"github.com/xtxerr/enginedash/internal/auth"
	"github.com/xtxerr/enginedash/internal/errors"
	"github.com/xtxerr/enginedash/internal/logging"
	"github.com/xtxerr/enginedash/internal/manager"
	"github.com/xtxerr/enginedash/internal/observability"
)

var log = logging.Component("handler")

// =============================================================================
// Request Context
// =============================================================================

// RequestContext holds the caller of a request.
type RequestContext struct {
	Principal *auth.Principal
	OrgID     string
	RequestID string
}

// UserID returns the caller's user ID.
func (rc *RequestContext) UserID() string {
	return rc.Principal.UserID
}

// =============================================================================
// Handler
// =============================================================================

// Config configures the handler.
type Config struct {
	// MaxBodyBytes bounds request bodies.
	MaxBodyBytes int64

	// Logins limits failed logins per client IP. Nil disables the limit.
	Logins *auth.FailureLimiter

	// Metrics counts rejected logins. Optional.
	Metrics *observability.Metrics
}

// Handler serves the /api routes.
type Handler struct {
	mgr     *manager.Manager
	logins  *auth.FailureLimiter
	obs     *observability.Metrics
	maxBody int64
}

// New creates a handler.
func New(mgr *manager.Manager, cfg Config) *Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = config.DefaultMaxBodyBytes
	}
	return &Handler{mgr: mgr, logins: cfg.Logins, obs: cfg.Metrics, maxBody: cfg.MaxBodyBytes}
}

// Manager returns the manager.
func (h *Handler) Manager() *manager.Manager {
	return h.mgr
}

// PublicPaths are the API paths reachable without a bearer token.
var PublicPaths = []string{
	"/api/auth/login",
	"/api/auth/register",
}

// RegisterRoutes registers every /api route on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	h.registerAuthRoutes(mux)
	h.registerAgentRoutes(mux)
	h.registerTaskRoutes(mux)
	h.registerCodexRoutes(mux)
}

// =============================================================================
// Error Handling
// =============================================================================

// HandlerError is an error with the HTTP status it is answered with.
type HandlerError struct {
	Status  int
	Code    string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *HandlerError) Unwrap() error {
	return e.Cause
}

// ToHandlerError converts any error to a HandlerError, mapping sentinel
// errors to their status and code.
func ToHandlerError(err error) *HandlerError {
	if err == nil {
		return nil
	}
	var herr *HandlerError
	if errors.As(err, &herr) {
		return herr
	}
	body := api.NewErrorBody(err)
	return &HandlerError{
		Status:  errors.ErrorToStatus(err),
		Code:    body.Error.Code,
		Message: body.Error.Message,
		Cause:   err,
	}
}

// ErrInvalidBody reports an undecodable request body.
func ErrInvalidBody(err error) *HandlerError {
	return &HandlerError{
		Status:  http.StatusBadRequest,
		Code:    errors.CodeInvalidRequest,
		Message: fmt.Sprintf("invalid request body: %v", err),
		Cause:   errors.ErrInvalidValue,
	}
}

// =============================================================================
// Handler wrappers
// =============================================================================

// HandlerFunc is an HTTP handler returning an error.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// OrgHandlerFunc is a handler that requires an organization.
type OrgHandlerFunc func(w http.ResponseWriter, r *http.Request, rc *RequestContext) error

// handle turns a HandlerFunc into an http.HandlerFunc that writes errors.
func handle(fn HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(w, r); err != nil {
			writeError(w, r, err)
		}
	}
}

// withOrg resolves the caller and its organization before calling fn.
func withOrg(fn OrgHandlerFunc) http.HandlerFunc {
	return handle(func(w http.ResponseWriter, r *http.Request) error {
		p := auth.PrincipalFromContext(r.Context())
		if p == nil {
			return errors.ErrNotAuthenticated
		}
		orgID, err := p.RequireOrganization()
		if err != nil {
			return err
		}
		return fn(w, r, &RequestContext{
			Principal: p,
			OrgID:     orgID,
			RequestID: logging.RequestIDFromContext(r.Context()),
		})
	})
}

// =============================================================================
// Helper functions
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Debug("write response failed", "error", err)
	}
}

// writeError answers with the JSON error body. Server errors are logged;
// their message is not exposed.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	herr := ToHandlerError(err)
	if herr.Status >= http.StatusInternalServerError {
		logging.WithContext(r.Context()).Error("request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
	}
	if herr.Status == http.StatusTooManyRequests && w.Header().Get("Retry-After") == "" {
		w.Header().Set("Retry-After", "60")
	}
	writeJSON(w, herr.Status, api.ErrorBody{Error: api.ErrorDetail{Code: herr.Code, Message: herr.Message}})
}

// WriteError is writeError for other packages' handlers and middleware.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, err)
}

// decode reads a JSON body into dst.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			return ErrInvalidBody(fmt.Errorf("empty body"))
		}
		return ErrInvalidBody(err)
	}
	return nil
}

// intQuery parses an optional integer query parameter. Missing means 0.
func intQuery(r *http.Request, name string) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.NewInvalidValue(name, s, "must be an integer")
	}
	return n, nil
}

// pageQuery parses page and limit.
func pageQuery(r *http.Request) (page, limit int, err error) {
	if page, err = intQuery(r, "page"); err != nil {
		return 0, 0, err
	}
	if limit, err = intQuery(r, "limit"); err != nil {
		return 0, 0, err
	}
	return page, limit, nil
}

// ClientIP returns the host part of the request's remote address.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
