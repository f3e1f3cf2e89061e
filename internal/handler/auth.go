package handler

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/xtxerr/enginedash/internal/api"
	"github.com/xtxerr/enginedash/internal/auth"
	"github.com/xtxerr/enginedash/internal/errors"
	"github.com/xtxerr/enginedash/internal/manager"
)

func (h *Handler) registerAuthRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/auth/login", handle(h.login))
	mux.HandleFunc("POST /api/auth/register", handle(h.register))
	mux.HandleFunc("GET /api/auth/me", handle(h.me))
	mux.HandleFunc("GET /api/dashboard/overview", withOrg(h.overview))
}

// login exchanges credentials for a token. Failed attempts count against
// the client IP; a blocked IP is rejected before the password is checked.
func (h *Handler) login(w http.ResponseWriter, r *http.Request) error {
	ip := ClientIP(r)
	if h.logins != nil && h.logins.IsBlocked(ip) {
		if d := h.logins.RetryAfter(ip); d > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(d.Seconds())+1))
		}
		return errors.ErrTooManyFailedAttempts
	}

	var req api.LoginRequest
	if err := h.decode(w, r, &req); err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return err
	}

	res, err := h.mgr.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, errors.ErrInvalidCredentials) {
			if h.obs != nil {
				h.obs.LoginFailures.Inc()
			}
			if h.logins != nil {
				h.logins.RecordFailure(ip)
				log.Warn("login failed", "client_ip", ip, "failure_count", h.logins.FailureCount(ip))
			}
		}
		return err
	}
	if h.logins != nil {
		h.logins.Reset(ip)
	}

	writeJSON(w, http.StatusOK, loginResponse(res))
	return nil
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) error {
	var req api.RegisterRequest
	if err := h.decode(w, r, &req); err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return err
	}

	res, err := h.mgr.Register(r.Context(), req.Email, req.Username, req.Password, req.Organization)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, loginResponse(res))
	return nil
}

func loginResponse(res *manager.LoginResult) api.LoginResponse {
	return api.LoginResponse{Token: res.Token, ExpiresAt: res.ExpiresAt, User: api.FromUser(res.User)}
}

func (h *Handler) me(w http.ResponseWriter, r *http.Request) error {
	p := auth.PrincipalFromContext(r.Context())
	if p == nil {
		return errors.ErrNotAuthenticated
	}
	writeJSON(w, http.StatusOK, api.MeResponse{
		UserID:         p.UserID,
		OrganizationID: p.OrganizationID,
		Email:          p.Email,
		Username:       p.Username,
		Role:           p.Role,
		Method:         string(p.Method),
	})
	return nil
}

func (h *Handler) overview(w http.ResponseWriter, r *http.Request, rc *RequestContext) error {
	ov, err := h.mgr.Overview(r.Context(), rc.OrgID)
	if err != nil {
		return fmt.Errorf("overview: %w", err)
	}
	writeJSON(w, http.StatusOK, api.OverviewResponse{
		Agents:      ov.Agents,
		Tasks:       ov.Tasks,
		Codices:     ov.Codices,
		TotalAgents: manager.Total(ov.Agents),
		TotalTasks:  manager.Total(ov.Tasks),
		TotalCodex:  manager.Total(ov.Codices),
		GeneratedAt: ov.GeneratedAt,
	})
	return nil
}
