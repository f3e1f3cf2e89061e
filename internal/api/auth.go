package api

import (
	"strings"
	"time"

	"github.com/xtxerr/enginedash/internal/errors"
	"github.com/xtxerr/enginedash/internal/store"
	"github.com/xtxerr/enginedash/internal/validation"
)

// LoginRequest is the body of POST /api/auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Validate checks the request.
func (r *LoginRequest) Validate() error {
	v := errors.NewValidationErrors()
	r.Email = strings.TrimSpace(r.Email)
	if r.Email == "" {
		v.AddMissing("email")
	}
	if r.Password == "" {
		v.AddMissing("password")
	}
	return v.Err()
}

// RegisterRequest is the body of POST /api/auth/register.
type RegisterRequest struct {
	Email        string `json:"email"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	Organization string `json:"organization"`
}

// Validate checks the request.
func (r *RegisterRequest) Validate() error {
	v := errors.NewValidationErrors()
	r.Email = strings.TrimSpace(r.Email)
	if err := validation.ValidateEmail(r.Email); err != nil {
		v.AddField("email", err.Error())
	}
	if err := validation.ValidateSlug(r.Username); err != nil {
		v.AddField("username", err.Error())
	}
	if err := validation.ValidatePassword(r.Password); err != nil {
		v.AddField("password", err.Error())
	}
	if r.Organization == "" {
		v.AddMissing("organization")
	} else if err := validation.ValidateSlug(r.Organization); err != nil {
		v.AddField("organization", err.Error())
	}
	return v.Err()
}

// UserResponse is the public view of a user.
type UserResponse struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organizationId"`
	Email          string    `json:"email"`
	Username       string    `json:"username"`
	Role           string    `json:"role"`
	CreatedAt      time.Time `json:"createdAt"`
}

// FromUser converts a stored user. The password hash is never exposed.
func FromUser(u *store.User) UserResponse {
	return UserResponse{
		ID:             u.ID,
		OrganizationID: u.OrganizationID,
		Email:          u.Email,
		Username:       u.Username,
		Role:           u.Role,
		CreatedAt:      u.CreatedAt,
	}
}

// LoginResponse is returned by login and register.
type LoginResponse struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expiresAt"`
	User      UserResponse `json:"user"`
}

// MeResponse is returned by GET /api/auth/me.
type MeResponse struct {
	UserID         string `json:"userId"`
	OrganizationID string `json:"organizationId"`
	Email          string `json:"email,omitempty"`
	Username       string `json:"username,omitempty"`
	Role           string `json:"role,omitempty"`
	Method         string `json:"method"`
}
