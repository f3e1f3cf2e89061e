package manager

import (
	"context"
	"time"

	"github.com/xtxerr/enginedash/internal/auth"
	"github.com/xtxerr/enginedash/internal/constants"
	"github.com/xtxerr/enginedash/internal/errors"
	"github.com/xtxerr/enginedash/internal/store"
)

// LoginResult is a signed token with the user it was issued for.
type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	User      *store.User
}

// Login checks credentials and issues a token. Unknown emails and wrong
// passwords fail the same way.
func (m *Manager) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	u, err := m.store.GetUserByEmail(ctx, email)
	if errors.IsNotFound(err) {
		return nil, errors.ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := auth.CheckPassword(u.PasswordHash, password); err != nil {
		return nil, err
	}
	return m.issue(u)
}

// Register creates a member of an existing organization, identified by
// slug, and logs them in.
func (m *Manager) Register(ctx context.Context, email, username, password, orgSlug string) (*LoginResult, error) {
	if !m.cfg.AllowRegistration {
		return nil, errors.ErrRegistrationDisabled
	}

	org, err := m.store.GetOrganizationBySlug(ctx, orgSlug)
	if err != nil {
		return nil, err
	}

	hash, err := auth.HashPassword(password, m.cfg.BcryptCost)
	if err != nil {
		return nil, err
	}

	u := &store.User{
		OrganizationID: org.ID,
		Email:          email,
		Username:       username,
		PasswordHash:   hash,
		Role:           constants.RoleMember,
	}
	if err := m.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}

	log.Info("user registered", "org_id", org.ID, "user_id", u.ID)
	return m.issue(u)
}

func (m *Manager) issue(u *store.User) (*LoginResult, error) {
	if m.issuer == nil {
		return nil, errors.Wrap(errors.ErrUnavailable, "token issuer not configured")
	}
	token, exp, err := m.issuer.Issue(&auth.Principal{
		UserID:         u.ID,
		OrganizationID: u.OrganizationID,
		Email:          u.Email,
		Username:       u.Username,
		Role:           u.Role,
	})
	if err != nil {
		return nil, err
	}
	return &LoginResult{Token: token, ExpiresAt: exp, User: u}, nil
}
