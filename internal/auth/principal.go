package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"

	"github.com/xtxerr/enginedash/internal/errors"
	"github.com/xtxerr/enginedash/internal/store"
)

// Method tells how a principal authenticated.
type Method string

const (
	MethodJWT      Method = "jwt"
	MethodAPIToken Method = "api_token"
	MethodStatic   Method = "static_token"
)

// Principal is the authenticated caller.
type Principal struct {
	UserID         string
	OrganizationID string
	Email          string
	Username       string
	Role           string
	Method         Method
}

// RequireOrganization returns the caller's organization or
// ErrOrganizationRequired.
func (p *Principal) RequireOrganization() (string, error) {
	if p == nil || p.OrganizationID == "" {
		return "", errors.ErrOrganizationRequired
	}
	return p.OrganizationID, nil
}

type contextKey struct{}

// ContextWithPrincipal stores the principal in ctx.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// PrincipalFromContext returns the principal stored in ctx, or nil.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(contextKey{}).(*Principal)
	return p
}

// StaticToken is an API token defined in the config file.
type StaticToken struct {
	ID             string
	Token          string
	OrganizationID string
	UserID         string
	Role           string
}

// TokenStore looks up stored API tokens. Implemented by *store.Store.
type TokenStore interface {
	GetAPITokenByHash(ctx context.Context, hash string) (*store.APIToken, error)
}

// Authenticator resolves bearer tokens to principals.
type Authenticator struct {
	issuer *Issuer
	static []StaticToken
	tokens TokenStore
}

// NewAuthenticator creates an authenticator. tokens may be nil.
func NewAuthenticator(issuer *Issuer, static []StaticToken, tokens TokenStore) *Authenticator {
	return &Authenticator{issuer: issuer, static: static, tokens: tokens}
}

// Issuer returns the login token issuer.
func (a *Authenticator) Issuer() *Issuer {
	return a.issuer
}

// Authenticate resolves a raw bearer token. JWTs are recognized by their
// three dot-separated segments; anything else is an API token.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, errors.ErrNotAuthenticated
	}

	if strings.Count(token, ".") == 2 {
		return a.issuer.Verify(token)
	}

	for _, st := range a.static {
		if subtle.ConstantTimeCompare([]byte(st.Token), []byte(token)) == 1 {
			return &Principal{
				UserID:         st.UserID,
				OrganizationID: st.OrganizationID,
				Username:       st.ID,
				Role:           st.Role,
				Method:         MethodStatic,
			}, nil
		}
	}

	if a.tokens != nil {
		tok, err := a.tokens.GetAPITokenByHash(ctx, HashAPIToken(token))
		if err == nil {
			return &Principal{
				UserID:         tok.UserID,
				OrganizationID: tok.OrganizationID,
				Username:       tok.Name,
				Method:         MethodAPIToken,
			}, nil
		}
		if !errors.IsNotFound(err) {
			return nil, fmt.Errorf("lookup api token: %w", err)
		}
	}

	return nil, errors.ErrInvalidToken
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
