// Package auth issues and verifies bearer credentials.
//
// Two kinds of bearer tokens are accepted: HS256 JWTs issued at login, and
// opaque API tokens (configured statically or stored hashed in the
// metastore). Both resolve to a Principal stored in the request context.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/xtxerr/enginedash/config"
	"github.com/xtxerr/enginedash/internal/errors"
)

const issuer = "enginedash"

// Claims are the JWT claims of a login token.
type Claims struct {
	OrganizationID string `json:"org,omitempty"`
	Email          string `json:"email"`
	Username       string `json:"username"`
	Role           string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies login tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an issuer. The secret must be at least
// config.MinJWTSecretLength bytes.
func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	if len(secret) < config.MinJWTSecretLength {
		return nil, fmt.Errorf("jwt secret must be at least %d bytes: %w", config.MinJWTSecretLength, errors.ErrInvalidConfig)
	}
	if ttl <= 0 {
		ttl = config.DefaultTokenTTL
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue returns a signed token for the principal and its expiry.
func (i *Issuer) Issue(p *Principal) (string, time.Time, error) {
	now := i.now()
	exp := now.Add(i.ttl)

	claims := Claims{
		OrganizationID: p.OrganizationID,
		Email:          p.Email,
		Username:       p.Username,
		Role:           p.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify parses a token and returns its principal.
func (i *Issuer) Verify(token string) (*Principal, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errors.ErrTokenExpired
		}
		return nil, fmt.Errorf("%v: %w", err, errors.ErrInvalidToken)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("missing subject: %w", errors.ErrInvalidToken)
	}

	return &Principal{
		UserID:         claims.Subject,
		OrganizationID: claims.OrganizationID,
		Email:          claims.Email,
		Username:       claims.Username,
		Role:           claims.Role,
		Method:         MethodJWT,
	}, nil
}

// HashPassword hashes a password with bcrypt.
func HashPassword(password string, cost int) (string, error) {
	if cost == 0 {
		cost = config.DefaultBcryptCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

// CheckPassword compares a password with its bcrypt hash.
func CheckPassword(hash, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return errors.ErrInvalidCredentials
	}
	return nil
}

// HashAPIToken returns the hex SHA-256 of an API token, as stored.
func HashAPIToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// GenerateAPIToken returns a random token with the "ed_" prefix.
func GenerateAPIToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return "ed_" + hex.EncodeToString(b), nil
}
