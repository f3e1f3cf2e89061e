package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/xtxerr/enginedash/internal/errors"
)

// =============================================================================
// Account Types
// =============================================================================

// Organization is a tenant. Every agent, task and codex belongs to one.
type Organization struct {
	ID        string
	Name      string
	Slug      string
	CreatedAt time.Time
}

// User is a person who can log in.
type User struct {
	ID             string
	OrganizationID string
	Email          string
	Username       string
	PasswordHash   string
	Role           string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// APIToken is a long-lived bearer token. Only its hash is stored.
type APIToken struct {
	ID             string
	OrganizationID string
	UserID         string
	Name           string
	TokenHash      string
	CreatedAt      time.Time
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}

// =============================================================================
// Organizations
// =============================================================================

// CreateOrganization inserts an organization. ID is generated when empty.
func (s *Store) CreateOrganization(ctx context.Context, org *Organization) error {
	if org.ID == "" {
		org.ID = newID()
	}
	org.CreatedAt = s.now()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO organizations (id, name, slug, created_at) VALUES (?, ?, ?, ?)
	`, org.ID, org.Name, org.Slug, org.CreatedAt)
	if isUniqueViolation(err) {
		return errors.NewAlreadyExists("organization", org.Slug)
	}
	if err != nil {
		return fmt.Errorf("insert organization: %w", err)
	}
	return nil
}

// GetOrganization retrieves an organization by ID.
func (s *Store) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	return s.scanOrganization(s.db.QueryRowContext(ctx, `
		SELECT id, name, slug, created_at FROM organizations WHERE id = ?
	`, id))
}

// GetOrganizationBySlug retrieves an organization by slug.
func (s *Store) GetOrganizationBySlug(ctx context.Context, slug string) (*Organization, error) {
	return s.scanOrganization(s.db.QueryRowContext(ctx, `
		SELECT id, name, slug, created_at FROM organizations WHERE slug = ?
	`, slug))
}

func (s *Store) scanOrganization(row *sql.Row) (*Organization, error) {
	org := &Organization{}
	err := row.Scan(&org.ID, &org.Name, &org.Slug, &org.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrOrganizationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query organization: %w", err)
	}
	return org, nil
}

// =============================================================================
// Users
// =============================================================================

// CreateUser inserts a user. Email must be unique.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = newID()
	}
	now := s.now()
	u.CreatedAt = now
	u.UpdatedAt = now
	u.Email = strings.ToLower(u.Email)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, organization_id, email, username, password_hash, role, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, u.ID, u.OrganizationID, u.Email, u.Username, u.PasswordHash, u.Role, now, now)
	if isUniqueViolation(err) {
		return ErrUserAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

const userColumns = `id, organization_id, email, username, password_hash, role, created_at, updated_at`

// GetUser retrieves a user by ID.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

// GetUserByEmail retrieves a user by email, case-insensitively.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, strings.ToLower(email)))
}

func scanUser(row *sql.Row) (*User, error) {
	u := &User{}
	err := row.Scan(&u.ID, &u.OrganizationID, &u.Email, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return u, nil
}

// =============================================================================
// API Tokens
// =============================================================================

// CreateAPIToken stores a token hash.
func (s *Store) CreateAPIToken(ctx context.Context, tok *APIToken) error {
	if tok.ID == "" {
		tok.ID = newID()
	}
	tok.CreatedAt = s.now()

	var userID any
	if tok.UserID != "" {
		userID = tok.UserID
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_tokens (id, organization_id, user_id, name, token_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, tok.ID, tok.OrganizationID, userID, tok.Name, tok.TokenHash, tok.CreatedAt)
	if isUniqueViolation(err) {
		return errors.NewAlreadyExists("api token", tok.Name)
	}
	if err != nil {
		return fmt.Errorf("insert api token: %w", err)
	}
	return nil
}

// GetAPITokenByHash looks up a token by its hash.
func (s *Store) GetAPITokenByHash(ctx context.Context, hash string) (*APIToken, error) {
	tok := &APIToken{}
	var userID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, user_id, name, token_hash, created_at
		FROM api_tokens WHERE token_hash = ?
	`, hash).Scan(&tok.ID, &tok.OrganizationID, &userID, &tok.Name, &tok.TokenHash, &tok.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query api token: %w", err)
	}
	tok.UserID = userID.String
	return tok, nil
}
