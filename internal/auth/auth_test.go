package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	apperrors "github.com/xtxerr/enginedash/internal/errors"
	"github.com/xtxerr/enginedash/internal/store"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestIssuer(t *testing.T, now time.Time) *Issuer {
	t.Helper()
	iss, err := NewIssuer(testSecret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	iss.now = func() time.Time { return now }
	return iss
}

func TestNewIssuer_ShortSecret(t *testing.T) {
	if _, err := NewIssuer("short", time.Hour); !errors.Is(err, apperrors.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestIssuer_RoundTrip(t *testing.T) {
	now := time.Now()
	iss := newTestIssuer(t, now)

	token, exp, err := iss.Issue(&Principal{UserID: "u1", OrganizationID: "o1", Email: "a@b.c", Username: "ann"})
	if err != nil {
		t.Fatal(err)
	}
	if !exp.Equal(now.Add(time.Hour)) {
		t.Errorf("exp = %s", exp)
	}

	p, err := iss.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if p.UserID != "u1" || p.OrganizationID != "o1" || p.Email != "a@b.c" || p.Username != "ann" || p.Method != MethodJWT {
		t.Errorf("principal = %+v", p)
	}
}

func TestIssuer_Rejects(t *testing.T) {
	now := time.Now()
	iss := newTestIssuer(t, now)
	token, _, _ := iss.Issue(&Principal{UserID: "u1"})

	other, _ := NewIssuer(strings.Repeat("x", 32), time.Hour)
	foreign, _, _ := other.Issue(&Principal{UserID: "u1"})

	expired := newTestIssuer(t, now.Add(-2*time.Hour))
	old, _, _ := expired.Issue(&Principal{UserID: "u1"})

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"garbage", "a.b.c", apperrors.ErrInvalidToken},
		{"wrong secret", foreign, apperrors.ErrInvalidToken},
		{"tampered", token[:len(token)-2] + "xx", apperrors.ErrInvalidToken},
		{"expired", old, apperrors.ErrTokenExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := iss.Verify(tt.token)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
			if !apperrors.IsAuthError(err) {
				t.Error("expected an auth error")
			}
		})
	}
}

func TestPassword(t *testing.T) {
	hash, err := HashPassword("correct horse", 4)
	if err != nil {
		t.Fatal(err)
	}
	if err := CheckPassword(hash, "correct horse"); err != nil {
		t.Errorf("valid password rejected: %v", err)
	}
	if err := CheckPassword(hash, "wrong"); !errors.Is(err, apperrors.ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestAPITokenHelpers(t *testing.T) {
	tok, err := GenerateAPIToken()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(tok, "ed_") || len(tok) != 51 {
		t.Errorf("unexpected token %q", tok)
	}
	if HashAPIToken(tok) != HashAPIToken(tok) || len(HashAPIToken(tok)) != 64 {
		t.Error("hash must be stable hex sha256")
	}
}

type fakeTokens map[string]*store.APIToken

func (f fakeTokens) GetAPITokenByHash(_ context.Context, hash string) (*store.APIToken, error) {
	if tok, ok := f[hash]; ok {
		return tok, nil
	}
	return nil, store.ErrNotFound
}

func TestAuthenticator(t *testing.T) {
	iss := newTestIssuer(t, time.Now())
	jwtToken, _, _ := iss.Issue(&Principal{UserID: "u1", OrganizationID: "o1"})

	stored := fakeTokens{HashAPIToken("ed_stored"): {ID: "t1", OrganizationID: "o2", UserID: "u2", Name: "ci"}}
	a := NewAuthenticator(iss, []StaticToken{{ID: "ops", Token: "static-secret", OrganizationID: "o3"}}, stored)

	tests := []struct {
		name    string
		token   string
		wantOrg string
		method  Method
		wantErr error
	}{
		{"jwt", jwtToken, "o1", MethodJWT, nil},
		{"static", "static-secret", "o3", MethodStatic, nil},
		{"stored", "ed_stored", "o2", MethodAPIToken, nil},
		{"unknown", "ed_unknown", "", "", apperrors.ErrInvalidToken},
		{"empty", "", "", "", apperrors.ErrNotAuthenticated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := a.Authenticate(context.Background(), tt.token)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if p.OrganizationID != tt.wantOrg || p.Method != tt.method {
				t.Errorf("principal = %+v", p)
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	tests := map[string]string{
		"Bearer abc":   "abc",
		"bearer  abc ": "abc",
		"Basic abc":    "",
		"Bearer":       "",
		"":             "",
	}
	for in, want := range tests {
		if got := BearerToken(in); got != want {
			t.Errorf("BearerToken(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPrincipalContext(t *testing.T) {
	ctx := context.Background()
	if PrincipalFromContext(ctx) != nil {
		t.Error("expected nil principal")
	}

	var nilP *Principal
	if _, err := nilP.RequireOrganization(); !errors.Is(err, apperrors.ErrOrganizationRequired) {
		t.Error("nil principal must require organization")
	}

	ctx = ContextWithPrincipal(ctx, &Principal{UserID: "u", OrganizationID: "o"})
	org, err := PrincipalFromContext(ctx).RequireOrganization()
	if err != nil || org != "o" {
		t.Errorf("org = %q, %v", org, err)
	}
}

func TestFailureLimiter(t *testing.T) {
	fl := NewFailureLimiter(3, time.Minute)
	defer fl.Stop()

	now := time.Now()
	fl.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		fl.RecordFailure("1.2.3.4")
	}
	if fl.IsBlocked("1.2.3.4") {
		t.Error("blocked before limit")
	}

	fl.RecordFailure("1.2.3.4")
	if !fl.IsBlocked("1.2.3.4") {
		t.Error("not blocked at limit")
	}
	if fl.IsBlocked("5.6.7.8") {
		t.Error("other IP blocked")
	}
	if d := fl.RetryAfter("1.2.3.4"); d != time.Minute {
		t.Errorf("RetryAfter = %s", d)
	}

	now = now.Add(time.Minute + time.Second)
	if fl.IsBlocked("1.2.3.4") || fl.FailureCount("1.2.3.4") != 0 {
		t.Error("window did not expire")
	}

	fl.RecordFailure("1.2.3.4")
	fl.Reset("1.2.3.4")
	if fl.FailureCount("1.2.3.4") != 0 {
		t.Error("Reset did not clear failures")
	}

	fl.RecordFailure("9.9.9.9")
	now = now.Add(2 * time.Minute)
	fl.cleanup()
	fl.mu.RLock()
	n := len(fl.failures)
	fl.mu.RUnlock()
	if n != 0 {
		t.Errorf("cleanup left %d entries", n)
	}
}
