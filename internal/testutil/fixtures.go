package testutil

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/xtxerr/enginedash/internal/constants"
	"github.com/xtxerr/enginedash/internal/notify"
	"github.com/xtxerr/enginedash/internal/store"
)

// TestSecret is a JWT secret long enough for auth.NewIssuer.
const TestSecret = "test-secret-0123456789-abcdefghijklmnop"

// TestPassword is the password of users created by CreateUser.
const TestPassword = "correct-horse-battery"

// NewStore opens an in-memory metastore closed at the end of the test.
func NewStore(t testing.TB) *store.Store {
	t.Helper()
	st, err := store.New(store.Config{
		DSN:          ":memory:",
		MaxOpenConns: 1,
		QueryTimeout: 30 * time.Second,
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

var seq atomic.Int64

// CreateOrg creates an organization with a unique slug.
func CreateOrg(t testing.TB, st *store.Store, name string) *store.Organization {
	t.Helper()
	org := &store.Organization{Name: name, Slug: fmt.Sprintf("org-%d", seq.Add(1))}
	if err := st.CreateOrganization(context.Background(), org); err != nil {
		t.Fatalf("create organization: %v", err)
	}
	return org
}

// CreateUser creates an admin of orgID whose password is TestPassword.
// The minimum bcrypt cost keeps tests fast.
func CreateUser(t testing.TB, st *store.Store, orgID, email string) *store.User {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(TestPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	u := &store.User{
		OrganizationID: orgID,
		Email:          email,
		Username:       fmt.Sprintf("user%d", seq.Add(1)),
		PasswordHash:   string(h),
		Role:           constants.RoleAdmin,
	}
	if err := st.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

// Recorder is a notify.Publisher that keeps every event.
type Recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

var _ notify.Publisher = (*Recorder)(nil)

// Publish records e.
func (r *Recorder) Publish(e notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

// Last returns the most recent event of the given type.
func (r *Recorder) Last(typ string) (notify.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == typ {
			return r.events[i], true
		}
	}
	return notify.Event{}, false
}

// Reset drops the recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock stopped at t.
func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

// Now returns the clock time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
