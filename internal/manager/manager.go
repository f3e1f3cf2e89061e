// Package manager implements the dashboard's business operations on top of
// the metastore.
//
// Every operation is scoped to one organization; handlers pass the
// caller's organization ID. Mutations publish change events to the
// notification hub after they are committed.
package manager

import (
	"time"

	"github.com/xtxerr/enginedash/config"
	"github.com/xtxerr/enginedash/internal/auth"
	"github.com/xtxerr/enginedash/internal/logging"
	"github.com/xtxerr/enginedash/internal/metrics"
	"github.com/xtxerr/enginedash/internal/notify"
	"github.com/xtxerr/enginedash/internal/observability"
	"github.com/xtxerr/enginedash/internal/store"
)

var log = logging.Component("manager")

// Config tunes the manager.
type Config struct {
	// OverviewTTL is how long a dashboard overview is cached per
	// organization. Zero disables caching.
	OverviewTTL time.Duration

	// AgentDetailWindow is how much raw metric history an agent detail
	// includes.
	AgentDetailWindow time.Duration

	// AgentDetailSessions is how many recent sessions an agent detail
	// includes.
	AgentDetailSessions int

	// BcryptCost is used when hashing new passwords.
	BcryptCost int

	// AllowRegistration enables self-service sign up.
	AllowRegistration bool
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() Config {
	return Config{
		OverviewTTL:         config.DefaultOverviewCacheTTL,
		AgentDetailWindow:   config.DefaultAgentDetailWindow,
		AgentDetailSessions: config.DefaultAgentDetailSessions,
		BcryptCost:          config.DefaultBcryptCost,
	}
}

// Manager coordinates the store, the metric query service and the event
// hub.
//
// Manager is safe for concurrent use.
type Manager struct {
	store   *store.Store
	metrics *metrics.Service
	issuer  *auth.Issuer
	events  notify.Publisher
	obs     *observability.Metrics
	cfg     Config

	overview *overviewCache
	now      func() time.Time
}

// Option configures optional collaborators.
type Option func(*Manager)

// WithEvents publishes change events to p.
func WithEvents(p notify.Publisher) Option {
	return func(m *Manager) { m.events = p }
}

// WithObservability records domain metrics.
func WithObservability(o *observability.Metrics) Option {
	return func(m *Manager) { m.obs = o }
}

// WithClock replaces the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a manager. issuer is needed for login and registration.
func New(st *store.Store, svc *metrics.Service, issuer *auth.Issuer, cfg Config, opts ...Option) *Manager {
	if cfg.AgentDetailWindow <= 0 {
		cfg.AgentDetailWindow = config.DefaultAgentDetailWindow
	}
	if cfg.AgentDetailSessions <= 0 {
		cfg.AgentDetailSessions = config.DefaultAgentDetailSessions
	}

	m := &Manager{
		store:   st,
		metrics: svc,
		issuer:  issuer,
		events:  notify.Discard,
		cfg:     cfg,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.overview = newOverviewCache(cfg.OverviewTTL, m.now)
	return m
}

// Store returns the underlying store.
func (m *Manager) Store() *store.Store {
	return m.store
}

// publish sends an event. Entity changes also drop the organization's
// cached overview.
func (m *Manager) publish(typ, orgID, entityID string, data any) {
	if typ != notify.EventMetricIngested && typ != notify.EventTaskLog {
		m.overview.invalidate(orgID)
	}
	m.events.Publish(notify.Event{
		Type:           typ,
		OrganizationID: orgID,
		EntityID:       entityID,
		Timestamp:      m.now().UTC(),
		Data:           data,
	})
}
