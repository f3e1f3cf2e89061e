package manager

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/enginedash/config"
	"github.com/xtxerr/enginedash/internal/api"
	"github.com/xtxerr/enginedash/internal/constants"
	"github.com/xtxerr/enginedash/internal/errors"
	"github.com/xtxerr/enginedash/internal/metrics"
	"github.com/xtxerr/enginedash/internal/notify"
	"github.com/xtxerr/enginedash/internal/store"
	"github.com/xtxerr/enginedash/internal/validation"
)

// =============================================================================
// Agents
// =============================================================================

// AgentList is one page of agents.
type AgentList struct {
	Agents []*store.Agent
	Total  int64
	Page   int
	Limit  int
}

// ListAgents returns a page of agents, most recently updated first.
func (m *Manager) ListAgents(ctx context.Context, orgID, status, agentType string, page, limit int) (*AgentList, error) {
	page, limit, err := validation.Page(page, limit)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, errors.ErrInvalidPage)
	}
	if status != "" && !constants.IsValidAgentStatus(status) {
		return nil, errors.NewInvalidValue("status", status, "unknown agent status")
	}

	f := store.AgentFilter{
		OrganizationID: orgID,
		Status:         status,
		Type:           agentType,
		Limit:          limit,
		Offset:         (page - 1) * limit,
	}

	out := &AgentList{Page: page, Limit: limit}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		out.Agents, err = m.store.ListAgents(gctx, f)
		return err
	})
	g.Go(func() error {
		var err error
		out.Total, err = m.store.CountAgents(gctx, f)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// AgentDetail is an agent with its recent sessions and raw samples.
type AgentDetail struct {
	Agent    *store.Agent
	Sessions []*store.Session
	Metrics  []*store.MetricSample
}

// GetAgent returns an agent with its most recent sessions and the raw
// samples of the detail window.
func (m *Manager) GetAgent(ctx context.Context, orgID, id string) (*AgentDetail, error) {
	agent, err := m.store.GetAgent(ctx, orgID, id)
	if err != nil {
		return nil, err
	}

	detail := &AgentDetail{Agent: agent}
	since := m.now().Add(-m.cfg.AgentDetailWindow).UnixMilli()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		detail.Sessions, err = m.store.ListSessions(gctx, store.SessionFilter{
			AgentID: id,
			Limit:   m.cfg.AgentDetailSessions,
		})
		return err
	})
	g.Go(func() error {
		var err error
		detail.Metrics, err = m.store.QueryMetrics(gctx, store.MetricFilter{AgentID: id, SinceMs: since})
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return detail, nil
}

// CreateAgent creates an agent together with its initial health sample.
func (m *Manager) CreateAgent(ctx context.Context, orgID string, req *api.CreateAgentRequest) (*store.Agent, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	a := &store.Agent{
		OrganizationID: orgID,
		Name:           req.Name,
		Type:           req.Type,
		Description:    req.Description,
		Status:         constants.AgentStatusIdle,
		Config:         req.Config,
		Capabilities:   req.Capabilities,
	}
	health := &store.MetricSample{
		MetricType:  constants.MetricTypeHealth,
		Value:       config.DefaultInitialHealth,
		Unit:        constants.UnitPercentage,
		Tags:        map[string]string{"source": "system", "event": "agent_created"},
		TimestampMs: m.now().UnixMilli(),
	}

	if err := m.store.CreateAgentWithMetrics(ctx, a, []*store.MetricSample{health}); err != nil {
		return nil, err
	}

	log.Info("agent created", "org_id", orgID, "agent_id", a.ID, "name", a.Name)
	m.publish(notify.EventAgentCreated, orgID, a.ID, api.FromAgent(a))
	return a, nil
}

// UpdateAgent applies a partial update.
func (m *Manager) UpdateAgent(ctx context.Context, orgID, id string, req *api.UpdateAgentRequest) (*store.Agent, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	a, err := m.store.GetAgent(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	req.Apply(a)
	if err := m.store.UpdateAgent(ctx, a); err != nil {
		return nil, err
	}

	m.publish(notify.EventAgentUpdated, orgID, a.ID, api.FromAgent(a))
	return a, nil
}

// DeleteAgent removes an agent with its sessions and samples.
func (m *Manager) DeleteAgent(ctx context.Context, orgID, id string) error {
	if err := m.store.DeleteAgent(ctx, orgID, id); err != nil {
		return err
	}
	log.Info("agent deleted", "org_id", orgID, "agent_id", id)
	m.publish(notify.EventAgentDeleted, orgID, id, nil)
	return nil
}

// =============================================================================
// Sessions
// =============================================================================

// StartSession opens a session on behalf of userID; the agent becomes BUSY.
func (m *Manager) StartSession(ctx context.Context, orgID, userID, agentID string, req *api.StartSessionRequest) (*store.Session, *store.Agent, error) {
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}

	sess := &store.Session{AgentID: agentID, UserID: userID, SessionType: req.SessionType, Metadata: req.Metadata}
	agent, err := m.store.StartSession(ctx, orgID, sess)
	if err != nil {
		return nil, nil, err
	}

	m.publish(notify.EventAgentSessionStarted, orgID, agentID, api.StartSessionResponse{
		Session: api.FromSession(sess),
		Agent:   api.FromAgent(agent),
	})
	return sess, agent, nil
}

// EndSession closes a session with a final status and its counters. The
// published event carries the session; agent aggregates follow as
// agent.updated.
func (m *Manager) EndSession(ctx context.Context, orgID, agentID, sessionID string, req *api.EndSessionRequest) (*store.Session, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	sess, err := m.store.EndSession(ctx, orgID, agentID, sessionID, req.ToSessionEnd())
	if err != nil {
		return nil, err
	}

	m.publish(notify.EventAgentSessionEnded, orgID, agentID, api.FromSession(sess))
	if agent, err := m.store.GetAgent(ctx, orgID, agentID); err == nil {
		m.publish(notify.EventAgentUpdated, orgID, agentID, api.FromAgent(agent))
	}
	return sess, nil
}

// SessionList is one page of sessions.
type SessionList struct {
	Sessions []*store.Session
	Total    int64
	Page     int
	Limit    int
}

// ListSessions returns a page of an agent's sessions, newest first.
func (m *Manager) ListSessions(ctx context.Context, orgID, agentID, status string, page, limit int) (*SessionList, error) {
	page, limit, err := validation.Page(page, limit)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, errors.ErrInvalidPage)
	}
	if status != "" && !constants.IsValidSessionStatus(status) {
		return nil, errors.NewInvalidValue("status", status, "unknown session status")
	}
	if _, err := m.store.GetAgent(ctx, orgID, agentID); err != nil {
		return nil, err
	}

	f := store.SessionFilter{AgentID: agentID, Status: status, Limit: limit, Offset: (page - 1) * limit}
	sessions, err := m.store.ListSessions(ctx, f)
	if err != nil {
		return nil, err
	}
	total, err := m.store.CountSessions(ctx, f)
	if err != nil {
		return nil, err
	}
	return &SessionList{Sessions: sessions, Total: total, Page: page, Limit: limit}, nil
}

// =============================================================================
// Metrics
// =============================================================================

// IngestMetrics stores a batch of samples for an agent.
func (m *Manager) IngestMetrics(ctx context.Context, orgID, agentID string, req *api.IngestMetricsRequest) (int, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}
	revived, err := m.store.TouchAgent(ctx, orgID, agentID)
	if err != nil {
		return 0, err
	}
	if revived {
		log.Info("agent back online", "org_id", orgID, "agent_id", agentID)
		if agent, err := m.store.GetAgent(ctx, orgID, agentID); err == nil {
			m.publish(notify.EventAgentUpdated, orgID, agentID, api.FromAgent(agent))
		}
	}

	samples := req.ToSamples(orgID, agentID, m.now())
	if err := m.store.InsertMetrics(ctx, samples); err != nil {
		return 0, err
	}

	if m.obs != nil {
		m.obs.SamplesIngested.Add(float64(len(samples)))
	}
	m.publish(notify.EventMetricIngested, orgID, agentID, map[string]any{
		"count":       len(samples),
		"metricTypes": metricTypes(samples),
	})
	return len(samples), nil
}

func metricTypes(samples []*store.MetricSample) []string {
	seen := make(map[string]struct{})
	for _, s := range samples {
		seen[s.MetricType] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// QueryMetrics buckets an agent's samples for charting.
func (m *Manager) QueryMetrics(ctx context.Context, orgID string, q metrics.MetricQuery) (*metrics.Result, error) {
	if q.AgentID == "" {
		return nil, errors.NewMissingField("agentId")
	}
	if _, err := m.store.GetAgent(ctx, orgID, q.AgentID); err != nil {
		return nil, err
	}
	if q.Now.IsZero() {
		q.Now = m.now()
	}

	start := m.now()
	res, err := m.metrics.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	if m.obs != nil {
		m.obs.ObserveQuery(res.Interval.String(), m.now().Sub(start))
	}
	return res, nil
}
