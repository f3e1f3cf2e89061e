package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/xtxerr/enginedash/internal/constants"
)

// =============================================================================
// Agent Types
// =============================================================================

// Agent is a monitored AI agent. TotalRequests, AvgResponseMs and
// SuccessRate are aggregated from ended sessions; the pointers are nil until
// a session reports them.
type Agent struct {
	ID             string
	OrganizationID string
	Name           string
	Type           string
	Description    string
	Status         string
	Config         map[string]any
	Capabilities   []string
	LastActive     *time.Time
	TotalSessions  int64
	TotalRequests  int64
	AvgResponseMs  *float64
	SuccessRate    *float64
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Version        int
}

// AgentFilter selects agents for listing. Empty fields match everything.
type AgentFilter struct {
	OrganizationID string
	Status         string
	Type           string
	Limit          int
	Offset         int
}

func (f AgentFilter) where() (string, []any) {
	clauses := []string{"organization_id = ?"}
	args := []any{f.OrganizationID}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, f.Type)
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

const agentColumns = `id, organization_id, name, type, description, status, config, capabilities,
	last_active, total_sessions, total_requests, avg_response_ms, success_rate,
	created_at, updated_at, version`

// =============================================================================
// CRUD Operations
// =============================================================================

// CreateAgent inserts an agent.
func (s *Store) CreateAgent(ctx context.Context, a *Agent) error {
	return s.createAgent(ctx, s.db, a)
}

func (s *Store) createAgent(ctx context.Context, q queryer, a *Agent) error {
	if a.ID == "" {
		a.ID = newID()
	}
	if a.Status == "" {
		a.Status = constants.AgentStatusIdle
	}

	configJSON, err := marshalJSON(a.Config)
	if err != nil {
		return err
	}
	capsJSON, err := marshalJSON(a.Capabilities)
	if err != nil {
		return err
	}

	now := s.now()
	_, err = q.ExecContext(ctx, `
		INSERT INTO agents (id, organization_id, name, type, description, status, config, capabilities,
		                    total_sessions, total_requests, created_at, updated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?, 1)
	`, a.ID, a.OrganizationID, a.Name, a.Type, a.Description, a.Status, configJSON, capsJSON, now, now)
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}

	a.CreatedAt = now
	a.UpdatedAt = now
	a.Version = 1
	return nil
}

// CreateAgentWithMetrics inserts an agent and its first samples atomically.
func (s *Store) CreateAgentWithMetrics(ctx context.Context, a *Agent, samples []*MetricSample) error {
	return s.Transaction(ctx, func(tx *sql.Tx) error {
		if err := s.createAgent(ctx, tx, a); err != nil {
			return err
		}
		for _, m := range samples {
			m.AgentID = a.ID
			m.OrganizationID = a.OrganizationID
		}
		return insertMetricsChunked(ctx, tx, samples)
	})
}

// GetAgent retrieves an agent by organization and ID.
func (s *Store) GetAgent(ctx context.Context, orgID, id string) (*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+agentColumns+` FROM agents WHERE organization_id = ? AND id = ?
	`, orgID, id)
	if err != nil {
		return nil, fmt.Errorf("query agent: %w", err)
	}
	agents, err := scanAgents(rows)
	if err != nil {
		return nil, err
	}
	if len(agents) == 0 {
		return nil, ErrAgentNotFound
	}
	return agents[0], nil
}

// ListAgents returns agents matching the filter, most recently updated first.
func (s *Store) ListAgents(ctx context.Context, f AgentFilter) ([]*Agent, error) {
	where, args := f.where()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents`+where+` ORDER BY updated_at DESC, id`+pageClause(f.Limit, f.Offset),
		args...)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	return scanAgents(rows)
}

// CountAgents returns the number of agents matching the filter, ignoring paging.
func (s *Store) CountAgents(ctx context.Context, f AgentFilter) (int64, error) {
	where, args := f.where()
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count agents: %w", err)
	}
	return n, nil
}

func scanAgents(rows *sql.Rows) ([]*Agent, error) {
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a := &Agent{}
		var description, configJSON, capsJSON sql.NullString
		var lastActive sql.NullTime
		var requests sql.NullInt64
		var avgMs, successRate sql.NullFloat64

		if err := rows.Scan(
			&a.ID, &a.OrganizationID, &a.Name, &a.Type, &description, &a.Status,
			&configJSON, &capsJSON, &lastActive, &a.TotalSessions,
			&requests, &avgMs, &successRate,
			&a.CreatedAt, &a.UpdatedAt, &a.Version,
		); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}

		a.Description = description.String
		a.LastActive = nullTime(lastActive)
		a.TotalRequests = requests.Int64
		a.AvgResponseMs = nullFloat(avgMs)
		a.SuccessRate = nullFloat(successRate)
		if err := unmarshalJSON(configJSON, &a.Config); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(capsJSON, &a.Capabilities); err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}

	return agents, rows.Err()
}

// UpdateAgent writes all mutable fields. The update only succeeds if the
// stored version equals a.Version; on success a.Version is incremented.
func (s *Store) UpdateAgent(ctx context.Context, a *Agent) error {
	configJSON, err := marshalJSON(a.Config)
	if err != nil {
		return err
	}
	capsJSON, err := marshalJSON(a.Capabilities)
	if err != nil {
		return err
	}

	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents
		SET name = ?, type = ?, description = ?, status = ?, config = ?, capabilities = ?,
		    last_active = ?, updated_at = ?, version = version + 1
		WHERE organization_id = ? AND id = ? AND version = ?
	`, a.Name, a.Type, a.Description, a.Status, configJSON, capsJSON,
		a.LastActive, now, a.OrganizationID, a.ID, a.Version)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}

	if err := checkAffected(res, ErrAgentNotFound, func() (bool, error) {
		return s.exists(ctx, `SELECT 1 FROM agents WHERE organization_id = ? AND id = ?`, a.OrganizationID, a.ID)
	}); err != nil {
		return err
	}

	a.UpdatedAt = now
	a.Version++
	return nil
}

// TouchAgent records activity for an agent. An OFFLINE agent comes back as
// IDLE, in which case revived is true and the version is bumped.
func (s *Store) TouchAgent(ctx context.Context, orgID, id string) (revived bool, err error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = ?, last_active = ?, updated_at = ?, version = version + 1
		WHERE organization_id = ? AND id = ? AND status = ?
	`, constants.AgentStatusIdle, now, now, orgID, id, constants.AgentStatusOffline)
	if err != nil {
		return false, fmt.Errorf("revive agent: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, err
	} else if n > 0 {
		return true, nil
	}

	res, err = s.db.ExecContext(ctx, `
		UPDATE agents SET last_active = ? WHERE organization_id = ? AND id = ?
	`, now, orgID, id)
	if err != nil {
		return false, fmt.Errorf("touch agent: %w", err)
	}
	return false, checkAffected(res, ErrAgentNotFound, nil)
}

// DeleteAgent removes an agent with its sessions and raw metrics.
func (s *Store) DeleteAgent(ctx context.Context, orgID, id string) error {
	return s.Transaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE organization_id = ? AND id = ?`, orgID, id)
		if err != nil {
			return fmt.Errorf("delete agent: %w", err)
		}
		if err := checkAffected(res, ErrAgentNotFound, nil); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM agent_sessions WHERE agent_id = ?`, id); err != nil {
			return fmt.Errorf("delete agent sessions: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM agent_metrics WHERE agent_id = ?`, id); err != nil {
			return fmt.Errorf("delete agent metrics: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET agent_id = NULL WHERE agent_id = ?`, id); err != nil {
			return fmt.Errorf("detach tasks: %w", err)
		}
		return nil
	})
}

// CountAgentsByStatus returns agent counts keyed by status.
func (s *Store) CountAgentsByStatus(ctx context.Context, orgID string) (map[string]int64, error) {
	return s.countBy(ctx, `SELECT status, COUNT(*) FROM agents WHERE organization_id = ? GROUP BY status`, orgID)
}

// CountAllAgentsByStatus returns agent counts keyed by status across every
// organization.
func (s *Store) CountAllAgentsByStatus(ctx context.Context) (map[string]int64, error) {
	return s.countBy(ctx, `SELECT status, COUNT(*) FROM agents GROUP BY status`)
}

func (s *Store) countBy(ctx context.Context, query string, args ...any) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("count by: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var k string
		var n int64
		if err := rows.Scan(&k, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[k] = n
	}
	return out, rows.Err()
}

func (s *Store) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("exists: %w", err)
	}
	return true, nil
}
