package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/xtxerr/enginedash/internal/constants"
)

// Session is one working session of an agent. UserID is the user who opened
// it; Username is joined from users when reading. The request counters are
// reported by the agent when the session ends.
type Session struct {
	ID             string
	AgentID        string
	OrganizationID string
	UserID         string
	Username       string
	SessionType    string
	Status         string
	Metadata       map[string]any
	StartedAt      time.Time
	EndedAt        *time.Time
	DurationMs     *int64
	RequestCount   int64
	TotalTokens    int64
	AvgLatencyMs   *float64
	ErrorCount     int64
}

// SessionEnd carries the final status and counters of a session.
type SessionEnd struct {
	Status       string
	RequestCount int64
	TotalTokens  int64
	AvgLatencyMs *float64
	ErrorCount   int64
}

// SessionFilter selects sessions of one agent.
type SessionFilter struct {
	AgentID string
	Status  string
	Limit   int
	Offset  int
}

func (f SessionFilter) where() (string, []any) {
	where := " WHERE s.agent_id = ?"
	args := []any{f.AgentID}
	if f.Status != "" {
		where += " AND s.status = ?"
		args = append(args, f.Status)
	}
	return where, args
}

const sessionColumns = `s.id, s.agent_id, s.organization_id, s.user_id, u.username, s.session_type, s.status,
	s.metadata, s.started_at, s.ended_at, s.duration_ms,
	s.request_count, s.total_tokens, s.avg_latency_ms, s.error_count`

const sessionFrom = ` FROM agent_sessions s LEFT JOIN users u ON u.id = s.user_id`

// StartSession records a new active session and marks the agent BUSY,
// bumping its session counter and last activity. sess is reloaded with the
// stored row, including the username; the returned agent reflects the
// update.
func (s *Store) StartSession(ctx context.Context, orgID string, sess *Session) (*Agent, error) {
	if sess.ID == "" {
		sess.ID = newID()
	}
	sess.OrganizationID = orgID
	sess.Status = constants.SessionStatusActive
	now := s.now()
	sess.StartedAt = now

	metaJSON, err := marshalJSON(sess.Metadata)
	if err != nil {
		return nil, err
	}

	err = s.Transaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE agents
			SET status = ?, last_active = ?, total_sessions = total_sessions + 1,
			    updated_at = ?, version = version + 1
			WHERE organization_id = ? AND id = ?
		`, constants.AgentStatusBusy, now, now, orgID, sess.AgentID)
		if err != nil {
			return fmt.Errorf("update agent: %w", err)
		}
		if err := checkAffected(res, ErrAgentNotFound, nil); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO agent_sessions (id, agent_id, organization_id, user_id, session_type, status, metadata, started_at,
			                            request_count, total_tokens, error_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0)
		`, sess.ID, sess.AgentID, orgID, optionalString(sess.UserID), sess.SessionType, sess.Status, metaJSON, now)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	stored, err := s.GetSession(ctx, orgID, sess.AgentID, sess.ID)
	if err != nil {
		return nil, err
	}
	*sess = *stored

	return s.GetAgent(ctx, orgID, sess.AgentID)
}

// EndSession closes an active session with its final status and counters,
// then recomputes the agent's request aggregates over its ended sessions.
// The agent goes back to IDLE when it has no other active session and is
// currently BUSY.
func (s *Store) EndSession(ctx context.Context, orgID, agentID, sessionID string, end SessionEnd) (*Session, error) {
	now := s.now()

	err := s.Transaction(ctx, func(tx *sql.Tx) error {
		var current string
		var startedAt time.Time
		err := tx.QueryRowContext(ctx, `
			SELECT status, started_at FROM agent_sessions
			WHERE organization_id = ? AND agent_id = ? AND id = ?
		`, orgID, agentID, sessionID).Scan(&current, &startedAt)
		if err == sql.ErrNoRows {
			return ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("query session: %w", err)
		}
		if current != constants.SessionStatusActive {
			return ErrSessionEnded
		}

		duration := now.Sub(startedAt).Milliseconds()
		if duration < 0 {
			duration = 0
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE agent_sessions
			SET status = ?, ended_at = ?, duration_ms = ?,
			    request_count = ?, total_tokens = ?, avg_latency_ms = ?, error_count = ?
			WHERE id = ?
		`, end.Status, now, duration,
			end.RequestCount, end.TotalTokens, optionalFloat(end.AvgLatencyMs), end.ErrorCount, sessionID); err != nil {
			return fmt.Errorf("update session: %w", err)
		}

		var active int64
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM agent_sessions WHERE agent_id = ? AND status = ?
		`, agentID, constants.SessionStatusActive).Scan(&active); err != nil {
			return fmt.Errorf("count active sessions: %w", err)
		}

		if err := refreshAgentStats(ctx, tx, agentID); err != nil {
			return err
		}

		if active == 0 {
			if _, err := tx.ExecContext(ctx, `
				UPDATE agents SET status = ?, last_active = ?, updated_at = ?, version = version + 1
				WHERE id = ? AND status = ?
			`, constants.AgentStatusIdle, now, now, agentID, constants.AgentStatusBusy); err != nil {
				return fmt.Errorf("update agent: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.GetSession(ctx, orgID, agentID, sessionID)
}

// refreshAgentStats recomputes total_requests, avg_response_ms and
// success_rate from the agent's ended sessions. Latency is weighted by each
// session's request count.
func refreshAgentStats(ctx context.Context, tx *sql.Tx, agentID string) error {
	var requests int64
	var avgMs, successRate sql.NullFloat64
	err := tx.QueryRowContext(ctx, `
		SELECT
			CAST(COALESCE(SUM(request_count), 0) AS BIGINT),
			SUM(avg_latency_ms * GREATEST(request_count, 1))
				/ NULLIF(SUM(CASE WHEN avg_latency_ms IS NOT NULL THEN GREATEST(request_count, 1) END), 0),
			CAST(COUNT(*) FILTER (WHERE status = ?) AS DOUBLE) * 100 / NULLIF(COUNT(*), 0)
		FROM agent_sessions
		WHERE agent_id = ? AND status <> ?
	`, constants.SessionStatusCompleted, agentID, constants.SessionStatusActive).Scan(&requests, &avgMs, &successRate)
	if err != nil {
		return fmt.Errorf("aggregate sessions: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE agents SET total_requests = ?, avg_response_ms = ?, success_rate = ? WHERE id = ?
	`, requests, avgMs, successRate, agentID); err != nil {
		return fmt.Errorf("update agent stats: %w", err)
	}
	return nil
}

// MarkStaleAgentsOffline sets every agent whose last activity (or creation,
// when it never was active) is older than before to OFFLINE. Their active
// sessions end with TIMEOUT. Returns the agents that changed and the number
// of sessions timed out.
func (s *Store) MarkStaleAgentsOffline(ctx context.Context, before time.Time) ([]*Agent, int64, error) {
	now := s.now()

	type ref struct{ id, orgID string }
	var stale []ref
	var timedOut int64

	err := s.Transaction(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, organization_id FROM agents
			WHERE status <> ? AND COALESCE(last_active, created_at) < ?
			ORDER BY id
		`, constants.AgentStatusOffline, before)
		if err != nil {
			return fmt.Errorf("query stale agents: %w", err)
		}
		for rows.Next() {
			var r ref
			if err := rows.Scan(&r.id, &r.orgID); err != nil {
				rows.Close()
				return fmt.Errorf("scan stale agent: %w", err)
			}
			stale = append(stale, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, r := range stale {
			res, err := tx.ExecContext(ctx, `
				UPDATE agent_sessions
				SET status = ?, ended_at = ?, duration_ms = GREATEST(date_diff('millisecond', started_at, ?), 0)
				WHERE agent_id = ? AND status = ?
			`, constants.SessionStatusTimeout, now, now, r.id, constants.SessionStatusActive)
			if err != nil {
				return fmt.Errorf("time out sessions: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			timedOut += n

			if n > 0 {
				if err := refreshAgentStats(ctx, tx, r.id); err != nil {
					return err
				}
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE agents SET status = ?, updated_at = ?, version = version + 1 WHERE id = ?
			`, constants.AgentStatusOffline, now, r.id); err != nil {
				return fmt.Errorf("mark agent offline: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	agents := make([]*Agent, 0, len(stale))
	for _, r := range stale {
		a, err := s.GetAgent(ctx, r.orgID, r.id)
		if err != nil {
			return nil, 0, err
		}
		agents = append(agents, a)
	}
	return agents, timedOut, nil
}

// GetSession retrieves one session.
func (s *Store) GetSession(ctx context.Context, orgID, agentID, sessionID string) (*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+sessionFrom+`
		WHERE s.organization_id = ? AND s.agent_id = ? AND s.id = ?
	`, orgID, agentID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	sessions, err := scanSessions(rows)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, ErrSessionNotFound
	}
	return sessions[0], nil
}

// ListSessions returns sessions newest first.
func (s *Store) ListSessions(ctx context.Context, f SessionFilter) ([]*Session, error) {
	where, args := f.where()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+sessionFrom+where+` ORDER BY s.started_at DESC, s.id`+pageClause(f.Limit, f.Offset),
		args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	return scanSessions(rows)
}

// CountSessions returns the number of sessions matching the filter.
func (s *Store) CountSessions(ctx context.Context, f SessionFilter) (int64, error) {
	where, args := f.where()
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agent_sessions s`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

func scanSessions(rows *sql.Rows) ([]*Session, error) {
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess := &Session{}
		var userID, username, metaJSON sql.NullString
		var endedAt sql.NullTime
		var duration, requests, tokens, errs sql.NullInt64
		var avgLatency sql.NullFloat64

		if err := rows.Scan(
			&sess.ID, &sess.AgentID, &sess.OrganizationID, &userID, &username, &sess.SessionType, &sess.Status,
			&metaJSON, &sess.StartedAt, &endedAt, &duration,
			&requests, &tokens, &avgLatency, &errs,
		); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}

		if err := unmarshalJSON(metaJSON, &sess.Metadata); err != nil {
			return nil, err
		}
		sess.UserID = userID.String
		sess.Username = username.String
		sess.EndedAt = nullTime(endedAt)
		if duration.Valid {
			d := duration.Int64
			sess.DurationMs = &d
		}
		sess.RequestCount = requests.Int64
		sess.TotalTokens = tokens.Int64
		sess.ErrorCount = errs.Int64
		if avgLatency.Valid {
			v := avgLatency.Float64
			sess.AvgLatencyMs = &v
		}
		sessions = append(sessions, sess)
	}

	return sessions, rows.Err()
}
