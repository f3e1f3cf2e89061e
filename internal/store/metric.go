package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// MetricSample is one raw measurement reported by or about an agent. ID is
// assigned on insert and distinguishes samples whose values are identical.
type MetricSample struct {
	ID             string
	AgentID        string
	OrganizationID string
	MetricType     string
	Value          float64
	Unit           string
	Tags           map[string]string
	TimestampMs    int64
}

// MetricFilter selects raw samples. The time bounds are half-open:
// SinceMs <= timestamp_ms < UntilMs. Zero bounds are ignored.
type MetricFilter struct {
	AgentID    string
	MetricType string
	SinceMs    int64
	UntilMs    int64
	Limit      int
}

// maxSamplesPerInsert bounds the parameters of one multi-row INSERT.
// 8 columns * 100 rows = 800 parameters per statement.
const maxSamplesPerInsert = 100

const metricColumns = `agent_id, organization_id, metric_type, value, unit, tags, timestamp_ms, id`

// InsertMetrics inserts samples using multi-row INSERT statements, chunked
// inside a single transaction.
func (s *Store) InsertMetrics(ctx context.Context, samples []*MetricSample) error {
	if len(samples) == 0 {
		return nil
	}
	return s.Transaction(ctx, func(tx *sql.Tx) error {
		return insertMetricsChunked(ctx, tx, samples)
	})
}

func insertMetricsChunked(ctx context.Context, q queryer, samples []*MetricSample) error {
	for i := 0; i < len(samples); i += maxSamplesPerInsert {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(i+maxSamplesPerInsert, len(samples))

		query, args, err := buildMultiRowInsert(samples[i:end])
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert metrics: %w", err)
		}
	}
	return nil
}

// buildMultiRowInsert builds one INSERT with a VALUES tuple per sample.
func buildMultiRowInsert(samples []*MetricSample) (string, []any, error) {
	const columnsPerRow = 8

	args := make([]any, 0, len(samples)*columnsPerRow)

	var query strings.Builder
	query.Grow(100 + len(samples)*16)
	query.WriteString(`INSERT INTO agent_metrics (` + metricColumns + `) VALUES `)

	for i, m := range samples {
		if i > 0 {
			query.WriteByte(',')
		}
		query.WriteString("(?,?,?,?,?,?,?,?)")

		if m.ID == "" {
			m.ID = newID()
		}

		tagsJSON, err := marshalJSON(m.Tags)
		if err != nil {
			return "", nil, err
		}
		args = append(args,
			m.AgentID,
			m.OrganizationID,
			m.MetricType,
			m.Value,
			m.Unit,
			tagsJSON,
			m.TimestampMs,
			m.ID,
		)
	}

	return query.String(), args, nil
}

// QueryMetrics returns raw samples ordered by timestamp ascending.
func (s *Store) QueryMetrics(ctx context.Context, f MetricFilter) ([]*MetricSample, error) {
	query := `SELECT ` + metricColumns + ` FROM agent_metrics WHERE agent_id = ?`
	args := []any{f.AgentID}

	if f.MetricType != "" {
		query += ` AND metric_type = ?`
		args = append(args, f.MetricType)
	}
	if f.SinceMs > 0 {
		query += ` AND timestamp_ms >= ?`
		args = append(args, f.SinceMs)
	}
	if f.UntilMs > 0 {
		query += ` AND timestamp_ms < ?`
		args = append(args, f.UntilMs)
	}

	query += ` ORDER BY timestamp_ms, metric_type`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}

	capacity := f.Limit
	if capacity <= 0 {
		capacity = 256
	}
	return scanMetrics(rows, capacity)
}

// DrainMetricsBefore hands every raw sample older than beforeMs, oldest
// first, to fn and deletes them in the same transaction. Nothing is deleted
// when fn fails. Returns the number of rows removed.
func (s *Store) DrainMetricsBefore(ctx context.Context, beforeMs int64, fn func([]*MetricSample) error) (int64, error) {
	var deleted int64
	err := s.Transaction(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+metricColumns+` FROM agent_metrics WHERE timestamp_ms < ? ORDER BY timestamp_ms
		`, beforeMs)
		if err != nil {
			return fmt.Errorf("query old metrics: %w", err)
		}
		samples, err := scanMetrics(rows, 1024)
		if err != nil {
			return err
		}
		if len(samples) == 0 {
			return nil
		}

		if err := fn(samples); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM agent_metrics WHERE timestamp_ms < ?`, beforeMs)
		if err != nil {
			return fmt.Errorf("delete old metrics: %w", err)
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// DeleteMetricsBefore deletes raw samples older than beforeMs.
func (s *Store) DeleteMetricsBefore(ctx context.Context, beforeMs int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agent_metrics WHERE timestamp_ms < ?`, beforeMs)
	if err != nil {
		return 0, fmt.Errorf("delete old metrics: %w", err)
	}
	return res.RowsAffected()
}

// CountMetrics returns the number of raw samples stored for an agent.
func (s *Store) CountMetrics(ctx context.Context, agentID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agent_metrics WHERE agent_id = ?`, agentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count metrics: %w", err)
	}
	return n, nil
}

// OldestMetricMs returns the timestamp of the oldest raw sample, or zero.
func (s *Store) OldestMetricMs(ctx context.Context) (int64, error) {
	var oldest sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MIN(timestamp_ms) FROM agent_metrics`).Scan(&oldest); err != nil {
		return 0, fmt.Errorf("query oldest metric: %w", err)
	}
	return oldest.Int64, nil
}

func scanMetrics(rows *sql.Rows, capacity int) ([]*MetricSample, error) {
	defer rows.Close()

	samples := make([]*MetricSample, 0, capacity)
	for rows.Next() {
		m := &MetricSample{}
		var unit, tagsJSON, id sql.NullString
		if err := rows.Scan(&m.AgentID, &m.OrganizationID, &m.MetricType, &m.Value, &unit, &tagsJSON, &m.TimestampMs, &id); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		m.Unit = unit.String
		m.ID = id.String
		if err := unmarshalJSON(tagsJSON, &m.Tags); err != nil {
			return nil, err
		}
		samples = append(samples, m)
	}
	return samples, rows.Err()
}
