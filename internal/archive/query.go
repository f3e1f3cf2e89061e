package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/xtxerr/enginedash/internal/store"
)

// Query selects archived samples of one agent. The time bounds are
// half-open: SinceMs <= timestamp_ms < UntilMs.
type Query struct {
	AgentID    string
	MetricType string
	SinceMs    int64
	UntilMs    int64
}

// Query reads archived samples through DuckDB's read_parquet, ordered by
// timestamp. Only the day files overlapping the range are scanned.
func (a *Archiver) Query(ctx context.Context, q Query) ([]*store.MetricSample, error) {
	if a.db == nil || q.UntilMs <= q.SinceMs {
		return nil, nil
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	paths := a.filesForRange(q.SinceMs, q.UntilMs)
	if len(paths) == 0 {
		return nil, nil
	}

	quoted := make([]string, len(paths))
	for i, p := range paths {
		quoted[i] = quoteLiteral(p)
	}

	// Table function arguments cannot be bound parameters. Day files written
	// before sample IDs existed lack the id column, hence union_by_name.
	query := `SELECT agent_id, organization_id, metric_type, value, unit, tags, timestamp_ms
		FROM read_parquet([` + strings.Join(quoted, ", ") + `], union_by_name = true)
		WHERE agent_id = ? AND timestamp_ms >= ? AND timestamp_ms < ?`
	args := []any{q.AgentID, q.SinceMs, q.UntilMs}

	if q.MetricType != "" {
		query += ` AND metric_type = ?`
		args = append(args, q.MetricType)
	}
	query += ` ORDER BY timestamp_ms, metric_type`

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query archive: %w", err)
	}
	defer rows.Close()

	var samples []*store.MetricSample
	for rows.Next() {
		m := &store.MetricSample{}
		var unit, tags sql.NullString
		if err := rows.Scan(&m.AgentID, &m.OrganizationID, &m.MetricType, &m.Value, &unit, &tags, &m.TimestampMs); err != nil {
			return nil, fmt.Errorf("scan archived metric: %w", err)
		}
		m.Unit = unit.String
		if tags.String != "" {
			if err := json.Unmarshal([]byte(tags.String), &m.Tags); err != nil {
				return nil, fmt.Errorf("unmarshal tags: %w", err)
			}
		}
		samples = append(samples, m)
	}
	return samples, rows.Err()
}

// filesForRange returns the existing day files overlapping [sinceMs, untilMs).
func (a *Archiver) filesForRange(sinceMs, untilMs int64) []string {
	first := time.UnixMilli(sinceMs).UTC().Truncate(24 * time.Hour)
	last := time.UnixMilli(untilMs - 1).UTC().Truncate(24 * time.Hour)

	var paths []string
	for day := first; !day.After(last); day = day.AddDate(0, 0, 1) {
		path := a.dayPath(day.Format(dayLayout))
		if _, err := os.Stat(path); err == nil {
			paths = append(paths, path)
		}
	}
	return paths
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
