// Package metrics answers chart queries over agent metric samples.
//
// Samples come from the metastore and, for ranges that reach past the raw
// retention, from the Parquet archive. They are grouped by metric type and
// run through the bucketing engine.
package metrics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/xtxerr/enginedash/config"
	"github.com/xtxerr/enginedash/internal/archive"
	"github.com/xtxerr/enginedash/internal/bucket"
	"github.com/xtxerr/enginedash/internal/errors"
	"github.com/xtxerr/enginedash/internal/hash"
	"github.com/xtxerr/enginedash/internal/logging"
	"github.com/xtxerr/enginedash/internal/store"
)

var log = logging.Component("metrics")

// SampleStore reads live samples. Implemented by *store.Store.
type SampleStore interface {
	QueryMetrics(ctx context.Context, f store.MetricFilter) ([]*store.MetricSample, error)
}

// ArchiveReader reads archived samples. Implemented by *archive.Archiver.
type ArchiveReader interface {
	Cutoff(now time.Time) time.Time
	Query(ctx context.Context, q archive.Query) ([]*store.MetricSample, error)
}

// Config tunes the service.
type Config struct {
	// MaxBuckets rejects queries producing more buckets per series.
	MaxBuckets int64

	// Accuracy is the DDSketch relative accuracy for percentiles.
	Accuracy float64
}

// DefaultConfig returns the default service configuration.
func DefaultConfig() Config {
	return Config{
		MaxBuckets: config.DefaultMaxBuckets,
		Accuracy:   config.DefaultPercentileAccuracy,
	}
}

// MetricQuery selects the samples of one agent and how to bucket them.
type MetricQuery struct {
	AgentID string

	// MetricType restricts the result to one series. Empty returns one
	// series per metric type found.
	MetricType string

	Range TimeRange

	// Interval is the bucket width. Nil picks DefaultIntervalForRange.
	Interval *Interval

	// Now anchors the range. Zero means the current time.
	Now time.Time

	// Start and End, when both set, replace Range with an explicit
	// half-open window.
	Start time.Time
	End   time.Time

	Percentiles bool
}

// Series is the bucketed data of one metric type.
type Series struct {
	MetricType string
	Unit       string
	Buckets    []bucket.Bucket
}

// Result is the answer to a MetricQuery.
type Result struct {
	Series []Series

	// Total is the number of raw samples inside the range.
	Total int

	Interval Interval
	Range    TimeRange
	Start    time.Time
	End      time.Time

	// ETag identifies the content of the result.
	ETag string
}

// Service runs metric queries.
type Service struct {
	store   SampleStore
	archive ArchiveReader
	cfg     Config
}

// NewService creates a query service. ar may be nil when archiving is
// disabled.
func NewService(st SampleStore, ar ArchiveReader, cfg Config) *Service {
	if cfg.MaxBuckets <= 0 {
		cfg.MaxBuckets = config.DefaultMaxBuckets
	}
	if cfg.Accuracy <= 0 {
		cfg.Accuracy = config.DefaultPercentileAccuracy
	}
	return &Service{store: st, archive: ar, cfg: cfg}
}

// Window returns the half-open range a query covers. The end is the query
// time rounded up to the next whole second, so a sample taken "now" is
// included.
func (q MetricQuery) Window() (time.Time, time.Time) {
	if !q.Start.IsZero() && !q.End.IsZero() {
		return q.Start.UTC(), q.End.UTC()
	}
	now := q.Now
	if now.IsZero() {
		now = time.Now()
	}
	end := now.UTC().Truncate(time.Second).Add(time.Second)
	return end.Add(-q.Range.Duration()), end
}

// Query fetches and buckets the samples selected by q.
func (s *Service) Query(ctx context.Context, q MetricQuery) (*Result, error) {
	if q.AgentID == "" {
		return nil, errors.NewMissingField("agentId")
	}

	start, end := q.Window()

	interval := DefaultIntervalForRange(end.Sub(start))
	if q.Interval != nil {
		interval = *q.Interval
	}
	width := interval.Duration()

	n, err := bucket.Count(start, end, width)
	if err != nil {
		return nil, err
	}
	if n > s.cfg.MaxBuckets {
		return nil, fmt.Errorf("%d buckets exceed the limit of %d, use a wider interval: %w",
			n, s.cfg.MaxBuckets, errors.ErrInvalidInterval)
	}

	samples, err := s.fetch(ctx, q, start, end)
	if err != nil {
		return nil, err
	}

	grouped := groupByType(samples, start, end)
	if q.MetricType != "" && len(grouped) == 0 {
		grouped = []group{{metricType: q.MetricType}}
	}

	res := &Result{
		Interval: interval,
		Range:    q.Range,
		Start:    start,
		End:      end,
		Series:   make([]Series, 0, len(grouped)),
	}

	opts := bucket.Options{Percentiles: q.Percentiles, Accuracy: s.cfg.Accuracy, MaxBuckets: s.cfg.MaxBuckets}
	for _, g := range grouped {
		buckets, err := bucket.Compute(g.samples, start, end, width, opts)
		if err != nil {
			return nil, err
		}
		res.Total += len(g.samples)
		res.Series = append(res.Series, Series{
			MetricType: g.metricType,
			Unit:       g.unit,
			Buckets:    buckets,
		})
	}

	res.ETag = etag(q, res)
	return res, nil
}

// fetch reads live samples first and archived samples second. A sample
// moved by an archive run between the two reads shows up in both and is
// removed from the archived set.
func (s *Service) fetch(ctx context.Context, q MetricQuery, start, end time.Time) ([]*store.MetricSample, error) {
	sinceMs := start.UnixMilli()
	untilMs := ceilMilli(end)

	live, err := s.store.QueryMetrics(ctx, store.MetricFilter{
		AgentID:    q.AgentID,
		MetricType: q.MetricType,
		SinceMs:    sinceMs,
		UntilMs:    untilMs,
	})
	if err != nil {
		return nil, errors.Wrap(err, "query live samples")
	}

	if s.archive == nil {
		return live, nil
	}
	now := q.Now
	if now.IsZero() {
		now = time.Now()
	}
	cutoff := s.archive.Cutoff(now.UTC())
	if !start.Before(cutoff) {
		return live, nil
	}

	archived, err := s.archive.Query(ctx, archive.Query{
		AgentID:    q.AgentID,
		MetricType: q.MetricType,
		SinceMs:    sinceMs,
		UntilMs:    min(untilMs, ceilMilli(cutoff)),
	})
	if err != nil {
		return nil, errors.Wrap(err, "query archived samples")
	}
	if len(archived) > 0 {
		log.Debug("archive samples merged", "agent_id", q.AgentID, "archived", len(archived), "live", len(live))
	}

	return mergeSamples(live, archived), nil
}

type sampleKey struct {
	metricType string
	ts         int64
	value      float64
	unit       string
}

// mergeSamples appends the archived samples not already present in live.
// Occurrences are counted, so identical samples repeated within one source
// are not collapsed.
func mergeSamples(live, archived []*store.MetricSample) []*store.MetricSample {
	if len(archived) == 0 {
		return live
	}

	seen := make(map[sampleKey]int, len(live))
	for _, m := range live {
		seen[sampleKey{m.MetricType, m.TimestampMs, m.Value, m.Unit}]++
	}

	out := make([]*store.MetricSample, 0, len(live)+len(archived))
	out = append(out, live...)
	for _, m := range archived {
		k := sampleKey{m.MetricType, m.TimestampMs, m.Value, m.Unit}
		if seen[k] > 0 {
			seen[k]--
			continue
		}
		out = append(out, m)
	}
	return out
}

type group struct {
	metricType string
	unit       string
	samples    []bucket.Sample
}

// groupByType converts samples inside [start, end) to engine samples, one
// group per metric type in name order.
func groupByType(samples []*store.MetricSample, start, end time.Time) []group {
	idx := make(map[string]int)
	var groups []group

	for _, m := range samples {
		ts := time.UnixMilli(m.TimestampMs).UTC()
		if ts.Before(start) || !ts.Before(end) {
			continue
		}

		i, ok := idx[m.MetricType]
		if !ok {
			i = len(groups)
			idx[m.MetricType] = i
			groups = append(groups, group{metricType: m.MetricType})
		}
		g := &groups[i]
		if m.Unit != "" {
			g.unit = m.Unit
		}
		g.samples = append(g.samples, bucket.Sample{Timestamp: ts, Value: m.Value, Tags: m.Tags})
	}

	sort.Slice(groups, func(i, j int) bool {
		return groups[i].metricType < groups[j].metricType
	})
	return groups
}

func etag(q MetricQuery, res *Result) string {
	h := hash.New().
		String(q.AgentID).
		String(q.MetricType).
		Time(res.Start).
		Time(res.End).
		String(res.Interval.String()).
		Bool(q.Percentiles)

	for _, s := range res.Series {
		h.String(s.MetricType).String(s.Unit)
		for i := range s.Buckets {
			b := &s.Buckets[i]
			h.Int64(b.Index).
				Int64(b.Count).
				Float(b.Sum).
				OptionalFloat(b.Min).
				OptionalFloat(b.Max).
				OptionalFloat(b.P50).
				OptionalFloat(b.P90).
				OptionalFloat(b.P95).
				OptionalFloat(b.P99)
		}
	}
	return h.ETag()
}

func ceilMilli(t time.Time) int64 {
	ms := t.UnixMilli()
	if time.UnixMilli(ms).Before(t) {
		ms++
	}
	return ms
}
