package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xtxerr/enginedash/internal/archive"
	"github.com/xtxerr/enginedash/internal/bucket"
	apperrors "github.com/xtxerr/enginedash/internal/errors"
	"github.com/xtxerr/enginedash/internal/store"
)

// fakeStore filters like the real store: half-open on timestamp_ms.
type fakeStore struct {
	samples []*store.MetricSample
	err     error
	calls   int
}

func (f *fakeStore) QueryMetrics(_ context.Context, filter store.MetricFilter) ([]*store.MetricSample, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []*store.MetricSample
	for _, m := range f.samples {
		if m.AgentID != filter.AgentID {
			continue
		}
		if filter.MetricType != "" && m.MetricType != filter.MetricType {
			continue
		}
		if m.TimestampMs < filter.SinceMs || (filter.UntilMs > 0 && m.TimestampMs >= filter.UntilMs) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

type fakeArchive struct {
	retention time.Duration
	samples   []*store.MetricSample
	queries   []archive.Query
}

func (f *fakeArchive) Cutoff(now time.Time) time.Time { return now.Add(-f.retention) }

func (f *fakeArchive) Query(_ context.Context, q archive.Query) ([]*store.MetricSample, error) {
	f.queries = append(f.queries, q)
	var out []*store.MetricSample
	for _, m := range f.samples {
		if m.AgentID == q.AgentID && m.TimestampMs >= q.SinceMs && m.TimestampMs < q.UntilMs {
			out = append(out, m)
		}
	}
	return out, nil
}

var base = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

func sample(metricType string, offset time.Duration, v float64) *store.MetricSample {
	return &store.MetricSample{
		AgentID:     "a1",
		MetricType:  metricType,
		Value:       v,
		Unit:        "ms",
		TimestampMs: base.Add(offset).UnixMilli(),
	}
}

func intervalPtr(i Interval) *Interval { return &i }

func TestParseInterval(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"1m", time.Minute, false},
		{"5m", 5 * time.Minute, false},
		{"1h", time.Hour, false},
		{"1d", 24 * time.Hour, false},
		{"", 0, true},
		{"2m", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseInterval(tt.in)
			if tt.wantErr {
				if !errors.Is(err, apperrors.ErrInvalidInterval) {
					t.Errorf("expected ErrInvalidInterval, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got.Duration() != tt.want || got.String() != tt.in {
				t.Errorf("got %s (%s)", got, got.Duration())
			}
		})
	}
}

func TestParseTimeRange(t *testing.T) {
	tests := []struct {
		in      string
		want    TimeRange
		wantErr bool
	}{
		{"", Range24h, false},
		{"1h", Range1h, false},
		{"24h", Range24h, false},
		{"7d", Range7d, false},
		{"30d", Range30d, false},
		{"1y", Range24h, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTimeRange(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
			if tt.wantErr && !apperrors.IsValidation(err) {
				t.Error("unknown range must be a validation error")
			}
		})
	}
}

func TestDefaultIntervalForRange(t *testing.T) {
	tests := []struct {
		r    TimeRange
		want Interval
	}{
		{Range1h, Interval1m},
		{Range24h, Interval5m},
		{Range7d, Interval1h},
		{Range30d, Interval1h},
	}
	for _, tt := range tests {
		if got := DefaultIntervalForRange(tt.r.Duration()); got != tt.want {
			t.Errorf("%s: got %s, want %s", tt.r, got, tt.want)
		}
	}
}

func TestQuery_Scenario(t *testing.T) {
	st := &fakeStore{samples: []*store.MetricSample{
		sample("latency", 30*time.Second, 10),
		sample("latency", 70*time.Second, 20),
		sample("latency", 105*time.Second, 30),
	}}
	svc := NewService(st, nil, DefaultConfig())

	res, err := svc.Query(context.Background(), MetricQuery{
		AgentID:  "a1",
		Start:    base,
		End:      base.Add(2 * time.Minute),
		Interval: intervalPtr(Interval1m),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Series) != 1 || len(res.Series[0].Buckets) != 2 {
		t.Fatalf("unexpected shape: %+v", res.Series)
	}
	b := res.Series[0].Buckets
	if b[0].Count != 1 || *b[0].Mean != 10 {
		t.Errorf("bucket 0 = count %d mean %v", b[0].Count, *b[0].Mean)
	}
	if b[1].Count != 2 || *b[1].Mean != 25 {
		t.Errorf("bucket 1 = count %d mean %v", b[1].Count, *b[1].Mean)
	}
	if res.Total != 3 {
		t.Errorf("total = %d", res.Total)
	}
	if res.Series[0].Unit != "ms" {
		t.Errorf("unit = %q", res.Series[0].Unit)
	}
}

func TestQuery_RangeAnchoredOnNow(t *testing.T) {
	now := base.Add(10*time.Hour + 500*time.Millisecond)
	st := &fakeStore{samples: []*store.MetricSample{
		{AgentID: "a1", MetricType: "cpu", Value: 1, TimestampMs: now.UnixMilli()},
	}}
	svc := NewService(st, nil, DefaultConfig())

	res, err := svc.Query(context.Background(), MetricQuery{AgentID: "a1", Range: Range1h, Now: now})
	if err != nil {
		t.Fatal(err)
	}

	wantEnd := base.Add(10*time.Hour + time.Second)
	if !res.End.Equal(wantEnd) || !res.Start.Equal(wantEnd.Add(-time.Hour)) {
		t.Errorf("window = [%s, %s)", res.Start, res.End)
	}
	if res.Interval != Interval1m {
		t.Errorf("interval = %s", res.Interval)
	}
	// 1h at 1m with an unaligned end touches 61 buckets.
	if n := len(res.Series[0].Buckets); n != 61 {
		t.Errorf("buckets = %d", n)
	}
	if res.Total != 1 {
		t.Error("sample at now must be included")
	}
}

func TestQuery_GroupsByMetricType(t *testing.T) {
	st := &fakeStore{samples: []*store.MetricSample{
		sample("mem", time.Minute, 1),
		sample("cpu", time.Minute, 2),
		sample("cpu", 2*time.Minute, 4),
	}}
	svc := NewService(st, nil, DefaultConfig())

	res, err := svc.Query(context.Background(), MetricQuery{
		AgentID: "a1", Start: base, End: base.Add(time.Hour), Interval: intervalPtr(Interval1h),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Series) != 2 || res.Series[0].MetricType != "cpu" || res.Series[1].MetricType != "mem" {
		t.Fatalf("series = %+v", res.Series)
	}
	if *res.Series[0].Buckets[0].Mean != 3 {
		t.Errorf("cpu mean = %v", *res.Series[0].Buckets[0].Mean)
	}
}

func TestQuery_EmptySeriesForRequestedType(t *testing.T) {
	svc := NewService(&fakeStore{}, nil, DefaultConfig())

	res, err := svc.Query(context.Background(), MetricQuery{
		AgentID: "a1", MetricType: "cpu", Start: base, End: base.Add(5 * time.Minute), Interval: intervalPtr(Interval1m),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Series) != 1 || len(res.Series[0].Buckets) != 5 {
		t.Fatalf("series = %+v", res.Series)
	}
	for _, b := range res.Series[0].Buckets {
		if !b.IsEmpty() || b.Mean != nil {
			t.Error("expected empty buckets")
		}
	}
}

func TestQuery_Errors(t *testing.T) {
	dbErr := errors.New("db down")

	tests := []struct {
		name  string
		st    *fakeStore
		cfg   Config
		q     MetricQuery
		check func(error) bool
	}{
		{
			name:  "missing agent",
			st:    &fakeStore{},
			q:     MetricQuery{},
			check: apperrors.IsValidation,
		},
		{
			name: "inverted range",
			st:   &fakeStore{},
			q:    MetricQuery{AgentID: "a1", Start: base.Add(time.Hour), End: base},
			check: func(err error) bool {
				var ire *bucket.InvalidRangeError
				return errors.As(err, &ire) && errors.Is(err, apperrors.ErrInvalidRange)
			},
		},
		{
			name:  "too many buckets",
			st:    &fakeStore{},
			cfg:   Config{MaxBuckets: 10},
			q:     MetricQuery{AgentID: "a1", Range: Range1h, Interval: intervalPtr(Interval1m), Now: base},
			check: func(err error) bool { return errors.Is(err, apperrors.ErrInvalidInterval) },
		},
		{
			name:  "store error",
			st:    &fakeStore{err: dbErr},
			q:     MetricQuery{AgentID: "a1", Range: Range1h, Now: base},
			check: func(err error) bool { return errors.Is(err, dbErr) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.st, nil, tt.cfg)
			_, err := svc.Query(context.Background(), tt.q)
			if err == nil || !tt.check(err) {
				t.Errorf("unexpected error %v", err)
			}
		})
	}
}

func TestQuery_BucketGuardRunsBeforeFetch(t *testing.T) {
	st := &fakeStore{}
	svc := NewService(st, nil, Config{MaxBuckets: 1})

	_, _ = svc.Query(context.Background(), MetricQuery{AgentID: "a1", Range: Range24h, Now: base})
	if st.calls != 0 {
		t.Error("store must not be queried for a rejected request")
	}
}

func TestQuery_MergesArchive(t *testing.T) {
	now := base.Add(30 * 24 * time.Hour)
	old := &store.MetricSample{AgentID: "a1", MetricType: "cpu", Value: 5, TimestampMs: now.Add(-10 * 24 * time.Hour).UnixMilli()}
	moved := &store.MetricSample{AgentID: "a1", MetricType: "cpu", Value: 7, TimestampMs: now.Add(-3 * 24 * time.Hour).UnixMilli()}
	recent := &store.MetricSample{AgentID: "a1", MetricType: "cpu", Value: 9, TimestampMs: now.Add(-time.Hour).UnixMilli()}

	// "moved" is visible in both sources, as during a concurrent archive run.
	st := &fakeStore{samples: []*store.MetricSample{moved, recent}}
	ar := &fakeArchive{retention: 48 * time.Hour, samples: []*store.MetricSample{old, moved}}
	svc := NewService(st, ar, DefaultConfig())

	res, err := svc.Query(context.Background(), MetricQuery{AgentID: "a1", Range: Range30d, Now: now})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 3 {
		t.Errorf("total = %d, want 3", res.Total)
	}
	if len(ar.queries) != 1 {
		t.Fatalf("archive queried %d times", len(ar.queries))
	}
	cutoffMs := now.Add(-48 * time.Hour).UnixMilli()
	if ar.queries[0].UntilMs > cutoffMs {
		t.Errorf("archive query reaches past cutoff: %d > %d", ar.queries[0].UntilMs, cutoffMs)
	}

	// A range inside the raw retention does not touch the archive.
	if _, err := svc.Query(context.Background(), MetricQuery{AgentID: "a1", Range: Range24h, Now: now}); err != nil {
		t.Fatal(err)
	}
	if len(ar.queries) != 1 {
		t.Error("archive queried for a recent range")
	}
}

func TestMergeSamples_CountsOccurrences(t *testing.T) {
	a := sample("cpu", 0, 1)
	b := sample("cpu", 0, 1)
	c := sample("cpu", time.Second, 2)

	got := mergeSamples([]*store.MetricSample{a, b}, []*store.MetricSample{a, b, c})
	if len(got) != 3 {
		t.Errorf("expected 3 samples, got %d", len(got))
	}
}

func TestQuery_ETag(t *testing.T) {
	st := &fakeStore{samples: []*store.MetricSample{sample("cpu", time.Minute, 1)}}
	svc := NewService(st, nil, DefaultConfig())
	q := MetricQuery{AgentID: "a1", Start: base, End: base.Add(time.Hour)}

	r1, err := svc.Query(context.Background(), q)
	if err != nil {
		t.Fatal(err)
	}
	r2, _ := svc.Query(context.Background(), q)
	if r1.ETag == "" || r1.ETag != r2.ETag {
		t.Errorf("etag not stable: %q vs %q", r1.ETag, r2.ETag)
	}

	st.samples = append(st.samples, sample("cpu", 2*time.Minute, 5))
	r3, _ := svc.Query(context.Background(), q)
	if r3.ETag == r1.ETag {
		t.Error("etag must change with the data")
	}

	q.Percentiles = true
	r4, _ := svc.Query(context.Background(), q)
	if r4.ETag == r3.ETag {
		t.Error("etag must change with percentiles")
	}
}

func TestQuery_Percentiles(t *testing.T) {
	var samples []*store.MetricSample
	for i := 1; i <= 100; i++ {
		samples = append(samples, sample("lat", time.Duration(i)*time.Second, float64(i)))
	}
	svc := NewService(&fakeStore{samples: samples}, nil, DefaultConfig())

	res, err := svc.Query(context.Background(), MetricQuery{
		AgentID: "a1", Start: base, End: base.Add(time.Hour), Interval: intervalPtr(Interval1h), Percentiles: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	b := res.Series[0].Buckets[0]
	if !b.HasPercentiles() {
		t.Fatal("percentiles missing")
	}
	if p := *b.P50; p < 48 || p > 52 {
		t.Errorf("p50 = %v", p)
	}
}
