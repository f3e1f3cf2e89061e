// Package bucket turns raw timestamped samples into fixed-width,
// epoch-aligned buckets suitable for charting.
//
// Bucket boundaries are multiples of the width counted from the Unix epoch
// (UTC), never from the first sample or from the range start. The same
// timestamp therefore always falls into the same bucket, whatever range a
// client asks for, and adjacent queries stitch together without seams.
//
// Compute is a pure function: it holds no state, performs no I/O and is safe
// for concurrent use. The order of the input samples never changes the
// result.
package bucket

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/xtxerr/enginedash/internal/errors"
)

// Sample is a single timestamped measurement.
type Sample struct {
	Timestamp time.Time
	Value     float64
	Tags      map[string]string
}

// Bucket holds the statistics of the samples in the half-open interval
// [Start, End).
//
// Start and End are clipped to the requested range, so only the first and
// last bucket of a series can be narrower than the width. AlignedStart is the
// unclipped epoch-aligned boundary and, together with Index, is stable across
// queries.
type Bucket struct {
	Index        int64
	AlignedStart time.Time
	Start        time.Time
	End          time.Time

	Count int64
	Sum   float64

	// Nil when Count is zero.
	Mean *float64
	Min  *float64
	Max  *float64

	// Nil unless percentiles were requested and Count is non-zero.
	P50 *float64
	P90 *float64
	P95 *float64
	P99 *float64
}

// IsEmpty returns true if no samples fell into the bucket.
func (b *Bucket) IsEmpty() bool {
	return b.Count == 0
}

// HasPercentiles returns true if percentile data is available.
func (b *Bucket) HasPercentiles() bool {
	return b.P50 != nil
}

// InvalidRangeError reports a range or width the engine cannot bucket.
type InvalidRangeError struct {
	Start time.Time
	End   time.Time
	Width time.Duration

	// Buckets and Limit are set when the range holds more buckets than
	// Options.MaxBuckets allows.
	Buckets int64
	Limit   int64
}

func (e *InvalidRangeError) Error() string {
	if e.Limit > 0 {
		return fmt.Sprintf("range holds %d buckets of %s, limit is %d", e.Buckets, e.Width, e.Limit)
	}
	if e.Width <= 0 {
		return fmt.Sprintf("invalid bucket width %s", e.Width)
	}
	return fmt.Sprintf("invalid range [%s, %s): start must be before end",
		e.Start.UTC().Format(time.RFC3339Nano), e.End.UTC().Format(time.RFC3339Nano))
}

// Unwrap makes InvalidRangeError match errors.ErrInvalidRange.
func (e *InvalidRangeError) Unwrap() error {
	return errors.ErrInvalidRange
}

// Options tunes a Compute call.
type Options struct {
	// Percentiles enables p50/p90/p95/p99 per non-empty bucket.
	Percentiles bool

	// Accuracy is the relative accuracy of the percentile sketch.
	// Zero means 0.01.
	Accuracy float64

	// MaxBuckets bounds the output length. Zero means no bound, in which
	// case the caller must keep width and range sensible: the output is
	// allocated up front.
	MaxBuckets int64
}

func validate(rangeStart, rangeEnd time.Time, width time.Duration) error {
	if width <= 0 || !rangeStart.Before(rangeEnd) {
		return &InvalidRangeError{Start: rangeStart, End: rangeEnd, Width: width}
	}
	return nil
}

// Count returns the number of buckets Compute would emit for the range.
func Count(rangeStart, rangeEnd time.Time, width time.Duration) (int64, error) {
	if err := validate(rangeStart, rangeEnd, width); err != nil {
		return 0, err
	}
	first, last := indexSpan(rangeStart, rangeEnd, width)
	return last - first, nil
}

// Index returns the epoch-aligned bucket index of ts. A timestamp exactly on
// a boundary belongs to the bucket starting there.
func Index(ts time.Time, width time.Duration) int64 {
	return floorDiv(ts.UnixNano(), int64(width))
}

// AlignedStart returns the start of the bucket with the given index.
func AlignedStart(index int64, width time.Duration) time.Time {
	return time.Unix(0, index*int64(width)).UTC()
}

// indexSpan returns the half-open index interval [first, last) covering
// [rangeStart, rangeEnd).
func indexSpan(rangeStart, rangeEnd time.Time, width time.Duration) (first, last int64) {
	w := int64(width)
	return floorDiv(rangeStart.UnixNano(), w), ceilDiv(rangeEnd.UnixNano(), w)
}

// Compute buckets samples over [rangeStart, rangeEnd) at the given width.
//
// Samples outside the range are discarded. Every bucket index from
// floor(rangeStart/width) to ceil(rangeEnd/width) is emitted in ascending
// order, empty ones included. The only error is *InvalidRangeError, also
// returned when opts.MaxBuckets is exceeded.
func Compute(samples []Sample, rangeStart, rangeEnd time.Time, width time.Duration, opts Options) ([]Bucket, error) {
	if err := validate(rangeStart, rangeEnd, width); err != nil {
		return nil, err
	}

	first, last := indexSpan(rangeStart, rangeEnd, width)
	if opts.MaxBuckets > 0 && last-first > opts.MaxBuckets {
		return nil, &InvalidRangeError{Start: rangeStart, End: rangeEnd, Width: width,
			Buckets: last - first, Limit: opts.MaxBuckets}
	}
	startNs := rangeStart.UnixNano()
	endNs := rangeEnd.UnixNano()

	inRange := make([]point, 0, len(samples))
	for i := range samples {
		ts := samples[i].Timestamp.UnixNano()
		if ts < startNs || ts >= endNs {
			continue
		}
		v := samples[i].Value
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		inRange = append(inRange, point{ts: ts, value: v})
	}

	// Floating point sums depend on addition order.
	sort.Slice(inRange, func(i, j int) bool {
		if inRange[i].ts != inRange[j].ts {
			return inRange[i].ts < inRange[j].ts
		}
		return inRange[i].value < inRange[j].value
	})

	out := make([]Bucket, 0, last-first)
	w := int64(width)
	p := 0
	for idx := first; idx < last; idx++ {
		aligned := idx * w
		b := Bucket{
			Index:        idx,
			AlignedStart: time.Unix(0, aligned).UTC(),
			Start:        time.Unix(0, max(aligned, startNs)).UTC(),
			End:          time.Unix(0, min(aligned+w, endNs)).UTC(),
		}

		acc := newAccumulator(opts)
		for p < len(inRange) && floorDiv(inRange[p].ts, w) == idx {
			acc.add(inRange[p].value)
			p++
		}
		acc.fill(&b)

		out = append(out, b)
	}

	return out, nil
}

type point struct {
	ts    int64
	value float64
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func ceilDiv(a, b int64) int64 {
	return -floorDiv(-a, b)
}
