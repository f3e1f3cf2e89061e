package bucket

import (
	"math"

	"github.com/DataDog/sketches-go/ddsketch"
)

const defaultAccuracy = 0.01

// accumulator keeps running statistics for a single bucket.
// It is used by one goroutine at a time and needs no locking.
type accumulator struct {
	count int64
	sum   float64
	min   float64
	max   float64

	// nil if percentiles are disabled
	sketch *ddsketch.DDSketch
}

func newAccumulator(opts Options) *accumulator {
	acc := &accumulator{
		min: math.MaxFloat64,
		max: -math.MaxFloat64,
	}

	if opts.Percentiles {
		accuracy := opts.Accuracy
		if accuracy <= 0 || accuracy >= 1 {
			accuracy = defaultAccuracy
		}
		sketch, err := ddsketch.NewDefaultDDSketch(accuracy)
		if err == nil {
			acc.sketch = sketch
		}
	}

	return acc
}

func (a *accumulator) add(value float64) {
	a.count++
	a.sum += value

	if value < a.min {
		a.min = value
	}
	if value > a.max {
		a.max = value
	}

	if a.sketch != nil {
		// DDSketch rejects values outside its indexable range; the basic
		// statistics still count them.
		_ = a.sketch.Add(value)
	}
}

// fill copies the statistics into b. Empty accumulators leave the optional
// fields nil.
func (a *accumulator) fill(b *Bucket) {
	b.Count = a.count
	b.Sum = a.sum

	if a.count == 0 {
		return
	}

	mean := a.sum / float64(a.count)
	lo, hi := a.min, a.max
	b.Mean = &mean
	b.Min = &lo
	b.Max = &hi

	if a.sketch != nil && !a.sketch.IsEmpty() {
		b.P50 = quantile(a.sketch, 0.50)
		b.P90 = quantile(a.sketch, 0.90)
		b.P95 = quantile(a.sketch, 0.95)
		b.P99 = quantile(a.sketch, 0.99)
	}
}

func quantile(s *ddsketch.DDSketch, q float64) *float64 {
	v, err := s.GetValueAtQuantile(q)
	if err != nil {
		return nil
	}
	return &v
}
