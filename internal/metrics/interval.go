package metrics

import (
	"fmt"
	"time"

	"github.com/xtxerr/enginedash/internal/errors"
)

// Interval is the width of a chart bucket.
type Interval int

const (
	Interval1m Interval = iota
	Interval5m
	Interval1h
	Interval1d
)

// String returns the wire name of the interval.
func (i Interval) String() string {
	switch i {
	case Interval1m:
		return "1m"
	case Interval5m:
		return "5m"
	case Interval1h:
		return "1h"
	case Interval1d:
		return "1d"
	default:
		return fmt.Sprintf("unknown(%d)", int(i))
	}
}

// Duration returns the bucket width.
func (i Interval) Duration() time.Duration {
	switch i {
	case Interval1m:
		return time.Minute
	case Interval5m:
		return 5 * time.Minute
	case Interval1h:
		return time.Hour
	case Interval1d:
		return 24 * time.Hour
	default:
		return 0
	}
}

// ParseInterval parses a wire name. The empty string is not accepted; use
// DefaultIntervalForRange when the client omits the interval.
func ParseInterval(s string) (Interval, error) {
	switch s {
	case "1m":
		return Interval1m, nil
	case "5m":
		return Interval5m, nil
	case "1h":
		return Interval1h, nil
	case "1d":
		return Interval1d, nil
	default:
		return Interval5m, fmt.Errorf("unknown interval %q (want 1m, 5m, 1h or 1d): %w", s, errors.ErrInvalidInterval)
	}
}

// TimeRange is how far back a chart reaches.
type TimeRange int

const (
	Range1h TimeRange = iota
	Range24h
	Range7d
	Range30d
)

// DefaultRange is used when the client omits the time range.
const DefaultRange = Range24h

// String returns the wire name of the range.
func (r TimeRange) String() string {
	switch r {
	case Range1h:
		return "1h"
	case Range24h:
		return "24h"
	case Range7d:
		return "7d"
	case Range30d:
		return "30d"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// Duration returns the length of the range.
func (r TimeRange) Duration() time.Duration {
	switch r {
	case Range1h:
		return time.Hour
	case Range24h:
		return 24 * time.Hour
	case Range7d:
		return 7 * 24 * time.Hour
	case Range30d:
		return 30 * 24 * time.Hour
	default:
		return 0
	}
}

// ParseTimeRange parses a wire name. Empty means DefaultRange.
func ParseTimeRange(s string) (TimeRange, error) {
	switch s {
	case "":
		return DefaultRange, nil
	case "1h":
		return Range1h, nil
	case "24h":
		return Range24h, nil
	case "7d":
		return Range7d, nil
	case "30d":
		return Range30d, nil
	default:
		return DefaultRange, fmt.Errorf("unknown time range %q (want 1h, 24h, 7d or 30d): %w", s, errors.ErrInvalidRange)
	}
}

// DefaultIntervalForRange picks a resolution that keeps a chart at no more
// than 720 points.
func DefaultIntervalForRange(d time.Duration) Interval {
	switch {
	case d <= time.Hour:
		return Interval1m
	case d <= 24*time.Hour:
		return Interval5m
	default:
		return Interval1h
	}
}
