package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/xtxerr/spectra/internal/errors"
)

// Granularity is the time bucket size used for aggregation.
type Granularity int

const (
	// Hourly buckets start on the hour.
	Hourly Granularity = iota + 1

	// Daily buckets start at 00:00 UTC.
	Daily

	// Weekly buckets start at 00:00 UTC on the configured first day of week.
	Weekly

	// Monthly buckets start on the first calendar day and span the
	// month's actual number of days.
	Monthly
)

// String returns the string representation of the granularity.
func (g Granularity) String() string {
	switch g {
	case Hourly:
		return "hourly"
	case Daily:
		return "daily"
	case Weekly:
		return "weekly"
	case Monthly:
		return "monthly"
	default:
		return fmt.Sprintf("unknown(%d)", int(g))
	}
}

// Valid reports whether g is a defined granularity.
func (g Granularity) Valid() bool {
	return g >= Hourly && g <= Monthly
}

// Truncate returns the start of the bucket containing ts, in UTC.
// weekStart is only used by Weekly.
func (g Granularity) Truncate(ts time.Time, weekStart time.Weekday) time.Time {
	ts = ts.UTC()
	switch g {
	case Hourly:
		return ts.Truncate(time.Hour)
	case Daily:
		return time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
	case Weekly:
		offset := (int(ts.Weekday()) - int(weekStart) + 7) % 7
		day := ts.AddDate(0, 0, -offset)
		return time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	case Monthly:
		return time.Date(ts.Year(), ts.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return ts
	}
}

// End returns the exclusive end of the bucket starting at start.
func (g Granularity) End(start time.Time) time.Time {
	switch g {
	case Hourly:
		return start.Add(time.Hour)
	case Daily:
		return start.AddDate(0, 0, 1)
	case Weekly:
		return start.AddDate(0, 0, 7)
	case Monthly:
		return start.AddDate(0, 1, 0)
	default:
		return start
	}
}

// Width returns the width of the bucket starting at start. Only Monthly
// varies with start.
func (g Granularity) Width(start time.Time) time.Duration {
	return g.End(start).Sub(start)
}

// MaxWidth returns the widest bucket g produces.
func (g Granularity) MaxWidth() time.Duration {
	switch g {
	case Hourly:
		return time.Hour
	case Daily:
		return 24 * time.Hour
	case Weekly:
		return 7 * 24 * time.Hour
	case Monthly:
		return 31 * 24 * time.Hour
	default:
		return 0
	}
}

// ParseGranularity parses a string into a Granularity.
func ParseGranularity(s string) (Granularity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hourly", "hour", "1h":
		return Hourly, nil
	case "daily", "day", "1d":
		return Daily, nil
	case "weekly", "week", "1w":
		return Weekly, nil
	case "monthly", "month":
		return Monthly, nil
	default:
		return 0, fmt.Errorf("%w: %q", errors.ErrInvalidGranularity, s)
	}
}

// AllGranularities returns all granularities in order.
func AllGranularities() []Granularity {
	return []Granularity{Hourly, Daily, Weekly, Monthly}
}

// ParseWeekday parses a weekday name such as "monday" or "sun".
func ParseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || s == name[:3] {
			return d, nil
		}
	}
	return time.Sunday, fmt.Errorf("%w: unknown weekday %q", errors.ErrInvalidConfig, s)
}
