// Package aggregate reduces spectral records into per-frequency statistics
// for hourly, daily, weekly and monthly buckets.
package aggregate

import (
	"fmt"
	"sort"
	"time"

	"github.com/xtxerr/spectra/internal/errors"
	"github.com/xtxerr/spectra/internal/logging"
	"github.com/xtxerr/spectra/internal/storage/types"
)

var log = logging.Component("aggregate")

// Options configures an Engine.
type Options struct {
	// WeekStart is the first day of weekly buckets. Default: Sunday.
	WeekStart time.Weekday

	// Range excludes records whose scanned range is not inside it.
	// A zero bound is open.
	Range types.FrequencyRange

	// Percentiles adds median and p90 of the average readings.
	Percentiles bool

	// Accuracy is the relative accuracy of the percentile sketch.
	// Default: 0.01.
	Accuracy float64
}

// Engine is the aggregation engine. It holds no state between calls and is
// safe for concurrent use.
type Engine struct {
	opts Options
}

// NewEngine creates an engine.
func NewEngine(opts Options) *Engine {
	if opts.Accuracy <= 0 || opts.Accuracy >= 1 {
		opts.Accuracy = 0.01
	}
	return &Engine{opts: opts}
}

// WeekStart returns the configured first day of week.
func (e *Engine) WeekStart() time.Weekday {
	return e.opts.WeekStart
}

// rangeGroup is all records of one (start, stop) range inside one bucket.
type rangeGroup struct {
	key     types.FrequencyRange
	records []*types.SpectralRecord
}

// bucketGroup is all records of one bucket.
type bucketGroup struct {
	start  time.Time
	ranges map[types.FrequencyRange]*rangeGroup
}

// Aggregate groups samples by bucket and frequency range and computes the
// statistics of every frequency slot. The input is validated completely
// before any bucket is produced; on error no output is returned.
func (e *Engine) Aggregate(samples []*types.SpectralRecord, g types.Granularity, stationID string) ([]*types.AggregateBucket, error) {
	if stationID == "" {
		return nil, errors.ErrMissingStation
	}
	if !g.Valid() {
		return nil, fmt.Errorf("%w: %d", errors.ErrInvalidGranularity, int(g))
	}

	groups, err := e.group(samples, g)
	if err != nil {
		return nil, err
	}

	buckets := make([]*types.AggregateBucket, 0, len(groups))
	for _, bg := range groups {
		bucket := types.NewAggregateBucket(stationID, g, bg.start)
		for _, rg := range sortedRanges(bg.ranges) {
			e.reduce(bucket.Bands, rg)
		}
		buckets = append(buckets, bucket)
	}

	log.Debug("aggregated",
		"station", stationID,
		"granularity", g,
		"records", len(samples),
		"buckets", len(buckets))

	return buckets, nil
}

// group buckets the records and checks that each range group has a
// consistent readings length. Buckets are returned in time order.
func (e *Engine) group(samples []*types.SpectralRecord, g types.Granularity) ([]*bucketGroup, error) {
	byStart := make(map[int64]*bucketGroup)

	for i, rec := range samples {
		if rec == nil {
			return nil, fmt.Errorf("%w: sample %d is nil", errors.ErrInvalidRecord, i)
		}
		if err := rec.Validate(); err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}

		key := rec.RangeKey()
		if !e.opts.Range.Contains(key) {
			continue
		}

		start := g.Truncate(rec.Timestamp, e.opts.WeekStart)
		bg, ok := byStart[start.UnixNano()]
		if !ok {
			bg = &bucketGroup{start: start, ranges: make(map[types.FrequencyRange]*rangeGroup)}
			byStart[start.UnixNano()] = bg
		}

		rg, ok := bg.ranges[key]
		if !ok {
			rg = &rangeGroup{key: key}
			bg.ranges[key] = rg
		} else if want := len(rg.records[0].Readings); len(rec.Readings) != want {
			return nil, errors.LengthMismatch(key.StartHz, key.StopHz, want, len(rec.Readings))
		}
		rg.records = append(rg.records, rec)
	}

	out := make([]*bucketGroup, 0, len(byStart))
	for _, bg := range byStart {
		out = append(out, bg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].start.Before(out[j].start) })
	return out, nil
}

func sortedRanges(m map[types.FrequencyRange]*rangeGroup) []*rangeGroup {
	out := make([]*rangeGroup, 0, len(m))
	for _, rg := range m {
		out = append(out, rg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].key.StartHz != out[j].key.StartHz {
			return out[i].key.StartHz < out[j].key.StartHz
		}
		return out[i].key.StopHz < out[j].key.StopHz
	})
	return out
}

// reduce computes the statistics of one range group and merges them into
// the bucket index. When two slots land on the same frequency, statistics
// of the later one replace those of the same kind.
func (e *Engine) reduce(index *types.FrequencyIndex, rg *rangeGroup) {
	n := len(rg.records[0].Readings)

	// cols[kind][slot]
	var cols [3][]*series
	for _, rec := range rg.records {
		k := rec.ReadingKind
		if cols[k] == nil {
			cols[k] = make([]*series, n)
			for i := range cols[k] {
				cols[k][i] = newSeries(len(rg.records), e.opts.Percentiles && k == types.ReadingAverage, e.opts.Accuracy)
			}
		}
		for i, v := range rec.Readings {
			cols[k][i].add(float64(v))
		}
	}

	for i := 0; i < n; i++ {
		freq := types.SlotFrequency(rg.key.StartHz, rg.key.StopHz, n, i)

		band := index.Lookup(freq)
		if band == nil {
			band = types.NewFrequencyBand(freq)
			// Lookup just missed, so Add cannot collide.
			_ = index.Add(band)
		}

		for k, col := range cols {
			if col == nil {
				continue
			}
			s := col[i]
			if s.rejected > 0 {
				log.Debug("percentiles skipped, readings outside sketch range",
					"frequency", freq,
					"rejected", s.rejected)
			}
			setStatistics(band, types.ReadingKind(k), s)
			band.ObserveCount(len(s.values))
		}
	}
}

func setStatistics(band *types.FrequencyBand, kind types.ReadingKind, s *series) {
	avg := Average(s.values)
	sd := StandardDeviation(s.values, avg)

	switch kind {
	case types.ReadingMaximum:
		band.Set(types.StatMaximum, Maximum(s.values))
		band.Set(types.StatAverageOfMaximum, avg)
		band.Set(types.StatStdDevOfMaximum, sd)
	case types.ReadingMinimum:
		band.Set(types.StatMinimum, Minimum(s.values))
		band.Set(types.StatAverageOfMinimum, avg)
		band.Set(types.StatStdDevOfMinimum, sd)
	case types.ReadingAverage:
		band.Set(types.StatAverage, avg)
		band.Set(types.StatStdDevOfAverage, sd)
		if v, ok := s.quantile(0.5); ok {
			band.Set(types.StatMedianOfAverage, v)
		}
		if v, ok := s.quantile(0.9); ok {
			band.Set(types.StatP90OfAverage, v)
		}
	}
}
