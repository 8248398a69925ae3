package types

import (
	"fmt"
	"time"
)

// Statistic names one value stored on a FrequencyBand.
type Statistic int

const (
	StatAverage Statistic = iota
	StatStdDevOfAverage
	StatMinimum
	StatAverageOfMinimum
	StatStdDevOfMinimum
	StatMaximum
	StatAverageOfMaximum
	StatStdDevOfMaximum
	StatMedianOfAverage
	StatP90OfAverage
)

var statisticNames = [...]string{
	StatAverage:          "average",
	StatStdDevOfAverage:  "stddev_of_average",
	StatMinimum:          "minimum",
	StatAverageOfMinimum: "average_of_minimum",
	StatStdDevOfMinimum:  "stddev_of_minimum",
	StatMaximum:          "maximum",
	StatAverageOfMaximum: "average_of_maximum",
	StatStdDevOfMaximum:  "stddev_of_maximum",
	StatMedianOfAverage:  "median_of_average",
	StatP90OfAverage:     "p90_of_average",
}

// String returns the column-style name of the statistic.
func (s Statistic) String() string {
	if s >= 0 && int(s) < len(statisticNames) {
		return statisticNames[s]
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// AllStatistics returns every statistic in column order.
func AllStatistics() []Statistic {
	out := make([]Statistic, len(statisticNames))
	for i := range statisticNames {
		out[i] = Statistic(i)
	}
	return out
}

// FrequencyBand holds the aggregated statistics of one frequency slot.
type FrequencyBand struct {
	StartFrequencyHz int64
	SampleCount      int64
	Values           map[Statistic]float64
}

// NewFrequencyBand creates an empty band for startHz.
func NewFrequencyBand(startHz int64) *FrequencyBand {
	return &FrequencyBand{
		StartFrequencyHz: startHz,
		Values:           make(map[Statistic]float64, 3),
	}
}

// Set stores a statistic value, replacing any previous one.
func (b *FrequencyBand) Set(s Statistic, v float64) {
	if b.Values == nil {
		b.Values = make(map[Statistic]float64, 3)
	}
	b.Values[s] = v
}

// Get returns a statistic value and whether it is present.
func (b *FrequencyBand) Get(s Statistic) (float64, bool) {
	v, ok := b.Values[s]
	return v, ok
}

// ObserveCount raises SampleCount to n if n is larger.
func (b *FrequencyBand) ObserveCount(n int) {
	if int64(n) > b.SampleCount {
		b.SampleCount = int64(n)
	}
}

// AggregateBucket is the aggregation output for one station, granularity
// and bucket start.
type AggregateBucket struct {
	StationID   string
	Granularity Granularity
	BucketStart time.Time
	BucketEnd   time.Time
	Bands       *FrequencyIndex
}

// NewAggregateBucket creates a bucket with an empty index.
func NewAggregateBucket(stationID string, g Granularity, start time.Time) *AggregateBucket {
	return &AggregateBucket{
		StationID:   stationID,
		Granularity: g,
		BucketStart: start,
		BucketEnd:   g.End(start),
		Bands:       NewFrequencyIndex(),
	}
}

// Key returns a unique identifier for this bucket.
func (a *AggregateBucket) Key() string {
	return fmt.Sprintf("%s/%s/%d", a.StationID, a.Granularity, a.BucketStart.UnixMilli())
}

// Duration returns the bucket width.
func (a *AggregateBucket) Duration() time.Duration {
	return a.BucketEnd.Sub(a.BucketStart)
}

// SampleCount returns the sum of the sample counts of all bands.
func (a *AggregateBucket) SampleCount() int64 {
	if a.Bands == nil {
		return 0
	}
	var n int64
	for _, b := range a.Bands.bands {
		n += b.SampleCount
	}
	return n
}

// IsEmpty returns true if the bucket holds no bands.
func (a *AggregateBucket) IsEmpty() bool {
	return a.Bands == nil || a.Bands.Len() == 0
}
