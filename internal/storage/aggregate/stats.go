package aggregate

import (
	"math"

	"github.com/DataDog/sketches-go/ddsketch"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Average returns the arithmetic mean of xs, or NaN if xs is empty.
func Average(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	return stat.Mean(xs, nil)
}

// Minimum returns the smallest value of xs, or NaN if xs is empty.
func Minimum(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	return floats.Min(xs)
}

// Maximum returns the largest value of xs, or NaN if xs is empty.
func Maximum(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	return floats.Max(xs)
}

// StandardDeviation returns the population standard deviation of xs
// around avg (divides by N, not N-1).
func StandardDeviation(xs []float64, avg float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	return math.Sqrt(stat.MomentAbout(2, xs, avg, nil))
}

// series collects the readings of one frequency slot and reading kind
// within a bucket.
type series struct {
	values []float64
	sketch *ddsketch.DDSketch

	// rejected counts values the sketch could not index. Quantiles of a
	// sketch that misses values are not reported.
	rejected int
}

func newSeries(capacity int, percentiles bool, accuracy float64) *series {
	s := &series{values: make([]float64, 0, capacity)}
	if percentiles {
		sketch, err := ddsketch.NewDefaultDDSketch(accuracy)
		if err == nil {
			s.sketch = sketch
		}
	}
	return s
}

func (s *series) add(v float64) {
	s.values = append(s.values, v)
	if s.sketch != nil {
		if err := s.sketch.Add(v); err != nil {
			s.rejected++
		}
	}
}

func (s *series) quantile(q float64) (float64, bool) {
	if s.sketch == nil || len(s.values) == 0 || s.rejected > 0 {
		return 0, false
	}
	v, err := s.sketch.GetValueAtQuantile(q)
	if err != nil {
		return 0, false
	}
	return v, true
}
