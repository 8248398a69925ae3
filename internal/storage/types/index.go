package types

import (
	"sort"

	"github.com/xtxerr/spectra/internal/errors"
)

// FrequencyIndex maps a start frequency to its band within one bucket.
// Keys are unique. It is not safe for concurrent use; a bucket is built by
// a single goroutine.
type FrequencyIndex struct {
	bands map[int64]*FrequencyBand
}

// NewFrequencyIndex creates an empty index.
func NewFrequencyIndex() *FrequencyIndex {
	return &FrequencyIndex{bands: make(map[int64]*FrequencyBand)}
}

// Add inserts band. It fails if the start frequency is already present.
func (x *FrequencyIndex) Add(band *FrequencyBand) error {
	if _, exists := x.bands[band.StartFrequencyHz]; exists {
		return errors.DuplicateFrequency(band.StartFrequencyHz)
	}
	x.bands[band.StartFrequencyHz] = band
	return nil
}

// Update inserts band or replaces the band with the same start frequency.
func (x *FrequencyIndex) Update(band *FrequencyBand) {
	x.bands[band.StartFrequencyHz] = band
}

// Lookup returns the band for startHz, or nil.
func (x *FrequencyIndex) Lookup(startHz int64) *FrequencyBand {
	return x.bands[startHz]
}

// Len returns the number of bands.
func (x *FrequencyIndex) Len() int {
	return len(x.bands)
}

// Bands returns the bands ordered by start frequency.
func (x *FrequencyIndex) Bands() []*FrequencyBand {
	out := make([]*FrequencyBand, 0, len(x.bands))
	for _, b := range x.bands {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartFrequencyHz < out[j].StartFrequencyHz
	})
	return out
}
