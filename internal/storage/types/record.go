package types

import (
	"fmt"
	"time"

	"github.com/xtxerr/spectra/internal/errors"
	"github.com/xtxerr/spectra/internal/validation"
)

// RecordKind tags the variants of Record.
type RecordKind int

const (
	// RecordConfig is a ConfigRecord.
	RecordConfig RecordKind = iota + 1
	// RecordSpectral is a SpectralRecord.
	RecordSpectral
)

// String returns a human-readable representation of the RecordKind.
func (k RecordKind) String() string {
	switch k {
	case RecordConfig:
		return "config"
	case RecordSpectral:
		return "spectral"
	default:
		return "unknown"
	}
}

// Record is the envelope carried through the ingestion pipeline.
// Implementations are *ConfigRecord and *SpectralRecord. A record is
// immutable once it has been enqueued.
type Record interface {
	Time() time.Time
	Kind() RecordKind
}

// ReadingKind classifies a power measurement over an underlying scan.
type ReadingKind int

const (
	ReadingAverage ReadingKind = iota
	ReadingMinimum
	ReadingMaximum
)

// String returns a human-readable representation of the ReadingKind.
func (k ReadingKind) String() string {
	switch k {
	case ReadingAverage:
		return "average"
	case ReadingMinimum:
		return "minimum"
	case ReadingMaximum:
		return "maximum"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Valid reports whether k is one of the defined kinds.
func (k ReadingKind) Valid() bool {
	return k >= ReadingAverage && k <= ReadingMaximum
}

// ParseReadingKind parses a string into a ReadingKind.
func ParseReadingKind(s string) (ReadingKind, error) {
	switch s {
	case "average", "avg":
		return ReadingAverage, nil
	case "minimum", "min":
		return ReadingMinimum, nil
	case "maximum", "max":
		return ReadingMaximum, nil
	default:
		return ReadingAverage, fmt.Errorf("%w: unknown reading kind %q", errors.ErrInvalidRecord, s)
	}
}

// ConfigRecord carries the hardware identity and a snapshot of the
// station configuration. The writer re-emits the latest one as the header
// of every new output file.
type ConfigRecord struct {
	Timestamp time.Time
	Hardware  string
	Station   StationConfig
}

// Time returns the record timestamp.
func (r *ConfigRecord) Time() time.Time { return r.Timestamp }

// Kind returns RecordConfig.
func (r *ConfigRecord) Kind() RecordKind { return RecordConfig }

// SpectralRecord is one scan of a frequency range.
type SpectralRecord struct {
	Timestamp        time.Time
	StartFrequencyHz int64
	StopFrequencyHz  int64
	ReadingKind      ReadingKind
	Readings         []float32
	DeviceID         string
	Location         string // optional GPS fix
}

// Time returns the record timestamp.
func (r *SpectralRecord) Time() time.Time { return r.Timestamp }

// Kind returns RecordSpectral.
func (r *SpectralRecord) Kind() RecordKind { return RecordSpectral }

// RangeKey identifies the scanned range for grouping.
func (r *SpectralRecord) RangeKey() FrequencyRange {
	return FrequencyRange{StartHz: r.StartFrequencyHz, StopHz: r.StopFrequencyHz}
}

// FrequencyAt returns the physical frequency of readings slot i using
// linear interpolation across the scanned range.
func (r *SpectralRecord) FrequencyAt(i int) int64 {
	return SlotFrequency(r.StartFrequencyHz, r.StopFrequencyHz, len(r.Readings), i)
}

// Validate checks structural invariants of the record.
func (r *SpectralRecord) Validate() error {
	if r.StopFrequencyHz < r.StartFrequencyHz {
		return fmt.Errorf("%w: stop %d Hz below start %d Hz",
			errors.ErrInvalidRecord, r.StopFrequencyHz, r.StartFrequencyHz)
	}
	if len(r.Readings) == 0 {
		return fmt.Errorf("%w: %d-%d Hz", errors.ErrEmptyReadings, r.StartFrequencyHz, r.StopFrequencyHz)
	}
	if !r.ReadingKind.Valid() {
		return fmt.Errorf("%w: reading kind %d", errors.ErrInvalidRecord, r.ReadingKind)
	}
	if err := validation.ValidateDeviceID(r.DeviceID); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrInvalidRecord, err)
	}
	return nil
}

// FrequencyRange is a [StartHz, StopHz] pair.
type FrequencyRange struct {
	StartHz int64
	StopHz  int64
}

// Contains reports whether r lies within the range. A zero bound is open.
func (f FrequencyRange) Contains(r FrequencyRange) bool {
	if f.StartHz > 0 && r.StartHz < f.StartHz {
		return false
	}
	if f.StopHz > 0 && r.StopHz > f.StopHz {
		return false
	}
	return true
}

// SlotFrequency computes start + i*(stop-start)/(n-1). A single slot maps
// to the start frequency.
func SlotFrequency(startHz, stopHz int64, n, i int) int64 {
	if n <= 1 {
		return startHz
	}
	return startHz + int64(i)*(stopHz-startHz)/int64(n-1)
}
