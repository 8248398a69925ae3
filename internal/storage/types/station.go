package types

import (
	"fmt"
	"time"

	"github.com/xtxerr/spectra/internal/errors"
	"github.com/xtxerr/spectra/internal/validation"
)

// StationConfig is the end-to-end configuration snapshot of a station as
// carried by ConfigRecord.
type StationConfig struct {
	StationID   string              `yaml:"station_id"`
	Name        string              `yaml:"name,omitempty"`
	Sensors     []SensorConfig      `yaml:"sensors"`
	Aggregation AggregationSettings `yaml:"aggregation"`
	RawCapture  RawCaptureSettings  `yaml:"raw_capture"`
}

// SensorConfig describes one receiver attached to the station.
type SensorConfig struct {
	ID               string `yaml:"id"`
	Hardware         string `yaml:"hardware"`
	StartFrequencyHz int64  `yaml:"start_frequency_hz"`
	StopFrequencyHz  int64  `yaml:"stop_frequency_hz"`
	SamplesPerScan   int    `yaml:"samples_per_scan"`
}

// AggregationSettings lists the granularities the station aggregates at.
type AggregationSettings struct {
	Enabled       bool     `yaml:"enabled"`
	Granularities []string `yaml:"granularities"`
}

// RawCaptureSettings controls the raw scan files.
type RawCaptureSettings struct {
	Enabled         bool          `yaml:"enabled"`
	BucketWidth     time.Duration `yaml:"bucket_width"`
	DutyCycleOn     time.Duration `yaml:"duty_cycle_on"`
	DutyCyclePeriod time.Duration `yaml:"duty_cycle_period"`
	Retention       time.Duration `yaml:"retention"`
}

// Validate rejects malformed station snapshots.
func (c *StationConfig) Validate() error {
	var errs []error

	if c.StationID == "" {
		errs = append(errs, errors.ErrMissingStation)
	} else if err := validation.ValidateStationID(c.StationID); err != nil {
		errs = append(errs, fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err))
	}

	seen := make(map[string]bool, len(c.Sensors))
	for i, s := range c.Sensors {
		if s.ID == "" {
			errs = append(errs, fmt.Errorf("sensor %d: id is required", i))
		} else if seen[s.ID] {
			errs = append(errs, fmt.Errorf("sensor %s: duplicate id", s.ID))
		}
		seen[s.ID] = true

		if s.StopFrequencyHz < s.StartFrequencyHz {
			errs = append(errs, fmt.Errorf("sensor %s: stop frequency below start", s.ID))
		}
		if s.SamplesPerScan < 0 {
			errs = append(errs, fmt.Errorf("sensor %s: samples_per_scan must be non-negative", s.ID))
		}
	}

	for _, g := range c.Aggregation.Granularities {
		if _, err := ParseGranularity(g); err != nil {
			errs = append(errs, err)
		}
	}

	rc := c.RawCapture
	if rc.BucketWidth < 0 || rc.DutyCycleOn < 0 || rc.DutyCyclePeriod < 0 || rc.Retention < 0 {
		errs = append(errs, fmt.Errorf("raw_capture: durations must be non-negative"))
	}
	if rc.DutyCyclePeriod > 0 && rc.DutyCycleOn > rc.DutyCyclePeriod {
		errs = append(errs, fmt.Errorf("raw_capture: duty_cycle_on exceeds duty_cycle_period"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", errors.ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
