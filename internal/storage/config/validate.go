package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/xtxerr/spectra/internal/storage/types"
	"github.com/xtxerr/spectra/internal/validation"
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}

	if c.StationID == "" {
		errs = append(errs, errors.New("station_id is required"))
	} else if err := validation.ValidateStationID(c.StationID); err != nil {
		errs = append(errs, err)
	}

	if err := c.Raw.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("raw: %w", err))
	}

	if err := c.Aggregation.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("aggregation: %w", err))
	}

	if need := c.MinRetention(); c.Aggregation.Enabled && c.Raw.Retention > 0 && c.Raw.Retention < need {
		errs = append(errs, fmt.Errorf("raw.retention %s is shorter than %s, the widest aggregation bucket plus one raw bucket", c.Raw.Retention, need))
	}

	if err := c.Queue.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("queue: %w", err))
	}

	if err := c.Backpressure.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("backpressure: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// MinRetention returns the shortest raw retention that still keeps every
// raw file of the widest configured aggregation bucket until that bucket
// is complete. Unknown granularities are ignored.
func (c *Config) MinRetention() time.Duration {
	var widest time.Duration
	for _, name := range c.Aggregation.Granularities {
		g, err := types.ParseGranularity(name)
		if err != nil {
			continue
		}
		if w := g.MaxWidth(); w > widest {
			widest = w
		}
	}
	if widest == 0 {
		return 0
	}
	return widest + c.Raw.BucketWidth
}

// Validate checks the raw capture configuration.
func (c *RawConfig) Validate() error {
	var errs []error

	if c.BucketWidth <= 0 {
		errs = append(errs, errors.New("bucket_width must be positive"))
	} else if c.BucketWidth%time.Second != 0 {
		errs = append(errs, errors.New("bucket_width must be a whole number of seconds"))
	}

	if c.Extension == "" || c.Extension == "tmp" {
		errs = append(errs, errors.New("extension must be set and must not be tmp"))
	}

	if c.Retention <= 0 {
		errs = append(errs, errors.New("retention must be positive"))
	}

	if c.CompressionLevel < -2 || c.CompressionLevel > 9 {
		errs = append(errs, errors.New("compression_level must be between -2 and 9"))
	}

	d := c.DutyCycle
	if d.OnDuration < 0 || d.Period < 0 {
		errs = append(errs, errors.New("duty_cycle durations must be non-negative"))
	}
	if d.Enabled() && d.OnDuration > d.Period {
		errs = append(errs, errors.New("duty_cycle.on_duration must not exceed period"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the aggregation configuration.
func (c *AggregationConfig) Validate() error {
	var errs []error

	if c.Enabled && len(c.Granularities) == 0 {
		errs = append(errs, errors.New("granularities required when enabled"))
	}
	for _, g := range c.Granularities {
		if _, err := types.ParseGranularity(g); err != nil {
			errs = append(errs, err)
		}
	}

	if c.FirstDayOfWeek != "" {
		if _, err := types.ParseWeekday(c.FirstDayOfWeek); err != nil {
			errs = append(errs, err)
		}
	}

	r := c.FrequencyRange
	if r.StartHz < 0 || r.StopHz < 0 {
		errs = append(errs, errors.New("frequency_range must be non-negative"))
	}
	if r.StartHz > 0 && r.StopHz > 0 && r.StopHz < r.StartHz {
		errs = append(errs, errors.New("frequency_range.stop_hz must be >= start_hz"))
	}

	if c.Workers < 0 {
		errs = append(errs, errors.New("workers must be non-negative"))
	}

	if c.Enabled && c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval must be positive"))
	}

	if c.Percentiles.Enabled {
		if c.Percentiles.Accuracy <= 0 || c.Percentiles.Accuracy >= 1 {
			errs = append(errs, errors.New("percentiles.accuracy must be between 0 and 1"))
		}
	}

	validCompression := map[string]bool{
		"snappy": true,
		"zstd":   true,
		"gzip":   true,
		"lz4":    true,
		"none":   true,
		"":       true,
	}
	if !validCompression[c.Archive.Compression] {
		errs = append(errs, errors.New("archive.compression must be one of: snappy, zstd, gzip, lz4, none"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the queue configuration.
func (c *QueueConfig) Validate() error {
	var errs []error

	if c.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if c.VisibilityTimeout <= 0 {
		errs = append(errs, errors.New("visibility_timeout must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the backpressure configuration.
func (c *BackpressureConfig) Validate() error {
	var errs []error

	if c.Warning < 0 || c.Critical < 0 {
		errs = append(errs, errors.New("thresholds must be non-negative"))
	}
	if c.Warning > 0 && c.Critical > 0 && c.Critical < c.Warning {
		errs = append(errs, errors.New("critical must be >= warning"))
	}
	if c.Hysteresis < 0 || c.Hysteresis >= 1 {
		errs = append(errs, errors.New("hysteresis must be in [0, 1)"))
	}
	if c.CheckInterval <= 0 {
		errs = append(errs, errors.New("check_interval must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.RawDir(),
	}
	if c.Aggregation.Archive.Enabled {
		dirs = append(dirs, c.ArchiveDir())
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// ParsedGranularities returns the parsed aggregation granularities.
func (c *AggregationConfig) ParsedGranularities() ([]types.Granularity, error) {
	out := make([]types.Granularity, 0, len(c.Granularities))
	for _, s := range c.Granularities {
		g, err := types.ParseGranularity(s)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

// WeekStart returns the parsed first day of week, Sunday by default.
func (c *AggregationConfig) WeekStart() time.Weekday {
	if c.FirstDayOfWeek == "" {
		return time.Sunday
	}
	d, err := types.ParseWeekday(c.FirstDayOfWeek)
	if err != nil {
		return time.Sunday
	}
	return d
}

// StationSnapshot describes this configuration as the station snapshot
// carried by config records.
func (c *Config) StationSnapshot(name string, sensors ...types.SensorConfig) types.StationConfig {
	return types.StationConfig{
		StationID: c.StationID,
		Name:      name,
		Sensors:   sensors,
		Aggregation: types.AggregationSettings{
			Enabled:       c.Aggregation.Enabled,
			Granularities: append([]string(nil), c.Aggregation.Granularities...),
		},
		RawCapture: types.RawCaptureSettings{
			Enabled:         true,
			BucketWidth:     c.Raw.BucketWidth,
			DutyCycleOn:     c.Raw.DutyCycle.OnDuration,
			DutyCyclePeriod: c.Raw.DutyCycle.Period,
			Retention:       c.Raw.Retention,
		},
	}
}
