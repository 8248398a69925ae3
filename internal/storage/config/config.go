package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete storage configuration.
type Config struct {
	// DataDir is the root directory for all storage files.
	DataDir string `yaml:"data_dir"`

	// StationID identifies this station in aggregate records. A station id
	// found in a file header takes precedence.
	StationID string `yaml:"station_id"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// LogJSON switches the log output to JSON.
	LogJSON bool `yaml:"log_json"`

	// Raw configures raw scan file capture.
	Raw RawConfig `yaml:"raw"`

	// Aggregation configures the aggregation engine.
	Aggregation AggregationConfig `yaml:"aggregation"`

	// Table configures the durable aggregate table.
	Table TableConfig `yaml:"table"`

	// Queue configures the durable queue linking sealed files to aggregation.
	Queue QueueConfig `yaml:"queue"`

	// Backpressure configures the ingestion queue depth monitor.
	Backpressure BackpressureConfig `yaml:"backpressure"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`
}

// RawConfig configures raw scan file capture.
type RawConfig struct {
	// Dir is the output directory. Defaults to {DataDir}/raw.
	Dir string `yaml:"dir"`

	// BucketWidth is the time span covered by one output file.
	BucketWidth time.Duration `yaml:"bucket_width"`

	// Extension is appended after ".bin." when a file is sealed.
	Extension string `yaml:"extension"`

	// DutyCycle limits which timestamps are persisted.
	DutyCycle DutyCycleConfig `yaml:"duty_cycle"`

	// Retention is how long sealed files are kept.
	Retention time.Duration `yaml:"retention"`

	// CompressionLevel is the deflate level (-2..9).
	CompressionLevel int `yaml:"compression_level"`
}

// DutyCycleConfig configures the duty-cycle gate. A zero value disables it.
type DutyCycleConfig struct {
	OnDuration time.Duration `yaml:"on_duration"`
	Period     time.Duration `yaml:"period"`
}

// Enabled reports whether the gate filters anything.
func (d DutyCycleConfig) Enabled() bool {
	return d.OnDuration > 0 && d.Period > 0
}

// AggregationConfig configures the aggregation engine.
type AggregationConfig struct {
	// Enabled enables the aggregation trigger path.
	Enabled bool `yaml:"enabled"`

	// Granularities lists the bucket sizes: hourly, daily, weekly, monthly.
	Granularities []string `yaml:"granularities"`

	// FirstDayOfWeek aligns weekly buckets.
	FirstDayOfWeek string `yaml:"first_day_of_week"`

	// FrequencyRange restricts which scans are aggregated.
	FrequencyRange FrequencyRangeConfig `yaml:"frequency_range"`

	// Workers bounds the number of granularities aggregated in parallel.
	Workers int `yaml:"workers"`

	// PollInterval is how often the durable queue is polled when idle.
	PollInterval time.Duration `yaml:"poll_interval"`

	// Percentiles configures DDSketch percentile statistics.
	Percentiles PercentileConfig `yaml:"percentiles"`

	// Archive configures Parquet snapshots of aggregate buckets.
	Archive ArchiveConfig `yaml:"archive"`
}

// FrequencyRangeConfig bounds aggregated scans. Zero means unbounded.
type FrequencyRangeConfig struct {
	StartHz int64 `yaml:"start_hz"`
	StopHz  int64 `yaml:"stop_hz"`
}

// PercentileConfig configures DDSketch percentile calculation.
type PercentileConfig struct {
	// Enabled enables percentile calculation.
	Enabled bool `yaml:"enabled"`

	// Accuracy is the relative accuracy (0.01 = 1% error).
	Accuracy float64 `yaml:"accuracy"`
}

// ArchiveConfig configures Parquet snapshots of aggregate buckets.
type ArchiveConfig struct {
	Enabled bool `yaml:"enabled"`

	// Dir defaults to {DataDir}/aggregates.
	Dir string `yaml:"dir"`

	// Compression is one of snappy, zstd, gzip, lz4, none.
	Compression string `yaml:"compression"`
}

// TableConfig configures the DuckDB aggregate table.
type TableConfig struct {
	// Path defaults to {DataDir}/aggregates.duckdb.
	Path string `yaml:"path"`
}

// QueueConfig configures the SQLite-backed durable queue.
type QueueConfig struct {
	// Path defaults to {DataDir}/queue.db.
	Path string `yaml:"path"`

	// Name is the queue name.
	Name string `yaml:"name"`

	// VisibilityTimeout hides a fetched message until it is deleted or
	// the timeout expires.
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
}

// BackpressureConfig configures the ingestion queue depth monitor.
type BackpressureConfig struct {
	// Warning and Critical are queue depths in records. While the depth is
	// critical, aggregation is paused.
	Warning  int `yaml:"warning"`
	Critical int `yaml:"critical"`

	// Hysteresis is the fraction below a threshold the depth must fall
	// before the level drops.
	Hysteresis float64 `yaml:"hysteresis"`

	// CheckInterval is how often the depth is sampled.
	CheckInterval time.Duration `yaml:"check_interval"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the HTTP listen address; empty disables the endpoint.
	Listen string `yaml:"listen"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir:   "/var/lib/spectra",
		StationID: "station",
		LogLevel:  "info",
		Raw: RawConfig{
			BucketWidth:      time.Hour,
			Extension:        "dfl",
			Retention:        35 * 24 * time.Hour,
			CompressionLevel: 6,
		},
		Aggregation: AggregationConfig{
			Enabled:        true,
			Granularities:  []string{"hourly", "daily", "weekly", "monthly"},
			FirstDayOfWeek: "sunday",
			Workers:        4,
			PollInterval:   5 * time.Second,
			Percentiles: PercentileConfig{
				Enabled:  false,
				Accuracy: 0.01,
			},
			Archive: ArchiveConfig{
				Enabled:     false,
				Compression: "zstd",
			},
		},
		Queue: QueueConfig{
			Name:              "sealed-files",
			VisibilityTimeout: 5 * time.Minute,
		},
		Backpressure: BackpressureConfig{
			Warning:       10_000,
			Critical:      100_000,
			Hysteresis:    0.2,
			CheckInterval: time.Second,
		},
		Metrics: MetricsConfig{
			Listen: ":9464",
		},
	}
}

// RawDir returns the raw scan file directory.
func (c *Config) RawDir() string {
	if c.Raw.Dir != "" {
		return c.Raw.Dir
	}
	return filepath.Join(c.DataDir, "raw")
}

// ArchiveDir returns the Parquet archive directory.
func (c *Config) ArchiveDir() string {
	if c.Aggregation.Archive.Dir != "" {
		return c.Aggregation.Archive.Dir
	}
	return filepath.Join(c.DataDir, "aggregates")
}

// TablePath returns the DuckDB file path.
func (c *Config) TablePath() string {
	if c.Table.Path != "" {
		return c.Table.Path
	}
	return filepath.Join(c.DataDir, "aggregates.duckdb")
}

// QueuePath returns the SQLite queue file path.
func (c *Config) QueuePath() string {
	if c.Queue.Path != "" {
		return c.Queue.Path
	}
	return filepath.Join(c.DataDir, "queue.db")
}
