package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xtxerr/spectra/internal/storage/types"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}

	if cfg.Raw.BucketWidth != time.Hour {
		t.Errorf("expected 1h bucket width, got %v", cfg.Raw.BucketWidth)
	}

	if cfg.Raw.DutyCycle.Enabled() {
		t.Error("duty cycle should be disabled by default")
	}

	if cfg.RawDir() != filepath.Join(cfg.DataDir, "raw") {
		t.Errorf("unexpected raw dir %s", cfg.RawDir())
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data_dir", func(c *Config) { c.DataDir = "" }},
		{"empty station", func(c *Config) { c.StationID = "" }},
		{"unsafe station", func(c *Config) { c.StationID = "../etc" }},
		{"zero bucket width", func(c *Config) { c.Raw.BucketWidth = 0 }},
		{"sub-second bucket width", func(c *Config) { c.Raw.BucketWidth = 1500 * time.Millisecond }},
		{"tmp extension", func(c *Config) { c.Raw.Extension = "tmp" }},
		{"zero retention", func(c *Config) { c.Raw.Retention = 0 }},
		{"retention shorter than monthly", func(c *Config) { c.Raw.Retention = 7 * 24 * time.Hour }},
		{"retention shorter than weekly", func(c *Config) {
			c.Aggregation.Granularities = []string{"hourly", "weekly"}
			c.Raw.Retention = 7 * 24 * time.Hour
		}},
		{"on exceeds period", func(c *Config) {
			c.Raw.DutyCycle = DutyCycleConfig{OnDuration: 2 * time.Second, Period: time.Second}
		}},
		{"bad granularity", func(c *Config) { c.Aggregation.Granularities = []string{"yearly"} }},
		{"bad weekday", func(c *Config) { c.Aggregation.FirstDayOfWeek = "funday" }},
		{"inverted range", func(c *Config) {
			c.Aggregation.FrequencyRange = FrequencyRangeConfig{StartHz: 200, StopHz: 100}
		}},
		{"bad accuracy", func(c *Config) {
			c.Aggregation.Percentiles = PercentileConfig{Enabled: true, Accuracy: 2}
		}},
		{"bad compression", func(c *Config) { c.Aggregation.Archive.Compression = "brotli" }},
		{"zero visibility", func(c *Config) { c.Queue.VisibilityTimeout = 0 }},
		{"critical below warning", func(c *Config) { c.Backpressure.Critical = 5 }},
		{"hysteresis too large", func(c *Config) { c.Backpressure.Hysteresis = 1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestMinRetention(t *testing.T) {
	tests := []struct {
		name          string
		granularities []string
		enabled       bool
		retention     time.Duration
		want          time.Duration
		valid         bool
	}{
		{"hourly only", []string{"hourly"}, true, 2 * time.Hour, 2 * time.Hour, true},
		{"daily", []string{"hourly", "daily"}, true, 7 * 24 * time.Hour, 25 * time.Hour, true},
		{"weekly boundary", []string{"weekly"}, true, 7*24*time.Hour + time.Hour, 7*24*time.Hour + time.Hour, true},
		{"monthly", []string{"monthly"}, true, 31 * 24 * time.Hour, 31*24*time.Hour + time.Hour, false},
		{"aggregation disabled", []string{"monthly"}, false, time.Hour, 31*24*time.Hour + time.Hour, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Aggregation.Enabled = tt.enabled
			cfg.Aggregation.Granularities = tt.granularities
			cfg.Raw.Retention = tt.retention

			if got := cfg.MinRetention(); got != tt.want {
				t.Errorf("MinRetention = %v, want %v", got, tt.want)
			}
			if err := cfg.Validate(); (err == nil) != tt.valid {
				t.Errorf("Validate = %v, want valid=%v", err, tt.valid)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spectra.yaml")

	yaml := `
data_dir: ` + dir + `
station_id: st-07
raw:
  bucket_width: 30m
  retention: 840h
  duty_cycle:
    on_duration: 100ms
    period: 1s
aggregation:
  granularities: [hourly, monthly]
  first_day_of_week: monday
  frequency_range:
    start_hz: 88000000
    stop_hz: 108000000
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.StationID != "st-07" {
		t.Errorf("station_id = %q", cfg.StationID)
	}
	if cfg.Raw.Retention != 35*24*time.Hour {
		t.Errorf("retention = %v", cfg.Raw.Retention)
	}
	if cfg.Raw.BucketWidth != 30*time.Minute {
		t.Errorf("bucket_width = %v", cfg.Raw.BucketWidth)
	}
	if cfg.Raw.DutyCycle.OnDuration != 100*time.Millisecond || cfg.Raw.DutyCycle.Period != time.Second {
		t.Errorf("duty_cycle = %+v", cfg.Raw.DutyCycle)
	}
	if cfg.Raw.Extension != "dfl" {
		t.Errorf("default extension lost: %q", cfg.Raw.Extension)
	}
	if cfg.Aggregation.WeekStart() != time.Monday {
		t.Errorf("week start = %v", cfg.Aggregation.WeekStart())
	}

	grans, err := cfg.Aggregation.ParsedGranularities()
	if err != nil || len(grans) != 2 {
		t.Errorf("granularities = %v, %v", grans, err)
	}
}

func TestLoadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("raw:\n  bucket_width: -1h\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for negative bucket width")
	}
}

func TestEnsureDirectories(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Aggregation.Archive.Enabled = true

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}

	for _, dir := range []string{cfg.RawDir(), cfg.ArchiveDir()} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("expected directory %s", dir)
		}
	}
}

func TestStationSnapshot(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StationID = "roof-1"
	cfg.Raw.DutyCycle = DutyCycleConfig{OnDuration: time.Second, Period: 10 * time.Second}

	snap := cfg.StationSnapshot("roof", types.SensorConfig{
		ID: "rtl0", Hardware: "rtl-sdr", StartFrequencyHz: 433e6, StopFrequencyHz: 434e6, SamplesPerScan: 64,
	})
	if err := snap.Validate(); err != nil {
		t.Fatalf("snapshot should be valid: %v", err)
	}
	if snap.StationID != "roof-1" || snap.Name != "roof" || len(snap.Sensors) != 1 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if snap.RawCapture.DutyCyclePeriod != 10*time.Second || snap.RawCapture.BucketWidth != time.Hour {
		t.Errorf("raw capture = %+v", snap.RawCapture)
	}

	snap.Aggregation.Granularities[0] = "changed"
	if cfg.Aggregation.Granularities[0] == "changed" {
		t.Error("snapshot shares the granularity slice with the config")
	}
}
