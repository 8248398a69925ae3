package testutil

import (
	"time"

	"github.com/xtxerr/spectra/internal/storage/types"
)

// Epoch is a fixed Sunday midnight used as the base time of fixtures.
var Epoch = time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)

// Spectral builds a record for the 433-434 MHz range.
func Spectral(ts time.Time, kind types.ReadingKind, readings ...float32) *types.SpectralRecord {
	return SpectralRange(ts, 433_000_000, 434_000_000, kind, readings...)
}

// SpectralRange builds a record for an arbitrary range.
func SpectralRange(ts time.Time, startHz, stopHz int64, kind types.ReadingKind, readings ...float32) *types.SpectralRecord {
	return &types.SpectralRecord{
		Timestamp:        ts.UTC(),
		StartFrequencyHz: startHz,
		StopFrequencyHz:  stopHz,
		ReadingKind:      kind,
		Readings:         readings,
		DeviceID:         "test-device",
	}
}

// StationConfig returns a valid station configuration record at ts.
func StationConfig(ts time.Time, stationID string) *types.ConfigRecord {
	return &types.ConfigRecord{
		Timestamp: ts.UTC(),
		Hardware:  "test-sdr",
		Station: types.StationConfig{
			StationID: stationID,
			Name:      "test station",
			Sensors: []types.SensorConfig{{
				ID:               "s0",
				Hardware:         "test-sdr",
				StartFrequencyHz: 433_000_000,
				StopFrequencyHz:  434_000_000,
				SamplesPerScan:   3,
			}},
			Aggregation: types.AggregationSettings{
				Enabled:       true,
				Granularities: []string{"hourly", "daily"},
			},
			RawCapture: types.RawCaptureSettings{
				Enabled:     true,
				BucketWidth: time.Hour,
				Retention:   24 * time.Hour,
			},
		},
	}
}
