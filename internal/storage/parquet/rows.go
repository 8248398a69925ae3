package parquet

import (
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/xtxerr/spectra/internal/storage/types"
)

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none", "":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

// getCompression returns the parquet-go compression codec.
func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// BandRow is one frequency band of one bucket. Statistics that were not
// computed are null.
type BandRow struct {
	StationID        string   `parquet:"station_id,dict"`
	Granularity      string   `parquet:"granularity,dict"`
	BucketStartMs    int64    `parquet:"bucket_start_ms"`
	BucketEndMs      int64    `parquet:"bucket_end_ms"`
	StartFrequencyHz int64    `parquet:"start_frequency_hz"`
	SampleCount      int64    `parquet:"sample_count"`
	Average          *float64 `parquet:"average,optional"`
	StdDevOfAverage  *float64 `parquet:"stddev_of_average,optional"`
	Minimum          *float64 `parquet:"minimum,optional"`
	AverageOfMinimum *float64 `parquet:"average_of_minimum,optional"`
	StdDevOfMinimum  *float64 `parquet:"stddev_of_minimum,optional"`
	Maximum          *float64 `parquet:"maximum,optional"`
	AverageOfMaximum *float64 `parquet:"average_of_maximum,optional"`
	StdDevOfMaximum  *float64 `parquet:"stddev_of_maximum,optional"`
	MedianOfAverage  *float64 `parquet:"median_of_average,optional"`
	P90OfAverage     *float64 `parquet:"p90_of_average,optional"`
}

func (r *BandRow) fields() []**float64 {
	// Same order as types.AllStatistics.
	return []**float64{
		&r.Average, &r.StdDevOfAverage,
		&r.Minimum, &r.AverageOfMinimum, &r.StdDevOfMinimum,
		&r.Maximum, &r.AverageOfMaximum, &r.StdDevOfMaximum,
		&r.MedianOfAverage, &r.P90OfAverage,
	}
}

// BucketToRows converts a bucket into rows ordered by frequency.
func BucketToRows(b *types.AggregateBucket) []BandRow {
	bands := b.Bands.Bands()
	rows := make([]BandRow, len(bands))
	stats := types.AllStatistics()

	for i, band := range bands {
		rows[i] = BandRow{
			StationID:        b.StationID,
			Granularity:      b.Granularity.String(),
			BucketStartMs:    b.BucketStart.UnixMilli(),
			BucketEndMs:      b.BucketEnd.UnixMilli(),
			StartFrequencyHz: band.StartFrequencyHz,
			SampleCount:      band.SampleCount,
		}
		fields := rows[i].fields()
		for j, s := range stats {
			if v, ok := band.Get(s); ok {
				*fields[j] = &v
			}
		}
	}
	return rows
}

// RowsToBuckets groups rows back into buckets, in row order.
func RowsToBuckets(rows []BandRow) ([]*types.AggregateBucket, error) {
	stats := types.AllStatistics()

	var (
		buckets []*types.AggregateBucket
		current *types.AggregateBucket
	)
	for i := range rows {
		r := &rows[i]
		start := time.UnixMilli(r.BucketStartMs).UTC()

		if current == nil || current.StationID != r.StationID ||
			current.Granularity.String() != r.Granularity || !current.BucketStart.Equal(start) {
			g, err := types.ParseGranularity(r.Granularity)
			if err != nil {
				return nil, err
			}
			current = types.NewAggregateBucket(r.StationID, g, start)
			current.BucketEnd = time.UnixMilli(r.BucketEndMs).UTC()
			buckets = append(buckets, current)
		}

		band := types.NewFrequencyBand(r.StartFrequencyHz)
		band.SampleCount = r.SampleCount
		for j, f := range r.fields() {
			if *f != nil {
				band.Set(stats[j], **f)
			}
		}
		current.Bands.Update(band)
	}
	return buckets, nil
}
