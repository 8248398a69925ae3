// Package table is the durable store for aggregated buckets and station
// settings, backed by DuckDB.
//
// Every frequency band of a bucket is one row keyed by
// (station_id, granularity, bucket_start, start_frequency_hz). Writes use
// INSERT OR REPLACE so re-aggregating a bucket is idempotent.
package table

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/marcboeker/go-duckdb"
	"gopkg.in/yaml.v3"

	"github.com/xtxerr/spectra/internal/errors"
	"github.com/xtxerr/spectra/internal/logging"
	"github.com/xtxerr/spectra/internal/storage/types"
)

var log = logging.Component("table")

var schema = []string{`
CREATE TABLE IF NOT EXISTS aggregate_bands (
	station_id         VARCHAR   NOT NULL,
	granularity        VARCHAR   NOT NULL,
	bucket_start       TIMESTAMP NOT NULL,
	bucket_end         TIMESTAMP NOT NULL,
	start_frequency_hz BIGINT    NOT NULL,
	sample_count       BIGINT    NOT NULL,
	average            DOUBLE,
	stddev_of_average  DOUBLE,
	minimum            DOUBLE,
	average_of_minimum DOUBLE,
	stddev_of_minimum  DOUBLE,
	maximum            DOUBLE,
	average_of_maximum DOUBLE,
	stddev_of_maximum  DOUBLE,
	median_of_average  DOUBLE,
	p90_of_average     DOUBLE,
	PRIMARY KEY (station_id, granularity, bucket_start, start_frequency_hz)
)`, `
CREATE TABLE IF NOT EXISTS settings (
	key        VARCHAR PRIMARY KEY,
	value      VARCHAR NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`,
}

// keyColumns precede the statistic columns in every row.
var keyColumns = []string{
	"station_id", "granularity", "bucket_start", "bucket_end",
	"start_frequency_hz", "sample_count",
}

func columns() []string {
	cols := append([]string(nil), keyColumns...)
	for _, s := range types.AllStatistics() {
		cols = append(cols, s.String())
	}
	return cols
}

// Table is the durable aggregate table.
type Table struct {
	// mu serializes writers; DuckDB rejects conflicting concurrent
	// transactions instead of waiting.
	mu sync.Mutex
	db *sql.DB

	upsertSQL string
	selectSQL string

	stats Stats
}

// Stats holds table statistics.
type Stats struct {
	BucketsWritten atomic.Int64
	RowsWritten    atomic.Int64
	Queries        atomic.Int64
	Errors         atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	BucketsWritten int64
	RowsWritten    int64
	Queries        int64
	Errors         int64
}

// Open opens (creating if needed) the DuckDB database at path. An empty
// path opens an in-memory database.
func Open(path string) (*Table, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	cols := columns()
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")

	return &Table{
		db: db,
		upsertSQL: fmt.Sprintf("INSERT OR REPLACE INTO aggregate_bands (%s) VALUES (%s)",
			strings.Join(cols, ", "), placeholders),
		selectSQL: "SELECT " + strings.Join(cols, ", "),
	}, nil
}

// Close closes the database.
func (t *Table) Close() error {
	if t.db != nil {
		return t.db.Close()
	}
	return nil
}

// InsertOrReplace writes every band of bucket, replacing rows with the
// same key.
func (t *Table) InsertOrReplace(ctx context.Context, bucket *types.AggregateBucket) error {
	if bucket == nil || bucket.IsEmpty() {
		return nil
	}
	if bucket.StationID == "" {
		return errors.ErrMissingStation
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	err := t.insertOrReplace(ctx, bucket)
	if err != nil {
		t.stats.Errors.Add(1)
		return fmt.Errorf("upsert %s: %w", bucket.Key(), err)
	}
	return nil
}

func (t *Table) insertOrReplace(ctx context.Context, bucket *types.AggregateBucket) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, t.upsertSQL)
	if err != nil {
		return err
	}
	defer stmt.Close()

	stats := types.AllStatistics()
	args := make([]any, 0, len(keyColumns)+len(stats))

	bands := bucket.Bands.Bands()
	for _, band := range bands {
		args = args[:0]
		args = append(args,
			bucket.StationID,
			bucket.Granularity.String(),
			bucket.BucketStart.UTC(),
			bucket.BucketEnd.UTC(),
			band.StartFrequencyHz,
			band.SampleCount,
		)
		for _, s := range stats {
			var v sql.NullFloat64
			if f, ok := band.Get(s); ok {
				v = sql.NullFloat64{Float64: f, Valid: true}
			}
			args = append(args, v)
		}

		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("band %d Hz: %w", band.StartFrequencyHz, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	t.stats.BucketsWritten.Add(1)
	t.stats.RowsWritten.Add(int64(len(bands)))
	return nil
}

// QueryRange returns the buckets of station and granularity whose start
// lies in [from, to), ordered by start.
func (t *Table) QueryRange(ctx context.Context, stationID string, g types.Granularity, from, to time.Time) ([]*types.AggregateBucket, error) {
	query := t.selectSQL + `
		FROM aggregate_bands
		WHERE station_id = ?
		  AND granularity = ?
		  AND bucket_start >= ?
		  AND bucket_start < ?
		ORDER BY bucket_start, start_frequency_hz`

	rows, err := t.db.QueryContext(ctx, query, stationID, g.String(), from.UTC(), to.UTC())
	if err != nil {
		t.stats.Errors.Add(1)
		return nil, fmt.Errorf("query range: %w", err)
	}
	defer rows.Close()

	t.stats.Queries.Add(1)
	return scanBuckets(rows)
}

// QueryArchive runs the range query over archived Parquet files matching
// glob. Archive rows carry Unix milliseconds instead of timestamps.
func (t *Table) QueryArchive(ctx context.Context, glob, stationID string, g types.Granularity, from, to time.Time) ([]*types.AggregateBucket, error) {
	cols := columns()
	cols[2] = "epoch_ms(bucket_start_ms) AS bucket_start"
	cols[3] = "epoch_ms(bucket_end_ms) AS bucket_end"

	query := "SELECT " + strings.Join(cols, ", ") + `
		FROM read_parquet(?)
		WHERE station_id = ?
		  AND granularity = ?
		  AND bucket_start_ms >= ?
		  AND bucket_start_ms < ?
		ORDER BY bucket_start_ms, start_frequency_hz`

	rows, err := t.db.QueryContext(ctx, query, glob, stationID, g.String(), from.UnixMilli(), to.UnixMilli())
	if err != nil {
		t.stats.Errors.Add(1)
		return nil, fmt.Errorf("query archive: %w", err)
	}
	defer rows.Close()

	t.stats.Queries.Add(1)
	return scanBuckets(rows)
}

func scanBuckets(rows *sql.Rows) ([]*types.AggregateBucket, error) {
	stats := types.AllStatistics()

	var (
		buckets []*types.AggregateBucket
		current *types.AggregateBucket
	)

	for rows.Next() {
		var (
			stationID, granularity string
			start, end             time.Time
			band                   = types.NewFrequencyBand(0)
			values                 = make([]sql.NullFloat64, len(stats))
		)

		dest := []any{&stationID, &granularity, &start, &end, &band.StartFrequencyHz, &band.SampleCount}
		for i := range values {
			dest = append(dest, &values[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		for i, s := range stats {
			if values[i].Valid {
				band.Set(s, values[i].Float64)
			}
		}

		start = start.UTC()
		if current == nil || !current.BucketStart.Equal(start) || current.StationID != stationID {
			g, err := types.ParseGranularity(granularity)
			if err != nil {
				return nil, err
			}
			current = types.NewAggregateBucket(stationID, g, start)
			current.BucketEnd = end.UTC()
			buckets = append(buckets, current)
		}
		current.Bands.Update(band)
	}

	return buckets, rows.Err()
}

// PutSetting stores a key/value setting.
func (t *Table) PutSetting(ctx context.Context, key, value string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, err := t.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO settings (key, value, updated_at) VALUES (?, ?, ?)",
		key, value, time.Now().UTC())
	if err != nil {
		t.stats.Errors.Add(1)
		return fmt.Errorf("put setting %s: %w", key, err)
	}
	return nil
}

// GetSetting returns a setting, or ErrNotFound.
func (t *Table) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := t.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("setting %s: %w", key, errors.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, nil
}

// Settings returns all setting keys in order.
func (t *Table) Settings(ctx context.Context) ([]string, error) {
	rows, err := t.db.QueryContext(ctx, "SELECT key FROM settings ORDER BY key")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func stationKey(stationID string) string {
	return "station/" + stationID
}

// PutStationConfig stores a station snapshot as YAML.
func (t *Table) PutStationConfig(ctx context.Context, cfg *types.StationConfig) error {
	if cfg.StationID == "" {
		return errors.ErrMissingStation
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal station config: %w", err)
	}
	return t.PutSetting(ctx, stationKey(cfg.StationID), string(data))
}

// StationConfig loads a station snapshot stored by PutStationConfig.
func (t *Table) StationConfig(ctx context.Context, stationID string) (*types.StationConfig, error) {
	data, err := t.GetSetting(ctx, stationKey(stationID))
	if err != nil {
		return nil, err
	}
	var cfg types.StationConfig
	if err := yaml.Unmarshal([]byte(data), &cfg); err != nil {
		return nil, fmt.Errorf("parse station config: %w", err)
	}
	return &cfg, nil
}

// ExecuteSQL runs an ad-hoc query and returns the rows as maps. Used by
// the inspector shell.
func (t *Table) ExecuteSQL(ctx context.Context, query string) ([]string, []map[string]any, error) {
	rows, err := t.db.QueryContext(ctx, query)
	if err != nil {
		t.stats.Errors.Add(1)
		return nil, nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	var results []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = values[i]
		}
		results = append(results, row)
	}

	t.stats.Queries.Add(1)
	log.Debug("executed sql", "rows", len(results))
	return cols, results, rows.Err()
}

// Stats returns table statistics.
func (t *Table) Stats() StatsSnapshot {
	return StatsSnapshot{
		BucketsWritten: t.stats.BucketsWritten.Load(),
		RowsWritten:    t.stats.RowsWritten.Load(),
		Queries:        t.stats.Queries.Load(),
		Errors:         t.stats.Errors.Load(),
	}
}
