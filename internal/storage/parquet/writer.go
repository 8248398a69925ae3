package parquet

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/xtxerr/spectra/internal/logging"
	"github.com/xtxerr/spectra/internal/storage/types"
)

var log = logging.Component("parquet")

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = fmt.Errorf("parquet writer is closed")

// Options configures the Parquet writer.
type Options struct {
	Compression CompressionType
}

// DefaultOptions returns default Parquet options.
func DefaultOptions() Options {
	return Options{Compression: CompressionZstd}
}

// BandWriter writes band rows to one Parquet file.
type BandWriter struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *parquet.GenericWriter[BandRow]
	rowCount int64
	closed   bool
}

// NewBandWriter creates a new band Parquet writer.
func NewBandWriter(path string, opts Options) (*BandWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	writer := parquet.NewGenericWriter[BandRow](f,
		parquet.Compression(getCompression(opts.Compression)),
	)

	return &BandWriter{
		path:   path,
		file:   f,
		writer: writer,
	}, nil
}

// WriteBucket appends the bands of bucket.
func (w *BandWriter) WriteBucket(b *types.AggregateBucket) error {
	rows := BucketToRows(b)
	if len(rows) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}
	w.rowCount += int64(n)
	return nil
}

// Close closes the writer.
func (w *BandWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close writer: %w", err)
	}
	return w.file.Close()
}

// RowCount returns the number of rows written.
func (w *BandWriter) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// Path returns the file path.
func (w *BandWriter) Path() string {
	return w.path
}

// Archive stores one Parquet file per bucket below a root directory.
type Archive struct {
	dir  string
	opts Options

	filesWritten atomic.Int64
	rowsWritten  atomic.Int64
}

// NewArchive creates an archive rooted at dir.
func NewArchive(dir string, opts Options) *Archive {
	return &Archive{dir: dir, opts: opts}
}

// Dir returns the archive root.
func (a *Archive) Dir() string { return a.dir }

// Path returns the file that holds bucket b.
func (a *Archive) Path(b *types.AggregateBucket) string {
	return filepath.Join(a.dir, b.StationID, b.Granularity.String(),
		b.BucketStart.UTC().Format("2006-01-02T150405")+".parquet")
}

// Glob returns a pattern matching every file of station and granularity.
func (a *Archive) Glob(stationID string, g types.Granularity) string {
	return filepath.Join(a.dir, stationID, g.String(), "*.parquet")
}

// Write stores bucket, replacing an earlier file for the same bucket.
func (a *Archive) Write(b *types.AggregateBucket) (string, error) {
	path := a.Path(b)
	tmp := path + ".tmp"

	w, err := NewBandWriter(tmp, a.opts)
	if err != nil {
		return "", err
	}
	if err := w.WriteBucket(b); err != nil {
		w.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := w.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("rename archive file: %w", err)
	}

	a.filesWritten.Add(1)
	a.rowsWritten.Add(w.RowCount())
	log.Debug("archived bucket", "path", path, "rows", w.RowCount())
	return path, nil
}

// Read loads the bucket archived for station, granularity and start.
func (a *Archive) Read(stationID string, g types.Granularity, start time.Time) (*types.AggregateBucket, error) {
	path := a.Path(&types.AggregateBucket{StationID: stationID, Granularity: g, BucketStart: start})
	buckets, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(buckets) == 0 {
		return types.NewAggregateBucket(stationID, g, start), nil
	}
	return buckets[0], nil
}

// ArchiveStats holds archive statistics.
type ArchiveStats struct {
	FilesWritten int64
	RowsWritten  int64
}

// Stats returns archive statistics.
func (a *Archive) Stats() ArchiveStats {
	return ArchiveStats{
		FilesWritten: a.filesWritten.Load(),
		RowsWritten:  a.rowsWritten.Load(),
	}
}
