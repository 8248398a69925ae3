// Package rawfile persists admitted spectral records into time-bucketed
// raw files.
//
// Records are appended to an in-progress ".bin.tmp" file for the current
// bucket. When a record crosses into another bucket, the finished file is
// sealed in the background: its container is serialized, deflated, and the
// file is renamed to ".bin.<ext>". Readers only ever see sealed files.
package rawfile

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/flate"

	"github.com/xtxerr/spectra/internal/errors"
	"github.com/xtxerr/spectra/internal/logging"
	"github.com/xtxerr/spectra/internal/storage/types"
)

var log = logging.Component("rawfile")

// Options configures the rotation writer.
type Options struct {
	Dir         string
	BucketWidth time.Duration

	// Extension of sealed files. Default: "dfl".
	Extension string

	// CompressionLevel is passed to flate. Default: flate.DefaultCompression.
	CompressionLevel int

	// BufferSize of the file writer used while sealing. Default: 64KB.
	BufferSize int

	// OnSealed is called from the seal goroutine after every seal attempt.
	OnSealed func(SealResult)
}

// DefaultOptions returns default writer options.
func DefaultOptions() Options {
	return Options{
		BucketWidth:      time.Hour,
		Extension:        "dfl",
		CompressionLevel: flate.DefaultCompression,
		BufferSize:       64 * 1024,
	}
}

// SealResult reports the outcome of sealing one file.
type SealResult struct {
	Path     string // sealed path, or the temp path on failure
	Boundary time.Time
	Records  int
	Bytes    int64
	Duration time.Duration
	Err      error
}

// WriterStats holds writer statistics.
type WriterStats struct {
	FilesOpened    int64
	FilesSealed    int64
	SealErrors     int64
	RecordsWritten int64
	BytesWritten   int64
	StaleRemoved   int64
	LateRecords    int64
}

// openFile is the in-progress file of one bucket.
type openFile struct {
	file     *os.File
	tmpPath  string
	final    string
	boundary time.Time
	header   *types.ConfigRecord
	records  []*types.SpectralRecord
}

// Writer is the file rotation writer. It is safe for concurrent use,
// although the ingestion loop is its only producer in practice.
type Writer struct {
	mu sync.Mutex

	opts    Options
	current *openFile
	header  *types.ConfigRecord

	// lastBoundary is the boundary of the most recently opened file.
	lastBoundary time.Time
	closed       bool

	seals sync.WaitGroup

	filesOpened    atomic.Int64
	filesSealed    atomic.Int64
	sealErrors     atomic.Int64
	recordsWritten atomic.Int64
	bytesWritten   atomic.Int64
	staleRemoved   atomic.Int64
	lateRecords    atomic.Int64
}

// NewWriter creates a rotation writer and removes temp files left behind
// by a previous run.
func NewWriter(opts Options) (*Writer, error) {
	defaults := DefaultOptions()
	if opts.Dir == "" {
		return nil, fmt.Errorf("%w: raw dir is empty", errors.ErrInvalidConfig)
	}
	if opts.BucketWidth <= 0 {
		opts.BucketWidth = defaults.BucketWidth
	}
	if opts.Extension == "" {
		opts.Extension = defaults.Extension
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaults.BufferSize
	}
	if opts.CompressionLevel < flate.HuffmanOnly || opts.CompressionLevel > flate.BestCompression {
		return nil, fmt.Errorf("%w: compression level %d", errors.ErrInvalidConfig, opts.CompressionLevel)
	}

	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create raw dir: %w", err)
	}

	w := &Writer{opts: opts}

	removed, err := removeStaleTemps(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("remove stale temp files: %w", err)
	}
	for _, p := range removed {
		log.Warn("removed stale temp file", "path", p)
	}
	w.staleRemoved.Add(int64(len(removed)))

	return w, nil
}

// WriteIfNeeded appends a record to the file of its bucket, rotating when
// the record belongs to a different bucket than the open file. A record
// from an earlier bucket seals the open file and starts a file named after
// its own timestamp, so every file holds records of exactly one bucket.
// A ConfigRecord becomes the header of every file opened after it.
func (w *Writer) WriteIfNeeded(rec types.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.ErrWriterClosed
	}

	switch r := rec.(type) {
	case *types.ConfigRecord:
		w.header = r
		if w.current != nil && w.current.header == nil {
			w.current.header = r
		}
		return nil

	case *types.SpectralRecord:
		boundary := Boundary(r.Timestamp, w.opts.BucketWidth)

		if w.current == nil {
			if err := w.openLocked(boundary, r.Timestamp); err != nil {
				return err
			}
		} else if !boundary.Equal(w.current.boundary) {
			if boundary.Before(w.current.boundary) {
				w.lateRecords.Add(1)
				log.Warn("late record opens a separate raw file",
					"timestamp", r.Timestamp,
					"boundary", boundary,
					"open_boundary", w.current.boundary)
			}
			old := w.current
			w.current = nil

			err := w.openLocked(boundary, r.Timestamp)
			w.sealAsync(old)
			if err != nil {
				return err
			}
		}

		w.current.records = append(w.current.records, r)
		w.recordsWritten.Add(1)
		return nil

	default:
		return fmt.Errorf("%w: unsupported record %T", errors.ErrInvalidRecord, rec)
	}
}

// openLocked creates the temp file for boundary. A boundary that was
// already opened (after Flush, for a late record, or by a previous run) is
// named after the record timestamp instead. A name whose sealed or temp
// file exists gets the next free collision sequence.
func (w *Writer) openLocked(boundary, ts time.Time) error {
	name := boundary
	reopened := !w.lastBoundary.IsZero() && !boundary.After(w.lastBoundary)
	if reopened || w.nameTaken(boundary, 0) {
		name = ts.UTC().Truncate(time.Second)
	}

	seq := 0
	for w.nameTaken(name, seq) {
		seq++
	}

	tmpPath := filepath.Join(w.opts.Dir, fileNameSeq(name, seq)+tmpSuffix)
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmpPath, err)
	}

	w.current = &openFile{
		file:     f,
		tmpPath:  tmpPath,
		final:    filepath.Join(w.opts.Dir, fileNameSeq(name, seq)+binInfix+w.opts.Extension),
		boundary: boundary,
		header:   w.header,
	}
	if boundary.After(w.lastBoundary) {
		w.lastBoundary = boundary
	}
	w.filesOpened.Add(1)

	log.Debug("opened raw file", "path", tmpPath, "boundary", boundary)
	return nil
}

// nameTaken reports whether the sealed or the temp file of name and seq
// exists. A temp file stays on disk until its seal moves it, so files
// still being sealed in the background count as taken.
func (w *Writer) nameTaken(name time.Time, seq int) bool {
	base := filepath.Join(w.opts.Dir, fileNameSeq(name, seq))
	for _, p := range []string{base + binInfix + w.opts.Extension, base + tmpSuffix} {
		if _, err := os.Lstat(p); err == nil {
			return true
		}
	}
	return false
}

func (w *Writer) sealAsync(of *openFile) {
	w.seals.Add(1)
	go func() {
		defer w.seals.Done()
		w.finish(w.seal(of))
	}()
}

// seal serializes, compresses and renames an open file.
func (w *Writer) seal(of *openFile) SealResult {
	start := time.Now()
	res := SealResult{
		Path:     of.tmpPath,
		Boundary: of.boundary,
		Records:  len(of.records),
	}

	cw := &countingWriter{w: bufio.NewWriterSize(of.file, w.opts.BufferSize)}
	err := Encode(cw, &Container{Header: of.header, Records: of.records}, w.opts.CompressionLevel)
	if err == nil {
		err = cw.w.Flush()
	}
	if err == nil {
		err = of.file.Sync()
	}
	if cerr := of.file.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = renameNoReplace(of.tmpPath, of.final)
	}

	res.Duration = time.Since(start)
	if err != nil {
		res.Err = fmt.Errorf("seal %s: %w", of.tmpPath, err)
		return res
	}

	res.Path = of.final
	res.Bytes = cw.n
	return res
}

func (w *Writer) finish(res SealResult) {
	if res.Err != nil {
		w.sealErrors.Add(1)
		log.Error("seal failed", "path", res.Path, "records", res.Records, "error", res.Err)
	} else {
		w.filesSealed.Add(1)
		w.bytesWritten.Add(res.Bytes)
		log.Info("sealed raw file",
			"path", res.Path,
			"records", res.Records,
			"bytes", res.Bytes,
			"duration", res.Duration)
	}

	if w.opts.OnSealed != nil {
		w.opts.OnSealed(res)
	}
}

// Flush seals the open file synchronously. The next record opens a new file.
func (w *Writer) Flush() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return errors.ErrWriterClosed
	}
	of := w.current
	w.current = nil
	w.mu.Unlock()

	if of == nil {
		return nil
	}
	res := w.seal(of)
	w.finish(res)
	return res.Err
}

// Close seals the open file and waits for all background seals.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	of := w.current
	w.current = nil
	w.mu.Unlock()

	var err error
	if of != nil {
		res := w.seal(of)
		w.finish(res)
		err = res.Err
	}

	w.seals.Wait()
	return err
}

// Stats returns writer statistics.
func (w *Writer) Stats() WriterStats {
	return WriterStats{
		FilesOpened:    w.filesOpened.Load(),
		FilesSealed:    w.filesSealed.Load(),
		SealErrors:     w.sealErrors.Load(),
		RecordsWritten: w.recordsWritten.Load(),
		BytesWritten:   w.bytesWritten.Load(),
		StaleRemoved:   w.staleRemoved.Load(),
		LateRecords:    w.lateRecords.Load(),
	}
}

// CurrentFile returns the temp path of the open file, if any.
func (w *Writer) CurrentFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return ""
	}
	return w.current.tmpPath
}

// Dir returns the raw directory.
func (w *Writer) Dir() string { return w.opts.Dir }

// Extension returns the sealed file extension.
func (w *Writer) Extension() string { return w.opts.Extension }

// BucketWidth returns the file bucket width.
func (w *Writer) BucketWidth() time.Duration { return w.opts.BucketWidth }

// renameNoReplace moves a sealed temp file into place and refuses to
// overwrite an existing sealed file.
func renameNoReplace(from, to string) error {
	if err := os.Link(from, to); err != nil {
		return err
	}
	return os.Remove(from)
}

type countingWriter struct {
	w *bufio.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
