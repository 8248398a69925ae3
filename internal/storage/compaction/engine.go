// Package compaction turns sealed raw files into aggregate buckets.
//
// Every sealed file is announced on the durable queue. The engine receives
// the announcement, works out which buckets of each configured granularity
// the file touches, re-reads every sealed file overlapping those buckets and
// replaces the stored aggregates. A message is deleted only after all of its
// buckets were written, so a crash leads to redelivery and an idempotent
// re-aggregation rather than a lost bucket.
package compaction

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/xtxerr/spectra/internal/errors"
	"github.com/xtxerr/spectra/internal/logging"
	"github.com/xtxerr/spectra/internal/storage/aggregate"
	"github.com/xtxerr/spectra/internal/storage/queue"
	"github.com/xtxerr/spectra/internal/storage/rawfile"
	"github.com/xtxerr/spectra/internal/storage/types"
	"github.com/xtxerr/spectra/internal/validation"
)

var log = logging.Component("compaction")

// Source delivers sealed file announcements.
type Source interface {
	Get(ctx context.Context) (*queue.Message, error)
	Delete(ctx context.Context, id string) error
}

// Sink stores aggregate buckets and station snapshots.
type Sink interface {
	QueryRange(ctx context.Context, stationID string, g types.Granularity, from, to time.Time) ([]*types.AggregateBucket, error)
	InsertOrReplace(ctx context.Context, bucket *types.AggregateBucket) error
	PutStationConfig(ctx context.Context, cfg *types.StationConfig) error
}

// Archiver keeps a file copy of each written bucket.
type Archiver interface {
	Write(bucket *types.AggregateBucket) (string, error)
}

// Observer is told about every bucket aggregation.
type Observer interface {
	ObserveAggregation(g types.Granularity, d time.Duration, err error)
}

// Options configures an Engine.
type Options struct {
	// RawDir and Extension locate sealed files.
	RawDir    string
	Extension string

	// BucketWidth is the raw file bucket width.
	BucketWidth time.Duration

	// StationID is used when a file carries no header.
	StationID string

	Granularities []types.Granularity

	// Workers bounds the granularities aggregated in parallel. Default: 4.
	Workers int

	// PollInterval is the idle queue poll interval. Default: 5s.
	PollInterval time.Duration

	// MaxAttempts drops a message delivered this many times. Default: 5.
	MaxAttempts int

	// Paused, when set and true, defers queue processing to the next poll.
	Paused func() bool
}

// Engine consumes sealed file announcements and maintains aggregates.
type Engine struct {
	opts     Options
	agg      *aggregate.Engine
	source   Source
	sink     Sink
	archive  Archiver
	observer Observer

	loads singleflight.Group
	locks keyedMutex

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	wake    chan struct{}

	stats Stats
}

// Stats holds engine statistics.
type Stats struct {
	MessagesProcessed atomic.Int64
	MessagesFailed    atomic.Int64
	MessagesDropped   atomic.Int64
	FilesLoaded       atomic.Int64
	BucketsWritten    atomic.Int64
	BucketsArchived   atomic.Int64
	BucketsKept       atomic.Int64
	RunsFailed        atomic.Int64
}

// New creates an engine. archive and observer may be nil.
func New(opts Options, agg *aggregate.Engine, source Source, sink Sink, archive Archiver, observer Observer) (*Engine, error) {
	if opts.RawDir == "" {
		return nil, fmt.Errorf("%w: raw dir is required", errors.ErrInvalidConfig)
	}
	if opts.BucketWidth <= 0 {
		return nil, fmt.Errorf("%w: bucket width must be positive", errors.ErrInvalidConfig)
	}
	if opts.StationID == "" {
		return nil, errors.ErrMissingStation
	}
	if agg == nil || source == nil || sink == nil {
		return nil, fmt.Errorf("%w: aggregate engine, source and sink are required", errors.ErrInvalidConfig)
	}
	for _, g := range opts.Granularities {
		if !g.Valid() {
			return nil, fmt.Errorf("%w: %d", errors.ErrInvalidGranularity, int(g))
		}
	}
	if opts.Extension == "" {
		opts.Extension = "dfl"
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}

	return &Engine{
		opts:     opts,
		agg:      agg,
		source:   source,
		sink:     sink,
		archive:  archive,
		observer: observer,
		wake:     make(chan struct{}, 1),
	}, nil
}

// Start starts the poll loop.
func (e *Engine) Start(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyStarted
	}

	ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(1)
	go e.run(ctx)

	log.Info("aggregation engine started",
		"granularities", len(e.opts.Granularities),
		"workers", e.opts.Workers,
		"poll_interval", e.opts.PollInterval)
	return nil
}

// Stop stops the poll loop and waits for the current message.
func (e *Engine) Stop() error {
	if !e.running.CompareAndSwap(true, false) {
		return nil
	}
	e.cancel()
	e.wg.Wait()
	log.Info("aggregation engine stopped")
	return nil
}

// IsRunning returns whether the engine is running.
func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

// Notify wakes the poll loop early, typically right after a file was
// announced.
func (e *Engine) Notify() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	for {
		e.drain(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.wake:
		}
	}
}

// drain handles messages until the queue has no visible message.
func (e *Engine) drain(ctx context.Context) {
	for ctx.Err() == nil {
		if e.opts.Paused != nil && e.opts.Paused() {
			log.Debug("aggregation paused")
			return
		}

		ok, err := e.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			log.Warn("aggregation failed", "error", err)
		}
		if !ok {
			return
		}
	}
}

// RunOnce handles one queue message. It reports whether a message was
// received; err is the processing or queue error.
func (e *Engine) RunOnce(ctx context.Context) (bool, error) {
	msg, err := e.source.Get(ctx)
	if err != nil {
		return false, fmt.Errorf("receive: %w", err)
	}
	if msg == nil {
		return false, nil
	}

	path := string(msg.Body)
	fctx := logging.ContextWithFile(ctx, path)
	l := logging.FromContext(fctx, log)

	err = e.ProcessFile(fctx, path)
	switch {
	case err == nil:
		e.stats.MessagesProcessed.Add(1)
	case errors.IsValidation(err):
		// Retrying cannot fix a bad file.
		l.Error("dropping undecodable file", "error", err)
		e.stats.MessagesDropped.Add(1)
	case msg.DequeueCount >= e.opts.MaxAttempts:
		l.Error("dropping message after repeated failures",
			"attempts", msg.DequeueCount,
			"error", err)
		e.stats.MessagesDropped.Add(1)
	default:
		e.stats.MessagesFailed.Add(1)
		return true, err
	}

	if err := e.source.Delete(ctx, msg.ID); err != nil {
		return true, err
	}
	return true, nil
}

// ProcessFile re-aggregates every bucket the sealed file at path touches.
func (e *Engine) ProcessFile(ctx context.Context, path string) error {
	c, err := e.load(path)
	if errors.Is(err, os.ErrNotExist) {
		logging.FromContext(ctx, log).Warn("sealed file vanished before aggregation")
		return nil
	}
	if err != nil {
		if errors.Is(err, errors.ErrCorruptContainer) {
			return fmt.Errorf("%w: %v", errors.ErrInvalidRecord, err)
		}
		return err
	}

	stationID := e.stationOf(c)
	if err := validation.ValidateStationID(stationID); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrInvalidRecord, err)
	}
	ctx = logging.ContextWithStation(ctx, stationID)

	if c.Header != nil && c.Header.Station.StationID != "" {
		if err := e.sink.PutStationConfig(ctx, &c.Header.Station); err != nil {
			return fmt.Errorf("store station config: %w", err)
		}
	}

	if len(c.Records) == 0 || len(e.opts.Granularities) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)

	for _, gran := range e.opts.Granularities {
		starts := e.bucketStarts(c.Records, gran)
		g.Go(func() error {
			return e.runGranularity(gctx, stationID, gran, starts)
		})
	}

	return g.Wait()
}

func (e *Engine) stationOf(c *rawfile.Container) string {
	if c.Header != nil && c.Header.Station.StationID != "" {
		return c.Header.Station.StationID
	}
	return e.opts.StationID
}

// bucketStarts returns the distinct bucket starts of records, ascending.
func (e *Engine) bucketStarts(records []*types.SpectralRecord, g types.Granularity) []time.Time {
	seen := make(map[time.Time]struct{})
	var starts []time.Time
	for _, r := range records {
		s := g.Truncate(r.Timestamp, e.agg.WeekStart())
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		starts = append(starts, s)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })
	return starts
}

// runGranularity rebuilds the given buckets of one granularity. Runs for
// the same station and granularity never overlap.
func (e *Engine) runGranularity(ctx context.Context, stationID string, g types.Granularity, starts []time.Time) error {
	unlock := e.locks.Lock(stationID + "/" + g.String())
	defer unlock()

	ctx = logging.ContextWithGranularity(ctx, g.String())

	for _, start := range starts {
		if err := ctx.Err(); err != nil {
			return err
		}

		began := time.Now()
		err := e.rebuild(ctx, stationID, g, start)
		if e.observer != nil {
			e.observer.ObserveAggregation(g, time.Since(began), err)
		}
		if err != nil {
			e.stats.RunsFailed.Add(1)
			return fmt.Errorf("%s bucket %s: %w", g, start.Format(time.RFC3339), err)
		}
	}
	return nil
}

// rebuild aggregates one bucket from every sealed file that may hold
// records inside it.
func (e *Engine) rebuild(ctx context.Context, stationID string, g types.Granularity, start time.Time) error {
	end := g.End(start)

	files, err := rawfile.ListSealed(e.opts.RawDir, e.opts.Extension)
	if err != nil {
		return err
	}
	files = rawfile.FilesOverlapping(files, e.opts.BucketWidth, start, end)

	var records []*types.SpectralRecord
	for _, f := range files {
		c, err := e.load(f.Path)
		if errors.Is(err, os.ErrNotExist) {
			// Swept by retention since the listing.
			continue
		}
		if errors.Is(err, errors.ErrCorruptContainer) {
			logging.FromContext(ctx, log).Warn("skipping corrupt sealed file", "path", f.Path, "error", err)
			continue
		}
		if err != nil {
			return fmt.Errorf("load %s: %w", f.Name, err)
		}
		if e.stationOf(c) != stationID {
			continue
		}
		for _, r := range c.Records {
			if !r.Timestamp.Before(start) && r.Timestamp.Before(end) {
				records = append(records, r)
			}
		}
	}

	buckets, err := e.agg.Aggregate(records, g, stationID)
	if err != nil {
		return err
	}

	for _, b := range buckets {
		keep, err := e.keepStored(ctx, b)
		if err != nil {
			return err
		}
		if keep {
			e.stats.BucketsKept.Add(1)
			continue
		}

		if err := e.sink.InsertOrReplace(ctx, b); err != nil {
			return err
		}
		e.stats.BucketsWritten.Add(1)

		if e.archive != nil && !b.IsEmpty() {
			if _, err := e.archive.Write(b); err != nil {
				return fmt.Errorf("archive: %w", err)
			}
			e.stats.BucketsArchived.Add(1)
		}
	}

	logging.FromContext(ctx, log).Debug("bucket rebuilt",
		"start", start,
		"files", len(files),
		"records", len(records))
	return nil
}

// keepStored reports whether the stored copy of rebuilt holds more samples.
// Once retention has swept some of a bucket's raw files a rebuild sees only
// part of the bucket, and the stored copy stays.
func (e *Engine) keepStored(ctx context.Context, rebuilt *types.AggregateBucket) (bool, error) {
	stored, err := e.sink.QueryRange(ctx, rebuilt.StationID, rebuilt.Granularity, rebuilt.BucketStart, rebuilt.BucketEnd)
	if err != nil {
		return false, fmt.Errorf("query stored bucket: %w", err)
	}
	for _, s := range stored {
		if !s.BucketStart.Equal(rebuilt.BucketStart) {
			continue
		}
		if have, got := s.SampleCount(), rebuilt.SampleCount(); have > got {
			logging.FromContext(ctx, log).Warn("kept stored bucket, raw files incomplete",
				"start", rebuilt.BucketStart,
				"stored_samples", have,
				"rebuilt_samples", got)
			return true, nil
		}
	}
	return false, nil
}

// load reads a sealed file. Concurrent loads of one path share a read.
func (e *Engine) load(path string) (*rawfile.Container, error) {
	v, err, _ := e.loads.Do(path, func() (any, error) {
		c, err := rawfile.ReadFile(path)
		if err == nil {
			e.stats.FilesLoaded.Add(1)
		}
		return c, err
	})
	if err != nil {
		return nil, err
	}
	return v.(*rawfile.Container), nil
}

// Stats returns current statistics.
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		Running:           e.running.Load(),
		MessagesProcessed: e.stats.MessagesProcessed.Load(),
		MessagesFailed:    e.stats.MessagesFailed.Load(),
		MessagesDropped:   e.stats.MessagesDropped.Load(),
		FilesLoaded:       e.stats.FilesLoaded.Load(),
		BucketsWritten:    e.stats.BucketsWritten.Load(),
		BucketsArchived:   e.stats.BucketsArchived.Load(),
		BucketsKept:       e.stats.BucketsKept.Load(),
		RunsFailed:        e.stats.RunsFailed.Load(),
	}
}

// EngineStats holds engine statistics.
type EngineStats struct {
	Running           bool
	MessagesProcessed int64
	MessagesFailed    int64
	MessagesDropped   int64
	FilesLoaded       int64
	BucketsWritten    int64
	BucketsArchived   int64
	BucketsKept       int64
	RunsFailed        int64
}
