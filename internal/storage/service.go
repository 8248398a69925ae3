package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xtxerr/spectra/internal/errors"
	"github.com/xtxerr/spectra/internal/logging"
	"github.com/xtxerr/spectra/internal/storage/aggregate"
	"github.com/xtxerr/spectra/internal/storage/backpressure"
	"github.com/xtxerr/spectra/internal/storage/compaction"
	"github.com/xtxerr/spectra/internal/storage/config"
	"github.com/xtxerr/spectra/internal/storage/dutycycle"
	"github.com/xtxerr/spectra/internal/storage/ingestion"
	"github.com/xtxerr/spectra/internal/storage/metrics"
	"github.com/xtxerr/spectra/internal/storage/parquet"
	"github.com/xtxerr/spectra/internal/storage/queue"
	"github.com/xtxerr/spectra/internal/storage/rawfile"
	"github.com/xtxerr/spectra/internal/storage/retention"
	"github.com/xtxerr/spectra/internal/storage/table"
	"github.com/xtxerr/spectra/internal/storage/types"
)

var log = logging.Component("storage")

// Service is the main storage service that orchestrates all components.
type Service struct {
	config *config.Config

	// Components
	gate       *dutycycle.Gate
	writer     *rawfile.Writer
	ingestion  *ingestion.Manager
	sweeper    *retention.Sweeper
	table      *table.Table
	queue      *queue.Queue
	archive    *parquet.Archive
	compaction *compaction.Engine
	monitor    *backpressure.Monitor
	metrics    *metrics.Metrics

	// State
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Statistics
	startTime     time.Time
	announceFails atomic.Int64
}

// New creates a storage service. Metrics are registered on reg; a nil reg
// uses a private registry.
func New(cfg *config.Config, reg prometheus.Registerer) (s *Service, err error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	s = &Service{
		config:  cfg,
		gate:    dutycycle.New(cfg.Raw.DutyCycle.OnDuration, cfg.Raw.DutyCycle.Period),
		sweeper: retention.New(cfg.Raw.Extension),
		monitor: backpressure.New(backpressure.Thresholds{
			Warning:    cfg.Backpressure.Warning,
			Critical:   cfg.Backpressure.Critical,
			Hysteresis: cfg.Backpressure.Hysteresis,
		}),
	}

	// Release what was opened if a later step fails.
	defer func() {
		if err != nil {
			s.closeStores()
		}
	}()

	if s.metrics, err = metrics.New(reg); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	if s.table, err = table.Open(cfg.TablePath()); err != nil {
		return nil, fmt.Errorf("open table: %w", err)
	}

	if s.queue, err = queue.Open(cfg.QueuePath(), cfg.Queue.Name, cfg.Queue.VisibilityTimeout); err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}

	agg := cfg.Aggregation
	if agg.Archive.Enabled {
		s.archive = parquet.NewArchive(cfg.ArchiveDir(), parquet.Options{
			Compression: parquet.ParseCompressionType(agg.Archive.Compression),
		})
	}

	if agg.Enabled {
		grans, err := agg.ParsedGranularities()
		if err != nil {
			return nil, err
		}

		engine := aggregate.NewEngine(aggregate.Options{
			WeekStart:   agg.WeekStart(),
			Range:       types.FrequencyRange{StartHz: agg.FrequencyRange.StartHz, StopHz: agg.FrequencyRange.StopHz},
			Percentiles: agg.Percentiles.Enabled,
			Accuracy:    agg.Percentiles.Accuracy,
		})

		// A nil *parquet.Archive must not become a non-nil interface.
		var archive compaction.Archiver
		if s.archive != nil {
			archive = s.archive
		}

		s.compaction, err = compaction.New(compaction.Options{
			RawDir:        cfg.RawDir(),
			Extension:     cfg.Raw.Extension,
			BucketWidth:   cfg.Raw.BucketWidth,
			StationID:     cfg.StationID,
			Granularities: grans,
			Workers:       agg.Workers,
			PollInterval:  agg.PollInterval,
			Paused:        s.monitor.ShouldPauseAggregation,
		}, engine, s.queue, s.table, archive, s.metrics)
		if err != nil {
			return nil, fmt.Errorf("create aggregation engine: %w", err)
		}
	}

	wopts := rawfile.DefaultOptions()
	wopts.Dir = cfg.RawDir()
	wopts.BucketWidth = cfg.Raw.BucketWidth
	wopts.Extension = cfg.Raw.Extension
	wopts.CompressionLevel = cfg.Raw.CompressionLevel
	wopts.OnSealed = s.onSealed

	if s.writer, err = rawfile.NewWriter(wopts); err != nil {
		return nil, fmt.Errorf("create writer: %w", err)
	}

	s.ingestion = ingestion.New(s.writer, s.gate)

	src := metrics.Sources{
		Ingestion:    s.ingestion.Stats,
		Writer:       s.writer.Stats,
		Gate:         s.gate.Stats,
		Retention:    s.sweeper.Stats,
		Backpressure: s.monitor.Stats,
		QueueDepth:   s.queue.Len,
	}
	if s.compaction != nil {
		src.Compaction = s.compaction.Stats
	}
	if err = s.metrics.RegisterSources(src); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	s.monitor.SetOnLevelChange(s.onBackpressureChange)

	return s, nil
}

// Start starts all components.
func (s *Service) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyStarted
	}

	s.startTime = time.Now()
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if err := s.ingestion.Start(s.ctx); err != nil {
		s.running.Store(false)
		return fmt.Errorf("start ingestion: %w", err)
	}

	if s.compaction != nil {
		if err := s.compaction.Start(s.ctx); err != nil {
			s.cancel()
			s.ingestion.Wait()
			s.running.Store(false)
			return fmt.Errorf("start aggregation: %w", err)
		}
	}

	s.wg.Add(1)
	go s.backpressureWorker()

	log.Info("storage service started",
		"station", s.config.StationID,
		"raw_dir", s.config.RawDir(),
		"bucket_width", s.config.Raw.BucketWidth,
		"duty_cycle", s.gate.Enabled(),
		"aggregation", s.compaction != nil,
		"archive", s.archive != nil)
	return nil
}

// Stop cancels ingestion, waits for the final seal and closes the stores.
// The error of a crashed ingestion loop is returned.
func (s *Service) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()
	s.wg.Wait()

	var errs []error

	// The consumer drains, closes the writer and joins pending seals, so
	// every sealed file is announced before the queue closes.
	if err := s.ingestion.Wait(); err != nil {
		errs = append(errs, fmt.Errorf("ingestion: %w", err))
	}

	if s.compaction != nil {
		if err := s.compaction.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop aggregation: %w", err))
		}
	}

	if err := s.closeStores(); err != nil {
		errs = append(errs, err)
	}

	log.Info("storage service stopped", "uptime", time.Since(s.startTime).Round(time.Second))
	return errors.Join(errs...)
}

func (s *Service) closeStores() error {
	var errs []error
	if s.queue != nil {
		if err := s.queue.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close queue: %w", err))
		}
	}
	if s.table != nil {
		if err := s.table.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close table: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Enqueue hands a record to the ingestion manager.
func (s *Service) Enqueue(rec types.Record) error {
	return s.ingestion.Enqueue(rec)
}

// Flush seals the open raw file now.
func (s *Service) Flush() error {
	return s.ingestion.Flush()
}

// Done is closed when the ingestion loop exits, either after Stop or
// because it crashed.
func (s *Service) Done() <-chan struct{} {
	return s.ingestion.Done()
}

// Err returns the ingestion loop's exit error once Done is closed.
func (s *Service) Err() error {
	select {
	case <-s.ingestion.Done():
		return s.ingestion.Wait()
	default:
		return nil
	}
}

// onSealed runs on the seal goroutine of the raw file writer.
func (s *Service) onSealed(res rawfile.SealResult) {
	s.metrics.ObserveSeal(res)
	if res.Err != nil {
		return
	}

	if s.compaction != nil {
		if err := s.announce(res.Path); err != nil {
			s.announceFails.Add(1)
			log.Error("failed to announce sealed file", "path", res.Path, "error", err)
		} else {
			s.compaction.Notify()
		}
	}

	sweep, err := s.sweeper.Sweep(s.config.RawDir(), s.config.Raw.Retention)
	if err != nil {
		log.Warn("retention sweep failed", "error", err)
		return
	}
	s.metrics.ObserveSweep(sweep)
}

func (s *Service) announce(path string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := s.queue.Put(ctx, []byte(path))
	return err
}

// backpressureWorker samples the ingestion queue depth.
func (s *Service) backpressureWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Backpressure.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.monitor.Check(s.ingestion.Stats().QueueDepth)
		}
	}
}

// onBackpressureChange handles backpressure level changes.
func (s *Service) onBackpressureChange(old, new backpressure.Level, depth int) {
	if new > old {
		log.Warn("ingestion queue growing", "level", new, "depth", depth)
		return
	}
	log.Info("ingestion queue recovered", "level", new, "depth", depth)
}

// QueryRange returns the stored buckets of station and granularity that
// start in [from, to).
func (s *Service) QueryRange(ctx context.Context, stationID string, g types.Granularity, from, to time.Time) ([]*types.AggregateBucket, error) {
	return s.table.QueryRange(ctx, stationID, g, from, to)
}

// QueryArchive is QueryRange over the Parquet archive.
func (s *Service) QueryArchive(ctx context.Context, stationID string, g types.Granularity, from, to time.Time) ([]*types.AggregateBucket, error) {
	if s.archive == nil {
		return nil, fmt.Errorf("%w: archive is disabled", errors.ErrNotFound)
	}
	return s.table.QueryArchive(ctx, s.archive.Glob(stationID, g), stationID, g, from, to)
}

// StationConfig returns the last station configuration seen in a raw file
// header.
func (s *Service) StationConfig(ctx context.Context, stationID string) (*types.StationConfig, error) {
	return s.table.StationConfig(ctx, stationID)
}

// RunRetention sweeps the raw directory now.
func (s *Service) RunRetention() (retention.Result, error) {
	res, err := s.sweeper.Sweep(s.config.RawDir(), s.config.Raw.Retention)
	if err == nil {
		s.metrics.ObserveSweep(res)
	}
	return res, err
}

// DryRunRetention reports what RunRetention would delete.
func (s *Service) DryRunRetention() (retention.Result, error) {
	return s.sweeper.DryRun(s.config.RawDir(), s.config.Raw.Retention)
}

// DiskUsage describes the sealed raw files.
func (s *Service) DiskUsage() string {
	return s.sweeper.FormatDiskUsage(s.config.RawDir())
}

// Stats returns combined statistics.
func (s *Service) Stats() ServiceStats {
	var uptime time.Duration
	if s.running.Load() {
		uptime = time.Since(s.startTime)
	}

	st := ServiceStats{
		Running:        s.running.Load(),
		Uptime:         uptime,
		Ingestion:      s.ingestion.Stats(),
		Writer:         s.writer.Stats(),
		Gate:           s.gate.Stats(),
		Retention:      s.sweeper.Stats(),
		Table:          s.table.Stats(),
		Queue:          s.queue.Stats(),
		Backpressure:   s.monitor.Stats(),
		AnnounceErrors: s.announceFails.Load(),
	}
	if s.compaction != nil {
		st.Compaction = s.compaction.Stats()
	}
	if s.archive != nil {
		st.Archive = s.archive.Stats()
	}
	return st
}

// ServiceStats holds combined statistics.
type ServiceStats struct {
	Running        bool
	Uptime         time.Duration
	Ingestion      ingestion.StatsSnapshot
	Writer         rawfile.WriterStats
	Gate           dutycycle.Stats
	Retention      retention.Stats
	Table          table.StatsSnapshot
	Queue          queue.Stats
	Compaction     compaction.EngineStats
	Archive        parquet.ArchiveStats
	Backpressure   backpressure.MonitorStats
	AnnounceErrors int64
}

// Config returns the current configuration.
func (s *Service) Config() *config.Config {
	return s.config
}

// IsRunning returns whether the service is running.
func (s *Service) IsRunning() bool {
	return s.running.Load()
}
