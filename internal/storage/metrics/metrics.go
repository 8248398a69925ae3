// Package metrics exposes spectra counters to Prometheus.
//
// Component statistics are kept as atomics inside each component and read
// at scrape time through CounterFunc and GaugeFunc collectors. Events that
// carry a duration are observed into histograms as they happen.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xtxerr/spectra/internal/storage/backpressure"
	"github.com/xtxerr/spectra/internal/storage/compaction"
	"github.com/xtxerr/spectra/internal/storage/dutycycle"
	"github.com/xtxerr/spectra/internal/storage/ingestion"
	"github.com/xtxerr/spectra/internal/storage/rawfile"
	"github.com/xtxerr/spectra/internal/storage/retention"
	"github.com/xtxerr/spectra/internal/storage/types"
)

const namespace = "spectra"

// Sources are the statistics readers of the running components. Nil
// entries are skipped.
type Sources struct {
	Ingestion    func() ingestion.StatsSnapshot
	Writer       func() rawfile.WriterStats
	Gate         func() dutycycle.Stats
	Retention    func() retention.Stats
	Compaction   func() compaction.EngineStats
	Backpressure func() backpressure.MonitorStats
	QueueDepth   func(ctx context.Context) (int, error)
}

// Metrics holds the event-driven collectors.
type Metrics struct {
	reg prometheus.Registerer

	sealDuration        prometheus.Histogram
	sealedBytes         prometheus.Counter
	retentionDeleted    prometheus.Counter
	retentionFreed      prometheus.Counter
	aggregationDuration *prometheus.HistogramVec
	aggregationErrors   *prometheus.CounterVec
}

// New creates the event collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		reg: reg,
		sealDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "seal_duration_seconds",
			Help:      "Time to serialize, compress and rename one raw file.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		sealedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sealed_bytes_total",
			Help:      "Compressed bytes written to sealed raw files.",
		}),
		retentionDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_files_deleted_total",
			Help:      "Sealed raw files removed by retention.",
		}),
		retentionFreed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_bytes_freed_total",
			Help:      "Bytes freed by retention.",
		}),
		aggregationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "aggregation_duration_seconds",
			Help:      "Time to rebuild one aggregate bucket.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"granularity"}),
		aggregationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregation_errors_total",
			Help:      "Failed bucket rebuilds.",
		}, []string{"granularity"}),
	}

	for _, c := range []prometheus.Collector{
		m.sealDuration,
		m.sealedBytes,
		m.retentionDeleted,
		m.retentionFreed,
		m.aggregationDuration,
		m.aggregationErrors,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveSeal records one seal attempt.
func (m *Metrics) ObserveSeal(res rawfile.SealResult) {
	if res.Err != nil {
		return
	}
	m.sealDuration.Observe(res.Duration.Seconds())
	m.sealedBytes.Add(float64(res.Bytes))
}

// ObserveSweep records one retention sweep.
func (m *Metrics) ObserveSweep(res retention.Result) {
	m.retentionDeleted.Add(float64(res.FilesDeleted))
	m.retentionFreed.Add(float64(res.BytesFreed))
}

// ObserveAggregation records one bucket rebuild.
func (m *Metrics) ObserveAggregation(g types.Granularity, d time.Duration, err error) {
	label := g.String()
	m.aggregationDuration.WithLabelValues(label).Observe(d.Seconds())
	if err != nil {
		m.aggregationErrors.WithLabelValues(label).Inc()
	}
}

// RegisterSources registers scrape-time collectors for src.
func (m *Metrics) RegisterSources(src Sources) error {
	var cs []prometheus.Collector

	counter := func(name, help string, fn func() float64) {
		cs = append(cs, prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, fn))
	}
	gauge := func(name, help string, fn func() float64) {
		cs = append(cs, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, fn))
	}

	if s := src.Ingestion; s != nil {
		counter("records_enqueued_total", "Records accepted by the ingestion queue.",
			func() float64 { return float64(s().Enqueued) })
		counter("records_dropped_total", "Records dropped after shutdown was requested.",
			func() float64 { return float64(s().Dropped) })
		counter("records_invalid_total", "Records rejected by validation.",
			func() float64 { return float64(s().Invalid) })
		counter("records_written_total", "Records handed to the raw file writer.",
			func() float64 { return float64(s().Written) })
		counter("record_write_errors_total", "Records the raw file writer rejected.",
			func() float64 { return float64(s().WriteErrors) })
		gauge("ingestion_queue_depth", "Records waiting for the ingestion loop.",
			func() float64 { return float64(s().QueueDepth) })
		gauge("ingestion_running", "1 while the ingestion loop runs.",
			func() float64 {
				if s().Running {
					return 1
				}
				return 0
			})
	}

	if s := src.Writer; s != nil {
		counter("files_sealed_total", "Raw files sealed.",
			func() float64 { return float64(s().FilesSealed) })
		counter("seal_errors_total", "Raw file seals that failed.",
			func() float64 { return float64(s().SealErrors) })
		counter("late_records_total", "Records older than the open raw file's bucket.",
			func() float64 { return float64(s().LateRecords) })
	}

	if s := src.Gate; s != nil {
		counter("duty_cycle_rejected_total", "Records outside the duty-cycle on-window.",
			func() float64 { return float64(s().Rejected) })
		counter("duty_cycle_resyncs_total", "Duty-cycle window resynchronisations after input gaps.",
			func() float64 { return float64(s().Resyncs) })
	}

	if s := src.Retention; s != nil {
		counter("retention_errors_total", "Sealed files retention failed to delete.",
			func() float64 { return float64(s().Errors) })
	}

	if s := src.Compaction; s != nil {
		counter("aggregation_messages_processed_total", "Sealed file announcements aggregated.",
			func() float64 { return float64(s().MessagesProcessed) })
		counter("aggregation_messages_failed_total", "Announcements left for redelivery after a failure.",
			func() float64 { return float64(s().MessagesFailed) })
		counter("aggregation_messages_dropped_total", "Announcements dropped as unprocessable.",
			func() float64 { return float64(s().MessagesDropped) })
		counter("aggregate_buckets_written_total", "Aggregate buckets written to the table.",
			func() float64 { return float64(s().BucketsWritten) })
		counter("aggregate_buckets_kept_total", "Rebuilt buckets discarded because the stored bucket holds more samples.",
			func() float64 { return float64(s().BucketsKept) })
	}

	if s := src.Backpressure; s != nil {
		gauge("backpressure_level", "Ingestion queue pressure: 0 normal, 1 warning, 2 critical.",
			func() float64 { return float64(s().CurrentLevel) })
	}

	if s := src.QueueDepth; s != nil {
		gauge("durable_queue_depth", "Sealed file announcements awaiting aggregation.",
			func() float64 {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				n, err := s(ctx)
				if err != nil {
					return -1
				}
				return float64(n)
			})
	}

	for _, c := range cs {
		if err := m.reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
