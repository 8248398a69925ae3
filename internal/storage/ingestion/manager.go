// Package ingestion moves records from producers to the raw file writer.
//
// Producers call Enqueue from any goroutine. A single consumer goroutine
// drains the queue in batches, applies the duty-cycle gate to spectral
// records and hands every surviving record to the writer. Cancelling the
// context passed to Start drains what is queued, closes the writer (which
// seals the open file) and stops the consumer.
package ingestion

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/spectra/internal/errors"
	"github.com/xtxerr/spectra/internal/logging"
	"github.com/xtxerr/spectra/internal/storage/types"
)

var log = logging.Component("ingestion")

// RecordWriter persists records. *rawfile.Writer implements it.
type RecordWriter interface {
	WriteIfNeeded(types.Record) error
	Flush() error
	Close() error
}

// Admitter decides whether a spectral record at ts is kept.
// *dutycycle.Gate implements it.
type Admitter interface {
	Admit(ts time.Time) bool
}

// Manager owns the record queue and the consumer loop.
type Manager struct {
	writer RecordWriter
	gate   Admitter

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []types.Record
	started   bool
	cancelled bool
	dead      bool
	err       error

	running atomic.Bool
	done    chan struct{}

	stats Stats
}

// Stats holds ingestion statistics.
type Stats struct {
	Enqueued     atomic.Int64
	Dropped      atomic.Int64
	DutyRejected atomic.Int64
	Invalid      atomic.Int64
	Written      atomic.Int64
	WriteErrors  atomic.Int64
	Batches      atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Running      bool
	QueueDepth   int
	Enqueued     int64
	Dropped      int64
	DutyRejected int64
	Invalid      int64
	Written      int64
	WriteErrors  int64
	Batches      int64
}

// New creates a manager. gate may be nil to admit everything.
func New(writer RecordWriter, gate Admitter) *Manager {
	m := &Manager{
		writer: writer,
		gate:   gate,
		done:   make(chan struct{}),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Start launches the consumer loop. It stops when ctx is cancelled.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.ErrAlreadyStarted
	}
	m.started = true
	m.mu.Unlock()

	m.running.Store(true)

	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.cancelled = true
		m.cond.Broadcast()
		m.mu.Unlock()
	})

	go m.loop(stop)

	log.Info("ingestion started")
	return nil
}

// Enqueue hands a record to the consumer. It never blocks on I/O.
//
// After the context passed to Start is cancelled, records are dropped
// silently. ErrNotRunning is returned when the manager was never started
// or its consumer died.
func (m *Manager) Enqueue(rec types.Record) error {
	if rec == nil {
		return fmt.Errorf("%w: nil record", errors.ErrInvalidRecord)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancelled {
		m.stats.Dropped.Add(1)
		return nil
	}
	if !m.started || m.dead {
		return errors.ErrNotRunning
	}

	m.queue = append(m.queue, rec)
	m.stats.Enqueued.Add(1)
	m.cond.Signal()
	return nil
}

// Flush seals the writer's open file without waiting for a boundary.
func (m *Manager) Flush() error {
	if !m.running.Load() {
		return errors.ErrNotRunning
	}
	return m.writer.Flush()
}

// Running reports whether the consumer loop is alive.
func (m *Manager) Running() bool {
	return m.running.Load()
}

// Wait blocks until the consumer exits. It returns ErrPipelineDead if the
// loop crashed and the writer's close error otherwise.
func (m *Manager) Wait() error {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if !started {
		return errors.ErrNotRunning
	}

	<-m.done

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Done is closed when the consumer exits.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

func (m *Manager) loop(stop func() bool) {
	defer close(m.done)
	defer stop()
	defer func() {
		if r := recover(); r != nil {
			log.Error("ingestion loop panicked", "panic", r, "stack", string(debug.Stack()))

			m.mu.Lock()
			m.dead = true
			m.err = fmt.Errorf("%w: %v", errors.ErrPipelineDead, r)
			m.queue = nil
			m.mu.Unlock()
			m.running.Store(false)

			m.closeWriterAfterPanic()
		}
	}()

	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.cancelled {
			m.cond.Wait()
		}
		batch := m.queue
		m.queue = nil
		cancelled := m.cancelled
		m.mu.Unlock()

		if len(batch) > 0 {
			m.process(batch)
		}
		if cancelled {
			break
		}
	}

	err := m.writer.Close()
	if err != nil {
		log.Error("final seal failed", "error", err)
		err = fmt.Errorf("close writer: %w", err)
	}

	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
	m.running.Store(false)

	log.Info("ingestion stopped",
		"written", m.stats.Written.Load(),
		"dropped", m.stats.Dropped.Load())
}

func (m *Manager) closeWriterAfterPanic() {
	defer func() {
		if r := recover(); r != nil {
			log.Error("writer close panicked", "panic", r)
		}
	}()
	if err := m.writer.Close(); err != nil {
		log.Error("close writer after panic", "error", err)
	}
}

func (m *Manager) process(batch []types.Record) {
	m.stats.Batches.Add(1)

	for _, rec := range batch {
		if sr, ok := rec.(*types.SpectralRecord); ok {
			if err := sr.Validate(); err != nil {
				m.stats.Invalid.Add(1)
				log.Warn("dropping invalid record", "error", err)
				continue
			}
			if m.gate != nil && !m.gate.Admit(sr.Timestamp) {
				m.stats.DutyRejected.Add(1)
				continue
			}
		}

		if err := m.writer.WriteIfNeeded(rec); err != nil {
			m.stats.WriteErrors.Add(1)
			log.Warn("write failed", "kind", rec.Kind(), "time", rec.Time(), "error", err)
			continue
		}
		m.stats.Written.Add(1)
	}
}

// Stats returns current statistics.
func (m *Manager) Stats() StatsSnapshot {
	m.mu.Lock()
	depth := len(m.queue)
	m.mu.Unlock()

	return StatsSnapshot{
		Running:      m.running.Load(),
		QueueDepth:   depth,
		Enqueued:     m.stats.Enqueued.Load(),
		Dropped:      m.stats.Dropped.Load(),
		DutyRejected: m.stats.DutyRejected.Load(),
		Invalid:      m.stats.Invalid.Load(),
		Written:      m.stats.Written.Load(),
		WriteErrors:  m.stats.WriteErrors.Load(),
		Batches:      m.stats.Batches.Load(),
	}
}
