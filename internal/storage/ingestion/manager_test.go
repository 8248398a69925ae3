package ingestion

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/spectra/internal/errors"
	"github.com/xtxerr/spectra/internal/storage/dutycycle"
	"github.com/xtxerr/spectra/internal/storage/rawfile"
	"github.com/xtxerr/spectra/internal/storage/types"
	"github.com/xtxerr/spectra/internal/testutil"
)

type fakeWriter struct {
	mu       sync.Mutex
	records  []types.Record
	flushes  int
	closed   bool
	panicAt  int // panic on the n-th write, 0 disables
	writeErr error
}

func (w *fakeWriter) WriteIfNeeded(rec types.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.panicAt > 0 && len(w.records)+1 == w.panicAt {
		panic("disk on fire")
	}
	if w.writeErr != nil {
		return w.writeErr
	}
	w.records = append(w.records, rec)
	return nil
}

func (w *fakeWriter) Flush() error {
	w.mu.Lock()
	w.flushes++
	w.mu.Unlock()
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.records)
}

func (w *fakeWriter) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func at(d time.Duration) time.Time { return testutil.Epoch.Add(d) }

func TestManagerWritesInOrderAndDrainsOnCancel(t *testing.T) {
	w := &fakeWriter{}
	m := New(w, nil)

	ctx, cancel := context.WithCancel(context.Background())
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Start(ctx); !errors.Is(err, errors.ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}

	if err := m.Enqueue(testutil.StationConfig(at(0), "st")); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 50; i++ {
		rec := testutil.Spectral(at(time.Duration(i)*time.Second), types.ReadingAverage, float32(i))
		if err := m.Enqueue(rec); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	cancel()
	if err := m.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if m.Running() {
		t.Error("manager should not be running after cancel")
	}
	if !w.isClosed() {
		t.Error("writer should be closed on shutdown")
	}
	if w.count() != 51 {
		t.Fatalf("written = %d, want 51", w.count())
	}
	if w.records[0].Kind() != types.RecordConfig {
		t.Error("config record should be written first")
	}
	for i, rec := range w.records[1:] {
		sr := rec.(*types.SpectralRecord)
		if sr.Readings[0] != float32(i) {
			t.Fatalf("record %d out of order: %v", i, sr.Readings[0])
		}
	}

	// After cancellation enqueues are dropped, not errors.
	if err := m.Enqueue(testutil.Spectral(at(time.Hour), types.ReadingAverage, 1)); err != nil {
		t.Errorf("Enqueue after cancel = %v, want nil", err)
	}
	if st := m.Stats(); st.Dropped != 1 || st.Written != 51 {
		t.Errorf("stats = %+v", st)
	}
}

func TestManagerNotStarted(t *testing.T) {
	m := New(&fakeWriter{}, nil)
	if err := m.Enqueue(testutil.Spectral(at(0), types.ReadingAverage, 1)); !errors.Is(err, errors.ErrNotRunning) {
		t.Errorf("Enqueue before Start = %v, want ErrNotRunning", err)
	}
	if err := m.Flush(); !errors.Is(err, errors.ErrNotRunning) {
		t.Errorf("Flush before Start = %v, want ErrNotRunning", err)
	}
	if err := m.Wait(); !errors.Is(err, errors.ErrNotRunning) {
		t.Errorf("Wait before Start = %v, want ErrNotRunning", err)
	}
	if err := m.Enqueue(nil); !errors.IsValidation(err) {
		t.Errorf("Enqueue(nil) = %v, want validation error", err)
	}
}

func TestManagerPanicKillsPipeline(t *testing.T) {
	w := &fakeWriter{panicAt: 3}
	m := New(w, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		_ = m.Enqueue(testutil.Spectral(at(time.Duration(i)*time.Second), types.ReadingAverage, 1))
	}

	err := m.Wait()
	if !errors.Is(err, errors.ErrPipelineDead) || !errors.IsFatal(err) {
		t.Fatalf("Wait = %v, want ErrPipelineDead", err)
	}
	if m.Running() {
		t.Error("dead manager reports running")
	}
	if err := m.Enqueue(testutil.Spectral(at(time.Minute), types.ReadingAverage, 1)); !errors.Is(err, errors.ErrNotRunning) {
		t.Errorf("Enqueue after panic = %v, want ErrNotRunning", err)
	}
	if !w.isClosed() {
		t.Error("writer should be closed after a panic")
	}
}

func TestManagerDutyCycleAndInvalid(t *testing.T) {
	w := &fakeWriter{}
	m := New(w, dutycycle.New(100*time.Millisecond, time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	if err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}

	offsets := []time.Duration{0, 50 * time.Millisecond, 150 * time.Millisecond, 1050 * time.Millisecond}
	for _, off := range offsets {
		if err := m.Enqueue(testutil.Spectral(at(off), types.ReadingMaximum, -50)); err != nil {
			t.Fatal(err)
		}
	}
	// Config records bypass the gate.
	if err := m.Enqueue(testutil.StationConfig(at(500*time.Millisecond), "st")); err != nil {
		t.Fatal(err)
	}
	if err := m.Enqueue(testutil.Spectral(at(0), types.ReadingMaximum)); err != nil {
		t.Fatal(err)
	}

	cancel()
	if err := m.Wait(); err != nil {
		t.Fatal(err)
	}

	st := m.Stats()
	if st.Written != 4 || st.DutyRejected != 1 || st.Invalid != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestManagerWriteErrorsAreNotFatal(t *testing.T) {
	w := &fakeWriter{writeErr: fmt.Errorf("disk full")}
	m := New(w, nil)

	ctx, cancel := context.WithCancel(context.Background())
	if err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	_ = m.Enqueue(testutil.Spectral(at(0), types.ReadingAverage, 1))

	if err := testutil.Eventually(time.Second, 5*time.Millisecond, func() bool {
		return m.Stats().WriteErrors == 1
	}); err != nil {
		t.Fatal(err)
	}
	if !m.Running() {
		t.Error("write errors must not stop the loop")
	}
	if err := m.Flush(); err != nil {
		t.Errorf("Flush: %v", err)
	}

	cancel()
	if err := m.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestManagerConcurrentProducers(t *testing.T) {
	w := &fakeWriter{}
	m := New(w, nil)

	ctx, cancel := context.WithCancel(context.Background())
	if err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}

	const producers, perProducer = 8, 200

	gt := testutil.NewGoroutineTestWithTimeout(t, 10*time.Second)
	for p := 0; p < producers; p++ {
		gt.Go(func() error {
			for i := 0; i < perProducer; i++ {
				rec := testutil.Spectral(at(time.Duration(i)*time.Millisecond), types.ReadingAverage, float32(p))
				if err := m.Enqueue(rec); err != nil {
					return fmt.Errorf("producer %d: %w", p, err)
				}
			}
			return nil
		})
	}
	gt.Wait()

	cancel()
	if err := m.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := w.count(); got != producers*perProducer {
		t.Errorf("written = %d, want %d", got, producers*perProducer)
	}
}

func TestManagerWithRotationWriter(t *testing.T) {
	dir := t.TempDir()
	opts := rawfile.DefaultOptions()
	opts.Dir = dir
	w, err := rawfile.NewWriter(opts)
	if err != nil {
		t.Fatal(err)
	}

	m := New(w, nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}

	records := []types.Record{
		testutil.StationConfig(at(0), "st"),
		testutil.Spectral(at(10*time.Minute), types.ReadingAverage, 1, 2, 3),
		testutil.Spectral(at(70*time.Minute), types.ReadingAverage, 4, 5, 6),
	}
	for _, rec := range records {
		if err := m.Enqueue(rec); err != nil {
			t.Fatal(err)
		}
	}

	cancel()
	if err := m.Wait(); err != nil {
		t.Fatal(err)
	}

	files, err := rawfile.ListSealed(dir, "dfl")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Fatalf("sealed files = %d, want 2", len(files))
	}
	if matches, _ := filepath.Glob(filepath.Join(dir, "*.tmp")); len(matches) != 0 {
		t.Errorf("temp files after shutdown: %v", matches)
	}
	for _, f := range files {
		c, err := rawfile.ReadFile(f.Path)
		if err != nil {
			t.Fatal(err)
		}
		if c.Header == nil || c.Header.Station.StationID != "st" || len(c.Records) != 1 {
			t.Errorf("%s: header=%v records=%d", f.Name, c.Header, len(c.Records))
		}
	}
}
