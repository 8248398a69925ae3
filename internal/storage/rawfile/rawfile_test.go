package rawfile

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/spectra/internal/errors"
	"github.com/xtxerr/spectra/internal/storage/types"
)

var base = time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

func testConfig() *types.ConfigRecord {
	return &types.ConfigRecord{
		Timestamp: base,
		Hardware:  "rtl-sdr v4",
		Station: types.StationConfig{
			StationID: "st-01",
			Name:      "roof",
			Sensors: []types.SensorConfig{
				{ID: "s0", Hardware: "rtl", StartFrequencyHz: 400e6, StopFrequencyHz: 470e6, SamplesPerScan: 1024},
			},
			Aggregation: types.AggregationSettings{Enabled: true, Granularities: []string{"hourly", "daily"}},
			RawCapture: types.RawCaptureSettings{
				Enabled:         true,
				BucketWidth:     time.Hour,
				DutyCycleOn:     100 * time.Millisecond,
				DutyCyclePeriod: time.Second,
				Retention:       48 * time.Hour,
			},
		},
	}
}

func spectral(offset time.Duration, readings ...float32) *types.SpectralRecord {
	return &types.SpectralRecord{
		Timestamp:        base.Add(offset),
		StartFrequencyHz: 433_000_000,
		StopFrequencyHz:  434_000_000,
		ReadingKind:      types.ReadingMaximum,
		Readings:         readings,
		DeviceID:         "dev-1",
		Location:         "47.37,8.54",
	}
}

func sameRecord(t *testing.T, got, want *types.SpectralRecord) {
	t.Helper()
	if !got.Timestamp.Equal(want.Timestamp) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, want.Timestamp)
	}
	if got.StartFrequencyHz != want.StartFrequencyHz || got.StopFrequencyHz != want.StopFrequencyHz {
		t.Errorf("range = %d-%d, want %d-%d", got.StartFrequencyHz, got.StopFrequencyHz,
			want.StartFrequencyHz, want.StopFrequencyHz)
	}
	if got.ReadingKind != want.ReadingKind {
		t.Errorf("kind = %v, want %v", got.ReadingKind, want.ReadingKind)
	}
	if got.DeviceID != want.DeviceID || got.Location != want.Location {
		t.Errorf("device/location = %q/%q, want %q/%q", got.DeviceID, got.Location, want.DeviceID, want.Location)
	}
	if len(got.Readings) != len(want.Readings) {
		t.Fatalf("readings len = %d, want %d", len(got.Readings), len(want.Readings))
	}
	for i := range got.Readings {
		if got.Readings[i] != want.Readings[i] {
			t.Errorf("readings[%d] = %v, want %v", i, got.Readings[i], want.Readings[i])
		}
	}
}

func TestContainerRoundTrip(t *testing.T) {
	header := testConfig()
	records := []*types.SpectralRecord{
		spectral(time.Second, -71.5, -80.25, -92),
		spectral(2*time.Second+123*time.Nanosecond, -60),
	}
	records[1].ReadingKind = types.ReadingAverage
	records[1].Location = ""

	var buf bytes.Buffer
	if err := Encode(&buf, &Container{Header: header, Records: records}, 6); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	c, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if c.Len() != 3 {
		t.Fatalf("Len = %d, want 3", c.Len())
	}
	if c.Header == nil {
		t.Fatal("header missing")
	}
	if c.Header.Hardware != header.Hardware || !c.Header.Timestamp.Equal(header.Timestamp) {
		t.Errorf("header = %+v", c.Header)
	}
	st := c.Header.Station
	if st.StationID != "st-01" || st.Name != "roof" || len(st.Sensors) != 1 {
		t.Errorf("station = %+v", st)
	}
	if st.Sensors[0] != header.Station.Sensors[0] {
		t.Errorf("sensor = %+v, want %+v", st.Sensors[0], header.Station.Sensors[0])
	}
	if !st.Aggregation.Enabled || len(st.Aggregation.Granularities) != 2 {
		t.Errorf("aggregation = %+v", st.Aggregation)
	}
	if st.RawCapture != header.Station.RawCapture {
		t.Errorf("raw capture = %+v, want %+v", st.RawCapture, header.Station.RawCapture)
	}

	for i := range records {
		sameRecord(t, c.Records[i], records[i])
	}
}

func TestContainerEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, &Container{}, 6); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	c, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if c.Len() != 0 || c.Header != nil {
		t.Errorf("expected empty container, got %+v", c)
	}
}

func TestDecodeCorrupt(t *testing.T) {
	if _, err := Decode(bytes.NewReader([]byte("definitely not deflate"))); !errors.Is(err, errors.ErrCorruptContainer) {
		t.Errorf("expected ErrCorruptContainer, got %v", err)
	}

	// Valid deflate stream around a truncated message.
	data := encodeContainer(nil, []*types.SpectralRecord{spectral(0, 1, 2, 3)})
	if _, err := decodeContainer(data[:len(data)/2]); !errors.Is(err, errors.ErrCorruptContainer) {
		t.Errorf("expected ErrCorruptContainer for truncated message, got %v", err)
	}
}

func TestTimestampPresence(t *testing.T) {
	tests := []struct {
		name string
		ts   time.Time
	}{
		{"unix epoch", time.Unix(0, 0).UTC()},
		{"before epoch", time.Unix(-3600, 0).UTC()},
		{"unset", time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := testConfig()
			header.Timestamp = tt.ts
			rec := spectral(0, 1)
			rec.Timestamp = tt.ts

			c, err := decodeContainer(encodeContainer(header, []*types.SpectralRecord{rec}))
			if err != nil {
				t.Fatalf("decodeContainer: %v", err)
			}
			if !c.Header.Timestamp.Equal(tt.ts) || c.Header.Timestamp.IsZero() != tt.ts.IsZero() {
				t.Errorf("header timestamp = %v, want %v", c.Header.Timestamp, tt.ts)
			}
			got := c.Records[0].Timestamp
			if !got.Equal(tt.ts) || got.IsZero() != tt.ts.IsZero() {
				t.Errorf("record timestamp = %v, want %v", got, tt.ts)
			}
		})
	}
}

func TestBoundary(t *testing.T) {
	tests := []struct {
		ts    time.Time
		width time.Duration
		want  time.Time
	}{
		{base.Add(59 * time.Minute), time.Hour, base},
		{base.Add(time.Hour), time.Hour, base.Add(time.Hour)},
		{base.Add(44 * time.Minute), 30 * time.Minute, base.Add(30 * time.Minute)},
		{time.Unix(-1, 0), time.Minute, time.Unix(-60, 0).UTC()},
		{base.In(time.FixedZone("CET", 3600)).Add(10 * time.Minute), time.Hour, base},
	}

	for _, tt := range tests {
		if got := Boundary(tt.ts, tt.width); !got.Equal(tt.want) {
			t.Errorf("Boundary(%v, %v) = %v, want %v", tt.ts, tt.width, got, tt.want)
		}
	}
}

func TestFileNames(t *testing.T) {
	ts := time.Date(2026, 3, 14, 15, 4, 5, 999, time.UTC)
	if got := TempName(ts); got != "2026-03-14T150405.bin.tmp" {
		t.Errorf("TempName = %q", got)
	}
	if got := SealedName(ts, "dfl"); got != "2026-03-14T150405.bin.dfl" {
		t.Errorf("SealedName = %q", got)
	}
	parsed, err := ParseFileTime("/data/raw/2026-03-14T150405.bin.dfl")
	if err != nil {
		t.Fatalf("ParseFileTime: %v", err)
	}
	if !parsed.Equal(ts.Truncate(time.Second)) {
		t.Errorf("parsed = %v", parsed)
	}
	if _, err := ParseFileTime("notes.txt"); err == nil {
		t.Error("expected error for foreign file")
	}

	if got := fileNameSeq(ts, 0); got != "2026-03-14T150405" {
		t.Errorf("fileNameSeq(0) = %q", got)
	}
	if got := fileNameSeq(ts, 3); got != "2026-03-14T150405-3" {
		t.Errorf("fileNameSeq(3) = %q", got)
	}

	seqs := []struct {
		name string
		seq  int
		ok   bool
	}{
		{"2026-03-14T150405.bin.dfl", 0, true},
		{"2026-03-14T150405-1.bin.dfl", 1, true},
		{"2026-03-14T150405-12.bin.tmp", 12, true},
		{"2026-03-14T150405-0.bin.dfl", 0, false},
		{"2026-03-14T150405-01.bin.dfl", 0, false},
		{"2026-03-14T150405-.bin.dfl", 0, false},
		{"2026-03-14T150405-+2.bin.dfl", 0, false},
		{"2026-03-14T150405x1.bin.dfl", 0, false},
	}
	for _, tt := range seqs {
		got, seq, err := parseFileName(tt.name)
		if (err == nil) != tt.ok {
			t.Errorf("parseFileName(%q) error = %v, want ok=%v", tt.name, err, tt.ok)
			continue
		}
		if tt.ok && (seq != tt.seq || !got.Equal(ts.Truncate(time.Second))) {
			t.Errorf("parseFileName(%q) = %v, %d", tt.name, got, seq)
		}
	}
}

func newTestWriter(t *testing.T, dir string, onSealed func(SealResult)) *Writer {
	t.Helper()
	opts := DefaultOptions()
	opts.Dir = dir
	opts.OnSealed = onSealed
	w, err := NewWriter(opts)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	return w
}

func TestWriterRotation(t *testing.T) {
	dir := t.TempDir()

	var mu sync.Mutex
	var results []SealResult
	w := newTestWriter(t, dir, func(r SealResult) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	})

	cfg := testConfig()
	writes := []types.Record{
		cfg,
		spectral(10*time.Minute, 1, 2),
		spectral(50*time.Minute, 3, 4),
		spectral(65*time.Minute, 5, 6),
		spectral(70*time.Minute, 7, 8),
		spectral(3*time.Hour, 9),
	}
	for _, rec := range writes {
		if err := w.WriteIfNeeded(rec); err != nil {
			t.Fatalf("WriteIfNeeded: %v", err)
		}
	}
	if w.CurrentFile() != filepath.Join(dir, "2026-03-14T030000.bin.tmp") {
		t.Errorf("current file = %q", w.CurrentFile())
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	files, err := ListSealed(dir, "dfl")
	if err != nil {
		t.Fatalf("ListSealed: %v", err)
	}
	wantNames := []string{
		"2026-03-14T000000.bin.dfl",
		"2026-03-14T010000.bin.dfl",
		"2026-03-14T030000.bin.dfl",
	}
	wantCounts := []int{2, 2, 1}
	if len(files) != len(wantNames) {
		t.Fatalf("got %d sealed files, want %d", len(files), len(wantNames))
	}

	for i, f := range files {
		if f.Name != wantNames[i] {
			t.Errorf("file[%d] = %s, want %s", i, f.Name, wantNames[i])
		}
		c, err := ReadFile(f.Path)
		if err != nil {
			t.Fatalf("ReadFile(%s): %v", f.Name, err)
		}
		if len(c.Records) != wantCounts[i] {
			t.Errorf("%s has %d records, want %d", f.Name, len(c.Records), wantCounts[i])
		}
		if c.Header == nil || c.Header.Station.StationID != "st-01" {
			t.Errorf("%s missing config header", f.Name)
		}
		for _, r := range c.Records {
			if got := Boundary(r.Timestamp, time.Hour); !got.Equal(f.Start) {
				t.Errorf("%s holds record from bucket %v", f.Name, got)
			}
		}
	}

	if matches, _ := filepath.Glob(filepath.Join(dir, "*.tmp")); len(matches) != 0 {
		t.Errorf("temp files left behind: %v", matches)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(results) != 3 {
		t.Fatalf("OnSealed called %d times, want 3", len(results))
	}
	for _, r := range results {
		if r.Err != nil {
			t.Errorf("seal error: %v", r.Err)
		}
	}

	st := w.Stats()
	if st.FilesOpened != 3 || st.FilesSealed != 3 || st.RecordsWritten != 5 || st.SealErrors != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestWriterSingleRecordFile(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriter(t, dir, nil)

	rec := spectral(5*time.Second, -42)
	if err := w.WriteIfNeeded(rec); err != nil {
		t.Fatalf("WriteIfNeeded: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	c, err := ReadFile(filepath.Join(dir, "2026-03-14T000000.bin.dfl"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if c.Header != nil {
		t.Error("no config was written, header should be nil")
	}
	if len(c.Records) != 1 {
		t.Fatalf("records = %d, want 1", len(c.Records))
	}
	sameRecord(t, c.Records[0], rec)
}

func TestWriterFlushReopensWithRecordName(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriter(t, dir, nil)
	defer w.Close()

	if err := w.WriteIfNeeded(spectral(10*time.Minute, 1)); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if w.CurrentFile() != "" {
		t.Error("Flush should leave no open file")
	}

	if err := w.WriteIfNeeded(spectral(20*time.Minute, 2)); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	for _, name := range []string{"2026-03-14T000000.bin.dfl", "2026-03-14T002000.bin.dfl"} {
		c, err := ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("ReadFile(%s): %v", name, err)
		}
		if len(c.Records) != 1 {
			t.Errorf("%s has %d records, want 1", name, len(c.Records))
		}
	}
}

func TestWriterKeepsExistingTarget(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "2026-03-14T000000.bin.dfl")
	if err := os.WriteFile(target, []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}

	w := newTestWriter(t, dir, nil)
	// A record exactly on the boundary maps to the same name either way.
	if err := w.WriteIfNeeded(spectral(0, 7)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if data, err := os.ReadFile(target); err != nil || string(data) != "old" {
		t.Errorf("existing target changed: %q %v", data, err)
	}
	c, err := ReadFile(filepath.Join(dir, "2026-03-14T000000-1.bin.dfl"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(c.Records) != 1 || c.Records[0].Readings[0] != 7 {
		t.Errorf("records = %+v", c.Records)
	}
}

func TestRenameNoReplace(t *testing.T) {
	dir := t.TempDir()
	from := filepath.Join(dir, "a.bin.tmp")
	to := filepath.Join(dir, "a.bin.dfl")
	for path, data := range map[string]string{from: "new", to: "old"} {
		if err := os.WriteFile(path, []byte(data), 0644); err != nil {
			t.Fatal(err)
		}
	}

	if err := renameNoReplace(from, to); !os.IsExist(err) {
		t.Fatalf("renameNoReplace onto existing file = %v, want exist error", err)
	}
	if data, _ := os.ReadFile(to); string(data) != "old" {
		t.Errorf("target = %q, want old", data)
	}

	if err := os.Remove(to); err != nil {
		t.Fatal(err)
	}
	if err := renameNoReplace(from, to); err != nil {
		t.Fatalf("renameNoReplace: %v", err)
	}
	if data, _ := os.ReadFile(to); string(data) != "new" {
		t.Errorf("target = %q, want new", data)
	}
	if _, err := os.Stat(from); !os.IsNotExist(err) {
		t.Errorf("source still present: %v", err)
	}
}

func TestWriterFlushesWithinOneSecond(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriter(t, dir, nil)

	offsets := []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 700 * time.Millisecond}
	for i, off := range offsets {
		if err := w.WriteIfNeeded(spectral(off, float32(i))); err != nil {
			t.Fatalf("WriteIfNeeded: %v", err)
		}
		if err := w.Flush(); err != nil {
			t.Fatalf("Flush %d: %v", i, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	files, err := ListSealed(dir, "dfl")
	if err != nil {
		t.Fatalf("ListSealed: %v", err)
	}
	wantNames := []string{
		"2026-03-14T000000.bin.dfl",
		"2026-03-14T000000-1.bin.dfl",
		"2026-03-14T000000-2.bin.dfl",
	}
	if len(files) != len(wantNames) {
		t.Fatalf("got %d sealed files, want %d: %+v", len(files), len(wantNames), files)
	}

	for i, f := range files {
		if f.Name != wantNames[i] || f.Seq != i {
			t.Errorf("file[%d] = %s seq %d, want %s", i, f.Name, f.Seq, wantNames[i])
		}
		c, err := ReadFile(f.Path)
		if err != nil {
			t.Fatalf("ReadFile(%s): %v", f.Name, err)
		}
		if len(c.Records) != 1 || c.Records[0].Readings[0] != float32(i) {
			t.Errorf("%s records = %+v", f.Name, c.Records)
		}
	}

	if st := w.Stats(); st.FilesSealed != 3 || st.SealErrors != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestWriterLateRecord(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriter(t, dir, nil)

	for _, off := range []time.Duration{70 * time.Minute, 10 * time.Minute, 75 * time.Minute} {
		if err := w.WriteIfNeeded(spectral(off, 1)); err != nil {
			t.Fatalf("WriteIfNeeded: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	files, err := ListSealed(dir, "dfl")
	if err != nil {
		t.Fatalf("ListSealed: %v", err)
	}
	wantNames := []string{
		"2026-03-14T001000.bin.dfl",
		"2026-03-14T010000.bin.dfl",
		"2026-03-14T011500.bin.dfl",
	}
	if len(files) != len(wantNames) {
		t.Fatalf("got %d sealed files, want %d: %+v", len(files), len(wantNames), files)
	}
	for i, f := range files {
		if f.Name != wantNames[i] {
			t.Errorf("file[%d] = %s, want %s", i, f.Name, wantNames[i])
		}
		c, err := ReadFile(f.Path)
		if err != nil {
			t.Fatalf("ReadFile(%s): %v", f.Name, err)
		}
		if len(c.Records) != 1 {
			t.Errorf("%s has %d records, want 1", f.Name, len(c.Records))
		}
		for _, r := range c.Records {
			if got, want := Boundary(r.Timestamp, time.Hour), Boundary(f.Start, time.Hour); !got.Equal(want) {
				t.Errorf("%s holds record from bucket %v, want %v", f.Name, got, want)
			}
		}
	}

	// The late record must be found when its own bucket is compacted.
	got := FilesOverlapping(files, time.Hour, base, base.Add(time.Hour))
	if len(got) != 1 || got[0].Name != wantNames[0] {
		t.Errorf("FilesOverlapping = %+v", got)
	}

	if st := w.Stats(); st.LateRecords != 1 || st.FilesOpened != 3 || st.RecordsWritten != 3 {
		t.Errorf("stats = %+v", st)
	}
}

func TestWriterRemovesStaleTemps(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "2026-03-13T230000.bin.tmp")
	if err := os.WriteFile(stale, nil, 0644); err != nil {
		t.Fatal(err)
	}

	w := newTestWriter(t, dir, nil)
	defer w.Close()

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("stale temp file still present: %v", err)
	}
	if w.Stats().StaleRemoved != 1 {
		t.Errorf("StaleRemoved = %d, want 1", w.Stats().StaleRemoved)
	}
}

func TestWriterClosed(t *testing.T) {
	w := newTestWriter(t, t.TempDir(), nil)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.WriteIfNeeded(spectral(0, 1)); !errors.Is(err, errors.ErrWriterClosed) {
		t.Errorf("expected ErrWriterClosed, got %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestNewWriterValidation(t *testing.T) {
	opts := DefaultOptions()
	if _, err := NewWriter(opts); !errors.IsValidation(err) {
		t.Errorf("expected validation error for empty dir, got %v", err)
	}

	opts.Dir = t.TempDir()
	opts.CompressionLevel = 42
	if _, err := NewWriter(opts); !errors.IsValidation(err) {
		t.Errorf("expected validation error for level, got %v", err)
	}
}

func TestListSealedAndOverlap(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"2026-03-14T020000.bin.dfl",
		"2026-03-14T000000.bin.dfl",
		"2026-03-14T010000.bin.tmp",
		"2026-03-14T010000.bin.zst",
		"README",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	files, err := ListSealed(dir, "dfl")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 || files[0].Name != "2026-03-14T000000.bin.dfl" {
		t.Fatalf("ListSealed = %+v", files)
	}

	got := FilesOverlapping(files, time.Hour, base.Add(90*time.Minute), base.Add(3*time.Hour))
	if len(got) != 1 || !got[0].Start.Equal(base.Add(2*time.Hour)) {
		t.Errorf("FilesOverlapping = %+v", got)
	}

	missing, err := ListSealed(filepath.Join(dir, "nope"), "dfl")
	if err != nil || missing != nil {
		t.Errorf("missing dir: %v %v", missing, err)
	}
}
