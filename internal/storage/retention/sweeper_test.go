package retention

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeAged(t *testing.T, dir, name string, size int, age time.Duration, now time.Time) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, make([]byte, size), 0644); err != nil {
		t.Fatal(err)
	}
	mtime := now.Add(-age)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSweep(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	expired := writeAged(t, dir, "2026-03-01T000000.bin.dfl", 100, 72*time.Hour, now)
	fresh := writeAged(t, dir, "2026-03-03T230000.bin.dfl", 50, time.Hour, now)
	tmp := writeAged(t, dir, "2026-03-01T010000.bin.tmp", 10, 72*time.Hour, now)
	other := writeAged(t, dir, "notes.txt", 10, 72*time.Hour, now)

	s := New("dfl")
	res, err := s.Sweep(dir, 48*time.Hour)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if res.FilesDeleted != 1 || res.BytesFreed != 100 || res.FilesKept != 1 {
		t.Errorf("result = %+v", res)
	}
	if _, err := os.Stat(expired); !os.IsNotExist(err) {
		t.Error("expired file should be deleted")
	}
	for _, p := range []string{fresh, tmp, other} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("%s should survive: %v", filepath.Base(p), err)
		}
	}

	st := s.Stats()
	if st.Runs != 1 || st.FilesDeleted != 1 || st.BytesFreed != 100 {
		t.Errorf("stats = %+v", st)
	}
}

func TestSweepDisabledAndDryRun(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	path := writeAged(t, dir, "2026-03-01T000000.bin.dfl", 1, 72*time.Hour, now)

	s := New("dfl")

	res, err := s.Sweep(dir, 0)
	if err != nil || res.FilesDeleted != 0 {
		t.Errorf("zero retention should keep everything: %+v %v", res, err)
	}

	res, err = s.DryRun(dir, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if res.FilesDeleted != 1 {
		t.Errorf("dry run FilesDeleted = %d, want 1", res.FilesDeleted)
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("dry run must not delete")
	}
	if s.Stats().Runs != 0 {
		t.Error("dry runs and disabled sweeps are not counted")
	}
}

func TestSweepMissingDir(t *testing.T) {
	s := New("dfl")
	res, err := s.Sweep(filepath.Join(t.TempDir(), "missing"), time.Hour)
	if err != nil || res.FilesDeleted != 0 {
		t.Errorf("missing dir: %+v %v", res, err)
	}
}

func TestDiskUsage(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	writeAged(t, dir, "2026-03-01T000000.bin.dfl", 1024, time.Hour, now)
	writeAged(t, dir, "2026-03-01T010000.bin.dfl", 2048, time.Hour, now)
	writeAged(t, dir, "2026-03-01T020000.bin.tmp", 4096, time.Hour, now)

	s := New("dfl")
	u, err := s.GetDiskUsage(dir)
	if err != nil {
		t.Fatal(err)
	}
	if u.FileCount != 2 || u.TotalSize != 3072 {
		t.Errorf("usage = %+v", u)
	}
	if !u.Oldest.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("oldest = %v", u.Oldest)
	}

	out := s.FormatDiskUsage(dir)
	if !strings.Contains(out, "2 files") || !strings.Contains(out, "3.0 KiB") {
		t.Errorf("FormatDiskUsage = %q", out)
	}
}
