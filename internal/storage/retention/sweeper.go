// Package retention deletes sealed raw files once they are older than the
// configured retention.
package retention

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/xtxerr/spectra/internal/logging"
	"github.com/xtxerr/spectra/internal/storage/rawfile"
)

var log = logging.Component("retention")

// Sweeper removes expired sealed files. Only files carrying the sealed
// extension are considered; in-progress temp files are never touched.
type Sweeper struct {
	mu    sync.Mutex
	ext   string
	now   func() time.Time
	stats Stats
}

// Stats holds cumulative sweeper statistics.
type Stats struct {
	Runs         int64
	LastRunTime  time.Time
	FilesDeleted int64
	BytesFreed   int64
	FilesKept    int64
	Errors       int64
}

// Result holds the outcome of one sweep.
type Result struct {
	Dir          string
	Cutoff       time.Time
	FilesDeleted int
	BytesFreed   int64
	FilesKept    int
	Errors       []error
}

// New creates a sweeper for sealed files with extension ext.
func New(ext string) *Sweeper {
	return &Sweeper{ext: ext, now: time.Now}
}

// Sweep deletes sealed files in dir whose modification time is before
// now - retention. A non-positive retention keeps everything. Failures to
// delete individual files are logged and collected in the result; only a
// failure to list dir is returned as error.
func (s *Sweeper) Sweep(dir string, retention time.Duration) (Result, error) {
	return s.sweep(dir, retention, false)
}

// DryRun reports what Sweep would delete.
func (s *Sweeper) DryRun(dir string, retention time.Duration) (Result, error) {
	return s.sweep(dir, retention, true)
}

func (s *Sweeper) sweep(dir string, retention time.Duration, dryRun bool) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := Result{Dir: dir}
	if retention <= 0 {
		return result, nil
	}
	result.Cutoff = s.now().Add(-retention)

	files, err := s.listFiles(dir)
	if err != nil {
		return result, fmt.Errorf("list files: %w", err)
	}

	for _, f := range files {
		if !f.modTime.Before(result.Cutoff) {
			result.FilesKept++
			continue
		}

		if !dryRun {
			if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
				log.Warn("failed to delete expired file", "path", f.path, "error", err)
				result.Errors = append(result.Errors, fmt.Errorf("delete %s: %w", f.path, err))
				continue
			}
		}

		result.FilesDeleted++
		result.BytesFreed += f.size
	}

	if dryRun {
		return result, nil
	}

	s.stats.Runs++
	s.stats.LastRunTime = s.now()
	s.stats.FilesDeleted += int64(result.FilesDeleted)
	s.stats.BytesFreed += result.BytesFreed
	s.stats.FilesKept += int64(result.FilesKept)
	s.stats.Errors += int64(len(result.Errors))

	if result.FilesDeleted > 0 {
		log.Info("retention sweep",
			"dir", dir,
			"deleted", result.FilesDeleted,
			"freed", humanize.IBytes(uint64(result.BytesFreed)),
			"kept", result.FilesKept)
	}

	return result, nil
}

type fileInfo struct {
	path    string
	size    int64
	modTime time.Time
}

func (s *Sweeper) listFiles(dir string) ([]fileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	suffix := ".bin." + s.ext
	var files []fileInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), suffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{
			path:    filepath.Join(dir, entry.Name()),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
	}
	return files, nil
}

// Stats returns cumulative statistics.
func (s *Sweeper) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// DiskUsage holds disk usage information for a raw directory.
type DiskUsage struct {
	FileCount int
	TotalSize int64
	Oldest    time.Time
	Newest    time.Time
}

// GetDiskUsage sums the sealed files in dir.
func (s *Sweeper) GetDiskUsage(dir string) (DiskUsage, error) {
	files, err := rawfile.ListSealed(dir, s.ext)
	if err != nil {
		return DiskUsage{}, err
	}

	var u DiskUsage
	for _, f := range files {
		u.FileCount++
		u.TotalSize += f.Size
	}
	if len(files) > 0 {
		u.Oldest = files[0].Start
		u.Newest = files[len(files)-1].Start
	}
	return u, nil
}

// FormatDiskUsage renders disk usage for logs and the inspector.
func (s *Sweeper) FormatDiskUsage(dir string) string {
	u, err := s.GetDiskUsage(dir)
	if err != nil {
		return fmt.Sprintf("%s: %v", dir, err)
	}
	if u.FileCount == 0 {
		return fmt.Sprintf("%s: no sealed files", dir)
	}
	return fmt.Sprintf("%s: %d files, %s, %s to %s",
		dir,
		u.FileCount,
		humanize.IBytes(uint64(u.TotalSize)),
		u.Oldest.Format(time.RFC3339),
		humanize.Time(u.Newest))
}
