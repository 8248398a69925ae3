package rawfile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	// fileTimeLayout names files after their bucket start (UTC, second precision).
	fileTimeLayout = "2006-01-02T150405"

	binInfix  = ".bin."
	tmpSuffix = ".bin.tmp"
)

// FileName returns the base name shared by the temp and sealed file of a
// bucket starting at t.
func FileName(t time.Time) string {
	return t.UTC().Format(fileTimeLayout)
}

// TempName returns the in-progress file name for t.
func TempName(t time.Time) string {
	return FileName(t) + tmpSuffix
}

// SealedName returns the final file name for t with the given extension.
func SealedName(t time.Time, ext string) string {
	return FileName(t) + binInfix + ext
}

// fileNameSeq returns the base name for t carrying a collision sequence.
// Sequence 0 is the plain FileName; later ones append "-<seq>".
func fileNameSeq(t time.Time, seq int) string {
	if seq == 0 {
		return FileName(t)
	}
	return FileName(t) + "-" + strconv.Itoa(seq)
}

// ParseFileTime extracts the timestamp from a raw file name.
func ParseFileTime(name string) (time.Time, error) {
	t, _, err := parseFileName(name)
	return t, err
}

// parseFileName splits a raw file name into its timestamp and collision
// sequence.
func parseFileName(name string) (time.Time, int, error) {
	base := filepath.Base(name)
	i := strings.Index(base, binInfix)
	if i < 0 {
		return time.Time{}, 0, fmt.Errorf("not a raw file name: %q", base)
	}
	stem := base[:i]

	seq := 0
	if n := len(fileTimeLayout); len(stem) > n {
		digits := stem[n+1:]
		v, err := strconv.Atoi(digits)
		if stem[n] != '-' || err != nil || v < 1 || strconv.Itoa(v) != digits {
			return time.Time{}, 0, fmt.Errorf("bad sequence in raw file name: %q", base)
		}
		seq = v
		stem = stem[:n]
	}

	t, err := time.ParseInLocation(fileTimeLayout, stem, time.UTC)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("parse file time %q: %w", base, err)
	}
	return t, seq, nil
}

// Boundary returns floor(ts / width) * width on the Unix time line.
func Boundary(ts time.Time, width time.Duration) time.Time {
	ns := ts.UnixNano()
	w := width.Nanoseconds()
	if w <= 0 {
		return ts.UTC()
	}
	rem := ns % w
	if rem < 0 {
		rem += w
	}
	return time.Unix(0, ns-rem).UTC()
}

// SealedFile describes one sealed raw file on disk.
type SealedFile struct {
	Path    string
	Name    string
	Start   time.Time // parsed from the name
	Seq     int       // collision sequence, 0 for the first file of Start
	Size    int64
	ModTime time.Time
}

// ListSealed returns sealed files with extension ext in dir ordered by the
// time in their name. Files that do not follow the naming scheme are ignored.
func ListSealed(dir, ext string) ([]SealedFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	suffix := binInfix + ext
	var files []SealedFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, suffix) {
			continue
		}
		start, seq, err := parseFileName(name)
		if err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, SealedFile{
			Path:    filepath.Join(dir, name),
			Name:    name,
			Start:   start,
			Seq:     seq,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].Start.Equal(files[j].Start) {
			return files[i].Seq < files[j].Seq
		}
		return files[i].Start.Before(files[j].Start)
	})

	return files, nil
}

// FilesOverlapping returns the sealed files that may hold records in
// [from, to). A file starting at s covers [s, s+width) unless it was
// re-opened mid-bucket, so width is an upper bound.
func FilesOverlapping(files []SealedFile, width time.Duration, from, to time.Time) []SealedFile {
	var out []SealedFile
	for _, f := range files {
		if !f.Start.Before(to) {
			continue
		}
		if !f.Start.Add(width).After(from) {
			continue
		}
		out = append(out, f)
	}
	return out
}

// removeStaleTemps deletes leftover .bin.tmp files from a previous run.
func removeStaleTemps(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), tmpSuffix) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return removed, err
		}
		removed = append(removed, path)
	}
	return removed, nil
}
