package parquet

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"

	"github.com/xtxerr/spectra/internal/storage/types"
)

// BandReader reads band rows from a Parquet file.
type BandReader struct {
	file   *os.File
	reader *parquet.GenericReader[BandRow]
	path   string
}

// NewBandReader creates a new band Parquet reader.
func NewBandReader(path string) (*BandReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	return &BandReader{
		file:   f,
		reader: parquet.NewGenericReader[BandRow](f),
		path:   path,
	}, nil
}

// ReadAll reads every row of the file.
func (r *BandReader) ReadAll() ([]BandRow, error) {
	rows := make([]BandRow, r.reader.NumRows())

	n, err := r.reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return rows[:n], nil
}

// NumRows returns the total number of rows in the file.
func (r *BandReader) NumRows() int64 {
	return r.reader.NumRows()
}

// Close closes the reader.
func (r *BandReader) Close() error {
	if err := r.reader.Close(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

// Path returns the file path.
func (r *BandReader) Path() string {
	return r.path
}

// ReadFile loads the buckets stored in one archive file.
func ReadFile(path string) ([]*types.AggregateBucket, error) {
	r, err := NewBandReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return RowsToBuckets(rows)
}
