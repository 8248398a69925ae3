package rawfile

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/flate"

	"github.com/xtxerr/spectra/internal/errors"
)

// ReadFile decodes a sealed raw file.
func ReadFile(path string) (*Container, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	c, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Decode reads a deflate-compressed container from r.
func Decode(r io.Reader) (*Container, error) {
	fr := flate.NewReader(r)
	defer fr.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, fr); err != nil {
		return nil, fmt.Errorf("%w: inflate: %v", errors.ErrCorruptContainer, err)
	}
	return decodeContainer(buf.Bytes())
}

// Encode writes the container deflate-compressed to w.
func Encode(w io.Writer, c *Container, level int) error {
	fw, err := flate.NewWriter(w, level)
	if err != nil {
		return fmt.Errorf("deflate writer: %w", err)
	}
	if _, err := fw.Write(encodeContainer(c.Header, c.Records)); err != nil {
		return err
	}
	return fw.Close()
}
