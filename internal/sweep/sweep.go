// Package sweep turns rtl_power and hackrf_sweep CSV output into spectral
// records.
//
// Both tools print one line per scanned segment:
//
//	date, time, hz_low, hz_high, hz_step, samples, dB, dB, ...
//
// Each line becomes one SpectralRecord whose readings are the dB values in
// slot order. The stop frequency is derived from hz_low and hz_step so that
// slot i maps to hz_low + i*hz_step.
package sweep

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/xtxerr/spectra/internal/errors"
	"github.com/xtxerr/spectra/internal/logging"
	"github.com/xtxerr/spectra/internal/storage/types"
)

var log = logging.Component("sweep")

// ParseErrorsThreshold is the default number of consecutive bad lines
// tolerated before Run gives up.
const ParseErrorsThreshold = 5

// ErrTooManyParseErrors is returned when the consecutive parse error count
// exceeds the threshold.
var ErrTooManyParseErrors = errors.New("too many consecutive parse errors")

const timeLayout = "2006-01-02 15:04:05.999999999"

// Parser converts lines into records.
type Parser struct {
	DeviceID string
	Location *time.Location

	// Threshold overrides ParseErrorsThreshold when positive.
	Threshold int
}

// ParseLine parses one CSV line.
func (p *Parser) ParseLine(line string) (*types.SpectralRecord, error) {
	fields := strings.Split(line, ",")
	if len(fields) < 7 {
		return nil, fmt.Errorf("%w: %d fields", errors.ErrInvalidRecord, len(fields))
	}

	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}
	stamp := strings.TrimSpace(fields[0]) + " " + strings.TrimSpace(fields[1])
	ts, err := time.ParseInLocation(timeLayout, stamp, loc)
	if err != nil {
		return nil, fmt.Errorf("%w: timestamp: %v", errors.ErrInvalidRecord, err)
	}

	low, err := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64)
	if err != nil {
		return nil, fmt.Errorf("%w: start frequency: %v", errors.ErrInvalidRecord, err)
	}
	step, err := strconv.ParseFloat(strings.TrimSpace(fields[4]), 64)
	if err != nil {
		return nil, fmt.Errorf("%w: step: %v", errors.ErrInvalidRecord, err)
	}
	if step < 0 {
		return nil, fmt.Errorf("%w: negative step %g", errors.ErrInvalidRecord, step)
	}
	if _, err := strconv.Atoi(strings.TrimSpace(fields[5])); err != nil {
		return nil, fmt.Errorf("%w: sample count: %v", errors.ErrInvalidRecord, err)
	}

	readings := make([]float32, 0, len(fields)-6)
	for i, field := range fields[6:] {
		field = strings.TrimSpace(field)
		if field == "" && i == len(fields)-7 {
			// trailing comma
			continue
		}
		v, err := strconv.ParseFloat(field, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: reading %d: %q", errors.ErrInvalidRecord, i, field)
		}
		readings = append(readings, float32(v))
	}
	if len(readings) == 0 {
		return nil, fmt.Errorf("%w: no readings", errors.ErrEmptyReadings)
	}

	start := int64(math.Round(low))
	rec := &types.SpectralRecord{
		Timestamp:        ts,
		StartFrequencyHz: start,
		StopFrequencyHz:  start + int64(math.Round(float64(len(readings)-1)*step)),
		ReadingKind:      types.ReadingAverage,
		Readings:         readings,
		DeviceID:         p.DeviceID,
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

// Run reads lines from r until EOF or ctx is done and hands every parsed
// record to sink. Blank lines and lines starting with '#' are skipped.
// A sink error stops the run.
func (p *Parser) Run(ctx context.Context, r io.Reader, sink func(types.Record) error) (int, error) {
	threshold := p.Threshold
	if threshold <= 0 {
		threshold = ParseErrorsThreshold
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var count, consecutive int
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return count, err
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		rec, err := p.ParseLine(line)
		if err != nil {
			consecutive++
			log.Warn("skipping line", "error", err, "consecutive", consecutive)
			if consecutive > threshold {
				return count, fmt.Errorf("%w: last: %w", ErrTooManyParseErrors, err)
			}
			continue
		}
		consecutive = 0

		if err := sink(rec); err != nil {
			return count, err
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, fmt.Errorf("read input: %w", err)
	}
	return count, nil
}

// RunCommand starts name with args and feeds its stdout through Run. The
// process is killed when ctx is cancelled.
func (p *Parser) RunCommand(ctx context.Context, sink func(types.Record) error, name string, args ...string) (int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", name, err)
	}
	log.Info("sweep command started", "command", name, "pid", cmd.Process.Pid)

	n, runErr := p.Run(ctx, stdout, sink)
	if runErr != nil {
		cancel()
	}
	waitErr := cmd.Wait()

	if runErr != nil {
		return n, runErr
	}
	if waitErr != nil && ctx.Err() == nil {
		return n, fmt.Errorf("%s exited: %w", name, waitErr)
	}
	return n, nil
}
