// Package errors holds the sentinel errors shared by the spectra packages
// and the predicates callers use to classify them.
//
// Errors fall into four groups:
//   - lifecycle: the ingestion pipeline is not (or no longer) running and
//     must be restarted, not retried
//   - validation: bad configuration or input, rejected eagerly
//   - policy: deterministic branches such as duplicate index keys
//   - storage: recoverable I/O conditions
package errors

import (
	"errors"
	"fmt"
)

var (
	// Lifecycle errors
	ErrNotRunning     = errors.New("pipeline not running")
	ErrPipelineDead   = errors.New("pipeline consumer exited unexpectedly")
	ErrAlreadyStarted = errors.New("already started")

	// Validation errors
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrInvalidGranularity = errors.New("invalid granularity")
	ErrLengthMismatch     = errors.New("readings length mismatch")
	ErrEmptyReadings      = errors.New("empty readings")
	ErrMissingStation     = errors.New("missing station id")
	ErrInvalidRecord      = errors.New("invalid record")

	// Policy errors
	ErrDuplicateFrequency = errors.New("duplicate start frequency")

	// Storage errors
	ErrWriterClosed     = errors.New("writer closed")
	ErrCorruptContainer = errors.New("corrupt container")
	ErrMessageTooLarge  = errors.New("message too large")
	ErrNotFound         = errors.New("not found")
)

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// New is a convenience wrapper for errors.New
var New = errors.New

// Join is a convenience wrapper for errors.Join
var Join = errors.Join

// IsFatal reports whether err means the ingestion pipeline must be
// restarted by its supervisor.
func IsFatal(err error) bool {
	return errors.Is(err, ErrNotRunning) ||
		errors.Is(err, ErrPipelineDead)
}

// IsValidation returns true if err is an input or configuration error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrInvalidGranularity) ||
		errors.Is(err, ErrLengthMismatch) ||
		errors.Is(err, ErrEmptyReadings) ||
		errors.Is(err, ErrMissingStation) ||
		errors.Is(err, ErrInvalidRecord)
}

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Wrap adds context to an error, returning nil for a nil error.
func Wrap(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// LengthMismatch describes which frequency group carried inconsistent
// readings lengths.
func LengthMismatch(startHz, stopHz int64, want, got int) error {
	return fmt.Errorf("%w: range %d-%d Hz has %d and %d readings",
		ErrLengthMismatch, startHz, stopHz, want, got)
}

// DuplicateFrequency reports a second insert of the same key.
func DuplicateFrequency(startHz int64) error {
	return fmt.Errorf("%w: %d Hz", ErrDuplicateFrequency, startHz)
}
