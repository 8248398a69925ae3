// Package logging provides structured logging for the spectra daemon.
//
// It wraps log/slog so that every component logs through the same handler
// with a "component" attribute. Call Init once at startup; packages keep a
// package-level logger obtained from Component.
//
//	logging.Init(slog.LevelInfo, false)
//	log := logging.Component("ingestion")
//	log.Info("file sealed", "path", path, "records", n)
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
)

var (
	mu     sync.RWMutex
	logger *slog.Logger
)

// Init initializes the global logger with the specified level and format.
// If jsonFormat is true, logs are output as JSON; otherwise, human-readable text.
func Init(level slog.Level, jsonFormat bool) {
	InitWithWriter(os.Stdout, level, jsonFormat)
}

// InitWithWriter is Init with a custom destination.
func InitWithWriter(w io.Writer, level slog.Level, jsonFormat bool) {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if jsonFormat {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	InitWithHandler(handler)
}

// InitWithHandler initializes the global logger with a custom handler.
// This is useful for testing or custom output destinations.
func InitWithHandler(handler slog.Handler) {
	l := slog.New(handler)

	mu.Lock()
	logger = l
	mu.Unlock()

	slog.SetDefault(l)
}

// ParseLevel maps a config string to a slog level. Unknown values map to info.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func current() *slog.Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l != nil {
		return l
	}
	Init(slog.LevelInfo, false)
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// componentHandler resolves the global handler on every call so that
// package-level loggers created before Init still honor it.
type componentHandler struct {
	attrs []slog.Attr
	group string
}

func (h *componentHandler) base() slog.Handler {
	var hd slog.Handler = current().Handler()
	if len(h.attrs) > 0 {
		hd = hd.WithAttrs(h.attrs)
	}
	if h.group != "" {
		hd = hd.WithGroup(h.group)
	}
	return hd
}

func (h *componentHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base().Enabled(ctx, level)
}

func (h *componentHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.base().Handle(ctx, r)
}

func (h *componentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if h.group != "" {
		return h.base().WithAttrs(attrs)
	}
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &componentHandler{attrs: merged}
}

func (h *componentHandler) WithGroup(name string) slog.Handler {
	if h.group != "" {
		return h.base().WithGroup(name)
	}
	return &componentHandler{attrs: h.attrs, group: name}
}

// Component returns a logger for a specific component.
// The component name is added as an attribute to all log entries.
func Component(name string) *slog.Logger {
	return slog.New(&componentHandler{attrs: []slog.Attr{slog.String("component", name)}})
}

// With returns a new logger with additional attributes.
func With(args ...any) *slog.Logger {
	return current().With(args...)
}

type contextKey int

const (
	contextKeyStation contextKey = iota
	contextKeyGranularity
	contextKeyFile
)

// ContextWithStation adds a station ID to the context for logging.
func ContextWithStation(ctx context.Context, stationID string) context.Context {
	return context.WithValue(ctx, contextKeyStation, stationID)
}

// ContextWithGranularity adds an aggregation granularity to the context.
func ContextWithGranularity(ctx context.Context, granularity string) context.Context {
	return context.WithValue(ctx, contextKeyGranularity, granularity)
}

// ContextWithFile adds the sealed file being processed to the context.
func ContextWithFile(ctx context.Context, path string) context.Context {
	return context.WithValue(ctx, contextKeyFile, path)
}

// FromContext decorates l with the values stored by the ContextWith* helpers.
func FromContext(ctx context.Context, l *slog.Logger) *slog.Logger {
	if l == nil {
		l = current()
	}
	if v, ok := ctx.Value(contextKeyStation).(string); ok {
		l = l.With("station", v)
	}
	if v, ok := ctx.Value(contextKeyGranularity).(string); ok {
		l = l.With("granularity", v)
	}
	if v, ok := ctx.Value(contextKeyFile).(string); ok {
		l = l.With("file", v)
	}
	return l
}

// Info logs at info level on the global logger.
func Info(msg string, args ...any) {
	current().Info(msg, args...)
}

// Warn logs at warning level on the global logger.
func Warn(msg string, args ...any) {
	current().Warn(msg, args...)
}

// Error logs at error level on the global logger.
func Error(msg string, args ...any) {
	current().Error(msg, args...)
}
