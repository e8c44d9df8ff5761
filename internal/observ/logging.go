package observ

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogConfig selects level, encoding and destination for the process logger.
type LogConfig struct {
	Level  string // trace, debug, info, warn, error
	Format string // json or console
	Output string // stdout, stderr, or file path
}

var (
	logMu  sync.RWMutex
	logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
)

// InitLogging replaces the process logger. It returns a closer for file
// outputs (no-op for stdout/stderr).
func InitLogging(cfg LogConfig) (io.Closer, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		l, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
		level = l
	}

	var out io.Writer
	var closer io.Closer = nopCloser{}
	switch cfg.Output {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out, closer = f, f
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	SetLogger(zerolog.New(out).Level(level).With().Timestamp().Logger())
	return closer, nil
}

// SetLogger swaps the process logger; tests use it to capture output.
func SetLogger(l zerolog.Logger) {
	logMu.Lock()
	logger = l
	logMu.Unlock()
}

func current() zerolog.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	return logger
}

// Log writes an info-level event with the given fields.
func Log(event string, kv map[string]any) {
	l := current()
	emit(l.Info(), event, kv)
}

// Debug writes a debug-level event.
func Debug(event string, kv map[string]any) {
	l := current()
	emit(l.Debug(), event, kv)
}

// Warn writes a warn-level event.
func Warn(event string, kv map[string]any) {
	l := current()
	emit(l.Warn(), event, kv)
}

// Error writes an error-level event carrying err.
func Error(event string, err error, kv map[string]any) {
	l := current()
	emit(l.Error().Err(err), event, kv)
}

func emit(e *zerolog.Event, event string, kv map[string]any) {
	if e == nil {
		return
	}
	e.Fields(kv).Str("event", event).Msg(event)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
