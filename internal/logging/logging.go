// Package logging provides structured logging functionality.
package logging

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string
	Console    bool
	File       bool
	FilePath   string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	home, _ := os.UserHomeDir()
	return LogConfig{
		Level:      "info",
		Console:    true,
		File:       true,
		FilePath:   filepath.Join(home, ".config", "stockbit-ingest", "logs", "ingest.log"),
		MaxSize:    100,
		MaxBackups: 7,
		MaxAge:     30,
	}
}

// NewLogger creates a new logger with default configuration.
func NewLogger() zerolog.Logger {
	return NewLoggerWithConfig(DefaultLogConfig())
}

// NewLoggerWithConfig creates a new logger with the specified configuration.
func NewLoggerWithConfig(cfg LogConfig) zerolog.Logger {
	var writers []io.Writer

	// Console writer
	if cfg.Console {
		consoleWriter := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
			FormatLevel: func(i interface{}) string {
				if ll, ok := i.(string); ok {
					switch ll {
					case "debug":
						return "\033[36mDBG\033[0m"
					case "info":
						return "\033[32mINF\033[0m"
					case "warn":
						return "\033[33mWRN\033[0m"
					case "error":
						return "\033[31mERR\033[0m"
					default:
						return ll
					}
				}
				return "???"
			},
		}
		writers = append(writers, consoleWriter)
	}

	// File writer with rotation
	if cfg.File {
		logDir := filepath.Dir(cfg.FilePath)
		if err := os.MkdirAll(logDir, 0755); err == nil {
			fileWriter := &lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   true,
			}
			writers = append(writers, fileWriter)
		}
	}

	var writer io.Writer
	if len(writers) == 0 {
		writer = os.Stdout
	} else if len(writers) == 1 {
		writer = writers[0]
	} else {
		writer = zerolog.MultiLevelWriter(writers...)
	}

	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	logger := zerolog.New(writer).
		With().
		Timestamp().
		Caller().
		Logger()

	return logger
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// SetDebugLevel sets the global log level to debug.
func SetDebugLevel() {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
}

// SetInfoLevel sets the global log level to info.
func SetInfoLevel() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// ContextKey is the type for context keys.
type ContextKey string

const (
	// LoggerKey is the context key for the logger.
	LoggerKey ContextKey = "logger"
	// RequestIDKey is the context key for request ID.
	RequestIDKey ContextKey = "request_id"
	// JobIDKey is the context key for a historical job ID.
	JobIDKey ContextKey = "job_id"
	// TickerKey is the context key for a ticker symbol.
	TickerKey ContextKey = "ticker"
)

// WithLogger adds a logger to the context.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// FromContext retrieves the logger from context.
func FromContext(ctx context.Context) zerolog.Logger {
	if logger, ok := ctx.Value(LoggerKey).(zerolog.Logger); ok {
		return logger
	}
	return zerolog.Nop()
}

// WithTicker adds a ticker symbol to the logger context.
func WithTicker(logger zerolog.Logger, ticker string) zerolog.Logger {
	return logger.With().Str("ticker", ticker).Logger()
}

// WithJobID adds a job ID to the logger context.
func WithJobID(logger zerolog.Logger, jobID string) zerolog.Logger {
	return logger.With().Str("job_id", jobID).Logger()
}

// WithSessionID adds a stream session ID to the logger context.
func WithSessionID(logger zerolog.Logger, sessionID string) zerolog.Logger {
	return logger.With().Str("session_id", sessionID).Logger()
}

// WithOperation adds an operation name to the logger context.
func WithOperation(logger zerolog.Logger, operation string) zerolog.Logger {
	return logger.With().Str("operation", operation).Logger()
}

// LogJobEvent logs a historical job lifecycle transition.
func LogJobEvent(logger zerolog.Logger, jobID, status string, tasksTotal, tasksDone int) {
	logger.Info().
		Str("event", "job_status").
		Str("job_id", jobID).
		Str("status", status).
		Int("tasks_total", tasksTotal).
		Int("tasks_done", tasksDone).
		Msg("job status changed")
}

// LogTaskEvent logs a per-task fetch outcome.
func LogTaskEvent(logger zerolog.Logger, jobID, taskID, ticker, date, status string, rowsWritten int, err error) {
	event := logger.Info().
		Str("event", "task_status").
		Str("job_id", jobID).
		Str("task_id", taskID).
		Str("ticker", ticker).
		Str("date", date).
		Str("status", status).
		Int("rows_written", rowsWritten)
	if err != nil {
		event.Err(err).Msg("task failed")
	} else {
		event.Msg("task progressed")
	}
}

// LogSessionEvent logs a streaming session state transition.
func LogSessionEvent(logger zerolog.Logger, sessionID, fromState, toState string, attempt int) {
	logger.Info().
		Str("event", "session_status").
		Str("session_id", sessionID).
		Str("from", fromState).
		Str("to", toState).
		Int("reconnect_attempt", attempt).
		Msg("session state changed")
}

// LogFrameDropped logs a frame that failed to decode or was for an
// unrecognized field, without aborting the session.
func LogFrameDropped(logger zerolog.Logger, sessionID, reason string) {
	logger.Warn().
		Str("event", "frame_dropped").
		Str("session_id", sessionID).
		Str("reason", reason).
		Msg("dropped malformed frame")
}

// LogAPICall logs an outbound REST request.
func LogAPICall(logger zerolog.Logger, method, endpoint string, duration time.Duration, err error) {
	event := logger.Debug().
		Str("event", "api_call").
		Str("method", method).
		Str("endpoint", endpoint).
		Dur("duration", duration)

	if err != nil {
		event.Err(err).Msg("API call failed")
	} else {
		event.Msg("API call completed")
	}
}

// Entry is a single log line held in a Ring, independent of where it is
// also written to the console/file via zerolog.
type Entry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// Ring is a capped in-memory buffer of recent log entries. The control
// facade does not read from a Ring: its recent-logs operation reads the
// job store's log table.
type Ring struct {
	mu      sync.Mutex
	entries []Entry
	cap     int
}

// NewRing creates a log ring holding at most capacity entries. Once full,
// the oldest entry is dropped on each append.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 100
	}
	return &Ring{entries: make([]Entry, 0, capacity), cap: capacity}
}

// Append records a log entry, evicting the oldest if the ring is full.
func (r *Ring) Append(level, message string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) >= r.cap {
		r.entries = r.entries[1:]
	}
	r.entries = append(r.entries, Entry{Time: at, Level: level, Message: message})
}

// Recent returns a copy of the last n entries (or all if n <= 0 or exceeds
// the ring's contents), oldest first.
func (r *Ring) Recent(n int) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > len(r.entries) {
		n = len(r.entries)
	}
	start := len(r.entries) - n
	out := make([]Entry, n)
	copy(out, r.entries[start:])
	return out
}
