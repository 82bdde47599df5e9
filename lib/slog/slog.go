// Package slog is the daemon's structured logging abstraction. It keeps the
// teacher's shape (a small Logger interface taking a LogRecord, so call
// sites never depend on a concrete logging library) but backs the default
// implementation with zerolog instead of the teacher's stdlib log shim, the
// way cuemby/warren's pkg/log wraps zerolog behind Init/WithComponent.
package slog

import (
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/b7s/parallited/lib/core"
)

// LogRecord holds data for a single daemon log record.
type LogRecord struct {
	Msg      string         // Msg is an optional log message
	Error    error          // Error is an optional error
	Details  any            // Details are optional structured details
	TaskID   *core.TaskID   // TaskID is the task this record pertains to, if any
	WorkerID *core.WorkerID // WorkerID is the worker this record pertains to, if any
	Fields   map[string]any // Fields are additional free-form key/value pairs
}

// Logger is the abstract log interface used throughout the daemon.
//
// Multiple goroutines may invoke methods on a Logger simultaneously.
type Logger interface {
	Info(record *LogRecord)
	Warn(record *LogRecord)
	Error(record *LogRecord)
}

// Config controls how the default zerolog-backed Logger renders output.
type Config struct {
	Level     string // "debug", "info", "warn", "error"
	JSON      bool
	Output    io.Writer
	Component string
}

type zerologLogger struct {
	logger zerolog.Logger
}

// New builds a Logger backed by zerolog per cfg.
func New(cfg Config) Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var output io.Writer = cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if !cfg.JSON {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: "15:04:05.000"}
	}

	base := zerolog.New(output).With().Timestamp().Logger().Level(level)
	if cfg.Component != "" {
		base = base.With().Str("component", cfg.Component).Logger()
	}
	return &zerologLogger{logger: base}
}

// GetDefaultLogger returns a Logger with sensible defaults (info level,
// human-readable console output on stderr).
func GetDefaultLogger() Logger {
	return New(Config{Level: "info"})
}

func (l *zerologLogger) emit(ev *zerolog.Event, record *LogRecord) {
	if record == nil {
		ev.Send()
		return
	}
	if record.Error != nil {
		ev = ev.Err(record.Error)
	}
	if record.TaskID != nil {
		ev = ev.Str("task_id", string(*record.TaskID))
	}
	if record.WorkerID != nil {
		ev = ev.Uint64("worker_id", uint64(*record.WorkerID))
	}
	if record.Details != nil {
		ev = ev.Interface("details", record.Details)
	}
	for k, v := range record.Fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(record.Msg)
}

func (l *zerologLogger) Info(record *LogRecord)  { l.emit(l.logger.Info(), record) }
func (l *zerologLogger) Warn(record *LogRecord)  { l.emit(l.logger.Warn(), record) }
func (l *zerologLogger) Error(record *LogRecord) { l.emit(l.logger.Error(), record) }

var _ Logger = (*zerologLogger)(nil)

// RecordingLogger captures all logged events in memory. It is designed for
// use as a test fixture, the way the teacher's RecordingLogger is.
type RecordingLogger struct {
	Events []Event
}

type Event struct {
	Level string
	*LogRecord
}

func (l *RecordingLogger) Info(record *LogRecord) {
	l.Events = append(l.Events, Event{Level: "info", LogRecord: record})
}

func (l *RecordingLogger) Warn(record *LogRecord) {
	l.Events = append(l.Events, Event{Level: "warn", LogRecord: record})
}

func (l *RecordingLogger) Error(record *LogRecord) {
	l.Events = append(l.Events, Event{Level: "error", LogRecord: record})
}

var _ Logger = (*RecordingLogger)(nil) // type check
