// Package xlog is the structured logging facade shared by future, queue,
// handoff, and executor.
//
// Package-level configuration: instrumentation is opt-in, and costs nothing
// when no logger has been installed.
//
// Usage:
//
//	xlog.SetLogger(xlog.NewWriterLogger(xlog.LevelInfo, os.Stderr))
package xlog

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

var global struct {
	sync.RWMutex
	logger Logger
}

// SetLogger installs the package-wide structured logger. Passing nil
// reverts to the no-op default.
func SetLogger(logger Logger) {
	global.Lock()
	defer global.Unlock()
	global.logger = logger
}

// Get returns the currently installed logger, or a no-op logger if none has
// been installed.
func Get() Logger {
	global.RLock()
	defer global.RUnlock()
	if global.logger != nil {
		return global.logger
	}
	return noop
}

// Level is the severity of a log entry.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(l))
	}
}

// Entry is a single structured log record. Component identifies which of
// future/queue/handoff/executor emitted it; Fields carries free-form
// key/value context (node counts, states, durations).
type Entry struct {
	Level     Level
	Component string
	Message   string
	Err       error
	Fields    map[string]any
	Timestamp time.Time
}

// Logger is the structured logging interface implemented by any backend.
type Logger interface {
	Log(Entry)
	Enabled(Level) bool
}

var noop = noopLogger{}

type noopLogger struct{}

func (noopLogger) Log(Entry)          {}
func (noopLogger) Enabled(Level) bool { return false }

// WriterLogger is a minimal text-format Logger writing to an io.Writer,
// suitable for development and tests.
type WriterLogger struct {
	level atomic.Int32
	mu    sync.Mutex
	out   io.Writer
}

// NewWriterLogger creates a Logger that writes level-filtered entries to out.
func NewWriterLogger(level Level, out io.Writer) *WriterLogger {
	l := &WriterLogger{out: out}
	l.level.Store(int32(level))
	return l
}

// SetLevel adjusts the minimum level written.
func (l *WriterLogger) SetLevel(level Level) { l.level.Store(int32(level)) }

// Enabled reports whether level would be written.
func (l *WriterLogger) Enabled(level Level) bool { return level >= Level(l.level.Load()) }

// Log writes entry if its level is enabled.
func (l *WriterLogger) Log(entry Entry) {
	if !l.Enabled(entry.Level) {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, "[%s] %s [%-9s] %s", entry.Level, entry.Timestamp.Format("15:04:05.000"), entry.Component, entry.Message)
	for k, v := range entry.Fields {
		fmt.Fprintf(l.out, " %s=%v", k, v)
	}
	if entry.Err != nil {
		fmt.Fprintf(l.out, " err=%v", entry.Err)
	}
	fmt.Fprintln(l.out)
}

// Debugf logs a lazily-formatted debug entry for component.
func Debugf(component, format string, args ...any) {
	if !Get().Enabled(LevelDebug) {
		return
	}
	log(LevelDebug, component, fmt.Sprintf(format, args...), nil, nil)
}

// Warn logs a warning entry for component with optional fields.
func Warn(component, message string, fields map[string]any) {
	log(LevelWarn, component, message, nil, fields)
}

// Error logs an error entry for component, wrapping err.
func Error(component, message string, err error, fields map[string]any) {
	log(LevelError, component, message, err, fields)
}

func log(level Level, component, message string, err error, fields map[string]any) {
	l := Get()
	if !l.Enabled(level) {
		return
	}
	l.Log(Entry{Level: level, Component: component, Message: message, Err: err, Fields: fields, Timestamp: time.Now()})
}
