package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level represents a logging level
type Level int

const (
	// LevelDebug is the most verbose logging level
	LevelDebug Level = iota
	// LevelInfo logs informational messages
	LevelInfo
	// LevelWarn logs warnings
	LevelWarn
	// LevelError logs errors
	LevelError
	// LevelNone disables all logging
	LevelNone
)

// StderrPath selects standard error as the log sink. Jupyter front ends capture a
// kernel's stderr, so this is the default for kernels started by a notebook server.
const StderrPath = "-"

// String returns string representation of log level
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
	case LevelNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a string into a Level
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "none", "off":
		return LevelNone
	default:
		return LevelInfo
	}
}

// Logger is a leveled, prefix-aware logger shared by every kernel component.
// Derived loggers (WithPrefix) share the level of their root, so a level change
// at runtime applies to the whole tree.
type Logger struct {
	state  *state
	prefix string
}

type state struct {
	mu       sync.RWMutex
	level    Level
	logger   *log.Logger
	file     *os.File
	disabled bool
}

var (
	globalLogger *Logger
	globalMu     sync.Mutex
)

// Init initializes the global logger
func Init(level Level, logPath string) error {
	l, err := New(level, logPath, "")
	if err != nil {
		return err
	}
	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()
	return nil
}

// New creates a new Logger instance writing to logPath. An empty path or
// LevelNone yields a disabled logger; StderrPath writes to standard error.
func New(level Level, logPath string, prefix string) (*Logger, error) {
	if level == LevelNone || logPath == "" {
		return &Logger{
			state:  &state{level: level, logger: log.New(io.Discard, "", 0), disabled: true},
			prefix: prefix,
		}, nil
	}

	if logPath == StderrPath {
		return NewWriter(level, os.Stderr, prefix), nil
	}

	logDir := filepath.Dir(logPath)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &Logger{
		state:  &state{level: level, logger: log.New(file, "", 0), file: file},
		prefix: prefix,
	}, nil
}

// NewWriter creates a Logger that writes to w. Used for stderr and in tests.
func NewWriter(level Level, w io.Writer, prefix string) *Logger {
	return &Logger{
		state:  &state{level: level, logger: log.New(w, "", 0)},
		prefix: prefix,
	}
}

// Global returns the global logger instance
func Global() *Logger {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = &Logger{
			state: &state{level: LevelNone, logger: log.New(io.Discard, "", 0), disabled: true},
		}
	}
	return globalLogger
}

// OrGlobal returns l, or the global logger when l is nil.
func OrGlobal(l *Logger) *Logger {
	if l == nil {
		return Global()
	}
	return l
}

// WithPrefix creates a new logger with an additional prefix
func (l *Logger) WithPrefix(prefix string) *Logger {
	newPrefix := prefix
	if l.prefix != "" {
		newPrefix = l.prefix + ":" + prefix
	}
	return &Logger{state: l.state, prefix: newPrefix}
}

// SetLevel sets the logging level
func (l *Logger) SetLevel(level Level) {
	l.state.mu.Lock()
	defer l.state.mu.Unlock()
	l.state.level = level
}

// GetLevel returns the current logging level
func (l *Logger) GetLevel() Level {
	l.state.mu.RLock()
	defer l.state.mu.RUnlock()
	return l.state.level
}

// StdLogger returns a *log.Logger that writes through l at the given level.
// Libraries that only accept the standard logger (zmq4, net/http) log via this.
func (l *Logger) StdLogger(level Level) *log.Logger {
	return log.New(&levelWriter{log: l, level: level}, "", 0)
}

type levelWriter struct {
	log   *Logger
	level Level
}

func (w *levelWriter) Write(p []byte) (int, error) {
	w.log.log(w.level, "%s", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// log is the internal logging function
func (l *Logger) log(level Level, format string, args ...interface{}) {
	s := l.state
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.disabled || level < s.level {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	msg := fmt.Sprintf(format, args...)

	prefix := l.prefix
	if prefix != "" {
		prefix = "[" + prefix + "] "
	}

	s.logger.Println(fmt.Sprintf("%s [%s] %s%s", timestamp, level.String(), prefix, msg))
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(LevelDebug, format, args...)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(LevelInfo, format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(LevelWarn, format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(LevelError, format, args...)
}

// Close closes the logger and its underlying file
func (l *Logger) Close() error {
	l.state.mu.Lock()
	defer l.state.mu.Unlock()

	if l.state.file != nil {
		err := l.state.file.Close()
		l.state.file = nil
		l.state.disabled = true
		return err
	}
	return nil
}

// Global logging functions for convenience

// Debug logs a debug message using the global logger
func Debug(format string, args ...interface{}) {
	Global().Debug(format, args...)
}

// Info logs an informational message using the global logger
func Info(format string, args ...interface{}) {
	Global().Info(format, args...)
}

// Warn logs a warning message using the global logger
func Warn(format string, args ...interface{}) {
	Global().Warn(format, args...)
}

// Error logs an error message using the global logger
func Error(format string, args ...interface{}) {
	Global().Error(format, args...)
}
