// logger/logger.go
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	slogmulti "github.com/samber/slog-multi"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case DEBUG:
		return slog.LevelDebug
	case WARN:
		return slog.LevelWarn
	case ERROR:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel maps DEBUG/INFO/WARN/ERROR (any case) to a LogLevel, defaulting to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

var (
	mu       sync.RWMutex
	level    = new(slog.LevelVar)
	base     *slog.Logger
	file     *os.File
	initOnce sync.Once
)

func init() {
	level.Set(slog.LevelDebug)
}

// ensureInitialized creates a console-only logger if Init was never called
func ensureInitialized() {
	initOnce.Do(func() {
		mu.Lock()
		defer mu.Unlock()
		if base == nil {
			base = slog.New(consoleHandler(os.Stdout))
		}
	})
}

func consoleHandler(w io.Writer) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level, AddSource: true})
}

func fileHandler(w io.Writer) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level, AddSource: true})
}

// Init initializes the logger with optional file and console output.
// Console output is human-readable text, file output is JSON.
// If filename is empty, logs only to console.
// If console is false, logs only to file.
func Init(filename string, console bool) error {
	var handlers []slog.Handler
	var opened *os.File

	if filename != "" {
		f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		opened = f
		handlers = append(handlers, fileHandler(f))
	}
	if console {
		handlers = append(handlers, consoleHandler(os.Stdout))
	}
	if len(handlers) == 0 {
		return fmt.Errorf("no output destination specified")
	}

	install(slog.New(slogmulti.Fanout(handlers...)), opened)
	return nil
}

// InitWithWriters wires arbitrary writers, used by tests and embedding callers.
// Either writer may be nil.
func InitWithWriters(console, jsonOut io.Writer) {
	var handlers []slog.Handler
	if console != nil {
		handlers = append(handlers, consoleHandler(console))
	}
	if jsonOut != nil {
		handlers = append(handlers, fileHandler(jsonOut))
	}
	install(slog.New(slogmulti.Fanout(handlers...)), nil)
}

func install(l *slog.Logger, f *os.File) {
	initOnce.Do(func() {})
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		file.Close()
	}
	file = f
	base = l
}

// SetLevel sets the minimum log level (DEBUG, INFO, WARN, ERROR)
// Messages below this level will not be logged
func SetLevel(l LogLevel) {
	ensureInitialized()
	level.Set(l.slogLevel())
}

// Slog exposes the underlying structured logger.
func Slog() *slog.Logger {
	ensureInitialized()
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Close closes the log file if one is open
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		file.Close()
		file = nil
		base = slog.New(consoleHandler(os.Stdout))
	}
}

// output records msg with the caller of the exported helper as source.
func output(l slog.Level, msg string) {
	lg := Slog()
	ctx := context.Background()
	if !lg.Enabled(ctx, l) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:]) // skip Callers, output and the exported helper
	r := slog.NewRecord(time.Now(), l, msg, pcs[0])
	_ = lg.Handler().Handle(ctx, r)
}

// Debug logs a debug message
func Debug(v ...interface{}) {
	output(slog.LevelDebug, fmt.Sprint(v...))
}

// Debugf logs a formatted debug message
func Debugf(format string, v ...interface{}) {
	output(slog.LevelDebug, fmt.Sprintf(format, v...))
}

// Info logs an info message
func Info(v ...interface{}) {
	output(slog.LevelInfo, fmt.Sprint(v...))
}

// Infof logs a formatted info message
func Infof(format string, v ...interface{}) {
	output(slog.LevelInfo, fmt.Sprintf(format, v...))
}

// Warn logs a warning message
func Warn(v ...interface{}) {
	output(slog.LevelWarn, fmt.Sprint(v...))
}

// Warnf logs a formatted warning message
func Warnf(format string, v ...interface{}) {
	output(slog.LevelWarn, fmt.Sprintf(format, v...))
}

// Error logs an error message
func Error(v ...interface{}) {
	output(slog.LevelError, fmt.Sprint(v...))
}

// Errorf logs a formatted error message
func Errorf(format string, v ...interface{}) {
	output(slog.LevelError, fmt.Sprintf(format, v...))
}

// Fatal logs an error message and exits the program
func Fatal(v ...interface{}) {
	output(slog.LevelError, fmt.Sprint(v...))
	os.Exit(1)
}

// Fatalf logs a formatted error message and exits the program
func Fatalf(format string, v ...interface{}) {
	output(slog.LevelError, fmt.Sprintf(format, v...))
	os.Exit(1)
}
