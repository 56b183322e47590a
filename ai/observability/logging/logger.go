// Package logging provides structured logging with context support. The
// gateway installs a request-scoped logger carrying the trace id, so every
// log line inside a traced request names the request without the call sites
// threading it by hand.
package logging

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// LogLevel represents the severity level of a log entry.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
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
		return "UNKNOWN"
	}
}

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger is an immutable structured logger. WithField and friends return
// copies; a Logger handed to another goroutine is safe to use concurrently.
type Logger struct {
	handler slog.Handler
	level   LogLevel
	fields  []slog.Attr
}

// Default logger instance.
var defaultLogger = NewLogger(nil)

// NewLogger creates a new logger with the given handler. A nil handler
// selects a JSON handler on stdout at info level.
func NewLogger(h slog.Handler) *Logger {
	if h == nil {
		h = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
	}
	return &Logger{handler: h, level: LevelInfo}
}

// WithLevel returns a new logger with the specified minimum level.
func (l *Logger) WithLevel(level LogLevel) *Logger {
	clone := l.clone()
	clone.level = level
	return clone
}

// WithField returns a new logger with an additional field.
func (l *Logger) WithField(key string, value any) *Logger {
	clone := l.clone()
	clone.fields = append(clone.fields, slog.Any(key, value))
	return clone
}

// WithFields returns a new logger with additional fields.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	clone := l.clone()
	for k, v := range fields {
		clone.fields = append(clone.fields, slog.Any(k, v))
	}
	return clone
}

func (l *Logger) clone() *Logger {
	fields := make([]slog.Attr, len(l.fields), len(l.fields)+4)
	copy(fields, l.fields)
	return &Logger{handler: l.handler, level: l.level, fields: fields}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, args ...any) {
	l.log(LevelDebug, msg, args...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, args ...any) {
	l.log(LevelInfo, msg, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, args ...any) {
	l.log(LevelWarn, msg, args...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, args ...any) {
	l.log(LevelError, msg, args...)
}

func (l *Logger) log(level LogLevel, msg string, args ...any) {
	if level < l.level {
		return
	}

	attrs := make([]slog.Attr, 0, len(l.fields)+len(args)/2)
	attrs = append(attrs, l.fields...)
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = "!BADKEY"
		}
		attrs = append(attrs, slog.Any(key, args[i+1]))
	}

	record := slog.NewRecord(time.Now(), level.slogLevel(), msg, 0)
	record.AddAttrs(attrs...)
	_ = l.handler.Handle(context.Background(), record)
}

type loggerKey struct{}

// FromContext extracts the logger from context, falling back to the default.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey{}).(*Logger); ok {
		return l
	}
	return defaultLogger
}

// ToContext adds the logger to context.
func ToContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// Package-level convenience functions using the default logger.

// Debug logs a debug message using the default logger.
func Debug(msg string, args ...any) {
	defaultLogger.Debug(msg, args...)
}

// Info logs an info message using the default logger.
func Info(msg string, args ...any) {
	defaultLogger.Info(msg, args...)
}

// Warn logs a warning message using the default logger.
func Warn(msg string, args ...any) {
	defaultLogger.Warn(msg, args...)
}

// Error logs an error message using the default logger.
func Error(msg string, args ...any) {
	defaultLogger.Error(msg, args...)
}

// SetLevel sets the minimum log level for the default logger.
func SetLevel(level LogLevel) {
	defaultLogger = defaultLogger.WithLevel(level)
}
