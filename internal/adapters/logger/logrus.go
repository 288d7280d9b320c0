package logger

import (
	"context"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"upbitScalper/internal/ports"
)

// LogrusLogger implements ports.Logger with JSON output for log shippers.
type LogrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger creates a JSON logger writing to os.Stderr.
func NewLogrusLogger(level LogLevel, component string) *LogrusLogger {
	return NewLogrusLoggerTo(os.Stderr, level, component)
}

// NewLogrusLoggerTo creates a JSON logger writing to w.
func NewLogrusLoggerTo(w io.Writer, level LogLevel, component string) *LogrusLogger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	l.SetLevel(toLogrus(level))
	return &LogrusLogger{entry: l.WithField("component", component)}
}

func toLogrus(level LogLevel) logrus.Level {
	switch level {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

func (l *LogrusLogger) with(fields []map[string]interface{}) *logrus.Entry {
	merged := mergeFields(fields)
	if len(merged) == 0 {
		return l.entry
	}
	return l.entry.WithFields(logrus.Fields(merged))
}

// Debug logs a message at Debug level.
func (l *LogrusLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.with(fields).WithContext(ctx).Debug(msg)
}

// Info logs a message at Info level.
func (l *LogrusLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.with(fields).WithContext(ctx).Info(msg)
}

// Warn logs a message at Warning level.
func (l *LogrusLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.with(fields).WithContext(ctx).Warn(msg)
}

// Error logs an error message at Error level.
func (l *LogrusLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	e := l.with(fields).WithContext(ctx)
	if err != nil {
		e = e.WithError(err)
	}
	e.Error(msg)
}

// New picks the adapter for format: "json" selects logrus, anything else the standard logger.
func New(level, format string) ports.Logger {
	lvl := ParseLevel(level)
	if format == "json" {
		return NewLogrusLogger(lvl, "upbit-scalper")
	}
	return NewStdLogger(lvl)
}

var (
	_ ports.Logger = (*LogrusLogger)(nil)
	_ ports.Logger = (*StdLogger)(nil)
)
