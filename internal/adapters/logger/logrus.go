// Package logger adapts logrus to the ports.Logger interface.
package logger

import (
	"context"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// LogrusLogger implements the ports.Logger interface on top of logrus.
type LogrusLogger struct {
	entry *logrus.Entry
}

// ParseLevel converts a string level to a logrus.Level, defaulting to Info.
func ParseLevel(levelStr string) logrus.Level {
	level, err := logrus.ParseLevel(strings.ToLower(levelStr))
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// New creates a logger writing to stderr. When jsonFormat is true entries
// are emitted as JSON, otherwise as the logrus text format with full
// timestamps.
func New(level logrus.Level, jsonFormat bool) *LogrusLogger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(level)
	if jsonFormat {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05.000"})
	}
	return &LogrusLogger{entry: logrus.NewEntry(l)}
}

func (l *LogrusLogger) withFields(fields ...map[string]interface{}) *logrus.Entry {
	entry := l.entry
	for _, f := range fields {
		if f != nil {
			entry = entry.WithFields(logrus.Fields(f))
		}
	}
	return entry
}

// Debug logs a message at Debug level.
func (l *LogrusLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.withFields(fields...).Debug(msg)
}

// Info logs a message at Info level.
func (l *LogrusLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.withFields(fields...).Info(msg)
}

// Warn logs a message at Warning level.
func (l *LogrusLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.withFields(fields...).Warn(msg)
}

// Error logs an error message at Error level.
func (l *LogrusLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	entry := l.withFields(fields...)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error(msg)
}
