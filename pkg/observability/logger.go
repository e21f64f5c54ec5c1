// Package observability provides the logging, metrics, and tracing
// surface shared by every taskmill binary. Components depend on the
// interfaces here, never on a concrete backend.
package observability

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"
)

// LogLevel defines log message severity.
type LogLevel string

const (
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
	LogLevelFatal LogLevel = "FATAL"
)

var levelRank = map[LogLevel]int{
	LogLevelDebug: 0,
	LogLevelInfo:  1,
	LogLevelWarn:  2,
	LogLevelError: 3,
	LogLevelFatal: 4,
}

// Logger is the structured logging interface used across the engine.
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Fatal(msg string, fields map[string]interface{})

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	// WithPrefix returns a logger scoped to a component name.
	WithPrefix(prefix string) Logger
	// With returns a logger that attaches fields to every entry.
	With(fields map[string]interface{}) Logger
}

// StandardLogger writes formatted entries through the standard log package.
type StandardLogger struct {
	prefix string
	level  LogLevel
	base   map[string]interface{}
}

// NewStandardLogger creates a StandardLogger with the given component prefix.
func NewStandardLogger(prefix string) *StandardLogger {
	return &StandardLogger{prefix: prefix, level: LogLevelInfo}
}

// WithLevel returns a copy of the logger with the minimum level set.
func (l *StandardLogger) WithLevel(level LogLevel) *StandardLogger {
	return &StandardLogger{prefix: l.prefix, level: level, base: l.base}
}

// ParseLevel maps a config string to a LogLevel, defaulting to info.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LogLevelDebug
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	case "fatal":
		return LogLevelFatal
	default:
		return LogLevelInfo
	}
}

func (l *StandardLogger) enabled(level LogLevel) bool {
	return levelRank[level] >= levelRank[l.level]
}

func (l *StandardLogger) write(level LogLevel, msg string, fields map[string]interface{}) {
	ts := time.Now().Format("2006-01-02T15:04:05.000Z07:00")
	log.Printf("%s [%s] [%s] %s%s", ts, level, l.prefix, msg, formatFields(l.base, fields))
	if level == LogLevelFatal {
		os.Exit(1)
	}
}

func formatFields(groups ...map[string]interface{}) string {
	merged := map[string]interface{}{}
	for _, g := range groups {
		for k, v := range g {
			merged[k] = v
		}
	}
	if len(merged) == 0 {
		return ""
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, merged[k])
	}
	return b.String()
}

func (l *StandardLogger) Debug(msg string, fields map[string]interface{}) {
	if l.enabled(LogLevelDebug) {
		l.write(LogLevelDebug, msg, fields)
	}
}

func (l *StandardLogger) Info(msg string, fields map[string]interface{}) {
	if l.enabled(LogLevelInfo) {
		l.write(LogLevelInfo, msg, fields)
	}
}

func (l *StandardLogger) Warn(msg string, fields map[string]interface{}) {
	if l.enabled(LogLevelWarn) {
		l.write(LogLevelWarn, msg, fields)
	}
}

func (l *StandardLogger) Error(msg string, fields map[string]interface{}) {
	l.write(LogLevelError, msg, fields)
}

func (l *StandardLogger) Fatal(msg string, fields map[string]interface{}) {
	l.write(LogLevelFatal, msg, fields)
}

func (l *StandardLogger) Debugf(format string, args ...interface{}) {
	if l.enabled(LogLevelDebug) {
		l.write(LogLevelDebug, fmt.Sprintf(format, args...), nil)
	}
}

func (l *StandardLogger) Infof(format string, args ...interface{}) {
	if l.enabled(LogLevelInfo) {
		l.write(LogLevelInfo, fmt.Sprintf(format, args...), nil)
	}
}

func (l *StandardLogger) Warnf(format string, args ...interface{}) {
	if l.enabled(LogLevelWarn) {
		l.write(LogLevelWarn, fmt.Sprintf(format, args...), nil)
	}
}

func (l *StandardLogger) Errorf(format string, args ...interface{}) {
	l.write(LogLevelError, fmt.Sprintf(format, args...), nil)
}

func (l *StandardLogger) WithPrefix(prefix string) Logger {
	return &StandardLogger{prefix: prefix, level: l.level, base: l.base}
}

func (l *StandardLogger) With(fields map[string]interface{}) Logger {
	merged := map[string]interface{}{}
	for k, v := range l.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &StandardLogger{prefix: l.prefix, level: l.level, base: merged}
}

// NoopLogger discards all entries. Used as the default in constructors
// so callers never need a nil check.
type NoopLogger struct{}

func NewNoopLogger() Logger { return &NoopLogger{} }

func (NoopLogger) Debug(string, map[string]interface{})  {}
func (NoopLogger) Info(string, map[string]interface{})   {}
func (NoopLogger) Warn(string, map[string]interface{})   {}
func (NoopLogger) Error(string, map[string]interface{})  {}
func (NoopLogger) Fatal(string, map[string]interface{})  {}
func (NoopLogger) Debugf(string, ...interface{})         {}
func (NoopLogger) Infof(string, ...interface{})          {}
func (NoopLogger) Warnf(string, ...interface{})          {}
func (NoopLogger) Errorf(string, ...interface{})         {}
func (n NoopLogger) WithPrefix(string) Logger            { return n }
func (n NoopLogger) With(map[string]interface{}) Logger  { return n }
