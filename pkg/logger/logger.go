// Package logger wraps log/slog with the gateway's level/format/output
// configuration.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger to keep a single embedding point for the
// attributes the gateway binds to its records.
type Logger struct {
	*slog.Logger
}

// Config selects level, format, and destination.
type Config struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "text", "json"
	Output string // "stdout", "file"
	File   string // path to log file, used when Output == "file"
}

var levelNames = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// New builds a Logger from config. Unknown level or format names fall
// back to info/text.
func New(config Config) *Logger {
	level, ok := levelNames[strings.ToLower(config.Level)]
	if !ok {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	w := destination(config)
	var handler slog.Handler
	if strings.EqualFold(config.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return &Logger{Logger: slog.New(handler)}
}

// destination resolves the configured output, falling back to stdout when
// the log file cannot be opened.
func destination(config Config) io.Writer {
	if config.Output != "file" || config.File == "" {
		return os.Stdout
	}
	f, err := os.OpenFile(config.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return os.Stdout
	}
	return f
}

var globalLogger *Logger

// Global returns the process-wide logger, creating a default info/text
// stdout logger on first use.
func Global() *Logger {
	if globalLogger == nil {
		globalLogger = New(Config{})
	}
	return globalLogger
}

// SetGlobal replaces the process-wide logger.
func SetGlobal(l *Logger) {
	globalLogger = l
}

// WithAddress returns a child logger carrying the device address, for
// paths that run before a session exists.
func (l *Logger) WithAddress(address string) *Logger {
	return &Logger{Logger: l.Logger.With("address", address)}
}

// ForDevice returns the child logger a device session records through,
// binding both the address and the session id to every line.
func (l *Logger) ForDevice(address, sessionID string) *Logger {
	return &Logger{Logger: l.Logger.With("address", address, "session_id", sessionID)}
}
