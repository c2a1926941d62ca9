// Package logging provides structured logging for quicloop.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
)

// NewLogger creates a new structured logger writing to stderr.
// Supported levels: debug, info, warn, error
// Supported formats: text, json, auto
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, ResolveFormat(format, os.Stderr), os.Stderr)
}

// NewLoggerWithWriter creates a new structured logger with a custom writer.
// The auto format is treated as text.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// ResolveFormat maps "auto" to text when f is a terminal and to json
// otherwise. Other formats are returned lowercased.
func ResolveFormat(format string, f *os.File) string {
	format = strings.ToLower(format)
	if format != "auto" {
		return format
	}
	if f != nil && term.IsTerminal(int(f.Fd())) {
		return "text"
	}
	return "json"
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Common attribute keys for consistent logging.
const (
	KeyComponent  = "component"
	KeyReactor    = "reactor"
	KeyShard      = "shard"
	KeySocket     = "socket"
	KeyConnID     = "conn_id"
	KeyRemoteAddr = "remote_addr"
	KeyLocalAddr  = "local_addr"
	KeyError      = "error"
	KeyCount      = "count"
	KeyBytes      = "bytes"
	KeyDuration   = "duration"
	KeyReason     = "reason"
)
