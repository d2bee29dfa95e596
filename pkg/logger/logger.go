// Package logger provides structured logging for the burrow proxy
//
// This package wraps Go's standard log/slog package with proxy-specific
// convenience methods and consistent formatting.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Logger wraps slog.Logger with additional convenience methods
type Logger struct {
	*slog.Logger
}

// LoggerConfig defines logger configuration options
type LoggerConfig struct {
	// Level specifies the minimum log level (debug, info, warn, error)
	Level string `yaml:"level"`

	// Format specifies output format (text, json)
	Format string `yaml:"format"`

	// Output receives the log records. Defaults to os.Stdout.
	Output io.Writer `yaml:"-"`
}

// New creates a new logger with the specified configuration
func New(cfg LoggerConfig) *Logger {
	if cfg.Format == "" {
		cfg.Format = "text"
	}

	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	} else {
		handler = slog.NewTextHandler(cfg.Output, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
	}
}

// ParseLevel maps a configuration string to a slog level. Unknown values
// fall back to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug

	case "warn", "warning":
		return slog.LevelWarn

	case "error":
		return slog.LevelError

	default:
		return slog.LevelInfo
	}
}

// Default creates a logger with default settings
func Default() *Logger {
	return New(LoggerConfig{Level: "info", Format: "text"})
}

// Discard returns a logger that drops everything. Used by tests and by
// components constructed without a logger.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// With returns a child logger carrying the given attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Component returns a child logger tagged with a component name.
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}

// Proxy-specific convenience methods

// AccessRecord is one line of the access log.
type AccessRecord struct {
	ConnectionID string
	Client       string
	Method       string
	URI          string
	Status       string
	Size         int64
	Duration     time.Duration
	CacheStatus  string
	Upstream     string
}

// LogAccess logs a completed request
func (l *Logger) LogAccess(r AccessRecord) {
	l.Info("access",
		"conn", r.ConnectionID,
		"client", r.Client,
		"method", r.Method,
		"uri", r.URI,
		"status", r.Status,
		"size", r.Size,
		"duration_ms", r.Duration.Milliseconds(),
		"cache", r.CacheStatus,
		"upstream", r.Upstream,
	)
}

// LogUpstreamAttempt logs an attempt to reach an upstream server
func (l *Logger) LogUpstreamAttempt(method, uri, target string, attempt, max int) {
	l.Debug("Upstream attempt",
		"method", method,
		"uri", uri,
		"target", target,
		"attempt", attempt,
		"max_attempts", max,
	)
}

// LogUpstreamFailure logs a failed upstream attempt
func (l *Logger) LogUpstreamFailure(target string, attempt int, err error) {
	l.Warn("Upstream failure", "target", target, "attempt", attempt, "error", err)
}

// LogTunnel logs the end of a CONNECT tunnel
func (l *Logger) LogTunnel(target string, fromClient, toClient int64, err error) {
	if err != nil {
		l.Info("Tunnel closed", "target", target, "from_client", fromClient,
			"to_client", toClient, "error", err)
		return
	}
	l.Info("Tunnel closed", "target", target, "from_client", fromClient,
		"to_client", toClient)
}

// LogCacheEvent logs cache engine activity
func (l *Logger) LogCacheEvent(event string, id int64, key string) {
	l.Debug("Cache event", "event", event, "id", id, "key", key)
}
