// Package logging provides centralized logging configuration for Parley.
package logging

import (
	"io"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	globalLogger *slog.Logger
	globalMu     sync.RWMutex

	// logWriter holds the rotating log file writer (if any) for cleanup.
	logWriter   io.WriteCloser
	logWriterMu sync.Mutex
)

// FileLogConfig holds configuration for file-based logging with rotation.
type FileLogConfig struct {
	// Path is the log file path. Empty disables file logging.
	Path string

	// MaxSizeMB is the maximum size of the log file before rotation.
	// Default: 10MB.
	MaxSizeMB int

	// MaxBackups is the maximum number of rotated files to retain.
	// Default: 3.
	MaxBackups int

	// Compress rotated files.
	Compress bool
}

// Config holds logging configuration.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string
	// FileLog is the optional file output configuration.
	FileLog *FileLogConfig
	// JSON enables JSON output format.
	JSON bool
}

// Initialize sets up the global logger with the given configuration.
// If FileLog is specified, logs are written to both stderr and the file,
// with rotation handled by lumberjack.
func Initialize(cfg Config) error {
	level := parseLevel(cfg.Level)

	logWriterMu.Lock()
	defer logWriterMu.Unlock()

	w := io.Writer(os.Stderr)
	if cfg.FileLog != nil && cfg.FileLog.Path != "" {
		maxSize := cfg.FileLog.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 10
		}
		maxBackups := cfg.FileLog.MaxBackups
		if maxBackups < 0 {
			maxBackups = 3
		}

		lj := &lumberjack.Logger{
			Filename:   cfg.FileLog.Path,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			Compress:   cfg.FileLog.Compress,
		}
		logWriter = lj
		w = io.MultiWriter(os.Stderr, lj)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)

	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()

	slog.SetDefault(logger)
	return nil
}

// Get returns the global logger.
// If Initialize hasn't been called, returns slog.Default().
func Get() *slog.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()

	if globalLogger == nil {
		return slog.Default()
	}
	return globalLogger
}

// Close cleans up logging resources (closes the log file if open).
func Close() error {
	logWriterMu.Lock()
	defer logWriterMu.Unlock()

	if logWriter != nil {
		err := logWriter.Close()
		logWriter = nil
		return err
	}
	return nil
}

// parseLevel converts a string level to slog.Level.
func parseLevel(level string) slog.Level {
	switch level {
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

// WithComponent returns a logger with a component attribute.
func WithComponent(component string) *slog.Logger {
	return Get().With("component", component)
}

// WebSocket returns a logger for WebSocket connection events.
func WebSocket() *slog.Logger {
	return WithComponent("websocket")
}

// Session returns a logger for session lifecycle events.
func Session() *slog.Logger {
	return WithComponent("session")
}

// Agent returns a logger for agent query events.
func Agent() *slog.Logger {
	return WithComponent("agent")
}

// Store returns a logger for persistence events.
func Store() *slog.Logger {
	return WithComponent("store")
}

// Shutdown returns a logger for shutdown events.
func Shutdown() *slog.Logger {
	return WithComponent("shutdown")
}

// WithConnection returns a child logger carrying connection context.
// All messages logged through it include connection_id and session_id.
func WithConnection(base *slog.Logger, connectionID, sessionID string) *slog.Logger {
	if base == nil {
		return nil
	}
	return base.With(
		"connection_id", connectionID,
		"session_id", sessionID,
	)
}
