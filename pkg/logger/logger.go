package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// LogLevel represents the logging verbosity level
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// DebugCategory represents specific debug categories for targeted debugging
type DebugCategory string

const (
	DebugSSRC       DebugCategory = "ssrc"
	DebugRouter     DebugCategory = "router"
	DebugTranscoder DebugCategory = "transcoder"
	DebugHealth     DebugCategory = "health"
	DebugRetention  DebugCategory = "retention"
	DebugAll        DebugCategory = "all"
)

// Config holds logger configuration
type Config struct {
	Level             LogLevel
	Format            OutputFormat
	OutputFile        string
	EnabledCategories map[DebugCategory]bool
	mu                sync.RWMutex
}

// OutputFormat determines the log output format
type OutputFormat string

const (
	FormatJSON OutputFormat = "json"
	FormatText OutputFormat = "text"
)

// Global logger instance
var (
	defaultLogger *Logger
	once          sync.Once
)

// Logger wraps slog.Logger with category-based debugging
type Logger struct {
	*slog.Logger
	config *Config
	file   *os.File
}

// NewConfig creates a new logger configuration with defaults
func NewConfig() *Config {
	return &Config{
		Level:             LevelInfo,
		Format:            FormatText,
		OutputFile:        "",
		EnabledCategories: make(map[DebugCategory]bool),
	}
}

// ParseLevel converts a string to LogLevel
func ParseLevel(level string) (LogLevel, error) {
	switch level {
	case "debug", "DEBUG":
		return LevelDebug, nil
	case "info", "INFO":
		return LevelInfo, nil
	case "warn", "WARN", "warning", "WARNING":
		return LevelWarn, nil
	case "error", "ERROR":
		return LevelError, nil
	default:
		return "", fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", level)
	}
}

// ParseFormat converts a string to OutputFormat
func ParseFormat(format string) (OutputFormat, error) {
	switch format {
	case "json", "JSON":
		return FormatJSON, nil
	case "text", "TEXT":
		return FormatText, nil
	default:
		return "", fmt.Errorf("invalid log format: %s (must be json or text)", format)
	}
}

// ToSlogLevel converts LogLevel to slog.Level
func (l LogLevel) ToSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New creates a new Logger instance with the given configuration
func New(cfg *Config) (*Logger, error) {
	var writer io.Writer = os.Stdout
	var file *os.File

	if cfg.OutputFile != "" {
		f, err := os.OpenFile(cfg.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", cfg.OutputFile, err)
		}
		writer = f
		file = f
	}

	var handler slog.Handler
	handlerOpts := &slog.HandlerOptions{
		Level: cfg.Level.ToSlogLevel(),
	}

	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(writer, handlerOpts)
	case FormatText:
		handler = slog.NewTextHandler(writer, handlerOpts)
	default:
		handler = slog.NewTextHandler(writer, handlerOpts)
	}

	logger := &Logger{
		Logger: slog.New(handler),
		config: cfg,
		file:   file,
	}

	return logger, nil
}

// EnableCategory enables a specific debug category
func (c *Config) EnableCategory(category DebugCategory) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if category == DebugAll {
		c.EnabledCategories[DebugSSRC] = true
		c.EnabledCategories[DebugRouter] = true
		c.EnabledCategories[DebugTranscoder] = true
		c.EnabledCategories[DebugHealth] = true
		c.EnabledCategories[DebugRetention] = true
	} else {
		c.EnabledCategories[category] = true
	}
}

// IsCategoryEnabled checks if a debug category is enabled
func (c *Config) IsCategoryEnabled(category DebugCategory) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.EnabledCategories[category]
}

// IsDebugEnabled checks if any debug category is enabled
func (c *Config) IsDebugEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.EnabledCategories) > 0
}

// Close closes the log file if one was opened
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Category-specific logging methods

// DebugSSRC logs SSRC-capture details if ssrc debugging is enabled
func (l *Logger) DebugSSRC(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugSSRC) {
		args = append([]any{"category", "ssrc"}, args...)
		l.Debug(msg, args...)
	}
}

// DebugRouter logs router RPC frames if router debugging is enabled
func (l *Logger) DebugRouter(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugRouter) {
		args = append([]any{"category", "router"}, args...)
		l.Debug(msg, args...)
	}
}

// DebugTranscoder logs transcoder subprocess details if enabled
func (l *Logger) DebugTranscoder(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugTranscoder) {
		args = append([]any{"category", "transcoder"}, args...)
		l.Debug(msg, args...)
	}
}

// DebugHealth logs health-monitor stale-counter transitions if enabled
func (l *Logger) DebugHealth(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugHealth) {
		args = append([]any{"category", "health"}, args...)
		l.Debug(msg, args...)
	}
}

// DebugRetention logs retention-manager prune decisions if enabled
func (l *Logger) DebugRetention(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugRetention) {
		args = append([]any{"category", "retention"}, args...)
		l.Debug(msg, args...)
	}
}

// DebugRouterFrame logs a raw router RPC frame
func (l *Logger) DebugRouterFrame(direction, opType string, payload []byte) {
	if l.config.IsCategoryEnabled(DebugRouter) {
		maxBytes := 256
		if len(payload) < maxBytes {
			maxBytes = len(payload)
		}
		l.Debug("router frame",
			"category", "router",
			"direction", direction,
			"op", opType,
			"frame", string(payload[:maxBytes]))
	}
}

// DebugSSRCBytes logs the raw RTP header bytes a capture observed
func (l *Logger) DebugSSRCBytes(port int, header []byte) {
	if l.config.IsCategoryEnabled(DebugSSRC) {
		maxBytes := 12
		if len(header) < maxBytes {
			maxBytes = len(header)
		}
		l.Debug("ssrc capture packet",
			"category", "ssrc",
			"port", port,
			"header_bytes", fmt.Sprintf("% x", header[:maxBytes]))
	}
}

// WithContext returns a copy of the logger; ctx is not read and no context
// values are added
func (l *Logger) WithContext(ctx context.Context) *Logger {
	return &Logger{
		Logger: l.Logger,
		config: l.config,
		file:   l.file,
	}
}

// With returns a new Logger with the given attributes
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(args...),
		config: l.config,
		file:   l.file,
	}
}

// SetDefault sets the global default logger
func SetDefault(logger *Logger) {
	defaultLogger = logger
	slog.SetDefault(logger.Logger)
}

// Default returns the default logger, creating one if necessary
func Default() *Logger {
	once.Do(func() {
		cfg := NewConfig()
		logger, err := New(cfg)
		if err != nil {
			logger = &Logger{
				Logger: slog.Default(),
				config: cfg,
			}
		}
		defaultLogger = logger
	})
	return defaultLogger
}

// Package-level convenience functions

// Debug logs at Debug level using the default logger
func Debug(msg string, args ...any) {
	Default().Debug(msg, args...)
}

// Info logs at Info level using the default logger
func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}

// Warn logs at Warn level using the default logger
func Warn(msg string, args ...any) {
	Default().Warn(msg, args...)
}

// Error logs at Error level using the default logger
func Error(msg string, args ...any) {
	Default().Error(msg, args...)
}
