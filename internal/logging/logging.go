// Package logging provides structured logging for autotask using Go's slog.
//
// Every event is one line. The default "line" format prefixes each line with a
// [YYYY-MM-DD HH:MM:SS] timestamp and is written to the console and, when a
// log file is configured, appended to that file as well.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
)

// contextKey is a type for context keys to avoid collisions.
type contextKey string

const (
	runIDKey     contextKey = "run_id"
	issueIDKey   contextKey = "issue_id"
	componentKey contextKey = "component"
)

var (
	defaultLogger *slog.Logger
	loggerMu      sync.RWMutex

	// activeCfg and fileWriter are kept so Suppress can rebuild the handler
	// without the console while the file keeps receiving lines.
	activeCfg  *Config
	fileWriter io.Writer
)

func init() {
	defaultLogger = slog.New(NewLineHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// Config holds logging configuration.
type Config struct {
	Level    string          `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format   string          `yaml:"format" validate:"omitempty,oneof=line text json"`
	Output   string          `yaml:"output"`   // stdout, stderr or a file path
	File     string          `yaml:"file"`     // persistent log file, tee'd with Output
	Rotation *RotationConfig `yaml:"rotation"` // rotation settings for File
}

// RotationConfig holds log rotation settings.
type RotationConfig struct {
	MaxSize    string `yaml:"max_size"`    // e.g., "100MB"
	MaxAge     string `yaml:"max_age"`     // e.g., "7d"
	MaxBackups int    `yaml:"max_backups"` // Number of backup files
}

// DefaultConfig returns sensible defaults for logging.
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: "line",
		Output: "stdout",
		File:   "autotask.log",
	}
}

// Init initializes the global logger with the given configuration.
func Init(cfg *Config) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	console, err := getWriter(cfg.Output, cfg.Rotation)
	if err != nil {
		return err
	}

	var file io.Writer
	if cfg.File != "" && cfg.File != cfg.Output {
		file, err = newRotatingWriter(cfg.File, cfg.Rotation)
		if err != nil {
			return err
		}
	}

	writer := console
	if file != nil {
		writer = io.MultiWriter(console, file)
	}

	loggerMu.Lock()
	activeCfg = cfg
	fileWriter = file
	defaultLogger = slog.New(newHandler(cfg, writer))
	loggerMu.Unlock()

	return nil
}

// Suppress silences console logging. Use this while the TUI dashboard owns the
// terminal. If a log file is configured it keeps receiving every line.
func Suppress() {
	loggerMu.Lock()
	defer loggerMu.Unlock()

	var writer io.Writer = io.Discard
	if fileWriter != nil {
		writer = fileWriter
	}
	cfg := activeCfg
	if cfg == nil {
		cfg = DefaultConfig()
	}

	defaultLogger = slog.New(newHandler(cfg, writer))
	slog.SetDefault(defaultLogger)
}

// newHandler builds the slog.Handler for the configured format.
func newHandler(cfg *Config, w io.Writer) slog.Handler {
	level := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug && cfg.Format != "line",
	}

	switch cfg.Format {
	case "json":
		return slog.NewJSONHandler(w, opts)
	case "text":
		return slog.NewTextHandler(w, opts)
	default:
		return NewLineHandler(w, opts)
	}
}

// parseLevel converts a string level to slog.Level.
func parseLevel(level string) slog.Level {
	switch level {
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

// getWriter returns the console writer for the given output setting.
func getWriter(output string, rotation *RotationConfig) (io.Writer, error) {
	switch output {
	case "stdout", "":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		return newRotatingWriter(output, rotation)
	}
}

// Logger returns the global logger.
func Logger() *slog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return defaultLogger
}

// WithComponent returns a logger with a component attribute.
func WithComponent(component string) *slog.Logger {
	return Logger().With(slog.String("component", component))
}

// WithContext returns a logger with values from context.
func WithContext(ctx context.Context) *slog.Logger {
	logger := Logger()

	if component, ok := ctx.Value(componentKey).(string); ok {
		logger = logger.With(slog.String("component", component))
	}
	if runID, ok := ctx.Value(runIDKey).(string); ok {
		logger = logger.With(slog.String("run_id", runID))
	}
	if issueID, ok := ctx.Value(issueIDKey).(string); ok {
		logger = logger.With(slog.String("issue_id", issueID))
	}

	return logger
}

// ContextWithRunID adds a pipeline run ID to the context.
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// ContextWithIssueID adds an issue ID to the context.
func ContextWithIssueID(ctx context.Context, issueID string) context.Context {
	return context.WithValue(ctx, issueIDKey, issueID)
}

// ContextWithComponent adds a component name to the context.
func ContextWithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// Info logs at info level on the global logger.
func Info(msg string, args ...any) {
	Logger().Info(msg, args...)
}
