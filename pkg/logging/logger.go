package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Logger interface for dependency injection and testing
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
	WithGroup(name string) Logger
	SetLevel(level slog.Level)
}

// Config holds logger configuration
type Config struct {
	Level   slog.Level
	Format  Format
	Output  io.Writer
	AddTime bool
}

// Format represents the output format
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

const (
	envDebugFile  = "TOKENOPT_DEBUG_FILE"
	envDebugLevel = "TOKENOPT_DEBUG_LEVEL"
)

type slogLogger struct {
	logger *slog.Logger
	config Config
}

// NewLogger creates a new logger with the given configuration
func NewLogger(config Config) Logger {
	if config.Output == nil {
		config.Output = os.Stderr
	}
	return &slogLogger{
		logger: slog.New(newHandler(config)),
		config: config,
	}
}

func newHandler(config Config) slog.Handler {
	opts := &slog.HandlerOptions{Level: config.Level}
	if !config.AddTime {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		}
	}
	if config.Format == FormatJSON {
		return slog.NewJSONHandler(config.Output, opts)
	}
	return slog.NewTextHandler(config.Output, opts)
}

// NewDefaultLogger creates a logger with sensible defaults for the CLI
func NewDefaultLogger() Logger {
	return NewLogger(Config{Level: slog.LevelInfo, Output: os.Stderr})
}

// NewQuietLogger creates a logger that only shows errors
func NewQuietLogger() Logger {
	return NewLogger(Config{Level: slog.LevelError, Output: os.Stderr})
}

// NewVerboseLogger creates a logger that shows debug information
func NewVerboseLogger() Logger {
	return NewLogger(Config{Level: slog.LevelDebug, Output: os.Stderr})
}

// NewDisabledLogger creates a logger that discards all output (useful for tests)
func NewDisabledLogger() Logger {
	return NewLogger(Config{Level: slog.Level(1000), Output: io.Discard})
}

// NewCLILogger picks the logger matching the -v/-q flags. Quiet wins over verbose.
func NewCLILogger(verbose, quiet bool) Logger {
	switch {
	case quiet:
		return NewQuietLogger()
	case verbose:
		return NewVerboseLogger()
	default:
		return NewDefaultLogger()
	}
}

// ParseLevel maps a level name to a slog level, falling back to def.
func ParseLevel(name string, def slog.Level) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return def
	}
}

// DebugFileRequested reports whether TOKENOPT_DEBUG_FILE is set.
func DebugFileRequested() bool {
	return os.Getenv(envDebugFile) != ""
}

// GetDebugFilePath returns the debug file path from TOKENOPT_DEBUG_FILE or a temp file default
func GetDebugFilePath(defaultFileName string) string {
	if debugFile := os.Getenv(envDebugFile); debugFile != "" {
		return debugFile
	}
	return filepath.Join(os.TempDir(), defaultFileName)
}

// NewFileLoggerFromEnv creates a file-based logger.
// TOKENOPT_DEBUG_FILE selects the file and TOKENOPT_DEBUG_LEVEL the level (errors only by default).
func NewFileLoggerFromEnv(defaultFileName string) Logger {
	level := ParseLevel(os.Getenv(envDebugLevel), slog.LevelError)

	file, err := os.OpenFile(GetDebugFilePath(defaultFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return NewLogger(Config{Level: level, Output: io.Discard})
	}
	return NewLogger(Config{Level: level, Output: file, AddTime: true})
}

// NewTeeLogger sends every record to each of loggers, each applying its own level.
func NewTeeLogger(loggers ...Logger) Logger {
	return teeLogger(loggers)
}

type teeLogger []Logger

func (t teeLogger) Debug(msg string, args ...any) {
	for _, l := range t {
		l.Debug(msg, args...)
	}
}

func (t teeLogger) Info(msg string, args ...any) {
	for _, l := range t {
		l.Info(msg, args...)
	}
}

func (t teeLogger) Warn(msg string, args ...any) {
	for _, l := range t {
		l.Warn(msg, args...)
	}
}

func (t teeLogger) Error(msg string, args ...any) {
	for _, l := range t {
		l.Error(msg, args...)
	}
}

func (t teeLogger) With(args ...any) Logger {
	out := make(teeLogger, len(t))
	for i, l := range t {
		out[i] = l.With(args...)
	}
	return out
}

func (t teeLogger) WithGroup(name string) Logger {
	out := make(teeLogger, len(t))
	for i, l := range t {
		out[i] = l.WithGroup(name)
	}
	return out
}

func (t teeLogger) SetLevel(level slog.Level) {
	for _, l := range t {
		l.SetLevel(level)
	}
}

func (l *slogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l *slogLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *slogLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *slogLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }

// With returns a logger with additional attributes
func (l *slogLogger) With(args ...any) Logger {
	return &slogLogger{logger: l.logger.With(args...), config: l.config}
}

// WithGroup returns a logger with a group name
func (l *slogLogger) WithGroup(name string) Logger {
	return &slogLogger{logger: l.logger.WithGroup(name), config: l.config}
}

// SetLevel updates the logger's level. Attributes added through With are not carried over.
func (l *slogLogger) SetLevel(level slog.Level) {
	l.config.Level = level
	l.logger = slog.New(newHandler(l.config))
}

var globalLogger = NewDefaultLogger()

// SetGlobalLogger sets the global logger instance
func SetGlobalLogger(logger Logger) {
	globalLogger = logger
}

// GetGlobalLogger returns the global logger instance
func GetGlobalLogger() Logger {
	return globalLogger
}

func Debug(msg string, args ...any) { globalLogger.Debug(msg, args...) }
func Info(msg string, args ...any)  { globalLogger.Info(msg, args...) }
func Warn(msg string, args ...any)  { globalLogger.Warn(msg, args...) }
func Error(msg string, args ...any) { globalLogger.Error(msg, args...) }

// NewComponentLogger returns the global logger tagged with a component name
func NewComponentLogger(component string) Logger {
	return globalLogger.With("component", component)
}

// NewAPILogger is used by HTTP clients
func NewAPILogger(service string) Logger {
	return globalLogger.With("component", "api", "service", service)
}

// NewStrategyLogger is used by optimization strategies
func NewStrategyLogger(strategy string) Logger {
	return globalLogger.With("component", "optimize", "strategy", strategy)
}

// NewProviderLogger is used by provider adapters
func NewProviderLogger(provider string) Logger {
	return globalLogger.With("component", "provider", "provider", provider)
}
