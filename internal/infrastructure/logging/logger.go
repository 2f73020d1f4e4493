package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/nerrad567/apilink/internal/infrastructure/config"
)

// ServiceName is attached to every entry as "service".
const ServiceName = "apilink"

// Redacted replaces the value of sensitive attributes.
const Redacted = "[redacted]"

// sensitiveKeys are matched case-insensitively against attribute keys,
// including nested group members.
var sensitiveKeys = []string{"authorization", "password", "secret", "token"}

// Logger is a *slog.Logger with a level that can change at runtime and an
// optional rotated file behind it. Safe for concurrent use.
type Logger struct {
	*slog.Logger

	level  *slog.LevelVar
	closer io.Closer
}

// New builds the logger described by cfg. Output "stdout" and "file"
// select those destinations; anything else logs to stderr, keeping stdout
// for command output.
func New(cfg config.LoggingConfig, version string) *Logger {
	w, closer := destination(cfg)
	l := build(w, cfg, version)
	l.closer = closer
	return l
}

func destination(cfg config.LoggingConfig) (io.Writer, io.Closer) {
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		return os.Stdout, nil
	case "file":
		f := &lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    cfg.File.MaxSize,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAge,
			Compress:   cfg.File.Compress,
		}
		return f, f
	default:
		return os.Stderr, nil
	}
}

func build(w io.Writer, cfg config.LoggingConfig, version string) *Logger {
	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.Level))

	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: redact}
	var h slog.Handler = slog.NewJSONHandler(w, opts)
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(h).With("service", ServiceName, "version", version),
		level:  level,
	}
}

func redact(_ []string, a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	for _, s := range sensitiveKeys {
		if strings.Contains(key, s) {
			return slog.String(a.Key, Redacted)
		}
	}
	return a
}

// parseLevel maps debug, info, warn(ing) and error; anything else is info.
func parseLevel(level string) slog.Level {
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

// SetLevel changes the minimum level of l and every logger derived from
// it with With.
func (l *Logger) SetLevel(level string) {
	if l.level != nil {
		l.level.Set(parseLevel(level))
	}
}

// With returns a child carrying extra attributes. It shares the parent's
// output and level, and closing it does nothing.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), level: l.level}
}

// Close releases the rotated log file, if any.
func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// Default is the logger used before configuration is loaded: JSON on
// stderr at info.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "json"}, "dev")
}

// Discard returns a logger that drops every entry.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler), level: new(slog.LevelVar)}
}
