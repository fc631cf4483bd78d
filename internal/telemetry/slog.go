package telemetry

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/datashelf/gateway/internal/config"
)

// ParseLevel maps "debug", "info", "warn", "error" (case-insensitive) to a
// slog level; anything else is info.
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

// NewHandler builds a JSON ("json") or text (anything else) handler over w.
func NewHandler(w io.Writer, format string, lvl slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug, // include file:line only when debugging
	}
	if strings.ToLower(format) == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SetupLogger installs the process-wide default logger from the logging
// config. When Output names a file, records go there through a rotating
// writer; the returned closer releases it (a no-op for stdout).
//
// The configured logger is installed as the default so slog.Info/Warn/Error
// calls elsewhere use it without carrying a *slog.Logger around.
func SetupLogger(cfg config.LoggingConfig) io.Closer {
	lvl := ParseLevel(cfg.Level)

	var w io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}
	if cfg.Output != "" && cfg.Output != "stdout" {
		rotating := &lumberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		}
		w = rotating
		closer = rotating
	}

	slog.SetDefault(slog.New(NewHandler(w, cfg.Format, lvl)))
	slog.Info("logger initialised", "format", cfg.Format, "level", lvl.String(), "output", outputName(cfg.Output))
	return closer
}

func outputName(output string) string {
	if output == "" {
		return "stdout"
	}
	return output
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
