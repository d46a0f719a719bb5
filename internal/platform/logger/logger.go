package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"heliograph/internal/platform/config"
)

// New builds the process logger. Production defaults to JSON, everything
// else to text; an explicit format wins.
func New(cfg *config.Config) *slog.Logger {
	return NewWithWriter(os.Stdout, cfg)
}

// NewWithWriter is New writing to w.
func NewWithWriter(w io.Writer, cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Log.Level)}

	format := strings.ToLower(cfg.Log.Format)
	if format == "" {
		format = "text"
		if cfg.IsProduction() {
			format = "json"
		}
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler).With("service", "document-registry")
}

// ParseLevel maps debug, warn and error; anything else is info.
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
