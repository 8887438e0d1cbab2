package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

func NewLogger() *slog.Logger {
	return NewLoggerTo(os.Stdout, "info")
}

// NewLoggerTo builds the JSON logger writing to w at the named level
// (debug, info, warn, error; anything else means info).
func NewLoggerTo(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// Discard is a logger for tests and disabled components.
func Discard() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// OrDefault returns lg, or slog.Default when lg is nil.
func OrDefault(lg *slog.Logger) *slog.Logger {
	if lg == nil {
		return slog.Default()
	}
	return lg
}
