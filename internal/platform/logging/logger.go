package logging

import (
	"log/slog"
	"os"
	"strings"

	"github.com/mailsift/mailsift/internal/platform/correlation"
)

// Init builds the application logger with the given level ("debug", "info",
// "warn", "error") and format ("text" or "json"), installs it as the slog
// default, and returns it. Unknown levels fall back to info.
func Init(level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(correlation.NewHandler(handler))
	slog.SetDefault(logger)
	return logger
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
