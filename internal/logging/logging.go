package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init installs the process-wide slog handler and returns a logger tagged
// with the service name. Supported formats: "json" (default), "text".
func Init(service, format string) *slog.Logger {
	var handler slog.Handler
	unknown := false
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, nil)
	case "", "json":
		handler = slog.NewJSONHandler(os.Stdout, nil)
	default:
		unknown = true
		handler = slog.NewJSONHandler(os.Stdout, nil)
	}

	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	if unknown {
		logger.Warn("unknown log format, defaulting to json", "format", format)
	}
	return logger
}
