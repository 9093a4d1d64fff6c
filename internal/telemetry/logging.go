// Package telemetry wires structured logging and OpenTelemetry
// tracing/metrics for the engine and its surrounding services. The core
// engine package never imports this package or OpenTelemetry directly
// (see engine.Observer); telemetry supplies the concrete Observer
// implementation cmd/incgraphd attaches at construction time.
package telemetry

import (
	"log/slog"
	"os"
	"strings"
)

// InitLogger configures the process-wide slog default logger. JSON
// output is selected with INCGRAPH_JSON_LOG=1/true/json, text otherwise;
// level is controlled by INCGRAPH_LOG_LEVEL (debug/info/warn/error,
// default info).
func InitLogger(service string) *slog.Logger {
	mode := strings.ToLower(os.Getenv("INCGRAPH_JSON_LOG"))
	opts := &slog.HandlerOptions{Level: levelFromEnv()}
	var handler slog.Handler
	if mode == "1" || mode == "true" || mode == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	return logger
}

func levelFromEnv() slog.Leveler {
	switch strings.ToLower(os.Getenv("INCGRAPH_LOG_LEVEL")) {
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
