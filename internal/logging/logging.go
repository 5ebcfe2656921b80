// Package logging builds the process-wide slog logger from configuration.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/rickgao/intent-realtime/internal/config"
)

// New builds a logger writing to w with the configured level and format.
func New(cfg config.LoggingConfig, w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "text", "":
		h = slog.NewTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unsupported log format: %q", cfg.Format)
	}

	return slog.New(h), nil
}

// Setup builds a logger tagged with the instance id and installs it as the
// slog default. A nil w writes to stdout.
func Setup(cfg config.LoggingConfig, instanceID string, w io.Writer) (*slog.Logger, error) {
	if w == nil {
		w = os.Stdout
	}
	logger, err := New(cfg, w)
	if err != nil {
		return nil, err
	}
	if instanceID != "" {
		logger = logger.With("instance", instanceID)
	}
	slog.SetDefault(logger)
	return logger, nil
}

func parseLevel(raw string) (slog.Leveler, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return nil, fmt.Errorf("unsupported log level: %q", raw)
	}
}
