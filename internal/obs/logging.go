// Package obs wires up the engine's observability surface: slog handler
// construction and the read-only admin HTTP endpoints
// (SPEC_FULL.md §6, "Admin surface").
package obs

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/fsupload/engine/internal/config"
)

// NewLogger builds the process-wide slog.Logger from LogConfig, grounded on
// the teacher's buildLogger in root.go (config-driven level, text or JSON
// handler) but without the CLI-flag override layer — this daemon has no
// interactive --verbose/--debug/--quiet flags, just the config file.
func NewLogger(cfg config.LogConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("obs: parse log level %q: %w", cfg.Level, err)
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler

	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "text", "":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("obs: log format %q must be text or json", cfg.Format)
	}

	return slog.New(handler), nil
}
