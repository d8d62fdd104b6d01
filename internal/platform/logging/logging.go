// Package logging builds the agent's structured logger.
//
// Records always go to stdout as JSON. When a log file is configured the same
// records are fanned out to it, so a host without a log collector still keeps
// a history of job transitions.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/hutch-labs/hutch-agent/internal/platform/env"
	slogmulti "github.com/samber/slog-multi"
)

type Config struct {
	Level slog.Level
	File  string
}

func ConfigFromEnv() (Config, error) {
	level, err := ParseLevel(env.String("HUTCH_LOG_LEVEL", "info"))
	if err != nil {
		return Config{}, err
	}
	return Config{
		Level: level,
		File:  strings.TrimSpace(env.String("HUTCH_LOG_FILE", "")),
	}, nil
}

func ParseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", raw)
	}
}

// New returns the logger and a close function for the optional log file.
func New(cfg Config) (*slog.Logger, func() error, error) {
	if cfg.File == "" {
		return NewWithWriters(os.Stdout, nil, cfg.Level), func() error { return nil }, nil
	}
	file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return NewWithWriters(os.Stdout, file, cfg.Level), file.Close, nil
}

// NewWithWriters fans JSON records out to stdout and, when non-nil, file.
func NewWithWriters(stdout, file io.Writer, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	stdoutHandler := slog.NewJSONHandler(stdout, opts)
	if file == nil {
		return slog.New(stdoutHandler)
	}
	return slog.New(slogmulti.Fanout(stdoutHandler, slog.NewJSONHandler(file, opts)))
}

// Discard is used where a component is built without a logger.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
