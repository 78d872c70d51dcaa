// Package logging initializes the process-wide structured logger.
//
// Output defaults to JSON on stdout; an optional rotating file sink can be
// layered in via Config.FilePath, using lumberjack for rotation the same
// way the pipeline prototype this system is descended from does.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls logger construction.
type Config struct {
	Level string // debug | info | warn | error
	JSON  bool

	// FilePath, if set, adds a rotating file sink alongside stdout.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// New builds a *slog.Logger per cfg. It does not touch the global default
// logger — callers pass the returned logger down through constructors.
func New(cfg Config) *slog.Logger {
	level := parseLevel(cfg.Level)

	writers := []io.Writer{os.Stdout}
	if cfg.FilePath != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		})
	}

	var out io.Writer
	if len(writers) == 1 {
		out = writers[0]
	} else {
		out = io.MultiWriter(writers...)
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler)
}

// Component returns a child logger tagged with the owning component's
// name, the convention every component in this module follows instead of
// logging through the bare root logger.
func Component(base *slog.Logger, name string) *slog.Logger {
	return base.With("component", name)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
