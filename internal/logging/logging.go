// Package logging builds the process-wide structured logger.
//
// The logger writes JSON or text to stdout, or to a size-rotated file when
// one is configured. The level is held in a shared LevelVar so a SIGHUP
// reload can adjust verbosity without recreating handlers.
package logging

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/styly-dev/netsync/internal/config"
)

// New creates a structured logger from the log configuration using a shared
// LevelVar for dynamic log level changes. The returned closer flushes and
// closes the rotated log file; it is a no-op when logging to stdout.
func New(cfg config.LogConfig, level *slog.LevelVar) (*slog.Logger, io.Closer) {
	level.Set(config.ParseLogLevel(cfg.Level))

	var (
		w      io.Writer = os.Stdout
		closer io.Closer = nopCloser{}
	)
	if cfg.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		w = rotated
		closer = rotated
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler), closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
