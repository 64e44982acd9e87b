package telemetry

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

type LogConfig struct {
	Level string
	// File enables a size-rotated JSON log file next to stdout.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// InitLogger installs the default slog logger. The returned closer flushes the log file, if any.
func InitLogger(c LogConfig) io.Closer {
	var lvl slog.Level
	switch strings.ToLower(c.Level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	var (
		w      io.Writer = os.Stdout
		closer io.Closer = nopCloser{}
	)

	if c.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   c.File,
			MaxSize:    orDefault(c.MaxSizeMB, 10),
			MaxBackups: orDefault(c.MaxBackups, 5),
			MaxAge:     orDefault(c.MaxAgeDays, 30),
			Compress:   true,
		}
		w = io.MultiWriter(os.Stdout, rotator)
		closer = rotator
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})))
	return closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func orDefault(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}
