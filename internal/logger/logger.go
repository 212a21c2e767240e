package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings for the command output log.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config selects the slog handler.
type Config struct {
	Level    string // debug, info, warn, error
	Format   string // text or json
	Color    bool   // colored levels for text output
	ShowTime bool
}

// OutputConfig describes the rotating file that receives command output.
// Rotation parameters follow lumberjack semantics.
type OutputConfig struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// ParseLevel maps a level name to slog.Level; unknown names mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// NewHandler builds the handler described by cfg writing to w.
func NewHandler(w io.Writer, cfg Config) slog.Handler {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	switch {
	case strings.EqualFold(cfg.Format, "json"):
		return slog.NewJSONHandler(w, opts)
	case cfg.Color:
		return NewColorTextHandler(w, opts, cfg.ShowTime)
	default:
		return slog.NewTextHandler(w, opts)
	}
}

// Setup installs a stderr logger built from cfg as the slog default.
func Setup(cfg Config) *slog.Logger {
	l := slog.New(NewHandler(os.Stderr, cfg))
	slog.SetDefault(l)
	return l
}

// OutputWriter returns a rotating writer for command output, or nil when no
// file is configured.
func OutputWriter(c OutputConfig) io.WriteCloser {
	if c.File == "" {
		return nil
	}
	return &lj.Logger{
		Filename:   c.File,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
