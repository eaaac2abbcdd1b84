package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/loykin/clickhousejson/internal/config"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default file rotation settings.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// SlogConfig controls how records are rendered.
type SlogConfig struct {
	Level  slog.Level
	Format Format
	Color  bool
	Source bool
}

// FileConfig selects an optional rotated log file. Rotation follows lumberjack
// semantics.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Config describes where and how the plugin's own diagnostics are written.
type Config struct {
	Slog SlogConfig
	File FileConfig
}

// DefaultConfig logs info and above as text to stderr.
func DefaultConfig() Config {
	return Config{Slog: SlogConfig{Level: slog.LevelInfo, Format: FormatText}}
}

// FromConfig converts the log section of the output configuration.
func FromConfig(c config.LogConfig) Config {
	return Config{
		Slog: SlogConfig{
			Level:  ParseLevel(c.Level),
			Format: Format(strings.ToLower(c.Format)),
			Color:  c.Color,
		},
		File: FileConfig{
			Path:       c.File,
			MaxSizeMB:  c.MaxSizeMB,
			MaxBackups: c.MaxBackups,
			MaxAgeDays: c.MaxAgeDays,
			Compress:   c.Compress,
		},
	}
}

// ParseLevel maps a level name onto slog.Level. Unknown names yield info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Writer returns the destination for log output: a rotating file when a path
// is set, otherwise stderr.
func (c Config) Writer() io.Writer {
	if c.File.Path == "" {
		return os.Stderr
	}
	return &lj.Logger{
		Filename:   c.File.Path,
		MaxSize:    valOr(c.File.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.File.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.File.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.File.Compress,
	}
}

// NewSlogger builds a logger writing to Writer().
func (c Config) NewSlogger() *slog.Logger {
	return c.NewSloggerTo(c.Writer())
}

// NewSloggerTo builds a logger writing to w.
func (c Config) NewSloggerTo(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.Slog.Level, AddSource: c.Slog.Source}
	var h slog.Handler
	switch {
	case c.Slog.Format == FormatJSON:
		h = slog.NewJSONHandler(w, opts)
	case c.Slog.Color && c.File.Path == "":
		h = NewColorTextHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
