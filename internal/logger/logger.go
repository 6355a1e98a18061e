package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Level is a textual slog level as written in config files.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Format selects the slog handler.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// SlogConfig configures the structured application logger.
type SlogConfig struct {
	Level      Level  `mapstructure:"level"`
	Format     Format `mapstructure:"format"`
	Color      bool   `mapstructure:"color"`
	TimeStamps bool   `mapstructure:"timestamps"`
	Source     bool   `mapstructure:"source"`
}

// FileConfig describes rotated log files.
// Path is the application log file; Dir holds per-child logs such as the
// browser's own stderr (Dir/<name>.log). Rotation follows lumberjack semantics.
type FileConfig struct {
	Dir        string `mapstructure:"dir"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Config is the unified logging configuration.
type Config struct {
	Slog SlogConfig `mapstructure:"slog"`
	File FileConfig `mapstructure:"file"`
}

// Validate checks textual enums.
func (c Config) Validate() error {
	switch c.Slog.Format {
	case "", FormatText, FormatJSON:
	default:
		return fmt.Errorf("unknown log format %q", c.Slog.Format)
	}
	if _, err := parseLevel(c.Slog.Level); err != nil {
		return err
	}
	return nil
}

// NewSlogger builds the application logger. Output goes to the rotated
// File.Path when set, otherwise to stderr: stdout belongs to the tool
// protocol channel and must stay clean.
func (c Config) NewSlogger() *slog.Logger {
	var w io.Writer = os.Stderr
	if c.File.Path != "" {
		_ = os.MkdirAll(filepath.Dir(c.File.Path), 0o750)
		w = c.rotating(c.File.Path)
	}
	return c.newSlogger(w)
}

func (c Config) newSlogger(w io.Writer) *slog.Logger {
	lvl, _ := parseLevel(c.Slog.Level)
	opts := &slog.HandlerOptions{Level: lvl, AddSource: c.Slog.Source}
	if !c.Slog.TimeStamps {
		opts.ReplaceAttr = dropTime
	}
	var h slog.Handler
	switch {
	case c.Slog.Format == FormatJSON:
		h = slog.NewJSONHandler(w, opts)
	case c.Slog.Color:
		h = NewColorTextHandler(w, opts, c.Slog.TimeStamps)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

// ChildWriter returns a rotated writer for a supervised child's raw output,
// Dir/<name>.log. It returns nil when no Dir is configured.
func (c Config) ChildWriter(name string) io.WriteCloser {
	if c.File.Dir == "" {
		return nil
	}
	_ = os.MkdirAll(c.File.Dir, 0o750)
	return c.rotating(filepath.Join(c.File.Dir, fmt.Sprintf("%s.log", name)))
}

func (c Config) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.File.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.File.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.File.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.File.Compress,
	}
}

func parseLevel(l Level) (slog.Level, error) {
	switch Level(strings.ToLower(string(l))) {
	case "", LevelInfo:
		return slog.LevelInfo, nil
	case LevelDebug:
		return slog.LevelDebug, nil
	case LevelWarn, "warning":
		return slog.LevelWarn, nil
	case LevelError:
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", l)
	}
}

func dropTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
