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

// Default rotation settings
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// FileConfig controls rotated log files. Path is the supervisor's own log file;
// Dir holds the per-version stdout/stderr captures.
type FileConfig struct {
	Path       string `mapstructure:"path"`
	Dir        string `mapstructure:"dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Config describes how the supervisor logs.
type Config struct {
	Level  string     `mapstructure:"level"`  // debug, info, warn, error
	Format string     `mapstructure:"format"` // text or json
	Color  bool       `mapstructure:"color"`
	File   FileConfig `mapstructure:"file"`
}

// ProcessWriters returns rotating writers for a version's stdout and stderr:
// Dir/<id>.stdout.log and Dir/<id>.stderr.log. Both are nil when Dir is empty.
func (c Config) ProcessWriters(id string) (io.WriteCloser, io.WriteCloser, error) {
	if c.File.Dir == "" {
		return nil, nil, nil
	}
	if err := os.MkdirAll(c.File.Dir, 0o750); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	out := c.File.rotating(filepath.Join(c.File.Dir, id+".stdout.log"))
	errW := c.File.rotating(filepath.Join(c.File.Dir, id+".stderr.log"))
	return out, errW, nil
}

func (f FileConfig) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

// New builds the supervisor logger. When File.Path is set, output goes to a
// rotating file in addition to stderr. The returned closer releases the file.
func New(c Config) (*slog.Logger, io.Closer, error) {
	var w io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if c.File.Path != "" {
		if err := os.MkdirAll(filepath.Dir(c.File.Path), 0o750); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		f := c.File.rotating(c.File.Path)
		w = io.MultiWriter(os.Stderr, f)
		closer = f
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Level)}
	var h slog.Handler
	switch strings.ToLower(c.Format) {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		if c.Color && c.File.Path == "" {
			h = NewColorTextHandler(w, opts)
		} else {
			h = slog.NewTextHandler(w, opts)
		}
	}
	return slog.New(h), closer, nil
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
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

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
