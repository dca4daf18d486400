package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Config selects the log level, the stderr format and an optional rotating
// log file.
type Config struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`

	// File, when set, receives JSON log lines in addition to stderr.
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// DefaultConfig logs at info level to stderr only.
func DefaultConfig() Config {
	return Config{
		Level:      zerolog.InfoLevel.String(),
		Format:     FormatConsole,
		MaxSizeMB:  10,
		MaxBackups: 3,
		MaxAgeDays: 28,
	}
}

// Validate checks the level and format names.
func (c Config) Validate() error {
	if _, err := parseLevel(c.Level); err != nil {
		return err
	}
	switch c.Format {
	case "", FormatConsole, FormatJSON:
	default:
		return fmt.Errorf("unknown log format %q (use %s or %s)", c.Format, FormatConsole, FormatJSON)
	}
	if c.MaxSizeMB < 0 || c.MaxBackups < 0 || c.MaxAgeDays < 0 {
		return fmt.Errorf("log rotation settings cannot be negative")
	}
	return nil
}

// Service owns the process logger and the file it may write to.
type Service struct {
	Logger zerolog.Logger
	file   *lumberjack.Logger
}

// New builds the logger described by cfg. Console output goes to stderr;
// a nil stderr means os.Stderr.
func New(cfg Config, stderr io.Writer) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	level, _ := parseLevel(cfg.Level)

	if stderr == nil {
		stderr = os.Stderr
	}
	var console io.Writer = stderr
	if cfg.Format != FormatJSON {
		console = zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.TimeOnly}
	}

	s := &Service{}
	writers := []io.Writer{console}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, fmt.Errorf("creating log directory: %w", err)
		}
		s.file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		writers = append(writers, s.file)
	}

	s.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().
		Timestamp().
		Logger()
	return s, nil
}

// Close flushes and closes the log file, if any.
func (s *Service) Close() error {
	if s == nil || s.file == nil {
		return nil
	}
	return s.file.Close()
}

func parseLevel(s string) (zerolog.Level, error) {
	if strings.TrimSpace(s) == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q: %w", s, err)
	}
	return level, nil
}
