// Package logging sets up the process wide zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	FormatAuto    = "auto"
	FormatJSON    = "json"
	FormatConsole = "console"
)

type Settings struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	// File additionally writes JSON lines to a rotated log file.
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max-size-mb" yaml:"max-size-mb"`
	MaxBackups int    `mapstructure:"max-backups" yaml:"max-backups"`
	MaxAgeDays int    `mapstructure:"max-age-days" yaml:"max-age-days"`
}

func DefaultSettings() Settings {
	return Settings{Level: "info", Format: FormatAuto, MaxSizeMB: 50, MaxBackups: 3, MaxAgeDays: 28}
}

// ParseLevel converts a level name into a zerolog level, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger builds a logger writing to out and, when configured, to a rotated file.
// The returned closer releases the file and is never nil.
func NewLogger(s Settings, out io.Writer) (zerolog.Logger, io.Closer, error) {
	format := strings.ToLower(strings.TrimSpace(s.Format))
	if format == "" {
		format = FormatAuto
	}
	if format == FormatAuto {
		format = FormatJSON
		if isTerminal(out) {
			format = FormatConsole
		}
	}

	var primary io.Writer
	switch format {
	case FormatJSON:
		primary = out
	case FormatConsole:
		primary = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	default:
		return zerolog.Nop(), nopCloser{}, errors.Errorf("unknown log format %q", s.Format)
	}

	writers := []io.Writer{primary}
	var closer io.Closer = nopCloser{}
	if f := strings.TrimSpace(s.File); f != "" {
		d := DefaultSettings()
		lj := &lumberjack.Logger{
			Filename:   f,
			MaxSize:    positiveOr(s.MaxSizeMB, d.MaxSizeMB),
			MaxBackups: positiveOr(s.MaxBackups, d.MaxBackups),
			MaxAge:     positiveOr(s.MaxAgeDays, d.MaxAgeDays),
		}
		writers = append(writers, lj)
		closer = lj
	}

	var w io.Writer = primary
	if len(writers) > 1 {
		w = zerolog.MultiLevelWriter(writers...)
	}
	logger := zerolog.New(w).Level(ParseLevel(s.Level)).With().Timestamp().Logger()
	return logger, closer, nil
}

// InitLogger installs the configured logger as log.Logger and sets the global level.
func InitLogger(s Settings) (io.Closer, error) {
	logger, closer, err := NewLogger(s, os.Stderr)
	if err != nil {
		return nil, err
	}
	zerolog.SetGlobalLevel(ParseLevel(s.Level))
	log.Logger = logger
	return closer, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func positiveOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
