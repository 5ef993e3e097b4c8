// Package logger builds the zerolog loggers used across netwatch.
//
// Components receive a *zerolog.Logger. A nil logger is always allowed and is
// replaced by OrNop with a disabled logger, so constructors never have to
// special-case tests that do not care about log output.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config selects level, encoding and destination.
type Config struct {
	Level  string // trace, debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr

	// Writer overrides Output when set. Used by tests.
	Writer io.Writer
}

// New builds a root logger from cfg.
func New(cfg Config) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		lvl, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("unknown log level %q (expected trace|debug|info|warn|error)", cfg.Level)
		}
		level = lvl
	}

	out := cfg.Writer
	if out == nil {
		out = os.Stderr
		if cfg.Output == "stdout" {
			out = os.Stdout
		}
	}

	switch cfg.Format {
	case "", "json":
	case "console", "text":
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log format %q (expected json|console)", cfg.Format)
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}

// OrNop returns l, or a disabled logger when l is nil.
func OrNop(l *zerolog.Logger) *zerolog.Logger {
	if l != nil {
		return l
	}
	nop := zerolog.Nop()
	return &nop
}

// Component derives a child logger tagged with a component name.
func Component(l *zerolog.Logger, name string) *zerolog.Logger {
	child := OrNop(l).With().Str("component", name).Logger()
	return &child
}
