// Package obslog builds the process-wide zerolog logger the same way
// the CLI root command configures it: console writer by default, JSON
// when requested, level parsed from a string with a safe fallback.
package obslog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Options configures the root logger.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // console, json
}

// New builds a root logger from Options. Unknown levels fall back to info
// rather than failing process startup over a typo in a flag.
func New(opts Options) zerolog.Logger {
	var out io.Writer = os.Stderr
	if opts.Format == "json" {
		out = os.Stdout
	} else {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(out).With().Timestamp().Logger()

	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// Component returns a sub-logger tagged with the given component name,
// the same convention every package in this module uses to scope its logs.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}
