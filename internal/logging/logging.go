// Package logging builds the process logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New constructs a zerolog.Logger for env. Development gets a console writer
// at debug level; everything else gets JSON on stdout. A non-empty level
// overrides the env default.
func New(env, level string) zerolog.Logger {
	return NewWriter(os.Stdout, env, level)
}

// NewWriter is New with an explicit destination.
func NewWriter(out io.Writer, env, level string) zerolog.Logger {
	lvl := zerolog.InfoLevel
	if env == "development" {
		lvl = zerolog.DebugLevel
	}
	if level != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(level)); err == nil {
			lvl = parsed
		}
	}

	logger := zerolog.New(out).
		Level(lvl).
		With().
		Timestamp().
		Logger()

	if env == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
	}
	return logger
}
