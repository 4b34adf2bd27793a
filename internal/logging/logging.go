// Package logging builds the zerolog logger used by the dataplane binaries.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Format selects how log events are rendered.
type Format string

const (
	FormatJSON   Format = "json"
	FormatPretty Format = "pretty"
)

// Config holds logger configuration.
type Config struct {
	Level  string // debug, info, warn or error
	Format Format

	// Output defaults to os.Stdout.
	Output io.Writer
}

// ParseLevel maps a level name to a zerolog level. Unknown names map to
// info and report false.
func ParseLevel(s string) (zerolog.Level, bool) {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel, true
	case "info", "":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	default:
		return zerolog.InfoLevel, false
	}
}

// NewLogger creates a structured logger carrying a timestamp, the caller
// and a service field.
//
// Example:
//
//	log := logging.NewLogger(logging.Config{Level: "debug", Format: logging.FormatPretty})
//	log.Info().Str("stage", "sink").Msg("started")
func NewLogger(cfg Config) zerolog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if cfg.Format == FormatPretty {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}

	level, _ := ParseLevel(cfg.Level)
	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Caller().
		Str("service", "dataplane").
		Logger()
}
