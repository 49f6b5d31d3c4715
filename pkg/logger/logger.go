// Package logger provides a structured zerolog logger for tuxagent.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// ParseLevel maps a config level string to a zerolog.Level.
// Supported levels: debug, info, warn, error. Defaults to info.
func ParseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Init creates and returns a zerolog.Logger writing to stderr at the given level.
func Init(level string) zerolog.Logger {
	return zerolog.New(
		zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		},
	).Level(ParseLevel(level)).With().Timestamp().Logger()
}
