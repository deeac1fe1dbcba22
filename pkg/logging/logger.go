// Package logging configures zerolog for the tap.
//
// Standard output carries the Singer message stream, so every log line is
// written to stderr unless a different writer is configured.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer logs go to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(string(level))) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a logger tagged with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: request flow and iterator internals
//   - every page fetched (endpoint, start, item count)
//   - retry decisions and computed backoff
//   - sub-query expansion per parent record
//
// Info: run milestones
//   - stream started / finished, records emitted
//   - watermark persisted
//   - token refreshed
//
// Warn: recoverable conditions
//   - throttled (429) or server error (500) responses
//   - proactive rate-limit sleeps
//   - credential refresh after 400/401/403
//
// Error: conditions that end the run
//   - retry budget exhausted
//   - credential refresh rejected
//   - sink or state store failures
//
// Context Fields:
//   - component: emitting package (client, auth, checkpoint, tap, ...)
//   - endpoint: API path relative to the base URL
//   - status: HTTP status code
//   - error_class: network, throttled, server, auth, http, bad_response
//   - attempt: 1-based attempt number inside the retry driver
//   - stream: Singer stream name
//   - watermark: recents cursor value
