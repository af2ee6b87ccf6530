package observability

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger creates a structured JSON logger on stdout.
// Production default: info. Set via GOLDLEDGER_LOG_LEVEL env var.
func NewLogger(component string) zerolog.Logger {
	level := ParseLogLevel(os.Getenv("GOLDLEDGER_LOG_LEVEL"))

	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// NewLoggerWithLevel creates a logger with an explicit level.
func NewLoggerWithLevel(component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// ParseLogLevel maps a level name to a zerolog level, defaulting to info.
func ParseLogLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
