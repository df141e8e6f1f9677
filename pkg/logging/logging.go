package logging

import (
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetupLogger configures the logging library.
func SetupLogger(version string, debug, human bool) {
	zerolog.TimestampFieldName = "timestamp"
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if human {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}

	log.Logger = log.Logger.Hook(severityHook{})
	log.Logger = log.With().
		Str("version", version).
		Str("goversion", runtime.Version()).
		Logger()
}

// severityHook adds a "severity" field using the same vocabulary most log
// aggregators (not only one cloud vendor's) recognize, without pulling in a
// vendor-specific logging client for a single string mapping.
type severityHook struct{}

func (h severityHook) Run(e *zerolog.Event, level zerolog.Level, _ string) {
	e.Str("severity", levelToSeverity(level))
}

func levelToSeverity(level zerolog.Level) string {
	switch level {
	case zerolog.DebugLevel:
		return "DEBUG"
	case zerolog.WarnLevel:
		return "WARNING"
	case zerolog.ErrorLevel:
		return "ERROR"
	case zerolog.FatalLevel:
		return "ALERT"
	case zerolog.PanicLevel:
		return "EMERGENCY"
	default:
		return "INFO"
	}
}

// Component returns a logger scoped to a single subsystem, matching the
// teacher's per-package `log.With().Str("component", "...").Logger()`
// convention used throughout pkg/nonce, pkg/backup and pkg/telemetry.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
