// Package obslog wires up the process-wide zerolog.Logger, following
// cryptorun's cmd/cryptorun/main.go setup (zerolog.TimeFieldFormat,
// zerolog.ConsoleWriter for TTY use) but defaulting to structured JSON on
// os.Stderr in production, switching to the console writer only when
// explicitly requested for local development.
package obslog

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Options configures the logger.
type Options struct {
	Level  string // trace,debug,info,warn,error,fatal,panic; default info
	Pretty bool   // use zerolog.ConsoleWriter instead of raw JSON
}

// New builds a zerolog.Logger per Options. Every call site in the hot path
// (adapter, validator, writer, compactor, gap detector) is expected to
// attach venue/symbol/timeframe fields via With() on the returned logger.
func New(opts Options) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var out = os.Stderr
	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	if opts.Pretty {
		logger = logger.Output(zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen})
	}
	return logger
}

// Stream returns a logger pre-populated with the venue/symbol/timeframe
// fields carried on every hot-path log line.
func Stream(base zerolog.Logger, venue, symbol, timeframe string) zerolog.Logger {
	return base.With().Str("venue", venue).Str("symbol", symbol).Str("timeframe", timeframe).Logger()
}

// Event logs a single structured JSON line for an orchestrator lifecycle or
// kill-switch event, carrying the event/correlation_id/reason fields
// required by the error handling design's user-visible failure behavior.
func Event(logger zerolog.Logger, event, correlationID, reason string) {
	logger.Info().
		Str("event", event).
		Str("correlation_id", correlationID).
		Str("reason", reason).
		Msg(event)
}
