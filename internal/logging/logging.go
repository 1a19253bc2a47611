package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/XinFinOrg/XDCMonitor-sub001/internal/types"
)

// Config holds logger configuration
type Config struct {
	Level  types.LogLevel  // Minimum log level
	Format types.LogFormat // Output format
}

// New creates the root structured logger.
//
// Features:
//   - Structured JSON output by default (log-aggregation friendly)
//   - Pretty console output for local development
//   - RFC3339 timestamps
//
// Components derive their own sub-logger from the root:
//
//	log := root.With().Str("component", "block_monitor").Logger()
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch cfg.Level {
	case types.LogLevelDebug:
		level = zerolog.DebugLevel
	case types.LogLevelInfo:
		level = zerolog.InfoLevel
	case types.LogLevelWarn:
		level = zerolog.WarnLevel
	case types.LogLevelError:
		level = zerolog.ErrorLevel
	case types.LogLevelFatal:
		level = zerolog.FatalLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == types.LogFormatPretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Str("service", "xdcmonitor").
		Logger()
}

// RecoverPanic logs a recovered panic without exiting. Use in the defer
// block of every long-lived goroutine so a single bad tick cannot take
// the whole monitor down.
//
//	go func() {
//	    defer logging.RecoverPanic(logger, "block_monitor_tick", map[string]any{"chain_id": id})
//	    ...
//	}()
func RecoverPanic(logger zerolog.Logger, goroutineName string, fields map[string]any) {
	if r := recover(); r != nil {
		stack := string(debug.Stack())

		event := logger.Error().
			Str("goroutine", goroutineName).
			Interface("panic_value", r).
			Str("stack_trace", stack)

		for k, v := range fields {
			event = event.Interface(k, v)
		}

		event.Msg("goroutine panic recovered")
	}
}
