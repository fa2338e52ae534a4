package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/adred-codev/ws_fanout/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level  types.LogLevel  // Minimum log level
	Format types.LogFormat // Output format
	Output io.Writer       // Defaults to os.Stdout
}

// NewLogger creates a structured logger configured for Loki integration.
//
// JSON output carries a timestamp, the caller and service=ws-fanout so every
// component's entries can be filtered after deriving a "component" field:
//
//	logger := NewLogger(LoggerConfig{Level: types.LogLevelInfo, Format: types.LogFormatJSON})
//	queueLogger := logger.With().Str("component", "queue").Logger()
func NewLogger(config LoggerConfig) zerolog.Logger {
	output := config.Output
	if output == nil {
		output = os.Stdout
	}

	zerolog.SetGlobalLevel(ParseLevel(config.Level))

	if config.Format == types.LogFormatPretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "ws-fanout").
		Logger()
}

// ParseLevel maps a configured level to zerolog, defaulting to info.
func ParseLevel(level types.LogLevel) zerolog.Level {
	switch level {
	case types.LogLevelDebug:
		return zerolog.DebugLevel
	case types.LogLevelInfo:
		return zerolog.InfoLevel
	case types.LogLevelWarn:
		return zerolog.WarnLevel
	case types.LogLevelError:
		return zerolog.ErrorLevel
	case types.LogLevelFatal:
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// LogError logs an error with context fields.
//
//	LogError(logger, err, "Failed to load subscriptions", map[string]any{
//	    "user_id": userID,
//	})
func LogError(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// RecoverPanic is deferred at the top of every long-lived goroutine.
// It logs the panic with a stack trace and lets the process keep running,
// so a failure in one connection never takes down the others.
//
//	go func() {
//	    defer monitoring.RecoverPanic(logger, "writePump", map[string]any{"session_id": id})
//	    ...
//	}()
func RecoverPanic(logger zerolog.Logger, goroutineName string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutineName).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack()))

		for k, v := range fields {
			event = event.Interface(k, v)
		}

		event.Msg("Goroutine panic recovered")
		RecordError(ErrorTypePanic, ErrorSeverityCritical)
	}
}

// InitGlobalLogger initializes the global logger.
// This should be called once at application startup.
func InitGlobalLogger(config LoggerConfig) zerolog.Logger {
	logger := NewLogger(config)
	log.Logger = logger
	return logger
}
