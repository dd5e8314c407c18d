package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Global logger instance
var (
	Log zerolog.Logger
)

// Initialize sets up the global logger with configuration
func Initialize(level string, pretty bool) {
	// Parse log level
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	// Configure output format
	if pretty {
		// Pretty console output for development
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		// JSON output for production
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	// Set global logger
	Log = log.With().
		Str("service", "relaycore").
		Logger()

	Log.Info().
		Str("level", logLevel.String()).
		Bool("pretty", pretty).
		Msg("Logger initialized")
}

// GetLogger returns the global logger instance
func GetLogger() *zerolog.Logger {
	return &Log
}

// Router creates a logger for protocol-router events.
func Router() *zerolog.Logger {
	l := Log.With().Str("component", "router").Logger()
	return &l
}

// Safety creates a logger for the safety-gate events (rate limiting,
// backpressure, payload rejection).
func Safety() *zerolog.Logger {
	l := Log.With().Str("component", "safety").Logger()
	return &l
}

// ConnMgr creates a logger for connection-manager events.
func ConnMgr() *zerolog.Logger {
	l := Log.With().Str("component", "connmgr").Logger()
	return &l
}

// Lifecycle creates a logger for the message-lifecycle service.
func Lifecycle() *zerolog.Logger {
	l := Log.With().Str("component", "lifecycle").Logger()
	return &l
}

// Delivery creates a logger for room/delivery fan-out events.
func Delivery() *zerolog.Logger {
	l := Log.With().Str("component", "delivery").Logger()
	return &l
}

// Replay creates a logger for the replay engine.
func Replay() *zerolog.Logger {
	l := Log.With().Str("component", "replay").Logger()
	return &l
}

// Presence creates a logger for the presence/lifecycle engine.
func Presence() *zerolog.Logger {
	l := Log.With().Str("component", "presence").Logger()
	return &l
}

// Database creates a logger for database events.
func Database() *zerolog.Logger {
	l := Log.With().Str("component", "database").Logger()
	return &l
}

// Housekeeping creates a logger for the periodic GC scheduler.
func Housekeeping() *zerolog.Logger {
	l := Log.With().Str("component", "housekeeping").Logger()
	return &l
}
