package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// New creates and configures a new zerolog logger
func New(logLevel string) zerolog.Logger {
	// Set global log level
	level, err := zerolog.ParseLevel(strings.ToLower(logLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Configure console writer for human-readable output in development
	if os.Getenv("API_ENV") == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	}

	// Create structured logger with common fields
	logger := zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("service", "tronsweep").
		Logger()

	return logger
}

// WithWorker adds worker ID to logger context
func WithWorker(logger zerolog.Logger, workerID string) zerolog.Logger {
	return logger.With().Str("worker_id", workerID).Logger()
}

// WithTenant adds tenant ID to logger context
func WithTenant(logger zerolog.Logger, tenantID string) zerolog.Logger {
	return logger.With().Str("tenant_id", tenantID).Logger()
}

// WithAddress adds deposit address to logger context
func WithAddress(logger zerolog.Logger, address string) zerolog.Logger {
	return logger.With().Str("address", address).Logger()
}

// WithBatch adds batch ID to logger context
func WithBatch(logger zerolog.Logger, batchID string) zerolog.Logger {
	return logger.With().Str("batch_id", batchID).Logger()
}

// WithSource adds energy source name to logger context
func WithSource(logger zerolog.Logger, source string) zerolog.Logger {
	return logger.With().Str("source", source).Logger()
}
