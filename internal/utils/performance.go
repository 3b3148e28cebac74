package utils

import (
	"time"

	"github.com/rs/zerolog"
)

const slowOperationThreshold = 30 * time.Second

// OperationTimer measures a long-running operation, defer-style:
//
//	defer utils.OperationTimer("pulse", log)()
//
// Durations log at debug; anything past the slow threshold gets a warning.
func OperationTimer(operation string, log zerolog.Logger) func() {
	start := time.Now()

	return func() {
		duration := time.Since(start)

		log.Debug().
			Str("operation", operation).
			Dur("duration_ms", duration).
			Msg("Operation completed")

		if duration > slowOperationThreshold {
			log.Warn().
				Str("operation", operation).
				Dur("duration", duration).
				Msg("Slow operation detected")
		}
	}
}
