package main

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// runEvery calls fn every interval until ctx is cancelled. Runs never
// overlap; a slow run delays the next tick.
func runEvery(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info().Str("job", name).Dur("interval", interval).Msg("scheduled")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if err := fn(ctx); err != nil {
				logger.Warn().Err(err).Str("job", name).Msg("scheduled run failed")
				continue
			}
			logger.Debug().Str("job", name).Dur("took", time.Since(start)).Msg("scheduled run done")
		}
	}
}
