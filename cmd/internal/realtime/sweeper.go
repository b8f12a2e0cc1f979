package realtime

import (
	"context"
	"log/slog"
	"time"
)

// StartSweeper removes stale registry records every interval until ctx is done.
// It returns a channel closed when the loop exits.
func StartSweeper(ctx context.Context, registry *Registry, interval, timeout time.Duration, log *slog.Logger) <-chan struct{} {
	done := make(chan struct{})
	if !registry.Enabled() {
		close(done)
		return done
	}
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	log.Info("realtime.sweeper.start", "interval", interval.String(), "stale_after", registry.StaleAfter().String())

	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tickCtx, cancel := context.WithTimeout(ctx, timeout)
				registry.SweepStale(tickCtx, time.Now().UTC())
				cancel()
			}
		}
	}()
	return done
}
