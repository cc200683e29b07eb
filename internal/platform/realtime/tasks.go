package realtime

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TaskFunc is one iteration of a periodic background task.
type TaskFunc func(ctx context.Context) error

// RunPeriodic runs fn on a fixed interval until ctx is cancelled. A failing
// iteration is logged and skipped, and the interval backs off exponentially
// (up to 8x) until an iteration succeeds again, so a broken dependency is
// never crash-looped against.
func RunPeriodic(ctx context.Context, logger zerolog.Logger, name string, interval time.Duration, fn TaskFunc) {
	const maxBackoffFactor = 8

	delay := interval
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Str("task", name).Msg("periodic task stopped")
			return
		case <-timer.C:
		}

		if err := fn(ctx); err != nil {
			if delay < interval*maxBackoffFactor {
				delay *= 2
			}
			logger.Warn().
				Err(err).
				Str("task", name).
				Dur("next_attempt_in", delay).
				Msg("periodic task iteration failed")
		} else {
			delay = interval
		}
		timer.Reset(delay)
	}
}

// StartHeartbeat launches the heartbeat broadcast task. Every interval a
// heartbeat envelope is sent to all connections; dead transports are pruned
// lazily by the send itself.
func StartHeartbeat(ctx context.Context, d *Dispatcher, interval time.Duration, logger zerolog.Logger) {
	go RunPeriodic(ctx, logger, "heartbeat", interval, func(context.Context) error {
		d.Heartbeat()
		return nil
	})
}

// StartHealthBroadcast launches the admin health broadcast task. Every
// interval a fresh snapshot is pushed to connected admins; snapshot
// failures back off instead of terminating the task.
func StartHealthBroadcast(ctx context.Context, d *Dispatcher, source HealthSource, interval time.Duration, logger zerolog.Logger) {
	go RunPeriodic(ctx, logger, "health-broadcast", interval, func(ctx context.Context) error {
		snapshot, err := source.Snapshot(ctx)
		if err != nil {
			return err
		}
		d.NotifySystemHealth(snapshot)
		return nil
	})
}
