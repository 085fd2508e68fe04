package wire

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// startRecoveryLoop runs the two background sweeps on one ticker: reclaim
// expired reservations, then garbage-collect agents silent past the grace
// window. Default cadence is half the reservation TTL so an expired lease
// waits at most TTL/2 before being reclaimed.
//
// The admin /recover endpoint triggers the same pass on demand; both paths
// are idempotent, so overlap with the ticker is harmless.
func startRecoveryLoop(ctx context.Context, app *App, reservationTTL time.Duration) {
	interval := envDuration("RECOVERY_INTERVAL_SECONDS", reservationTTL/2)
	if interval <= 0 {
		interval = time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			recovered, err := app.RecoverySvc.RecoverExpired(ctx, nil)
			if err != nil {
				slog.Error("recovery: expired-reservation sweep failed", "error", err)
			} else if len(recovered) > 0 {
				total := 0
				for _, n := range recovered {
					total += n
				}
				slog.Info("recovery: reclaimed expired reservations", "count", total, "agents", len(recovered))
			}

			removed, err := app.RecoverySvc.CollectGarbage(ctx)
			if err != nil {
				slog.Error("recovery: agent gc failed", "error", err)
			} else if removed > 0 {
				slog.Info("recovery: collected silent agents", "count", removed)
			}
		}
	}()

	slog.Info("recovery loop started", "interval", interval)
}

// envDuration reads an integer-seconds env var and returns a Duration.
// Falls back to defaultVal if the var is unset or invalid.
func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}

// envInt reads an integer env var, falling back to defaultVal if unset or invalid.
func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultVal
}
