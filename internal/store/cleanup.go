package store

import (
	"context"
	"log/slog"
	"time"
)

// DefaultCleanupInterval is how often StartCleanupWorker sweeps.
const DefaultCleanupInterval = 5 * time.Minute

// CleanupCallback is called after every sweep that removed something.
type CleanupCallback func(values, sessions int64)

// StartCleanupWorker runs a background goroutine that periodically removes
// expired values and session blobs older than sessionTTL. It stops when ctx
// is canceled.
func StartCleanupWorker(ctx context.Context, repo Repository, interval, sessionTTL time.Duration, onCleanup CleanupCallback) {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Cleanup worker started", "interval", interval, "session_ttl", sessionTTL)

		for {
			select {
			case <-ticker.C:
				sweep(ctx, repo, sessionTTL, onCleanup)
			case <-ctx.Done():
				slog.Info("Cleanup worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweep(ctx context.Context, repo Repository, sessionTTL time.Duration, onCleanup CleanupCallback) {
	var values, sessions int64
	err := withBusyRetry(ctx, "cleanup expired", func() error {
		var err error
		values, sessions, err = repo.CleanupExpired(ctx, sessionTTL)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			slog.Debug("Cleanup worker: context canceled during sweep", "error", err)
			return
		}
		slog.Error("Cleanup worker failed", "error", err)
		return
	}
	if values == 0 && sessions == 0 {
		return
	}
	slog.Info("Cleanup worker removed expired data", "values", values, "sessions", sessions)
	if onCleanup != nil {
		onCleanup(values, sessions)
	}
}
