package storage

import (
	"context"
	"log/slog"
	"time"
)

// RunSweeper calls s.DeleteExpired every interval until ctx is done. Lazy
// expiry on read stays the correctness mechanism; sweeping only bounds the
// growth caused by abandoned flows.
func RunSweeper(ctx context.Context, s Sweeper, interval time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.DeleteExpired(ctx)
			if err != nil {
				logger.Warn("Failed to delete expired records", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("Deleted expired records", "count", n)
			}
		}
	}
}
