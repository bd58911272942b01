package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/eugener/airlock/internal/cache"
)

// DefaultSweepInterval is how often the response cache is swept when no
// interval is configured.
const DefaultSweepInterval = time.Minute

// CacheJanitor sweeps expired entries out of the response cache. Reads
// already skip expired entries; the janitor bounds how long their bytes
// stay resident.
type CacheJanitor struct {
	cache    *cache.ResponseCache
	interval time.Duration
	log      *slog.Logger
}

// NewCacheJanitor creates a janitor over c. A non-positive interval falls
// back to DefaultSweepInterval.
func NewCacheJanitor(c *cache.ResponseCache, interval time.Duration, logger *slog.Logger) *CacheJanitor {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CacheJanitor{
		cache:    c,
		interval: interval,
		log:      logger.With("component", "cache_janitor"),
	}
}

// Name returns the worker identifier.
func (w *CacheJanitor) Name() string { return "cache_janitor" }

// Run sweeps on the configured interval until ctx is cancelled.
func (w *CacheJanitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := w.cache.PurgeExpired(); n > 0 {
				w.log.Debug("expired cache entries swept", "count", n)
			}
		}
	}
}
