package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/eugener/airlock/internal/mapping"
	"github.com/eugener/airlock/internal/telemetry"
)

// DefaultReapInterval is how often expired mappings are swept when no
// interval is configured.
const DefaultReapInterval = time.Minute

// MappingReaper sweeps expired placeholder mappings out of the store.
// Expiry already makes entries unreadable; the reaper reclaims their
// memory and keeps the store gauge honest.
type MappingReaper struct {
	store    *mapping.Store
	metrics  *telemetry.Metrics
	interval time.Duration
	log      *slog.Logger
}

// NewMappingReaper creates a reaper over store. A non-positive interval
// falls back to DefaultReapInterval; metrics may be nil.
func NewMappingReaper(store *mapping.Store, metrics *telemetry.Metrics, interval time.Duration, logger *slog.Logger) *MappingReaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MappingReaper{
		store:    store,
		metrics:  metrics,
		interval: interval,
		log:      logger.With("component", "mapping_reaper"),
	}
}

// Name returns the worker identifier.
func (w *MappingReaper) Name() string { return "mapping_reaper" }

// Run sweeps on the configured interval until ctx is cancelled.
func (w *MappingReaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n := w.store.PurgeExpired()
			if w.metrics != nil {
				if n > 0 {
					w.metrics.MappingExpired.Add(float64(n))
				}
				w.metrics.MappingStoreSize.Set(float64(w.store.Len()))
			}
			if n > 0 {
				w.log.Debug("expired mappings reaped", "count", n)
			}
		}
	}
}
