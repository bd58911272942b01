package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/eugener/airlock/internal/quota"
)

// DefaultSnapshotInterval is how often quota usage is logged when no
// interval is configured.
const DefaultSnapshotInterval = time.Hour

// QuotaSnapshot periodically logs each tenant's window usage at debug
// level and evicts rate limiters that sat idle for a full interval.
// Enforcement never needs the sweep; the log line is the cheap way to
// answer "who ate the budget" after the fact.
type QuotaSnapshot struct {
	tracker  *quota.Tracker
	limiters *quota.Registry
	interval time.Duration
	log      *slog.Logger
}

// NewQuotaSnapshot creates a snapshot worker over tracker. A non-positive
// interval falls back to DefaultSnapshotInterval; limiters may be nil.
func NewQuotaSnapshot(tracker *quota.Tracker, limiters *quota.Registry, interval time.Duration, logger *slog.Logger) *QuotaSnapshot {
	if interval <= 0 {
		interval = DefaultSnapshotInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &QuotaSnapshot{
		tracker:  tracker,
		limiters: limiters,
		interval: interval,
		log:      logger.With("component", "quota_snapshot"),
	}
}

// Name returns the worker identifier.
func (w *QuotaSnapshot) Name() string { return "quota_snapshot" }

// Run logs and sweeps on the configured interval until ctx is cancelled.
func (w *QuotaSnapshot) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.sweep(time.Now())
		}
	}
}

func (w *QuotaSnapshot) sweep(now time.Time) {
	for tenant, windows := range w.tracker.Snapshot() {
		for _, u := range windows {
			w.log.Debug("quota window",
				"tenant", tenant,
				"period", string(u.Period),
				"resource", string(u.Resource),
				"used", u.Used,
				"hard", u.Hard,
				"reset_at", u.ResetAt,
			)
		}
	}
	if w.limiters != nil {
		if n := w.limiters.EvictStale(now.Add(-w.interval)); n > 0 {
			w.log.Debug("idle rate limiters evicted", "count", n)
		}
	}
}
