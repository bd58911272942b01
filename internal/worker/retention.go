package worker

import (
	"context"
	"log/slog"
	"time"
)

// Default audit retention bounds. The sweep runs daily; events older than
// the policy's horizon (one year absent a policy) are deleted.
const (
	DefaultRetentionInterval = 24 * time.Hour
	DefaultRetentionKeep     = 365 * 24 * time.Hour
)

// AuditStore is the slice of the audit store the retention worker needs.
type AuditStore interface {
	Cleanup(ctx context.Context, olderThan time.Time) (int, error)
}

// RetentionPolicy resolves how long audit events must be kept. The
// compliance registry implements it; an active preset can lengthen or
// shorten the horizon at runtime.
type RetentionPolicy interface {
	AuditRetention() time.Duration
}

// AuditRetention deletes audit events past the retention horizon. One
// sweep runs at startup so a proxy that was down across a boundary
// catches up immediately.
type AuditRetention struct {
	store    AuditStore
	policy   RetentionPolicy
	interval time.Duration
	log      *slog.Logger
	now      func() time.Time
}

// NewAuditRetention creates the retention worker. policy may be nil, in
// which case DefaultRetentionKeep applies; a non-positive interval falls
// back to DefaultRetentionInterval.
func NewAuditRetention(store AuditStore, policy RetentionPolicy, interval time.Duration, logger *slog.Logger) *AuditRetention {
	if interval <= 0 {
		interval = DefaultRetentionInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditRetention{
		store:    store,
		policy:   policy,
		interval: interval,
		log:      logger.With("component", "audit_retention"),
		now:      time.Now,
	}
}

// Name returns the worker identifier.
func (w *AuditRetention) Name() string { return "audit_retention" }

// Run sweeps immediately, then on the configured interval until ctx is
// cancelled.
func (w *AuditRetention) Run(ctx context.Context) error {
	w.sweep(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *AuditRetention) sweep(ctx context.Context) {
	keep := DefaultRetentionKeep
	if w.policy != nil {
		if d := w.policy.AuditRetention(); d > 0 {
			keep = d
		}
	}
	cutoff := w.now().UTC().Add(-keep)
	n, err := w.store.Cleanup(ctx, cutoff)
	if err != nil {
		w.log.Error("audit retention sweep failed", "error", err)
		return
	}
	if n > 0 {
		w.log.Info("audit events past retention deleted",
			"deleted", n,
			"cutoff", cutoff.Format(time.RFC3339))
	}
}
