package app

import (
	"fmt"
	"log/slog"
	"time"

	airlock "github.com/eugener/airlock/internal"
	"github.com/eugener/airlock/internal/audit"
	"github.com/eugener/airlock/internal/compliance"
	"github.com/eugener/airlock/internal/config"
)

// buildAuditStore selects the audit backend named in config.
func buildAuditStore(cfg *config.Config, log *slog.Logger) (audit.Store, error) {
	switch cfg.Audit.Store {
	case "memory":
		return audit.NewMemory(0), nil
	case "file":
		return audit.NewFile(cfg.Audit.Path, audit.RotationMode(cfg.Audit.Rotation), log)
	case "database":
		return audit.NewSQLite(cfg.Audit.DBPath)
	default:
		return nil, fmt.Errorf("%w: unknown audit store %q", airlock.ErrValidation, cfg.Audit.Store)
	}
}

// retentionPolicy resolves the audit retention horizon for the cleanup
// worker: the active compliance preset when there is one, otherwise the
// configured retention_days.
type retentionPolicy struct {
	presets  *compliance.Registry
	fallback time.Duration
}

func (p retentionPolicy) AuditRetention() time.Duration {
	if p.presets != nil {
		if active, _ := p.presets.Active(); active != nil {
			return p.presets.AuditRetention()
		}
	}
	return p.fallback
}

func retentionDays(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}
