package app

import (
	"log/slog"

	airlock "github.com/eugener/airlock/internal"
	"github.com/eugener/airlock/internal/anonymize"
	"github.com/eugener/airlock/internal/config"
	"github.com/eugener/airlock/internal/recognize"
)

// buildEngine constructs the anonymization engine from config: the
// built-in strategy table with per-type overrides applied, allowlists
// from the configured directory and the question-intent detector.
//
// Entity type and strategy names were already checked by
// config.Validate, so ParseKind failing here means the two drifted.
func buildEngine(cfg *config.Config, log *slog.Logger) (*anonymize.Engine, error) {
	strategies := anonymize.DefaultStrategies()
	for typ, name := range cfg.Anonymize.Strategies {
		kind, err := anonymize.ParseKind(name)
		if err != nil {
			return nil, err
		}
		strategies[airlock.EntityType(typ)] = anonymize.Strategy{Kind: kind}
	}

	allow, err := recognize.NewAllowlistRegistry(log)
	if err != nil {
		return nil, err
	}
	if dir := cfg.Anonymize.AllowlistsDir; dir != "" {
		if err := allow.LoadAllowlistDir(dir); err != nil {
			return nil, err
		}
	}

	var favoring []airlock.EntityType
	if len(cfg.Anonymize.FavoringTypes) > 0 {
		favoring = make([]airlock.EntityType, 0, len(cfg.Anonymize.FavoringTypes))
		for _, t := range cfg.Anonymize.FavoringTypes {
			favoring = append(favoring, airlock.EntityType(t))
		}
	}

	return anonymize.NewEngine(anonymize.EngineConfig{
		Allowlist:  allow,
		Intent:     recognize.NewIntentDetector(favoring),
		Strategies: strategies,
		Logger:     log,
	}), nil
}
