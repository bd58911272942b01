package compliance

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	airlock "github.com/eugener/airlock/internal"
	"github.com/eugener/airlock/internal/anonymize"
	"github.com/eugener/airlock/internal/audit"
	"github.com/eugener/airlock/internal/recognize"
)

// Source values record how the active preset was chosen.
const (
	SourceDefault = "default" // nothing active, built-in behavior
	SourceEnv     = "env"     // activated from configuration at boot
	SourceAPI     = "api"     // activated through the admin API
)

// MappingRetainer is the slice of the mapping store the registry drives:
// presets tighten or restore the placeholder retention window.
type MappingRetainer interface {
	SetTTL(time.Duration)
	TTL() time.Duration
}

// Registry owns the loaded presets and tracks which one is active.
// Activation swaps the engine's strategy table and recognizer set; the
// engine's own lock keeps the swap invisible to in-flight requests.
type Registry struct {
	engine   *anonymize.Engine
	mappings MappingRetainer
	auditor  *audit.Logger
	log      *slog.Logger
	dir      string
	baseTTL  time.Duration

	mu      sync.RWMutex
	presets map[string]*Preset
	active  *Preset
	source  string
}

// NewRegistry loads the embedded presets plus any overrides found in dir.
// Files in dir win over embedded presets with the same stem.
func NewRegistry(engine *anonymize.Engine, mappings MappingRetainer, auditor *audit.Logger, dir string, log *slog.Logger) (*Registry, error) {
	if log == nil {
		log = slog.Default()
	}
	presets, err := loadAll(dir)
	if err != nil {
		return nil, err
	}
	r := &Registry{
		engine:   engine,
		mappings: mappings,
		auditor:  auditor,
		log:      log.With("component", "compliance"),
		dir:      dir,
		presets:  presets,
		source:   SourceDefault,
	}
	if mappings != nil {
		r.baseTTL = mappings.TTL()
	}
	return r, nil
}

func loadAll(dir string) (map[string]*Preset, error) {
	presets, err := loadEmbedded()
	if err != nil {
		return nil, fmt.Errorf("embedded presets: %w", err)
	}
	extra, err := loadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("preset dir %s: %w", dir, err)
	}
	for k, p := range extra {
		presets[k] = p
	}
	return presets, nil
}

// Names lists the loadable preset keys, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.presets)
}

// Get returns a preset by key. Lookup is case-insensitive.
func (r *Registry) Get(name string) (*Preset, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.presets[strings.ToLower(name)]
	return p, ok
}

// Active returns the current preset and its activation source. The preset
// is nil when the proxy runs its built-in defaults.
func (r *Registry) Active() (*Preset, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active, r.source
}

// ActiveAnonymization returns the prompt-injection settings of the active
// preset; ok is false when defaults are in effect.
func (r *Registry) ActiveAnonymization() (Anonymization, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.active == nil {
		return Anonymization{}, false
	}
	return r.active.Anonymization, true
}

// Notice implements the pipeline's notice source. While a preset is active
// it is authoritative: the preset's template is injected, or nothing at all
// when the preset disables injection.
func (r *Registry) Notice() (text string, authoritative bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.active == nil {
		return "", false
	}
	if !r.active.Anonymization.InjectPrompt {
		return "", true
	}
	return r.active.Anonymization.InjectPromptTemplate, true
}

// AuditRetention returns how long audit events must be kept. Without an
// active preset the package default of one year applies.
func (r *Registry) AuditRetention() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	days := 365
	if r.active != nil && r.active.Retention.AuditRetentionDays > 0 {
		days = r.active.Retention.AuditRetentionDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// Activate looks up a preset and applies it: strategy table, recognizer
// set, mapping TTL. source tells the audit trail who asked.
func (r *Registry) Activate(ctx context.Context, name, source string) (*Preset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.presets[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: compliance preset %q (available: %s)",
			airlock.ErrNotFound, name, strings.Join(sortedKeys(r.presets), ", "))
	}
	if err := r.applyLocked(p); err != nil {
		return nil, err
	}
	r.active = p
	r.source = source
	r.log.Info("compliance preset activated",
		"preset", p.Key(), "source", source,
		"mapping_ttl_s", p.Retention.MappingTTL,
		"custom_patterns", len(p.Patterns))
	r.emit(ctx, audit.EventConfigChanged, map[string]string{
		"preset": p.Key(),
		"source": source,
	})
	return p, nil
}

// Deactivate restores the default strategy table, recognizer set and
// mapping TTL. A no-op when nothing is active.
func (r *Registry) Deactivate(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return
	}
	prev := r.active.Key()
	r.resetLocked()
	r.log.Info("compliance preset deactivated", "preset", prev)
	r.emit(ctx, audit.EventConfigChanged, map[string]string{
		"preset":   "",
		"previous": prev,
	})
}

// Reload re-reads the preset directory. If the active preset still exists
// its (possibly updated) definition is re-applied; if it vanished the proxy
// falls back to defaults.
func (r *Registry) Reload(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	presets, err := loadAll(r.dir)
	if err != nil {
		return err
	}
	r.presets = presets
	var active string
	if r.active != nil {
		p, ok := presets[r.active.Key()]
		if !ok {
			prev := r.active.Key()
			r.resetLocked()
			r.log.Warn("active compliance preset removed on reload, running defaults", "preset", prev)
		} else {
			if err := r.applyLocked(p); err != nil {
				return err
			}
			r.active = p
			active = p.Key()
		}
	}
	r.log.Info("compliance presets reloaded", "count", len(presets), "active", active)
	r.emit(ctx, audit.EventConfigReloaded, map[string]string{
		"active": active,
		"count":  strconv.Itoa(len(presets)),
	})
	return nil
}

// Status is the admin-surface view of the registry.
type Status struct {
	ActivePreset string   `json:"active_preset"`
	Source       string   `json:"source"`
	IsConfigured bool     `json:"is_configured"`
	Available    []string `json:"available_presets"`
}

func (r *Registry) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := Status{Source: r.source, Available: sortedKeys(r.presets)}
	if r.active != nil {
		st.ActivePreset = r.active.Key()
		st.IsConfigured = true
	}
	return st
}

func (r *Registry) applyLocked(p *Preset) error {
	table, err := p.strategyTable()
	if err != nil {
		return err
	}
	reg, err := p.recognizerSet()
	if err != nil {
		return err
	}
	r.engine.SetRegistry(reg)
	r.engine.SetStrategies(table)
	if r.mappings != nil {
		r.mappings.SetTTL(time.Duration(p.Retention.MappingTTL) * time.Second)
	}
	return nil
}

func (r *Registry) resetLocked() {
	r.engine.SetRegistry(recognize.DefaultRegistry())
	r.engine.SetStrategies(anonymize.DefaultStrategies())
	if r.mappings != nil {
		r.mappings.SetTTL(r.baseTTL)
	}
	r.active = nil
	r.source = SourceDefault
}

func (r *Registry) emit(ctx context.Context, t audit.EventType, meta map[string]string) {
	if r.auditor == nil {
		return
	}
	r.auditor.Emit(ctx, &audit.Event{Type: t, Metadata: meta})
}
