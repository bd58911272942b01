// Package quota enforces per-tenant usage budgets over rolling and
// calendar windows plus short-horizon rate limits. Hard limits reject
// the request, soft limits let it through with a warning the caller can
// audit.
package quota

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.yaml.in/yaml/v3"

	airlock "github.com/eugener/airlock/internal"
)

// Period names a usage window. Hourly windows roll: they open on first
// use and close an hour later. Daily and monthly windows align to UTC
// boundaries, resetting at midnight and on the first of the month.
type Period string

const (
	PeriodHourly  Period = "hourly"
	PeriodDaily   Period = "daily"
	PeriodMonthly Period = "monthly"
)

// Resource is what a limit counts.
type Resource string

const (
	ResourceRequests Resource = "requests"
	ResourceTokens   Resource = "tokens"
)

// Limit caps one resource over one period. Zero means unlimited for that
// bound; a soft bound without a hard one only ever warns.
type Limit struct {
	Period   Period   `yaml:"period" json:"period"`
	Resource Resource `yaml:"resource" json:"resource"`
	Soft     int64    `yaml:"soft,omitempty" json:"soft,omitempty"`
	Hard     int64    `yaml:"hard,omitempty" json:"hard,omitempty"`
}

func (l Limit) validate() error {
	switch l.Period {
	case PeriodHourly, PeriodDaily, PeriodMonthly:
	default:
		return fmt.Errorf("%w: unknown quota period %q", airlock.ErrValidation, l.Period)
	}
	switch l.Resource {
	case ResourceRequests, ResourceTokens:
	default:
		return fmt.Errorf("%w: unknown quota resource %q", airlock.ErrValidation, l.Resource)
	}
	if l.Soft < 0 || l.Hard < 0 {
		return fmt.Errorf("%w: quota bounds must be non-negative", airlock.ErrValidation)
	}
	if l.Soft > 0 && l.Hard > 0 && l.Soft > l.Hard {
		return fmt.Errorf("%w: soft bound %d exceeds hard bound %d", airlock.ErrValidation, l.Soft, l.Hard)
	}
	return nil
}

// Warning reports a crossed soft bound.
type Warning struct {
	Tenant   string    `json:"tenant"`
	Resource Resource  `json:"resource"`
	Period   Period    `json:"period"`
	Limit    int64     `json:"limit"`
	Current  int64     `json:"current"`
	ResetAt  time.Time `json:"reset_at"`
}

// WindowUsage is one row of a tenant's usage report.
type WindowUsage struct {
	Period   Period    `json:"period"`
	Resource Resource  `json:"resource"`
	Used     int64     `json:"used"`
	Soft     int64     `json:"soft,omitempty"`
	Hard     int64     `json:"hard,omitempty"`
	ResetAt  time.Time `json:"reset_at"`
}

type windowKey struct {
	tenant   string
	period   Period
	resource Resource
}

type windowCounter struct {
	start time.Time
	reset time.Time
	used  int64
}

// Tracker keeps per-tenant counters for every configured window. Counters
// roll lazily when a window boundary passes.
type Tracker struct {
	mu       sync.Mutex
	counters map[windowKey]*windowCounter
	defaults []Limit
	tenants  map[string][]Limit
	logger   *slog.Logger
	now      func() time.Time
}

func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		counters: make(map[windowKey]*windowCounter),
		tenants:  make(map[string][]Limit),
		logger:   logger.With("component", "quota"),
		now:      time.Now,
	}
}

// SetLimits replaces the limit tables. A tenant entry overrides the
// defaults entirely rather than merging with them.
func (t *Tracker) SetLimits(defaults []Limit, tenants map[string][]Limit) error {
	for _, l := range defaults {
		if err := l.validate(); err != nil {
			return fmt.Errorf("default quota: %w", err)
		}
	}
	for id, ls := range tenants {
		for _, l := range ls {
			if err := l.validate(); err != nil {
				return fmt.Errorf("tenant %s quota: %w", id, err)
			}
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.defaults = defaults
	t.tenants = tenants
	return nil
}

type fileConfig struct {
	Default []Limit            `yaml:"default"`
	Tenants map[string][]Limit `yaml:"tenants"`
}

// LoadFile reads quota limits from a YAML file.
func (t *Tracker) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read quota config: %w", err)
	}
	defaults, tenants, err := parseConfig(raw)
	if err != nil {
		return err
	}
	if err := t.SetLimits(defaults, tenants); err != nil {
		return err
	}
	t.logger.Info("quota limits loaded", "path", path, "defaults", len(defaults), "tenants", len(tenants))
	return nil
}

func parseConfig(raw []byte) ([]Limit, map[string][]Limit, error) {
	var cfg fileConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, nil, fmt.Errorf("parse quota config: %w", err)
	}
	return cfg.Default, cfg.Tenants, nil
}

func (t *Tracker) limitsForLocked(tenant string) []Limit {
	if ls, ok := t.tenants[tenant]; ok {
		return ls
	}
	return t.defaults
}

// counterLocked returns the live counter for the window, resetting it
// when its boundary has passed: the counter zeroes and the window
// advances before any bound is checked.
func (t *Tracker) counterLocked(tenant string, p Period, res Resource, now time.Time) *windowCounter {
	k := windowKey{tenant: tenant, period: p, resource: res}
	c, ok := t.counters[k]
	if !ok || !now.Before(c.reset) {
		c = &windowCounter{start: WindowStart(p, now), reset: ResetAt(p, now)}
		t.counters[k] = c
	}
	return c
}

func (t *Tracker) checkLocked(tenant string, res Resource, n int64, now time.Time) ([]Warning, error) {
	var warns []Warning
	for _, l := range t.limitsForLocked(tenant) {
		if l.Resource != res {
			continue
		}
		c := t.counterLocked(tenant, l.Period, res, now)
		next := c.used + n
		if l.Hard > 0 && next > l.Hard {
			return warns, &airlock.QuotaError{
				Tenant:   tenant,
				Resource: string(res),
				Period:   string(l.Period),
				Limit:    l.Hard,
				Current:  c.used,
				ResetAt:  c.reset.Unix(),
			}
		}
		if l.Soft > 0 && next > l.Soft {
			warns = append(warns, Warning{
				Tenant:   tenant,
				Resource: res,
				Period:   l.Period,
				Limit:    l.Soft,
				Current:  next,
				ResetAt:  c.reset,
			})
		}
	}
	return warns, nil
}

func (t *Tracker) recordLocked(tenant string, res Resource, n int64, now time.Time) {
	for _, l := range t.limitsForLocked(tenant) {
		if l.Resource != res {
			continue
		}
		t.counterLocked(tenant, l.Period, res, now).used += n
	}
}

// Check reports whether adding n units of res keeps tenant inside its
// hard bounds. Crossed soft bounds come back as warnings; a crossed hard
// bound returns a QuotaError and the request must not proceed.
func (t *Tracker) Check(tenant string, res Resource, n int64) ([]Warning, error) {
	now := t.now().UTC()
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.checkLocked(tenant, res, n, now)
}

// Record adds n units of res to every window that limits it.
func (t *Tracker) Record(tenant string, res Resource, n int64) {
	now := t.now().UTC()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recordLocked(tenant, res, n, now)
}

// Reserve checks and records in one critical section, so two concurrent
// admissions cannot both squeeze past a nearly spent hard bound. Nothing
// is recorded when the check fails.
func (t *Tracker) Reserve(tenant string, res Resource, n int64) ([]Warning, error) {
	now := t.now().UTC()
	t.mu.Lock()
	defer t.mu.Unlock()
	warns, err := t.checkLocked(tenant, res, n, now)
	if err != nil {
		return warns, err
	}
	t.recordLocked(tenant, res, n, now)
	return warns, nil
}

// Usage reports the tenant's current position in every configured window.
func (t *Tracker) Usage(tenant string) []WindowUsage {
	now := t.now().UTC()
	t.mu.Lock()
	defer t.mu.Unlock()
	limits := t.limitsForLocked(tenant)
	out := make([]WindowUsage, 0, len(limits))
	for _, l := range limits {
		c := t.counterLocked(tenant, l.Period, l.Resource, now)
		out = append(out, WindowUsage{
			Period:   l.Period,
			Resource: l.Resource,
			Used:     c.used,
			Soft:     l.Soft,
			Hard:     l.Hard,
			ResetAt:  c.reset,
		})
	}
	return out
}

// Snapshot reports current usage for every tenant with live counters.
// Tenants that never touched a limited window do not appear.
func (t *Tracker) Snapshot() map[string][]WindowUsage {
	t.mu.Lock()
	ids := make(map[string]struct{})
	for k := range t.counters {
		ids[k.tenant] = struct{}{}
	}
	t.mu.Unlock()

	out := make(map[string][]WindowUsage, len(ids))
	for id := range ids {
		out[id] = t.Usage(id)
	}
	return out
}

// WindowStart returns when a window opening at now begins. Hourly windows
// roll from first use; daily and monthly windows align to UTC boundaries.
func WindowStart(p Period, now time.Time) time.Time {
	now = now.UTC()
	switch p {
	case PeriodHourly:
		return now
	case PeriodDaily:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	case PeriodMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return now
	}
}

// ResetAt returns when a window opening at now rolls over: an hour after
// first use for hourly, the next UTC midnight for daily, the first of the
// next month for monthly.
func ResetAt(p Period, now time.Time) time.Time {
	start := WindowStart(p, now)
	switch p {
	case PeriodHourly:
		return start.Add(time.Hour)
	case PeriodDaily:
		return start.AddDate(0, 0, 1)
	case PeriodMonthly:
		return start.AddDate(0, 1, 0)
	default:
		return start
	}
}
