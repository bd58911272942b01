// Package auth implements tenant resolution and API key authentication
// for the airlock proxy. Keys follow the piiak_{tenant}_{random} format;
// validation results are cached in a W-TinyLFU cache so the hot path
// skips the authoritative store.
package auth

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"go.yaml.in/yaml/v3"

	airlock "github.com/eugener/airlock/internal"
)

// Registry holds the tenant catalog. All methods are safe for concurrent
// use; mutation is rare (admin API, config reload) so a plain RWMutex
// over a map is enough.
type Registry struct {
	mu      sync.RWMutex
	tenants map[string]*airlock.Tenant
}

// NewRegistry returns an empty tenant registry.
func NewRegistry() *Registry {
	return &Registry{tenants: make(map[string]*airlock.Tenant)}
}

// Add inserts or replaces a tenant.
func (r *Registry) Add(t *airlock.Tenant) {
	r.mu.Lock()
	r.tenants[t.ID] = t
	r.mu.Unlock()
}

// Get returns the tenant with the given ID.
func (r *Registry) Get(id string) (*airlock.Tenant, bool) {
	r.mu.RLock()
	t, ok := r.tenants[id]
	r.mu.RUnlock()
	return t, ok
}

// Remove deletes a tenant. It reports whether the tenant existed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tenants[id]; !ok {
		return false
	}
	delete(r.tenants, id)
	return true
}

// List returns tenants sorted by ID, optionally filtered by status
// (empty status means all).
func (r *Registry) List(status airlock.TenantStatus) []*airlock.Tenant {
	r.mu.RLock()
	out := make([]*airlock.Tenant, 0, len(r.tenants))
	for _, t := range r.tenants {
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered tenants.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tenants)
}

// EnsureDefault registers an active catch-all tenant under id when no
// tenant with that ID exists yet. It is called at startup so unkeyed
// requests always resolve to a real tenant record.
func (r *Registry) EnsureDefault(id string) {
	if id == "" {
		id = airlock.DefaultTenantID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tenants[id]; ok {
		return
	}
	r.tenants[id] = &airlock.Tenant{
		ID:     id,
		Name:   "Default Tenant",
		Status: airlock.TenantActive,
	}
}

// Ensure registers an active tenant under id when none exists, so callers
// provisioning keys programmatically always leave a resolvable record.
func (r *Registry) Ensure(id string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tenants[id]; ok {
		return
	}
	r.tenants[id] = &airlock.Tenant{
		ID:     id,
		Name:   id,
		Status: airlock.TenantActive,
	}
}

// tenantsFile mirrors the tenants.yaml layout.
type tenantsFile struct {
	Tenants []tenantEntry `yaml:"tenants"`
}

type tenantEntry struct {
	TenantID  string            `yaml:"tenant_id"`
	Name      string            `yaml:"name"`
	Status    string            `yaml:"status"`
	RateLimit string            `yaml:"rate_limit"`
	TokenRate string            `yaml:"token_rate"`
	MaxTTL    int               `yaml:"max_ttl"`
	Settings  map[string]string `yaml:"settings"`
}

// LoadTenants reads a tenants.yaml file into a fresh Registry. A missing
// file is not an error: deployments without tenant config run
// single-tenant, so an empty registry is returned.
func LoadTenants(path string) (*Registry, error) {
	r := NewRegistry()
	if path == "" {
		return r, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("read tenant config %s: %w", path, err)
	}

	var file tenantsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse tenant config %s: %w", path, err)
	}

	for i, e := range file.Tenants {
		if e.TenantID == "" {
			return nil, fmt.Errorf("tenant config %s: tenants[%d] missing tenant_id", path, i)
		}
		status := airlock.TenantStatus(e.Status)
		switch status {
		case airlock.TenantActive, airlock.TenantDisabled, airlock.TenantSuspended:
		case "":
			status = airlock.TenantActive
		default:
			return nil, fmt.Errorf("tenant config %s: tenant %s has unknown status %q", path, e.TenantID, e.Status)
		}
		r.Add(&airlock.Tenant{
			ID:        e.TenantID,
			Name:      e.Name,
			Status:    status,
			RateLimit: e.RateLimit,
			TokenRate: e.TokenRate,
			MaxTTL:    e.MaxTTL,
			Settings:  e.Settings,
		})
	}
	return r, nil
}
