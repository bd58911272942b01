package auth

import (
	"os"
	"path/filepath"
	"testing"

	airlock "github.com/eugener/airlock/internal"
)

func TestLoadTenants(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tenants.yaml")
	data := `tenants:
  - tenant_id: team-a
    name: Team A
    status: active
    rate_limit: 100/m
    token_rate: 50000/m
    max_ttl: 600
    settings:
      region: eu
  - tenant_id: team-b
    name: Team B
    status: suspended
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	r, err := LoadTenants(path)
	if err != nil {
		t.Fatalf("LoadTenants: %v", err)
	}
	if r.Len() != 2 {
		t.Fatalf("Len = %d, want 2", r.Len())
	}

	a, ok := r.Get("team-a")
	if !ok {
		t.Fatal("team-a not found")
	}
	if a.Name != "Team A" || a.Status != airlock.TenantActive {
		t.Errorf("team-a = %+v", a)
	}
	if a.RateLimit != "100/m" || a.TokenRate != "50000/m" || a.MaxTTL != 600 {
		t.Errorf("team-a limits = %q/%q/%d", a.RateLimit, a.TokenRate, a.MaxTTL)
	}
	if a.Settings["region"] != "eu" {
		t.Errorf("settings = %v", a.Settings)
	}

	b, _ := r.Get("team-b")
	if b.Status != airlock.TenantSuspended {
		t.Errorf("team-b status = %q, want suspended", b.Status)
	}
}

func TestLoadTenantsMissingFile(t *testing.T) {
	t.Parallel()

	r, err := LoadTenants(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadTenants: %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}

func TestLoadTenantsRejectsBadEntries(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		yaml string
	}{
		{"missing id", "tenants:\n  - name: Nameless\n"},
		{"unknown status", "tenants:\n  - tenant_id: x\n    status: frozen\n"},
		{"not yaml", "{{{"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "tenants.yaml")
			if err := os.WriteFile(path, []byte(tc.yaml), 0o600); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadTenants(path); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadTenantsDefaultsStatus(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tenants.yaml")
	if err := os.WriteFile(path, []byte("tenants:\n  - tenant_id: x\n    name: X\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	r, err := LoadTenants(path)
	if err != nil {
		t.Fatalf("LoadTenants: %v", err)
	}
	x, _ := r.Get("x")
	if x.Status != airlock.TenantActive {
		t.Errorf("status = %q, want active default", x.Status)
	}
}

func TestEnsureDefault(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.EnsureDefault("")
	d, ok := r.Get(airlock.DefaultTenantID)
	if !ok || d.Status != airlock.TenantActive {
		t.Fatalf("default tenant = %+v, ok = %v", d, ok)
	}

	// Existing records are not overwritten.
	r.Add(&airlock.Tenant{ID: "custom", Name: "Custom", Status: airlock.TenantDisabled})
	r.EnsureDefault("custom")
	c, _ := r.Get("custom")
	if c.Status != airlock.TenantDisabled {
		t.Error("EnsureDefault overwrote an existing tenant")
	}
}

func TestRegistryListAndRemove(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Add(&airlock.Tenant{ID: "b", Status: airlock.TenantActive})
	r.Add(&airlock.Tenant{ID: "a", Status: airlock.TenantDisabled})
	r.Add(&airlock.Tenant{ID: "c", Status: airlock.TenantActive})

	all := r.List("")
	if len(all) != 3 || all[0].ID != "a" || all[2].ID != "c" {
		t.Errorf("List all = %v", all)
	}
	active := r.List(airlock.TenantActive)
	if len(active) != 2 {
		t.Errorf("List active = %d, want 2", len(active))
	}

	if !r.Remove("b") {
		t.Error("Remove existing returned false")
	}
	if r.Remove("b") {
		t.Error("Remove absent returned true")
	}
	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}
}
