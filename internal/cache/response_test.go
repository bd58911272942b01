package cache

import (
	"testing"
	"time"

	airlock "github.com/eugener/airlock/internal"
)

func newTestResponseCache(maxEntries int, ttl time.Duration) (*ResponseCache, *time.Time) {
	c := NewResponseCache(maxEntries, ttl, nil)
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestResponseCacheGetSet(t *testing.T) {
	t.Parallel()
	c, _ := newTestResponseCache(10, time.Minute)

	if _, ok := c.Get("k1", "acme"); ok {
		t.Error("empty cache should miss")
	}
	c.Set("k1", "acme", []byte(`{"id":"x"}`))
	body, ok := c.Get("k1", "acme")
	if !ok || string(body) != `{"id":"x"}` {
		t.Errorf("Get = %q, %v", body, ok)
	}
}

func TestResponseCacheTenantIsolation(t *testing.T) {
	t.Parallel()
	c, _ := newTestResponseCache(10, time.Minute)
	c.Set("k1", "acme", []byte("a"))

	if _, ok := c.Get("k1", "beta"); ok {
		t.Error("tenant beta must not read acme's entry")
	}
	if _, ok := c.Get("k1", "acme"); !ok {
		t.Error("owner tenant should still hit")
	}
}

func TestResponseCacheExpiry(t *testing.T) {
	t.Parallel()
	c, now := newTestResponseCache(10, time.Minute)
	c.Set("k1", "acme", []byte("a"))

	*now = now.Add(59 * time.Second)
	if _, ok := c.Get("k1", "acme"); !ok {
		t.Fatal("expired early")
	}
	*now = now.Add(2 * time.Second)
	if _, ok := c.Get("k1", "acme"); ok {
		t.Error("expired entry still served")
	}
}

func TestResponseCacheEvictsOldest(t *testing.T) {
	t.Parallel()
	c, now := newTestResponseCache(2, time.Hour)

	c.Set("k1", "acme", []byte("1"))
	*now = now.Add(time.Second)
	c.Set("k2", "acme", []byte("2"))
	*now = now.Add(time.Second)

	// k1 is the oldest even though we touch it right before inserting.
	if _, ok := c.Get("k1", "acme"); !ok {
		t.Fatal("setup: k1 missing")
	}
	c.Set("k3", "acme", []byte("3"))

	if _, ok := c.Get("k1", "acme"); ok {
		t.Error("k1 should have been evicted as the oldest entry")
	}
	if _, ok := c.Get("k2", "acme"); !ok {
		t.Error("k2 should survive")
	}
	if _, ok := c.Get("k3", "acme"); !ok {
		t.Error("k3 should be present")
	}
	if got := c.Stats().Evictions; got != 1 {
		t.Errorf("Evictions = %d, want 1", got)
	}
}

func TestResponseCacheOverwriteDoesNotEvict(t *testing.T) {
	t.Parallel()
	c, _ := newTestResponseCache(2, time.Hour)
	c.Set("k1", "acme", []byte("1"))
	c.Set("k2", "acme", []byte("2"))
	c.Set("k1", "acme", []byte("1b"))

	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}
	if got := c.Stats().Evictions; got != 0 {
		t.Errorf("Evictions = %d, want 0", got)
	}
	body, _ := c.Get("k1", "acme")
	if string(body) != "1b" {
		t.Errorf("overwrite lost: %q", body)
	}
}

func TestResponseCacheStats(t *testing.T) {
	t.Parallel()
	c, _ := newTestResponseCache(10, time.Minute)
	c.Set("k1", "acme", []byte("a"))
	c.Get("k1", "acme")
	c.Get("k1", "acme")
	c.Get("nope", "acme")

	got := c.Stats()
	if got.Entries != 1 || got.Hits != 2 || got.Misses != 1 || got.Stores != 1 {
		t.Errorf("Stats = %+v", got)
	}
}

func TestResponseCachePerTenantStats(t *testing.T) {
	t.Parallel()
	c, _ := newTestResponseCache(10, time.Minute)
	c.Set("k1", "acme", []byte("aaaa"))
	c.Set("k2", "beta", []byte("bb"))
	c.Get("k1", "acme")
	c.Get("k2", "beta")
	c.Get("k2", "acme") // cross-tenant probe must not count as beta's hit

	got := c.Stats()
	if got.SizeBytes != 6 {
		t.Errorf("SizeBytes = %d, want 6", got.SizeBytes)
	}
	acme, beta := got.Tenants["acme"], got.Tenants["beta"]
	if acme.Hits != 1 || acme.Entries != 1 || acme.SizeBytes != 4 {
		t.Errorf("acme stats = %+v", acme)
	}
	if beta.Hits != 1 || beta.Entries != 1 || beta.SizeBytes != 2 {
		t.Errorf("beta stats = %+v", beta)
	}
}

func TestResponseCacheInvalidateTenant(t *testing.T) {
	t.Parallel()
	c, _ := newTestResponseCache(10, time.Minute)
	c.Set("k1", "acme", []byte("a"))
	c.Set("k2", "acme", []byte("b"))
	c.Set("k3", "beta", []byte("c"))

	if n := c.InvalidateTenant("acme"); n != 2 {
		t.Errorf("InvalidateTenant = %d, want 2", n)
	}
	if _, ok := c.Get("k1", "acme"); ok {
		t.Error("acme entry survived invalidation")
	}
	if _, ok := c.Get("k3", "beta"); !ok {
		t.Error("beta entry should be untouched")
	}
}

func TestResponseCachePurgeExpired(t *testing.T) {
	t.Parallel()
	c, now := newTestResponseCache(10, time.Minute)
	c.Set("k1", "acme", []byte("a"))
	*now = now.Add(30 * time.Second)
	c.Set("k2", "acme", []byte("b"))
	*now = now.Add(45 * time.Second)

	if n := c.PurgeExpired(); n != 1 {
		t.Errorf("PurgeExpired = %d, want 1", n)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}

func TestResponseCacheClear(t *testing.T) {
	t.Parallel()
	c, _ := newTestResponseCache(10, time.Minute)
	c.Set("k1", "acme", []byte("a"))
	c.Set("k2", "acme", []byte("b"))
	c.Clear()
	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0", c.Len())
	}
	if got := c.Stats().Stores; got != 2 {
		t.Errorf("cumulative Stores = %d, want 2 after Clear", got)
	}
}

func TestFingerprintStability(t *testing.T) {
	t.Parallel()
	temp := 0.7
	req := &airlock.ChatRequest{
		Model:       "gpt-4o",
		Messages:    []airlock.Message{{Role: "user", Content: "hello <PERSON_1>"}},
		Temperature: &temp,
	}
	a := Fingerprint("acme", req)
	b := Fingerprint("acme", req)
	if a != b {
		t.Error("same request must produce the same fingerprint")
	}
	if len(a) != 64 {
		t.Errorf("fingerprint length = %d, want 64 hex chars", len(a))
	}
}

func TestFingerprintSensitivity(t *testing.T) {
	t.Parallel()
	temp := 0.7
	base := func() *airlock.ChatRequest {
		return &airlock.ChatRequest{
			Model:       "gpt-4o",
			Messages:    []airlock.Message{{Role: "user", Content: "hi"}},
			Temperature: &temp,
		}
	}
	ref := Fingerprint("acme", base())

	tests := []struct {
		name   string
		tenant string
		mutate func(*airlock.ChatRequest)
	}{
		{"tenant", "beta", func(r *airlock.ChatRequest) {}},
		{"model", "acme", func(r *airlock.ChatRequest) { r.Model = "gpt-4o-mini" }},
		{"content", "acme", func(r *airlock.ChatRequest) { r.Messages[0].Content = "hi!" }},
		{"role", "acme", func(r *airlock.ChatRequest) { r.Messages[0].Role = "system" }},
		{"temperature", "acme", func(r *airlock.ChatRequest) { v := 0.8; r.Temperature = &v }},
		{"temperature unset", "acme", func(r *airlock.ChatRequest) { r.Temperature = nil }},
		{"max tokens", "acme", func(r *airlock.ChatRequest) { v := 100; r.MaxTokens = &v }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := base()
			tt.mutate(req)
			if got := Fingerprint(tt.tenant, req); got == ref {
				t.Errorf("fingerprint did not change")
			}
		})
	}
}

func TestFingerprintIgnoresTransportFields(t *testing.T) {
	t.Parallel()
	req := &airlock.ChatRequest{
		Model:    "gpt-4o",
		Messages: []airlock.Message{{Role: "user", Content: "hi"}},
	}
	ref := Fingerprint("acme", req)

	req.Stream = true
	req.User = "trace-tag"
	req.N = 1
	if got := Fingerprint("acme", req); got != ref {
		t.Error("stream and user fields must not affect the fingerprint")
	}
}
