package cache

import (
	"log/slog"
	"sync"
	"time"
)

// Response cache defaults. Entries hold anonymized completions only, so
// a hit can be re-personalized per request without storing any PII.
const (
	DefaultResponseTTL     = 10 * time.Minute
	DefaultResponseEntries = 1000
)

type cachedResponse struct {
	tenant    string
	body      []byte
	createdAt time.Time
	expiresAt time.Time
	hits      int64
}

// Stats is a point-in-time view of response cache activity.
type Stats struct {
	Entries   int    `json:"entries"`
	SizeBytes int64  `json:"size_bytes"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Stores    uint64 `json:"stores"`
	Evictions uint64 `json:"evictions"`

	Tenants map[string]TenantStats `json:"tenants,omitempty"`
}

// TenantStats slices cache activity by owning tenant. Hits are cumulative;
// entries and bytes reflect what is resident right now.
type TenantStats struct {
	Entries   int    `json:"entries"`
	SizeBytes int64  `json:"size_bytes"`
	Hits      uint64 `json:"hits"`
}

// ResponseCache stores anonymized completion bodies keyed by request
// fingerprint. When full it evicts the oldest entry by creation time,
// keeping recently stored answers warm regardless of hit frequency.
// Callers must treat returned bodies as read-only.
type ResponseCache struct {
	mu         sync.Mutex
	entries    map[string]*cachedResponse
	maxEntries int
	ttl        time.Duration
	logger     *slog.Logger
	now        func() time.Time

	hits       uint64
	misses     uint64
	stores     uint64
	evictions  uint64
	tenantHits map[string]uint64
}

func NewResponseCache(maxEntries int, ttl time.Duration, logger *slog.Logger) *ResponseCache {
	if maxEntries <= 0 {
		maxEntries = DefaultResponseEntries
	}
	if ttl <= 0 {
		ttl = DefaultResponseTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ResponseCache{
		entries:    make(map[string]*cachedResponse),
		maxEntries: maxEntries,
		ttl:        ttl,
		logger:     logger.With("component", "response_cache"),
		now:        time.Now,
		tenantHits: make(map[string]uint64),
	}
}

// Get returns the cached body for key if it belongs to tenant and has
// not expired. A tenant mismatch is a miss, never a leak.
func (c *ResponseCache) Get(key, tenant string) ([]byte, bool) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if ok && now.After(e.expiresAt) {
		delete(c.entries, key)
		ok = false
	}
	if !ok || e.tenant != tenant {
		c.misses++
		return nil, false
	}
	e.hits++
	c.hits++
	c.tenantHits[tenant]++
	return e.body, true
}

// Set stores body under key for tenant, evicting the oldest entry when
// the cache is full.
func (c *ResponseCache) Set(key, tenant string, body []byte) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	c.entries[key] = &cachedResponse{
		tenant:    tenant,
		body:      body,
		createdAt: now,
		expiresAt: now.Add(c.ttl),
	}
	c.stores++
}

func (c *ResponseCache) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.createdAt.Before(oldestAt) {
			oldestKey = k
			oldestAt = e.createdAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.evictions++
	}
}

// PurgeExpired drops expired entries and reports how many went.
func (c *ResponseCache) PurgeExpired() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			n++
		}
	}
	if n > 0 {
		c.logger.Debug("purged expired responses", "count", n, "remaining", len(c.entries))
	}
	return n
}

// InvalidateTenant drops every entry owned by tenant and reports how many
// went. Used when a tenant is off-boarded or its data must be forgotten.
func (c *ResponseCache) InvalidateTenant(tenant string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int
	for k, e := range c.entries {
		if e.tenant == tenant {
			delete(c.entries, k)
			n++
		}
	}
	if n > 0 {
		c.logger.Info("invalidated tenant cache entries", "tenant", tenant, "count", n)
	}
	return n
}

// Clear empties the cache. Cumulative counters keep counting.
func (c *ResponseCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *ResponseCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Entries:   len(c.entries),
		Hits:      c.hits,
		Misses:    c.misses,
		Stores:    c.stores,
		Evictions: c.evictions,
		Tenants:   make(map[string]TenantStats, len(c.tenantHits)),
	}
	for tenant, hits := range c.tenantHits {
		s.Tenants[tenant] = TenantStats{Hits: hits}
	}
	for _, e := range c.entries {
		size := int64(len(e.body))
		s.SizeBytes += size
		ts := s.Tenants[e.tenant]
		ts.Entries++
		ts.SizeBytes += size
		s.Tenants[e.tenant] = ts
	}
	return s
}
