// Package mapping holds the per-request placeholder tables that make
// anonymization reversible. Entries are keyed by tenant and request ID,
// live for a short TTL and are purged by a background reaper.
package mapping

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	airlock "github.com/eugener/airlock/internal"
)

// DefaultTTL bounds how long originals stay resolvable after a request
// finishes. Long enough for slow upstream streams, short enough that the
// proxy never becomes a PII store.
const DefaultTTL = 5 * time.Minute

type entry struct {
	tenant    string
	requestID string
	forward   map[string]string // placeholder -> original
	reverse   map[string]string // original -> placeholder
	createdAt time.Time
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// Info describes one live mapping without exposing the stored values.
type Info struct {
	Tenant    string    `json:"tenant"`
	RequestID string    `json:"request_id"`
	Count     int       `json:"count"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store is an in-memory mapping table. Safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	ttl     time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

func NewStore(ttl time.Duration, logger *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		entries: make(map[string]*entry),
		ttl:     ttl,
		logger:  logger.With("component", "mapping"),
		now:     time.Now,
	}
}

func key(tenant, requestID string) string {
	return tenant + ":" + requestID
}

// liveLocked returns the entry for k if it exists and has not expired.
// Expired entries are removed on sight so a dead mapping cannot be
// resurrected between reaper runs. Caller must hold s.mu.
func (s *Store) liveLocked(k string, now time.Time) (*entry, bool) {
	e, ok := s.entries[k]
	if !ok {
		return nil, false
	}
	if e.expired(now) {
		delete(s.entries, k)
		return nil, false
	}
	return e, true
}

// Put merges pairs of placeholder to original into the request's table,
// creating it if absent. Each Put resets the expiry window.
func (s *Store) Put(tenant, requestID string, pairs map[string]string) {
	if len(pairs) == 0 {
		return
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(tenant, requestID)
	e, ok := s.entries[k]
	if !ok || e.expired(now) {
		e = &entry{
			tenant:    tenant,
			requestID: requestID,
			forward:   make(map[string]string, len(pairs)),
			reverse:   make(map[string]string, len(pairs)),
			createdAt: now,
		}
		s.entries[k] = e
	}
	for ph, orig := range pairs {
		e.forward[ph] = orig
		e.reverse[orig] = ph
	}
	e.expiresAt = now.Add(s.ttl)
}

// Resolve returns the original value behind a placeholder. Expired
// entries are dropped on access.
func (s *Store) Resolve(tenant, requestID, placeholder string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.liveLocked(key(tenant, requestID), s.now())
	if !ok {
		return "", false
	}
	orig, ok := e.forward[placeholder]
	return orig, ok
}

// Placeholder returns the placeholder already assigned to an original
// value within the request, if any.
func (s *Store) Placeholder(tenant, requestID, original string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.liveLocked(key(tenant, requestID), s.now())
	if !ok {
		return "", false
	}
	ph, ok := e.reverse[original]
	return ph, ok
}

// Mappings returns a copy of the request's full placeholder table.
func (s *Store) Mappings(tenant, requestID string) (map[string]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.liveLocked(key(tenant, requestID), s.now())
	if !ok {
		return nil, false
	}
	out := make(map[string]string, len(e.forward))
	for ph, orig := range e.forward {
		out[ph] = orig
	}
	return out, true
}

// SetTTL changes the expiry window applied to subsequent writes; live
// entries keep the deadline they already have. Compliance presets use it
// to tighten retention at runtime.
func (s *Store) SetTTL(d time.Duration) {
	if d <= 0 {
		d = DefaultTTL
	}
	s.mu.Lock()
	s.ttl = d
	s.mu.Unlock()
}

// TTL reports the current expiry window.
func (s *Store) TTL() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttl
}

// ExtendTTL pushes the expiry of a live entry further out. Extending an
// absent or expired entry fails.
func (s *Store) ExtendTTL(tenant, requestID string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("extend ttl: non-positive duration: %w", airlock.ErrValidation)
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.liveLocked(key(tenant, requestID), now)
	if !ok {
		return fmt.Errorf("mapping %s:%s: %w", tenant, requestID, airlock.ErrMappingExpired)
	}
	e.expiresAt = e.expiresAt.Add(d)
	return nil
}

// Delete drops a request's table immediately.
func (s *Store) Delete(tenant, requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key(tenant, requestID))
}

// DeleteTenant drops every mapping owned by tenant and reports how many
// went. Used when a tenant's data must be forgotten at once.
func (s *Store) DeleteTenant(tenant string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for k, e := range s.entries {
		if e.tenant == tenant {
			delete(s.entries, k)
			n++
		}
	}
	if n > 0 {
		s.logger.Info("deleted tenant mappings", "tenant", tenant, "count", n)
	}
	return n
}

// PurgeExpired removes all expired entries and reports how many went.
func (s *Store) PurgeExpired() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for k, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, k)
			n++
		}
	}
	if n > 0 {
		s.logger.Debug("purged expired mappings", "count", n, "remaining", len(s.entries))
	}
	return n
}

// Len counts live and expired-but-unpurged entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Snapshot lists live entries for the admin surface. Values themselves
// are never included.
func (s *Store) Snapshot() []Info {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.entries))
	for _, e := range s.entries {
		if e.expired(now) {
			continue
		}
		out = append(out, Info{
			Tenant:    e.tenant,
			RequestID: e.requestID,
			Count:     len(e.forward),
			CreatedAt: e.createdAt,
			ExpiresAt: e.expiresAt,
		})
	}
	return out
}
