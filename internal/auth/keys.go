package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"

	airlock "github.com/eugener/airlock/internal"
)

const (
	validateCacheTTL = 60 * time.Second // revocations become visible within one TTL
	validateCacheLen = 10_000           // max concurrent active keys expected per deployment
)

// KeyManager owns the API key lifecycle: create, validate, revoke,
// disable, enable, list, delete. The authoritative records live in
// process memory; validation results are additionally cached in an otter
// cache keyed by key hash so the request hot path takes no lock.
//
// Records are copy-on-write: mutators replace the stored struct, so a
// pointer handed out by Validate never changes underneath the caller.
type KeyManager struct {
	mu     sync.Mutex
	byID   map[string]*airlock.APIKey
	byHash map[string]*airlock.APIKey
	cache  *otter.Cache[string, *airlock.APIKey]
	now    func() time.Time
}

// NewKeyManager returns an empty KeyManager.
func NewKeyManager() (*KeyManager, error) {
	c, err := otter.New(&otter.Options[string, *airlock.APIKey]{
		MaximumSize:      validateCacheLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *airlock.APIKey](validateCacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create key cache: %w", err)
	}
	return &KeyManager{
		byID:   make(map[string]*airlock.APIKey),
		byHash: make(map[string]*airlock.APIKey),
		cache:  c,
		now:    time.Now,
	}, nil
}

// CreateKeyOpts holds the fields for API key creation.
type CreateKeyOpts struct {
	TenantID string
	Name     string
	Scopes   []string      // defaults to llm:use + metrics:view
	TTL      time.Duration // 0 means the key never expires
}

// Create generates a piiak_{tenant}_{random} key, stores its hash, and
// returns the plaintext. The plaintext is shown exactly once and never
// persisted.
func (m *KeyManager) Create(opts CreateKeyOpts) (string, *airlock.APIKey, error) {
	if opts.TenantID == "" {
		return "", nil, fmt.Errorf("%w: tenant_id is required", airlock.ErrValidation)
	}
	if strings.ContainsAny(opts.TenantID, "_ ") {
		return "", nil, fmt.Errorf("%w: tenant_id must not contain underscores or spaces", airlock.ErrValidation)
	}

	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, err
	}
	plaintext := airlock.APIKeyPrefix + opts.TenantID + "_" + base64.RawURLEncoding.EncodeToString(raw)

	key, err := m.install(plaintext, opts)
	if err != nil {
		return "", nil, err
	}
	return plaintext, key, nil
}

// Register installs a pre-provisioned key from configuration. The raw
// material is hashed and discarded; the tenant segment of the key names
// the owner unless opts.TenantID overrides it.
func (m *KeyManager) Register(raw string, opts CreateKeyOpts) (*airlock.APIKey, error) {
	if !strings.HasPrefix(raw, airlock.APIKeyPrefix) {
		return nil, fmt.Errorf("%w: key must start with %q", airlock.ErrValidation, airlock.APIKeyPrefix)
	}
	if opts.TenantID == "" {
		tenant, ok := airlock.TenantFromKey(raw)
		if !ok {
			return nil, fmt.Errorf("%w: key carries no tenant segment and no tenant_id was given", airlock.ErrValidation)
		}
		opts.TenantID = tenant
	}
	return m.install(raw, opts)
}

func (m *KeyManager) install(plaintext string, opts CreateKeyOpts) (*airlock.APIKey, error) {
	hash := airlock.HashKey(plaintext)
	prefix := plaintext
	if len(prefix) > 12 {
		prefix = prefix[:12]
	}

	scopes := opts.Scopes
	if len(scopes) == 0 {
		scopes = []string{airlock.ScopeLLMUse, airlock.ScopeMetricsView}
	}

	now := m.now().UTC()
	var expiresAt *time.Time
	if opts.TTL > 0 {
		t := now.Add(opts.TTL)
		expiresAt = &t
	}

	key := &airlock.APIKey{
		ID:        airlock.KeyIDFromHash(hash),
		KeyHash:   hash,
		KeyPrefix: prefix,
		TenantID:  opts.TenantID,
		Name:      opts.Name,
		Status:    airlock.KeyActive,
		Scopes:    scopes,
		ExpiresAt: expiresAt,
		CreatedAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byHash[hash]; exists {
		return nil, fmt.Errorf("%w: key already registered", airlock.ErrConflict)
	}
	m.byID[key.ID] = key
	m.byHash[hash] = key
	return key, nil
}

// Validate checks a raw bearer key and returns its record. Cached
// entries skip the authoritative store; mutating operations invalidate
// the cache eagerly, so a revocation is visible on the next request.
func (m *KeyManager) Validate(_ context.Context, raw string) (*airlock.APIKey, error) {
	if !strings.HasPrefix(raw, airlock.APIKeyPrefix) {
		return nil, airlock.ErrUnauthorized
	}
	hash := airlock.HashKey(raw)

	if key, ok := m.cache.GetIfPresent(hash); ok {
		if err := m.usable(key); err != nil {
			m.cache.Invalidate(hash)
			return nil, err
		}
		return key, nil
	}

	key, err := m.lookupAndTouch(hash)
	if err != nil {
		return nil, err
	}
	m.cache.Set(hash, key)
	return key, nil
}

// usable reports why a key may not authenticate right now, nil when it may.
func (m *KeyManager) usable(key *airlock.APIKey) error {
	switch key.Status {
	case airlock.KeyActive:
	case airlock.KeyRevoked:
		return fmt.Errorf("%w: key %s", airlock.ErrKeyRevoked, key.ID)
	default:
		return fmt.Errorf("%w: key %s is disabled", airlock.ErrUnauthorized, key.ID)
	}
	if key.ExpiresAt != nil && m.now().After(*key.ExpiresAt) {
		return fmt.Errorf("%w: key %s", airlock.ErrKeyExpired, key.ID)
	}
	return nil
}

func (m *KeyManager) lookupAndTouch(hash string) (*airlock.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.byHash[hash]
	if !ok {
		return nil, airlock.ErrUnauthorized
	}
	// The map lookup already matched; the constant-time compare guards
	// against encoding surprises in the hash index.
	if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
		return nil, airlock.ErrUnauthorized
	}
	if err := m.usable(key); err != nil {
		return nil, err
	}

	now := m.now().UTC()
	updated := *key
	updated.LastUsedAt = &now
	m.byID[key.ID] = &updated
	m.byHash[hash] = &updated
	return &updated, nil
}

// Get returns the key record with the given ID.
func (m *KeyManager) Get(keyID string) (*airlock.APIKey, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.byID[keyID]
	return key, ok
}

// Revoke permanently invalidates a key. It reports whether the key existed.
func (m *KeyManager) Revoke(keyID string) bool { return m.setStatus(keyID, airlock.KeyRevoked) }

// Disable temporarily invalidates a key.
func (m *KeyManager) Disable(keyID string) bool { return m.setStatus(keyID, airlock.KeyDisabled) }

// Enable reactivates a disabled key. Revoked keys stay revoked.
func (m *KeyManager) Enable(keyID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.byID[keyID]
	if !ok || key.Status == airlock.KeyRevoked {
		return false
	}
	m.replaceStatusLocked(key, airlock.KeyActive)
	return true
}

func (m *KeyManager) setStatus(keyID string, status airlock.KeyStatus) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.byID[keyID]
	if !ok {
		return false
	}
	m.replaceStatusLocked(key, status)
	return true
}

func (m *KeyManager) replaceStatusLocked(key *airlock.APIKey, status airlock.KeyStatus) {
	updated := *key
	updated.Status = status
	m.byID[key.ID] = &updated
	m.byHash[key.KeyHash] = &updated
	m.cache.Invalidate(key.KeyHash)
}

// List returns keys sorted by creation time, newest first, optionally
// filtered by tenant and status (empty values mean no filter).
func (m *KeyManager) List(tenantID string, status airlock.KeyStatus) []*airlock.APIKey {
	m.mu.Lock()
	out := make([]*airlock.APIKey, 0, len(m.byID))
	for _, key := range m.byID {
		if tenantID != "" && key.TenantID != tenantID {
			continue
		}
		if status != "" && key.Status != status {
			continue
		}
		out = append(out, key)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Delete permanently removes a key record. It reports whether the key existed.
func (m *KeyManager) Delete(keyID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.byID[keyID]
	if !ok {
		return false
	}
	delete(m.byID, keyID)
	delete(m.byHash, key.KeyHash)
	m.cache.Invalidate(key.KeyHash)
	return true
}

// Len returns the number of stored keys.
func (m *KeyManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}
