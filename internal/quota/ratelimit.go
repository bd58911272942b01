package quota

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	airlock "github.com/eugener/airlock/internal"
)

// Limits holds the effective request and token rates for a tenant.
// A value of 0 means unlimited.
type Limits struct {
	RPM int64 // requests per minute
	TPM int64 // tokens per minute
}

// LimitsFromTenant parses the tenant's rate strings. Unset or malformed
// rates fall back to unlimited; config validation reports the error.
func LimitsFromTenant(t *airlock.Tenant) (Limits, error) {
	var l Limits
	if t.RateLimit != "" {
		rpm, err := ParseRate(t.RateLimit)
		if err != nil {
			return l, fmt.Errorf("tenant %s rate_limit: %w", t.ID, err)
		}
		l.RPM = rpm
	}
	if t.TokenRate != "" {
		tpm, err := ParseRate(t.TokenRate)
		if err != nil {
			return l, fmt.Errorf("tenant %s token_rate: %w", t.ID, err)
		}
		l.TPM = tpm
	}
	return l, nil
}

// ParseRate reads a "count/unit" rate and normalizes it to a per-minute
// value. Accepted units: s, sec, second; m, min, minute. Hour-scale
// budgets belong in the calendar quota config, not here.
func ParseRate(s string) (int64, error) {
	count, unit, ok := strings.Cut(s, "/")
	if !ok {
		return 0, fmt.Errorf("%w: rate %q must look like 100/m", airlock.ErrValidation, s)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(count), 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: rate %q has a bad count", airlock.ErrValidation, s)
	}
	switch strings.TrimSpace(strings.ToLower(unit)) {
	case "s", "sec", "second":
		return n * 60, nil
	case "m", "min", "minute":
		return n, nil
	default:
		return 0, fmt.Errorf("%w: rate %q has an unknown unit", airlock.ErrValidation, s)
	}
}

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed           bool
	Limit             int64
	Remaining         int64
	RetryAfterSeconds float64
}

// bucket is a token bucket with lazy refill (no background goroutine).
type bucket struct {
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastFill time.Time
}

func newBucket(perMinute int64) *bucket {
	return &bucket{
		tokens:   float64(perMinute),
		max:      float64(perMinute),
		rate:     float64(perMinute) / 60.0,
		lastFill: time.Now(),
	}
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = min(b.max, b.tokens+elapsed*b.rate)
	b.lastFill = now
}

func (b *bucket) tryConsume(n float64, now time.Time) (remaining int64, allowed bool) {
	b.refill(now)
	if b.tokens >= n {
		b.tokens -= n
		return int64(b.tokens), true
	}
	return 0, false
}

func (b *bucket) retryAfter(n float64) float64 {
	if b.tokens >= n {
		return 0
	}
	return (n - b.tokens) / b.rate
}

func (b *bucket) adjust(delta float64) {
	b.tokens = min(b.max, max(0, b.tokens+delta))
}

// Limiter holds a tenant's request and token buckets.
type Limiter struct {
	mu       sync.Mutex
	rpm      *bucket // nil if unlimited
	tpm      *bucket // nil if unlimited
	limits   Limits
	lastUsed time.Time
}

func newLimiter(limits Limits) *Limiter {
	l := &Limiter{limits: limits, lastUsed: time.Now()}
	if limits.RPM > 0 {
		l.rpm = newBucket(limits.RPM)
	}
	if limits.TPM > 0 {
		l.tpm = newBucket(limits.TPM)
	}
	return l
}

// AllowRequest consumes one request token.
func (l *Limiter) AllowRequest() Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	l.lastUsed = now

	if l.rpm == nil {
		return Result{Allowed: true}
	}
	remaining, ok := l.rpm.tryConsume(1, now)
	if ok {
		return Result{Allowed: true, Limit: l.limits.RPM, Remaining: remaining}
	}
	return Result{
		Allowed:           false,
		Limit:             l.limits.RPM,
		RetryAfterSeconds: l.rpm.retryAfter(1),
	}
}

// ConsumeTokens consumes the estimated token cost of a request.
func (l *Limiter) ConsumeTokens(estimated int64) Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	l.lastUsed = now

	if l.tpm == nil {
		return Result{Allowed: true}
	}
	remaining, ok := l.tpm.tryConsume(float64(estimated), now)
	if ok {
		return Result{Allowed: true, Limit: l.limits.TPM, Remaining: remaining}
	}
	return Result{
		Allowed:           false,
		Limit:             l.limits.TPM,
		RetryAfterSeconds: l.tpm.retryAfter(float64(estimated)),
	}
}

// AdjustTokens corrects the token bucket once actual usage is known.
// Positive delta refunds an overestimate, negative charges the shortfall.
func (l *Limiter) AdjustTokens(delta int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tpm != nil {
		l.tpm.adjust(float64(delta))
	}
}

// RequestState returns current request-bucket state without consuming.
func (l *Limiter) RequestState() Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rpm == nil {
		return Result{Allowed: true}
	}
	l.rpm.refill(time.Now())
	return Result{Allowed: true, Limit: l.limits.RPM, Remaining: int64(l.rpm.tokens)}
}

// Registry manages per-tenant limiters.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
}

func NewRegistry() *Registry {
	return &Registry{limiters: make(map[string]*Limiter)}
}

// GetOrCreate returns the limiter for a tenant, creating one if needed.
// A limits change replaces the limiter so new bounds apply immediately.
func (r *Registry) GetOrCreate(tenant string, limits Limits) *Limiter {
	r.mu.RLock()
	l, ok := r.limiters[tenant]
	r.mu.RUnlock()
	if ok && l.limits == limits {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[tenant]; ok && l.limits == limits {
		return l
	}
	l = newLimiter(limits)
	r.limiters[tenant] = l
	return l
}

// EvictStale removes limiters not used since cutoff.
func (r *Registry) EvictStale(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for k, l := range r.limiters {
		l.mu.Lock()
		stale := l.lastUsed.Before(cutoff)
		l.mu.Unlock()
		if stale {
			delete(r.limiters, k)
			evicted++
		}
	}
	return evicted
}
