package anonymize

import (
	"sync"

	airlock "github.com/eugener/airlock/internal"
)

// Counter issues monotonic per-type placeholder ordinals for one request
// session. Ordinals are 1-based so the first person becomes <PERSON_1>.
type Counter struct {
	mu     sync.Mutex
	counts map[airlock.EntityType]int
}

// NewCounter returns an empty counter.
func NewCounter() *Counter {
	return &Counter{counts: make(map[airlock.EntityType]int)}
}

// Next reserves and returns the next ordinal for the given type.
func (c *Counter) Next(t airlock.EntityType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[t]++
	return c.counts[t]
}

// Current returns the last issued ordinal for the type, 0 when none.
func (c *Counter) Current(t airlock.EntityType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[t]
}

// Reset clears the counter for one type.
func (c *Counter) Reset(t airlock.EntityType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, t)
}

// ResetAll clears every counter.
func (c *Counter) ResetAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.counts)
}
