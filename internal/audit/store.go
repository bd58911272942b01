package audit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists audit events. Implementations: Memory (bounded ring for
// tests and dev), File (JSON lines with rotation), SQLite (queryable,
// indexed). Cleanup returns how many units it removed; for entry-backed
// stores that is events, for the file store whole rotated files.
type Store interface {
	Write(ctx context.Context, e *Event) error
	WriteBatch(ctx context.Context, events []*Event) error
	Query(ctx context.Context, f Filter) ([]*Event, error)
	Summary(ctx context.Context, f Filter) (*Summary, error)
	Cleanup(ctx context.Context, olderThan time.Time) (int, error)
	Close() error
}

// DefaultMemoryCapacity bounds the in-memory store. Once full, the oldest
// event is dropped for each new one.
const DefaultMemoryCapacity = 10000

// Memory keeps the most recent events in a fixed-size ring.
type Memory struct {
	mu    sync.RWMutex
	ring  []*Event
	start int // index of the oldest event
	size  int
}

var _ Store = (*Memory)(nil)

// NewMemory returns a ring store holding at most capacity events.
// capacity <= 0 selects DefaultMemoryCapacity.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &Memory{ring: make([]*Event, capacity)}
}

func (m *Memory) Write(_ context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.push(e)
	return nil
}

func (m *Memory) WriteBatch(_ context.Context, events []*Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range events {
		m.push(e)
	}
	return nil
}

func (m *Memory) push(e *Event) {
	if m.size < len(m.ring) {
		m.ring[(m.start+m.size)%len(m.ring)] = e
		m.size++
		return
	}
	m.ring[m.start] = e
	m.start = (m.start + 1) % len(m.ring)
}

func (m *Memory) Query(_ context.Context, f Filter) ([]*Event, error) {
	m.mu.RLock()
	matched := m.collect(f)
	m.mu.RUnlock()

	// Newest first, stable for equal timestamps.
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})
	if f.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[f.Offset:]
	if limit := f.EffectiveLimit(); len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (m *Memory) Summary(_ context.Context, f Filter) (*Summary, error) {
	m.mu.RLock()
	matched := m.collect(f)
	m.mu.RUnlock()
	return NewSummary(matched), nil
}

// collect returns matching events oldest first. Callers hold at least a
// read lock.
func (m *Memory) collect(f Filter) []*Event {
	var matched []*Event
	for i := range m.size {
		e := m.ring[(m.start+i)%len(m.ring)]
		if f.Matches(e) {
			matched = append(matched, e)
		}
	}
	return matched
}

func (m *Memory) Cleanup(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for m.size > 0 {
		oldest := m.ring[m.start]
		if !oldest.Timestamp.Before(olderThan) {
			break
		}
		m.ring[m.start] = nil
		m.start = (m.start + 1) % len(m.ring)
		m.size--
		removed++
	}
	return removed, nil
}

// Len reports how many events the ring currently holds.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

func (m *Memory) Close() error { return nil }
