package audit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func seedEvents(n int, start time.Time) []*Event {
	events := make([]*Event, n)
	for i := range n {
		events[i] = &Event{
			ID:        fmt.Sprintf("evt-%03d", i),
			Type:      EventAPIRequest,
			Timestamp: start.Add(time.Duration(i) * time.Second),
			Tenant:    "acme",
		}
	}
	return events
}

func TestMemoryQueryNewestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory(100)
	start := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	if err := m.WriteBatch(ctx, seedEvents(5, start)); err != nil {
		t.Fatal(err)
	}

	got, err := m.Query(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 5 {
		t.Fatalf("len = %d, want 5", len(got))
	}
	if got[0].ID != "evt-004" || got[4].ID != "evt-000" {
		t.Errorf("order = %s .. %s, want evt-004 .. evt-000", got[0].ID, got[4].ID)
	}
}

func TestMemoryRingEviction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory(3)
	start := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	for _, e := range seedEvents(5, start) {
		if err := m.Write(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	if m.Len() != 3 {
		t.Fatalf("len = %d, want 3", m.Len())
	}

	got, err := m.Query(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	ids := []string{got[0].ID, got[1].ID, got[2].ID}
	want := []string{"evt-004", "evt-003", "evt-002"}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids = %v, want %v", ids, want)
			break
		}
	}
}

func TestMemoryOffsetAndLimit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory(100)
	start := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	if err := m.WriteBatch(ctx, seedEvents(10, start)); err != nil {
		t.Fatal(err)
	}

	got, err := m.Query(ctx, Filter{Limit: 3, Offset: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].ID != "evt-007" {
		t.Errorf("first = %s, want evt-007", got[0].ID)
	}

	got, err = m.Query(ctx, Filter{Offset: 50})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("offset past end returned %d events", len(got))
	}
}

func TestMemoryCleanup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory(100)
	start := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	if err := m.WriteBatch(ctx, seedEvents(10, start)); err != nil {
		t.Fatal(err)
	}

	removed, err := m.Cleanup(ctx, start.Add(4*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if removed != 4 {
		t.Errorf("removed = %d, want 4", removed)
	}
	if m.Len() != 6 {
		t.Errorf("len after cleanup = %d, want 6", m.Len())
	}

	// Events at or after the cutoff stay.
	got, _ := m.Query(ctx, Filter{})
	if got[len(got)-1].ID != "evt-004" {
		t.Errorf("oldest survivor = %s, want evt-004", got[len(got)-1].ID)
	}
}

func TestMemorySummary(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory(100)
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	events := []*Event{
		{ID: "a", Type: EventAPIRequest, Timestamp: base, Tenant: "acme"},
		{ID: "b", Type: EventAuthFailure, Timestamp: base.Add(time.Second), Tenant: "acme", Risk: RiskHigh},
		{ID: "c", Type: EventAPIRequest, Timestamp: base.Add(2 * time.Second), Tenant: "other"},
	}
	if err := m.WriteBatch(ctx, events); err != nil {
		t.Fatal(err)
	}

	s, err := m.Summary(ctx, Filter{Tenant: "acme"})
	if err != nil {
		t.Fatal(err)
	}
	if s.Total != 2 {
		t.Errorf("total = %d, want 2", s.Total)
	}
	if s.AuthFailures != 1 || s.APIRequests != 1 {
		t.Errorf("counters = %d auth / %d api", s.AuthFailures, s.APIRequests)
	}
}

func TestMemoryConcurrentWrites(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory(1000)
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for w := range 4 {
		wg.Go(func() {
			for i := range 50 {
				_ = m.Write(ctx, &Event{
					ID:        fmt.Sprintf("w%d-%d", w, i),
					Type:      EventAPIRequest,
					Timestamp: base,
				})
			}
		})
	}
	wg.Wait()
	if m.Len() != 200 {
		t.Errorf("len = %d, want 200", m.Len())
	}
}
