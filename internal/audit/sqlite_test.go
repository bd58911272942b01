package audit

import (
	"context"
	"testing"
	"time"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	// Use a unique file-based temp DB for each test to avoid shared :memory: races
	s, err := NewSQLite(t.TempDir() + "/audit.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestSQLite(t)
	ctx := context.Background()

	e := &Event{
		ID:           "evt-1",
		Type:         EventPIIAnonymized,
		Timestamp:    time.Date(2026, 8, 25, 10, 0, 0, 123456789, time.UTC),
		Tenant:       "acme",
		UserID:       "u-1",
		RequestID:    "req-1",
		EntityType:   "EMAIL_ADDRESS",
		EntityCount:  2,
		StrategyUsed: "placeholder",
		SourceIP:     "192.0.2.4",
		UserAgent:    "curl/8.0",
		Endpoint:     "/v1/chat/completions",
		Method:       "POST",
		StatusCode:   200,
		Risk:         RiskLow,
		Metadata:     map[string]string{"model": "gpt-4o"},
	}
	if err := s.Write(ctx, e); err != nil {
		t.Fatal("write:", err)
	}

	got, err := s.Query(ctx, Filter{})
	if err != nil {
		t.Fatal("query:", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	r := got[0]
	if r.ID != e.ID || r.Type != e.Type || r.Tenant != e.Tenant {
		t.Errorf("got %+v", r)
	}
	if !r.Timestamp.Equal(e.Timestamp) {
		t.Errorf("timestamp = %v, want %v", r.Timestamp, e.Timestamp)
	}
	if r.EntityCount != 2 || r.StrategyUsed != "placeholder" || r.StatusCode != 200 {
		t.Errorf("fields lost: %+v", r)
	}
	if r.Metadata["model"] != "gpt-4o" {
		t.Errorf("metadata = %v", r.Metadata)
	}
}

func TestSQLiteQueryFilters(t *testing.T) {
	t.Parallel()
	s := newTestSQLite(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	events := []*Event{
		{ID: "a", Type: EventAPIRequest, Timestamp: base, Tenant: "acme", RequestID: "r1"},
		{ID: "b", Type: EventAuthFailure, Timestamp: base.Add(time.Minute), Tenant: "acme", Risk: RiskHigh},
		{ID: "c", Type: EventSecretBlocked, Timestamp: base.Add(2 * time.Minute), Tenant: "other", Risk: RiskCritical},
		{ID: "d", Type: EventAPIRequest, Timestamp: base.Add(3 * time.Minute), Tenant: "other", RequestID: "r1"},
	}
	if err := s.WriteBatch(ctx, events); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all newest first", Filter{}, []string{"d", "c", "b", "a"}},
		{"by tenant", Filter{Tenant: "acme"}, []string{"b", "a"}},
		{"by request id", Filter{RequestID: "r1"}, []string{"d", "a"}},
		{"by type set", Filter{Types: []EventType{EventAuthFailure, EventSecretBlocked}}, []string{"c", "b"}},
		{"min risk", Filter{MinRisk: RiskHigh}, []string{"c", "b"}},
		{"risk set", Filter{Risks: []RiskLevel{RiskCritical}}, []string{"c"}},
		{"time range", Filter{Since: base.Add(time.Minute), Until: base.Add(3 * time.Minute)}, []string{"c", "b"}},
		{"offset limit", Filter{Limit: 2, Offset: 1}, []string{"c", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Query(ctx, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("len = %d, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("got[%d] = %s, want %s", i, got[i].ID, id)
				}
			}
		})
	}
}

func TestSQLiteSummary(t *testing.T) {
	t.Parallel()
	s := newTestSQLite(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	events := []*Event{
		{ID: "a", Type: EventPIIAnonymized, Timestamp: base, EntityType: "EMAIL_ADDRESS", EntityCount: 3, StrategyUsed: "placeholder", Risk: RiskLow},
		{ID: "b", Type: EventPIIDetected, Timestamp: base, EntityType: "PERSON", Risk: RiskLow},
		{ID: "c", Type: EventAPIRequest, Timestamp: base},
		{ID: "d", Type: EventAuthFailure, Timestamp: base, Risk: RiskHigh},
		{ID: "e", Type: EventSecretDetected, Timestamp: base, Risk: RiskHigh},
		{ID: "f", Type: EventSecretBlocked, Timestamp: base, Risk: RiskCritical},
	}
	if err := s.WriteBatch(ctx, events); err != nil {
		t.Fatal(err)
	}

	sum, err := s.Summary(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Total != 6 {
		t.Errorf("total = %d, want 6", sum.Total)
	}
	if sum.PIIByEntity["EMAIL_ADDRESS"] != 3 || sum.PIIByEntity["PERSON"] != 1 {
		t.Errorf("pii by entity = %v", sum.PIIByEntity)
	}
	if sum.StrategyUsage["placeholder"] != 1 {
		t.Errorf("strategy usage = %v", sum.StrategyUsage)
	}
	if sum.ByRisk[RiskHigh] != 2 || sum.ByRisk[RiskCritical] != 1 {
		t.Errorf("by risk = %v", sum.ByRisk)
	}
	if sum.APIRequests != 1 || sum.AuthFailures != 1 || sum.SecretsFound != 2 {
		t.Errorf("counters = %d/%d/%d", sum.APIRequests, sum.AuthFailures, sum.SecretsFound)
	}
}

func TestSQLiteCleanup(t *testing.T) {
	t.Parallel()
	s := newTestSQLite(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	if err := s.WriteBatch(ctx, seedEvents(10, base)); err != nil {
		t.Fatal(err)
	}
	removed, err := s.Cleanup(ctx, base.Add(5*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if removed != 5 {
		t.Errorf("removed = %d, want 5", removed)
	}

	left, err := s.Query(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 5 {
		t.Errorf("left = %d, want 5", len(left))
	}
}

func TestSQLitePing(t *testing.T) {
	t.Parallel()
	s := newTestSQLite(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
}
