package audit

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEventMarshalFieldOrder(t *testing.T) {
	t.Parallel()
	e := &Event{
		ID:           "evt-1",
		Type:         EventSecretBlocked,
		Timestamp:    time.Date(2026, 3, 1, 12, 30, 45, 123456789, time.UTC),
		Tenant:       "acme",
		RequestID:    "req-7",
		EntityType:   "openai_api_key",
		EntityCount:  2,
		SourceIP:     "10.0.0.9",
		Endpoint:     "/v1/chat/completions",
		Method:       "POST",
		StatusCode:   422,
		ErrorMessage: "secret detected in request",
		Risk:         RiskCritical,
		Metadata:     map[string]string{"b": "2", "a": "1"},
	}
	got, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"event_id":"evt-1","event_type":"secret_blocked",` +
		`"timestamp":"2026-03-01T12:30:45.123456789Z","tenant_id":"acme",` +
		`"request_id":"req-7","entity_type":"openai_api_key","entity_count":2,` +
		`"source_ip":"10.0.0.9","endpoint":"/v1/chat/completions","method":"POST",` +
		`"status_code":422,"error_message":"secret detected in request",` +
		`"risk_level":"critical","metadata":{"a":"1","b":"2"}}`
	if string(got) != want {
		t.Errorf("marshal mismatch\n got %s\nwant %s", got, want)
	}
}

func TestEventMarshalOmitsEmpty(t *testing.T) {
	t.Parallel()
	e := &Event{
		ID:        "e2",
		Type:      EventHealthCheck,
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	got, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"event_id":"e2","event_type":"health_check",` +
		`"timestamp":"2026-01-02T03:04:05Z","risk_level":"none"}`
	if string(got) != want {
		t.Errorf("marshal = %s, want %s", got, want)
	}
}

func TestEventRoundTrip(t *testing.T) {
	t.Parallel()
	orig := &Event{
		ID:           "evt-9",
		Type:         EventPIIAnonymized,
		Timestamp:    time.Date(2026, 8, 25, 9, 15, 0, 500000000, time.UTC),
		Tenant:       "tenant-a",
		UserID:       "user-3",
		RequestID:    "req-42",
		EntityType:   "EMAIL_ADDRESS",
		EntityCount:  3,
		StrategyUsed: "placeholder",
		SourceIP:     "192.0.2.10",
		UserAgent:    "curl/8.0",
		APIKeyHash:   "piia...deadbeef01234567",
		Endpoint:     "/v1/chat/completions",
		Method:       "POST",
		StatusCode:   200,
		Risk:         RiskLow,
		Metadata:     map[string]string{"model": "gpt-4o"},
	}
	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatal(err)
	}
	var got Event
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != orig.ID || got.Type != orig.Type || got.Risk != orig.Risk {
		t.Errorf("identity fields differ: %+v", got)
	}
	if !got.Timestamp.Equal(orig.Timestamp) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, orig.Timestamp)
	}
	if got.Tenant != orig.Tenant || got.UserID != orig.UserID || got.RequestID != orig.RequestID {
		t.Errorf("id fields differ: %+v", got)
	}
	if got.EntityType != orig.EntityType || got.EntityCount != orig.EntityCount || got.StrategyUsed != orig.StrategyUsed {
		t.Errorf("entity fields differ: %+v", got)
	}
	if got.SourceIP != orig.SourceIP || got.UserAgent != orig.UserAgent || got.APIKeyHash != orig.APIKeyHash {
		t.Errorf("client fields differ: %+v", got)
	}
	if got.Endpoint != orig.Endpoint || got.Method != orig.Method || got.StatusCode != orig.StatusCode {
		t.Errorf("http fields differ: %+v", got)
	}
	if got.Metadata["model"] != "gpt-4o" {
		t.Errorf("metadata = %v", got.Metadata)
	}
}

func TestEventUnmarshalDefaults(t *testing.T) {
	t.Parallel()
	var e Event
	err := json.Unmarshal([]byte(`{"event_id":"x","event_type":"api_request","timestamp":"2026-01-01T00:00:00Z","ignored_field":true}`), &e)
	if err != nil {
		t.Fatal(err)
	}
	if e.Risk != RiskNone {
		t.Errorf("risk = %q, want none", e.Risk)
	}
	if e.Type != EventAPIRequest {
		t.Errorf("type = %q", e.Type)
	}
}

func TestEventUnmarshalBadTimestamp(t *testing.T) {
	t.Parallel()
	var e Event
	err := json.Unmarshal([]byte(`{"event_id":"x","timestamp":"yesterday"}`), &e)
	if err == nil {
		t.Fatal("expected error for bad timestamp")
	}
}

func TestRiskLevelAtLeast(t *testing.T) {
	t.Parallel()
	tests := []struct {
		r, min RiskLevel
		want   bool
	}{
		{RiskNone, RiskNone, true},
		{RiskLow, RiskNone, true},
		{RiskNone, RiskLow, false},
		{RiskMedium, RiskLow, true},
		{RiskMedium, RiskHigh, false},
		{RiskHigh, RiskHigh, true},
		{RiskCritical, RiskHigh, true},
		{RiskLevel("bogus"), RiskNone, false},
	}
	for _, tt := range tests {
		if got := tt.r.AtLeast(tt.min); got != tt.want {
			t.Errorf("%q.AtLeast(%q) = %v, want %v", tt.r, tt.min, got, tt.want)
		}
	}
}

func TestFilterMatches(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	e := &Event{
		Type:      EventSecretDetected,
		Timestamp: base,
		Tenant:    "acme",
		RequestID: "req-1",
		Risk:      RiskHigh,
	}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty matches", Filter{}, true},
		{"since inclusive", Filter{Since: base}, true},
		{"since excludes earlier", Filter{Since: base.Add(time.Second)}, false},
		{"until exclusive", Filter{Until: base}, false},
		{"until includes earlier", Filter{Until: base.Add(time.Second)}, true},
		{"tenant match", Filter{Tenant: "acme"}, true},
		{"tenant mismatch", Filter{Tenant: "other"}, false},
		{"request id match", Filter{RequestID: "req-1"}, true},
		{"request id mismatch", Filter{RequestID: "req-2"}, false},
		{"type in set", Filter{Types: []EventType{EventAPIRequest, EventSecretDetected}}, true},
		{"type not in set", Filter{Types: []EventType{EventAPIRequest}}, false},
		{"min risk met", Filter{MinRisk: RiskMedium}, true},
		{"min risk unmet", Filter{MinRisk: RiskCritical}, false},
		{"risk set match", Filter{Risks: []RiskLevel{RiskHigh}}, true},
		{"risk set mismatch", Filter{Risks: []RiskLevel{RiskLow}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.filter.Matches(e); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFilterEffectiveLimit(t *testing.T) {
	t.Parallel()
	tests := []struct {
		limit, want int
	}{
		{0, DefaultQueryLimit},
		{-5, DefaultQueryLimit},
		{10, 10},
		{1000, 1000},
		{5000, MaxQueryLimit},
	}
	for _, tt := range tests {
		if got := (Filter{Limit: tt.limit}).EffectiveLimit(); got != tt.want {
			t.Errorf("EffectiveLimit(%d) = %d, want %d", tt.limit, got, tt.want)
		}
	}
}

func TestNewSummary(t *testing.T) {
	t.Parallel()
	events := []*Event{
		{Type: EventPIIDetected, EntityType: "EMAIL_ADDRESS", EntityCount: 2, Risk: RiskLow},
		{Type: EventPIIAnonymized, EntityType: "EMAIL_ADDRESS", EntityCount: 2, StrategyUsed: "placeholder", Risk: RiskLow},
		{Type: EventPIIAnonymized, EntityType: "PERSON", StrategyUsed: "placeholder", Risk: RiskLow},
		{Type: EventAPIRequest},
		{Type: EventAPIRequest},
		{Type: EventAuthFailure, Risk: RiskHigh},
		{Type: EventRateLimitExceeded, Risk: RiskMedium},
		{Type: EventSecretDetected, Risk: RiskHigh},
		{Type: EventSecretBlocked, Risk: RiskCritical},
	}
	s := NewSummary(events)

	if s.Total != len(events) {
		t.Errorf("total = %d, want %d", s.Total, len(events))
	}
	if s.ByType[EventAPIRequest] != 2 {
		t.Errorf("api_request count = %d, want 2", s.ByType[EventAPIRequest])
	}
	if s.ByRisk[RiskLow] != 3 || s.ByRisk[RiskNone] != 2 {
		t.Errorf("by risk = %v", s.ByRisk)
	}
	if s.PIIByEntity["EMAIL_ADDRESS"] != 4 {
		t.Errorf("email entity count = %d, want 4", s.PIIByEntity["EMAIL_ADDRESS"])
	}
	if s.PIIByEntity["PERSON"] != 1 {
		t.Errorf("person entity count = %d, want 1 (zero count weighs one)", s.PIIByEntity["PERSON"])
	}
	if s.StrategyUsage["placeholder"] != 2 {
		t.Errorf("strategy usage = %v", s.StrategyUsage)
	}
	if s.APIRequests != 2 || s.AuthFailures != 1 || s.RateLimited != 1 || s.SecretsFound != 2 {
		t.Errorf("counters = %d/%d/%d/%d", s.APIRequests, s.AuthFailures, s.RateLimited, s.SecretsFound)
	}
}
