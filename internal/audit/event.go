// Package audit records what the proxy did with each request: detections,
// anonymization, auth outcomes, upstream calls. Events never contain raw
// PII or secrets, only types, counts and redacted previews.
package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// EventType names one auditable occurrence.
type EventType string

const (
	EventPIIDetected       EventType = "pii_detected"
	EventPIIAnonymized     EventType = "pii_anonymized"
	EventPIIDeanonymized   EventType = "pii_deanonymized"
	EventMappingCreated    EventType = "pii_mapping_created"
	EventMappingDeleted    EventType = "pii_mapping_deleted"
	EventAPIRequest        EventType = "api_request"
	EventAPIResponse       EventType = "api_response"
	EventAPIError          EventType = "api_error"
	EventStreamStart       EventType = "api_stream_start"
	EventStreamEnd         EventType = "api_stream_end"
	EventConfigChanged     EventType = "config_changed"
	EventConfigLoaded      EventType = "config_loaded"
	EventConfigReloaded    EventType = "config_reloaded"
	EventAuthFailure       EventType = "auth_failure"
	EventAuthSuccess       EventType = "auth_success"
	EventRateLimitExceeded EventType = "rate_limit_exceeded"
	EventSuspicious        EventType = "suspicious_activity"
	EventSecretDetected    EventType = "secret_detected"
	EventSecretBlocked     EventType = "secret_blocked"
	EventSystemStartup     EventType = "system_startup"
	EventSystemShutdown    EventType = "system_shutdown"
	EventHealthCheck       EventType = "health_check"
)

// AllEventTypes lists every type the proxy emits, for validation and the
// query API.
var AllEventTypes = []EventType{
	EventPIIDetected, EventPIIAnonymized, EventPIIDeanonymized,
	EventMappingCreated, EventMappingDeleted,
	EventAPIRequest, EventAPIResponse, EventAPIError,
	EventStreamStart, EventStreamEnd,
	EventConfigChanged, EventConfigLoaded, EventConfigReloaded,
	EventAuthFailure, EventAuthSuccess, EventRateLimitExceeded,
	EventSuspicious, EventSecretDetected, EventSecretBlocked,
	EventSystemStartup, EventSystemShutdown, EventHealthCheck,
}

// ParseEventType validates a query-string event type against the known
// vocabulary.
func ParseEventType(s string) (EventType, bool) {
	t := EventType(s)
	for _, known := range AllEventTypes {
		if t == known {
			return t, true
		}
	}
	return "", false
}

// RiskLevel grades an event for triage. Levels order none < low < medium
// < high < critical.
type RiskLevel string

const (
	RiskNone     RiskLevel = "none"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

var riskRank = map[RiskLevel]int{
	RiskNone:     0,
	RiskLow:      1,
	RiskMedium:   2,
	RiskHigh:     3,
	RiskCritical: 4,
}

// AtLeast reports whether r is at or above min in the risk ordering.
// Unknown levels rank below none.
func (r RiskLevel) AtLeast(min RiskLevel) bool {
	ra, ok := riskRank[r]
	if !ok {
		ra = -1
	}
	return ra >= riskRank[min]
}

// ParseRisk validates a query-string risk level.
func ParseRisk(s string) (RiskLevel, bool) {
	r := RiskLevel(s)
	_, ok := riskRank[r]
	return r, ok
}

// Event is one audit record. The JSON codec is written out by hand so the
// wire format is an explicit contract: field order is fixed, empty
// optional fields are omitted, timestamps are RFC3339Nano UTC.
type Event struct {
	ID           string
	Type         EventType
	Timestamp    time.Time
	Tenant       string
	UserID       string
	RequestID    string
	EntityType   string
	EntityCount  int
	StrategyUsed string
	SourceIP     string
	UserAgent    string
	APIKeyHash   string // masked form, prefix + "..." + key ID
	Endpoint     string
	Method       string
	StatusCode   int
	ErrorMessage string
	Risk         RiskLevel
	Metadata     map[string]string
}

func (e *Event) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte('{')
	writeString(&b, "event_id", e.ID)
	b.WriteByte(',')
	writeString(&b, "event_type", string(e.Type))
	b.WriteByte(',')
	writeString(&b, "timestamp", e.Timestamp.UTC().Format(time.RFC3339Nano))
	writeOptString(&b, "tenant_id", e.Tenant)
	writeOptString(&b, "user_id", e.UserID)
	writeOptString(&b, "request_id", e.RequestID)
	writeOptString(&b, "entity_type", e.EntityType)
	if e.EntityCount != 0 {
		fmt.Fprintf(&b, `,"entity_count":%d`, e.EntityCount)
	}
	writeOptString(&b, "strategy_used", e.StrategyUsed)
	writeOptString(&b, "source_ip", e.SourceIP)
	writeOptString(&b, "user_agent", e.UserAgent)
	writeOptString(&b, "api_key_hash", e.APIKeyHash)
	writeOptString(&b, "endpoint", e.Endpoint)
	writeOptString(&b, "method", e.Method)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, `,"status_code":%d`, e.StatusCode)
	}
	writeOptString(&b, "error_message", e.ErrorMessage)
	risk := e.Risk
	if risk == "" {
		risk = RiskNone
	}
	b.WriteByte(',')
	writeString(&b, "risk_level", string(risk))
	if len(e.Metadata) > 0 {
		b.WriteString(`,"metadata":`)
		writeMetadata(&b, e.Metadata)
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}

func writeString(b *bytes.Buffer, key, val string) {
	b.WriteByte('"')
	b.WriteString(key)
	b.WriteString(`":`)
	quoted, _ := json.Marshal(val)
	b.Write(quoted)
}

func writeOptString(b *bytes.Buffer, key, val string) {
	if val == "" {
		return
	}
	b.WriteByte(',')
	writeString(b, key, val)
}

// writeMetadata emits the map with sorted keys so equal events always
// serialize to equal bytes.
func writeMetadata(b *bytes.Buffer, m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		writeString(b, k, m[k])
	}
	b.WriteByte('}')
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("audit event: %w", err)
	}

	getString := func(key string, dst *string) error {
		v, ok := raw[key]
		if !ok {
			return nil
		}
		return json.Unmarshal(v, dst)
	}
	getInt := func(key string, dst *int) error {
		v, ok := raw[key]
		if !ok {
			return nil
		}
		return json.Unmarshal(v, dst)
	}

	var typ, risk, ts string
	for _, step := range []error{
		getString("event_id", &e.ID),
		getString("event_type", &typ),
		getString("timestamp", &ts),
		getString("tenant_id", &e.Tenant),
		getString("user_id", &e.UserID),
		getString("request_id", &e.RequestID),
		getString("entity_type", &e.EntityType),
		getInt("entity_count", &e.EntityCount),
		getString("strategy_used", &e.StrategyUsed),
		getString("source_ip", &e.SourceIP),
		getString("user_agent", &e.UserAgent),
		getString("api_key_hash", &e.APIKeyHash),
		getString("endpoint", &e.Endpoint),
		getString("method", &e.Method),
		getInt("status_code", &e.StatusCode),
		getString("error_message", &e.ErrorMessage),
		getString("risk_level", &risk),
	} {
		if step != nil {
			return fmt.Errorf("audit event: %w", step)
		}
	}
	e.Type = EventType(typ)
	e.Risk = RiskLevel(risk)
	if e.Risk == "" {
		e.Risk = RiskNone
	}
	if ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return fmt.Errorf("audit event timestamp: %w", err)
		}
		e.Timestamp = t
	}
	if v, ok := raw["metadata"]; ok {
		if err := json.Unmarshal(v, &e.Metadata); err != nil {
			return fmt.Errorf("audit event metadata: %w", err)
		}
	}
	return nil
}

// Filter selects events for queries, summaries and exports.
type Filter struct {
	Since     time.Time
	Until     time.Time
	Types     []EventType
	Tenant    string
	RequestID string
	MinRisk   RiskLevel
	Risks     []RiskLevel
	Limit     int // default 100, capped at MaxQueryLimit
	Offset    int
}

const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

// EffectiveLimit clamps the filter's limit to the allowed range.
func (f Filter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultQueryLimit
	case f.Limit > MaxQueryLimit:
		return MaxQueryLimit
	default:
		return f.Limit
	}
}

// Matches reports whether the event passes every set predicate.
func (f Filter) Matches(e *Event) bool {
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.Timestamp.Before(f.Until) {
		return false
	}
	if f.Tenant != "" && e.Tenant != f.Tenant {
		return false
	}
	if f.RequestID != "" && e.RequestID != f.RequestID {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if e.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.MinRisk != "" && !e.Risk.AtLeast(f.MinRisk) {
		return false
	}
	if len(f.Risks) > 0 {
		found := false
		for _, r := range f.Risks {
			if e.Risk == r {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// effectiveRisks resolves MinRisk and Risks into one explicit set of
// levels, nil when the filter has no risk constraint. A non-nil empty
// result means the constraints exclude every level.
func (f Filter) effectiveRisks() []RiskLevel {
	if len(f.Risks) == 0 && f.MinRisk == "" {
		return nil
	}
	src := f.Risks
	if len(src) == 0 {
		src = []RiskLevel{RiskNone, RiskLow, RiskMedium, RiskHigh, RiskCritical}
	}
	out := make([]RiskLevel, 0, len(src))
	for _, r := range src {
		if f.MinRisk == "" || r.AtLeast(f.MinRisk) {
			out = append(out, r)
		}
	}
	return out
}

// Summary aggregates what a slice of the audit log contains.
type Summary struct {
	Total         int               `json:"total"`
	ByType        map[EventType]int `json:"by_type"`
	ByRisk        map[RiskLevel]int `json:"by_risk"`
	PIIByEntity   map[string]int    `json:"pii_by_entity"`
	StrategyUsage map[string]int    `json:"strategy_usage"`
	APIRequests   int               `json:"api_requests"`
	AuthFailures  int               `json:"auth_failures"`
	RateLimited   int               `json:"rate_limited"`
	SecretsFound  int               `json:"secrets_found"`
}

// NewSummary builds a Summary over events. PII entity counts are weighted
// by each event's entity_count.
func NewSummary(events []*Event) *Summary {
	s := &Summary{
		ByType:        make(map[EventType]int),
		ByRisk:        make(map[RiskLevel]int),
		PIIByEntity:   make(map[string]int),
		StrategyUsage: make(map[string]int),
	}
	for _, e := range events {
		s.Total++
		s.ByType[e.Type]++
		risk := e.Risk
		if risk == "" {
			risk = RiskNone
		}
		s.ByRisk[risk]++
		switch e.Type {
		case EventPIIDetected, EventPIIAnonymized:
			if e.EntityType != "" {
				n := e.EntityCount
				if n == 0 {
					n = 1
				}
				s.PIIByEntity[e.EntityType] += n
			}
			if e.StrategyUsed != "" {
				s.StrategyUsage[e.StrategyUsed]++
			}
		case EventAPIRequest:
			s.APIRequests++
		case EventAuthFailure:
			s.AuthFailures++
		case EventRateLimitExceeded:
			s.RateLimited++
		case EventSecretDetected, EventSecretBlocked:
			s.SecretsFound++
		}
	}
	return s
}
