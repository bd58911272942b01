// Package airlock defines domain types and interfaces for the PII airlock proxy.
// This package has no project imports -- it is the dependency root.
package airlock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// --- PII entities ---

// EntityType identifies a category of personally identifiable information.
type EntityType string

const (
	EntityPerson       EntityType = "PERSON"
	EntityPhone        EntityType = "PHONE"
	EntityEmail        EntityType = "EMAIL"
	EntityCreditCard   EntityType = "CREDIT_CARD"
	EntityIDCard       EntityType = "ID_CARD"
	EntityIP           EntityType = "IP"
	EntityOrganization EntityType = "ORGANIZATION"
	EntityLocation     EntityType = "LOCATION"
)

// AllEntityTypes lists every entity type a recognizer can emit, in the order
// used for deterministic iteration.
var AllEntityTypes = []EntityType{
	EntityPerson, EntityPhone, EntityEmail, EntityCreditCard,
	EntityIDCard, EntityIP, EntityOrganization, EntityLocation,
}

// MaxPlaceholderLen is the longest placeholder the proxy will ever emit,
// including the angle brackets. Stream buffering relies on this bound.
const MaxPlaceholderLen = 25

// AnonymizationNotice is the system message injected ahead of conversations
// that carry placeholders, instructing the model to echo them back verbatim.
const AnonymizationNotice = "[SYSTEM NOTICE] This conversation contains " +
	"anonymized personal data. Placeholders like <PERSON_1> represent " +
	"anonymized data. Do NOT attempt to reverse-engineer original values."

// Placeholder renders the canonical placeholder for the n-th entity of a type,
// e.g. <PERSON_1>.
func Placeholder(t EntityType, n int) string {
	return fmt.Sprintf("<%s_%d>", t, n)
}

// ParsePlaceholder splits a placeholder like <PERSON_12> into its entity type
// and ordinal. ok is false when s is not a well-formed placeholder.
func ParsePlaceholder(s string) (t EntityType, n int, ok bool) {
	if len(s) < 5 || len(s) > MaxPlaceholderLen || s[0] != '<' || s[len(s)-1] != '>' {
		return "", 0, false
	}
	body := s[1 : len(s)-1]
	i := strings.LastIndexByte(body, '_')
	if i <= 0 || i == len(body)-1 {
		return "", 0, false
	}
	num := 0
	for _, r := range body[i+1:] {
		if r < '0' || r > '9' {
			return "", 0, false
		}
		num = num*10 + int(r-'0')
	}
	for _, r := range body[:i] {
		if (r < 'A' || r > 'Z') && r != '_' {
			return "", 0, false
		}
	}
	return EntityType(body[:i]), num, true
}

// Detection is a recognized PII span within a text.
type Detection struct {
	Type  EntityType `json:"entity_type"`
	Start int        `json:"start"`
	End   int        `json:"end"`
	Text  string     `json:"-"` // original value, never serialized
	Score float64    `json:"score"`
}

// --- Chat protocol (OpenAI-compatible) ---

// ChatRequest represents an OpenAI-compatible chat completion request.
// Content is constrained to plain strings; multimodal part arrays are
// rejected at validation because they cannot be anonymized safely.
type ChatRequest struct {
	Model            string          `json:"model"`
	Messages         []Message       `json:"messages"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	N                int             `json:"n,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	StreamOptions    *StreamOptions  `json:"stream_options,omitempty"`
	Stop             json.RawMessage `json:"stop,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	Seed             *int            `json:"seed,omitempty"`
	User             string          `json:"user,omitempty"`
}

// StreamOptions controls streaming behavior.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// Validate checks request shape and parameter bounds.
func (r *ChatRequest) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("%w: model is required", ErrValidation)
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("%w: messages must not be empty", ErrValidation)
	}
	for i, m := range r.Messages {
		switch m.Role {
		case "system", "user", "assistant":
		default:
			return fmt.Errorf("%w: messages[%d].role %q is not supported", ErrValidation, i, m.Role)
		}
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return fmt.Errorf("%w: temperature must be in [0, 2]", ErrValidation)
	}
	if r.TopP != nil && (*r.TopP < 0 || *r.TopP > 1) {
		return fmt.Errorf("%w: top_p must be in [0, 1]", ErrValidation)
	}
	if r.N < 0 {
		return fmt.Errorf("%w: n must be >= 1", ErrValidation)
	}
	if r.MaxTokens != nil && *r.MaxTokens < 1 {
		return fmt.Errorf("%w: max_tokens must be >= 1", ErrValidation)
	}
	if r.PresencePenalty != nil && (*r.PresencePenalty < -2 || *r.PresencePenalty > 2) {
		return fmt.Errorf("%w: presence_penalty must be in [-2, 2]", ErrValidation)
	}
	if r.FrequencyPenalty != nil && (*r.FrequencyPenalty < -2 || *r.FrequencyPenalty > 2) {
		return fmt.Errorf("%w: frequency_penalty must be in [-2, 2]", ErrValidation)
	}
	return nil
}

// ChatResponse represents an OpenAI-compatible chat completion response.
type ChatResponse struct {
	ID                string   `json:"id"`
	Object            string   `json:"object"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	Choices           []Choice `json:"choices"`
	Usage             *Usage   `json:"usage,omitempty"`
	SystemFingerprint string   `json:"system_fingerprint,omitempty"`
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage represents token usage statistics.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk represents a single chunk in a streaming response.
type StreamChunk struct {
	Data  []byte // raw SSE data payload (one chat.completion.chunk JSON object)
	Usage *Usage // non-nil on the final usage chunk when the upstream sends one
	Done  bool
	Err   error
}

// --- Tenancy and identity ---

// TenantStatus gates whether a tenant may use the proxy.
type TenantStatus string

const (
	TenantActive    TenantStatus = "active"
	TenantDisabled  TenantStatus = "disabled"
	TenantSuspended TenantStatus = "suspended"
)

// Tenant is an isolation domain: mappings, quotas, cache entries and audit
// records are all scoped by tenant ID.
type Tenant struct {
	ID        string            `json:"tenant_id"`
	Name      string            `json:"name"`
	Status    TenantStatus      `json:"status"`
	RateLimit string            `json:"rate_limit,omitempty"` // request rate, e.g. "100/m"
	TokenRate string            `json:"token_rate,omitempty"` // token rate, e.g. "50000/m"
	MaxTTL    int               `json:"max_ttl,omitempty"`    // mapping TTL ceiling, seconds
	Settings  map[string]string `json:"settings,omitempty"`
	CreatedAt time.Time         `json:"created_at,omitempty"`
}

// DefaultTenantID is used when multi-tenant mode is disabled or no
// credentials identify the caller.
const DefaultTenantID = "default"

// KeyStatus is the lifecycle state of an API key.
type KeyStatus string

const (
	KeyActive   KeyStatus = "active"
	KeyDisabled KeyStatus = "disabled"
	KeyRevoked  KeyStatus = "revoked"
)

// APIKey is the stored record for an issued key. The full key material is
// returned exactly once at creation and never persisted.
type APIKey struct {
	ID         string     `json:"key_id"`     // sha256(full)[:16]
	KeyHash    string     `json:"-"`          // sha256 hex of the full key
	KeyPrefix  string     `json:"key_prefix"` // first 12 chars for display
	TenantID   string     `json:"tenant_id"`
	Name       string     `json:"name,omitempty"`
	Status     KeyStatus  `json:"status"`
	Scopes     []string   `json:"scopes"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Valid reports whether the key may authenticate a request right now.
func (k *APIKey) Valid(now time.Time) bool {
	if k.Status != KeyActive {
		return false
	}
	if k.ExpiresAt != nil && now.After(*k.ExpiresAt) {
		return false
	}
	return true
}

// Identity is the authenticated caller context attached to request context.
type Identity struct {
	Tenant string   `json:"tenant"`
	KeyID  string   `json:"key_id,omitempty"`
	Scopes []string `json:"scopes,omitempty"`
	Source string   `json:"source"` // "key", "header", or "default"
}

// HasScope reports whether the identity carries the given scope.
func (id *Identity) HasScope(s string) bool {
	for _, have := range id.Scopes {
		if have == s {
			return true
		}
	}
	return false
}

// Scopes granted to newly created keys.
const (
	ScopeLLMUse      = "llm:use"
	ScopeMetricsView = "metrics:view"
)

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Identity field is set later by the authenticate middleware via mutation
// of the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Identity  *Identity
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// IdentityFromContext extracts the authenticated identity from context.
func IdentityFromContext(ctx context.Context) *Identity {
	if m := metaFromContext(ctx); m != nil {
		return m.Identity
	}
	return nil
}

// ContextWithIdentity stores the identity in the existing requestMeta if
// present, avoiding a new context.WithValue allocation. Falls back to creating
// new metadata if none exists (e.g., in tests).
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Identity = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Identity: id})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Shared constants and helpers ---

// APIKeyPrefix is the prefix for all airlock API keys. Full keys look like
// piiak_{tenant}_{random}.
const APIKeyPrefix = "piiak_"

// HashKey returns the hex-encoded SHA-256 hash of a raw API key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// KeyIDFromHash derives the public key ID from a key hash.
func KeyIDFromHash(hash string) string {
	if len(hash) < 16 {
		return hash
	}
	return hash[:16]
}

// TenantFromKey extracts the tenant segment from a piiak_{tenant}_{random}
// key. ok is false when the key does not carry a tenant segment.
func TenantFromKey(raw string) (tenant string, ok bool) {
	if !strings.HasPrefix(raw, APIKeyPrefix) {
		return "", false
	}
	rest := raw[len(APIKeyPrefix):]
	i := strings.LastIndexByte(rest, '_')
	if i <= 0 {
		return "", false
	}
	return rest[:i], true
}

// MaskKey renders a key reference safe for audit records:
// first 4 chars + "..." + sha256[:16].
func MaskKey(raw string) string {
	if raw == "" {
		return ""
	}
	prefix := raw
	if len(prefix) > 4 {
		prefix = prefix[:4]
	}
	return prefix + "..." + KeyIDFromHash(HashKey(raw))
}

// --- Interfaces wired by the app container ---

// Upstream is the LLM backend the proxy forwards anonymized traffic to.
type Upstream interface {
	// Name returns the configured upstream identifier.
	Name() string
	// ChatCompletion sends a non-streaming chat completion request.
	ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	// ChatCompletionStream sends a streaming chat completion request.
	// The caller must drain the returned channel until it is closed,
	// even after an Err or Done chunk.
	ChatCompletionStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)
	// ListModels returns the model IDs the upstream advertises.
	ListModels(ctx context.Context) ([]string, error)
	// HealthCheck verifies connectivity to the upstream.
	HealthCheck(ctx context.Context) error
}

// Authenticator validates request credentials and returns the caller identity.
type Authenticator interface {
	Authenticate(ctx context.Context, bearer, headerTenant, sourceIP string) (*Identity, error)
}
