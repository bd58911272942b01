package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	airlock "github.com/eugener/airlock/internal"
	"github.com/eugener/airlock/internal/anonymize"
	"github.com/eugener/airlock/internal/auth"
	"github.com/eugener/airlock/internal/deanonymize"
	"github.com/eugener/airlock/internal/mapping"
	"github.com/eugener/airlock/internal/quota"
)

// fakeChat replays canned pipeline results so transport behavior can be
// tested without detection, mapping or an upstream.
type fakeChat struct {
	mu      sync.Mutex
	lastReq *airlock.ChatRequest

	resp      *airlock.ChatResponse
	err       error
	chunks    []airlock.StreamChunk
	streamErr error
}

func (f *fakeChat) ChatCompletion(_ context.Context, req *airlock.ChatRequest) (*airlock.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	if f.resp != nil {
		return f.resp, nil
	}
	return &airlock.ChatResponse{
		ID:      "chatcmpl-test",
		Object:  "chat.completion",
		Created: 1700000000,
		Model:   req.Model,
		Choices: []airlock.Choice{{
			Message:      airlock.Message{Role: "assistant", Content: "hello"},
			FinishReason: "stop",
		}},
		Usage: &airlock.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func (f *fakeChat) ChatCompletionStream(_ context.Context, req *airlock.ChatRequest) (<-chan airlock.StreamChunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastReq = req
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	ch := make(chan airlock.StreamChunk, len(f.chunks))
	for _, c := range f.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (f *fakeChat) last() *airlock.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastReq
}

// testEnv bundles the handler with the collaborators tests poke at.
type testEnv struct {
	handler http.Handler
	chat    *fakeChat
	keys    *auth.KeyManager
	tenants *auth.Registry
	quota   *quota.Tracker
}

// newTestEnv builds a server over real auth, quota and mapping
// collaborators. mutate runs on the Deps before the router is built.
func newTestEnv(t *testing.T, mutate func(*Deps)) *testEnv {
	t.Helper()
	keys, err := auth.NewKeyManager()
	if err != nil {
		t.Fatalf("NewKeyManager: %v", err)
	}
	tenants := auth.NewRegistry()
	authn := auth.New(keys, tenants, auth.Config{
		MultiTenant:   true,
		DefaultTenant: airlock.DefaultTenantID,
	}, nil)
	chat := &fakeChat{}
	tracker := quota.NewTracker(nil)

	deps := Deps{
		Auth:            authn,
		Chat:            chat,
		Engine:          anonymize.NewEngine(anonymize.EngineConfig{}),
		Deanonymizer:    deanonymize.New(nil),
		Tenants:         tenants,
		Keys:            keys,
		Quota:           tracker,
		Mappings:        mapping.NewStore(time.Minute, nil),
		SecureEndpoints: true,
	}
	if mutate != nil {
		mutate(&deps)
	}
	return &testEnv{
		handler: New(deps),
		chat:    chat,
		keys:    keys,
		tenants: tenants,
		quota:   tracker,
	}
}

// issueKey registers a tenant and mints a key for it.
func (e *testEnv) issueKey(t *testing.T, tenant string) string {
	t.Helper()
	e.tenants.Add(&airlock.Tenant{ID: tenant, Name: tenant, Status: airlock.TenantActive})
	plaintext, _, err := e.keys.Create(auth.CreateKeyOpts{TenantID: tenant})
	if err != nil {
		t.Fatalf("Create key: %v", err)
	}
	return plaintext
}

func (e *testEnv) do(t *testing.T, method, path, bearer string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *strings.Reader
	if body == "" {
		rdr = strings.NewReader("")
	} else {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeErr(t *testing.T, rec *httptest.ResponseRecorder) apiError {
	t.Helper()
	var e apiError
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return e
}

const chatBody = `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`

func TestProbes(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	for _, path := range []string{"/live", "/ready"} {
		rec := env.do(t, http.MethodGet, path, "", "")
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, rec.Code)
		}
		if got := rec.Body.String(); got != "ok" {
			t.Errorf("GET %s body = %q, want ok", path, got)
		}
	}

	rec := env.do(t, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /health = %d, want 200", rec.Code)
	}
	var h struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &h); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if h.Status != "ok" {
		t.Errorf("health status = %q, want ok", h.Status)
	}
}

func TestChatCompletion(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	key := env.issueKey(t, "acme")

	rec := env.do(t, http.MethodPost, "/v1/chat/completions", key, chatBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var resp airlock.ChatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "chatcmpl-test" {
		t.Errorf("id = %q", resp.ID)
	}
	if env.chat.last() == nil || env.chat.last().Model != "gpt-4" {
		t.Errorf("pipeline saw request %+v", env.chat.last())
	}
}

func TestChatCompletionBadJSON(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	key := env.issueKey(t, "acme")

	rec := env.do(t, http.MethodPost, "/v1/chat/completions", key, `{"model":`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if e := decodeErr(t, rec); e.Error.Type != "invalid_request_error" {
		t.Errorf("type = %q", e.Error.Type)
	}
}

func TestChatCompletionRejectsBadKey(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/v1/chat/completions", "piiak_x_bogus", chatBody)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if e := decodeErr(t, rec); e.Error.Type != "authentication_error" {
		t.Errorf("type = %q", e.Error.Type)
	}
}

func TestChatCompletionErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
		wantCode   string
	}{
		{"quota", &airlock.QuotaError{Tenant: "acme", Resource: "requests", Period: "hourly", Limit: 10, Current: 11}, http.StatusTooManyRequests, "quota_exceeded", "quota_exceeded"},
		{"secret", airlock.ErrSecretDetected, http.StatusBadRequest, "invalid_request_error", "secret_detected"},
		{"validation", airlock.ErrValidation, http.StatusUnprocessableEntity, "invalid_request_error", ""},
		{"circuit open", airlock.ErrCircuitOpen, http.StatusServiceUnavailable, "upstream_error", "circuit_open"},
		{"unavailable", airlock.ErrUpstreamUnavailable, http.StatusBadGateway, "upstream_error", ""},
		{"timeout", airlock.ErrUpstreamTimeout, http.StatusGatewayTimeout, "upstream_error", "timeout"},
		{"mapping expired", airlock.ErrMappingExpired, http.StatusInternalServerError, "internal_error", "mapping_expired"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t, nil)
			key := env.issueKey(t, "acme")
			env.chat.err = tt.err

			rec := env.do(t, http.MethodPost, "/v1/chat/completions", key, chatBody)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			e := decodeErr(t, rec)
			if e.Error.Type != tt.wantType {
				t.Errorf("type = %q, want %q", e.Error.Type, tt.wantType)
			}
			if e.Error.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", e.Error.Code, tt.wantCode)
			}
		})
	}
}

func TestChatCompletionSecretMessageIsGeneric(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	key := env.issueKey(t, "acme")
	env.chat.err = airlock.ErrSecretDetected

	rec := env.do(t, http.MethodPost, "/v1/chat/completions", key, chatBody)
	e := decodeErr(t, rec)
	if e.Error.Message != "request blocked by security policy" {
		t.Errorf("message = %q, must not describe the detection", e.Error.Message)
	}
}

func TestChatCompletionQuotaRetryAfter(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	key := env.issueKey(t, "acme")
	env.chat.err = &airlock.QuotaError{
		Tenant:   "acme",
		Resource: "requests",
		Period:   "hourly",
		Limit:    10,
		Current:  11,
		ResetAt:  time.Now().Add(90 * time.Second).Unix(),
	}

	rec := env.do(t, http.MethodPost, "/v1/chat/completions", key, chatBody)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if ra := rec.Header().Get("Retry-After"); ra == "" {
		t.Error("missing Retry-After header")
	}
}

func TestChatCompletionUpstreamBodyPassthrough(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	key := env.issueKey(t, "acme")
	body := `{"error":{"message":"model overloaded","type":"server_error"}}`
	env.chat.err = &airlock.UpstreamHTTPError{StatusCode: 500, Body: []byte(body)}

	rec := env.do(t, http.MethodPost, "/v1/chat/completions", key, chatBody)
	if rec.Code != 500 {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != body {
		t.Errorf("body = %q, want verbatim upstream body", got)
	}
}

func TestChatCompletionStreamSSE(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	key := env.issueKey(t, "acme")
	env.chat.chunks = []airlock.StreamChunk{
		{Data: []byte(`{"id":"c1","choices":[{"delta":{"content":"hel"}}]}`)},
		{Data: []byte(`{"id":"c1","choices":[{"delta":{"content":"lo"}}]}`)},
		{Done: true},
	}

	body := `{"model":"gpt-4","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	rec := env.do(t, http.MethodPost, "/v1/chat/completions", key, body)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	got := rec.Body.String()
	if !strings.Contains(got, `data: {"id":"c1","choices":[{"delta":{"content":"hel"}}]}`) {
		t.Errorf("missing first chunk in %q", got)
	}
	if !strings.HasSuffix(got, "data: [DONE]\n\n") {
		t.Errorf("stream must end with [DONE], got %q", got)
	}
}

func TestChatCompletionStreamMidError(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	key := env.issueKey(t, "acme")
	env.chat.chunks = []airlock.StreamChunk{
		{Data: []byte(`{"id":"c1"}`)},
		{Err: airlock.ErrUpstreamTimeout},
	}

	body := `{"model":"gpt-4","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	rec := env.do(t, http.MethodPost, "/v1/chat/completions", key, body)

	got := rec.Body.String()
	if !strings.Contains(got, `"type":"upstream_error"`) {
		t.Errorf("missing error frame in %q", got)
	}
	if !strings.HasSuffix(got, "data: [DONE]\n\n") {
		t.Errorf("stream must still end with [DONE], got %q", got)
	}
}

func TestChatCompletionStreamSetupError(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	key := env.issueKey(t, "acme")
	env.chat.streamErr = airlock.ErrCircuitOpen

	body := `{"model":"gpt-4","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	rec := env.do(t, http.MethodPost, "/v1/chat/completions", key, body)

	// Failure before the first SSE byte is a plain HTTP error.
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestListModels(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(d *Deps) {
		d.Models = []string{"llama-3-70b", "gpt-4"} // gpt-4 dupes a builtin
		d.UpstreamName = "local"
	})
	key := env.issueKey(t, "acme")

	rec := env.do(t, http.MethodGet, "/v1/models", key, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp modelListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Object != "list" {
		t.Errorf("object = %q", resp.Object)
	}
	ids := make(map[string]string, len(resp.Data))
	for _, m := range resp.Data {
		if _, dup := ids[m.ID]; dup {
			t.Errorf("duplicate model %q", m.ID)
		}
		ids[m.ID] = m.OwnedBy
	}
	if ids["gpt-4"] != "openai" {
		t.Errorf("gpt-4 owned_by = %q, want openai", ids["gpt-4"])
	}
	if ids["llama-3-70b"] != "local" {
		t.Errorf("llama-3-70b owned_by = %q, want local", ids["llama-3-70b"])
	}
}

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/live", "", "")
	id := rec.Header().Get("X-Request-Id")
	if id == "" {
		t.Fatal("missing X-Request-Id")
	}
	if len(id) != 36 {
		t.Errorf("request id %q does not look like a UUID", id)
	}
}

func TestSensitiveEndpointsRequireKey(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	key := env.issueKey(t, "acme")

	// Default-tenant identity (no credentials) must not reach management.
	rec := env.do(t, http.MethodGet, "/api/v1/tenants", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unkeyed status = %d, want 401", rec.Code)
	}
	if ch := rec.Header().Get("WWW-Authenticate"); ch != "Bearer" {
		t.Errorf("WWW-Authenticate = %q, want Bearer", ch)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/tenants", key, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("keyed status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
}

func TestSensitiveEndpointsOpenWhenDisabled(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(d *Deps) { d.SecureEndpoints = false })

	rec := env.do(t, http.MethodGet, "/api/v1/tenants", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHeaderTenantIdentity(t *testing.T) {
	t.Parallel()

	// Header tenancy off: X-Tenant-ID alone is rejected.
	env := newTestEnv(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(chatBody))
	req.Header.Set("X-Tenant-ID", "acme")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without AllowHeaderTenant", rec.Code)
	}
	e := decodeErr(t, rec)
	if !strings.Contains(e.Error.Message, "api key required") {
		t.Errorf("message = %q", e.Error.Message)
	}
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"normal", "Bearer piiak_a_b", "piiak_a_b"},
		{"case insensitive scheme", "bearer piiak_a_b", "piiak_a_b"},
		{"missing", "", ""},
		{"no scheme", "piiak_a_b", ""},
		{"scheme only", "Bearer ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			if got := bearerToken(r); got != tt.want {
				t.Errorf("bearerToken(%q) = %q, want %q", tt.header, got, tt.want)
			}
		})
	}
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		realIP     string
		want       string
	}{
		{"socket peer", "10.0.0.1:1234", "", "", "10.0.0.1"},
		{"x-forwarded-for first", "10.0.0.1:1234", "203.0.113.9, 70.41.3.18", "", "203.0.113.9"},
		{"x-real-ip", "10.0.0.1:1234", "", "198.51.100.7", "198.51.100.7"},
		{"xff wins over real-ip", "10.0.0.1:1234", "203.0.113.9", "198.51.100.7", "203.0.113.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				r.Header.Set("X-Real-IP", tt.realIP)
			}
			if got := clientIP(r); got != tt.want {
				t.Errorf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReadyReflectsBreakerAndCheck(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(d *Deps) {
		d.ReadyCheck = func(context.Context) error { return airlock.ErrUpstreamUnavailable }
	})

	rec := env.do(t, http.MethodGet, "/ready", "", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if got := rec.Body.String(); got != "not ready" {
		t.Errorf("body = %q", got)
	}
}
