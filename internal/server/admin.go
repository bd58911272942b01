package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	airlock "github.com/eugener/airlock/internal"
	"github.com/eugener/airlock/internal/audit"
	"github.com/eugener/airlock/internal/auth"
	"github.com/eugener/airlock/internal/cache"
	"github.com/eugener/airlock/internal/quota"
)

// maxAdminBody is the maximum allowed management request body size (1 MB).
const maxAdminBody = 1 << 20

// summaryCacheTTL bounds how stale a cached audit summary may be. Summaries
// scan the whole store, so they are the one management query worth caching.
const summaryCacheTTL = 30 * time.Second

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on error.
// Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse("invalid request body", "invalid_request_error", ""))
		return false
	}
	return true
}

// --- Pagination helpers ---

type pagination struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
	Total  int `json:"total"`
}

type listResponse struct {
	Data       any        `json:"data"`
	Pagination pagination `json:"pagination"`
}

func parsePagination(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return
}

// parseExpiresAt parses an optional RFC3339 expires_at string pointer.
// Writes 400 and returns false on invalid or past timestamps.
func parseExpiresAt(w http.ResponseWriter, raw *string) (time.Duration, bool) {
	if raw == nil {
		return 0, true
	}
	t, err := time.Parse(time.RFC3339, *raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse("invalid expires_at format, use RFC3339", "invalid_request_error", ""))
		return 0, false
	}
	ttl := time.Until(t)
	if ttl <= 0 {
		writeJSON(w, http.StatusBadRequest,
			errorResponse("expires_at must be in the future", "invalid_request_error", ""))
		return 0, false
	}
	return ttl, true
}

// --- Tenants ---

func (s *server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	offset, limit := parsePagination(r)
	status := airlock.TenantStatus(r.URL.Query().Get("status"))

	tenants := s.deps.Tenants.List(status)
	total := len(tenants)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       tenants[offset:end],
		Pagination: pagination{Offset: offset, Limit: limit, Total: total},
	})
}

func (s *server) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, ok := s.deps.Tenants.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound,
			errorResponse("tenant not found", "invalid_request_error", "not_found"))
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleForgetTenantData drops every piece of per-request state held for a
// tenant: live placeholder mappings and cached responses. The tenant record
// itself stays; this is the data-erasure lever, not off-boarding.
func (s *server) handleForgetTenantData(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.deps.Tenants.Get(id); !ok {
		writeJSON(w, http.StatusNotFound,
			errorResponse("tenant not found", "invalid_request_error", "not_found"))
		return
	}
	resp := struct {
		Tenant          string `json:"tenant_id"`
		MappingsDeleted int    `json:"mappings_deleted"`
		CacheCleared    int    `json:"cache_cleared"`
	}{Tenant: id}
	if s.deps.Mappings != nil {
		resp.MappingsDeleted = s.deps.Mappings.DeleteTenant(id)
	}
	if s.deps.Cache != nil {
		resp.CacheCleared = s.deps.Cache.InvalidateTenant(id)
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Keys ---

// keyCreateRequest is the payload for creating a new API key.
type keyCreateRequest struct {
	Tenant    string   `json:"tenant_id"`
	Name      string   `json:"name,omitempty"`
	Scopes    []string `json:"scopes,omitempty"`
	ExpiresAt *string  `json:"expires_at,omitempty"` // RFC3339
}

// keyCreateResponse includes the plaintext key (shown only once).
type keyCreateResponse struct {
	*airlock.APIKey
	PlaintextKey string `json:"key"`
}

func (s *server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req keyCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Tenant == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse("tenant_id is required", "invalid_request_error", ""))
		return
	}
	ttl, ok := parseExpiresAt(w, req.ExpiresAt)
	if !ok {
		return
	}

	plaintext, key, err := s.deps.Keys.Create(auth.CreateKeyOpts{
		TenantID: req.Tenant,
		Name:     req.Name,
		Scopes:   req.Scopes,
		TTL:      ttl,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/v1/keys/"+key.ID)
	writeJSON(w, http.StatusCreated, keyCreateResponse{
		APIKey:       key,
		PlaintextKey: plaintext,
	})
}

func (s *server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	offset, limit := parsePagination(r)
	tenant := r.URL.Query().Get("tenant")
	status := airlock.KeyStatus(r.URL.Query().Get("status"))

	keys := s.deps.Keys.List(tenant, status)
	total := len(keys)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       keys[offset:end],
		Pagination: pagination{Offset: offset, Limit: limit, Total: total},
	})
}

func (s *server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.deps.Keys.Revoke(id) {
		writeJSON(w, http.StatusNotFound,
			errorResponse("key not found", "invalid_request_error", "not_found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Quota ---

// quotaWindow is the per-resource, per-period slice of a tenant's usage.
type quotaWindow struct {
	Current int64     `json:"current"`
	Soft    int64     `json:"soft,omitempty"`
	Hard    int64     `json:"hard,omitempty"`
	ResetAt time.Time `json:"reset_at"`
}

// usageByResource nests windows as resource -> period -> window.
type usageByResource map[quota.Resource]map[quota.Period]quotaWindow

// rateUsage is the tenant's per-minute bucket state alongside the
// calendar windows. Remaining reports the request bucket only; the token
// bucket moves too fast for a point-in-time read to mean much.
type rateUsage struct {
	RPM       int64 `json:"rpm,omitempty"`
	TPM       int64 `json:"tpm,omitempty"`
	Remaining int64 `json:"requests_remaining"`
}

type quotaUsageResponse struct {
	Tenant string          `json:"tenant_id"`
	Usage  usageByResource `json:"usage"`
	Rate   *rateUsage      `json:"rate,omitempty"`
}

func (s *server) handleQuotaUsage(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		if identity := airlock.IdentityFromContext(r.Context()); identity != nil {
			tenant = identity.Tenant
		}
	}
	if tenant == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse("tenant is required", "invalid_request_error", ""))
		return
	}

	usage := make(usageByResource)
	for _, u := range s.deps.Quota.Usage(tenant) {
		byPeriod, ok := usage[u.Resource]
		if !ok {
			byPeriod = make(map[quota.Period]quotaWindow)
			usage[u.Resource] = byPeriod
		}
		byPeriod[u.Period] = quotaWindow{
			Current: u.Used,
			Soft:    u.Soft,
			Hard:    u.Hard,
			ResetAt: u.ResetAt,
		}
	}

	resp := quotaUsageResponse{Tenant: tenant, Usage: usage}
	if s.deps.RateLimits != nil && s.deps.Tenants != nil {
		if t, ok := s.deps.Tenants.Get(tenant); ok {
			if limits, err := quota.LimitsFromTenant(t); err == nil && limits != (quota.Limits{}) {
				state := s.deps.RateLimits.GetOrCreate(t.ID, limits).RequestState()
				resp.Rate = &rateUsage{RPM: limits.RPM, TPM: limits.TPM, Remaining: state.Remaining}
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Cache ---

type cacheStatsResponse struct {
	Enabled bool `json:"enabled"`
	cache.Stats
}

func (s *server) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Cache == nil {
		writeJSON(w, http.StatusOK, cacheStatsResponse{Enabled: false})
		return
	}
	writeJSON(w, http.StatusOK, cacheStatsResponse{
		Enabled: true,
		Stats:   s.deps.Cache.Stats(),
	})
}

func (s *server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	cleared := 0
	tenant := r.URL.Query().Get("tenant")
	if s.deps.Cache != nil {
		if tenant != "" {
			cleared = s.deps.Cache.InvalidateTenant(tenant)
		} else {
			cleared = s.deps.Cache.Len()
			s.deps.Cache.Clear()
		}
	}
	writeJSON(w, http.StatusOK, struct {
		Cleared int    `json:"cleared"`
		Tenant  string `json:"tenant,omitempty"`
	}{Cleared: cleared, Tenant: tenant})
}

// --- Global stats ---

func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	resp := struct {
		UptimeSeconds  int64  `json:"uptime_seconds"`
		Tenants        int    `json:"tenants"`
		Keys           int    `json:"keys"`
		ActiveMappings int    `json:"active_mappings"`
		UpstreamState  string `json:"upstream_state,omitempty"`
		Cache          any    `json:"cache,omitempty"`
	}{
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}
	if s.deps.Tenants != nil {
		resp.Tenants = s.deps.Tenants.Len()
	}
	if s.deps.Keys != nil {
		resp.Keys = s.deps.Keys.Len()
	}
	if s.deps.Mappings != nil {
		resp.ActiveMappings = s.deps.Mappings.Len()
	}
	if s.deps.Breaker != nil {
		resp.UpstreamState = s.deps.Breaker.State().String()
	}
	if s.deps.Cache != nil {
		resp.Cache = s.deps.Cache.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Audit ---

// parseAuditFilter builds an audit.Filter from query params, writing a 400
// on anything malformed. Timestamps are validated upfront: a silently-empty
// result from a bad timestamp is worse than a clear error.
func parseAuditFilter(w http.ResponseWriter, r *http.Request) (audit.Filter, bool) {
	q := r.URL.Query()
	var f audit.Filter

	if v := q.Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest,
				errorResponse("invalid start format, use RFC3339", "invalid_request_error", ""))
			return f, false
		}
		f.Since = t
	}
	if v := q.Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest,
				errorResponse("invalid end format, use RFC3339", "invalid_request_error", ""))
			return f, false
		}
		f.Until = t
	}
	if v := q.Get("type"); v != "" {
		for _, part := range strings.Split(v, ",") {
			t, ok := audit.ParseEventType(strings.TrimSpace(part))
			if !ok {
				writeJSON(w, http.StatusBadRequest,
					errorResponse("unknown event type: "+part, "invalid_request_error", ""))
				return f, false
			}
			f.Types = append(f.Types, t)
		}
	}
	if v := q.Get("min_risk"); v != "" {
		risk, ok := audit.ParseRisk(v)
		if !ok {
			writeJSON(w, http.StatusBadRequest,
				errorResponse("unknown risk level: "+v, "invalid_request_error", ""))
			return f, false
		}
		f.MinRisk = risk
	}
	f.Tenant = q.Get("tenant")
	f.RequestID = q.Get("request_id")
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	f.Offset, _ = strconv.Atoi(q.Get("offset"))
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f, true
}

// auditStoreReady writes a 503 and returns false when audit queries have
// nowhere to go.
func (s *server) auditStoreReady(w http.ResponseWriter) bool {
	if s.deps.AuditStore == nil {
		writeJSON(w, http.StatusServiceUnavailable,
			errorResponse("audit store unavailable", "internal_error", ""))
		return false
	}
	return true
}

func (s *server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	if !s.auditStoreReady(w) {
		return
	}
	f, ok := parseAuditFilter(w, r)
	if !ok {
		return
	}
	events, err := s.deps.AuditStore.Query(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if events == nil {
		events = []*audit.Event{}
	}
	writeJSON(w, http.StatusOK, struct {
		Events []*audit.Event `json:"events"`
		Count  int            `json:"count"`
	}{Events: events, Count: len(events)})
}

func (s *server) handleAuditSummary(w http.ResponseWriter, r *http.Request) {
	if !s.auditStoreReady(w) {
		return
	}
	f, ok := parseAuditFilter(w, r)
	if !ok {
		return
	}

	cacheKey := "audit_summary?" + r.URL.RawQuery
	if s.deps.Lookaside != nil {
		if body, ok := s.deps.Lookaside.Get(r.Context(), cacheKey); ok {
			w.Header()["Content-Type"] = jsonCT
			w.WriteHeader(http.StatusOK)
			w.Write(body)
			return
		}
	}

	sum, err := s.deps.AuditStore.Summary(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	body, err := json.Marshal(sum)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if s.deps.Lookaside != nil {
		s.deps.Lookaside.Set(r.Context(), cacheKey, body, summaryCacheTTL)
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func (s *server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	if !s.auditStoreReady(w) {
		return
	}
	format := audit.ExportFormat(r.URL.Query().Get("format"))
	switch format {
	case "", audit.FormatJSON:
		format = audit.FormatJSON
	case audit.FormatCSV:
	default:
		writeJSON(w, http.StatusBadRequest,
			errorResponse("unknown export format, use json or csv", "invalid_request_error", ""))
		return
	}

	f, ok := parseAuditFilter(w, r)
	if !ok {
		return
	}
	if f.Limit <= 0 {
		f.Limit = audit.MaxQueryLimit
	}

	events, err := s.deps.AuditStore.Query(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}

	filename := "audit_export_" + time.Now().UTC().Format("20060102T150405Z") + "." + string(format)
	if format == audit.FormatCSV {
		w.Header().Set("Content-Type", "text/csv")
	} else {
		w.Header()["Content-Type"] = jsonCT
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.WriteHeader(http.StatusOK)
	if err := audit.WriteExport(w, events, format); err != nil {
		s.log.Error("audit export write failed", "error", err)
	}
}

// --- Compliance ---

// presetSummary is the list-view projection of a preset.
type presetSummary struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Version     string   `json:"version,omitempty"`
	Region      []string `json:"region,omitempty"`
	PIITypes    []string `json:"pii_types,omitempty"`
}

// complianceReady writes a 503 and returns false when no preset directory
// is configured.
func (s *server) complianceReady(w http.ResponseWriter) bool {
	if s.deps.Compliance == nil {
		writeJSON(w, http.StatusServiceUnavailable,
			errorResponse("compliance presets not configured", "internal_error", ""))
		return false
	}
	return true
}

func (s *server) handleListPresets(w http.ResponseWriter, _ *http.Request) {
	if !s.complianceReady(w) {
		return
	}
	names := s.deps.Compliance.Names()
	presets := make([]presetSummary, 0, len(names))
	for _, name := range names {
		p, ok := s.deps.Compliance.Get(name)
		if !ok {
			continue
		}
		presets = append(presets, presetSummary{
			Name:        name,
			Description: p.Description,
			Version:     p.Version,
			Region:      p.Region,
			PIITypes:    p.PIITypes,
		})
	}
	writeJSON(w, http.StatusOK, struct {
		Presets []presetSummary `json:"presets"`
	}{Presets: presets})
}

func (s *server) handleGetPreset(w http.ResponseWriter, r *http.Request) {
	if !s.complianceReady(w) {
		return
	}
	name := chi.URLParam(r, "name")
	p, ok := s.deps.Compliance.Get(name)
	if !ok {
		msg := "unknown preset " + strconv.Quote(name)
		if names := s.deps.Compliance.Names(); len(names) > 0 {
			msg += " (available: " + strings.Join(names, ", ") + ")"
		}
		writeJSON(w, http.StatusNotFound, errorResponse(msg, "invalid_request_error", "not_found"))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *server) handleComplianceStatus(w http.ResponseWriter, _ *http.Request) {
	if !s.complianceReady(w) {
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Compliance.Status())
}

func (s *server) handleComplianceActivate(w http.ResponseWriter, r *http.Request) {
	if !s.complianceReady(w) {
		return
	}
	var req struct {
		Preset string `json:"preset"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Preset == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse("preset is required", "invalid_request_error", ""))
		return
	}
	if _, err := s.deps.Compliance.Activate(r.Context(), req.Preset, "api"); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Compliance.Status())
}

func (s *server) handleComplianceDeactivate(w http.ResponseWriter, r *http.Request) {
	if !s.complianceReady(w) {
		return
	}
	s.deps.Compliance.Deactivate(r.Context())
	writeJSON(w, http.StatusOK, s.deps.Compliance.Status())
}

func (s *server) handleComplianceReload(w http.ResponseWriter, r *http.Request) {
	if !s.complianceReady(w) {
		return
	}
	if err := s.deps.Compliance.Reload(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Compliance.Status())
}
