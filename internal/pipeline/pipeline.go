// Package pipeline drives chat completions through the airlock stages:
// admission, secret scanning, anonymization, the response cache, the
// upstream call and restoration of original values on the way back.
//
// The pipeline owns the custody chain of a request's PII: a mapping is
// created before anything leaves the proxy and deleted as soon as the
// response is restored, so original values exist outside the request
// handler only for the lifetime of one upstream round trip.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	airlock "github.com/eugener/airlock/internal"
	"github.com/eugener/airlock/internal/anonymize"
	"github.com/eugener/airlock/internal/audit"
	"github.com/eugener/airlock/internal/cache"
	"github.com/eugener/airlock/internal/circuitbreaker"
	"github.com/eugener/airlock/internal/deanonymize"
	"github.com/eugener/airlock/internal/mapping"
	"github.com/eugener/airlock/internal/quota"
	"github.com/eugener/airlock/internal/secrets"
	"github.com/eugener/airlock/internal/telemetry"
	"github.com/eugener/airlock/internal/tokencount"
)

// NoticeSource resolves the anonymization notice at request time.
// compliance.Registry implements it: while a preset is active its answer is
// authoritative and overrides the static pipeline config, including forced
// suppression when the preset disables injection.
type NoticeSource interface {
	Notice() (text string, authoritative bool)
}

// Config carries the pipeline's own tunables. Collaborator-specific settings
// (TTLs, thresholds, limits) live in the collaborators themselves.
type Config struct {
	// InjectNotice prepends a system message telling the model to leave
	// placeholders untouched whenever a request carries any.
	InjectNotice bool
	// NoticeTemplate overrides the default notice text.
	NoticeTemplate string
}

// Deps wires the pipeline's collaborators. Upstream is required; nil optional
// collaborators degrade to no-ops (no cache, no quota, no breaker, no audit,
// no metrics, no secret scanning), and nil core stages fall back to their
// package defaults.
type Deps struct {
	Engine       *anonymize.Engine
	Deanonymizer *deanonymize.Deanonymizer
	Mappings     *mapping.Store
	Secrets      *secrets.Scanner
	Cache        *cache.ResponseCache
	Quota        *quota.Tracker
	Upstream     airlock.Upstream
	Breaker      *circuitbreaker.Breaker
	Counter      *tokencount.Counter
	Audit        *audit.Logger
	Metrics      *telemetry.Metrics
	Notices      NoticeSource
	Logger       *slog.Logger
}

// Pipeline executes the anonymize -> forward -> deanonymize round trip.
type Pipeline struct {
	engine   *anonymize.Engine
	deanon   *deanonymize.Deanonymizer
	mappings *mapping.Store
	secrets  *secrets.Scanner
	cache    *cache.ResponseCache
	quota    *quota.Tracker
	upstream airlock.Upstream
	breaker  *circuitbreaker.Breaker
	counter  *tokencount.Counter
	auditor  *audit.Logger
	metrics  *telemetry.Metrics
	notices  NoticeSource
	tracer   trace.Tracer
	log      *slog.Logger
	cfg      Config

	now func() time.Time
}

// New builds a pipeline from deps. It fails only when no upstream is wired.
func New(deps Deps, cfg Config) (*Pipeline, error) {
	if deps.Upstream == nil {
		return nil, fmt.Errorf("%w: pipeline requires an upstream", airlock.ErrValidation)
	}
	if deps.Engine == nil {
		deps.Engine = anonymize.NewEngine(anonymize.EngineConfig{Logger: deps.Logger})
	}
	if deps.Deanonymizer == nil {
		deps.Deanonymizer = deanonymize.New(deps.Logger)
	}
	if deps.Mappings == nil {
		deps.Mappings = mapping.NewStore(0, deps.Logger)
	}
	if deps.Counter == nil {
		deps.Counter = tokencount.NewCounter()
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		engine:   deps.Engine,
		deanon:   deps.Deanonymizer,
		mappings: deps.Mappings,
		secrets:  deps.Secrets,
		cache:    deps.Cache,
		quota:    deps.Quota,
		upstream: deps.Upstream,
		breaker:  deps.Breaker,
		counter:  deps.Counter,
		auditor:  deps.Audit,
		metrics:  deps.Metrics,
		notices:  deps.Notices,
		tracer:   telemetry.Tracer("pipeline"),
		log:      log.With("component", "pipeline"),
		cfg:      cfg,
		now:      time.Now,
	}, nil
}

// ChatCompletion handles one non-streaming completion. The response is fully
// restored; the caller can serialize it to the client as-is.
func (p *Pipeline) ChatCompletion(ctx context.Context, req *airlock.ChatRequest) (*airlock.ChatResponse, error) {
	ctx, tenant, requestID := requestScope(ctx)
	started := p.now()

	estimate, err := p.admit(ctx, tenant, req)
	if err != nil {
		return nil, err
	}
	if err := p.scanSecrets(ctx, tenant, req.Messages); err != nil {
		return nil, err
	}

	anonReq, res := p.anonymize(ctx, tenant, requestID, req)

	// The fingerprint covers the anonymized body, before the notice is
	// prepended. Placeholder numbering restarts per request, so equal
	// originals anonymize to equal bodies and each caller's own mapping
	// restores its own values from the shared cached payload.
	var key string
	if p.cache != nil {
		key = cache.Fingerprint(tenant, anonReq)
		if resp, ok := p.cacheLookup(ctx, key, tenant, res.Mappings); ok {
			return resp, nil
		}
	}

	p.storeMappings(ctx, tenant, requestID, res.Mappings)

	resp, err := p.callUpstream(ctx, p.withNotice(anonReq, len(res.Mappings) > 0))
	if err != nil {
		p.failUpstream(ctx, tenant, requestID, res.Mappings, err)
		return nil, err
	}

	// Cache the still-anonymized payload. Restoration happens after the
	// write so no original value ever lands in the cache.
	if key != "" {
		if body, merr := json.Marshal(resp); merr == nil {
			p.cache.Set(key, tenant, body)
		}
	}

	p.restoreResponse(ctx, tenant, resp, res.Mappings)
	p.finish(ctx, tenant, requestID, resp, res.Mappings, estimate, started)
	return resp, nil
}

// admit validates the request shape and reserves quota. The request counter
// is charged up front; tokens are only checked here and recorded after the
// upstream reports (or we estimate) actual usage.
func (p *Pipeline) admit(ctx context.Context, tenant string, req *airlock.ChatRequest) (int, error) {
	ctx, span := p.tracer.Start(ctx, "airlock.admit")
	defer span.End()

	if err := req.Validate(); err != nil {
		return 0, err
	}
	estimate := p.counter.EstimateRequest(req.Model, req.Messages)
	span.SetAttributes(attribute.Int("tokens.estimate", estimate))
	if p.quota == nil {
		return estimate, nil
	}

	tokenWarns, err := p.quota.Check(tenant, quota.ResourceTokens, int64(estimate))
	if err != nil {
		return 0, p.denyQuota(ctx, tenant, err)
	}
	warns, err := p.quota.Reserve(tenant, quota.ResourceRequests, 1)
	if err != nil {
		return 0, p.denyQuota(ctx, tenant, err)
	}

	for _, w := range append(warns, tokenWarns...) {
		p.log.Warn("quota soft limit crossed",
			"tenant", w.Tenant,
			"resource", string(w.Resource),
			"period", string(w.Period),
			"limit", w.Limit,
			"current", w.Current)
	}
	return estimate, nil
}

func (p *Pipeline) denyQuota(ctx context.Context, tenant string, err error) error {
	resource := "unknown"
	var meta map[string]string
	var qe *airlock.QuotaError
	if errors.As(err, &qe) {
		resource = qe.Resource
		meta = map[string]string{
			"resource": qe.Resource,
			"period":   qe.Period,
			"limit":    strconv.FormatInt(qe.Limit, 10),
		}
	}
	if p.metrics != nil {
		p.metrics.QuotaExceeded.WithLabelValues(tenant, resource).Inc()
	}
	p.emit(ctx, &audit.Event{
		Type:         audit.EventRateLimitExceeded,
		Tenant:       tenant,
		ErrorMessage: err.Error(),
		Metadata:     meta,
	})
	return err
}

// scanSecrets runs the credential scanner over the raw message text, before
// anonymization, so leaked keys never reach the recognizers or the upstream.
// High and critical findings reject the request; the client sees a generic
// policy error while the audit record carries the pattern name and a
// redacted preview.
func (p *Pipeline) scanSecrets(ctx context.Context, tenant string, msgs []airlock.Message) error {
	if p.secrets == nil {
		return nil
	}
	ctx, span := p.tracer.Start(ctx, "airlock.secret_scan")
	defer span.End()

	contents := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Content != "" {
			contents = append(contents, m.Content)
		}
	}
	findings := p.secrets.ScanMessages(contents)
	if len(findings) == 0 {
		return nil
	}

	severity := secrets.MaxSeverity(findings)
	span.SetAttributes(
		attribute.Int("findings", len(findings)),
		attribute.String("max_severity", severity.String()),
	)
	meta := map[string]string{
		"pattern":  findings[0].Pattern,
		"redacted": findings[0].Redacted,
		"severity": severity.String(),
	}
	if secrets.ShouldBlock(findings) {
		if p.metrics != nil {
			p.metrics.SecretsBlocked.WithLabelValues(severity.String()).Inc()
		}
		p.emit(ctx, &audit.Event{
			Type:        audit.EventSecretBlocked,
			Tenant:      tenant,
			EntityCount: len(findings),
			Metadata:    meta,
		})
		p.log.Warn("request blocked by secret scanner",
			"tenant", tenant,
			"pattern", findings[0].Pattern,
			"findings", len(findings))
		return airlock.ErrSecretDetected
	}
	p.emit(ctx, &audit.Event{
		Type:        audit.EventSecretDetected,
		Tenant:      tenant,
		EntityCount: len(findings),
		Metadata:    meta,
	})
	return nil
}

// anonymize rewrites PII in a copy of the request and reports what it did.
func (p *Pipeline) anonymize(ctx context.Context, tenant, requestID string, req *airlock.ChatRequest) (*airlock.ChatRequest, anonymize.MessagesResult) {
	ctx, span := p.tracer.Start(ctx, "airlock.anonymize")
	defer span.End()

	res := p.engine.AnonymizeMessages(ctx, req.Messages, anonymize.NewSession(requestID))
	span.SetAttributes(
		attribute.Int("pii.applied", len(res.Applied)),
		attribute.Int("pii.preserved", len(res.Preserved)),
	)

	counts := anonymize.EntityCounts(res.Applied)
	if p.metrics != nil {
		for t, n := range counts {
			p.metrics.PIIDetected.WithLabelValues(string(t)).Add(float64(n))
		}
	}
	if n := len(res.Applied) + len(res.Preserved); n > 0 {
		p.emit(ctx, &audit.Event{
			Type:        audit.EventPIIDetected,
			Tenant:      tenant,
			EntityCount: n,
			Risk:        audit.RiskMedium,
		})
	}
	if len(res.Applied) > 0 {
		p.emit(ctx, &audit.Event{
			Type:        audit.EventPIIAnonymized,
			Tenant:      tenant,
			EntityCount: len(res.Applied),
			Metadata:    map[string]string{"entities": entitySummary(counts)},
		})
	}

	out := *req
	out.Messages = res.Messages
	return &out, res
}

// withNotice prepends the anonymization notice when the request carries
// placeholders and a notice source resolves one.
func (p *Pipeline) withNotice(req *airlock.ChatRequest, hasPII bool) *airlock.ChatRequest {
	if !hasPII {
		return req
	}
	text, ok := p.notice()
	if !ok {
		return req
	}
	out := *req
	out.Messages = make([]airlock.Message, 0, len(req.Messages)+1)
	out.Messages = append(out.Messages, airlock.Message{Role: "system", Content: text})
	out.Messages = append(out.Messages, req.Messages...)
	return &out
}

func (p *Pipeline) notice() (string, bool) {
	if p.notices != nil {
		if text, authoritative := p.notices.Notice(); authoritative {
			return text, text != ""
		}
	}
	if !p.cfg.InjectNotice {
		return "", false
	}
	if p.cfg.NoticeTemplate != "" {
		return p.cfg.NoticeTemplate, true
	}
	return airlock.AnonymizationNotice, true
}

// cacheLookup probes the response cache and, on a hit, restores the cached
// anonymized payload with this request's own mapping. Token quota is not
// charged for cache hits.
func (p *Pipeline) cacheLookup(ctx context.Context, key, tenant string, mappings map[string]string) (*airlock.ChatResponse, bool) {
	ctx, span := p.tracer.Start(ctx, "airlock.cache_lookup")
	defer span.End()

	body, ok := p.cache.Get(key, tenant)
	if !ok {
		if p.metrics != nil {
			p.metrics.CacheMisses.Inc()
		}
		return nil, false
	}
	var resp airlock.ChatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		p.log.Warn("cache entry undecodable, treating as miss", "error", err)
		if p.metrics != nil {
			p.metrics.CacheMisses.Inc()
		}
		return nil, false
	}
	if p.metrics != nil {
		p.metrics.CacheHits.Inc()
	}
	span.SetAttributes(attribute.Bool("cache.hit", true))

	p.restoreResponse(ctx, tenant, &resp, mappings)
	p.emit(ctx, &audit.Event{
		Type:       audit.EventAPIResponse,
		Tenant:     tenant,
		StatusCode: http.StatusOK,
		Metadata:   map[string]string{"model": resp.Model, "cache": "hit"},
	})
	return &resp, true
}

// storeMappings persists the placeholder table for the round trip.
func (p *Pipeline) storeMappings(ctx context.Context, tenant, requestID string, pairs map[string]string) {
	if len(pairs) == 0 {
		return
	}
	p.mappings.Put(tenant, requestID, pairs)
	p.emit(ctx, &audit.Event{
		Type:        audit.EventMappingCreated,
		Tenant:      tenant,
		EntityCount: len(pairs),
	})
	p.gaugeMappings()
}

func (p *Pipeline) dropMappings(ctx context.Context, tenant, requestID string, pairs map[string]string) {
	if len(pairs) == 0 {
		return
	}
	p.mappings.Delete(tenant, requestID)
	p.emit(ctx, &audit.Event{
		Type:        audit.EventMappingDeleted,
		Tenant:      tenant,
		EntityCount: len(pairs),
	})
	p.gaugeMappings()
}

func (p *Pipeline) gaugeMappings() {
	if p.metrics != nil {
		p.metrics.MappingStoreSize.Set(float64(p.mappings.Len()))
	}
}

// callUpstream forwards the anonymized request, guarded by the breaker.
func (p *Pipeline) callUpstream(ctx context.Context, req *airlock.ChatRequest) (*airlock.ChatResponse, error) {
	if err := p.allowUpstream(); err != nil {
		return nil, err
	}
	ctx, span := p.tracer.Start(ctx, "airlock.upstream")
	defer span.End()

	start := p.now()
	resp, err := p.upstream.ChatCompletion(ctx, req)
	p.observeUpstream(req.Model, p.now().Sub(start))
	if err != nil {
		span.RecordError(err)
		p.recordUpstreamError(err)
		return nil, err
	}
	if p.breaker != nil {
		p.breaker.RecordSuccess()
	}
	return resp, nil
}

func (p *Pipeline) allowUpstream() error {
	if p.breaker == nil || p.breaker.Allow() {
		return nil
	}
	if p.metrics != nil {
		p.metrics.UpstreamErrors.WithLabelValues("breaker_open").Inc()
	}
	return airlock.ErrCircuitOpen
}

func (p *Pipeline) observeUpstream(model string, d time.Duration) {
	if p.metrics != nil {
		p.metrics.UpstreamDuration.WithLabelValues(model).Observe(d.Seconds())
	}
}

func (p *Pipeline) recordUpstreamError(err error) {
	if p.breaker != nil {
		p.breaker.RecordError(circuitbreaker.ClassifyError(err))
	}
	if p.metrics != nil {
		p.metrics.UpstreamErrors.WithLabelValues(upstreamErrorType(err)).Inc()
	}
}

// failUpstream releases a request whose upstream call failed. Error bodies
// are restored before they propagate so upstream echoes of anonymized input
// reach the client with original values.
func (p *Pipeline) failUpstream(ctx context.Context, tenant, requestID string, mappings map[string]string, err error) {
	var he *airlock.UpstreamHTTPError
	if errors.As(err, &he) && len(mappings) > 0 && len(he.Body) > 0 {
		he.Body = []byte(p.deanon.Restore(string(he.Body), mappings).Text)
	}
	status := 0
	if he != nil {
		status = he.StatusCode
	}
	p.emit(ctx, &audit.Event{
		Type:         audit.EventAPIError,
		Tenant:       tenant,
		StatusCode:   status,
		ErrorMessage: err.Error(),
	})
	p.dropMappings(ctx, tenant, requestID, mappings)
}

// restoreResponse rewrites placeholders in every choice back to the
// original values.
func (p *Pipeline) restoreResponse(ctx context.Context, tenant string, resp *airlock.ChatResponse, mappings map[string]string) {
	if len(mappings) == 0 {
		return
	}
	_, span := p.tracer.Start(ctx, "airlock.deanonymize")
	defer span.End()

	replaced, fuzzy, unresolved := 0, 0, 0
	for i := range resp.Choices {
		r := p.deanon.Restore(resp.Choices[i].Message.Content, mappings)
		resp.Choices[i].Message.Content = r.Text
		replaced += r.Replaced
		fuzzy += r.FuzzyReplaced
		unresolved += len(r.Unresolved)
	}
	span.SetAttributes(
		attribute.Int("restored", replaced+fuzzy),
		attribute.Int("unresolved", unresolved),
	)
	if replaced+fuzzy > 0 {
		var meta map[string]string
		if fuzzy > 0 {
			meta = map[string]string{"fuzzy": strconv.Itoa(fuzzy)}
		}
		p.emit(ctx, &audit.Event{
			Type:        audit.EventPIIDeanonymized,
			Tenant:      tenant,
			EntityCount: replaced + fuzzy,
			Metadata:    meta,
		})
	}
}

// finish settles quota against reported or estimated usage, drops the
// mapping and writes the response audit record.
func (p *Pipeline) finish(ctx context.Context, tenant, requestID string, resp *airlock.ChatResponse, mappings map[string]string, estimate int, started time.Time) {
	var tokens int64
	if resp.Usage != nil && resp.Usage.TotalTokens > 0 {
		tokens = int64(resp.Usage.TotalTokens)
	} else {
		completion := 0
		for _, c := range resp.Choices {
			completion += p.counter.CountText(resp.Model, c.Message.Content)
		}
		tokens = int64(estimate + completion)
	}
	if p.quota != nil {
		p.quota.Record(tenant, quota.ResourceTokens, tokens)
	}
	p.dropMappings(ctx, tenant, requestID, mappings)
	p.emit(ctx, &audit.Event{
		Type:       audit.EventAPIResponse,
		Tenant:     tenant,
		StatusCode: http.StatusOK,
		Metadata: map[string]string{
			"model":       resp.Model,
			"cache":       "miss",
			"tokens":      strconv.FormatInt(tokens, 10),
			"duration_ms": strconv.FormatInt(p.now().Sub(started).Milliseconds(), 10),
		},
	})
}

func (p *Pipeline) emit(ctx context.Context, e *audit.Event) {
	if p.auditor != nil {
		p.auditor.Emit(ctx, e)
	}
}

func tenantFrom(ctx context.Context) string {
	if id := airlock.IdentityFromContext(ctx); id != nil && id.Tenant != "" {
		return id.Tenant
	}
	return airlock.DefaultTenantID
}

// requestScope resolves the tenant and request ID for one pipeline call,
// minting an ID when the transport layer did not set one.
func requestScope(ctx context.Context) (context.Context, string, string) {
	tenant := tenantFrom(ctx)
	requestID := airlock.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = uuid.Must(uuid.NewV7()).String()
		ctx = airlock.ContextWithRequestID(ctx, requestID)
	}
	return ctx, tenant, requestID
}

func upstreamErrorType(err error) string {
	if errors.Is(err, airlock.ErrUpstreamTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var he *airlock.UpstreamHTTPError
	if errors.As(err, &he) {
		return "http_" + strconv.Itoa(he.StatusCode)
	}
	if errors.Is(err, airlock.ErrUpstreamUnavailable) {
		return "unavailable"
	}
	return "transport"
}

// entitySummary renders applied counts as "EMAIL=1,PERSON=2" for audit
// metadata, sorted so records are comparable.
func entitySummary(counts map[airlock.EntityType]int) string {
	if len(counts) == 0 {
		return ""
	}
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, string(t))
	}
	sort.Strings(types)
	var b strings.Builder
	for i, t := range types {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%d", t, counts[airlock.EntityType(t)])
	}
	return b.String()
}
