package server

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"

	airlock "github.com/eugener/airlock/internal"
	"github.com/eugener/airlock/internal/audit"
	"github.com/eugener/airlock/internal/quota"
)

// limiterKey carries the tenant's limiter from the middleware to the chat
// handler, which settles token rates once the prompt size is known.
type limiterKey struct{}

func contextWithLimiter(ctx context.Context, lim *quota.Limiter) context.Context {
	return context.WithValue(ctx, limiterKey{}, lim)
}

func limiterFromContext(ctx context.Context) *quota.Limiter {
	lim, _ := ctx.Value(limiterKey{}).(*quota.Limiter)
	return lim
}

// rateLimit enforces the tenant's request rate ahead of the pipeline.
// Tenants without configured rates pass through without a bucket.
func (s *server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lim := s.limiterFor(r.Context())
		if lim == nil {
			next.ServeHTTP(w, r)
			return
		}
		res := lim.AllowRequest()
		if res.Limit > 0 {
			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
			h.Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
		}
		if !res.Allowed {
			s.rejectRateLimited(w, r, "requests", res)
			return
		}
		next.ServeHTTP(w, r.WithContext(contextWithLimiter(r.Context(), lim)))
	})
}

// limiterFor resolves the caller's limiter from the tenant record. Rates
// are validated at boot, so a parse failure here means the record changed
// underneath us; treat it as unlimited rather than locking the tenant out.
func (s *server) limiterFor(ctx context.Context) *quota.Limiter {
	if s.deps.RateLimits == nil || s.deps.Tenants == nil {
		return nil
	}
	identity := airlock.IdentityFromContext(ctx)
	if identity == nil {
		return nil
	}
	tenant, ok := s.deps.Tenants.Get(identity.Tenant)
	if !ok {
		return nil
	}
	limits, err := quota.LimitsFromTenant(tenant)
	if err != nil || limits == (quota.Limits{}) {
		return nil
	}
	return s.deps.RateLimits.GetOrCreate(tenant.ID, limits)
}

// rejectRateLimited writes the 429 with Retry-After and leaves an audit
// trail. resource is "requests" or "tokens".
func (s *server) rejectRateLimited(w http.ResponseWriter, r *http.Request, resource string, res quota.Result) {
	retry := int(math.Ceil(res.RetryAfterSeconds))
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))

	tenant := ""
	if identity := airlock.IdentityFromContext(r.Context()); identity != nil {
		tenant = identity.Tenant
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.QuotaExceeded.WithLabelValues(tenant, resource+"_per_minute").Inc()
	}
	msg := fmt.Sprintf("rate limit exceeded: %d %s per minute", res.Limit, resource)
	if s.deps.Audit != nil {
		s.deps.Audit.Emit(r.Context(), &audit.Event{
			Type:         audit.EventRateLimitExceeded,
			Tenant:       tenant,
			SourceIP:     clientIP(r),
			UserAgent:    r.UserAgent(),
			Endpoint:     r.URL.Path,
			Method:       r.Method,
			ErrorMessage: msg,
		})
	}
	writeJSON(w, http.StatusTooManyRequests,
		errorResponse(msg, "quota_exceeded", "rate_limit_exceeded"))
}
