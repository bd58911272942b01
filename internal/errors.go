package airlock

import (
	"errors"
	"fmt"
)

// Sentinel errors for the airlock domain.
var (
	ErrUnauthorized        = errors.New("unauthorized")
	ErrForbidden           = errors.New("forbidden")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrValidation          = errors.New("invalid request")
	ErrQuotaExceeded       = errors.New("quota exceeded")
	ErrSecretDetected      = errors.New("request blocked by security policy")
	ErrMappingExpired      = errors.New("anonymization mapping expired")
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrKeyExpired          = errors.New("api key expired")
	ErrKeyRevoked          = errors.New("api key revoked")
	ErrTenantDisabled      = errors.New("tenant disabled")
)

// ErrCircuitOpen is returned when the upstream breaker rejects a call
// before dialing. It matches ErrUpstreamUnavailable under errors.Is but
// maps to its own HTTP status: the upstream may be fine, the proxy is
// backing off.
var ErrCircuitOpen = fmt.Errorf("%w: circuit open", ErrUpstreamUnavailable)

// UpstreamHTTPError carries a non-2xx upstream status and body so the proxy
// can propagate them to the client after deanonymizing the payload.
type UpstreamHTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *UpstreamHTTPError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.StatusCode)
}

// HTTPStatus exposes the status code for error classification.
func (e *UpstreamHTTPError) HTTPStatus() int { return e.StatusCode }

// QuotaError reports which budget was exhausted. It wraps ErrQuotaExceeded
// so errors.Is classification keeps working.
type QuotaError struct {
	Tenant   string
	Resource string // "requests" or "tokens"
	Period   string // "hourly", "daily", "monthly"
	Limit    int64
	Current  int64
	ResetAt  int64 // unix seconds
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded: tenant=%s %s/%s limit=%d current=%d",
		e.Tenant, e.Resource, e.Period, e.Limit, e.Current)
}

func (e *QuotaError) Unwrap() error { return ErrQuotaExceeded }
