package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	airlock "github.com/eugener/airlock/internal"
)

// apiError is the OpenAI-compatible error envelope.
type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

func errorResponse(msg, typ, code string) apiError {
	var e apiError
	e.Error.Message = msg
	e.Error.Type = typ
	e.Error.Code = code
	return e
}

// errorStatus maps a pipeline error to its HTTP status and OpenAI error
// body. The secret-detection message is already generic; everything the
// client sees here is safe to forward.
func errorStatus(err error) (int, apiError) {
	var he *airlock.UpstreamHTTPError
	var qe *airlock.QuotaError
	switch {
	case errors.As(err, &qe):
		return http.StatusTooManyRequests, errorResponse(qe.Error(), "quota_exceeded", "quota_exceeded")
	case errors.Is(err, airlock.ErrQuotaExceeded):
		return http.StatusTooManyRequests, errorResponse(err.Error(), "quota_exceeded", "quota_exceeded")
	case errors.Is(err, airlock.ErrSecretDetected):
		return http.StatusBadRequest, errorResponse(airlock.ErrSecretDetected.Error(), "invalid_request_error", "secret_detected")
	case errors.Is(err, airlock.ErrValidation):
		return http.StatusUnprocessableEntity, errorResponse(err.Error(), "invalid_request_error", "")
	case errors.Is(err, airlock.ErrUnauthorized),
		errors.Is(err, airlock.ErrKeyExpired),
		errors.Is(err, airlock.ErrKeyRevoked),
		errors.Is(err, airlock.ErrTenantDisabled):
		return http.StatusUnauthorized, errorResponse(err.Error(), "authentication_error", "")
	case errors.Is(err, airlock.ErrForbidden):
		return http.StatusUnauthorized, errorResponse(err.Error(), "authentication_error", "insufficient_scope")
	case errors.Is(err, airlock.ErrNotFound):
		return http.StatusNotFound, errorResponse(err.Error(), "invalid_request_error", "not_found")
	case errors.Is(err, airlock.ErrConflict):
		return http.StatusConflict, errorResponse(err.Error(), "invalid_request_error", "conflict")
	case errors.Is(err, airlock.ErrMappingExpired):
		return http.StatusInternalServerError, errorResponse("internal error", "internal_error", "mapping_expired")
	case errors.Is(err, airlock.ErrUpstreamTimeout):
		return http.StatusGatewayTimeout, errorResponse(err.Error(), "upstream_error", "timeout")
	case errors.Is(err, airlock.ErrCircuitOpen):
		return http.StatusServiceUnavailable, errorResponse(err.Error(), "upstream_error", "circuit_open")
	case errors.Is(err, airlock.ErrUpstreamUnavailable):
		return http.StatusBadGateway, errorResponse(err.Error(), "upstream_error", "")
	case errors.As(err, &he):
		// Never reached for body passthrough; writeError handles it first.
		return he.StatusCode, errorResponse(he.Error(), "upstream_error", "")
	default:
		return http.StatusInternalServerError, errorResponse("internal error", "internal_error", "")
	}
}

// writeError translates err and writes the response. Upstream HTTP errors
// pass their (already deanonymized) body through verbatim; quota errors
// advertise when the window resets.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var he *airlock.UpstreamHTTPError
	if errors.As(err, &he) && len(he.Body) > 0 {
		w.Header()["Content-Type"] = jsonCT
		w.WriteHeader(he.StatusCode)
		w.Write(he.Body)
		return
	}

	var qe *airlock.QuotaError
	if errors.As(err, &qe) && qe.ResetAt > 0 {
		if secs := qe.ResetAt - time.Now().Unix(); secs > 0 {
			w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		}
	}

	status, body := errorStatus(err)
	if status >= http.StatusInternalServerError {
		slog.LogAttrs(r.Context(), slog.LevelError, "request failed",
			slog.Int("status", status),
			slog.String("error", err.Error()),
			slog.String("request_id", airlock.RequestIDFromContext(r.Context())),
		)
	}
	writeJSON(w, status, body)
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
