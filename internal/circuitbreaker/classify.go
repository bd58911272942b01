package circuitbreaker

import (
	"context"
	"errors"
	"net"
	"os"

	airlock "github.com/eugener/airlock/internal"
)

// ClassifyError maps an upstream call outcome to its breaker weight.
//
//   - timeout (context or upstream deadline)  -> 1.5
//   - 5xx, transport failure, unavailable     -> 1.0
//   - 429                                     -> 0.5
//   - other 4xx (client fault, not upstream)  -> 0.0
//   - nil                                     -> 0.0
func ClassifyError(err error) float64 {
	if err == nil {
		return 0
	}

	if errors.Is(err, airlock.ErrUpstreamTimeout) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, os.ErrDeadlineExceeded) {
		return 1.5
	}

	var he *airlock.UpstreamHTTPError
	if errors.As(err, &he) {
		return classifyStatus(he.StatusCode)
	}

	if errors.Is(err, airlock.ErrUpstreamUnavailable) {
		return 1.0
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return 1.0
	}

	// Anything else that reached the wire counts as upstream fault.
	return 1.0
}

func classifyStatus(code int) float64 {
	switch {
	case code == 429:
		return 0.5
	case code >= 500:
		return 1.0
	default:
		return 0.0
	}
}
