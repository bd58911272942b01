package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"testing"

	airlock "github.com/eugener/airlock/internal"
)

func TestClassifyError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want float64
	}{
		{"nil", nil, 0},
		{"429", &airlock.UpstreamHTTPError{StatusCode: 429}, 0.5},
		{"500", &airlock.UpstreamHTTPError{StatusCode: 500}, 1.0},
		{"502", &airlock.UpstreamHTTPError{StatusCode: 502}, 1.0},
		{"503", &airlock.UpstreamHTTPError{StatusCode: 503}, 1.0},
		{"529", &airlock.UpstreamHTTPError{StatusCode: 529}, 1.0},
		{"400", &airlock.UpstreamHTTPError{StatusCode: 400}, 0.0},
		{"401", &airlock.UpstreamHTTPError{StatusCode: 401}, 0.0},
		{"404", &airlock.UpstreamHTTPError{StatusCode: 404}, 0.0},
		{"upstream_timeout", airlock.ErrUpstreamTimeout, 1.5},
		{"wrapped_upstream_timeout", fmt.Errorf("call: %w", airlock.ErrUpstreamTimeout), 1.5},
		{"context_deadline", context.DeadlineExceeded, 1.5},
		{"os_deadline", os.ErrDeadlineExceeded, 1.5},
		{"upstream_unavailable", airlock.ErrUpstreamUnavailable, 1.0},
		{"wrapped_unavailable", fmt.Errorf("call: %w", airlock.ErrUpstreamUnavailable), 1.0},
		{"network_error", &net.OpError{Op: "dial", Err: errors.New("refused")}, 1.0},
		{"generic_error", errors.New("something broke"), 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := ClassifyError(tt.err)
			if got != tt.want {
				t.Errorf("ClassifyError(%v) = %f, want %f", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassifyErrorWrappedStatus(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("upstream: %w", &airlock.UpstreamHTTPError{StatusCode: 502})
	if got := ClassifyError(wrapped); got != 1.0 {
		t.Errorf("wrapped 502 = %f, want 1.0", got)
	}
}
