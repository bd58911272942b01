package server

import (
	"net/http"

	"github.com/eugener/airlock/internal/circuitbreaker"
)

// Pre-allocated response body and header value slice.
// okBody avoids a []byte("ok") heap escape per call.
// plainCT avoids the []string{v} alloc from Header.Set (see errors.go:jsonCT).
// Together they save 3 allocs/req per probe.
var (
	okBody       = []byte("ok")
	notReadyBody = []byte("not ready")
	plainCT      = []string{"text/plain"}
)

func (s *server) handleLive(w http.ResponseWriter, _ *http.Request) {
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}

func (s *server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Breaker != nil && s.deps.Breaker.State() == circuitbreaker.StateOpen {
		w.Header()["Content-Type"] = plainCT
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write(notReadyBody)
		return
	}
	if s.deps.ReadyCheck != nil {
		if err := s.deps.ReadyCheck(r.Context()); err != nil {
			w.Header()["Content-Type"] = plainCT
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write(notReadyBody)
			return
		}
	}
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}

// handleHealth reports overall status and per-component detail. Probes
// that only need a yes/no should hit /live or /ready instead.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type health struct {
		Status     string         `json:"status"`
		Components map[string]any `json:"components"`
	}

	h := health{Status: "ok", Components: make(map[string]any, 5)}

	if s.deps.Breaker != nil {
		state := s.deps.Breaker.State()
		h.Components["upstream"] = state.String()
		if state == circuitbreaker.StateOpen {
			h.Status = "degraded"
		}
	}
	if s.deps.Mappings != nil {
		h.Components["mappings"] = s.deps.Mappings.Len()
	}
	if s.deps.Cache != nil {
		h.Components["cache_entries"] = s.deps.Cache.Stats().Entries
	}
	if s.deps.Compliance != nil {
		st := s.deps.Compliance.Status()
		if st.ActivePreset != "" {
			h.Components["compliance_preset"] = st.ActivePreset
		}
	}
	if s.deps.ReadyCheck != nil {
		if err := s.deps.ReadyCheck(r.Context()); err != nil {
			h.Components["store"] = err.Error()
			h.Status = "degraded"
		} else {
			h.Components["store"] = "ok"
		}
	}

	status := http.StatusOK
	if h.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}
