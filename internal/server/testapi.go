package server

import (
	"net/http"

	airlock "github.com/eugener/airlock/internal"
	"github.com/eugener/airlock/internal/anonymize"
)

// The test API runs the anonymization engine outside the proxy pipeline so
// operators can see what a given text turns into. Strategy overrides build
// a throwaway engine; the shared one is never mutated.

type testAnonymizeRequest struct {
	Text string `json:"text"`
	// Strategy applies one kind to every entity type.
	Strategy string `json:"strategy,omitempty"`
	// EntityStrategies overrides per type, e.g. {"EMAIL": "hash"}.
	EntityStrategies map[string]string `json:"entity_strategies,omitempty"`
}

type testDetection struct {
	Type        airlock.EntityType `json:"entity_type"`
	Start       int                `json:"start"`
	End         int                `json:"end"`
	Score       float64            `json:"score"`
	Replacement string             `json:"replacement"`
	Strategy    string             `json:"strategy"`
	Reversible  bool               `json:"reversible"`
}

type testAnonymizeResponse struct {
	Anonymized string            `json:"anonymized"`
	Detections []testDetection   `json:"detections"`
	Mapping    map[string]string `json:"mapping"`
}

func (s *server) handleTestAnonymize(w http.ResponseWriter, r *http.Request) {
	var req testAnonymizeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Text == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse("text is required", "invalid_request_error", ""))
		return
	}

	engine := s.deps.Engine
	if req.Strategy != "" || len(req.EntityStrategies) > 0 {
		strategies := engine.Strategies()
		if req.Strategy != "" {
			kind, err := anonymize.ParseKind(req.Strategy)
			if err != nil {
				writeJSON(w, http.StatusBadRequest,
					errorResponse(err.Error(), "invalid_request_error", ""))
				return
			}
			for t := range strategies {
				strategies[t] = anonymize.Strategy{Kind: kind}
			}
		}
		for typeName, stratName := range req.EntityStrategies {
			kind, err := anonymize.ParseKind(stratName)
			if err != nil {
				writeJSON(w, http.StatusBadRequest,
					errorResponse(err.Error(), "invalid_request_error", ""))
				return
			}
			strategies[airlock.EntityType(typeName)] = anonymize.Strategy{Kind: kind}
		}
		engine = anonymize.NewEngine(anonymize.EngineConfig{
			Registry:   s.deps.Engine.Registry(),
			Strategies: strategies,
			Logger:     s.log,
		})
	}

	sess := anonymize.NewSession(airlock.RequestIDFromContext(r.Context()))
	res := engine.AnonymizeText(r.Context(), req.Text, sess)

	detections := make([]testDetection, len(res.Applied))
	for i, a := range res.Applied {
		detections[i] = testDetection{
			Type:        a.Type,
			Start:       a.Start,
			End:         a.End,
			Score:       a.Score,
			Replacement: a.Replacement,
			Strategy:    a.Strategy.String(),
			Reversible:  a.Reversible,
		}
	}
	mapping := res.Mappings
	if mapping == nil {
		mapping = map[string]string{}
	}

	writeJSON(w, http.StatusOK, testAnonymizeResponse{
		Anonymized: res.Text,
		Detections: detections,
		Mapping:    mapping,
	})
}

type testDeanonymizeRequest struct {
	Text string `json:"text"`
	// Mapping pairs placeholder -> original, as returned by anonymize.
	Mapping map[string]string `json:"mapping"`
}

type testDeanonymizeResponse struct {
	Deanonymized  string   `json:"deanonymized"`
	Replaced      int      `json:"replaced"`
	FuzzyReplaced int      `json:"fuzzy_replaced,omitempty"`
	Unresolved    []string `json:"unresolved,omitempty"`
}

func (s *server) handleTestDeanonymize(w http.ResponseWriter, r *http.Request) {
	var req testDeanonymizeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Text == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse("text is required", "invalid_request_error", ""))
		return
	}

	res := s.deps.Deanonymizer.Restore(req.Text, req.Mapping)
	writeJSON(w, http.StatusOK, testDeanonymizeResponse{
		Deanonymized:  res.Text,
		Replaced:      res.Replaced,
		FuzzyReplaced: res.FuzzyReplaced,
		Unresolved:    res.Unresolved,
	})
}
