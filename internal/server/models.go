package server

import (
	"net/http"
	"time"
)

// builtinModels is the OpenAI-compatible baseline every deployment
// advertises, regardless of what the upstream actually hosts. Aliases
// from the upstream config are merged in behind them.
var builtinModels = []string{"gpt-4", "gpt-4-turbo", "gpt-3.5-turbo"}

// handleListModels returns the static model list merged with the
// configured upstream aliases.
func (s *server) handleListModels(w http.ResponseWriter, _ *http.Request) {
	now := time.Now().Unix()
	seen := make(map[string]bool, len(builtinModels)+len(s.deps.Models))
	data := make([]modelEntry, 0, len(builtinModels)+len(s.deps.Models))

	for _, m := range builtinModels {
		seen[m] = true
		data = append(data, modelEntry{
			ID:      m,
			Object:  "model",
			Created: now,
			OwnedBy: "openai",
		})
	}

	ownedBy := s.deps.UpstreamName
	if ownedBy == "" {
		ownedBy = "system"
	}
	for _, m := range s.deps.Models {
		if seen[m] {
			continue
		}
		seen[m] = true
		data = append(data, modelEntry{
			ID:      m,
			Object:  "model",
			Created: now,
			OwnedBy: ownedBy,
		})
	}

	writeJSON(w, http.StatusOK, modelListResponse{
		Object: "list",
		Data:   data,
	})
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelListResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}
