package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	airlock "github.com/eugener/airlock/internal"
)

// fingerprintPayload fixes the set and order of fields that identify a
// cacheable request. Sampling parameters that change the output are in;
// transport noise like stream flags and user tags is out.
type fingerprintPayload struct {
	Tenant           string       `json:"tenant"`
	Model            string       `json:"model"`
	Messages         []fpMessage  `json:"messages"`
	Temperature      *float64     `json:"temperature,omitempty"`
	TopP             *float64     `json:"top_p,omitempty"`
	MaxTokens        *int         `json:"max_tokens,omitempty"`
	PresencePenalty  *float64     `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64     `json:"frequency_penalty,omitempty"`
}

type fpMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Fingerprint derives the cache key for a request. It must be computed
// over the anonymized message bodies so the cache never stores a key
// derived from raw PII.
func Fingerprint(tenant string, req *airlock.ChatRequest) string {
	p := fingerprintPayload{
		Tenant:           tenant,
		Model:            req.Model,
		Messages:         make([]fpMessage, len(req.Messages)),
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		MaxTokens:        req.MaxTokens,
		PresencePenalty:  req.PresencePenalty,
		FrequencyPenalty: req.FrequencyPenalty,
	}
	for i, m := range req.Messages {
		p.Messages[i] = fpMessage{Role: m.Role, Content: m.Content}
	}
	raw, _ := json.Marshal(p)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
