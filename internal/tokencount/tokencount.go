// Package tokencount provides token estimation for TPM rate limiting and
// quota reservation. Uses a character-based heuristic (~4 chars per token
// for English) which is sufficient for budgeting; reservations are trued
// up against the usage block the upstream reports.
package tokencount

import (
	airlock "github.com/eugener/airlock/internal"
)

// Counter estimates token counts for requests and text.
type Counter struct{}

// NewCounter creates a new Counter.
func NewCounter() *Counter {
	return &Counter{}
}

// EstimateRequest estimates the total token count for a chat completion
// request. Accounts for message overhead (role, formatting) per the
// OpenAI tokenization spec.
func (c *Counter) EstimateRequest(model string, messages []airlock.Message) int {
	total := 0
	overhead := messageOverhead(model)
	for _, m := range messages {
		total += overhead
		total += estimateTokens(m.Role)
		total += estimateTokens(m.Content)
		if m.Name != "" {
			total += estimateTokens(m.Name) + 1 // name costs 1 extra token
		}
	}
	total += 3 // every reply is primed with <|start|>assistant<|message|>
	return max(total, 1)
}

// CountText estimates tokens for a plain text string.
func (c *Counter) CountText(_ string, text string) int {
	return max(estimateTokens(text), 1)
}

// CountLen estimates tokens for n bytes of accumulated text. Stream relays
// use it to true up token usage without retaining the content they forwarded.
func (c *Counter) CountLen(n int) int {
	if n <= 0 {
		return 0
	}
	return (n + 3) / 4
}

// estimateTokens uses ~4 characters per token heuristic.
// This is a reasonable approximation for English text with GPT-family tokenizers.
func estimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	// ~4 bytes per token for English; ceil division.
	return (len(s) + 3) / 4
}

// messageOverhead returns per-message token overhead.
// GPT-4o and newer use 4 tokens per message; older models use 3.
func messageOverhead(_ string) int {
	return 4
}
