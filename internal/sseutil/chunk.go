package sseutil

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// RewriteDeltas passes every choices[i].delta.content string in a
// chat-completion chunk through restore and splices the result back
// into the raw JSON, leaving all other fields byte-for-byte intact.
// restore receives the choice index the upstream declared (falling
// back to array position) so per-choice stream state stays separate.
// Chunks without string content come back unchanged.
func RewriteDeltas(data []byte, restore func(choice int, content string) string) []byte {
	out := data
	for pos, choice := range gjson.GetBytes(data, "choices").Array() {
		content := choice.Get("delta.content")
		if content.Type != gjson.String {
			continue
		}
		idx := pos
		if v := choice.Get("index"); v.Exists() {
			idx = int(v.Int())
		}
		restored := restore(idx, content.Str)
		if restored == content.Str {
			continue
		}
		updated, err := sjson.SetBytes(out, fmt.Sprintf("choices.%d.delta.content", pos), restored)
		if err != nil {
			continue
		}
		out = updated
	}
	return out
}

// BuildDeltaChunk builds a chat.completion.chunk JSON object carrying
// content the stream buffer held back for one choice. It is emitted ahead
// of whatever closes the stream, the finish_reason event or the terminal
// [DONE], when text is still buffered.
func BuildDeltaChunk(id, model string, created int64, choice int, content string) []byte {
	chunk := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": created,
		"model":   model,
		"choices": []map[string]any{{
			"index":         choice,
			"delta":         map[string]any{"content": content},
			"finish_reason": nil,
		}},
	}
	b, _ := json.Marshal(chunk)
	return b
}

// ChunkMeta extracts the envelope fields needed to synthesize a
// trailing chunk with the same identity as the stream it closes.
func ChunkMeta(data []byte) (id, model string, created int64) {
	return gjson.GetBytes(data, "id").String(),
		gjson.GetBytes(data, "model").String(),
		gjson.GetBytes(data, "created").Int()
}

// FinishReason returns the first non-empty finish_reason in the chunk,
// or "" when no choice has finished yet.
func FinishReason(data []byte) string {
	for _, choice := range gjson.GetBytes(data, "choices").Array() {
		if fr := choice.Get("finish_reason"); fr.Type == gjson.String && fr.Str != "" {
			return fr.Str
		}
	}
	return ""
}
