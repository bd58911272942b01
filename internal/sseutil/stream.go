package sseutil

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"

	airlock "github.com/eugener/airlock/internal"
)

// ReadStream reads SSE lines from resp and forwards the data payloads
// on ch as StreamChunks. It recognizes the "[DONE]" sentinel and pulls
// token usage out of the final chunk when the upstream reports it.
// The channel is closed when the stream ends and resp.Body is always
// closed. Callers must drain ch until it is closed.
func ReadStream(ctx context.Context, name string, resp *http.Response, ch chan<- airlock.StreamChunk) {
	defer close(ch)
	defer resp.Body.Close()

	scanner := NewScanner(resp.Body)
	for scanner.Scan() {
		field, data, ok := ParseSSELine(scanner.Text())
		if !ok || field != "data" {
			continue
		}
		if data == "[DONE]" {
			ch <- airlock.StreamChunk{Done: true}
			return
		}

		chunk := airlock.StreamChunk{Data: []byte(data)}
		if u := gjson.GetBytes(chunk.Data, "usage"); u.Exists() && u.Type == gjson.JSON {
			var usage airlock.Usage
			if json.Unmarshal([]byte(u.Raw), &usage) == nil && usage.TotalTokens > 0 {
				chunk.Usage = &usage
			}
		}

		select {
		case ch <- chunk:
		case <-ctx.Done():
			ch <- airlock.StreamChunk{Err: ctx.Err()}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		ch <- airlock.StreamChunk{Err: fmt.Errorf("%s: read stream: %w", name, err)}
	}
}
