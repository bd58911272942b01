package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	airlock "github.com/eugener/airlock/internal"
)

// maxChatBody caps chat completion request bodies at 10 MB. Large prompts
// are normal; multi-megabyte ones are not.
const maxChatBody = 10 << 20

// streamKeepAlive is how often an SSE comment goes out while the upstream
// is quiet, so intermediate proxies do not drop the connection.
const streamKeepAlive = 15 * time.Second

func (s *server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxChatBody)
	var req airlock.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse("invalid request body: "+err.Error(), "invalid_request_error", ""))
		return
	}

	// Token rates charge the prompt estimate up front; the unary path
	// settles against real usage below. Streams keep the estimate: their
	// usage lands inside the pipeline, after the limiter stops mattering.
	lim := limiterFromContext(r.Context())
	var estimate int64
	if lim != nil && s.deps.Counter != nil {
		estimate = int64(s.deps.Counter.EstimateRequest(req.Model, req.Messages))
		if res := lim.ConsumeTokens(estimate); !res.Allowed {
			s.rejectRateLimited(w, r, "tokens", res)
			return
		}
	}

	if req.Stream {
		s.handleChatCompletionStream(w, r, &req)
		return
	}

	resp, err := s.deps.Chat.ChatCompletion(r.Context(), &req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if lim != nil && resp.Usage != nil && resp.Usage.TotalTokens > 0 {
		lim.AdjustTokens(estimate - int64(resp.Usage.TotalTokens))
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleChatCompletionStream relays SSE chunks from the pipeline. Errors
// before the first byte map to a plain HTTP error; errors mid-stream
// become an error frame followed by [DONE], because the status line is
// already gone.
func (s *server) handleChatCompletionStream(w http.ResponseWriter, r *http.Request, req *airlock.ChatRequest) {
	ch, err := s.deps.Chat.ChatCompletionStream(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeSSEHeaders(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				writeSSEDone(w)
				flusher.Flush()
				return
			}
			if chunk.Err != nil {
				slog.LogAttrs(r.Context(), slog.LevelError, "stream error",
					slog.String("error", chunk.Err.Error()),
					slog.String("request_id", airlock.RequestIDFromContext(r.Context())),
				)
				writeSSEError(w, chunk.Err)
				writeSSEDone(w)
				flusher.Flush()
				return
			}
			if chunk.Done {
				writeSSEDone(w)
				flusher.Flush()
				return
			}
			writeSSEData(w, chunk.Data)
			flusher.Flush()

		case <-keepAlive.C:
			writeSSEKeepAlive(w)
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
