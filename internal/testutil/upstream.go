// Package testutil provides an in-process OpenAI-compatible upstream for
// integration tests. The default behavior echoes the last message back,
// placeholders untouched, which is what a well-behaved model does.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	airlock "github.com/eugener/airlock/internal"
)

// UpstreamServer is a fake chat-completions API over httptest. It
// understands both the JSON and the SSE response modes and records every
// request it receives.
type UpstreamServer struct {
	*httptest.Server

	// Respond replaces the echo behavior when set. The request body has
	// already been decoded and recorded.
	Respond func(w http.ResponseWriter, req *airlock.ChatRequest)

	// ModelIDs is what GET /models advertises.
	ModelIDs []string

	mu       sync.Mutex
	requests []*airlock.ChatRequest
}

// NewUpstreamServer starts the fake upstream and registers its shutdown
// with t.Cleanup.
func NewUpstreamServer(t *testing.T) *UpstreamServer {
	t.Helper()
	s := &UpstreamServer{ModelIDs: []string{"gpt-4o"}}

	mux := http.NewServeMux()
	mux.HandleFunc("/chat/completions", s.handleChat)
	mux.HandleFunc("/models", s.handleModels)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Server.Close)
	return s
}

// Requests returns a copy of every chat request received so far.
func (s *UpstreamServer) Requests() []*airlock.ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*airlock.ChatRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

// LastRequest returns the most recent chat request, or nil.
func (s *UpstreamServer) LastRequest() *airlock.ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return nil
	}
	return s.requests[len(s.requests)-1]
}

func (s *UpstreamServer) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req airlock.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.requests = append(s.requests, &req)
	s.mu.Unlock()

	if s.Respond != nil {
		s.Respond(w, &req)
		return
	}
	last := req.Messages[len(req.Messages)-1].Content
	if req.Stream {
		s.streamEcho(w, req.Model, last)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(EchoResponse(req.Model, last)) //nolint:errcheck
}

// streamEcho replays the content as two SSE delta chunks followed by a
// finish chunk and the done sentinel.
func (s *UpstreamServer) streamEcho(w http.ResponseWriter, model, content string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)

	half := len(content) / 2
	for _, part := range []string{content[:half], content[half:]} {
		fmt.Fprintf(w, "data: %s\n\n", deltaJSON(model, part, ""))
	}
	fmt.Fprintf(w, "data: %s\n\n", deltaJSON(model, "", "stop"))
	fmt.Fprint(w, "data: [DONE]\n\n")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *UpstreamServer) handleModels(w http.ResponseWriter, _ *http.Request) {
	type entry struct {
		ID string `json:"id"`
	}
	data := make([]entry, len(s.ModelIDs))
	for i, id := range s.ModelIDs {
		data[i] = entry{ID: id}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data}) //nolint:errcheck
}

// EchoResponse builds a completion whose assistant message is content.
func EchoResponse(model, content string) *airlock.ChatResponse {
	return &airlock.ChatResponse{
		ID:      "chatcmpl-testutil",
		Object:  "chat.completion",
		Created: 1700000000,
		Model:   model,
		Choices: []airlock.Choice{{
			Index:        0,
			Message:      airlock.Message{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: &airlock.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

func deltaJSON(model, content, finish string) string {
	finishJSON := "null"
	if finish != "" {
		finishJSON = strconv.Quote(finish)
	}
	return `{"id":"chatcmpl-testutil","object":"chat.completion.chunk","created":1700000000,` +
		`"model":` + strconv.Quote(model) + `,"choices":[{"index":0,"delta":{"content":` +
		strconv.Quote(content) + `},"finish_reason":` + finishJSON + `}]}`
}
