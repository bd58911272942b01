package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	airlock "github.com/eugener/airlock/internal"
	"github.com/eugener/airlock/internal/sseutil"
)

// maxErrorBody caps how much of an upstream error body is retained for
// passthrough to the client.
const maxErrorBody = 64 * 1024

var _ airlock.Upstream = (*Client)(nil)

// Client speaks the OpenAI chat-completions wire format to a single
// configured base URL. Credentials are injected by the http.Client's
// transport chain, never by the request builders here.
type Client struct {
	name    string
	baseURL string
	http    *http.Client
}

// New creates a Client for baseURL. name identifies the upstream in logs
// and metrics. A nil client falls back to http.DefaultClient semantics
// with no pooling; production callers pass a client built on
// NewTransport with a credential RoundTripper.
func New(name, baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    client,
	}
}

// Name returns the configured upstream identifier.
func (c *Client) Name() string { return c.name }

// ChatCompletion sends a non-streaming chat completion request.
func (c *Client) ChatCompletion(ctx context.Context, req *airlock.ChatRequest) (*airlock.ChatResponse, error) {
	resp, err := c.post(ctx, "/chat/completions", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readHTTPError(resp)
	}

	var out airlock.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", c.name, err)
	}
	return &out, nil
}

// ChatCompletionStream sends a streaming chat completion request. Raw SSE
// data payloads arrive on the returned channel; the channel is closed
// after a Done sentinel or an error chunk. Callers must drain it.
func (c *Client) ChatCompletionStream(ctx context.Context, req *airlock.ChatRequest) (<-chan airlock.StreamChunk, error) {
	outReq := *req
	outReq.Stream = true
	if outReq.StreamOptions == nil {
		outReq.StreamOptions = &airlock.StreamOptions{IncludeUsage: true}
	}

	resp, err := c.post(ctx, "/chat/completions", &outReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, readHTTPError(resp)
	}

	ch := make(chan airlock.StreamChunk, 8)
	go sseutil.ReadStream(ctx, c.name, resp, ch)
	return ch, nil
}

// listModelsResponse is the envelope returned by GET /models.
type listModelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// ListModels returns the model IDs the upstream advertises.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", c.name, err)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readHTTPError(resp)
	}

	var out listModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s: decode models response: %w", c.name, err)
	}
	ids := make([]string, len(out.Data))
	for i, m := range out.Data {
		ids[i] = m.ID
	}
	return ids, nil
}

// HealthCheck verifies connectivity to the upstream.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.ListModels(ctx)
	return err
}

// Close releases pooled connections. Safe to call more than once.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.name, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", c.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(c.name, err)
	}
	return resp, nil
}

// readHTTPError converts a non-2xx upstream response into an
// UpstreamHTTPError carrying the status and (bounded) body for
// passthrough after deanonymization.
func readHTTPError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &airlock.UpstreamHTTPError{StatusCode: resp.StatusCode, Body: body}
}

// classifyTransportError maps client-side failures onto the domain
// sentinels the error surface distinguishes: deadline expiry reports as
// a timeout, everything else as upstream unavailability.
func classifyTransportError(name string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", name, airlock.ErrUpstreamTimeout, err)
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%s: %w: %v", name, airlock.ErrUpstreamTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%s: %w: %v", name, airlock.ErrUpstreamUnavailable, err)
}
