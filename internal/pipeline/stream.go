package pipeline

import (
	"context"
	"sort"
	"strconv"
	"time"

	airlock "github.com/eugener/airlock/internal"
	"github.com/eugener/airlock/internal/audit"
	"github.com/eugener/airlock/internal/deanonymize"
	"github.com/eugener/airlock/internal/quota"
	"github.com/eugener/airlock/internal/sseutil"
	"github.com/eugener/airlock/internal/tokencount"
)

// streamBuffer matches the upstream client's channel depth so a slow
// consumer backpressures through the whole relay.
const streamBuffer = 8

// streamState is the per-stream bookkeeping the pump carries between chunks.
type streamState struct {
	tenant    string
	requestID string
	model     string
	mappings  map[string]string
	estimate  int
	started   time.Time

	buffers  map[int]*deanonymize.StreamBuffer
	usage    *airlock.Usage
	lastData []byte
	chunks   int
	emitted  int // bytes of delta content relayed, for the token fallback
}

// ChatCompletionStream handles one streaming completion. The returned
// channel carries restored chunks and is closed after the Done or Err
// chunk; the caller must drain it. Streaming responses bypass the cache.
func (p *Pipeline) ChatCompletionStream(ctx context.Context, req *airlock.ChatRequest) (<-chan airlock.StreamChunk, error) {
	ctx, tenant, requestID := requestScope(ctx)
	started := p.now()

	estimate, err := p.admit(ctx, tenant, req)
	if err != nil {
		return nil, err
	}
	if err := p.scanSecrets(ctx, tenant, req.Messages); err != nil {
		return nil, err
	}

	anonReq, res := p.anonymize(ctx, tenant, requestID, req)
	p.storeMappings(ctx, tenant, requestID, res.Mappings)

	if err := p.allowUpstream(); err != nil {
		p.dropMappings(ctx, tenant, requestID, res.Mappings)
		return nil, err
	}
	upstreamCh, err := p.upstream.ChatCompletionStream(ctx, p.withNotice(anonReq, len(res.Mappings) > 0))
	if err != nil {
		p.failUpstream(ctx, tenant, requestID, res.Mappings, err)
		return nil, err
	}

	p.emit(ctx, &audit.Event{
		Type:     audit.EventStreamStart,
		Tenant:   tenant,
		Metadata: map[string]string{"model": req.Model},
	})

	st := &streamState{
		tenant:    tenant,
		requestID: requestID,
		model:     req.Model,
		mappings:  res.Mappings,
		estimate:  estimate,
		started:   started,
	}
	out := make(chan airlock.StreamChunk, streamBuffer)
	go p.pump(ctx, st, upstreamCh, out)
	return out, nil
}

// pump relays upstream chunks to the client, restoring placeholder content
// per choice and holding back text that might be a split placeholder. The
// mapping TTL is extended while the stream outlives half of it.
func (p *Pipeline) pump(ctx context.Context, st *streamState, in <-chan airlock.StreamChunk, out chan<- airlock.StreamChunk) {
	defer close(out)

	ttl := p.mappings.TTL()
	lastExtend := p.now()

	send := func(c airlock.StreamChunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for chunk := range in {
		switch {
		case chunk.Err != nil:
			p.recordUpstreamError(chunk.Err)
			p.emit(ctx, &audit.Event{
				Type:         audit.EventAPIError,
				Tenant:       st.tenant,
				ErrorMessage: chunk.Err.Error(),
				Metadata:     map[string]string{"stream": "true"},
			})
			send(airlock.StreamChunk{Err: chunk.Err})
			p.endStream(ctx, st, "upstream_error")
			return

		case chunk.Done:
			if !p.flushBuffers(st, send) || !send(airlock.StreamChunk{Done: true}) {
				p.endStream(ctx, st, "client_gone")
				return
			}
			if p.breaker != nil {
				p.breaker.RecordSuccess()
			}
			p.endStream(ctx, st, "")
			return

		default:
			if chunk.Usage != nil {
				st.usage = chunk.Usage
			}
			data := p.rewriteChunk(st, chunk.Data)
			st.lastData = chunk.Data
			st.chunks++
			if p.metrics != nil {
				p.metrics.StreamChunks.Inc()
			}
			if len(st.mappings) > 0 && p.now().Sub(lastExtend) > ttl/2 {
				if err := p.mappings.ExtendTTL(st.tenant, st.requestID, ttl); err != nil {
					p.log.Warn("mapping ttl extension failed",
						"tenant", st.tenant,
						"error", err)
				}
				lastExtend = p.now()
			}
			// Held-back text must reach the client before the chunk that
			// closes the choice.
			if sseutil.FinishReason(chunk.Data) != "" && !p.flushBuffers(st, send) {
				p.endStream(ctx, st, "client_gone")
				return
			}
			if !send(airlock.StreamChunk{Data: data, Usage: chunk.Usage}) {
				p.endStream(ctx, st, "client_gone")
				return
			}
		}
	}

	// Upstream closed without a terminal chunk. Treat it as a normal end
	// so held-back text still reaches the client.
	if p.flushBuffers(st, send) && send(airlock.StreamChunk{Done: true}) {
		if p.breaker != nil {
			p.breaker.RecordSuccess()
		}
		p.endStream(ctx, st, "")
		return
	}
	p.endStream(ctx, st, "client_gone")
}

// rewriteChunk restores every delta in the chunk through the per-choice
// stream buffer. Without a mapping the content passes through untouched and
// is only counted for the token fallback.
func (p *Pipeline) rewriteChunk(st *streamState, data []byte) []byte {
	return sseutil.RewriteDeltas(data, func(choice int, content string) string {
		emitted := content
		if len(st.mappings) > 0 {
			emitted = p.bufferFor(st, choice).Feed(content)
		}
		st.emitted += len(emitted)
		return emitted
	})
}

func (p *Pipeline) bufferFor(st *streamState, choice int) *deanonymize.StreamBuffer {
	if st.buffers == nil {
		st.buffers = make(map[int]*deanonymize.StreamBuffer)
	}
	b, ok := st.buffers[choice]
	if !ok {
		b = deanonymize.NewStreamBuffer(func(s string) string {
			return p.deanon.Restore(s, st.mappings).Text
		})
		st.buffers[choice] = b
	}
	return b
}

// flushBuffers drains text the stream buffers were still holding when the
// upstream finished, emitting one synthesized chunk per choice ahead of the
// terminal [DONE].
func (p *Pipeline) flushBuffers(st *streamState, send func(airlock.StreamChunk) bool) bool {
	if len(st.buffers) == 0 {
		return true
	}
	id, model, created := sseutil.ChunkMeta(st.lastData)
	if model == "" {
		model = st.model
	}
	choices := make([]int, 0, len(st.buffers))
	for i := range st.buffers {
		choices = append(choices, i)
	}
	sort.Ints(choices)
	for _, i := range choices {
		tail := st.buffers[i].Flush()
		if tail == "" {
			continue
		}
		st.emitted += len(tail)
		st.chunks++
		if p.metrics != nil {
			p.metrics.StreamChunks.Inc()
		}
		if !send(airlock.StreamChunk{Data: sseutil.BuildDeltaChunk(id, model, created, i, tail)}) {
			return false
		}
	}
	return true
}

// endStream settles token quota, drops the mapping and writes the stream
// audit record. reason is empty for a clean end.
func (p *Pipeline) endStream(ctx context.Context, st *streamState, reason string) {
	tokens := st.tokens(p.counter)
	if p.quota != nil {
		p.quota.Record(st.tenant, quota.ResourceTokens, tokens)
	}
	p.dropMappings(ctx, st.tenant, st.requestID, st.mappings)

	meta := map[string]string{
		"model":       st.model,
		"chunks":      strconv.Itoa(st.chunks),
		"tokens":      strconv.FormatInt(tokens, 10),
		"duration_ms": strconv.FormatInt(p.now().Sub(st.started).Milliseconds(), 10),
	}
	if reason != "" {
		meta["aborted"] = reason
	}
	p.emit(ctx, &audit.Event{
		Type:     audit.EventStreamEnd,
		Tenant:   st.tenant,
		Metadata: meta,
	})
}

// tokens settles usage from the upstream's usage block when it sent one,
// falling back to the request estimate plus relayed output length.
func (st *streamState) tokens(counter *tokencount.Counter) int64 {
	if st.usage != nil && st.usage.TotalTokens > 0 {
		return int64(st.usage.TotalTokens)
	}
	return int64(st.estimate + counter.CountLen(st.emitted))
}
