// Package anonymize applies per-type strategies to recognized PII and tracks
// the reversible replacements for later restoration.
package anonymize

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	airlock "github.com/eugener/airlock/internal"
	"github.com/eugener/airlock/internal/recognize"
)

// Session is the per-request anonymization state: placeholder ordinals,
// synthetic determinism and the idempotence memo. A value seen twice in one
// request gets the same replacement both times.
type Session struct {
	ID      string
	Counter *Counter
	Synth   *Generator

	mu      sync.Mutex
	applied map[string]appliedValue
}

type appliedValue struct {
	text       string
	reversible bool
}

// NewSession creates the state for one request.
func NewSession(id string) *Session {
	return &Session{
		ID:      id,
		Counter: NewCounter(),
		Synth:   NewGenerator(id),
		applied: make(map[string]appliedValue),
	}
}

func (s *Session) lookup(t airlock.EntityType, original string) (appliedValue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.applied[string(t)+"\x00"+original]
	return v, ok
}

func (s *Session) remember(t airlock.EntityType, original string, v appliedValue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied[string(t)+"\x00"+original] = v
}

// Applied is one acted-on detection together with its replacement.
type Applied struct {
	airlock.Detection
	Replacement string
	Strategy    Kind
	Reversible  bool
}

// TextResult is the outcome of anonymizing one text.
type TextResult struct {
	Text      string
	Applied   []Applied
	Preserved []airlock.Detection // skipped via allowlist or question intent
	// Mappings holds replacement -> original for reversible strategies.
	Mappings map[string]string
}

// Engine detects and rewrites PII according to the configured strategy table.
type Engine struct {
	registry   *recognize.Registry
	allowlist  *recognize.AllowlistRegistry
	intent     *recognize.IntentDetector
	strategies map[airlock.EntityType]Strategy
	logger     *slog.Logger

	mu sync.RWMutex // guards strategies and registry, swapped by compliance presets
}

// EngineConfig wires the engine's collaborators. Nil fields fall back to
// defaults (built-in recognizers, default strategy table, no allowlist, no
// intent detection).
type EngineConfig struct {
	Registry   *recognize.Registry
	Allowlist  *recognize.AllowlistRegistry
	Intent     *recognize.IntentDetector
	Strategies map[airlock.EntityType]Strategy
	Logger     *slog.Logger
}

// NewEngine builds an engine from the config.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Registry == nil {
		cfg.Registry = recognize.DefaultRegistry()
	}
	if cfg.Strategies == nil {
		cfg.Strategies = DefaultStrategies()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		registry:   cfg.Registry,
		allowlist:  cfg.Allowlist,
		intent:     cfg.Intent,
		strategies: cfg.Strategies,
		logger:     cfg.Logger,
	}
}

// SetStrategies swaps the strategy table, used when a compliance preset is
// activated or deactivated.
func (e *Engine) SetStrategies(table map[airlock.EntityType]Strategy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.strategies = table
}

// Strategies returns a copy of the active strategy table.
func (e *Engine) Strategies() map[airlock.EntityType]Strategy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[airlock.EntityType]Strategy, len(e.strategies))
	for k, v := range e.strategies {
		out[k] = v
	}
	return out
}

// Registry returns the active recognizer set.
func (e *Engine) Registry() *recognize.Registry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.registry
}

// SetRegistry swaps the recognizer set, used when a compliance preset
// installs custom patterns.
func (e *Engine) SetRegistry(r *recognize.Registry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.registry = r
}

func (e *Engine) strategyFor(t airlock.EntityType) Strategy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if s, ok := e.strategies[t]; ok {
		return s
	}
	return Strategy{Kind: KindPlaceholder}
}

// AnonymizeText rewrites every actionable detection in text. Replacements
// are applied right to left so earlier spans keep their byte offsets.
func (e *Engine) AnonymizeText(ctx context.Context, text string, sess *Session) TextResult {
	res := TextResult{Text: text, Mappings: make(map[string]string)}
	detections := e.Registry().Detect(text)
	if len(detections) == 0 {
		return res
	}

	actionable := detections[:0]
	for _, d := range detections {
		if e.allowlist != nil && e.allowlist.Allowed(d.Type, d.Text) {
			res.Preserved = append(res.Preserved, d)
			continue
		}
		if e.intent != nil && e.intent.ShouldPreserve(text, d) {
			res.Preserved = append(res.Preserved, d)
			continue
		}
		actionable = append(actionable, d)
	}

	sort.Slice(actionable, func(i, j int) bool { return actionable[i].Start > actionable[j].Start })

	var b strings.Builder
	out := text
	for _, d := range actionable {
		v, seen := sess.lookup(d.Type, d.Text)
		if !seen {
			replacement, reversible := e.strategyFor(d.Type).Apply(d.Type, d.Text, sess)
			v = appliedValue{text: replacement, reversible: reversible}
			sess.remember(d.Type, d.Text, v)
		}
		if v.reversible && v.text != d.Text {
			res.Mappings[v.text] = d.Text
		}
		res.Applied = append(res.Applied, Applied{
			Detection:   d,
			Replacement: v.text,
			Strategy:    e.strategyFor(d.Type).Kind,
			Reversible:  v.reversible,
		})
		b.Reset()
		b.Grow(len(out) - (d.End - d.Start) + len(v.text))
		b.WriteString(out[:d.Start])
		b.WriteString(v.text)
		b.WriteString(out[d.End:])
		out = b.String()
	}
	res.Text = out

	if len(res.Applied) > 0 {
		e.logger.LogAttrs(ctx, slog.LevelDebug, "text anonymized",
			slog.Int("detections", len(detections)),
			slog.Int("applied", len(res.Applied)),
			slog.Int("preserved", len(res.Preserved)),
		)
	}
	return res
}

// MessagesResult aggregates per-message outcomes for one request body.
type MessagesResult struct {
	Messages  []airlock.Message
	Applied   []Applied
	Preserved []airlock.Detection
	Mappings  map[string]string
}

// AnonymizeMessages processes user and assistant content. System messages
// pass through untouched: they are operator-controlled instructions, not
// user data.
func (e *Engine) AnonymizeMessages(ctx context.Context, msgs []airlock.Message, sess *Session) MessagesResult {
	res := MessagesResult{
		Messages: make([]airlock.Message, len(msgs)),
		Mappings: make(map[string]string),
	}
	for i, m := range msgs {
		res.Messages[i] = m
		if m.Role == "system" || m.Content == "" {
			continue
		}
		tr := e.AnonymizeText(ctx, m.Content, sess)
		res.Messages[i].Content = tr.Text
		res.Applied = append(res.Applied, tr.Applied...)
		res.Preserved = append(res.Preserved, tr.Preserved...)
		for k, v := range tr.Mappings {
			res.Mappings[k] = v
		}
	}
	return res
}

// EntityCounts tallies applied detections by type, for audit records.
func EntityCounts(applied []Applied) map[airlock.EntityType]int {
	if len(applied) == 0 {
		return nil
	}
	out := make(map[airlock.EntityType]int)
	for _, a := range applied {
		out[a.Type]++
	}
	return out
}
