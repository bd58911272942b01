// Package recognize detects PII spans in text using pattern recognizers with
// checksum validation and context-word scoring.
package recognize

import (
	"sort"
	"strings"
	"unicode/utf8"

	airlock "github.com/eugener/airlock/internal"
)

const (
	// DefaultThreshold filters low-confidence detections.
	DefaultThreshold = 0.5
	// contextWindow is how many runes around a span are searched for
	// context words.
	contextWindow = 50
	// contextBoost is added to a span's score when a context word appears
	// nearby.
	contextBoost = 0.2
	maxScore     = 0.99
)

// Recognizer finds spans of a single entity type. Start/End are byte offsets
// into the scanned string.
type Recognizer interface {
	Type() airlock.EntityType
	Recognize(text string) []airlock.Detection
	// ContextWords returns terms that raise confidence when they appear
	// near a detected span.
	ContextWords() []string
}

// Registry runs a set of recognizers over text and post-processes the raw
// detections: context boosting, threshold filtering and overlap resolution.
type Registry struct {
	recognizers []Recognizer
	threshold   float64
}

// NewRegistry builds a registry with the given recognizers. A zero threshold
// falls back to DefaultThreshold.
func NewRegistry(threshold float64, recognizers ...Recognizer) *Registry {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Registry{recognizers: recognizers, threshold: threshold}
}

// DefaultRegistry wires the built-in recognizer set.
func DefaultRegistry() *Registry {
	return NewRegistry(DefaultThreshold,
		NewEmailRecognizer(),
		NewPhoneRecognizer(),
		NewIDCardRecognizer(),
		NewCreditCardRecognizer(),
		NewIPRecognizer(),
		NewPersonRecognizer(),
	)
}

// Add registers an extra recognizer, e.g. a compliance-preset custom pattern.
func (r *Registry) Add(rec Recognizer) {
	r.recognizers = append(r.recognizers, rec)
}

// Detect returns the resolved detections in span order.
func (r *Registry) Detect(text string) []airlock.Detection {
	if text == "" {
		return nil
	}
	var raw []airlock.Detection
	for _, rec := range r.recognizers {
		found := rec.Recognize(text)
		if len(found) == 0 {
			continue
		}
		words := rec.ContextWords()
		for i := range found {
			if hasContextWord(text, found[i].Start, found[i].End, words) {
				found[i].Score += contextBoost
				if found[i].Score > maxScore {
					found[i].Score = maxScore
				}
			}
		}
		raw = append(raw, found...)
	}

	kept := raw[:0]
	for _, d := range raw {
		if d.Score >= r.threshold {
			kept = append(kept, d)
		}
	}
	return resolveOverlaps(kept)
}

// resolveOverlaps keeps at most one detection per overlapping region:
// higher score wins, then the longer span, then the earlier one.
func resolveOverlaps(ds []airlock.Detection) []airlock.Detection {
	if len(ds) <= 1 {
		return ds
	}
	sort.SliceStable(ds, func(i, j int) bool {
		if ds[i].Score != ds[j].Score {
			return ds[i].Score > ds[j].Score
		}
		li, lj := ds[i].End-ds[i].Start, ds[j].End-ds[j].Start
		if li != lj {
			return li > lj
		}
		return ds[i].Start < ds[j].Start
	})
	out := make([]airlock.Detection, 0, len(ds))
	for _, d := range ds {
		overlaps := false
		for _, k := range out {
			if d.Start < k.End && k.Start < d.End {
				overlaps = true
				break
			}
		}
		if !overlaps {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// hasContextWord reports whether any of words occurs within contextWindow
// runes before or after the [start, end) span.
func hasContextWord(text string, start, end int, words []string) bool {
	if len(words) == 0 {
		return false
	}
	lo := runesBack(text, start, contextWindow)
	hi := runesForward(text, end, contextWindow)
	window := strings.ToLower(text[lo:start] + text[end:hi])
	for _, w := range words {
		if strings.Contains(window, w) {
			return true
		}
	}
	return false
}

func runesBack(s string, from, n int) int {
	for i := 0; i < n && from > 0; i++ {
		_, size := utf8.DecodeLastRuneInString(s[:from])
		from -= size
	}
	return from
}

func runesForward(s string, from, n int) int {
	for i := 0; i < n && from < len(s); i++ {
		_, size := utf8.DecodeRuneInString(s[from:])
		from += size
	}
	return from
}
