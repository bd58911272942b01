// Package deanonymize restores original values into model output by
// replacing placeholders with the request's mapping table. Exact tokens
// win over fuzzy variants the model mangled in transit; synthetic fakes
// and hash digests are substituted back as literal strings.
package deanonymize

import (
	"log/slog"
	"regexp"
	"sort"
	"strings"

	airlock "github.com/eugener/airlock/internal"
)

var placeholderRe = regexp.MustCompile(`<[A-Z][A-Z_]*_\d+>`)

// Result reports what a restore pass did. Unresolved lists placeholder
// tokens present in the text with no mapping entry; they are left intact.
type Result struct {
	Text          string
	Replaced      int
	FuzzyReplaced int
	Unresolved    []string
}

type Deanonymizer struct {
	fuzzy  *FuzzyMatcher
	logger *slog.Logger
}

func New(logger *slog.Logger) *Deanonymizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deanonymizer{
		fuzzy:  NewFuzzyMatcher(DefaultFuzzyThreshold),
		logger: logger.With("component", "deanonymize"),
	}
}

// span is one resolved replacement inside the text being restored.
type span struct {
	start, end int
	repl       string
	fuzzy      bool
}

// Restore replaces placeholders in text using mappings. Tokens without a
// mapping are reported in Result.Unresolved so the caller can audit an
// incomplete restore.
func (d *Deanonymizer) Restore(text string, mappings map[string]string) Result {
	if text == "" || len(mappings) == 0 {
		return Result{Text: text, Unresolved: collectUnresolved(text, mappings)}
	}

	res := Result{}

	// Exact tokens and fuzzy variants are located on the same text, so a
	// bracket-mangled token like <<PERSON_1>> cannot be half-consumed by
	// the exact pass before the fuzzy matcher sees it.
	var spans []span
	for _, loc := range placeholderRe.FindAllStringIndex(text, -1) {
		token := text[loc[0]:loc[1]]
		orig, ok := mappings[token]
		if !ok {
			res.Unresolved = append(res.Unresolved, token)
			continue
		}
		spans = append(spans, span{start: loc[0], end: loc[1], repl: orig})
	}
	for _, m := range d.fuzzy.Find(text, mappings) {
		if text[m.Start:m.End] == m.Placeholder {
			continue // canonical token, the exact pass owns it
		}
		spans = append(spans, span{start: m.Start, end: m.End, repl: mappings[m.Placeholder], fuzzy: true})
	}

	// Left to right, widest span first on a shared start, dropping
	// whatever overlaps an already accepted span.
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].start != spans[j].start {
			return spans[i].start < spans[j].start
		}
		return spans[i].end > spans[j].end
	})
	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, s := range spans {
		if s.start < last {
			continue
		}
		b.WriteString(text[last:s.start])
		b.WriteString(s.repl)
		last = s.end
		if s.fuzzy {
			res.FuzzyReplaced++
		} else {
			res.Replaced++
		}
	}
	b.WriteString(text[last:])
	res.Text = b.String()

	d.restoreLiterals(&res, mappings)

	if len(res.Unresolved) > 0 {
		d.logger.Warn("incomplete restore",
			"unresolved", len(res.Unresolved),
			"replaced", res.Replaced)
	}
	return res
}

// restoreLiterals substitutes mapping keys that are not placeholder tokens:
// synthetic fakes and hash digests sit in the table as the literal strings
// the model echoed back. Longer keys go first so one literal cannot consume
// a prefix of another.
func (d *Deanonymizer) restoreLiterals(res *Result, mappings map[string]string) {
	var literals []string
	for k := range mappings {
		if _, _, ok := airlock.ParsePlaceholder(k); !ok && k != "" && k != mappings[k] {
			literals = append(literals, k)
		}
	}
	if len(literals) == 0 {
		return
	}
	sort.Slice(literals, func(i, j int) bool {
		if len(literals[i]) != len(literals[j]) {
			return len(literals[i]) > len(literals[j])
		}
		return literals[i] < literals[j]
	})
	for _, k := range literals {
		if n := strings.Count(res.Text, k); n > 0 {
			res.Text = strings.ReplaceAll(res.Text, k, mappings[k])
			res.Replaced += n
		}
	}
}

func collectUnresolved(text string, mappings map[string]string) []string {
	var out []string
	for _, token := range placeholderRe.FindAllString(text, -1) {
		if _, ok := mappings[token]; !ok {
			out = append(out, token)
		}
	}
	return out
}

