package deanonymize

import (
	"regexp"
	"strings"

	airlock "github.com/eugener/airlock/internal"
)

// DefaultFuzzyThreshold is the minimum confidence for a mangled token to
// be treated as a placeholder. One mangling passes, most pairs pass, and
// three or more degradations fall below the line.
const DefaultFuzzyThreshold = 0.75

// Confidence penalties per kind of mangling. They multiply when combined.
const (
	caseFactor       = 0.95
	whitespaceFactor = 0.90
	separatorFactor  = 0.90
	bracketFactor    = 0.85
)

// fuzzyCandidateRe casts a wide net over bracketed tokens ending in
// digits. Candidates are then normalized and checked against the actual
// mapping table, so breadth here costs accuracy nothing.
var fuzzyCandidateRe = regexp.MustCompile(`(?i)[<\[{]{1,2}\s*[A-Z][A-Z_\- ]{0,25}\d{1,4}\s*[>\]}]{1,2}`)

var squashRe = regexp.MustCompile(`[\s_\-]+`)

// FuzzyMatch is a mangled placeholder found in model output. Placeholder
// is the canonical token it normalizes to.
type FuzzyMatch struct {
	Start       int
	End         int
	Placeholder string
	Confidence  float64
}

type FuzzyMatcher struct {
	threshold float64
}

func NewFuzzyMatcher(threshold float64) *FuzzyMatcher {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultFuzzyThreshold
	}
	return &FuzzyMatcher{threshold: threshold}
}

// Find returns candidate spans that normalize to a key of mappings with
// confidence at or above the threshold.
func (m *FuzzyMatcher) Find(text string, mappings map[string]string) []FuzzyMatch {
	if text == "" || len(mappings) == 0 {
		return nil
	}
	var out []FuzzyMatch
	for _, loc := range fuzzyCandidateRe.FindAllStringIndex(text, -1) {
		raw := text[loc[0]:loc[1]]
		canonical, conf, ok := normalizeToken(raw)
		if !ok || conf < m.threshold {
			continue
		}
		if _, known := mappings[canonical]; !known {
			continue
		}
		out = append(out, FuzzyMatch{
			Start:       loc[0],
			End:         loc[1],
			Placeholder: canonical,
			Confidence:  conf,
		})
	}
	return out
}

// normalizeToken maps a mangled token back to canonical placeholder form
// and scores how far it drifted.
func normalizeToken(raw string) (string, float64, bool) {
	lead := 0
	for lead < len(raw) && strings.IndexByte("<[{", raw[lead]) >= 0 {
		lead++
	}
	trail := len(raw)
	for trail > lead && strings.IndexByte(">]}", raw[trail-1]) >= 0 {
		trail--
	}
	if lead == 0 || trail == len(raw) {
		return "", 0, false
	}
	inner := raw[lead:trail]

	conf := 1.0
	if raw[:lead] != "<" || raw[trail:] != ">" {
		conf *= bracketFactor
	}
	if strings.ContainsAny(inner, " \t") {
		conf *= whitespaceFactor
	}
	if strings.Contains(inner, "-") {
		conf *= separatorFactor
	}
	core := squashRe.ReplaceAllString(strings.TrimSpace(inner), "_")
	upper := strings.ToUpper(core)
	if upper != core {
		conf *= caseFactor
	}

	canonical := "<" + upper + ">"
	if _, _, ok := airlock.ParsePlaceholder(canonical); !ok {
		return "", 0, false
	}
	return canonical, conf, true
}
