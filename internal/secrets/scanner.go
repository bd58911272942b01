// Package secrets scans outbound prompt text for credentials: API keys,
// tokens, connection strings and high-entropy blobs. Requests carrying
// high or critical findings never leave the proxy.
package secrets

import (
	"log/slog"
	"sort"
	"strings"
)

// Finding is one detected credential. Redacted is safe to log and audit;
// the matched text itself is never retained.
type Finding struct {
	Pattern  string
	Severity Severity
	Start    int
	End      int
	Redacted string
}

// Scanner runs the pattern catalog and the entropy detector over text.
type Scanner struct {
	patterns []SecretPattern
	entropy  *EntropyDetector
	logger   *slog.Logger
}

func NewScanner(logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		patterns: defaultPatterns,
		entropy:  NewEntropyDetector(),
		logger:   logger.With("component", "secrets"),
	}
}

// Scan returns all findings in text, ordered by position. Pattern matches
// shadow entropy findings on the same span.
func (s *Scanner) Scan(text string) []Finding {
	if text == "" {
		return nil
	}
	var out []Finding
	for _, p := range s.patterns {
		for _, loc := range p.Regex.FindAllStringIndex(text, -1) {
			out = append(out, Finding{
				Pattern:  p.Name,
				Severity: p.Severity,
				Start:    loc[0],
				End:      loc[1],
				Redacted: Redact(text[loc[0]:loc[1]]),
			})
		}
	}
	for _, f := range s.entropy.Detect(text) {
		if !coveredBy(out, f) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start < out[j].Start
		}
		return out[i].Severity > out[j].Severity
	})
	if len(out) > 0 {
		s.logger.Debug("secret scan hit", "findings", len(out), "max_severity", MaxSeverity(out).String())
	}
	return out
}

// ScanMessages scans every message body and returns findings tagged with
// the message index via the offset of a joined view. Callers that need
// per-message spans should scan messages individually.
func (s *Scanner) ScanMessages(contents []string) []Finding {
	var out []Finding
	for _, c := range contents {
		out = append(out, s.Scan(c)...)
	}
	return out
}

func coveredBy(findings []Finding, f Finding) bool {
	for _, g := range findings {
		if f.Start >= g.Start && f.End <= g.End {
			return true
		}
	}
	return false
}

// ShouldBlock reports whether any finding is severe enough to reject the
// request outright.
func ShouldBlock(findings []Finding) bool {
	for _, f := range findings {
		if f.Severity >= SeverityHigh {
			return true
		}
	}
	return false
}

// MaxSeverity returns the highest severity present, or SeverityNone.
func MaxSeverity(findings []Finding) Severity {
	max := SeverityNone
	for _, f := range findings {
		if f.Severity > max {
			max = f.Severity
		}
	}
	return max
}

// Redact keeps the first and last four characters of a secret. Short
// secrets are fully masked.
func Redact(secret string) string {
	if len(secret) <= 8 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + "****" + secret[len(secret)-4:]
}
