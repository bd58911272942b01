package secrets

import (
	"math"
	"regexp"
	"strings"
)

// Entropy thresholds in bits per character. Random base64 material sits
// near 5, random hex tops out at 4, prose stays under 3.5.
const (
	entropyMinTokenLen = 16
	entropyMedium      = 3.5
	entropyHigh        = 4.5
	entropyCritical    = 5.0
	indicatorWindow    = 30
)

var (
	entropyTokenRe = regexp.MustCompile(`[A-Za-z0-9+/=_\-]{16,}`)

	// Shapes that look random to the entropy measure but are not secrets.
	uuidRe      = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	issueKeyRe  = regexp.MustCompile(`^[A-Z]{2,5}-\d{2,6}$`)
	isoDateRe   = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}([T ][\d:.+\-Z]+)?$`)
	numericRe   = regexp.MustCompile(`^[\d\-+/=]+$`)
	plainWordRe = regexp.MustCompile(`^(?:[a-z]+|[A-Z]+)$`)
)

// indicatorWords near a token raise the severity of an entropy finding by
// one level. They mark the surrounding text as credential-bearing.
var indicatorWords = []string{
	"key", "token", "secret", "password", "pwd", "auth",
	"credential", "bearer", "密码", "密钥", "凭证",
}

// EntropyDetector flags strings whose character distribution looks like
// random key material rather than natural language.
type EntropyDetector struct {
	minLen int
}

func NewEntropyDetector() *EntropyDetector {
	return &EntropyDetector{minLen: entropyMinTokenLen}
}

func (d *EntropyDetector) Detect(text string) []Finding {
	var out []Finding
	for _, loc := range entropyTokenRe.FindAllStringIndex(text, -1) {
		token := text[loc[0]:loc[1]]
		if len(token) < d.minLen || skipToken(token) {
			continue
		}
		sev := severityForEntropy(shannonEntropy(token))
		if sev == SeverityNone {
			continue
		}
		if hasIndicator(text, loc[0]) {
			sev = bump(sev)
		}
		out = append(out, Finding{
			Pattern:  "high_entropy_string",
			Severity: sev,
			Start:    loc[0],
			End:      loc[1],
			Redacted: Redact(token),
		})
	}
	return out
}

func skipToken(token string) bool {
	return uuidRe.MatchString(token) ||
		issueKeyRe.MatchString(token) ||
		isoDateRe.MatchString(token) ||
		numericRe.MatchString(token) ||
		plainWordRe.MatchString(token) ||
		strings.Contains(token, "://")
}

func severityForEntropy(e float64) Severity {
	switch {
	case e >= entropyCritical:
		return SeverityCritical
	case e >= entropyHigh:
		return SeverityHigh
	case e >= entropyMedium:
		return SeverityMedium
	default:
		return SeverityNone
	}
}

func bump(s Severity) Severity {
	if s < SeverityCritical {
		return s + 1
	}
	return s
}

func hasIndicator(text string, start int) bool {
	lo := start - indicatorWindow
	if lo < 0 {
		lo = 0
	}
	window := strings.ToLower(text[lo:start])
	for _, w := range indicatorWords {
		if strings.Contains(window, w) {
			return true
		}
	}
	return false
}

// shannonEntropy returns bits per character for the byte distribution of s.
func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	var counts [256]int
	for i := 0; i < len(s); i++ {
		counts[s[i]]++
	}
	n := float64(len(s))
	var h float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}
