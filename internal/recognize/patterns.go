package recognize

import (
	"fmt"
	"net/netip"
	"regexp"
	"strings"

	airlock "github.com/eugener/airlock/internal"
)

// Pattern pairs a compiled expression with its base confidence.
type Pattern struct {
	Regex *regexp.Regexp
	Score float64
}

// PatternRecognizer matches one entity type via one or more regular
// expressions, optionally post-validating each match (checksums, parsers).
// validate returning ok=false drops the match; a positive score overrides
// the pattern score.
type PatternRecognizer struct {
	entity   airlock.EntityType
	patterns []Pattern
	context  []string
	validate func(match string) (score float64, ok bool)
}

func (p *PatternRecognizer) Type() airlock.EntityType { return p.entity }

func (p *PatternRecognizer) ContextWords() []string { return p.context }

func (p *PatternRecognizer) Recognize(text string) []airlock.Detection {
	var out []airlock.Detection
	for _, pat := range p.patterns {
		for _, loc := range pat.Regex.FindAllStringIndex(text, -1) {
			match := text[loc[0]:loc[1]]
			score := pat.Score
			if p.validate != nil {
				s, ok := p.validate(match)
				if !ok {
					continue
				}
				if s > 0 {
					score = s
				}
			}
			out = append(out, airlock.Detection{
				Type:  p.entity,
				Start: loc[0],
				End:   loc[1],
				Text:  match,
				Score: score,
			})
		}
	}
	return out
}

// NewCustomRecognizer compiles a compliance-preset custom pattern into a
// recognizer. Invalid expressions fail loading rather than detection.
func NewCustomRecognizer(entity airlock.EntityType, expr string, score float64, context []string) (*PatternRecognizer, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("custom pattern for %s: %w", entity, err)
	}
	if score <= 0 {
		score = 0.7
	}
	return &PatternRecognizer{
		entity:   entity,
		patterns: []Pattern{{Regex: re, Score: score}},
		context:  context,
	}, nil
}

// NewEmailRecognizer matches RFC-style addresses.
func NewEmailRecognizer() *PatternRecognizer {
	return &PatternRecognizer{
		entity: airlock.EntityEmail,
		patterns: []Pattern{
			{Regex: regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`), Score: 0.9},
		},
		context: []string{"email", "e-mail", "mail", "邮箱", "邮件", "发送"},
	}
}

// NewPhoneRecognizer matches mainland mobile numbers: bare 11-digit form,
// +86 prefixed form, and separator-grouped form.
func NewPhoneRecognizer() *PatternRecognizer {
	return &PatternRecognizer{
		entity: airlock.EntityPhone,
		patterns: []Pattern{
			{Regex: regexp.MustCompile(`(?:\+|\b)86[-\s]?1[3-9]\d{9}\b`), Score: 0.85},
			{Regex: regexp.MustCompile(`\b1[3-9]\d{9}\b`), Score: 0.7},
			{Regex: regexp.MustCompile(`\b1[3-9]\d[-\s]\d{4}[-\s]\d{4}\b`), Score: 0.65},
		},
		context: []string{"phone", "mobile", "tel", "cell", "call", "电话", "手机", "联系方式", "号码", "致电"},
	}
}

// NewIDCardRecognizer matches 18-digit resident identity numbers (checksum
// verified) and the 15-digit legacy form.
func NewIDCardRecognizer() *PatternRecognizer {
	long := regexp.MustCompile(`\b[1-9]\d{5}(?:18|19|20)\d{2}(?:0[1-9]|1[0-2])(?:0[1-9]|[12]\d|3[01])\d{3}[\dXx]\b`)
	legacy := regexp.MustCompile(`\b[1-9]\d{7}(?:0[1-9]|1[0-2])(?:0[1-9]|[12]\d|3[01])\d{3}\b`)
	return &PatternRecognizer{
		entity: airlock.EntityIDCard,
		patterns: []Pattern{
			{Regex: long, Score: 0.7},
			{Regex: legacy, Score: 0.6},
		},
		context: []string{"身份证", "证件", "证件号", "身份证号", "id card", "identity", "national id"},
		validate: func(match string) (float64, bool) {
			if len(match) != 18 {
				return 0, true // legacy form has no check digit
			}
			if ValidIDCard(match) {
				return 0.95, true
			}
			return 0, false
		},
	}
}

// NewCreditCardRecognizer matches 13 to 19 digit card numbers with optional
// space or hyphen grouping, Luhn-validated.
func NewCreditCardRecognizer() *PatternRecognizer {
	return &PatternRecognizer{
		entity: airlock.EntityCreditCard,
		patterns: []Pattern{
			{Regex: regexp.MustCompile(`\b(?:\d[ \-]?){12,18}\d\b`), Score: 0.6},
		},
		context: []string{"card", "credit", "visa", "mastercard", "信用卡", "卡号", "银行卡"},
		validate: func(match string) (float64, bool) {
			digits := strings.Map(func(r rune) rune {
				if r >= '0' && r <= '9' {
					return r
				}
				return -1
			}, match)
			if len(digits) < 13 || len(digits) > 19 || !luhnValid(digits) {
				return 0, false
			}
			return 0.9, true
		},
	}
}

// NewIPRecognizer matches IPv4 and IPv6 literals, validated by net/netip.
func NewIPRecognizer() *PatternRecognizer {
	v4 := regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)\.){3}(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)\b`)
	v6 := regexp.MustCompile(`\b[0-9A-Fa-f]{1,4}(?::[0-9A-Fa-f]{0,4}){2,7}\b`)
	return &PatternRecognizer{
		entity: airlock.EntityIP,
		patterns: []Pattern{
			{Regex: v4, Score: 0.85},
			{Regex: v6, Score: 0.6},
		},
		context: []string{"ip", "address", "server", "host", "地址", "服务器"},
		validate: func(match string) (float64, bool) {
			addr, err := netip.ParseAddr(match)
			if err != nil {
				return 0, false
			}
			if addr.Is6() {
				return 0.85, true
			}
			return 0, true
		},
	}
}

// luhnValid reports whether a digit string passes the Luhn check.
func luhnValid(digits string) bool {
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
