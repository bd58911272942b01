package anonymize

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	airlock "github.com/eugener/airlock/internal"
)

// Kind enumerates the closed set of anonymization strategies. There is no
// plugin surface: every behavior the proxy can apply to a detected entity is
// one of these five.
type Kind uint8

const (
	KindPlaceholder Kind = iota // reversible <TYPE_N> token
	KindMask                    // format-preserving partial masking
	KindHash                    // sha256(type:value) hex digest, reversible
	KindRedact                  // fixed [REDACTED]
	KindSynthetic               // deterministic fake value, reversible
)

var kindNames = [...]string{"placeholder", "mask", "hash", "redact", "synthetic"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind maps a config name to its Kind. Unknown names are an error so a
// typo in config fails at boot instead of silently leaking PII.
func ParseKind(name string) (Kind, error) {
	for i, n := range kindNames {
		if n == name {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown strategy %q (valid: %s)",
		airlock.ErrValidation, name, strings.Join(kindNames[:], ", "))
}

// KindNames lists the valid strategy names for error messages and docs.
func KindNames() []string {
	out := make([]string, len(kindNames))
	copy(out, kindNames[:])
	return out
}

// Strategy is the tagged variant applied to one entity occurrence.
type Strategy struct {
	Kind Kind
}

// Apply transforms one detected value. reversible reports whether the output
// is recorded in the mapping store for later restoration; mask and redact
// are one-way.
func (s Strategy) Apply(t airlock.EntityType, original string, sess *Session) (text string, reversible bool) {
	switch s.Kind {
	case KindPlaceholder:
		return airlock.Placeholder(t, sess.Counter.Next(t)), true
	case KindMask:
		return mask(t, original), false
	case KindHash:
		return hashValue(t, original), true
	case KindRedact:
		return "[REDACTED]", false
	case KindSynthetic:
		return sess.Synth.Generate(t, original), true
	default:
		return airlock.Placeholder(t, sess.Counter.Next(t)), true
	}
}

// DefaultStrategies is the out-of-the-box per-type table. Identifier-shaped
// values keep their format via masking; free-text entities use placeholders.
func DefaultStrategies() map[airlock.EntityType]Strategy {
	return map[airlock.EntityType]Strategy{
		airlock.EntityPerson:       {Kind: KindPlaceholder},
		airlock.EntityPhone:        {Kind: KindPlaceholder},
		airlock.EntityEmail:        {Kind: KindPlaceholder},
		airlock.EntityCreditCard:   {Kind: KindMask},
		airlock.EntityIDCard:       {Kind: KindMask},
		airlock.EntityIP:           {Kind: KindMask},
		airlock.EntityOrganization: {Kind: KindPlaceholder},
		airlock.EntityLocation:     {Kind: KindPlaceholder},
	}
}

// hashValue tags the value with its entity type before hashing so equal
// strings of different types do not collide.
func hashValue(t airlock.EntityType, value string) string {
	sum := sha256.Sum256([]byte(string(t) + ":" + value))
	return hex.EncodeToString(sum[:])
}

func mask(t airlock.EntityType, value string) string {
	switch t {
	case airlock.EntityPhone:
		if d := digitsOf(value); len(d) == 11 {
			return d[:3] + "****" + d[7:]
		}
	case airlock.EntityEmail:
		if masked, ok := maskEmail(value); ok {
			return masked
		}
	case airlock.EntityIDCard:
		if d := strings.ToUpper(strings.TrimSpace(value)); len(d) == 18 || len(d) == 15 {
			return d[:6] + strings.Repeat("*", len(d)-10) + d[len(d)-4:]
		}
	case airlock.EntityCreditCard:
		if d := digitsOf(value); len(d) >= 12 {
			return d[:4] + strings.Repeat("*", len(d)-8) + d[len(d)-4:]
		}
	}
	return maskGeneric(value)
}

// maskGeneric keeps up to a quarter of the value at each end, capped at four
// characters, and stars the middle. Short values disappear entirely.
func maskGeneric(value string) string {
	runes := []rune(value)
	n := len(runes)
	if n <= 4 {
		return strings.Repeat("*", n)
	}
	keep := n / 4
	if keep > 4 {
		keep = 4
	}
	if keep == 0 {
		keep = 1
	}
	return string(runes[:keep]) + strings.Repeat("*", n-2*keep) + string(runes[n-keep:])
}

func maskEmail(value string) (string, bool) {
	at := strings.IndexByte(value, '@')
	if at <= 0 || at == len(value)-1 {
		return "", false
	}
	local := []rune(value[:at])
	domain := value[at:]
	if len(local) <= 2 {
		return string(local[0]) + "***" + domain, true
	}
	return string(local[0]) + "***" + string(local[len(local)-1]) + domain, true
}

func digitsOf(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
