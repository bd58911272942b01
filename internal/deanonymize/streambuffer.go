package deanonymize

import (
	"strings"

	airlock "github.com/eugener/airlock/internal"
)

// StreamBuffer feeds streamed model text through a restore function while
// holding back any suffix that could still grow into a placeholder. Output
// is emitted exactly once and in order.
//
// A suffix that starts with '<' but no longer fits the canonical character
// class is held for one extra chunk before it is given up on: the next
// fragment may still close it into a variant the fuzzy matcher can restore.
type StreamBuffer struct {
	restore func(string) string
	pending strings.Builder
	graced  bool // the held suffix already got its extra chunk
}

func NewStreamBuffer(restore func(string) string) *StreamBuffer {
	if restore == nil {
		restore = func(s string) string { return s }
	}
	return &StreamBuffer{restore: restore}
}

// Feed appends chunk and returns the text that is safe to emit now.
func (b *StreamBuffer) Feed(chunk string) string {
	b.pending.WriteString(chunk)
	text := b.pending.String()

	hold, viable := holdPoint(text)
	switch {
	case hold == len(text), viable:
		b.graced = false
	case b.graced:
		// The suffix had its extra chunk and still cannot close.
		hold = len(text)
		b.graced = false
	default:
		b.graced = true
	}
	if hold == 0 {
		return ""
	}
	emit := b.restore(text[:hold])
	b.pending.Reset()
	b.pending.WriteString(text[hold:])
	return emit
}

// Flush drains whatever is held, restoring what it can. Unclosed
// fragments come out verbatim.
func (b *StreamBuffer) Flush() string {
	text := b.pending.String()
	b.pending.Reset()
	b.graced = false
	if text == "" {
		return ""
	}
	return b.restore(text)
}

// Pending reports how many bytes are held back, for tests and metrics.
func (b *StreamBuffer) Pending() int {
	return b.pending.Len()
}

// holdPoint returns the offset from which text must be retained and
// whether that suffix is still a viable placeholder prefix. A suffix at
// or past the placeholder length bound, or one that already closed with
// '>', can never grow into a token, so everything is released.
func holdPoint(text string) (int, bool) {
	i := strings.LastIndexByte(text, '<')
	if i < 0 {
		return len(text), false
	}
	rest := text[i:]
	if len(rest) >= airlock.MaxPlaceholderLen || strings.ContainsRune(rest, '>') {
		return len(text), false
	}
	return i, viablePrefix(rest)
}

// viablePrefix reports whether s, which starts with '<', is a prefix of
// some <TYPE_N> token: uppercase letters and underscores, then digits,
// and no '>' yet.
func viablePrefix(s string) bool {
	seenDigit := false
	for i := 1; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			seenDigit = true
		case (c >= 'A' && c <= 'Z') || c == '_':
			if seenDigit {
				return false
			}
		default:
			return false
		}
	}
	return true
}
