// Package sseutil reads Server-Sent Events streams in the OpenAI
// chat-completion chunk format and rewrites placeholder text inside
// delta content without disturbing the rest of the chunk JSON.
package sseutil

import (
	"bufio"
	"io"
	"strings"
)

const maxLineSize = 64 * 1024 // 64KB per SSE line

// NewScanner returns a bufio.Scanner sized for SSE lines: 4KB initial
// buffer growing up to 64KB. Each Scan yields one line without the
// trailing newline.
func NewScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxLineSize)
	return s
}

// ParseSSELine splits one SSE line into its field name and value.
// Empty lines, comments (leading ':'), and lines without a colon
// report ok=false.
//
//	"data: {...}"  -> field="data", value="{...}", ok=true
//	"event: ping"  -> field="event", value="ping", ok=true
//	": keep-alive" -> ok=false
//	""             -> ok=false
func ParseSSELine(line string) (field, value string, ok bool) {
	if line == "" || line[0] == ':' {
		return "", "", false
	}
	field, value, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	// One optional space after the colon per the SSE spec.
	return field, strings.TrimPrefix(value, " "), true
}
