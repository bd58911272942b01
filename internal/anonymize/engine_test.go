package anonymize

import (
	"context"
	"strings"
	"testing"

	airlock "github.com/eugener/airlock/internal"
	"github.com/eugener/airlock/internal/recognize"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(EngineConfig{})
}

func TestAnonymizeTextPlaceholders(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	sess := NewSession("req-1")
	text := "电话 13812345678,邮箱 zhangsan@corp.com"

	res := e.AnonymizeText(context.Background(), text, sess)

	if !strings.Contains(res.Text, "<PHONE_1>") {
		t.Errorf("anonymized text missing <PHONE_1>: %q", res.Text)
	}
	if !strings.Contains(res.Text, "<EMAIL_1>") {
		t.Errorf("anonymized text missing <EMAIL_1>: %q", res.Text)
	}
	if strings.Contains(res.Text, "13812345678") || strings.Contains(res.Text, "zhangsan@corp.com") {
		t.Errorf("original PII leaked: %q", res.Text)
	}
	if res.Mappings["<PHONE_1>"] != "13812345678" {
		t.Errorf("mapping for <PHONE_1> = %q", res.Mappings["<PHONE_1>"])
	}
	if res.Mappings["<EMAIL_1>"] != "zhangsan@corp.com" {
		t.Errorf("mapping for <EMAIL_1> = %q", res.Mappings["<EMAIL_1>"])
	}
}

func TestAnonymizeTextIdempotence(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	sess := NewSession("req-1")
	text := "主号 13812345678,备用也是 13812345678"

	res := e.AnonymizeText(context.Background(), text, sess)

	if strings.Count(res.Text, "<PHONE_1>") != 2 {
		t.Errorf("same value should reuse one placeholder: %q", res.Text)
	}
	if strings.Contains(res.Text, "<PHONE_2>") {
		t.Errorf("duplicate value consumed a second ordinal: %q", res.Text)
	}
	if len(res.Mappings) != 1 {
		t.Errorf("mappings = %v, want single entry", res.Mappings)
	}
}

func TestAnonymizeTextUniqueness(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	sess := NewSession("req-1")
	text := "先打 13812345678,再打 15900001111"

	res := e.AnonymizeText(context.Background(), text, sess)

	if !strings.Contains(res.Text, "<PHONE_1>") || !strings.Contains(res.Text, "<PHONE_2>") {
		t.Errorf("distinct values must get distinct placeholders: %q", res.Text)
	}
	if res.Mappings["<PHONE_1>"] == res.Mappings["<PHONE_2>"] {
		t.Error("two placeholders map to the same original")
	}
}

func TestAnonymizeTextSessionSpansMessages(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	sess := NewSession("req-1")

	first := e.AnonymizeText(context.Background(), "号码 13812345678", sess)
	second := e.AnonymizeText(context.Background(), "再次确认 13812345678", sess)

	if !strings.Contains(first.Text, "<PHONE_1>") || !strings.Contains(second.Text, "<PHONE_1>") {
		t.Errorf("placeholder not stable across texts in one session: %q / %q", first.Text, second.Text)
	}
}

func TestAnonymizeTextMaskIsNotMapped(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t) // credit card defaults to mask
	sess := NewSession("req-1")
	text := "card 4111111111111111 expires soon"

	res := e.AnonymizeText(context.Background(), text, sess)

	if !strings.Contains(res.Text, "4111********1111") {
		t.Errorf("credit card not masked: %q", res.Text)
	}
	if len(res.Mappings) != 0 {
		t.Errorf("irreversible strategy produced mappings: %v", res.Mappings)
	}
}

func TestAnonymizeTextHashIsMapped(t *testing.T) {
	t.Parallel()

	table := DefaultStrategies()
	table[airlock.EntityEmail] = Strategy{Kind: KindHash}
	e := NewEngine(EngineConfig{Strategies: table})
	sess := NewSession("req-1")

	res := e.AnonymizeText(context.Background(), "联系 zhangsan@corp.com", sess)

	if strings.Contains(res.Text, "zhangsan@corp.com") {
		t.Fatalf("original PII leaked: %q", res.Text)
	}
	digest := strings.TrimPrefix(res.Text, "联系 ")
	if len(digest) != 64 {
		t.Fatalf("replacement %q is not a full hex digest", digest)
	}
	if res.Mappings[digest] != "zhangsan@corp.com" {
		t.Errorf("digest not mapped back to the original: %v", res.Mappings)
	}
}

func TestAnonymizeTextNoDetections(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	sess := NewSession("req-1")
	text := "nothing sensitive here"

	res := e.AnonymizeText(context.Background(), text, sess)
	if res.Text != text {
		t.Errorf("text mutated without detections: %q", res.Text)
	}
	if len(res.Applied) != 0 || len(res.Mappings) != 0 {
		t.Errorf("unexpected outcome: %+v", res)
	}
}

func TestAnonymizeTextAllowlist(t *testing.T) {
	t.Parallel()

	allow, err := recognize.NewAllowlistRegistry(nil)
	if err != nil {
		t.Fatal(err)
	}
	allow.Add(allowlistOf(t, airlock.EntityEmail, "support@corp.com"))

	e := NewEngine(EngineConfig{Allowlist: allow})
	sess := NewSession("req-1")
	text := "write to support@corp.com or zhangsan@corp.com"

	res := e.AnonymizeText(context.Background(), text, sess)

	if !strings.Contains(res.Text, "support@corp.com") {
		t.Errorf("allowlisted value was anonymized: %q", res.Text)
	}
	if strings.Contains(res.Text, "zhangsan@corp.com") {
		t.Errorf("non-allowlisted value leaked: %q", res.Text)
	}
	if len(res.Preserved) != 1 {
		t.Errorf("preserved = %v, want one entry", res.Preserved)
	}
}

func TestAnonymizeTextQuestionIntent(t *testing.T) {
	t.Parallel()

	e := NewEngine(EngineConfig{Intent: recognize.NewIntentDetector(nil)})
	sess := NewSession("req-1")

	q := e.AnonymizeText(context.Background(), "张三是谁？", sess)
	if !strings.Contains(q.Text, "张三") {
		t.Errorf("person in question was anonymized: %q", q.Text)
	}

	s := e.AnonymizeText(context.Background(), "把合同发给张三，让他签字。", sess)
	if strings.Contains(s.Text, "张三") {
		t.Errorf("person in statement leaked: %q", s.Text)
	}
}

func TestAnonymizeMessages(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	sess := NewSession("req-1")
	msgs := []airlock.Message{
		{Role: "system", Content: "你是客服助手,请联系 13812345678 管理员"},
		{Role: "user", Content: "我的电话是 13812345678"},
		{Role: "assistant", Content: "好的,已记录 13812345678"},
	}

	res := e.AnonymizeMessages(context.Background(), msgs, sess)

	if res.Messages[0].Content != msgs[0].Content {
		t.Errorf("system message mutated: %q", res.Messages[0].Content)
	}
	if !strings.Contains(res.Messages[1].Content, "<PHONE_1>") {
		t.Errorf("user message not anonymized: %q", res.Messages[1].Content)
	}
	if !strings.Contains(res.Messages[2].Content, "<PHONE_1>") {
		t.Errorf("assistant message should reuse the placeholder: %q", res.Messages[2].Content)
	}
	if res.Mappings["<PHONE_1>"] != "13812345678" {
		t.Errorf("mappings = %v", res.Mappings)
	}
}

func TestSetStrategies(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	sess := NewSession("req-1")

	e.SetStrategies(map[airlock.EntityType]Strategy{
		airlock.EntityPhone: {Kind: KindRedact},
	})

	res := e.AnonymizeText(context.Background(), "call 13812345678", sess)
	if !strings.Contains(res.Text, "[REDACTED]") {
		t.Errorf("strategy override ignored: %q", res.Text)
	}
	if len(res.Mappings) != 0 {
		t.Errorf("redact must not map: %v", res.Mappings)
	}
}

func TestEntityCounts(t *testing.T) {
	t.Parallel()

	applied := []Applied{
		{Detection: airlock.Detection{Type: airlock.EntityPhone}},
		{Detection: airlock.Detection{Type: airlock.EntityPhone}},
		{Detection: airlock.Detection{Type: airlock.EntityEmail}},
	}
	counts := EntityCounts(applied)
	if counts[airlock.EntityPhone] != 2 || counts[airlock.EntityEmail] != 1 {
		t.Errorf("EntityCounts = %v", counts)
	}
	if EntityCounts(nil) != nil {
		t.Error("EntityCounts(nil) should be nil")
	}
}

// allowlistOf builds a single-value allowlist for tests.
func allowlistOf(t *testing.T, typ airlock.EntityType, value string) *recognize.Allowlist {
	t.Helper()
	return recognize.NewAllowlist("test", typ, false, []string{value})
}
