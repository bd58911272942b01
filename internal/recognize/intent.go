package recognize

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"go.yaml.in/yaml/v3"

	airlock "github.com/eugener/airlock/internal"
)

// Intent detection decides whether a detected entity is being asked ABOUT
// (a question, safe to preserve so the model can answer) or being acted ON
// (a statement that leaks data, must be anonymized). Only question-favoring
// entity types are ever preserved.

// DefaultQuestionFavoring lists the types preserved inside questions unless
// overridden by configuration.
func DefaultQuestionFavoring() []airlock.EntityType {
	return []airlock.EntityType{airlock.EntityPerson, airlock.EntityOrganization, airlock.EntityLocation}
}

var defaultQuestionPatterns = []string{
	`^\s*(\?|？|谁|何人|哪位|哪些|什么叫|什么是|请问|如何|怎么|多少|几|是不是|能否|可以)`,
	`(是誰|是谁|是什么|怎么样|如何|吗\?|呢\?|吗？|呢？)$`,
	`^\s*(请|kindly)?(告诉我|介绍一下|讲讲|说说|描述一下|解释一下)`,
	`(你知道|听说过)`,
	`(查一下|查查|搜索|找一下|找找)`,
	`(?i)^\s*(who|what|where|when|why|how|which|whose|whom|is|are|do|does|can|could|would|should|will)\b`,
	`\?\s*$`,
	`(?i)(tell me|describe|explain|introduce)`,
	`(?i)(do you know|have you heard)`,
}

var defaultQuestionContext = []string{
	`(?i)(是哪|是誰|是谁|叫什么|叫啥|what is|who is)`,
	`(?i)(介绍|描述|explain|describe|introduce|tell me about)`,
}

var defaultStatementContext = []string{
	`(?i)(联系|呼叫|发邮件|发送|写信|告诉|通知|提醒|call|email|text|send|write|notify)`,
	`(?i)(的电话|的邮箱|的地址|的身份证|的手机|'s phone|'s email|'s address)`,
}

// IntentDetector classifies request text and decides span preservation.
type IntentDetector struct {
	favoring         map[airlock.EntityType]bool
	question         []*regexp.Regexp
	questionContext  []*regexp.Regexp
	statementContext []*regexp.Regexp
}

// NewIntentDetector builds a detector with the built-in patterns. A nil
// favoring slice keeps the defaults.
func NewIntentDetector(favoring []airlock.EntityType) *IntentDetector {
	if favoring == nil {
		favoring = DefaultQuestionFavoring()
	}
	fav := make(map[airlock.EntityType]bool, len(favoring))
	for _, t := range favoring {
		fav[t] = true
	}
	return &IntentDetector{
		favoring:         fav,
		question:         compileAll(defaultQuestionPatterns),
		questionContext:  compileAll(defaultQuestionContext),
		statementContext: compileAll(defaultStatementContext),
	}
}

// intentPatternFile is the YAML shape for pattern overrides.
type intentPatternFile struct {
	QuestionPatterns         []string `yaml:"question_patterns"`
	QuestionContextPatterns  []string `yaml:"question_context_patterns"`
	StatementContextPatterns []string `yaml:"statement_context_patterns"`
}

// LoadPatterns replaces the built-in pattern sets with ones from a YAML
// file. Empty sections keep their defaults.
func (d *IntentDetector) LoadPatterns(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read intent patterns: %w", err)
	}
	var file intentPatternFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse intent patterns: %w", err)
	}
	if len(file.QuestionPatterns) > 0 {
		re, err := compileChecked(file.QuestionPatterns)
		if err != nil {
			return err
		}
		d.question = re
	}
	if len(file.QuestionContextPatterns) > 0 {
		re, err := compileChecked(file.QuestionContextPatterns)
		if err != nil {
			return err
		}
		d.questionContext = re
	}
	if len(file.StatementContextPatterns) > 0 {
		re, err := compileChecked(file.StatementContextPatterns)
		if err != nil {
			return err
		}
		d.statementContext = re
	}
	return nil
}

// Classify reports whether the whole text reads as a question and with what
// confidence. Unmatched text defaults to a weak statement.
func (d *IntentDetector) Classify(text string) (question bool, confidence float64) {
	trimmed := strings.TrimSpace(text)
	if strings.HasSuffix(trimmed, "?") || strings.HasSuffix(trimmed, "？") {
		return true, 0.9
	}
	for _, re := range d.question {
		if re.MatchString(text) {
			return true, 0.85
		}
	}
	return false, 0.5
}

// ShouldPreserve reports whether the detection should be left in clear text:
// the type must be question-favoring and the span must sit in a question
// context rather than a statement context.
func (d *IntentDetector) ShouldPreserve(text string, det airlock.Detection) bool {
	if !d.favoring[det.Type] {
		return false
	}
	if q, conf := d.Classify(text); q && conf > 0.8 {
		return true
	}
	lo := runesBack(text, det.Start, contextWindow)
	hi := runesForward(text, det.End, contextWindow)
	window := text[lo:hi]
	for _, re := range d.questionContext {
		if re.MatchString(window) {
			return true
		}
	}
	for _, re := range d.statementContext {
		if re.MatchString(window) {
			return false
		}
	}
	return false
}

// Favoring returns the configured question-favoring types, for status
// endpoints.
func (d *IntentDetector) Favoring() []airlock.EntityType {
	out := make([]airlock.EntityType, 0, len(d.favoring))
	for _, t := range airlock.AllEntityTypes {
		if d.favoring[t] {
			out = append(out, t)
		}
	}
	return out
}

func compileAll(exprs []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(e)
	}
	return out
}

func compileChecked(exprs []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		re, err := regexp.Compile(e)
		if err != nil {
			return nil, fmt.Errorf("intent pattern %q: %w", e, err)
		}
		out[i] = re
	}
	return out, nil
}
