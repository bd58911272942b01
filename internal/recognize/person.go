package recognize

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	airlock "github.com/eugener/airlock/internal"
)

// Person detection is heuristic: CJK names match as a known surname followed
// by one or two Han characters, Latin names as capitalized pairs. Both start
// below the detection threshold and only cross it with a title or a nearby
// context word, which keeps ordinary words like place names out.

var cjkDoubleSurnames = []string{
	"欧阳", "上官", "司马", "诸葛", "慕容", "宇文", "长孙", "夏侯", "东方", "皇甫",
	"尉迟", "公孙", "申屠", "令狐", "钟离", "司徒", "鲜于", "闻人", "澹台", "独孤",
}

const cjkSingleSurnames = "王李张刘陈杨黄赵吴周徐孙马朱胡郭何高林罗郑梁谢宋唐许韩冯邓曹彭曾肖田董袁潘于蒋蔡余杜叶程苏魏吕丁任沈姚卢姜崔钟谭陆汪范金石廖贾夏韦付方白邹孟熊秦邱江尹薛闫段雷侯龙史陶黎贺顾毛郝龚邵万钱严覃武戴莫孔汤"

// cjkNameStopRunes are function words that end a name match; a greedy
// two-character given name that swallows one is trimmed back.
const cjkNameStopRunes = "是的在了和说吗呢有不很啊就都也要会把给对向从被让为与及或到去来过着"

// cjkCommonWords are ordinary words that begin with a surname character and
// must never be treated as names.
var cjkCommonWords = []string{
	"方式", "方法", "方面", "方案", "方向", "高兴", "高级", "高度", "马上", "王国",
	"白天", "黄金", "金额", "金融", "谢谢", "周末", "周围", "许多", "董事", "石油",
	"江湖", "武器", "韩国", "唐朝", "宋朝", "胡同", "叶子", "田野", "万一", "林业",
}

var latinNonNameStarts = []string{"The", "This", "That", "New", "Hong", "San", "Los", "Las", "North", "South", "East", "West"}

const (
	cjkNameScore    = 0.45 // below threshold until a context word confirms
	titledNameScore = 0.85
	barePairScore   = 0.4
)

type personRecognizer struct {
	cjk        *regexp.Regexp
	titled     *regexp.Regexp
	barePair   *regexp.Regexp
	context    []string
	stopRunes  map[rune]bool
	blocked    map[string]bool
	exclusions map[string]bool
}

// NewPersonRecognizer builds the heuristic person-name recognizer.
func NewPersonRecognizer() Recognizer {
	alts := make([]string, 0, len(cjkDoubleSurnames))
	alts = append(alts, cjkDoubleSurnames...)
	for _, r := range cjkSingleSurnames {
		alts = append(alts, string(r))
	}
	cjk := regexp.MustCompile(`(?:` + strings.Join(alts, "|") + `)\p{Han}{1,2}`)

	stop := make(map[rune]bool)
	for _, r := range cjkNameStopRunes {
		stop[r] = true
	}
	blocked := make(map[string]bool, len(cjkCommonWords))
	for _, w := range cjkCommonWords {
		blocked[w] = true
	}
	excl := make(map[string]bool, len(latinNonNameStarts))
	for _, w := range latinNonNameStarts {
		excl[w] = true
	}
	return &personRecognizer{
		cjk:      cjk,
		titled:   regexp.MustCompile(`\b(?:Mr|Mrs|Ms|Dr|Prof)\.? ([A-Z][a-z]+(?: [A-Z][a-z]+)?)`),
		barePair: regexp.MustCompile(`\b[A-Z][a-z]+ [A-Z][a-z]+\b`),
		context: []string{
			"先生", "女士", "小姐", "老师", "经理", "同事", "名字", "联系", "通知",
			"告诉", "呼叫", "是谁", "找", "叫", "发给", "给", "收件人",
			"的电话", "的手机", "的邮箱", "的地址",
			"mr", "ms", "dr", "name", "contact", "called", "person", "employee", "customer", "colleague",
		},
		stopRunes:  stop,
		blocked:    blocked,
		exclusions: excl,
	}
}

func (p *personRecognizer) Type() airlock.EntityType { return airlock.EntityPerson }

func (p *personRecognizer) ContextWords() []string { return p.context }

func (p *personRecognizer) Recognize(text string) []airlock.Detection {
	var out []airlock.Detection

	for _, loc := range p.cjk.FindAllStringIndex(text, -1) {
		start := loc[0]
		match := text[start:loc[1]]
		var next rune
		if loc[1] < len(text) {
			next, _ = utf8.DecodeRuneInString(text[loc[1]:])
		}
		trimmed, ok := p.trimName(match, next)
		if !ok || p.blocked[trimmed] {
			continue
		}
		out = append(out, airlock.Detection{
			Type:  airlock.EntityPerson,
			Start: start,
			End:   start + len(trimmed),
			Text:  trimmed,
			Score: cjkNameScore,
		})
	}

	for _, loc := range p.titled.FindAllStringSubmatchIndex(text, -1) {
		// Group 1 is the bare name; the title stays in the text.
		start, end := loc[2], loc[3]
		out = append(out, airlock.Detection{
			Type:  airlock.EntityPerson,
			Start: start,
			End:   end,
			Text:  text[start:end],
			Score: titledNameScore,
		})
	}

	for _, loc := range p.barePair.FindAllStringIndex(text, -1) {
		match := text[loc[0]:loc[1]]
		first, _, _ := strings.Cut(match, " ")
		if p.exclusions[first] {
			continue
		}
		out = append(out, airlock.Detection{
			Type:  airlock.EntityPerson,
			Start: loc[0],
			End:   loc[1],
			Text:  match,
			Score: barePairScore,
		})
	}
	return out
}

// trimName corrects the greedy two-character given-name grab. A trailing
// function word is dropped (张三是 -> 张三), and when the match runs straight
// into more Han content (张三安排 -> 张三安|排) the name is shortened to a
// single given character, biasing toward the shorter name rather than
// swallowing the next word. ok is false when nothing but the surname remains.
func (p *personRecognizer) trimName(match string, next rune) (string, bool) {
	runes := []rune(match)
	surnameLen := 1
	for _, d := range cjkDoubleSurnames {
		if strings.HasPrefix(match, d) {
			surnameLen = 2
			break
		}
	}
	if given := len(runes) - surnameLen; given == 2 {
		last := runes[len(runes)-1]
		switch {
		case p.stopRunes[last]:
			runes = runes[:len(runes)-1]
		case unicode.Is(unicode.Han, next) && !p.stopRunes[next]:
			runes = runes[:len(runes)-1]
		}
	}
	if len(runes) <= surnameLen {
		return "", false
	}
	return string(runes), true
}
