package anonymize

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strconv"
	"sync"
	"unicode"

	airlock "github.com/eugener/airlock/internal"
	"github.com/eugener/airlock/internal/recognize"
)

// Generator produces deterministic synthetic stand-ins: the same original
// value always maps to the same fake within one session, and the fake keeps
// the shape of the original (a valid-looking phone stays a phone, an identity
// number keeps its region, birth date, gender parity and a correct check
// digit).
type Generator struct {
	sessionID string

	mu   sync.Mutex
	memo map[string]string
}

// NewGenerator creates a generator seeded by the session ID.
func NewGenerator(sessionID string) *Generator {
	return &Generator{
		sessionID: sessionID,
		memo:      make(map[string]string),
	}
}

// Generate returns the synthetic replacement for original. Types without a
// synthesizer come back unchanged.
func (g *Generator) Generate(t airlock.EntityType, original string) string {
	key := string(t) + "\x00" + original
	g.mu.Lock()
	if v, ok := g.memo[key]; ok {
		g.mu.Unlock()
		return v
	}
	g.mu.Unlock()

	h := g.hash(original)
	var out string
	switch t {
	case airlock.EntityPerson:
		out = g.synthPerson(original, h)
	case airlock.EntityPhone:
		out = synthPhone(h)
	case airlock.EntityEmail:
		out = synthEmail(h)
	case airlock.EntityIDCard:
		out = synthIDCard(original, h)
	default:
		out = original
	}

	g.mu.Lock()
	g.memo[key] = out
	g.mu.Unlock()
	return out
}

// hash derives the per-value determinism source from session and value.
func (g *Generator) hash(value string) uint64 {
	sum := sha256.Sum256([]byte(g.sessionID + ":" + value))
	return binary.BigEndian.Uint64(sum[:8])
}

var (
	cnSurnamePool = []string{"王", "李", "张", "刘", "陈", "杨", "黄", "赵", "周", "吴", "徐", "孙", "朱", "高", "林", "何"}
	cnGivenPool   = []rune("伟芳娜敏静丽强磊军洋勇艳杰涛明超秀兰平刚辉梅鑫浩宇晨欣怡")
	enFirstPool   = []string{"Alex", "Sam", "Jamie", "Chris", "Taylor", "Jordan", "Casey", "Robin", "Morgan", "Riley", "Quinn", "Avery"}
	enLastPool    = []string{"Smith", "Johnson", "Brown", "Miller", "Davis", "Wilson", "Moore", "Clark", "Walker", "Hall", "Young", "King"}
	phonePrefixes = []string{"138", "139", "137", "136", "135", "150", "151", "152", "158", "159", "176", "177", "182", "187", "188", "199"}
	emailLocals   = []string{"alex", "sam", "jamie", "chris", "taylor", "jordan", "casey", "robin", "lee", "max"}
	emailDomains  = []string{"example.com", "example.org", "example.net", "mail.example.com"}
)

func (g *Generator) synthPerson(original string, h uint64) string {
	if hasHan(original) {
		surname := cnSurnamePool[h%uint64(len(cnSurnamePool))]
		givenLen := len([]rune(original)) - 1
		if givenLen < 1 {
			givenLen = 1
		}
		if givenLen > 2 {
			givenLen = 2
		}
		name := surname
		for i := 0; i < givenLen; i++ {
			name += string(cnGivenPool[(h>>(8*(i+1)))%uint64(len(cnGivenPool))])
		}
		return name
	}
	first := enFirstPool[h%uint64(len(enFirstPool))]
	last := enLastPool[(h>>8)%uint64(len(enLastPool))]
	return first + " " + last
}

func synthPhone(h uint64) string {
	prefix := phonePrefixes[h%uint64(len(phonePrefixes))]
	return fmt.Sprintf("%s%08d", prefix, (h>>8)%100_000_000)
}

func synthEmail(h uint64) string {
	local := emailLocals[h%uint64(len(emailLocals))]
	domain := emailDomains[(h>>8)%uint64(len(emailDomains))]
	return fmt.Sprintf("%s%02d@%s", local, (h>>16)%100, domain)
}

// synthIDCard preserves province, birth date and gender parity of the
// original number and recomputes the check digit so the fake still
// validates.
func synthIDCard(original string, h uint64) string {
	region, birth, seq, ok := recognize.ParseIDCard(original)
	if !ok {
		region, birth, seq = "110101", synthBirthDate(h), "001"
	}
	province := region[:2]
	area := province + fmt.Sprintf("%04d", h%10_000)

	male := true
	if n, err := strconv.Atoi(seq[len(seq)-1:]); err == nil {
		male = n%2 == 1
	}
	lastSeq := 2 * int((h>>16)%5)
	if male {
		lastSeq++
	}
	first17 := fmt.Sprintf("%s%s%02d%d", area, birth, (h>>8)%100, lastSeq)
	check, ok := recognize.IDCardCheckDigit(first17)
	if !ok {
		return original
	}
	return first17 + string(check)
}

func synthBirthDate(h uint64) string {
	year := 1960 + int(h%40)
	month := 1 + int((h>>8)%12)
	day := 1 + int((h>>16)%28)
	return fmt.Sprintf("%04d%02d%02d", year, month, day)
}

func hasHan(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Han, r) {
			return true
		}
	}
	return false
}
