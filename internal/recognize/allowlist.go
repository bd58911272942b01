package recognize

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/maypok86/otter/v2"

	airlock "github.com/eugener/airlock/internal"
)

// WildcardType marks an allowlist that applies to every entity type.
const WildcardType airlock.EntityType = "*"

// Allowlist is one named set of values that must never be anonymized, e.g.
// public figures or well-known locations.
type Allowlist struct {
	Name          string
	Type          airlock.EntityType
	CaseSensitive bool
	entries       map[string]struct{}
}

// NewAllowlist builds a list from explicit entries, normalizing case unless
// caseSensitive is set.
func NewAllowlist(name string, t airlock.EntityType, caseSensitive bool, entries []string) *Allowlist {
	list := &Allowlist{
		Name:          name,
		Type:          t,
		CaseSensitive: caseSensitive,
		entries:       make(map[string]struct{}, len(entries)),
	}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !caseSensitive {
			e = strings.ToLower(e)
		}
		list.entries[e] = struct{}{}
	}
	return list
}

// Contains reports whether value is in the list.
func (a *Allowlist) Contains(value string) bool {
	if !a.CaseSensitive {
		value = strings.ToLower(value)
	}
	_, ok := a.entries[strings.TrimSpace(value)]
	return ok
}

// Len returns the number of entries.
func (a *Allowlist) Len() int { return len(a.entries) }

// AllowlistRegistry aggregates allowlists and answers per-span skip
// decisions. Decisions are memoized in a small cache because the same
// handful of values repeats across requests.
type AllowlistRegistry struct {
	lists     []*Allowlist
	decisions *otter.Cache[string, bool]
	logger    *slog.Logger
}

const allowlistCacheSize = 10_000

// NewAllowlistRegistry returns an empty registry.
func NewAllowlistRegistry(logger *slog.Logger) (*AllowlistRegistry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	decisions, err := otter.New[string, bool](&otter.Options[string, bool]{
		MaximumSize: allowlistCacheSize,
	})
	if err != nil {
		return nil, fmt.Errorf("create allowlist cache: %w", err)
	}
	return &AllowlistRegistry{decisions: decisions, logger: logger}, nil
}

// Add registers a list and invalidates memoized decisions.
func (r *AllowlistRegistry) Add(list *Allowlist) {
	r.lists = append(r.lists, list)
	r.decisions.InvalidateAll()
}

// Allowed reports whether the value is allowlisted for the entity type,
// either by a type-specific list or a wildcard list.
func (r *AllowlistRegistry) Allowed(t airlock.EntityType, value string) bool {
	if len(r.lists) == 0 {
		return false
	}
	key := string(t) + "\x00" + value
	if hit, ok := r.decisions.GetIfPresent(key); ok {
		return hit
	}
	allowed := false
	for _, list := range r.lists {
		if list.Type != t && list.Type != WildcardType {
			continue
		}
		if list.Contains(value) {
			allowed = true
			break
		}
	}
	r.decisions.Set(key, allowed)
	return allowed
}

// Lists returns the registered allowlists, for the management surface.
func (r *AllowlistRegistry) Lists() []*Allowlist { return r.lists }

// LoadAllowlistDir reads every *.txt file in dir into the registry. One
// entry per line; blank lines and # comments are skipped. The entity type is
// inferred from the file name.
func (r *AllowlistRegistry) LoadAllowlistDir(dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "*.txt"))
	if err != nil {
		return fmt.Errorf("scan allowlist dir: %w", err)
	}
	for _, path := range matches {
		list, err := loadAllowlistFile(path)
		if err != nil {
			return err
		}
		r.Add(list)
		r.logger.Info("allowlist loaded",
			"name", list.Name, "entity_type", string(list.Type), "entries", list.Len())
	}
	return nil
}

func loadAllowlistFile(path string) (*Allowlist, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open allowlist %s: %w", path, err)
	}
	defer f.Close()

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	list := &Allowlist{
		Name:    name,
		Type:    allowlistTypeFromName(name),
		entries: make(map[string]struct{}),
	}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !list.CaseSensitive {
			line = strings.ToLower(line)
		}
		list.entries[line] = struct{}{}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read allowlist %s: %w", path, err)
	}
	return list, nil
}

func allowlistTypeFromName(name string) airlock.EntityType {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "person"), strings.Contains(n, "figure"):
		return airlock.EntityPerson
	case strings.Contains(n, "location"), strings.Contains(n, "place"), strings.Contains(n, "citi"), strings.Contains(n, "city"):
		return airlock.EntityLocation
	case strings.Contains(n, "org"), strings.Contains(n, "compan"):
		return airlock.EntityOrganization
	case strings.Contains(n, "email"):
		return airlock.EntityEmail
	default:
		return WildcardType
	}
}
