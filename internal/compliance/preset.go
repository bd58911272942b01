// Package compliance loads regulatory presets and applies them to the
// anonymization engine at runtime. A preset bundles a strategy table, extra
// recognizer patterns, retention limits and a system-prompt notice for one
// regime (GDPR, CCPA, PIPL, financial). Presets ship embedded in the binary;
// a directory of YAML files can override or extend them.
package compliance

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"go.yaml.in/yaml/v3"

	airlock "github.com/eugener/airlock/internal"
	"github.com/eugener/airlock/internal/anonymize"
	"github.com/eugener/airlock/internal/recognize"
)

//go:embed presets/*.yaml
var embeddedPresets embed.FS

// Retention bounds how long anonymization byproducts may live under the
// active regime.
type Retention struct {
	MappingTTL          int  `yaml:"mapping_ttl" json:"mapping_ttl"`
	AuditRetentionDays  int  `yaml:"audit_retention_days" json:"audit_retention_days"`
	LogSensitiveContent bool `yaml:"log_sensitive_content" json:"log_sensitive_content"`
}

// Anonymization controls the compliance notice injected ahead of user
// messages when a preset is active.
type Anonymization struct {
	InjectPrompt         bool   `yaml:"inject_prompt" json:"inject_prompt"`
	InjectPromptTemplate string `yaml:"inject_prompt_template" json:"inject_prompt_template"`
}

// RiskScoring partitions entity types by regulatory sensitivity. It drives
// audit risk levels, not detection.
type RiskScoring struct {
	HighRiskTypes   []string `yaml:"high_risk_types" json:"high_risk_types"`
	MediumRiskTypes []string `yaml:"medium_risk_types" json:"medium_risk_types"`
}

// CustomPattern adds one regex recognizer on top of the built-in set while
// the preset is active.
type CustomPattern struct {
	Name       string   `yaml:"name" json:"name"`
	EntityType string   `yaml:"entity_type" json:"entity_type"`
	Regex      string   `yaml:"regex" json:"regex"`
	Score      float64  `yaml:"score" json:"score"`
	Context    []string `yaml:"context" json:"context"`
}

// Preset is one fully parsed compliance profile.
type Preset struct {
	Name          string            `yaml:"name" json:"name"`
	Description   string            `yaml:"description" json:"description"`
	Version       string            `yaml:"version" json:"version"`
	Region        []string          `yaml:"region" json:"region"`
	Language      []string          `yaml:"language" json:"language"`
	PIITypes      []string          `yaml:"pii_types" json:"pii_types"`
	Strategies    map[string]string `yaml:"strategies" json:"strategies"`
	Retention     Retention         `yaml:"retention" json:"retention"`
	Anonymization Anonymization     `yaml:"anonymization" json:"anonymization"`
	RiskScoring   RiskScoring       `yaml:"risk_scoring" json:"risk_scoring"`
	Patterns      []CustomPattern   `yaml:"custom_patterns" json:"custom_patterns"`

	// key is the lowercase file stem the preset was loaded under.
	key string
}

// Key returns the name the preset is selected by: the lowercase stem of the
// file it came from ("gdpr.yaml" -> "gdpr").
func (p *Preset) Key() string { return p.key }

// parsePreset decodes one YAML document, fills defaults and validates the
// parts that would otherwise fail only at request time: strategy names and
// pattern regexes are checked here so a broken preset is rejected at load.
func parsePreset(key string, data []byte) (*Preset, error) {
	p := &Preset{
		Version: "1.0",
		Retention: Retention{
			MappingTTL:         300,
			AuditRetentionDays: 365,
		},
		Anonymization: Anonymization{
			InjectPrompt:         true,
			InjectPromptTemplate: airlock.AnonymizationNotice,
		},
	}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("preset %s: %w", key, err)
	}
	p.key = key
	if p.Name == "" {
		return nil, fmt.Errorf("%w: preset %s: missing name", airlock.ErrValidation, key)
	}
	if p.Retention.MappingTTL <= 0 {
		return nil, fmt.Errorf("%w: preset %s: mapping_ttl must be positive", airlock.ErrValidation, key)
	}
	for entity, name := range p.Strategies {
		if _, err := anonymize.ParseKind(name); err != nil {
			return nil, fmt.Errorf("preset %s: strategy for %s: %w", key, entity, err)
		}
	}
	for i, cp := range p.Patterns {
		if cp.Name == "" {
			return nil, fmt.Errorf("%w: preset %s: custom pattern %d: missing name", airlock.ErrValidation, key, i)
		}
		if cp.EntityType == "" {
			return nil, fmt.Errorf("%w: preset %s: pattern %s: missing entity_type", airlock.ErrValidation, key, cp.Name)
		}
		score := cp.Score
		if score == 0 {
			score = 0.7
			p.Patterns[i].Score = score
		}
		if _, err := recognize.NewCustomRecognizer(airlock.EntityType(cp.EntityType), cp.Regex, score, cp.Context); err != nil {
			return nil, fmt.Errorf("preset %s: pattern %s: %w", key, cp.Name, err)
		}
	}
	return p, nil
}

// strategyTable expands the preset's name-keyed strategy map into the
// engine's typed table. The "default" entry rebases every known entity type
// plus any types the preset's custom patterns introduce; per-type entries
// then override.
func (p *Preset) strategyTable() (map[airlock.EntityType]Strategy, error) {
	table := anonymize.DefaultStrategies()
	types := make(map[airlock.EntityType]struct{}, len(airlock.AllEntityTypes))
	for _, t := range airlock.AllEntityTypes {
		types[t] = struct{}{}
	}
	for _, cp := range p.Patterns {
		types[airlock.EntityType(cp.EntityType)] = struct{}{}
	}
	for _, name := range p.PIITypes {
		types[airlock.EntityType(name)] = struct{}{}
	}
	if def, ok := p.Strategies["default"]; ok {
		kind, err := anonymize.ParseKind(def)
		if err != nil {
			return nil, err
		}
		for t := range types {
			table[t] = anonymize.Strategy{Kind: kind}
		}
	}
	for entity, name := range p.Strategies {
		if entity == "default" {
			continue
		}
		kind, err := anonymize.ParseKind(name)
		if err != nil {
			return nil, err
		}
		table[airlock.EntityType(entity)] = anonymize.Strategy{Kind: kind}
	}
	return table, nil
}

// Strategy aliases the engine's strategy type so callers of this package
// don't need a second import for the common case.
type Strategy = anonymize.Strategy

// recognizerSet builds a fresh registry: the built-in recognizers plus the
// preset's custom patterns. Errors are impossible for patterns that passed
// parsePreset, but kept explicit in case a preset is constructed in code.
func (p *Preset) recognizerSet() (*recognize.Registry, error) {
	reg := recognize.DefaultRegistry()
	for _, cp := range p.Patterns {
		rec, err := recognize.NewCustomRecognizer(airlock.EntityType(cp.EntityType), cp.Regex, cp.Score, cp.Context)
		if err != nil {
			return nil, fmt.Errorf("pattern %s: %w", cp.Name, err)
		}
		reg.Add(rec)
	}
	return reg, nil
}

// loadEmbedded parses every preset compiled into the binary.
func loadEmbedded() (map[string]*Preset, error) {
	return loadFS(embeddedPresets, "presets")
}

func loadFS(fsys fs.FS, dir string) (map[string]*Preset, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*Preset, len(entries))
	for _, e := range entries {
		if e.IsDir() || !isYAML(e.Name()) {
			continue
		}
		data, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		key := stem(e.Name())
		p, err := parsePreset(key, data)
		if err != nil {
			return nil, err
		}
		out[key] = p
	}
	return out, nil
}

// loadDir reads preset files from an on-disk directory. A missing directory
// is not an error; the embedded set stands alone.
func loadDir(dir string) (map[string]*Preset, error) {
	if dir == "" {
		return nil, nil
	}
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return loadFS(os.DirFS(dir), ".")
}

func isYAML(name string) bool {
	ext := strings.ToLower(path.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

func stem(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, path.Ext(name)))
}

func sortedKeys(m map[string]*Preset) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
