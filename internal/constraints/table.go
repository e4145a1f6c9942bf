// Package constraints loads the declarative catalogue deciding which actions
// and relationships are legal between which node kinds.
package constraints

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"cloudguardian/internal/domain"
	"cloudguardian/internal/permission"
)

//go:embed catalogue.yaml
var defaultCatalogueYAML []byte

// Config is the raw catalogue as written in YAML
type Config struct {
	Categories map[string][]string       `yaml:"categories"`
	Actions    map[string]ActionRule     `yaml:"actions"`
	Conditions map[string]string         `yaml:"conditions"`
	Simulation map[string]SimulationRule `yaml:"simulation"`
}

// ActionRule lists the (source, target) pairs an action permits
type ActionRule struct {
	Description    string     `yaml:"description"`
	AllowedBetween []KindPair `yaml:"allowed_between"`
}

// KindPair names source and target kinds or categories. An empty target
// means the rule applies to monadic grants.
type KindPair struct {
	Source []string `yaml:"source"`
	Target []string `yaml:"target"`
}

// SimulationRule binds a simulation action kind to the IAM action it exercises
type SimulationRule struct {
	Action     string   `yaml:"action" json:"action"`
	Parameters []string `yaml:"parameters" json:"parameters"`
}

type expandedPair struct {
	sources map[domain.NodeKind]bool
	// targets is nil for monadic rules
	targets map[domain.NodeKind]bool
}

// Table is the loaded constraint catalogue. It is immutable once built and
// safe to share across concurrent simulations.
type Table struct {
	categories   map[string][]domain.NodeKind
	rules        map[string][]expandedPair
	descriptions map[string]string
	actionIDs    []string
	conditions   map[string]string
	simulation   map[string]SimulationRule
}

// LoadConfig loads catalogue configuration from YAML.
// If configPath is empty, uses the embedded default catalogue.
// If configPath is provided, loads from that file.
func LoadConfig(configPath string) (*Config, error) {
	var data []byte
	var err error

	if configPath == "" {
		data = defaultCatalogueYAML
	} else {
		data, err = os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, &domain.MalformedInputError{Field: "catalogue", Message: "invalid YAML", Err: err}
	}

	return &config, nil
}

// Load reads a catalogue (embedded default when path is empty) and builds its table
func Load(configPath string) (*Table, error) {
	config, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return NewTable(config)
}

// NewTable validates a catalogue and expands its categories
func NewTable(config *Config) (*Table, error) {
	t := &Table{
		categories:   make(map[string][]domain.NodeKind),
		rules:        make(map[string][]expandedPair),
		descriptions: make(map[string]string),
		conditions:   make(map[string]string),
		simulation:   make(map[string]SimulationRule),
	}

	for name, members := range config.Categories {
		kinds := make([]domain.NodeKind, 0, len(members))
		for _, m := range members {
			kind := domain.NodeKind(m)
			if !kind.IsValid() {
				return nil, &domain.MalformedInputError{Field: "categories." + name, Message: fmt.Sprintf("unknown node kind %q", m)}
			}
			kinds = append(kinds, kind)
		}
		t.categories[name] = kinds
	}

	for id, rule := range config.Actions {
		if len(rule.AllowedBetween) == 0 {
			return nil, &domain.MalformedInputError{Field: "actions." + id, Message: "no allowed_between pairs"}
		}
		for _, pair := range rule.AllowedBetween {
			sources, err := t.expand(pair.Source)
			if err != nil {
				return nil, fmt.Errorf("actions.%s: %w", id, err)
			}
			if len(sources) == 0 {
				return nil, &domain.MalformedInputError{Field: "actions." + id, Message: "pair without source kinds"}
			}
			var targets map[domain.NodeKind]bool
			if len(pair.Target) > 0 {
				if targets, err = t.expand(pair.Target); err != nil {
					return nil, fmt.Errorf("actions.%s: %w", id, err)
				}
			}
			t.rules[id] = append(t.rules[id], expandedPair{sources: sources, targets: targets})
		}
		t.descriptions[id] = rule.Description
		t.actionIDs = append(t.actionIDs, id)
	}
	sort.Strings(t.actionIDs)

	for op, kind := range config.Conditions {
		if !permission.ConditionKind(kind).IsSupported() {
			return nil, &domain.ConditionNotSupportedError{Kind: kind}
		}
		t.conditions[op] = kind
	}

	for kind, rule := range config.Simulation {
		if !t.IsKnown(rule.Action) {
			return nil, &domain.ActionNotSupportedError{ActionID: rule.Action}
		}
		t.simulation[kind] = rule
	}

	return t, nil
}

// expand resolves kind and category names into a kind set
func (t *Table) expand(names []string) (map[domain.NodeKind]bool, error) {
	kinds := make(map[domain.NodeKind]bool)
	for _, name := range names {
		if members, ok := t.categories[name]; ok {
			for _, k := range members {
				kinds[k] = true
			}
			continue
		}
		kind := domain.NodeKind(name)
		if !kind.IsValid() {
			return nil, &domain.MalformedInputError{Field: "kind", Message: fmt.Sprintf("unknown kind or category %q", name)}
		}
		kinds[kind] = true
	}
	return kinds, nil
}

// Kind returns a pointer to k, for the optional arguments of the table queries
func Kind(k domain.NodeKind) *domain.NodeKind {
	return &k
}

// AllowedActions returns the sorted action ids permitted between the kinds.
// A nil source or target means any counterpart; a concrete target only
// matches rules that name one.
func (t *Table) AllowedActions(source, target *domain.NodeKind) []string {
	allowed := make([]string, 0)
	for _, id := range t.actionIDs {
		for _, pair := range t.rules[id] {
			if pairMatches(pair, source, target) {
				allowed = append(allowed, id)
				break
			}
		}
	}
	return allowed
}

func pairMatches(pair expandedPair, source, target *domain.NodeKind) bool {
	if source != nil && !pair.sources[*source] {
		return false
	}
	if target == nil {
		return true
	}
	return pair.targets != nil && pair.targets[*target]
}

// IsAllowed reports whether action is permitted between the kinds. Catalogue
// ids that are patterns ("ec2:*") cover every action they match.
func (t *Table) IsAllowed(source, target *domain.NodeKind, action string) bool {
	for _, id := range t.AllowedActions(source, target) {
		if id == action || permission.Action(id).Matches(action) {
			return true
		}
	}
	return false
}

// AllowsPattern reports whether a possibly wildcarded action pattern
// overlaps at least one action permitted between the kinds
func (t *Table) AllowsPattern(source, target *domain.NodeKind, pattern string) bool {
	p := permission.Action(pattern)
	for _, id := range t.AllowedActions(source, target) {
		if id == pattern || p.Matches(id) || permission.Action(id).Matches(pattern) {
			return true
		}
	}
	return false
}

// IsKnown reports whether action is covered by any catalogue entry
func (t *Table) IsKnown(action string) bool {
	for _, id := range t.actionIDs {
		if id == action || permission.Action(id).Matches(action) {
			return true
		}
	}
	return false
}

// ActionIDs returns every catalogue action id, sorted
func (t *Table) ActionIDs() []string {
	return append([]string(nil), t.actionIDs...)
}

// Description returns the catalogue description of an action id
func (t *Table) Description(id string) string {
	return t.descriptions[id]
}

// Category returns the kinds a category includes
func (t *Table) Category(name string) ([]domain.NodeKind, bool) {
	kinds, ok := t.categories[name]
	if !ok {
		return nil, false
	}
	return append([]domain.NodeKind(nil), kinds...), true
}

// ConditionKind maps an IAM condition operator to its condition kind
func (t *Table) ConditionKind(operator string) (string, bool) {
	kind, ok := t.conditions[operator]
	return kind, ok
}

// ConditionOperators returns every supported operator, sorted
func (t *Table) ConditionOperators() []string {
	ops := make([]string, 0, len(t.conditions))
	for op := range t.conditions {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// SimulationAction returns the rule for a simulation action kind
func (t *Table) SimulationAction(kind string) (SimulationRule, bool) {
	rule, ok := t.simulation[kind]
	if !ok {
		return SimulationRule{}, false
	}
	rule.Parameters = append([]string(nil), rule.Parameters...)
	return rule, true
}

// SimulationKinds returns every configured simulation action kind, sorted
func (t *Table) SimulationKinds() []string {
	kinds := make([]string, 0, len(t.simulation))
	for k := range t.simulation {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
