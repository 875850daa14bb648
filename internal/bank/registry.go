// Package bank knows the layouts of bank statement exports: the static
// template table and the heuristics used when no template applies.
package bank

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// MatchThreshold is the minimum share of a template's columns that must be
// present in a header row for Match to suggest it.
const MatchThreshold = 0.6

//go:embed templates.yaml
var builtinTemplates []byte

// Template is a fixed per-bank parsing configuration.
type Template struct {
	ID              string           `yaml:"id" json:"id"`
	Name            string           `yaml:"name" json:"name"`
	Delimiter       string           `yaml:"delimiter" json:"delimiter"`
	SkipRows        int              `yaml:"skipRows" json:"skipRows"`
	DateFormat      string           `yaml:"dateFormat,omitempty" json:"dateFormat,omitempty"`
	Currency        string           `yaml:"currency,omitempty" json:"currency,omitempty"`
	ReferenceColumn string           `yaml:"referenceColumn,omitempty" json:"referenceColumn,omitempty"`
	InvertSign      bool             `yaml:"invertSign,omitempty" json:"invertSign,omitempty"`
	Columns         map[string]Field `yaml:"columns" json:"columns"`
}

// DelimiterRune returns the template delimiter, comma when unset.
func (t Template) DelimiterRune() rune {
	return ParseDelimiter(t.Delimiter)
}

// Mapping applies the template to a header row. Headers the template does
// not list by their exact name resolve to skip.
func (t Template) Mapping(headers []string) ColumnMapping {
	known := ColumnMapping(t.Columns)
	m := make(ColumnMapping, len(headers))
	for _, h := range headers {
		m[h] = known.FieldFor(h)
	}
	return m
}

// Score is the share of template columns present in headers.
func (t Template) Score(headers []string) float64 {
	if len(t.Columns) == 0 {
		return 0
	}

	present := make(map[string]bool, len(headers))
	for _, h := range headers {
		present[h] = true
	}

	matched := 0
	for col := range t.Columns {
		if present[col] {
			matched++
		}
	}
	return float64(matched) / float64(len(t.Columns))
}

func (t Template) validate() error {
	if t.ID == "" {
		return fmt.Errorf("template without id")
	}
	var dates, amounts int
	for col, f := range t.Columns {
		if !f.Valid() {
			return fmt.Errorf("template %s: column %q has unknown field %q", t.ID, col, f)
		}
		switch f {
		case FieldDate:
			dates++
		case FieldAmount:
			amounts++
		}
	}
	if dates != 1 || amounts != 1 {
		return fmt.Errorf("template %s: needs exactly one date and one amount column", t.ID)
	}
	return nil
}

// Registry is an immutable lookup of templates by id. It is safe for
// concurrent use.
type Registry struct {
	byID map[string]Template
	ids  []string
}

// NewRegistry validates and indexes the given templates.
func NewRegistry(templates ...Template) (*Registry, error) {
	r := &Registry{byID: make(map[string]Template, len(templates))}
	for _, t := range templates {
		t.ID = strings.ToLower(strings.TrimSpace(t.ID))
		if err := t.validate(); err != nil {
			return nil, err
		}
		if _, dup := r.byID[t.ID]; dup {
			return nil, fmt.Errorf("duplicate template id %q", t.ID)
		}
		r.byID[t.ID] = t
		r.ids = append(r.ids, t.ID)
	}
	sort.Strings(r.ids)
	return r, nil
}

// LoadRegistry parses a YAML list of templates.
func LoadRegistry(data []byte) (*Registry, error) {
	var templates []Template
	if err := yaml.Unmarshal(data, &templates); err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return NewRegistry(templates...)
}

// DefaultRegistry returns a registry holding the built-in templates.
func DefaultRegistry() *Registry {
	r, err := LoadRegistry(builtinTemplates)
	if err != nil {
		panic(fmt.Sprintf("bank: built-in templates: %v", err))
	}
	return r
}

// Get looks up a template by id, ignoring case.
func (r *Registry) Get(id string) (Template, bool) {
	t, ok := r.byID[strings.ToLower(strings.TrimSpace(id))]
	return t, ok
}

// List returns every template sorted by id.
func (r *Registry) List() []Template {
	out := make([]Template, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, r.byID[id])
	}
	return out
}

// Match returns the template whose columns best cover headers, if its score
// reaches MatchThreshold. Ties go to the lower id.
func (r *Registry) Match(headers []string) (Template, float64, bool) {
	var (
		best      Template
		bestScore float64
	)
	for _, id := range r.ids {
		t := r.byID[id]
		if score := t.Score(headers); score > bestScore {
			best, bestScore = t, score
		}
	}
	if bestScore < MatchThreshold {
		return Template{}, bestScore, false
	}
	return best, bestScore, true
}
