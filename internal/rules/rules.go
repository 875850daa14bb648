// Package rules assigns categories to transactions from a user's ordered
// pattern rules. Matching is a pure function of the rule set and the input
// text; callers load the rules and decide what to do with the result.
package rules

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Field selects which transaction text a rule inspects.
type Field string

const (
	FieldDescription  Field = "description"
	FieldCounterparty Field = "counterparty"
)

// Validation errors returned by Validate.
var (
	ErrInvalidField   = errors.New("rule field must be description or counterparty")
	ErrEmptyPattern   = errors.New("rule pattern is empty")
	ErrInvalidPattern = errors.New("rule pattern is not a valid regular expression")
)

// Rule maps matching transaction text to a category.
type Rule struct {
	ID         uuid.UUID `json:"id"`
	UserID     uuid.UUID `json:"userId"`
	CategoryID uuid.UUID `json:"categoryId"`
	Field      Field     `json:"field"`
	Pattern    string    `json:"pattern"`
	IsRegex    bool      `json:"isRegex"`
	IsActive   bool      `json:"isActive"`
	Priority   int       `json:"priority"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Input is the text a rule can look at.
type Input struct {
	Description  string
	Counterparty string
}

// Empty reports whether there is no text to match against.
func (in Input) Empty() bool {
	return strings.TrimSpace(in.Description) == "" && strings.TrimSpace(in.Counterparty) == ""
}

func (in Input) text(f Field) string {
	switch f {
	case FieldDescription:
		return in.Description
	case FieldCounterparty:
		return in.Counterparty
	}
	return ""
}

// Validate checks a rule definition before it is stored. Stored rules that
// fail validation later are still tolerated by the matcher.
func Validate(field Field, pattern string, isRegex bool) error {
	if field != FieldDescription && field != FieldCounterparty {
		return fmt.Errorf("%w: %q", ErrInvalidField, field)
	}
	if strings.TrimSpace(pattern) == "" {
		return ErrEmptyPattern
	}
	if isRegex {
		if _, err := regexp.Compile("(?i)" + pattern); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPattern, err)
		}
	}
	return nil
}

type compiled struct {
	rule    Rule
	re      *regexp.Regexp
	needle  string
	invalid bool
}

func (c *compiled) matches(in Input) bool {
	if c.invalid {
		return false
	}
	text := in.text(c.rule.Field)
	if text == "" {
		return false
	}
	if c.re != nil {
		return c.re.MatchString(text)
	}
	return strings.Contains(strings.ToLower(text), c.needle)
}

// Set is a compiled, ordered rule set. It is immutable and safe for
// concurrent use.
type Set struct {
	rules   []compiled
	invalid []Rule
}

// Compile drops inactive rules, orders the rest by priority (highest first)
// then creation time (newest first) and compiles regex patterns once. Rules
// whose pattern is empty or does not compile never match.
func Compile(rules []Rule) *Set {
	active := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.IsActive {
			active = append(active, r)
		}
	}
	Sort(active)

	s := &Set{rules: make([]compiled, 0, len(active))}
	for _, r := range active {
		c := compiled{rule: r}
		switch {
		case strings.TrimSpace(r.Pattern) == "":
			c.invalid = true
		case r.IsRegex:
			re, err := regexp.Compile("(?i)" + r.Pattern)
			if err != nil {
				c.invalid = true
			}
			c.re = re
		default:
			c.needle = strings.ToLower(r.Pattern)
		}
		if c.invalid {
			s.invalid = append(s.invalid, r)
		}
		s.rules = append(s.rules, c)
	}
	return s
}

// Sort orders rules the way they are evaluated. The final tie-break on id
// keeps the order stable regardless of how the rules were loaded.
func Sort(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})
}

// Explain returns the first rule matching in. Evaluation stops at the first
// hit.
func (s *Set) Explain(in Input) (Rule, bool) {
	for i := range s.rules {
		if s.rules[i].matches(in) {
			return s.rules[i].rule, true
		}
	}
	return Rule{}, false
}

// Match returns the category of the first matching rule.
func (s *Set) Match(in Input) (uuid.UUID, bool) {
	r, ok := s.Explain(in)
	if !ok {
		return uuid.Nil, false
	}
	return r.CategoryID, true
}

// Len is the number of active rules in the set.
func (s *Set) Len() int { return len(s.rules) }

// Invalid lists active rules that can never match.
func (s *Set) Invalid() []Rule { return s.invalid }

// Match is a convenience for one-off evaluation of an uncompiled rule list.
func Match(rules []Rule, in Input) (uuid.UUID, bool) {
	return Compile(rules).Match(in)
}
