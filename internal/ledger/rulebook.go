package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/finimport/internal/rules"
)

// ErrUnknownCategory is returned when a rule targets a category the user
// does not own.
var ErrUnknownCategory = errors.New("unknown category")

// RuleInput is the user-editable part of a category rule.
type RuleInput struct {
	CategoryID uuid.UUID   `json:"categoryId"`
	Field      rules.Field `json:"field"`
	Pattern    string      `json:"pattern"`
	IsRegex    bool        `json:"isRegex"`
	IsActive   *bool       `json:"isActive,omitempty"` // defaults to true
	Priority   int         `json:"priority"`
}

func (in RuleInput) validate() error {
	return rules.Validate(in.Field, in.Pattern, in.IsRegex)
}

func (in RuleInput) apply(r *rules.Rule) {
	r.CategoryID = in.CategoryID
	r.Field = in.Field
	r.Pattern = strings.TrimSpace(in.Pattern)
	r.IsRegex = in.IsRegex
	r.Priority = in.Priority
	r.IsActive = true
	if in.IsActive != nil {
		r.IsActive = *in.IsActive
	}
}

// Rulebook manages a user's category rules. Patterns are validated on
// write; the engine still tolerates invalid patterns already stored.
type Rulebook struct {
	store Store
}

// NewRulebook creates a Rulebook backed by store.
func NewRulebook(store Store) *Rulebook {
	return &Rulebook{store: store}
}

// List returns the user's rules in evaluation order.
func (b *Rulebook) List(ctx context.Context, userID uuid.UUID) ([]rules.Rule, error) {
	list, err := b.store.ListRules(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	rules.Sort(list)
	return list, nil
}

// Create validates and stores a new rule.
func (b *Rulebook) Create(ctx context.Context, userID uuid.UUID, in RuleInput) (rules.Rule, error) {
	if err := in.validate(); err != nil {
		return rules.Rule{}, err
	}

	r := rules.Rule{ID: uuid.New(), UserID: userID, CreatedAt: time.Now().UTC()}
	in.apply(&r)

	err := b.store.InTx(ctx, func(q Queries) error {
		if err := ownsCategory(ctx, q, userID, r.CategoryID); err != nil {
			return err
		}
		if err := q.CreateRule(ctx, r); err != nil {
			return fmt.Errorf("create rule: %w", err)
		}
		return q.InsertAudit(ctx, ruleAudit(ctx, ActionRuleCreate, r))
	})
	if err != nil {
		return rules.Rule{}, err
	}
	return r, nil
}

// Update replaces the editable fields of an existing rule.
func (b *Rulebook) Update(ctx context.Context, userID, id uuid.UUID, in RuleInput) (rules.Rule, error) {
	if err := in.validate(); err != nil {
		return rules.Rule{}, err
	}

	var r rules.Rule
	err := b.store.InTx(ctx, func(q Queries) error {
		var err error
		r, err = ownedRule(ctx, q, userID, id)
		if err != nil {
			return err
		}
		in.apply(&r)
		if err := ownsCategory(ctx, q, userID, r.CategoryID); err != nil {
			return err
		}
		if err := q.UpdateRule(ctx, r); err != nil {
			return fmt.Errorf("update rule: %w", err)
		}
		return q.InsertAudit(ctx, ruleAudit(ctx, ActionRuleUpdate, r))
	})
	if err != nil {
		return rules.Rule{}, err
	}
	return r, nil
}

// Delete removes a rule.
func (b *Rulebook) Delete(ctx context.Context, userID, id uuid.UUID) error {
	return b.store.InTx(ctx, func(q Queries) error {
		r, err := ownedRule(ctx, q, userID, id)
		if err != nil {
			return err
		}
		if err := q.DeleteRule(ctx, id); err != nil {
			return fmt.Errorf("delete rule: %w", err)
		}
		return q.InsertAudit(ctx, ruleAudit(ctx, ActionRuleDelete, r))
	})
}

// RuleTest is the outcome of a dry-run evaluation.
type RuleTest struct {
	Matched      bool         `json:"matched"`
	Rule         *rules.Rule  `json:"rule,omitempty"`
	CategoryID   *uuid.UUID   `json:"categoryId,omitempty"`
	InvalidRules []rules.Rule `json:"invalidRules"`
}

// Test evaluates in against the user's stored rules, or against candidate
// alone when it is given. Nothing is written.
func (b *Rulebook) Test(ctx context.Context, userID uuid.UUID, in rules.Input, candidate *RuleInput) (RuleTest, error) {
	var list []rules.Rule
	if candidate != nil {
		if err := candidate.validate(); err != nil {
			return RuleTest{}, err
		}
		r := rules.Rule{ID: uuid.Nil, UserID: userID}
		candidate.apply(&r)
		r.IsActive = true
		list = []rules.Rule{r}
	} else {
		var err error
		if list, err = b.store.ListRules(ctx, userID); err != nil {
			return RuleTest{}, fmt.Errorf("list rules: %w", err)
		}
	}

	set := rules.Compile(list)
	res := RuleTest{InvalidRules: set.Invalid()}
	if res.InvalidRules == nil {
		res.InvalidRules = []rules.Rule{}
	}
	if r, ok := set.Explain(in); ok {
		res.Matched = true
		res.Rule = &r
		res.CategoryID = &r.CategoryID
	}
	return res, nil
}

func ownedRule(ctx context.Context, q Queries, userID, id uuid.UUID) (rules.Rule, error) {
	r, err := q.GetRule(ctx, id)
	if err != nil {
		return rules.Rule{}, err
	}
	if r.UserID != userID {
		return rules.Rule{}, ErrNotFound
	}
	return r, nil
}

func ownsCategory(ctx context.Context, q Queries, userID, categoryID uuid.UUID) error {
	cats, err := q.ListCategories(ctx, userID)
	if err != nil {
		return fmt.Errorf("list categories: %w", err)
	}
	for _, c := range cats {
		if c.ID == categoryID {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownCategory, categoryID)
}

func ruleAudit(ctx context.Context, action AuditAction, r rules.Rule) AuditEntry {
	entry := NewAuditEntry(ctx, action, r.UserID)
	entry.EntityID = r.ID.String()
	entry.RowsAffected = 1
	entry.Details = map[string]any{
		"field":    string(r.Field),
		"pattern":  r.Pattern,
		"isRegex":  r.IsRegex,
		"priority": r.Priority,
		"active":   r.IsActive,
	}
	return entry
}
