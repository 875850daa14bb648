package rules

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Source loads a user's rules.
//
//go:generate mockgen -destination=mocks/mock_source.go -package=mocks -source=engine.go Source
type Source interface {
	ListRules(ctx context.Context, userID uuid.UUID) ([]Rule, error)
}

// Engine is the categorization entry point shared by manual entry, imports
// and bot entry.
type Engine struct {
	src Source
}

// NewEngine creates an engine reading rules from src.
func NewEngine(src Source) *Engine {
	return &Engine{src: src}
}

// Load compiles the user's current rules. Batch callers load once and reuse
// the set for every row.
func (e *Engine) Load(ctx context.Context, userID uuid.UUID) (*Set, error) {
	rules, err := e.src.ListRules(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	return Compile(rules), nil
}

// Categorize returns the category for in, if any rule matches. Rules are not
// loaded when there is no text to match.
func (e *Engine) Categorize(ctx context.Context, userID uuid.UUID, in Input) (uuid.UUID, bool, error) {
	if in.Empty() {
		return uuid.Nil, false, nil
	}
	set, err := e.Load(ctx, userID)
	if err != nil {
		return uuid.Nil, false, err
	}
	id, ok := set.Match(in)
	return id, ok, nil
}
