package ledger_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/finimport/internal/ledger"
	"github.com/JonMunkholm/finimport/internal/rules"
)

func (f *fixture) addCategory(t *testing.T, name string) ledger.Category {
	t.Helper()
	c := ledger.Category{ID: uuid.New(), UserID: f.user, Name: name}
	require.NoError(t, f.store.CreateCategory(f.ctx, c))
	return c
}

func TestRulebook_CreateListOrder(t *testing.T) {
	f := newFixture(t)
	b := ledger.NewRulebook(f.store)
	subs := f.addCategory(t, "Подписки")
	fun := f.addCategory(t, "Развлечения")

	low, err := b.Create(f.ctx, f.user, ledger.RuleInput{
		CategoryID: fun.ID, Field: rules.FieldDescription, Pattern: "netflix",
	})
	require.NoError(t, err)
	assert.True(t, low.IsActive)

	high, err := b.Create(f.ctx, f.user, ledger.RuleInput{
		CategoryID: subs.ID, Field: rules.FieldDescription, Pattern: "netflix|spotify", IsRegex: true, Priority: 10,
	})
	require.NoError(t, err)

	list, err := b.List(f.ctx, f.user)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, high.ID, list[0].ID)
	assert.Equal(t, low.ID, list[1].ID)

	audit := f.store.AuditEntries()
	require.Len(t, audit, 2)
	assert.Equal(t, ledger.ActionRuleCreate, audit[0].Action)
}

func TestRulebook_CreateValidation(t *testing.T) {
	f := newFixture(t)
	b := ledger.NewRulebook(f.store)
	cat := f.addCategory(t, "Еда")

	tests := []struct {
		name string
		in   ledger.RuleInput
		want error
	}{
		{"bad regex", ledger.RuleInput{CategoryID: cat.ID, Field: rules.FieldDescription, Pattern: "(", IsRegex: true}, rules.ErrInvalidPattern},
		{"empty pattern", ledger.RuleInput{CategoryID: cat.ID, Field: rules.FieldDescription, Pattern: "  "}, rules.ErrEmptyPattern},
		{"bad field", ledger.RuleInput{CategoryID: cat.ID, Field: "amount", Pattern: "x"}, rules.ErrInvalidField},
		{"foreign category", ledger.RuleInput{CategoryID: uuid.New(), Field: rules.FieldDescription, Pattern: "x"}, ledger.ErrUnknownCategory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Create(f.ctx, f.user, tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	list, err := b.List(f.ctx, f.user)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Empty(t, f.store.AuditEntries())
}

func TestRulebook_UpdateAndDelete(t *testing.T) {
	f := newFixture(t)
	b := ledger.NewRulebook(f.store)
	cat := f.addCategory(t, "Такси")

	r, err := b.Create(f.ctx, f.user, ledger.RuleInput{CategoryID: cat.ID, Field: rules.FieldDescription, Pattern: "uber"})
	require.NoError(t, err)

	off := false
	updated, err := b.Update(f.ctx, f.user, r.ID, ledger.RuleInput{
		CategoryID: cat.ID, Field: rules.FieldCounterparty, Pattern: "yandex", IsActive: &off, Priority: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, r.ID, updated.ID)
	assert.Equal(t, r.CreatedAt, updated.CreatedAt)
	assert.False(t, updated.IsActive)
	assert.Equal(t, rules.FieldCounterparty, updated.Field)

	// other users cannot see or touch it
	stranger := uuid.New()
	_, err = b.Update(f.ctx, stranger, r.ID, ledger.RuleInput{CategoryID: cat.ID, Field: rules.FieldDescription, Pattern: "x"})
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	assert.ErrorIs(t, b.Delete(f.ctx, stranger, r.ID), ledger.ErrNotFound)

	require.NoError(t, b.Delete(f.ctx, f.user, r.ID))
	assert.ErrorIs(t, b.Delete(f.ctx, f.user, r.ID), ledger.ErrNotFound)

	actions := []ledger.AuditAction{}
	for _, e := range f.store.AuditEntries() {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []ledger.AuditAction{ledger.ActionRuleCreate, ledger.ActionRuleUpdate, ledger.ActionRuleDelete}, actions)
}

func TestRulebook_Test(t *testing.T) {
	f := newFixture(t)
	b := ledger.NewRulebook(f.store)
	subs := f.addCategory(t, "Подписки")
	fun := f.addCategory(t, "Развлечения")

	_, err := b.Create(f.ctx, f.user, ledger.RuleInput{CategoryID: fun.ID, Field: rules.FieldDescription, Pattern: "netflix"})
	require.NoError(t, err)
	_, err = b.Create(f.ctx, f.user, ledger.RuleInput{CategoryID: subs.ID, Field: rules.FieldDescription, Pattern: "netflix|spotify", IsRegex: true, Priority: 10})
	require.NoError(t, err)

	res, err := b.Test(f.ctx, f.user, rules.Input{Description: "NETFLIX.COM"}, nil)
	require.NoError(t, err)
	require.True(t, res.Matched)
	assert.Equal(t, subs.ID, *res.CategoryID)
	assert.Empty(t, res.InvalidRules)

	res, err = b.Test(f.ctx, f.user, rules.Input{Description: "Пятёрочка"}, nil)
	require.NoError(t, err)
	assert.False(t, res.Matched)
	assert.Nil(t, res.CategoryID)

	// a candidate is evaluated on its own
	res, err = b.Test(f.ctx, f.user, rules.Input{Counterparty: "ООО Пятёрочка"}, &ledger.RuleInput{
		CategoryID: fun.ID, Field: rules.FieldCounterparty, Pattern: "пят[её]рочка", IsRegex: true,
	})
	require.NoError(t, err)
	require.True(t, res.Matched)
	assert.Equal(t, fun.ID, *res.CategoryID)

	_, err = b.Test(f.ctx, f.user, rules.Input{Description: "x"}, &ledger.RuleInput{Field: rules.FieldDescription, Pattern: "[", IsRegex: true})
	assert.ErrorIs(t, err, rules.ErrInvalidPattern)

	assert.Len(t, f.store.AuditEntries(), 2)
}
