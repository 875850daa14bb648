package rules

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	subscriptions = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	entertainment = uuid.MustParse("22222222-2222-2222-2222-222222222222")
	groceries     = uuid.MustParse("33333333-3333-3333-3333-333333333333")
)

func rule(cat uuid.UUID, field Field, pattern string, isRegex bool, priority int, created time.Time) Rule {
	return Rule{
		ID:         uuid.New(),
		CategoryID: cat,
		Field:      field,
		Pattern:    pattern,
		IsRegex:    isRegex,
		IsActive:   true,
		Priority:   priority,
		CreatedAt:  created,
	}
}

func TestMatch_HigherPriorityWins(t *testing.T) {
	now := time.Now()
	set := []Rule{
		rule(entertainment, FieldDescription, "netflix", false, 0, now),
		rule(subscriptions, FieldDescription, "netflix|spotify", true, 10, now.Add(-time.Hour)),
	}

	got, ok := Match(set, Input{Description: "NETFLIX.COM"})
	require.True(t, ok)
	assert.Equal(t, subscriptions, got)
}

func TestMatch_TieBrokenByRecency(t *testing.T) {
	now := time.Now()
	older := rule(groceries, FieldDescription, "shop", false, 5, now.Add(-24*time.Hour))
	newer := rule(entertainment, FieldDescription, "shop", false, 5, now)

	for _, order := range [][]Rule{{older, newer}, {newer, older}} {
		got, ok := Match(order, Input{Description: "Coffee shop"})
		require.True(t, ok)
		assert.Equal(t, entertainment, got)
	}
}

func TestMatch_Deterministic(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := rule(groceries, FieldDescription, "market", false, 1, ts)
	b := rule(entertainment, FieldDescription, "market", false, 1, ts)

	first, _ := Match([]Rule{a, b}, Input{Description: "Supermarket"})
	for i := 0; i < 20; i++ {
		got, ok := Match([]Rule{b, a}, Input{Description: "Supermarket"})
		require.True(t, ok)
		assert.Equal(t, first, got)
	}
}

func TestMatch_Fields(t *testing.T) {
	now := time.Now()
	set := Compile([]Rule{
		rule(groceries, FieldCounterparty, "пятёрочка", false, 0, now),
	})

	_, ok := set.Match(Input{Description: "Пятёрочка"})
	assert.False(t, ok, "counterparty rule must not look at description")

	got, ok := set.Match(Input{Counterparty: "ООО ПЯТЁРОЧКА"})
	require.True(t, ok)
	assert.Equal(t, groceries, got)
}

func TestMatch_SkipsInactiveAndInvalid(t *testing.T) {
	now := time.Now()
	inactive := rule(entertainment, FieldDescription, "uber", false, 100, now)
	inactive.IsActive = false
	broken := rule(subscriptions, FieldDescription, "([unclosed", true, 50, now)
	empty := rule(subscriptions, FieldDescription, "  ", false, 40, now)
	valid := rule(groceries, FieldDescription, "uber", false, 0, now)

	set := Compile([]Rule{inactive, broken, empty, valid})
	assert.Equal(t, 3, set.Len())
	assert.Len(t, set.Invalid(), 2)

	r, ok := set.Explain(Input{Description: "UBER *TRIP"})
	require.True(t, ok)
	assert.Equal(t, valid.ID, r.ID)
}

func TestMatch_NoText(t *testing.T) {
	set := Compile([]Rule{rule(groceries, FieldDescription, ".*", true, 0, time.Now())})
	_, ok := set.Match(Input{})
	assert.False(t, ok)
	assert.True(t, Input{Description: "  "}.Empty())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		field   Field
		pattern string
		isRegex bool
		wantErr error
	}{
		{"substring", FieldDescription, "coffee", false, nil},
		{"regex", FieldCounterparty, "^ooo .*$", true, nil},
		{"bad regex", FieldDescription, "(", true, ErrInvalidPattern},
		{"bad regex text is fine as substring", FieldDescription, "(", false, nil},
		{"empty", FieldDescription, " ", false, ErrEmptyPattern},
		{"bad field", Field("amount"), "1", false, ErrInvalidField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.field, tt.pattern, tt.isRegex)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}
