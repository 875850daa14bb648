package bank

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistry_List(t *testing.T) {
	r := DefaultRegistry()
	ids := make([]string, 0)
	for _, tmpl := range r.List() {
		ids = append(ids, tmpl.ID)
	}
	assert.Equal(t, []string{"alfabank", "generic", "sberbank", "tinkoff", "vtb"}, ids)
}

func TestRegistry_Get(t *testing.T) {
	r := DefaultRegistry()

	tmpl, ok := r.Get("Tinkoff")
	require.True(t, ok)
	assert.Equal(t, ';', tmpl.DelimiterRune())
	assert.Equal(t, FieldAmount, tmpl.Columns["Сумма операции"])

	_, ok = r.Get("unknown-bank")
	assert.False(t, ok)
}

func TestTemplate_MappingSkipsUnlistedHeaders(t *testing.T) {
	tmpl, ok := DefaultRegistry().Get("tinkoff")
	require.True(t, ok)

	headers := []string{"Дата операции", "Номер карты", "Описание", "Сумма операции", "Кэшбэк", "Дата платежа"}
	m := tmpl.Mapping(headers)

	assert.Equal(t, ColumnMapping{
		"Дата операции":  FieldDate,
		"Номер карты":    FieldSkip,
		"Описание":       FieldDescription,
		"Сумма операции": FieldAmount,
		"Кэшбэк":         FieldSkip,
		// looks like a date column but the template does not list it
		"Дата платежа": FieldSkip,
	}, m)
}

func TestTemplate_MappingIsCaseSensitive(t *testing.T) {
	tmpl, ok := DefaultRegistry().Get("generic")
	require.True(t, ok)

	headers := []string{"date", "AMOUNT", "Description"}
	assert.Equal(t, ColumnMapping{
		"date":        FieldSkip,
		"AMOUNT":      FieldSkip,
		"Description": FieldDescription,
	}, tmpl.Mapping(headers))
	assert.InDelta(t, 0.2, tmpl.Score(headers), 1e-9)
}

func TestRegistry_TinkoffScenario(t *testing.T) {
	tmpl, ok := DefaultRegistry().Get("tinkoff")
	require.True(t, ok)

	headers := []string{"Дата операции", "Описание", "Сумма операции"}
	m := SuggestMapping(headers, &tmpl)

	assert.Equal(t, ColumnMapping{
		"Дата операции":  FieldDate,
		"Описание":       FieldDescription,
		"Сумма операции": FieldAmount,
	}, m)

	cols, err := m.Resolve(headers, tmpl.ReferenceColumn)
	require.NoError(t, err)
	assert.Equal(t, 0, cols.Date)
	assert.Equal(t, 1, cols.Description)
	assert.Equal(t, 2, cols.Amount)
	assert.Equal(t, -1, cols.Reference)
}

func TestRegistry_Match(t *testing.T) {
	r := DefaultRegistry()

	tests := []struct {
		name    string
		headers []string
		wantID  string
		wantOK  bool
	}{
		{
			name:    "full generic header",
			headers: []string{"Date", "Amount", "Description", "Payee", "Category", "Reference"},
			wantID:  "generic",
			wantOK:  true,
		},
		{
			name:    "tinkoff export",
			headers: []string{"Дата операции", "Дата платежа", "Номер карты", "Статус", "Сумма операции", "Валюта операции", "Категория", "Описание"},
			wantID:  "tinkoff",
			wantOK:  true,
		},
		{
			name:    "unrelated header",
			headers: []string{"foo", "bar"},
			wantOK:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl, score, ok := r.Match(tt.headers)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.wantID, tmpl.ID)
				assert.GreaterOrEqual(t, score, MatchThreshold)
			}
		})
	}
}

func TestLoadRegistry_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"not yaml", "{{{"},
		{"missing id", "- columns: {D: date, A: amount}"},
		{"unknown field", "- id: x\n  columns: {D: date, A: amount, B: balance}"},
		{"no amount", "- id: x\n  columns: {D: date}"},
		{"duplicate id", "- id: x\n  columns: {D: date, A: amount}\n- id: X\n  columns: {D: date, A: amount}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadRegistry([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}
