package bank

import (
	"errors"
	"fmt"
)

// Field is the canonical meaning assigned to a source column.
type Field string

const (
	FieldDate         Field = "date"
	FieldAmount       Field = "amount"
	FieldDescription  Field = "description"
	FieldCounterparty Field = "counterparty"
	FieldCategory     Field = "category"
	FieldSkip         Field = "skip"
)

// Valid reports whether f is one of the canonical fields or skip.
func (f Field) Valid() bool {
	switch f {
	case FieldDate, FieldAmount, FieldDescription, FieldCounterparty, FieldCategory, FieldSkip:
		return true
	}
	return false
}

// ErrInvalidMapping is wrapped by every mapping validation failure.
var ErrInvalidMapping = errors.New("invalid column mapping")

// ColumnMapping maps a source column name to its canonical field.
type ColumnMapping map[string]Field

// Validate enforces that exactly one column maps to date and exactly one to
// amount, and that every target is a known field.
func (m ColumnMapping) Validate() error {
	var dates, amounts int
	for col, f := range m {
		if !f.Valid() {
			return fmt.Errorf("%w: column %q has unknown field %q", ErrInvalidMapping, col, f)
		}
		switch f {
		case FieldDate:
			dates++
		case FieldAmount:
			amounts++
		}
	}

	switch {
	case dates == 0:
		return fmt.Errorf("%w: no column mapped to date", ErrInvalidMapping)
	case dates > 1:
		return fmt.Errorf("%w: %d columns mapped to date", ErrInvalidMapping, dates)
	case amounts == 0:
		return fmt.Errorf("%w: no column mapped to amount", ErrInvalidMapping)
	case amounts > 1:
		return fmt.Errorf("%w: %d columns mapped to amount", ErrInvalidMapping, amounts)
	}
	return nil
}

// Columns holds resolved column indexes; -1 means the field is not mapped.
type Columns struct {
	Date         int
	Amount       int
	Description  int
	Counterparty int
	Category     int
	Reference    int
}

// Resolve turns the name-based mapping into indexes for the given header row.
// referenceColumn names the column carrying an external id, if any. Names
// match exactly. When several columns carry the same optional field the
// leftmost one wins.
func (m ColumnMapping) Resolve(headers []string, referenceColumn string) (Columns, error) {
	if err := m.Validate(); err != nil {
		return Columns{}, err
	}

	cols := Columns{Date: -1, Amount: -1, Description: -1, Counterparty: -1, Category: -1, Reference: -1}
	for i, h := range headers {
		var slot *int
		switch m.FieldFor(h) {
		case FieldDate:
			slot = &cols.Date
		case FieldAmount:
			slot = &cols.Amount
		case FieldDescription:
			slot = &cols.Description
		case FieldCounterparty:
			slot = &cols.Counterparty
		case FieldCategory:
			slot = &cols.Category
		default:
			continue
		}
		if *slot < 0 {
			*slot = i
		}
	}

	if cols.Date < 0 {
		return Columns{}, fmt.Errorf("%w: date column not found in file", ErrInvalidMapping)
	}
	if cols.Amount < 0 {
		return Columns{}, fmt.Errorf("%w: amount column not found in file", ErrInvalidMapping)
	}

	if referenceColumn != "" {
		cols.Reference = headerIndex(headers, referenceColumn)
	}
	return cols, nil
}

// FieldFor returns the field a header is mapped to, or skip. Names match
// exactly; the reader has already trimmed headers and dropped any BOM.
func (m ColumnMapping) FieldFor(header string) Field {
	if f, ok := m[header]; ok {
		return f
	}
	return FieldSkip
}

func headerIndex(headers []string, name string) int {
	for i, h := range headers {
		if h == name {
			return i
		}
	}
	return -1
}
