package normalize

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/JonMunkholm/finimport/internal/bank"
	"github.com/JonMunkholm/finimport/internal/tabular"
)

// Row is one normalized input row. It only lives for a single import pass.
type Row struct {
	Date         time.Time
	Amount       decimal.Decimal // signed; positive is income
	Description  string
	Counterparty string
	CategoryHint string
	Reference    string
}

// Options carries per-import parsing hints.
type Options struct {
	DateFormat   string
	NegateAmount bool // bank exports expenses as positive numbers
}

// SkipError explains why a row could not be normalized.
type SkipError struct {
	Field  bank.Field
	Value  string
	Reason string
}

func (e *SkipError) Error() string {
	return fmt.Sprintf("%s %q: %s", e.Field, e.Value, e.Reason)
}

// Record normalizes one data record using resolved column indexes.
func Record(record []string, cols bank.Columns, opts Options) (Row, error) {
	rawDate := cell(record, cols.Date)
	date, ok := ParseDate(rawDate, opts.DateFormat)
	if !ok {
		return Row{}, &SkipError{Field: bank.FieldDate, Value: rawDate, Reason: "unrecognized date"}
	}

	rawAmount := cell(record, cols.Amount)
	amount, ok := ParseAmount(rawAmount)
	if !ok {
		return Row{}, &SkipError{Field: bank.FieldAmount, Value: rawAmount, Reason: "not a non-zero number"}
	}
	if opts.NegateAmount {
		amount = amount.Neg()
	}

	return Row{
		Date:         date,
		Amount:       amount,
		Description:  cell(record, cols.Description),
		Counterparty: cell(record, cols.Counterparty),
		CategoryHint: cell(record, cols.Category),
		Reference:    cell(record, cols.Reference),
	}, nil
}

func cell(record []string, idx int) string {
	if idx < 0 || idx >= len(record) {
		return ""
	}
	return tabular.CleanCell(record[idx])
}
