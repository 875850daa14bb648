// Package ledger holds accounts, transactions and the materializer that
// writes a transaction together with its balance effect.
package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TxType is the direction of a transaction.
type TxType string

const (
	TypeIncome   TxType = "INCOME"
	TypeExpense  TxType = "EXPENSE"
	TypeTransfer TxType = "TRANSFER"
)

// Valid reports whether t is a known type.
func (t TxType) Valid() bool {
	return t == TypeIncome || t == TypeExpense || t == TypeTransfer
}

// Source records how a transaction entered the ledger.
type Source string

const (
	SourceManual    Source = "MANUAL"
	SourceCSVImport Source = "CSV_IMPORT"
	SourceBankSync  Source = "BANK_SYNC"
	SourceRecurring Source = "RECURRING"
)

// Account owns a running balance. Balance always equals InitialBalance plus
// the signed effect of every transaction touching the account.
type Account struct {
	ID             uuid.UUID       `json:"id"`
	UserID         uuid.UUID       `json:"userId"`
	Name           string          `json:"name"`
	Currency       string          `json:"currency"`
	InitialBalance decimal.Decimal `json:"initialBalance"`
	Balance        decimal.Decimal `json:"balance"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Category is a user-defined spending or income bucket.
type Category struct {
	ID     uuid.UUID `json:"id"`
	UserID uuid.UUID `json:"userId"`
	Name   string    `json:"name"`
}

// Transaction is a single ledger entry. Amount is always positive; Type
// carries the direction.
type Transaction struct {
	ID                uuid.UUID       `json:"id"`
	UserID            uuid.UUID       `json:"userId"`
	AccountID         uuid.UUID       `json:"accountId"`
	Type              TxType          `json:"type"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Date              time.Time       `json:"date"`
	Description       string          `json:"description,omitempty"`
	Counterparty      string          `json:"counterparty,omitempty"`
	CategoryID        *uuid.UUID      `json:"categoryId,omitempty"`
	Source            Source          `json:"source"`
	Reference         string          `json:"reference,omitempty"`
	TransferAccountID *uuid.UUID      `json:"transferAccountId,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
}

// Delta is the signed balance effect of t on account.
func (t Transaction) Delta(account uuid.UUID) decimal.Decimal {
	switch t.Type {
	case TypeIncome:
		if t.AccountID == account {
			return t.Amount
		}
	case TypeExpense:
		if t.AccountID == account {
			return t.Amount.Neg()
		}
	case TypeTransfer:
		if t.AccountID == account {
			return t.Amount.Neg()
		}
		if t.TransferAccountID != nil && *t.TransferAccountID == account {
			return t.Amount
		}
	}
	return decimal.Zero
}

// DirectionOf maps a signed amount to INCOME or EXPENSE.
func DirectionOf(amount decimal.Decimal) TxType {
	if amount.IsNegative() {
		return TypeExpense
	}
	return TypeIncome
}

// ImportRun is the append-only summary of one import commit.
type ImportRun struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"userId"`
	AccountID uuid.UUID `json:"accountId"`
	Source    Source    `json:"source"`
	FileName  string    `json:"fileName,omitempty"`
	Template  string    `json:"template,omitempty"`
	Imported  int       `json:"imported"`
	Skipped   int       `json:"skipped"`
	Errors    int       `json:"errors"`
	TotalRows int       `json:"totalRows"`
	Cancelled bool      `json:"cancelled"`
	CreatedAt time.Time `json:"createdAt"`
}
