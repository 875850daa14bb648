package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/JonMunkholm/finimport/internal/rules"
)

// Store errors. Implementations return these (possibly wrapped) so callers
// can branch with errors.Is regardless of the storage engine.
var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate transaction reference")
)

// Queries is the set of reads and writes the core needs. Every method runs
// inside whatever unit of work the value was obtained from.
type Queries interface {
	// Accounts
	CreateAccount(ctx context.Context, a Account) error
	GetAccount(ctx context.Context, id uuid.UUID) (Account, error)
	// GetAccountForUpdate reads the account and holds its row lock until the
	// surrounding unit of work ends.
	GetAccountForUpdate(ctx context.Context, id uuid.UUID) (Account, error)
	UpdateAccountBalance(ctx context.Context, id uuid.UUID, balance decimal.Decimal) error

	// Categories
	CreateCategory(ctx context.Context, c Category) error
	ListCategories(ctx context.Context, userID uuid.UUID) ([]Category, error)

	// Transactions
	InsertTransaction(ctx context.Context, t Transaction) error
	GetTransaction(ctx context.Context, id uuid.UUID) (Transaction, error)
	DeleteTransaction(ctx context.Context, id uuid.UUID) error
	FindTransactionByReference(ctx context.Context, accountID uuid.UUID, reference string) (Transaction, bool, error)
	ListTransactions(ctx context.Context, accountID uuid.UUID) ([]Transaction, error)
	// SumTransactions is the signed effect of every transaction touching
	// the account, transfers in both directions included.
	SumTransactions(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error)

	// Rules
	ListRules(ctx context.Context, userID uuid.UUID) ([]rules.Rule, error)
	GetRule(ctx context.Context, id uuid.UUID) (rules.Rule, error)
	CreateRule(ctx context.Context, r rules.Rule) error
	UpdateRule(ctx context.Context, r rules.Rule) error
	DeleteRule(ctx context.Context, id uuid.UUID) error

	// Import runs and audit
	InsertImportRun(ctx context.Context, run ImportRun) error
	ListImportRuns(ctx context.Context, accountID uuid.UUID) ([]ImportRun, error)
	InsertAudit(ctx context.Context, e AuditEntry) error
	ArchiveAudit(ctx context.Context, olderThan time.Time, batchSize int) (int64, error)
	PurgeAuditArchive(ctx context.Context, olderThan time.Time) (int64, error)

	// Settings
	GetSetting(ctx context.Context, userID uuid.UUID, key string) (string, bool, error)
	PutSetting(ctx context.Context, userID uuid.UUID, key, value string) error
}

// Store is Queries plus atomic units of work. InTx commits when fn returns
// nil and rolls back otherwise; partial effects are never visible.
type Store interface {
	Queries
	InTx(ctx context.Context, fn func(q Queries) error) error
}
