package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/JonMunkholm/finimport/internal/rules"
	"github.com/JonMunkholm/finimport/internal/settings"
)

// Materialization errors. Each is fatal for one row or one request and never
// for a whole batch.
var (
	ErrUnknownAccount   = errors.New("unknown account")
	ErrInvalidAmount    = errors.New("amount must be positive")
	ErrInvalidType      = errors.New("invalid transaction type")
	ErrSameAccount      = errors.New("transfer source and destination are the same account")
	ErrCurrencyMismatch = errors.New("transfer between accounts with different currencies")
	ErrMissingTransfer  = errors.New("transfer requires a destination account")
)

// Entry describes one transaction to materialize.
type Entry struct {
	UserID       uuid.UUID
	AccountID    uuid.UUID
	Type         TxType
	Amount       decimal.Decimal // positive
	Date         time.Time
	Description  string
	Counterparty string
	CategoryID   *uuid.UUID
	Source       Source
	Reference    string // external id; deduplicated per account when set
	TransferTo   *uuid.UUID

	// Rules is a precompiled rule set. Batch callers get it once from RuleSet
	// and pass it for every row; when nil the materializer calls RuleSet itself.
	Rules *rules.Set
}

func (e Entry) validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidType, e.Type)
	}
	if !e.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if e.Type == TypeTransfer {
		if e.TransferTo == nil {
			return ErrMissingTransfer
		}
		if *e.TransferTo == e.AccountID {
			return ErrSameAccount
		}
	}
	return nil
}

func (e Entry) accounts() []uuid.UUID {
	if e.Type == TypeTransfer && e.TransferTo != nil {
		return []uuid.UUID{e.AccountID, *e.TransferTo}
	}
	return []uuid.UUID{e.AccountID}
}

// Materializer writes transactions and their balance effect as one atomic
// unit. Balance writes for an account are serialized through AccountLocks
// in process and through row locks in the store.
type Materializer struct {
	store  Store
	locks  *AccountLocks
	engine *rules.Engine
}

// NewMaterializer wires a materializer. locks must be shared by every writer
// in the process.
func NewMaterializer(store Store, locks *AccountLocks, engine *rules.Engine) *Materializer {
	if locks == nil {
		locks = &AccountLocks{}
	}
	return &Materializer{store: store, locks: locks, engine: engine}
}

// Materialize creates the transaction and applies its balance delta. When no
// category is given and the entry carries text, the rule engine picks one.
// A reference already present on the account yields ErrDuplicate and leaves
// the balance untouched.
func (m *Materializer) Materialize(ctx context.Context, e Entry) (Transaction, error) {
	if err := e.validate(); err != nil {
		return Transaction{}, err
	}

	categoryID, err := m.categorize(ctx, e)
	if err != nil {
		return Transaction{}, err
	}

	t := Transaction{
		ID:                uuid.New(),
		UserID:            e.UserID,
		AccountID:         e.AccountID,
		Type:              e.Type,
		Amount:            e.Amount,
		Date:              e.Date,
		Description:       strings.TrimSpace(e.Description),
		Counterparty:      strings.TrimSpace(e.Counterparty),
		CategoryID:        categoryID,
		Source:            e.Source,
		Reference:         strings.TrimSpace(e.Reference),
		TransferAccountID: e.TransferTo,
		CreatedAt:         time.Now().UTC(),
	}
	if t.Source == "" {
		t.Source = SourceManual
	}

	unlock := m.locks.Lock(e.accounts()...)
	defer unlock()

	err = m.store.InTx(ctx, func(q Queries) error {
		accts, err := lockAccounts(ctx, q, e.UserID, e.accounts())
		if err != nil {
			return err
		}
		src := accts[e.AccountID]

		if t.Reference != "" {
			_, found, err := q.FindTransactionByReference(ctx, e.AccountID, t.Reference)
			if err != nil {
				return fmt.Errorf("check reference: %w", err)
			}
			if found {
				return ErrDuplicate
			}
		}

		if t.Currency, err = accountCurrency(ctx, q, src); err != nil {
			return err
		}
		if e.TransferTo != nil && e.Type == TypeTransfer {
			dst, err := accountCurrency(ctx, q, accts[*e.TransferTo])
			if err != nil {
				return err
			}
			if dst != t.Currency {
				return fmt.Errorf("%w: %s -> %s", ErrCurrencyMismatch, t.Currency, dst)
			}
		}

		if err := q.InsertTransaction(ctx, t); err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}
		return applyDeltas(ctx, q, accts, t, false)
	})
	if err != nil {
		return Transaction{}, err
	}
	return t, nil
}

// Delete removes a transaction and reverses its balance effect in the same
// unit of work.
func (m *Materializer) Delete(ctx context.Context, userID, txID uuid.UUID) (Transaction, error) {
	existing, err := m.store.GetTransaction(ctx, txID)
	if err != nil {
		return Transaction{}, err
	}
	if existing.UserID != userID {
		return Transaction{}, ErrNotFound
	}

	ids := []uuid.UUID{existing.AccountID}
	if existing.TransferAccountID != nil {
		ids = append(ids, *existing.TransferAccountID)
	}

	unlock := m.locks.Lock(ids...)
	defer unlock()

	err = m.store.InTx(ctx, func(q Queries) error {
		// re-read under lock; a concurrent delete may have won
		t, err := q.GetTransaction(ctx, txID)
		if err != nil {
			return err
		}
		accts, err := lockAccounts(ctx, q, userID, ids)
		if err != nil {
			return err
		}
		if err := q.DeleteTransaction(ctx, txID); err != nil {
			return fmt.Errorf("delete transaction: %w", err)
		}
		if err := applyDeltas(ctx, q, accts, t, true); err != nil {
			return err
		}

		entry := NewAuditEntry(ctx, ActionTransactionDelete, userID)
		entry.AccountID = &t.AccountID
		entry.EntityID = t.ID.String()
		entry.RowsAffected = 1
		entry.Details = map[string]any{"type": t.Type, "amount": t.Amount.String(), "source": t.Source}
		return q.InsertAudit(ctx, entry)
	})
	if err != nil {
		return Transaction{}, err
	}
	return existing, nil
}

// TransferRequest moves money between two accounts of the same user.
type TransferRequest struct {
	UserID      uuid.UUID
	From        uuid.UUID
	To          uuid.UUID
	Amount      decimal.Decimal
	Date        time.Time
	Description string
}

// Transfer debits From and credits To atomically.
func (m *Materializer) Transfer(ctx context.Context, req TransferRequest) (Transaction, error) {
	to := req.To
	return m.Materialize(ctx, Entry{
		UserID:      req.UserID,
		AccountID:   req.From,
		Type:        TypeTransfer,
		Amount:      req.Amount,
		Date:        req.Date,
		Description: req.Description,
		Source:      SourceManual,
		TransferTo:  &to,
	})
}

// QuickEntry is the normalized triple produced by chat-bot parsing.
type QuickEntry struct {
	UserID      uuid.UUID
	AccountID   uuid.UUID
	Amount      decimal.Decimal // positive
	Direction   TxType          // INCOME or EXPENSE
	Description string
	Date        time.Time
}

// Quick records a bot-entered transaction through the same path as manual
// entry, rule-based categorization included.
func (m *Materializer) Quick(ctx context.Context, q QuickEntry) (Transaction, error) {
	if q.Direction != TypeIncome && q.Direction != TypeExpense {
		return Transaction{}, fmt.Errorf("%w: %q", ErrInvalidType, q.Direction)
	}
	date := q.Date
	if date.IsZero() {
		now := time.Now().UTC()
		date = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
	return m.Materialize(ctx, Entry{
		UserID:      q.UserID,
		AccountID:   q.AccountID,
		Type:        q.Direction,
		Amount:      q.Amount.Abs(),
		Date:        date,
		Description: q.Description,
		Source:      SourceManual,
	})
}

// Reconciliation reports the outcome of Recalculate.
type Reconciliation struct {
	Account  Account         `json:"account"`
	Previous decimal.Decimal `json:"previousBalance"`
	Drift    decimal.Decimal `json:"drift"`
}

// Recalculate recomputes an account balance from its initial balance and
// every transaction touching it. It is only run on explicit request.
func (m *Materializer) Recalculate(ctx context.Context, userID, accountID uuid.UUID) (Reconciliation, error) {
	unlock := m.locks.Lock(accountID)
	defer unlock()

	var rec Reconciliation
	err := m.store.InTx(ctx, func(q Queries) error {
		accts, err := lockAccounts(ctx, q, userID, []uuid.UUID{accountID})
		if err != nil {
			return err
		}
		acct := accts[accountID]

		sum, err := q.SumTransactions(ctx, accountID)
		if err != nil {
			return fmt.Errorf("sum transactions: %w", err)
		}

		rec.Previous = acct.Balance
		acct.Balance = acct.InitialBalance.Add(sum)
		rec.Drift = acct.Balance.Sub(rec.Previous)
		rec.Account = acct

		if err := q.UpdateAccountBalance(ctx, accountID, acct.Balance); err != nil {
			return fmt.Errorf("update balance: %w", err)
		}

		entry := NewAuditEntry(ctx, ActionRecalculate, userID)
		entry.AccountID = &accountID
		entry.Details = map[string]any{
			"previous": rec.Previous.String(),
			"balance":  acct.Balance.String(),
			"drift":    rec.Drift.String(),
		}
		return q.InsertAudit(ctx, entry)
	})
	return rec, err
}

func (m *Materializer) categorize(ctx context.Context, e Entry) (*uuid.UUID, error) {
	if e.CategoryID != nil {
		return e.CategoryID, nil
	}
	if e.Type == TypeTransfer {
		return nil, nil
	}

	in := rules.Input{Description: e.Description, Counterparty: e.Counterparty}
	if in.Empty() {
		return nil, nil
	}

	set := e.Rules
	if set == nil {
		var err error
		if set, err = m.RuleSet(ctx, e.UserID); err != nil {
			return nil, err
		}
	}
	id, ok := set.Match(in)
	if !ok {
		return nil, nil
	}
	return &id, nil
}

// RuleSet returns the compiled rules that categorize userID's entries. With
// auto_categorize off the set is empty, so manual, bot and imported entries
// only get a category when one is given explicitly.
func (m *Materializer) RuleSet(ctx context.Context, userID uuid.UUID) (*rules.Set, error) {
	auto, err := settings.AutoCategorize.Value(ctx, m.store, userID)
	if err != nil {
		return nil, err
	}
	if !auto || m.engine == nil {
		return rules.Compile(nil), nil
	}
	return m.engine.Load(ctx, userID)
}

// lockAccounts reads every account FOR UPDATE in a stable order and checks
// that userID owns them.
func lockAccounts(ctx context.Context, q Queries, userID uuid.UUID, ids []uuid.UUID) (map[uuid.UUID]Account, error) {
	out := make(map[uuid.UUID]Account, len(ids))
	for _, id := range uniqueSorted(ids) {
		a, err := q.GetAccountForUpdate(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, id)
		}
		if err != nil {
			return nil, fmt.Errorf("load account: %w", err)
		}
		if a.UserID != userID {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, id)
		}
		out[id] = a
	}
	return out, nil
}

// accountCurrency is a's currency, or the owner's default_currency when the
// account was opened without one.
func accountCurrency(ctx context.Context, q Queries, a Account) (string, error) {
	if a.Currency != "" {
		return a.Currency, nil
	}
	return settings.DefaultCurrency.Value(ctx, q, a.UserID)
}

func applyDeltas(ctx context.Context, q Queries, accts map[uuid.UUID]Account, t Transaction, reverse bool) error {
	for _, id := range uniqueSorted(mapKeys(accts)) {
		delta := t.Delta(id)
		if delta.IsZero() {
			continue
		}
		if reverse {
			delta = delta.Neg()
		}
		if err := q.UpdateAccountBalance(ctx, id, accts[id].Balance.Add(delta)); err != nil {
			return fmt.Errorf("update balance: %w", err)
		}
	}
	return nil
}

func mapKeys(m map[uuid.UUID]Account) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
