// Package memory is an in-process ledger.Store. Units of work write the live
// state under the store mutex and keep an undo log, so a failed InTx leaves
// nothing behind and a unit costs what it touches. It backs tests and the
// server's no-database mode.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/JonMunkholm/finimport/internal/ledger"
	"github.com/JonMunkholm/finimport/internal/rules"
)

type refKey struct {
	account   uuid.UUID
	reference string
}

type state struct {
	accounts     map[uuid.UUID]ledger.Account
	categories   map[uuid.UUID]ledger.Category
	transactions map[uuid.UUID]ledger.Transaction
	references   map[refKey]uuid.UUID
	rules        map[uuid.UUID]rules.Rule
	runs         []ledger.ImportRun
	audit        []ledger.AuditEntry
	archive      []ledger.AuditEntry
	settings     map[string]string
}

func newState() *state {
	return &state{
		accounts:     make(map[uuid.UUID]ledger.Account),
		categories:   make(map[uuid.UUID]ledger.Category),
		transactions: make(map[uuid.UUID]ledger.Transaction),
		references:   make(map[refKey]uuid.UUID),
		rules:        make(map[uuid.UUID]rules.Rule),
		settings:     make(map[string]string),
	}
}

// Store is a mutex-guarded ledger.Store.
type Store struct {
	mu   sync.Mutex
	data *state

	// InsertHook, when set, runs before every transaction insert; a non-nil
	// error aborts the insert the way a constraint violation would.
	InsertHook func(t ledger.Transaction) error
}

// New returns an empty store.
func New() *Store {
	return &Store{data: newState()}
}

// InTx runs fn against the live state and undoes its writes if fn fails.
// Units of work are serialized, so nobody observes a half-applied one.
func (s *Store) InTx(ctx context.Context, fn func(q ledger.Queries) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	v := &view{st: s.data, hook: s.InsertHook, inTx: true}
	if err := fn(v); err != nil {
		v.rollback()
		return err
	}
	return nil
}

// autocommit runs a single query against the live state.
func (s *Store) autocommit(fn func(v *view) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&view{st: s.data, hook: s.InsertHook})
}

// AuditEntries returns a copy of the hot audit log, oldest first.
func (s *Store) AuditEntries() []ledger.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ledger.AuditEntry(nil), s.data.audit...)
}

// ArchivedAuditEntries returns a copy of the audit archive.
func (s *Store) ArchivedAuditEntries() []ledger.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ledger.AuditEntry(nil), s.data.archive...)
}

// =============================================================================
// ledger.Queries on the live state
// =============================================================================

func (s *Store) CreateAccount(ctx context.Context, a ledger.Account) error {
	return s.autocommit(func(v *view) error { return v.CreateAccount(ctx, a) })
}

func (s *Store) GetAccount(ctx context.Context, id uuid.UUID) (a ledger.Account, err error) {
	err = s.autocommit(func(v *view) error { a, err = v.GetAccount(ctx, id); return err })
	return a, err
}

func (s *Store) GetAccountForUpdate(ctx context.Context, id uuid.UUID) (a ledger.Account, err error) {
	return s.GetAccount(ctx, id)
}

func (s *Store) UpdateAccountBalance(ctx context.Context, id uuid.UUID, balance decimal.Decimal) error {
	return s.autocommit(func(v *view) error { return v.UpdateAccountBalance(ctx, id, balance) })
}

func (s *Store) CreateCategory(ctx context.Context, c ledger.Category) error {
	return s.autocommit(func(v *view) error { return v.CreateCategory(ctx, c) })
}

func (s *Store) ListCategories(ctx context.Context, userID uuid.UUID) (out []ledger.Category, err error) {
	err = s.autocommit(func(v *view) error { out, err = v.ListCategories(ctx, userID); return err })
	return out, err
}

func (s *Store) InsertTransaction(ctx context.Context, t ledger.Transaction) error {
	return s.autocommit(func(v *view) error { return v.InsertTransaction(ctx, t) })
}

func (s *Store) GetTransaction(ctx context.Context, id uuid.UUID) (t ledger.Transaction, err error) {
	err = s.autocommit(func(v *view) error { t, err = v.GetTransaction(ctx, id); return err })
	return t, err
}

func (s *Store) DeleteTransaction(ctx context.Context, id uuid.UUID) error {
	return s.autocommit(func(v *view) error { return v.DeleteTransaction(ctx, id) })
}

func (s *Store) FindTransactionByReference(ctx context.Context, accountID uuid.UUID, reference string) (t ledger.Transaction, found bool, err error) {
	err = s.autocommit(func(v *view) error {
		t, found, err = v.FindTransactionByReference(ctx, accountID, reference)
		return err
	})
	return t, found, err
}

func (s *Store) ListTransactions(ctx context.Context, accountID uuid.UUID) (out []ledger.Transaction, err error) {
	err = s.autocommit(func(v *view) error { out, err = v.ListTransactions(ctx, accountID); return err })
	return out, err
}

func (s *Store) SumTransactions(ctx context.Context, accountID uuid.UUID) (sum decimal.Decimal, err error) {
	err = s.autocommit(func(v *view) error { sum, err = v.SumTransactions(ctx, accountID); return err })
	return sum, err
}

func (s *Store) ListRules(ctx context.Context, userID uuid.UUID) (out []rules.Rule, err error) {
	err = s.autocommit(func(v *view) error { out, err = v.ListRules(ctx, userID); return err })
	return out, err
}

func (s *Store) GetRule(ctx context.Context, id uuid.UUID) (r rules.Rule, err error) {
	err = s.autocommit(func(v *view) error { r, err = v.GetRule(ctx, id); return err })
	return r, err
}

func (s *Store) CreateRule(ctx context.Context, r rules.Rule) error {
	return s.autocommit(func(v *view) error { return v.CreateRule(ctx, r) })
}

func (s *Store) UpdateRule(ctx context.Context, r rules.Rule) error {
	return s.autocommit(func(v *view) error { return v.UpdateRule(ctx, r) })
}

func (s *Store) DeleteRule(ctx context.Context, id uuid.UUID) error {
	return s.autocommit(func(v *view) error { return v.DeleteRule(ctx, id) })
}

func (s *Store) InsertImportRun(ctx context.Context, run ledger.ImportRun) error {
	return s.autocommit(func(v *view) error { return v.InsertImportRun(ctx, run) })
}

func (s *Store) ListImportRuns(ctx context.Context, accountID uuid.UUID) (out []ledger.ImportRun, err error) {
	err = s.autocommit(func(v *view) error { out, err = v.ListImportRuns(ctx, accountID); return err })
	return out, err
}

func (s *Store) InsertAudit(ctx context.Context, e ledger.AuditEntry) error {
	return s.autocommit(func(v *view) error { return v.InsertAudit(ctx, e) })
}

func (s *Store) ArchiveAudit(ctx context.Context, olderThan time.Time, batchSize int) (n int64, err error) {
	err = s.autocommit(func(v *view) error { n, err = v.ArchiveAudit(ctx, olderThan, batchSize); return err })
	return n, err
}

func (s *Store) PurgeAuditArchive(ctx context.Context, olderThan time.Time) (n int64, err error) {
	err = s.autocommit(func(v *view) error { n, err = v.PurgeAuditArchive(ctx, olderThan); return err })
	return n, err
}

func (s *Store) GetSetting(ctx context.Context, userID uuid.UUID, key string) (val string, ok bool, err error) {
	err = s.autocommit(func(v *view) error { val, ok, err = v.GetSetting(ctx, userID, key); return err })
	return val, ok, err
}

func (s *Store) PutSetting(ctx context.Context, userID uuid.UUID, key, value string) error {
	return s.autocommit(func(v *view) error { return v.PutSetting(ctx, userID, key, value) })
}

// =============================================================================
// view: queries against one state snapshot, no locking
// =============================================================================

type view struct {
	st   *state
	hook func(ledger.Transaction) error

	inTx bool
	undo []func()
}

// onRollback records how to revert a write. Outside InTx writes are final.
func (v *view) onRollback(fn func()) {
	if v.inTx {
		v.undo = append(v.undo, fn)
	}
}

func (v *view) rollback() {
	for i := len(v.undo) - 1; i >= 0; i-- {
		v.undo[i]()
	}
	v.undo = nil
}

// restore returns a func that puts m[k] back to its current value, or
// removes it when absent.
func restore[K comparable, V any](m map[K]V, k K) func() {
	old, had := m[k]
	return func() {
		if had {
			m[k] = old
		} else {
			delete(m, k)
		}
	}
}

// keepSlice returns a func that resets *p to its current header. Appends
// after it only write past the saved length.
func keepSlice[T any](p *[]T) func() {
	saved := *p
	return func() { *p = saved }
}

func (v *view) CreateAccount(_ context.Context, a ledger.Account) error {
	if _, exists := v.st.accounts[a.ID]; exists {
		return fmt.Errorf("account %s already exists", a.ID)
	}
	v.onRollback(restore(v.st.accounts, a.ID))
	v.st.accounts[a.ID] = a
	return nil
}

func (v *view) GetAccount(_ context.Context, id uuid.UUID) (ledger.Account, error) {
	a, ok := v.st.accounts[id]
	if !ok {
		return ledger.Account{}, fmt.Errorf("account %s: %w", id, ledger.ErrNotFound)
	}
	return a, nil
}

func (v *view) GetAccountForUpdate(ctx context.Context, id uuid.UUID) (ledger.Account, error) {
	return v.GetAccount(ctx, id)
}

func (v *view) UpdateAccountBalance(_ context.Context, id uuid.UUID, balance decimal.Decimal) error {
	a, ok := v.st.accounts[id]
	if !ok {
		return fmt.Errorf("account %s: %w", id, ledger.ErrNotFound)
	}
	a.Balance = balance
	v.onRollback(restore(v.st.accounts, id))
	v.st.accounts[id] = a
	return nil
}

func (v *view) CreateCategory(_ context.Context, c ledger.Category) error {
	v.onRollback(restore(v.st.categories, c.ID))
	v.st.categories[c.ID] = c
	return nil
}

func (v *view) ListCategories(_ context.Context, userID uuid.UUID) ([]ledger.Category, error) {
	var out []ledger.Category
	for _, c := range v.st.categories {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (v *view) InsertTransaction(_ context.Context, t ledger.Transaction) error {
	if v.hook != nil {
		if err := v.hook(t); err != nil {
			return err
		}
	}
	if _, ok := v.st.accounts[t.AccountID]; !ok {
		return fmt.Errorf("account %s: %w", t.AccountID, ledger.ErrNotFound)
	}
	if t.Reference != "" {
		key := refKey{t.AccountID, t.Reference}
		if _, dup := v.st.references[key]; dup {
			return ledger.ErrDuplicate
		}
		v.onRollback(restore(v.st.references, key))
		v.st.references[key] = t.ID
	}
	v.onRollback(restore(v.st.transactions, t.ID))
	v.st.transactions[t.ID] = t
	return nil
}

func (v *view) GetTransaction(_ context.Context, id uuid.UUID) (ledger.Transaction, error) {
	t, ok := v.st.transactions[id]
	if !ok {
		return ledger.Transaction{}, fmt.Errorf("transaction %s: %w", id, ledger.ErrNotFound)
	}
	return t, nil
}

func (v *view) DeleteTransaction(_ context.Context, id uuid.UUID) error {
	t, ok := v.st.transactions[id]
	if !ok {
		return fmt.Errorf("transaction %s: %w", id, ledger.ErrNotFound)
	}
	v.onRollback(restore(v.st.transactions, id))
	delete(v.st.transactions, id)
	if t.Reference != "" {
		key := refKey{t.AccountID, t.Reference}
		v.onRollback(restore(v.st.references, key))
		delete(v.st.references, key)
	}
	return nil
}

func (v *view) FindTransactionByReference(_ context.Context, accountID uuid.UUID, reference string) (ledger.Transaction, bool, error) {
	id, ok := v.st.references[refKey{accountID, reference}]
	if !ok {
		return ledger.Transaction{}, false, nil
	}
	return v.st.transactions[id], true, nil
}

func (v *view) ListTransactions(_ context.Context, accountID uuid.UUID) ([]ledger.Transaction, error) {
	var out []ledger.Transaction
	for _, t := range v.st.transactions {
		if t.AccountID == accountID || (t.TransferAccountID != nil && *t.TransferAccountID == accountID) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (v *view) SumTransactions(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error) {
	txs, _ := v.ListTransactions(ctx, accountID)
	sum := decimal.Zero
	for _, t := range txs {
		sum = sum.Add(t.Delta(accountID))
	}
	return sum, nil
}

func (v *view) ListRules(_ context.Context, userID uuid.UUID) ([]rules.Rule, error) {
	var out []rules.Rule
	for _, r := range v.st.rules {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	rules.Sort(out)
	return out, nil
}

func (v *view) GetRule(_ context.Context, id uuid.UUID) (rules.Rule, error) {
	r, ok := v.st.rules[id]
	if !ok {
		return rules.Rule{}, fmt.Errorf("rule %s: %w", id, ledger.ErrNotFound)
	}
	return r, nil
}

func (v *view) CreateRule(_ context.Context, r rules.Rule) error {
	v.onRollback(restore(v.st.rules, r.ID))
	v.st.rules[r.ID] = r
	return nil
}

func (v *view) UpdateRule(_ context.Context, r rules.Rule) error {
	if _, ok := v.st.rules[r.ID]; !ok {
		return fmt.Errorf("rule %s: %w", r.ID, ledger.ErrNotFound)
	}
	v.onRollback(restore(v.st.rules, r.ID))
	v.st.rules[r.ID] = r
	return nil
}

func (v *view) DeleteRule(_ context.Context, id uuid.UUID) error {
	if _, ok := v.st.rules[id]; !ok {
		return fmt.Errorf("rule %s: %w", id, ledger.ErrNotFound)
	}
	v.onRollback(restore(v.st.rules, id))
	delete(v.st.rules, id)
	return nil
}

func (v *view) InsertImportRun(_ context.Context, run ledger.ImportRun) error {
	v.onRollback(keepSlice(&v.st.runs))
	v.st.runs = append(v.st.runs, run)
	return nil
}

func (v *view) ListImportRuns(_ context.Context, accountID uuid.UUID) ([]ledger.ImportRun, error) {
	var out []ledger.ImportRun
	for i := len(v.st.runs) - 1; i >= 0; i-- {
		if v.st.runs[i].AccountID == accountID {
			out = append(out, v.st.runs[i])
		}
	}
	return out, nil
}

func (v *view) InsertAudit(_ context.Context, e ledger.AuditEntry) error {
	v.onRollback(keepSlice(&v.st.audit))
	v.st.audit = append(v.st.audit, e)
	return nil
}

func (v *view) ArchiveAudit(_ context.Context, olderThan time.Time, batchSize int) (int64, error) {
	v.onRollback(keepSlice(&v.st.audit))
	v.onRollback(keepSlice(&v.st.archive))
	var keep []ledger.AuditEntry
	var moved int64
	for _, e := range v.st.audit {
		if e.CreatedAt.Before(olderThan) && (batchSize <= 0 || moved < int64(batchSize)) {
			v.st.archive = append(v.st.archive, e)
			moved++
			continue
		}
		keep = append(keep, e)
	}
	v.st.audit = keep
	return moved, nil
}

func (v *view) PurgeAuditArchive(_ context.Context, olderThan time.Time) (int64, error) {
	v.onRollback(keepSlice(&v.st.archive))
	var keep []ledger.AuditEntry
	var purged int64
	for _, e := range v.st.archive {
		if e.CreatedAt.Before(olderThan) {
			purged++
			continue
		}
		keep = append(keep, e)
	}
	v.st.archive = keep
	return purged, nil
}

func settingKey(userID uuid.UUID, key string) string {
	return userID.String() + "/" + key
}

func (v *view) GetSetting(_ context.Context, userID uuid.UUID, key string) (string, bool, error) {
	val, ok := v.st.settings[settingKey(userID, key)]
	return val, ok, nil
}

func (v *view) PutSetting(_ context.Context, userID uuid.UUID, key, value string) error {
	k := settingKey(userID, key)
	v.onRollback(restore(v.st.settings, k))
	v.st.settings[k] = value
	return nil
}

var (
	_ ledger.Store   = (*Store)(nil)
	_ ledger.Queries = (*view)(nil)
	_ rules.Source   = (*Store)(nil)
)
