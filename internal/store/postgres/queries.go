package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/JonMunkholm/finimport/internal/ledger"
	"github.com/JonMunkholm/finimport/internal/rules"
)

// Amounts cross the wire as text so NUMERIC keeps full precision without a
// custom pgx type.
type queries struct {
	db DBTX
}

// =============================================================================
// Accounts
// =============================================================================

const accountColumns = `id, user_id, name, currency, initial_balance::text, balance::text, created_at`

func scanAccount(row pgx.Row) (ledger.Account, error) {
	var (
		a               ledger.Account
		initial, amount string
	)
	if err := row.Scan(&a.ID, &a.UserID, &a.Name, &a.Currency, &initial, &amount, &a.CreatedAt); err != nil {
		return ledger.Account{}, err
	}
	var err error
	if a.InitialBalance, err = decimal.NewFromString(initial); err != nil {
		return ledger.Account{}, err
	}
	if a.Balance, err = decimal.NewFromString(amount); err != nil {
		return ledger.Account{}, err
	}
	return a, nil
}

func (q *queries) CreateAccount(ctx context.Context, a ledger.Account) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO accounts (id, user_id, name, currency, initial_balance, balance, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7)`,
		a.ID, a.UserID, a.Name, a.Currency, a.InitialBalance.String(), a.Balance.String(), a.CreatedAt)
	return mapError(err, "create account")
}

func (q *queries) GetAccount(ctx context.Context, id uuid.UUID) (ledger.Account, error) {
	a, err := scanAccount(q.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	return a, mapError(err, "get account")
}

func (q *queries) GetAccountForUpdate(ctx context.Context, id uuid.UUID) (ledger.Account, error) {
	a, err := scanAccount(q.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id))
	return a, mapError(err, "lock account")
}

func (q *queries) UpdateAccountBalance(ctx context.Context, id uuid.UUID, balance decimal.Decimal) error {
	tag, err := q.db.Exec(ctx, `UPDATE accounts SET balance = $2::numeric WHERE id = $1`, id, balance.String())
	if err != nil {
		return mapError(err, "update balance")
	}
	if tag.RowsAffected() == 0 {
		return mapError(pgx.ErrNoRows, "update balance")
	}
	return nil
}

// =============================================================================
// Categories
// =============================================================================

func (q *queries) CreateCategory(ctx context.Context, c ledger.Category) error {
	_, err := q.db.Exec(ctx, `INSERT INTO categories (id, user_id, name) VALUES ($1, $2, $3)`, c.ID, c.UserID, c.Name)
	return mapError(err, "create category")
}

func (q *queries) ListCategories(ctx context.Context, userID uuid.UUID) ([]ledger.Category, error) {
	rows, err := q.db.Query(ctx, `SELECT id, user_id, name FROM categories WHERE user_id = $1 ORDER BY name`, userID)
	if err != nil {
		return nil, mapError(err, "list categories")
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.Category, error) {
		var c ledger.Category
		err := row.Scan(&c.ID, &c.UserID, &c.Name)
		return c, err
	})
	return out, mapError(err, "list categories")
}

// =============================================================================
// Transactions
// =============================================================================

const transactionColumns = `id, user_id, account_id, type, amount::text, currency, date, description,
	counterparty, category_id, source, reference, transfer_account_id, created_at`

func scanTransaction(row pgx.Row) (ledger.Transaction, error) {
	var (
		t      ledger.Transaction
		amount string
	)
	err := row.Scan(&t.ID, &t.UserID, &t.AccountID, &t.Type, &amount, &t.Currency, &t.Date, &t.Description,
		&t.Counterparty, &t.CategoryID, &t.Source, &t.Reference, &t.TransferAccountID, &t.CreatedAt)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return ledger.Transaction{}, err
	}
	return t, nil
}

func (q *queries) InsertTransaction(ctx context.Context, t ledger.Transaction) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO transactions (id, user_id, account_id, type, amount, currency, date, description,
			counterparty, category_id, source, reference, transfer_account_id, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		t.ID, t.UserID, t.AccountID, string(t.Type), t.Amount.String(), t.Currency, t.Date, t.Description,
		t.Counterparty, t.CategoryID, string(t.Source), t.Reference, t.TransferAccountID, t.CreatedAt)
	return mapError(err, "insert transaction")
}

func (q *queries) GetTransaction(ctx context.Context, id uuid.UUID) (ledger.Transaction, error) {
	t, err := scanTransaction(q.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
	return t, mapError(err, "get transaction")
}

func (q *queries) DeleteTransaction(ctx context.Context, id uuid.UUID) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM transactions WHERE id = $1`, id)
	if err != nil {
		return mapError(err, "delete transaction")
	}
	if tag.RowsAffected() == 0 {
		return mapError(pgx.ErrNoRows, "delete transaction")
	}
	return nil
}

func (q *queries) FindTransactionByReference(ctx context.Context, accountID uuid.UUID, reference string) (ledger.Transaction, bool, error) {
	t, err := scanTransaction(q.db.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE account_id = $1 AND reference = $2`, accountID, reference))
	if err == pgx.ErrNoRows {
		return ledger.Transaction{}, false, nil
	}
	if err != nil {
		return ledger.Transaction{}, false, mapError(err, "find by reference")
	}
	return t, true, nil
}

func (q *queries) ListTransactions(ctx context.Context, accountID uuid.UUID) ([]ledger.Transaction, error) {
	rows, err := q.db.Query(ctx, `SELECT `+transactionColumns+` FROM transactions
		WHERE account_id = $1 OR transfer_account_id = $1 ORDER BY date, created_at`, accountID)
	if err != nil {
		return nil, mapError(err, "list transactions")
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.Transaction, error) {
		return scanTransaction(row)
	})
	return out, mapError(err, "list transactions")
}

func (q *queries) SumTransactions(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error) {
	var sum string
	err := q.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(CASE
			WHEN account_id = $1 AND type = 'INCOME' THEN amount
			WHEN account_id = $1 THEN -amount
			WHEN transfer_account_id = $1 AND type = 'TRANSFER' THEN amount
			ELSE 0 END), 0)::text
		FROM transactions
		WHERE account_id = $1 OR transfer_account_id = $1`, accountID).Scan(&sum)
	if err != nil {
		return decimal.Zero, mapError(err, "sum transactions")
	}
	return decimal.NewFromString(sum)
}

// =============================================================================
// Rules
// =============================================================================

const ruleColumns = `id, user_id, category_id, field, pattern, is_regex, is_active, priority, created_at`

func scanRule(row pgx.Row) (rules.Rule, error) {
	var r rules.Rule
	err := row.Scan(&r.ID, &r.UserID, &r.CategoryID, &r.Field, &r.Pattern, &r.IsRegex, &r.IsActive, &r.Priority, &r.CreatedAt)
	return r, err
}

func (q *queries) ListRules(ctx context.Context, userID uuid.UUID) ([]rules.Rule, error) {
	rows, err := q.db.Query(ctx, `SELECT `+ruleColumns+` FROM category_rules
		WHERE user_id = $1 ORDER BY priority DESC, created_at DESC, id`, userID)
	if err != nil {
		return nil, mapError(err, "list rules")
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (rules.Rule, error) {
		return scanRule(row)
	})
	return out, mapError(err, "list rules")
}

func (q *queries) GetRule(ctx context.Context, id uuid.UUID) (rules.Rule, error) {
	r, err := scanRule(q.db.QueryRow(ctx, `SELECT `+ruleColumns+` FROM category_rules WHERE id = $1`, id))
	return r, mapError(err, "get rule")
}

func (q *queries) CreateRule(ctx context.Context, r rules.Rule) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO category_rules (id, user_id, category_id, field, pattern, is_regex, is_active, priority, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.UserID, r.CategoryID, string(r.Field), r.Pattern, r.IsRegex, r.IsActive, r.Priority, r.CreatedAt)
	return mapError(err, "create rule")
}

func (q *queries) UpdateRule(ctx context.Context, r rules.Rule) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE category_rules
		SET category_id = $2, field = $3, pattern = $4, is_regex = $5, is_active = $6, priority = $7
		WHERE id = $1`,
		r.ID, r.CategoryID, string(r.Field), r.Pattern, r.IsRegex, r.IsActive, r.Priority)
	if err != nil {
		return mapError(err, "update rule")
	}
	if tag.RowsAffected() == 0 {
		return mapError(pgx.ErrNoRows, "update rule")
	}
	return nil
}

func (q *queries) DeleteRule(ctx context.Context, id uuid.UUID) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM category_rules WHERE id = $1`, id)
	if err != nil {
		return mapError(err, "delete rule")
	}
	if tag.RowsAffected() == 0 {
		return mapError(pgx.ErrNoRows, "delete rule")
	}
	return nil
}

// =============================================================================
// Import runs and audit
// =============================================================================

func (q *queries) InsertImportRun(ctx context.Context, r ledger.ImportRun) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO import_runs (id, user_id, account_id, source, file_name, template,
			imported, skipped, errors, total_rows, cancelled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, r.UserID, r.AccountID, string(r.Source), r.FileName, r.Template,
		r.Imported, r.Skipped, r.Errors, r.TotalRows, r.Cancelled, r.CreatedAt)
	return mapError(err, "insert import run")
}

func (q *queries) ListImportRuns(ctx context.Context, accountID uuid.UUID) ([]ledger.ImportRun, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, user_id, account_id, source, file_name, template, imported, skipped, errors,
			total_rows, cancelled, created_at
		FROM import_runs WHERE account_id = $1 ORDER BY created_at DESC`, accountID)
	if err != nil {
		return nil, mapError(err, "list import runs")
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.ImportRun, error) {
		var r ledger.ImportRun
		err := row.Scan(&r.ID, &r.UserID, &r.AccountID, &r.Source, &r.FileName, &r.Template,
			&r.Imported, &r.Skipped, &r.Errors, &r.TotalRows, &r.Cancelled, &r.CreatedAt)
		return r, err
	})
	return out, mapError(err, "list import runs")
}

func (q *queries) InsertAudit(ctx context.Context, e ledger.AuditEntry) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO audit_log (id, action, severity, user_id, account_id, entity_id, ip_address,
			user_agent, rows_affected, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, string(e.Action), string(e.Severity), e.UserID, e.AccountID, e.EntityID, e.IPAddress,
		e.UserAgent, e.RowsAffected, e.Details, e.CreatedAt)
	return mapError(err, "insert audit")
}

// ArchiveAudit moves up to batchSize entries older than olderThan from the
// hot log into the archive.
func (q *queries) ArchiveAudit(ctx context.Context, olderThan time.Time, batchSize int) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		WITH moved AS (
			DELETE FROM audit_log
			WHERE id IN (
				SELECT id FROM audit_log WHERE created_at < $1 ORDER BY created_at LIMIT $2
			)
			RETURNING *
		)
		INSERT INTO audit_log_archive SELECT * FROM moved`, olderThan, batchSize)
	if err != nil {
		return 0, mapError(err, "archive audit")
	}
	return tag.RowsAffected(), nil
}

func (q *queries) PurgeAuditArchive(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, `DELETE FROM audit_log_archive WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, mapError(err, "purge audit archive")
	}
	return tag.RowsAffected(), nil
}

// =============================================================================
// Settings
// =============================================================================

func (q *queries) GetSetting(ctx context.Context, userID uuid.UUID, key string) (string, bool, error) {
	var v string
	err := q.db.QueryRow(ctx, `SELECT value FROM user_settings WHERE user_id = $1 AND key = $2`, userID, key).Scan(&v)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, mapError(err, "get setting")
	}
	return v, true, nil
}

func (q *queries) PutSetting(ctx context.Context, userID uuid.UUID, key, value string) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO user_settings (user_id, key, value) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, key) DO UPDATE SET value = EXCLUDED.value`, userID, key, value)
	return mapError(err, "put setting")
}

var _ ledger.Queries = (*queries)(nil)
