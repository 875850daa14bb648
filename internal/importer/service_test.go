package importer_test

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/finimport/internal/bank"
	"github.com/JonMunkholm/finimport/internal/importer"
	"github.com/JonMunkholm/finimport/internal/ledger"
	"github.com/JonMunkholm/finimport/internal/rules"
	"github.com/JonMunkholm/finimport/internal/settings"
	"github.com/JonMunkholm/finimport/internal/store/memory"
)

type fixture struct {
	ctx     context.Context
	store   *memory.Store
	svc     *importer.Service
	user    uuid.UUID
	account ledger.Account
}

func newFixture(t *testing.T, cfg importer.Config) *fixture {
	t.Helper()
	f := &fixture{
		ctx:   context.Background(),
		store: memory.New(),
		user:  uuid.New(),
	}
	m := ledger.NewMaterializer(f.store, &ledger.AccountLocks{}, rules.NewEngine(f.store))
	f.svc = importer.NewService(f.store, m, nil, importer.NewLimiter(2, time.Second), cfg)

	f.account = ledger.Account{
		ID:             uuid.New(),
		UserID:         f.user,
		Name:           "Tinkoff Black",
		Currency:       "RUB",
		InitialBalance: decimal.NewFromInt(1000),
		Balance:        decimal.NewFromInt(1000),
	}
	require.NoError(t, f.store.CreateAccount(f.ctx, f.account))
	return f
}

func (f *fixture) balance(t *testing.T) decimal.Decimal {
	t.Helper()
	a, err := f.store.GetAccount(f.ctx, f.account.ID)
	require.NoError(t, err)
	return a.Balance
}

func (f *fixture) commit(content string, mapping bank.ColumnMapping) importer.CommitRequest {
	return importer.CommitRequest{
		UserID:         f.user,
		AccountID:      f.account.ID,
		FileName:       "statement.csv",
		RawFileContent: base64.StdEncoding.EncodeToString([]byte(content)),
		ColumnMap:      mapping,
	}
}

var genericMapping = bank.ColumnMapping{
	"Date":        bank.FieldDate,
	"Description": bank.FieldDescription,
	"Amount":      bank.FieldAmount,
	"Category":    bank.FieldCategory,
}

// ============================================================================
// Preview
// ============================================================================

func TestPreview_TemplateMapping(t *testing.T) {
	f := newFixture(t, importer.Config{})
	data := []byte("Дата операции;Описание;Сумма операции;Кэшбэк\n25.02.2026;Кофе Хауз;-680;0\n")

	res, err := f.svc.Preview(f.ctx, importer.PreviewRequest{FileName: "op.csv", Data: data, Template: "tinkoff"})
	require.NoError(t, err)

	assert.Equal(t, "tinkoff", res.Template)
	assert.Equal(t, ";", res.Delimiter)
	assert.Equal(t, []string{"Дата операции", "Описание", "Сумма операции", "Кэшбэк"}, res.Headers)
	assert.Equal(t, 1, res.TotalRows)
	assert.Equal(t, bank.ColumnMapping{
		"Дата операции":  bank.FieldDate,
		"Описание":       bank.FieldDescription,
		"Сумма операции": bank.FieldAmount,
		"Кэшбэк":         bank.FieldSkip,
	}, res.SuggestedMapping)

	raw, err := base64.StdEncoding.DecodeString(res.RawFileContent)
	require.NoError(t, err)
	assert.Equal(t, data, raw)
}

func TestPreview_DetectsLayoutWithoutTemplate(t *testing.T) {
	f := newFixture(t, importer.Config{})
	var b strings.Builder
	b.WriteString("Выписка по счёту 40817\n")
	b.WriteString("Период: 01.02.2026 - 28.02.2026\n")
	b.WriteString("Дата\tСумма\tНазначение платежа\n")
	for i := 0; i < 15; i++ {
		b.WriteString("01.02.2026\t-100,50\tПокупка\n")
	}

	res, err := f.svc.Preview(f.ctx, importer.PreviewRequest{FileName: "export.txt", Data: []byte(b.String())})
	require.NoError(t, err)

	assert.Equal(t, 2, res.SkipRows)
	assert.Equal(t, "\t", res.Delimiter)
	assert.Equal(t, 15, res.TotalRows)
	assert.Len(t, res.PreviewRows, 10)
	assert.Equal(t, bank.FieldDate, res.SuggestedMapping["Дата"])
	assert.Equal(t, bank.FieldAmount, res.SuggestedMapping["Сумма"])
	assert.Equal(t, bank.FieldDescription, res.SuggestedMapping["Назначение платежа"])
	assert.NotEmpty(t, res.Fingerprint)
}

func TestPreview_MatchesTemplateFromHeaders(t *testing.T) {
	f := newFixture(t, importer.Config{})
	data := []byte("Date,Description,Amount,Payee,Reference\n2026-02-01,Coffee,-4.50,Cafe,r1\n")

	res, err := f.svc.Preview(f.ctx, importer.PreviewRequest{FileName: "bank.csv", Data: data})
	require.NoError(t, err)
	assert.Equal(t, "generic", res.Template)
	assert.Equal(t, "YYYY-MM-DD", res.DateFormat)
	assert.Equal(t, bank.FieldSkip, res.SuggestedMapping["Reference"])
}

func TestPreview_IsIdempotentAndWritesNothing(t *testing.T) {
	f := newFixture(t, importer.Config{})
	req := importer.PreviewRequest{
		FileName: "bank.csv",
		Data:     []byte("Date,Description,Amount\n2026-02-01,Coffee,-4.50\n"),
	}

	first, err := f.svc.Preview(f.ctx, req)
	require.NoError(t, err)
	second, err := f.svc.Preview(f.ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Empty(t, f.store.AuditEntries())
	assert.True(t, f.balance(t).Equal(decimal.NewFromInt(1000)))
}

func TestPreview_EmptyFile(t *testing.T) {
	f := newFixture(t, importer.Config{})
	res, err := f.svc.Preview(f.ctx, importer.PreviewRequest{FileName: "empty.csv"})
	require.NoError(t, err)
	assert.Empty(t, res.Headers)
	assert.Empty(t, res.PreviewRows)
	assert.Zero(t, res.TotalRows)
}

func TestPreview_Errors(t *testing.T) {
	f := newFixture(t, importer.Config{MaxFileSize: 16})

	_, err := f.svc.Preview(f.ctx, importer.PreviewRequest{FileName: "scan.pdf", Data: []byte("%PDF")})
	var fe *importer.FormatError
	assert.ErrorAs(t, err, &fe)

	_, err = f.svc.Preview(f.ctx, importer.PreviewRequest{FileName: "a.csv", Data: []byte("a"), Template: "nope"})
	var ve *importer.ValidationError
	assert.ErrorAs(t, err, &ve)
	assert.ErrorIs(t, err, importer.ErrUnknownTemplate)

	_, err = f.svc.Preview(f.ctx, importer.PreviewRequest{FileName: "a.csv", Data: []byte(strings.Repeat("x", 17))})
	assert.ErrorIs(t, err, importer.ErrFileTooLarge)
}

// ============================================================================
// Commit
// ============================================================================

func TestCommit_TinkoffScenario(t *testing.T) {
	f := newFixture(t, importer.Config{})
	req := f.commit("Дата операции;Описание;Сумма операции\n25.02.2026;Кофе Хауз;-680\n", bank.ColumnMapping{
		"Дата операции":  bank.FieldDate,
		"Описание":       bank.FieldDescription,
		"Сумма операции": bank.FieldAmount,
	})
	req.Template = "tinkoff"

	res, err := f.svc.Commit(f.ctx, req, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported)
	assert.Zero(t, res.Skipped)
	assert.Zero(t, res.Errors)
	assert.Equal(t, 1, res.TotalRows)

	txs, err := f.store.ListTransactions(f.ctx, f.account.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, ledger.TypeExpense, txs[0].Type)
	assert.True(t, txs[0].Amount.Equal(decimal.NewFromInt(680)))
	assert.Equal(t, time.Date(2026, 2, 25, 0, 0, 0, 0, time.UTC), txs[0].Date)
	assert.Equal(t, ledger.SourceCSVImport, txs[0].Source)
	assert.True(t, f.balance(t).Equal(decimal.NewFromInt(320)))
}

func TestCommit_BalanceInvariant(t *testing.T) {
	f := newFixture(t, importer.Config{})
	content := "Date,Description,Amount\n" +
		"2026-02-01,Salary,\"50 000,00\"\n" +
		"2026-02-02,Groceries,-1234.56\n" +
		"not a date,Broken,-10\n" +
		"2026-02-03,Broken amount,abc\n" +
		"2026-02-04,Rent,(20000)\n"

	res, err := f.svc.Commit(f.ctx, f.commit(content, genericMapping), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Imported)
	assert.Equal(t, 2, res.Skipped)
	assert.Zero(t, res.Errors)
	assert.Equal(t, 5, res.TotalRows)

	// 1000 + 50000 - 1234.56 - 20000
	assert.Equal(t, "29765.44", f.balance(t).StringFixed(2))

	require.Len(t, res.FailedRows, 2)
	assert.Equal(t, 4, res.FailedRows[0].Line)
	assert.Equal(t, "skipped", res.FailedRows[0].Kind)
	assert.Equal(t, 5, res.FailedRows[1].Line)
}

func TestCommit_UnparseableAmountIsSkipped(t *testing.T) {
	f := newFixture(t, importer.Config{})
	res, err := f.svc.Commit(f.ctx, f.commit("Date,Description,Amount\n2026-02-01,Coffee,abc\n", genericMapping), nil)
	require.NoError(t, err)

	assert.Zero(t, res.Imported)
	assert.Equal(t, 1, res.Skipped)
	txs, err := f.store.ListTransactions(f.ctx, f.account.ID)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestCommit_ValidationRejectsBeforeAnyRow(t *testing.T) {
	f := newFixture(t, importer.Config{})
	content := "Date,Description,Amount\n2026-02-01,Coffee,-5\n"

	tests := []struct {
		name    string
		mutate  func(*importer.CommitRequest)
		wantErr error
	}{
		{
			name: "missing amount",
			mutate: func(r *importer.CommitRequest) {
				r.ColumnMap = bank.ColumnMapping{"Date": bank.FieldDate}
			},
			wantErr: bank.ErrInvalidMapping,
		},
		{
			name:    "missing account",
			mutate:  func(r *importer.CommitRequest) { r.AccountID = uuid.Nil },
			wantErr: importer.ErrMissingAccount,
		},
		{
			name: "mapped column absent from file",
			mutate: func(r *importer.CommitRequest) {
				r.ColumnMap = bank.ColumnMapping{"Date": bank.FieldDate, "Sum": bank.FieldAmount}
			},
			wantErr: bank.ErrInvalidMapping,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := f.commit(content, genericMapping)
			tt.mutate(&req)

			_, err := f.svc.Commit(f.ctx, req, nil)
			var ve *importer.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	assert.Empty(t, f.store.AuditEntries())
	assert.True(t, f.balance(t).Equal(decimal.NewFromInt(1000)))
}

func TestCommit_FormatErrors(t *testing.T) {
	f := newFixture(t, importer.Config{})

	req := f.commit("", genericMapping)
	req.RawFileContent = "%%%not base64"
	_, err := f.svc.Commit(f.ctx, req, nil)
	var fe *importer.FormatError
	require.ErrorAs(t, err, &fe)
	assert.ErrorIs(t, err, importer.ErrBadContent)

	req = f.commit("whatever", genericMapping)
	req.FileName = "statement.pdf"
	_, err = f.svc.Commit(f.ctx, req, nil)
	assert.ErrorAs(t, err, &fe)
}

func TestCommit_EmptyFileRecordsEmptyRun(t *testing.T) {
	f := newFixture(t, importer.Config{})
	res, err := f.svc.Commit(f.ctx, f.commit("", genericMapping), nil)
	require.NoError(t, err)
	assert.Zero(t, res.TotalRows)

	runs, err := f.store.ListImportRuns(f.ctx, f.account.ID)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestCommit_UnknownAccountCountsErrors(t *testing.T) {
	f := newFixture(t, importer.Config{})
	req := f.commit("Date,Description,Amount\n2026-02-01,Coffee,-5\n2026-02-02,Tea,-3\n", genericMapping)
	req.AccountID = uuid.New()

	res, err := f.svc.Commit(f.ctx, req, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Errors)
	assert.Zero(t, res.Imported)
	require.NotEmpty(t, res.FailedRows)
	assert.Equal(t, "error", res.FailedRows[0].Kind)
}

func TestCommit_CategoryResolution(t *testing.T) {
	f := newFixture(t, importer.Config{})
	cafe := ledger.Category{ID: uuid.New(), UserID: f.user, Name: "Кафе"}
	subs := ledger.Category{ID: uuid.New(), UserID: f.user, Name: "Подписки"}
	require.NoError(t, f.store.CreateCategory(f.ctx, cafe))
	require.NoError(t, f.store.CreateCategory(f.ctx, subs))
	require.NoError(t, f.store.CreateRule(f.ctx, rules.Rule{
		ID: uuid.New(), UserID: f.user, CategoryID: subs.ID,
		Field: rules.FieldDescription, Pattern: "netflix", IsActive: true, CreatedAt: time.Now(),
	}))

	content := "Date,Description,Amount,Category\n" +
		"2026-02-01,Кофе Хауз,-680,кафе\n" +
		"2026-02-02,NETFLIX.COM,-799,Развлечения\n" +
		"2026-02-03,Unknown shop,-10,\n"

	res, err := f.svc.Commit(f.ctx, f.commit(content, genericMapping), nil)
	require.NoError(t, err)
	require.Equal(t, 3, res.Imported)

	txs, err := f.store.ListTransactions(f.ctx, f.account.ID)
	require.NoError(t, err)
	byDesc := map[string]ledger.Transaction{}
	for _, tx := range txs {
		byDesc[tx.Description] = tx
	}

	require.NotNil(t, byDesc["Кофе Хауз"].CategoryID)
	assert.Equal(t, cafe.ID, *byDesc["Кофе Хауз"].CategoryID)
	require.NotNil(t, byDesc["NETFLIX.COM"].CategoryID, "unknown hint falls back to rules")
	assert.Equal(t, subs.ID, *byDesc["NETFLIX.COM"].CategoryID)
	assert.Nil(t, byDesc["Unknown shop"].CategoryID)

	cats, err := f.store.ListCategories(f.ctx, f.user)
	require.NoError(t, err)
	assert.Len(t, cats, 2, "no categories are created")
}

func TestCommit_AutoCategorizeDisabled(t *testing.T) {
	f := newFixture(t, importer.Config{})
	subs := ledger.Category{ID: uuid.New(), UserID: f.user, Name: "Подписки"}
	require.NoError(t, f.store.CreateCategory(f.ctx, subs))
	require.NoError(t, f.store.CreateRule(f.ctx, rules.Rule{
		ID: uuid.New(), UserID: f.user, CategoryID: subs.ID,
		Field: rules.FieldDescription, Pattern: "netflix", IsActive: true, CreatedAt: time.Now(),
	}))
	require.NoError(t, settings.AutoCategorize.Set(f.ctx, f.store, f.user, false))

	_, err := f.svc.Commit(f.ctx, f.commit("Date,Description,Amount\n2026-02-02,NETFLIX.COM,-799\n", genericMapping), nil)
	require.NoError(t, err)

	txs, err := f.store.ListTransactions(f.ctx, f.account.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Nil(t, txs[0].CategoryID)
}

func TestCommit_ReferenceColumnDeduplicates(t *testing.T) {
	f := newFixture(t, importer.Config{})
	content := "Date,Description,Amount,Reference\n" +
		"2026-02-01,Coffee,-5,r-1\n" +
		"2026-02-01,Coffee,-5,r-1\n"
	req := f.commit(content, genericMapping)
	req.ColumnMap = bank.ColumnMapping{"Date": bank.FieldDate, "Amount": bank.FieldAmount, "Description": bank.FieldDescription}
	req.Template = "generic"

	res, err := f.svc.Commit(f.ctx, req, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported)
	assert.Equal(t, 1, res.Skipped)
	assert.True(t, f.balance(t).Equal(decimal.NewFromInt(995)))
}

func TestCommit_NegateAmount(t *testing.T) {
	f := newFixture(t, importer.Config{})
	req := f.commit("Date,Description,Amount\n2026-02-01,Coffee,5\n", genericMapping)
	req.NegateAmount = true

	_, err := f.svc.Commit(f.ctx, req, nil)
	require.NoError(t, err)
	assert.True(t, f.balance(t).Equal(decimal.NewFromInt(995)))
}

func TestCommit_CancelKeepsPartialWork(t *testing.T) {
	f := newFixture(t, importer.Config{})
	content := "Date,Description,Amount\n" +
		"2026-02-01,One,-1\n" +
		"2026-02-02,Two,-1\n" +
		"2026-02-03,Three,-1\n"

	ctx, cancel := context.WithCancel(f.ctx)
	defer cancel()

	var updates []importer.Progress
	res, err := f.svc.Commit(ctx, f.commit(content, genericMapping), func(p importer.Progress) {
		updates = append(updates, p)
		cancel()
	})
	require.NoError(t, err)

	assert.True(t, res.Cancelled)
	assert.Equal(t, 1, res.Imported)
	assert.Equal(t, 3, res.TotalRows)
	require.Len(t, updates, 1)
	assert.InDelta(t, 1.0/3.0, updates[0].Fraction(), 1e-9)
	assert.True(t, f.balance(t).Equal(decimal.NewFromInt(999)))

	runs, err := f.store.ListImportRuns(f.ctx, f.account.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Cancelled)
	assert.Equal(t, 1, runs[0].Imported)
}

func TestCommit_WritesAuditEntry(t *testing.T) {
	f := newFixture(t, importer.Config{})
	ctx := ledger.ContextWithIPAddress(f.ctx, "10.0.0.7")

	res, err := f.svc.Commit(ctx, f.commit("Date,Description,Amount\n2026-02-01,Coffee,-5\n", genericMapping), nil)
	require.NoError(t, err)

	entries := f.store.AuditEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.ActionImportCommit, entries[0].Action)
	assert.Equal(t, res.ImportID.String(), entries[0].EntityID)
	assert.Equal(t, 1, entries[0].RowsAffected)
	assert.Equal(t, "10.0.0.7", entries[0].IPAddress)
}

func TestCommit_FailedRowSamplesAreCapped(t *testing.T) {
	f := newFixture(t, importer.Config{MaxFailedRows: 2})
	content := "Date,Description,Amount\n" + strings.Repeat("bad,x,1\n", 5)

	res, err := f.svc.Commit(f.ctx, f.commit(content, genericMapping), nil)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Skipped)
	assert.Len(t, res.FailedRows, 2)
}

func TestCommit_LimiterFull(t *testing.T) {
	store := memory.New()
	limiter := importer.NewLimiter(1, 20*time.Millisecond)
	m := ledger.NewMaterializer(store, nil, nil)
	svc := importer.NewService(store, m, nil, limiter, importer.Config{})

	release, ok := limiter.TryAcquire(uuid.New())
	require.True(t, ok)
	defer release()

	_, err := svc.Commit(context.Background(), importer.CommitRequest{
		UserID:         uuid.New(),
		AccountID:      uuid.New(),
		RawFileContent: base64.StdEncoding.EncodeToString([]byte("Date,Amount\n2026-02-01,1\n")),
		ColumnMap:      bank.ColumnMapping{"Date": bank.FieldDate, "Amount": bank.FieldAmount},
	}, nil)
	assert.True(t, errors.Is(err, importer.ErrTooManyImports))
}

func TestCommit_AccountBusy(t *testing.T) {
	store := memory.New()
	limiter := importer.NewLimiter(4, 20*time.Millisecond)
	m := ledger.NewMaterializer(store, nil, nil)
	svc := importer.NewService(store, m, nil, limiter, importer.Config{})
	account := uuid.New()

	release, ok := limiter.TryAcquire(account)
	require.True(t, ok)
	defer release()

	_, err := svc.Commit(context.Background(), importer.CommitRequest{
		UserID:         uuid.New(),
		AccountID:      account,
		RawFileContent: base64.StdEncoding.EncodeToString([]byte("Date,Amount\n2026-02-01,1\n")),
		ColumnMap:      bank.ColumnMapping{"Date": bank.FieldDate, "Amount": bank.FieldAmount},
	}, nil)
	assert.True(t, errors.Is(err, importer.ErrAccountBusy))
	assert.Equal(t, "IMP007", importer.MapError(err).Code)
}

// ============================================================================
// Sync
// ============================================================================

func TestSync_DuplicateExternalIDIsSkipped(t *testing.T) {
	f := newFixture(t, importer.Config{})
	req := importer.SyncRequest{
		UserID:    f.user,
		AccountID: f.account.ID,
		Rows: []importer.SyncRow{
			{ExternalID: "tx-001", Date: "2026-02-25", Amount: "-680", Description: "Кофе Хауз"},
		},
	}

	first, err := f.svc.Sync(f.ctx, req, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Imported)
	assert.True(t, f.balance(t).Equal(decimal.NewFromInt(320)))

	second, err := f.svc.Sync(f.ctx, req, nil)
	require.NoError(t, err)
	assert.Zero(t, second.Imported)
	assert.Equal(t, 1, second.Skipped)
	assert.Zero(t, second.Errors)
	assert.True(t, f.balance(t).Equal(decimal.NewFromInt(320)))

	txs, err := f.store.ListTransactions(f.ctx, f.account.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, ledger.SourceBankSync, txs[0].Source)
	assert.Equal(t, "tx-001", txs[0].Reference)

	entries := f.store.AuditEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, ledger.ActionBankSync, entries[1].Action)
}

func TestSync_RequiresAccount(t *testing.T) {
	f := newFixture(t, importer.Config{})
	_, err := f.svc.Sync(f.ctx, importer.SyncRequest{UserID: f.user}, nil)
	var ve *importer.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestHistory(t *testing.T) {
	f := newFixture(t, importer.Config{})
	_, err := f.svc.Commit(f.ctx, f.commit("Date,Description,Amount\n2026-02-01,Coffee,-5\n", genericMapping), nil)
	require.NoError(t, err)

	runs, err := f.svc.History(f.ctx, f.user, f.account.ID)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	_, err = f.svc.History(f.ctx, uuid.New(), f.account.ID)
	assert.ErrorIs(t, err, importer.ErrUnknownAccount)
}
