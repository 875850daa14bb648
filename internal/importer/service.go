// Package importer turns bank exports and bank-sync payloads into ledger
// transactions.
//
// A file goes through two calls. Preview decodes it, guesses the layout and
// suggests a column mapping without writing anything. Commit re-reads the same
// content with the (possibly edited) mapping and materializes every row it
// can. Sync feeds already-split rows from a bank connection through the same
// row loop, so request handlers and queue workers share one code path.
package importer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/finimport/internal/bank"
	"github.com/JonMunkholm/finimport/internal/ledger"
	"github.com/JonMunkholm/finimport/internal/logging"
	"github.com/JonMunkholm/finimport/internal/normalize"
	"github.com/JonMunkholm/finimport/internal/rules"
	"github.com/JonMunkholm/finimport/internal/settings"
	"github.com/JonMunkholm/finimport/internal/tabular"
)

const (
	defaultFileName      = "import.csv"
	defaultMaxFailedRows = 50
)

// Config tunes the service. Zero values pick defaults.
type Config struct {
	MaxFileSize   int64 // bytes; 0 disables the check
	PreviewRows   int
	MaxFailedRows int // failed-row samples kept in a Result
}

// Service is the import orchestrator. It holds no per-run state and is safe
// for concurrent use.
type Service struct {
	store        ledger.Store
	materializer *ledger.Materializer
	registry     *bank.Registry
	limiter      *Limiter
	cfg          Config
}

// NewService wires the orchestrator. A nil registry uses the built-in
// templates and a nil limiter uses the defaults.
func NewService(store ledger.Store, m *ledger.Materializer, registry *bank.Registry, limiter *Limiter, cfg Config) *Service {
	if registry == nil {
		registry = bank.DefaultRegistry()
	}
	if limiter == nil {
		limiter = NewLimiter(0, 0)
	}
	if cfg.PreviewRows <= 0 {
		cfg.PreviewRows = tabular.PreviewRows
	}
	if cfg.MaxFailedRows <= 0 {
		cfg.MaxFailedRows = defaultMaxFailedRows
	}
	return &Service{
		store:        store,
		materializer: m,
		registry:     registry,
		limiter:      limiter,
		cfg:          cfg,
	}
}

// Templates lists the bank templates available for preview.
func (s *Service) Templates() []bank.Template { return s.registry.List() }

// Limiter exposes the commit limiter for status and shutdown draining.
func (s *Service) Limiter() *Limiter { return s.limiter }

// ============================================================================
// Preview
// ============================================================================

// PreviewRequest is one uploaded file.
type PreviewRequest struct {
	UserID   uuid.UUID
	FileName string
	Data     []byte
	Template string // optional template id
}

// PreviewResult describes the file and how it would be imported.
type PreviewResult struct {
	FileName         string             `json:"fileName"`
	Template         string             `json:"template,omitempty"`
	TemplateScore    float64            `json:"templateScore,omitempty"`
	Delimiter        string             `json:"delimiter"`
	SkipRows         int                `json:"skipRows"`
	DateFormat       string             `json:"dateFormat,omitempty"`
	Headers          []string           `json:"headers"`
	PreviewRows      [][]string         `json:"previewRows"`
	TotalRows        int                `json:"totalRows"`
	SuggestedMapping bank.ColumnMapping `json:"suggestedMapping"`
	Fingerprint      string             `json:"fingerprint,omitempty"`
	RawFileContent   string             `json:"rawFileContent"`
}

// Preview decodes the file and suggests a mapping. It never writes, so it
// can be repeated for the same content with the same result.
func (s *Service) Preview(ctx context.Context, req PreviewRequest) (*PreviewResult, error) {
	if req.FileName == "" {
		req.FileName = defaultFileName
	}
	if err := s.checkSize(len(req.Data)); err != nil {
		return nil, err
	}

	lay, err := s.layout(req.FileName, req.Data, req.Template, "", nil)
	if err != nil {
		return nil, err
	}
	table := tabular.Slice(lay.records, lay.skipRows, s.cfg.PreviewRows)

	res := &PreviewResult{
		FileName:       req.FileName,
		Delimiter:      string(lay.delimiter),
		SkipRows:       lay.skipRows,
		Headers:        table.Headers,
		PreviewRows:    table.Rows,
		TotalRows:      table.TotalRows,
		RawFileContent: base64.StdEncoding.EncodeToString(req.Data),
	}
	if res.Headers == nil {
		res.Headers = []string{}
	}
	if res.PreviewRows == nil {
		res.PreviewRows = [][]string{}
	}

	tmpl := lay.template
	if tmpl != nil {
		res.TemplateScore = tmpl.Score(table.Headers)
	} else if len(table.Headers) > 0 {
		if t, score, ok := s.registry.Match(table.Headers); ok {
			tmpl = &t
			res.TemplateScore = score
		}
	}
	if tmpl != nil {
		res.Template = tmpl.ID
		res.DateFormat = tmpl.DateFormat
	}
	if res.DateFormat == "" && req.UserID != uuid.Nil {
		if format, ok, err := settings.DefaultDateFormat.Get(ctx, s.store, req.UserID); err == nil && ok {
			res.DateFormat = format
		}
	}

	res.SuggestedMapping = bank.SuggestMapping(table.Headers, tmpl)
	if len(table.Headers) > 0 {
		res.Fingerprint = bank.Fingerprint(table.Headers)
	}

	logging.FromContext(ctx).Debug("import preview",
		"file", req.FileName,
		"template", res.Template,
		"total_rows", res.TotalRows,
		"skip_rows", res.SkipRows,
	)
	return res, nil
}

// layout is how a file body is split into records and where its header is.
type layout struct {
	template  *bank.Template
	delimiter rune
	skipRows  int
	records   [][]string
}

// layout decodes data. An explicit template fixes delimiter and skip rows;
// explicit delimiter/skipRows override it. Without either, the header row is
// sniffed and the delimiter detected from it.
func (s *Service) layout(fileName string, data []byte, templateID, delimiter string, skipRows *int) (layout, error) {
	var lay layout

	format, err := tabular.FormatFor(fileName)
	if err != nil {
		return lay, err
	}

	if templateID != "" {
		t, ok := s.registry.Get(templateID)
		if !ok {
			return lay, invalid("template", fmt.Errorf("%w: %q", ErrUnknownTemplate, templateID))
		}
		lay.template = &t
		lay.delimiter = t.DelimiterRune()
		lay.skipRows = t.SkipRows
	}
	if delimiter != "" {
		lay.delimiter = bank.ParseDelimiter(delimiter)
	}
	sniff := lay.template == nil && skipRows == nil
	if skipRows != nil {
		if *skipRows < 0 {
			return lay, invalid("skipRows", errors.New("must not be negative"))
		}
		lay.skipRows = *skipRows
	}

	if format == tabular.FormatDelimited {
		lines := tabular.Lines(data, bank.HeaderSearchLines)
		if sniff {
			lay.skipRows = bank.FindHeaderRow(lines)
		}
		if lay.delimiter == 0 && lay.skipRows < len(lines) {
			lay.delimiter = bank.DetectDelimiter(lines[lay.skipRows])
		}
	}
	if lay.delimiter == 0 {
		lay.delimiter = ','
	}

	lay.records, err = tabular.Decode(data, fileName, lay.delimiter)
	if err != nil {
		return lay, err
	}
	if sniff && format == tabular.FormatSpreadsheet {
		lay.skipRows = bank.FindHeaderRow(joinRows(lay.records, bank.HeaderSearchLines))
	}
	return lay, nil
}

func joinRows(records [][]string, n int) []string {
	if len(records) > n {
		records = records[:n]
	}
	lines := make([]string, len(records))
	for i, r := range records {
		lines[i] = strings.Join(r, "\t")
	}
	return lines
}

func (s *Service) checkSize(n int) error {
	if s.cfg.MaxFileSize > 0 && int64(n) > s.cfg.MaxFileSize {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrFileTooLarge, n, s.cfg.MaxFileSize)
	}
	return nil
}

// ============================================================================
// Commit
// ============================================================================

// CommitRequest is the commit payload. RawFileContent is the value Preview
// returned; the remaining fields describe how to read it.
type CommitRequest struct {
	UserID         uuid.UUID          `json:"-"`
	AccountID      uuid.UUID          `json:"accountId"`
	FileName       string             `json:"fileName,omitempty"`
	RawFileContent string             `json:"rawFileContent"`
	ColumnMap      bank.ColumnMapping `json:"columnMap"`
	DateFormat     string             `json:"dateFormat,omitempty"`
	Delimiter      string             `json:"delimiter,omitempty"`
	Template       string             `json:"template,omitempty"`
	SkipRows       *int               `json:"skipRows,omitempty"`
	NegateAmount   bool               `json:"negateAmount,omitempty"`
}

// Validate rejects requests that must not touch any row.
func (r CommitRequest) Validate() error {
	if r.AccountID == uuid.Nil {
		return invalid("accountId", ErrMissingAccount)
	}
	if err := r.ColumnMap.Validate(); err != nil {
		return invalid("columnMap", err)
	}
	return nil
}

// Result is the outcome of a commit or sync. Every processed row lands in
// exactly one of Imported, Skipped or Errors.
type Result struct {
	ImportID   uuid.UUID    `json:"importId"`
	Imported   int          `json:"imported"`
	Skipped    int          `json:"skipped"`
	Errors     int          `json:"errors"`
	TotalRows  int          `json:"totalRows"`
	Cancelled  bool         `json:"cancelled,omitempty"`
	FailedRows []RowFailure `json:"failedRows,omitempty"`
}

// RowFailure samples one row that was not imported.
type RowFailure struct {
	Line   int    `json:"line"`
	Kind   string `json:"kind"` // "skipped" or "error"
	Reason string `json:"reason"`
}

// Progress is reported after every row.
type Progress struct {
	Processed int `json:"processed"`
	Total     int `json:"total"`
	Imported  int `json:"imported"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// Fraction is Processed/Total.
func (p Progress) Fraction() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Processed) / float64(p.Total)
}

// ProgressFunc receives progress updates. It runs on the import goroutine.
type ProgressFunc func(Progress)

// Commit imports every row of the file. Fatal problems (*ValidationError,
// *FormatError) are returned before any row is touched. Row problems are
// counted in the Result; a cancelled ctx stops the loop between rows and the
// partial Result is still recorded.
func (s *Service) Commit(ctx context.Context, req CommitRequest, progress ProgressFunc) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.FileName == "" {
		req.FileName = defaultFileName
	}

	data, err := base64.StdEncoding.DecodeString(req.RawFileContent)
	if err != nil {
		return nil, &FormatError{FileName: req.FileName, Err: ErrBadContent}
	}
	if err := s.checkSize(len(data)); err != nil {
		return nil, err
	}

	lay, err := s.layout(req.FileName, data, req.Template, req.Delimiter, req.SkipRows)
	if err != nil {
		return nil, err
	}
	table := tabular.Slice(lay.records, lay.skipRows, 0)

	var cols bank.Columns
	if len(table.Headers) > 0 {
		ref := ""
		if lay.template != nil {
			ref = lay.template.ReferenceColumn
		}
		cols, err = req.ColumnMap.Resolve(table.Headers, ref)
		if err != nil {
			return nil, invalid("columnMap", err)
		}
	}

	opts := normalize.Options{DateFormat: req.DateFormat, NegateAmount: req.NegateAmount}
	var templateID string
	if lay.template != nil {
		templateID = lay.template.ID
		if opts.DateFormat == "" {
			opts.DateFormat = lay.template.DateFormat
		}
		opts.NegateAmount = opts.NegateAmount || lay.template.InvertSign
	}

	return s.execute(ctx, run{
		userID:    req.UserID,
		accountID: req.AccountID,
		source:    ledger.SourceCSVImport,
		fileName:  req.FileName,
		template:  templateID,
		rows:      table.Rows,
		cols:      cols,
		opts:      opts,
		firstLine: lay.skipRows + 2,
	}, progress)
}

// ============================================================================
// Bank sync
// ============================================================================

// SyncRow is one transaction from a bank connection. Date and Amount are
// raw strings and go through the same normalization as file cells.
type SyncRow struct {
	ExternalID   string `json:"externalId"`
	Date         string `json:"date"`
	Amount       string `json:"amount"`
	Description  string `json:"description,omitempty"`
	Counterparty string `json:"counterparty,omitempty"`
	Category     string `json:"category,omitempty"`
}

// SyncRequest is a batch of bank-sync rows for one account.
type SyncRequest struct {
	UserID     uuid.UUID `json:"-"`
	AccountID  uuid.UUID `json:"accountId"`
	DateFormat string    `json:"dateFormat,omitempty"`
	Rows       []SyncRow `json:"rows"`
}

var syncColumns = bank.Columns{
	Date:         0,
	Amount:       1,
	Description:  2,
	Counterparty: 3,
	Category:     4,
	Reference:    5,
}

// Sync imports bank-sync rows. Rows whose ExternalID already exists on the
// account are skipped, so repeating a sync never double-counts.
func (s *Service) Sync(ctx context.Context, req SyncRequest, progress ProgressFunc) (*Result, error) {
	if req.AccountID == uuid.Nil {
		return nil, invalid("accountId", ErrMissingAccount)
	}

	records := make([][]string, len(req.Rows))
	for i, r := range req.Rows {
		records[i] = []string{r.Date, r.Amount, r.Description, r.Counterparty, r.Category, r.ExternalID}
	}

	return s.execute(ctx, run{
		userID:    req.UserID,
		accountID: req.AccountID,
		source:    ledger.SourceBankSync,
		rows:      records,
		cols:      syncColumns,
		opts:      normalize.Options{DateFormat: req.DateFormat},
		firstLine: 1,
	}, progress)
}

// ============================================================================
// Row loop
// ============================================================================

type run struct {
	userID    uuid.UUID
	accountID uuid.UUID
	source    ledger.Source
	fileName  string
	template  string
	rows      [][]string
	cols      bank.Columns
	opts      normalize.Options
	firstLine int // line number of rows[0]
}

// categorizer is the per-run categorization state, loaded once.
type categorizer struct {
	rules  *rules.Set
	byName map[string]uuid.UUID
}

func (s *Service) execute(ctx context.Context, r run, progress ProgressFunc) (*Result, error) {
	release, err := s.limiter.Acquire(ctx, r.accountID)
	if err != nil {
		return nil, err
	}
	defer release()

	res := &Result{ImportID: uuid.New(), TotalRows: len(r.rows)}
	ctx = logging.ContextWith(ctx, "import_id", res.ImportID, "account_id", r.accountID)
	logger := logging.WithFields(ctx, "source", r.source, "template", r.template)
	logger.Info("import started", "file", r.fileName, "rows", len(r.rows))
	start := time.Now()

	cat, err := s.categorizer(ctx, r.userID)
	if err != nil {
		return nil, err
	}

rows:
	for i, rec := range r.rows {
		if ctx.Err() != nil {
			res.Cancelled = true
			break
		}
		line := r.firstLine + i

		err := s.importRow(ctx, r, rec, cat)
		switch {
		case err == nil:
			res.Imported++
		case errors.Is(err, ErrRowSkipped), errors.Is(err, ErrDuplicateRow):
			res.Skipped++
			s.sample(res, line, "skipped", err)
		case ctx.Err() != nil:
			// the write was rolled back; the row counts as not processed
			res.Cancelled = true
			break rows
		default:
			res.Errors++
			s.sample(res, line, "error", err)
		}
		if err != nil {
			logger.Debug("row not imported", "line", line, "error", err)
		}

		if progress != nil {
			progress(Progress{
				Processed: i + 1,
				Total:     res.TotalRows,
				Imported:  res.Imported,
				Skipped:   res.Skipped,
				Errors:    res.Errors,
			})
		}
	}

	if err := s.record(context.WithoutCancel(ctx), r, res); err != nil {
		logger.Error("failed to record import run", "error", err)
		return res, err
	}

	logger.Info("import completed",
		"imported", res.Imported,
		"skipped", res.Skipped,
		"errors", res.Errors,
		"total_rows", res.TotalRows,
		"cancelled", res.Cancelled,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

func (s *Service) categorizer(ctx context.Context, userID uuid.UUID) (categorizer, error) {
	var c categorizer

	var err error
	if c.rules, err = s.materializer.RuleSet(ctx, userID); err != nil {
		return c, err
	}

	cats, err := s.store.ListCategories(ctx, userID)
	if err != nil {
		return c, fmt.Errorf("list categories: %w", err)
	}
	c.byName = make(map[string]uuid.UUID, len(cats))
	for _, cat := range cats {
		c.byName[strings.ToLower(strings.TrimSpace(cat.Name))] = cat.ID
	}
	return c, nil
}

// importRow normalizes and materializes one record. A category name from the
// file wins over rules when it names an existing category; unknown names are
// ignored rather than created.
func (s *Service) importRow(ctx context.Context, r run, rec []string, cat categorizer) error {
	row, err := normalize.Record(rec, r.cols, r.opts)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRowSkipped, err)
	}

	entry := ledger.Entry{
		UserID:       r.userID,
		AccountID:    r.accountID,
		Type:         ledger.DirectionOf(row.Amount),
		Amount:       row.Amount.Abs(),
		Date:         row.Date,
		Description:  row.Description,
		Counterparty: row.Counterparty,
		Source:       r.source,
		Reference:    row.Reference,
		Rules:        cat.rules,
	}
	if hint := strings.ToLower(strings.TrimSpace(row.CategoryHint)); hint != "" {
		if id, ok := cat.byName[hint]; ok {
			entry.CategoryID = &id
		}
	}

	_, err = s.materializer.Materialize(ctx, entry)
	return err
}

func (s *Service) sample(res *Result, line int, kind string, err error) {
	if len(res.FailedRows) >= s.cfg.MaxFailedRows {
		return
	}
	res.FailedRows = append(res.FailedRows, RowFailure{Line: line, Kind: kind, Reason: err.Error()})
}

// record persists the run summary and its audit entry together.
func (s *Service) record(ctx context.Context, r run, res *Result) error {
	summary := ledger.ImportRun{
		ID:        res.ImportID,
		UserID:    r.userID,
		AccountID: r.accountID,
		Source:    r.source,
		FileName:  r.fileName,
		Template:  r.template,
		Imported:  res.Imported,
		Skipped:   res.Skipped,
		Errors:    res.Errors,
		TotalRows: res.TotalRows,
		Cancelled: res.Cancelled,
		CreatedAt: time.Now().UTC(),
	}

	action := ledger.ActionImportCommit
	if r.source == ledger.SourceBankSync {
		action = ledger.ActionBankSync
	}
	entry := ledger.NewAuditEntry(ctx, action, r.userID)
	accountID := r.accountID
	entry.AccountID = &accountID
	entry.EntityID = res.ImportID.String()
	entry.RowsAffected = res.Imported
	entry.Details = map[string]any{
		"skipped":   res.Skipped,
		"errors":    res.Errors,
		"totalRows": res.TotalRows,
		"cancelled": res.Cancelled,
	}
	if r.fileName != "" {
		entry.Details["fileName"] = r.fileName
	}
	if r.template != "" {
		entry.Details["template"] = r.template
	}

	return s.store.InTx(ctx, func(q ledger.Queries) error {
		if err := q.InsertImportRun(ctx, summary); err != nil {
			return fmt.Errorf("insert import run: %w", err)
		}
		if err := q.InsertAudit(ctx, entry); err != nil {
			return fmt.Errorf("insert audit entry: %w", err)
		}
		return nil
	})
}

// History lists past runs for an account.
func (s *Service) History(ctx context.Context, userID, accountID uuid.UUID) ([]ledger.ImportRun, error) {
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, ErrUnknownAccount
		}
		return nil, err
	}
	if acct.UserID != userID {
		return nil, ErrUnknownAccount
	}
	return s.store.ListImportRuns(ctx, accountID)
}
