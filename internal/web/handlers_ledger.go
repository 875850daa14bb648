package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/JonMunkholm/finimport/internal/importer"
	"github.com/JonMunkholm/finimport/internal/ledger"
	"github.com/JonMunkholm/finimport/internal/logging"
	"github.com/JonMunkholm/finimport/internal/normalize"
)

// maxJSONBody bounds small JSON request bodies.
const maxJSONBody = 1 << 20

// transactionRequest is a manually entered transaction. Amount and Date are
// strings so they accept the same formats as imported cells.
type transactionRequest struct {
	AccountID         uuid.UUID     `json:"accountId"`
	Type              ledger.TxType `json:"type"`
	Amount            string        `json:"amount"`
	Date              string        `json:"date,omitempty"`
	Description       string        `json:"description,omitempty"`
	Counterparty      string        `json:"counterparty,omitempty"`
	CategoryID        *uuid.UUID    `json:"categoryId,omitempty"`
	TransferAccountID *uuid.UUID    `json:"transferAccountId,omitempty"`
}

func parseAmount(raw string) (decimal.Decimal, error) {
	v, ok := normalize.ParseAmount(raw)
	if !ok {
		return decimal.Zero, &importer.ValidationError{Field: "amount", Err: ledger.ErrInvalidAmount}
	}
	return v, nil
}

// parseDate accepts any layout the normalizer knows. Empty means today (UTC).
func parseDate(raw string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		now := time.Now().UTC()
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	d, ok := normalize.ParseDate(raw, "")
	if !ok {
		return time.Time{}, malformed("date %q is not recognized", raw)
	}
	return d, nil
}

// handleCreateTransaction records a manual transaction. The amount's sign is
// ignored. Without a category the rule engine picks one.
func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req transactionRequest
	if err := decodeBody(w, r, maxJSONBody, &req); err != nil {
		fail(w, r, err)
		return
	}
	if req.AccountID == uuid.Nil {
		fail(w, r, &importer.ValidationError{Field: "accountId", Err: importer.ErrMissingAccount})
		return
	}

	amount, err := parseAmount(req.Amount)
	if err != nil {
		fail(w, r, err)
		return
	}
	// type carries the direction, so "-500" as EXPENSE is a 500 expense
	amount = amount.Abs()
	date, err := parseDate(req.Date)
	if err != nil {
		fail(w, r, err)
		return
	}

	ctx := WithRequestMetadata(r.Context(), r)
	t, err := s.ledger.Materialize(ctx, ledger.Entry{
		UserID:       userID(r),
		AccountID:    req.AccountID,
		Type:         req.Type,
		Amount:       amount,
		Date:         date,
		Description:  req.Description,
		Counterparty: req.Counterparty,
		CategoryID:   req.CategoryID,
		Source:       ledger.SourceManual,
		TransferTo:   req.TransferAccountID,
	})
	if err != nil {
		fail(w, r, err)
		return
	}

	writeJSONStatus(w, r, http.StatusCreated, t)
}

// quickRequest is the triple a chat bot extracts from a message.
type quickRequest struct {
	AccountID   uuid.UUID     `json:"accountId"`
	Amount      string        `json:"amount"`
	Direction   ledger.TxType `json:"direction,omitempty"`
	Description string        `json:"description"`
	Date        string        `json:"date,omitempty"`
}

// direction defaults to EXPENSE; an explicit leading plus means INCOME.
func (q quickRequest) direction() ledger.TxType {
	if q.Direction != "" {
		return ledger.TxType(strings.ToUpper(string(q.Direction)))
	}
	if strings.HasPrefix(strings.TrimSpace(q.Amount), "+") {
		return ledger.TypeIncome
	}
	return ledger.TypeExpense
}

// handleQuickTransaction is the bot entry point.
func (s *Server) handleQuickTransaction(w http.ResponseWriter, r *http.Request) {
	var req quickRequest
	if err := decodeBody(w, r, maxJSONBody, &req); err != nil {
		fail(w, r, err)
		return
	}

	amount, err := parseAmount(req.Amount)
	if err != nil {
		fail(w, r, err)
		return
	}
	date, err := parseDate(req.Date)
	if err != nil {
		fail(w, r, err)
		return
	}

	ctx := WithRequestMetadata(r.Context(), r)
	t, err := s.ledger.Quick(ctx, ledger.QuickEntry{
		UserID:      userID(r),
		AccountID:   req.AccountID,
		Amount:      amount,
		Direction:   req.direction(),
		Description: req.Description,
		Date:        date,
	})
	if err != nil {
		fail(w, r, err)
		return
	}

	writeJSONStatus(w, r, http.StatusCreated, t)
}

// handleDeleteTransaction deletes a transaction and reverses its balance effect.
func (s *Server) handleDeleteTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "txID")
	if err != nil {
		fail(w, r, err)
		return
	}

	t, err := s.ledger.Delete(WithRequestMetadata(r.Context(), r), userID(r), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, r, t)
}

type transferRequest struct {
	FromAccountID uuid.UUID `json:"fromAccountId"`
	ToAccountID   uuid.UUID `json:"toAccountId"`
	Amount        string    `json:"amount"`
	Date          string    `json:"date,omitempty"`
	Description   string    `json:"description,omitempty"`
}

// handleTransfer moves money between two of the caller's accounts.
func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := decodeBody(w, r, maxJSONBody, &req); err != nil {
		fail(w, r, err)
		return
	}
	if req.FromAccountID == uuid.Nil || req.ToAccountID == uuid.Nil {
		fail(w, r, &importer.ValidationError{Field: "accountId", Err: importer.ErrMissingAccount})
		return
	}

	amount, err := parseAmount(req.Amount)
	if err != nil {
		fail(w, r, err)
		return
	}
	date, err := parseDate(req.Date)
	if err != nil {
		fail(w, r, err)
		return
	}

	t, err := s.ledger.Transfer(WithRequestMetadata(r.Context(), r), ledger.TransferRequest{
		UserID:      userID(r),
		From:        req.FromAccountID,
		To:          req.ToAccountID,
		Amount:      amount,
		Date:        date,
		Description: req.Description,
	})
	if err != nil {
		fail(w, r, err)
		return
	}

	writeJSONStatus(w, r, http.StatusCreated, t)
}

// ownedAccount loads an account the caller owns.
func (s *Server) ownedAccount(ctx context.Context, user, id uuid.UUID) (ledger.Account, error) {
	a, err := s.store.GetAccount(ctx, id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return ledger.Account{}, ledger.ErrUnknownAccount
		}
		return ledger.Account{}, err
	}
	if a.UserID != user {
		return ledger.Account{}, ledger.ErrUnknownAccount
	}
	return a, nil
}

// handleGetAccount returns an account with its current balance.
func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "accountID")
	if err != nil {
		fail(w, r, err)
		return
	}

	a, err := s.ownedAccount(r.Context(), userID(r), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, r, a)
}

// handleRecalculate recomputes an account balance from its transactions.
func (s *Server) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "accountID")
	if err != nil {
		fail(w, r, err)
		return
	}

	rec, err := s.ledger.Recalculate(WithRequestMetadata(r.Context(), r), userID(r), id)
	if err != nil {
		fail(w, r, err)
		return
	}

	if !rec.Drift.IsZero() {
		logging.FromContext(r.Context()).Warn("balance drift corrected",
			"account_id", id,
			"previous", rec.Previous.String(),
			"balance", rec.Account.Balance.String(),
			"drift", rec.Drift.String(),
		)
	}
	writeJSON(w, r, rec)
}

// exportRow is one line of the transaction CSV export.
type exportRow struct {
	Date         string `csv:"date"`
	Type         string `csv:"type"`
	Amount       string `csv:"amount"`
	Currency     string `csv:"currency"`
	Description  string `csv:"description"`
	Counterparty string `csv:"counterparty"`
	Category     string `csv:"category"`
	Source       string `csv:"source"`
	Reference    string `csv:"reference"`
	ID           string `csv:"id"`
}

// handleExportTransactions writes every transaction of an account as CSV.
// Optional from/to query parameters bound the date range (inclusive).
func (s *Server) handleExportTransactions(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "accountID")
	if err != nil {
		fail(w, r, err)
		return
	}
	user := userID(r)

	acct, err := s.ownedAccount(r.Context(), user, id)
	if err != nil {
		fail(w, r, err)
		return
	}

	var from, to time.Time
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = parseDate(v); err != nil {
			fail(w, r, err)
			return
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if to, err = parseDate(v); err != nil {
			fail(w, r, err)
			return
		}
	}

	txs, err := s.store.ListTransactions(r.Context(), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	cats, err := s.store.ListCategories(r.Context(), user)
	if err != nil {
		fail(w, r, err)
		return
	}
	names := make(map[uuid.UUID]string, len(cats))
	for _, c := range cats {
		names[c.ID] = c.Name
	}

	rows := make([]*exportRow, 0, len(txs))
	for _, t := range txs {
		if (!from.IsZero() && t.Date.Before(from)) || (!to.IsZero() && t.Date.After(to)) {
			continue
		}
		row := &exportRow{
			Date:         t.Date.Format("2006-01-02"),
			Type:         string(t.Type),
			Amount:       t.Delta(id).StringFixed(2),
			Currency:     t.Currency,
			Description:  t.Description,
			Counterparty: t.Counterparty,
			Source:       string(t.Source),
			Reference:    t.Reference,
			ID:           t.ID.String(),
		}
		if t.CategoryID != nil {
			row.Category = names[*t.CategoryID]
		}
		rows = append(rows, row)
	}

	filename := fmt.Sprintf("transactions_%s_%s.csv", sanitizeFileName(acct.Name), time.Now().Format("20060102_150405"))
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))

	if err := gocsv.Marshal(rows, w); err != nil {
		logging.FromContext(r.Context()).Error("csv export failed", "account_id", id, "error", err)
	}
}

func sanitizeFileName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	if name == "" {
		return "account"
	}
	return name
}
