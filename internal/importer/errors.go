package importer

import (
	"errors"
	"fmt"

	"github.com/JonMunkholm/finimport/internal/ledger"
	"github.com/JonMunkholm/finimport/internal/tabular"
)

// FormatError reports an unreadable or unsupported file. Nothing has been
// written when it is returned.
type FormatError = tabular.FormatError

// ValidationError rejects a request before any row is processed.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(field string, err error) error {
	return &ValidationError{Field: field, Err: err}
}

var (
	// ErrRowSkipped marks a row whose date or amount could not be normalized.
	ErrRowSkipped = errors.New("row skipped")
	// ErrDuplicateRow marks a row whose reference already exists on the
	// account. It is counted as skipped, not as an error.
	ErrDuplicateRow = ledger.ErrDuplicate
	// ErrUnknownAccount marks a row aimed at an account the user does not own.
	ErrUnknownAccount = ledger.ErrUnknownAccount

	ErrUnknownTemplate = errors.New("unknown template")
	ErrMissingAccount  = errors.New("account id is required")
	ErrBadContent      = errors.New("invalid file content encoding")
	ErrFileTooLarge    = errors.New("file too large")
	ErrNoFile          = errors.New("no file provided")
)
