package importer

import (
	"errors"
	"fmt"
	"testing"

	"github.com/JonMunkholm/finimport/internal/bank"
	"github.com/JonMunkholm/finimport/internal/ledger"
	"github.com/JonMunkholm/finimport/internal/rules"
	"github.com/JonMunkholm/finimport/internal/tabular"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{
			name:     "nil error returns empty",
			err:      nil,
			wantCode: "",
		},
		{
			name:     "unsupported extension",
			err:      &FormatError{FileName: "scan.pdf", Err: tabular.ErrUnsupportedFormat},
			wantCode: "FILE002",
		},
		{
			name:     "corrupt spreadsheet",
			err:      &FormatError{FileName: "a.xlsx", Err: errors.New("zip: not a valid zip file")},
			wantCode: "FILE003",
		},
		{
			name:     "bad raw content",
			err:      &FormatError{FileName: "a.csv", Err: ErrBadContent},
			wantCode: "FILE005",
		},
		{
			name:     "file too large",
			err:      fmt.Errorf("%w: 200 bytes (max 100)", ErrFileTooLarge),
			wantCode: "FILE001",
		},
		{
			name:     "mapping without amount",
			err:      invalid("columnMap", fmt.Errorf("%w: no column mapped to amount", bank.ErrInvalidMapping)),
			wantCode: "VAL001",
		},
		{
			name:     "mapped column missing",
			err:      invalid("columnMap", fmt.Errorf("%w: date column not found in file", bank.ErrInvalidMapping)),
			wantCode: "VAL002",
		},
		{
			name:     "unknown template",
			err:      invalid("template", fmt.Errorf("%w: %q", ErrUnknownTemplate, "x")),
			wantCode: "VAL003",
		},
		{
			name:     "currency mismatch",
			err:      fmt.Errorf("%w: RUB -> USD", ledger.ErrCurrencyMismatch),
			wantCode: "VAL006",
		},
		{
			name:     "invalid regex rule",
			err:      fmt.Errorf("%w: missing closing )", rules.ErrInvalidPattern),
			wantCode: "RULE001",
		},
		{
			name:     "empty rule pattern",
			err:      rules.ErrEmptyPattern,
			wantCode: "RULE002",
		},
		{
			name:     "limiter full",
			err:      ErrTooManyImports,
			wantCode: "IMP001",
		},
		{
			name:     "account busy",
			err:      ErrAccountBusy,
			wantCode: "IMP007",
		},
		{
			name:     "unknown account",
			err:      fmt.Errorf("%w: 1234", ErrUnknownAccount),
			wantCode: "IMP004",
		},
		{
			name:     "deadline beats generic timeout",
			err:      errors.New("context deadline exceeded (timeout)"),
			wantCode: "IMP006",
		},
		{
			name:     "duplicate reference",
			err:      ErrDuplicateRow,
			wantCode: "DB001",
		},
		{
			name:     "store not found",
			err:      ledger.ErrNotFound,
			wantCode: "DB002",
		},
		{
			name:     "connection refused",
			err:      errors.New("dial tcp: connection refused"),
			wantCode: "DB004",
		},
		{
			name:     "unknown error falls back",
			err:      errors.New("something odd"),
			wantCode: "ERR000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapError(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("MapError(%v).Code = %q, want %q", tt.err, got.Code, tt.wantCode)
			}
		})
	}
}

func TestFormatUserError(t *testing.T) {
	got := FormatUserError(ErrTooManyImports)
	want := "Too many imports are running (Code: IMP001). Please wait a moment and try again"
	if got != want {
		t.Errorf("FormatUserError = %q, want %q", got, want)
	}

	if got := FormatUserError(nil); got != "" {
		t.Errorf("FormatUserError(nil) = %q, want empty", got)
	}
}

func TestIsUserFacing(t *testing.T) {
	if IsUserFacing(nil) {
		t.Error("nil should not be user facing")
	}
	if !IsUserFacing(ErrNoFile) {
		t.Error("ErrNoFile should be user facing")
	}
	if IsUserFacing(errors.New("panic: runtime error")) {
		t.Error("unknown errors should not be user facing")
	}
}

func TestValidationError_Unwrap(t *testing.T) {
	err := invalid("accountId", ErrMissingAccount)

	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatal("errors.As failed")
	}
	if ve.Field != "accountId" {
		t.Errorf("Field = %q", ve.Field)
	}
	if !errors.Is(err, ErrMissingAccount) {
		t.Error("errors.Is should see the wrapped sentinel")
	}
}
