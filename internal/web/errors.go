package web

// errors.go provides unified error response handling for the web layer.
//
// It ensures all errors are:
//   - Logged with full technical details for debugging (server-side)
//   - Returned to clients as user-friendly JSON with an action suggestion
//
// The error flow:
//  1. Handler encounters an error
//  2. Calls s.fail(w, r, err), which picks the status via statusFor
//  3. Error is mapped via importer.MapError to get user-friendly message
//  4. Technical error + context is logged with request ID for correlation

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/JonMunkholm/finimport/internal/importer"
	"github.com/JonMunkholm/finimport/internal/jobs"
	"github.com/JonMunkholm/finimport/internal/ledger"
	"github.com/JonMunkholm/finimport/internal/logging"
	"github.com/JonMunkholm/finimport/internal/rules"
	"github.com/JonMunkholm/finimport/internal/settings"
)

// errMalformed marks requests that could not be decoded. It maps to VAL009.
var errMalformed = errors.New("malformed request")

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errMalformed}, args...)...)
}

// ErrorResponse represents the JSON structure for API error responses.
// Includes both machine-readable (Code) and human-readable (Message, Action) fields.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
}

// fail responds with the status statusFor picks for err.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	respondError(w, r, err, statusFor(err))
}

// respondError logs the technical error server-side and writes the
// user-friendly JSON body.
func respondError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	userMsg := importer.MapError(err)

	logger := logging.FromContext(r.Context())
	attrs := []any{
		"path", r.URL.Path,
		"method", r.Method,
		"status", statusCode,
		"error", err.Error(),
		"code", userMsg.Code,
	}
	if statusCode >= http.StatusInternalServerError {
		logger.Error("request error", attrs...)
	} else {
		logger.Warn("request error", attrs...)
	}

	writeJSONStatus(w, r, statusCode, ErrorResponse{
		Error:   userMsg.Message,
		Message: userMsg.Message,
		Action:  userMsg.Action,
		Code:    userMsg.Code,
	})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var (
		formatErr *importer.FormatError
		validErr  *importer.ValidationError
	)
	switch {
	case errors.Is(err, importer.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &formatErr),
		errors.As(err, &validErr),
		errors.Is(err, errMalformed),
		errors.Is(err, importer.ErrNoFile),
		errors.Is(err, rules.ErrInvalidField),
		errors.Is(err, rules.ErrEmptyPattern),
		errors.Is(err, rules.ErrInvalidPattern),
		errors.Is(err, settings.ErrInvalidValue),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidType),
		errors.Is(err, ledger.ErrSameAccount),
		errors.Is(err, ledger.ErrCurrencyMismatch),
		errors.Is(err, ledger.ErrMissingTransfer),
		errors.Is(err, ledger.ErrUnknownCategory):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, ledger.ErrUnknownAccount),
		errors.Is(err, jobs.ErrNotFound),
		errors.Is(err, settings.ErrUnknownKey):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrDuplicate),
		errors.Is(err, jobs.ErrFinished),
		errors.Is(err, importer.ErrAccountBusy):
		return http.StatusConflict
	case errors.Is(err, importer.ErrTooManyImports),
		errors.Is(err, jobs.ErrQueueFull),
		errors.Is(err, jobs.ErrQueueClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
