package importer

// messages.go maps technical errors to user-facing messages with support
// codes.
//
// # Error Codes Reference
//
// # File Errors (FILE001-FILE099)
//
//	FILE001 - File too large
//	          Patterns: "file too large"
//	FILE002 - Unsupported format: only CSV, TSV, TXT and XLSX are read
//	          Patterns: "unsupported file format"
//	FILE003 - Unreadable file: the file could not be parsed
//	          Patterns: "invalid file"
//	FILE004 - No file in the request
//	          Patterns: "no file provided"
//	FILE005 - rawFileContent is not what preview returned
//	          Patterns: "invalid file content"
//
// # Validation Errors (VAL001-VAL099)
//
//	VAL001 - Mapping lacks a date or amount column, or names an unknown field
//	         Patterns: "invalid column mapping"
//	VAL002 - Mapped column missing from the file header
//	         Patterns: "column not found"
//	VAL003 - Unknown bank template
//	         Patterns: "unknown template"
//	VAL004 - Missing account id
//	         Patterns: "account id is required"
//	VAL005 - Amount must be positive
//	         Patterns: "amount must be positive"
//	VAL006 - Transfer between currencies
//	         Patterns: "different currencies"
//	VAL007 - Transfer to the same account
//	         Patterns: "same account"
//	VAL008 - Transaction type unknown
//	         Patterns: "invalid transaction type"
//	VAL009 - Generic malformed request
//	         Patterns: "malformed request"
//	         Patterns: "invalid request"
//	VAL010 - Unknown setting or bad setting value
//	         Patterns: "unknown setting", "invalid setting value"
//
// # Database Errors (DB001-DB099)
//
//	DB001 - Duplicate transaction reference
//	        Patterns: "duplicate transaction reference", "duplicate key"
//	DB002 - Not found
//	        Patterns: "not found"
//	DB003 - Foreign key
//	        Patterns: "violates foreign key"
//	DB004 - Connection refused
//	DB005 - Connection reset
//	DB006 - Timeout
//	DB007 - Deadlock
//
// # Import Errors (IMP001-IMP099)
//
//	IMP001 - Too many concurrent imports
//	         Patterns: "too many concurrent imports"
//	IMP002 - Job queue full
//	         Patterns: "queue is full"
//	IMP003 - Job not found
//	         Patterns: "job not found"
//	IMP004 - Unknown account
//	         Patterns: "unknown account"
//	IMP005 - Cancelled
//	         Patterns: "context canceled", "job cancelled"
//	IMP006 - Deadline exceeded
//	         Patterns: "context deadline exceeded"
//	IMP007 - Account busy
//	         Patterns: "import into this account is already running"
//
// # Rule Errors (RULE001-RULE099)
//
//	RULE001 - Pattern is not a valid regular expression
//	RULE002 - Pattern is empty
//	RULE003 - Field is neither description nor counterparty
//	RULE004 - Target category does not belong to the user
//
// # Rate Limiting (RATE001)
//
// Fallback when no specific pattern matches:
//
//	ERR000 - Unknown error
//
// Patterns are matched case-insensitively with strings.Contains. The first
// match wins, so specific patterns come before general ones.

import (
	"fmt"
	"strings"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string `json:"message"`
	Action  string `json:"action"`
	Code    string `json:"code"`
}

type errorPattern struct {
	pattern string
	msg     UserMessage
}

var errorPatterns = []errorPattern{
	// =========================================================================
	// File Errors
	// =========================================================================
	{
		pattern: "file too large",
		msg: UserMessage{
			Message: "File exceeds the maximum upload size",
			Action:  "Export a shorter date range and upload again",
			Code:    "FILE001",
		},
	},
	{
		pattern: "unsupported file format",
		msg: UserMessage{
			Message: "This file type is not supported",
			Action:  "Upload a CSV, TSV, TXT or XLSX export",
			Code:    "FILE002",
		},
	},
	{
		pattern: "invalid file content",
		msg: UserMessage{
			Message: "The uploaded file content is damaged",
			Action:  "Run the preview again and commit the content it returns",
			Code:    "FILE005",
		},
	},
	{
		pattern: "invalid file",
		msg: UserMessage{
			Message: "The file could not be read",
			Action:  "Check that the export is not corrupted or password protected",
			Code:    "FILE003",
		},
	},
	{
		pattern: "no file provided",
		msg: UserMessage{
			Message: "No file was uploaded",
			Action:  "Select a bank export to upload",
			Code:    "FILE004",
		},
	},

	// =========================================================================
	// Validation Errors
	// =========================================================================
	{
		pattern: "column not found",
		msg: UserMessage{
			Message: "A mapped column is missing from the file",
			Action:  "Check the header row and skip-rows setting",
			Code:    "VAL002",
		},
	},
	{
		pattern: "invalid column mapping",
		msg: UserMessage{
			Message: "The column mapping is incomplete",
			Action:  "Map exactly one column to date and one to amount",
			Code:    "VAL001",
		},
	},
	{
		pattern: "unknown template",
		msg: UserMessage{
			Message: "Unknown bank template",
			Action:  "Choose one of the listed templates or map columns manually",
			Code:    "VAL003",
		},
	},
	{
		pattern: "account id is required",
		msg: UserMessage{
			Message: "No account selected",
			Action:  "Choose the account to import into",
			Code:    "VAL004",
		},
	},
	{
		pattern: "amount must be positive",
		msg: UserMessage{
			Message: "Amount must be greater than zero",
			Action:  "Enter a positive amount and pick the direction separately",
			Code:    "VAL005",
		},
	},
	{
		pattern: "different currencies",
		msg: UserMessage{
			Message: "Both accounts must use the same currency",
			Action:  "Transfer between accounts of the same currency",
			Code:    "VAL006",
		},
	},
	{
		pattern: "same account",
		msg: UserMessage{
			Message: "Source and destination accounts are the same",
			Action:  "Pick a different destination account",
			Code:    "VAL007",
		},
	},
	{
		pattern: "invalid transaction type",
		msg: UserMessage{
			Message: "Unknown transaction type",
			Action:  "Use INCOME, EXPENSE or TRANSFER",
			Code:    "VAL008",
		},
	},
	{
		pattern: "malformed request",
		msg: UserMessage{
			Message: "The request could not be read",
			Action:  "Check the request body and parameters",
			Code:    "VAL009",
		},
	},
	{
		pattern: "unknown setting",
		msg: UserMessage{
			Message: "Unknown setting",
			Action:  "Use default_currency, default_date_format or auto_categorize",
			Code:    "VAL010",
		},
	},
	{
		pattern: "invalid setting value",
		msg: UserMessage{
			Message: "Invalid setting value",
			Action:  "Check the value type for this setting",
			Code:    "VAL010",
		},
	},

	// =========================================================================
	// Rule Errors
	// =========================================================================
	{
		pattern: "not a valid regular expression",
		msg: UserMessage{
			Message: "The rule pattern is not a valid regular expression",
			Action:  "Fix the pattern or switch the rule to plain text matching",
			Code:    "RULE001",
		},
	},
	{
		pattern: "pattern is empty",
		msg: UserMessage{
			Message: "The rule pattern is empty",
			Action:  "Enter text to match",
			Code:    "RULE002",
		},
	},
	{
		pattern: "unknown category",
		msg: UserMessage{
			Message: "The category does not exist",
			Action:  "Pick one of your existing categories",
			Code:    "RULE004",
		},
	},
	{
		pattern: "rule field",
		msg: UserMessage{
			Message: "Rules can match description or counterparty only",
			Action:  "Choose description or counterparty",
			Code:    "RULE003",
		},
	},

	// =========================================================================
	// Import Errors
	// =========================================================================
	{
		pattern: "too many concurrent imports",
		msg: UserMessage{
			Message: "Too many imports are running",
			Action:  "Please wait a moment and try again",
			Code:    "IMP001",
		},
	},
	{
		pattern: "import into this account is already running",
		msg: UserMessage{
			Message: "Another import into this account is still running",
			Action:  "Wait for it to finish, then try again",
			Code:    "IMP007",
		},
	},
	{
		pattern: "queue is full",
		msg: UserMessage{
			Message: "The import queue is full",
			Action:  "Please wait for running imports to finish",
			Code:    "IMP002",
		},
	},
	{
		pattern: "job not found",
		msg: UserMessage{
			Message: "Import job not found",
			Action:  "The job may have expired; start the import again",
			Code:    "IMP003",
		},
	},
	{
		pattern: "unknown account",
		msg: UserMessage{
			Message: "Account not found",
			Action:  "Check that the account exists and belongs to you",
			Code:    "IMP004",
		},
	},
	{
		pattern: "context canceled",
		msg: UserMessage{
			Message: "The import was cancelled",
			Action:  "Rows already imported were kept",
			Code:    "IMP005",
		},
	},
	{
		pattern: "job cancelled",
		msg: UserMessage{
			Message: "The import was cancelled",
			Action:  "Rows already imported were kept",
			Code:    "IMP005",
		},
	},
	{
		pattern: "context deadline exceeded",
		msg: UserMessage{
			Message: "The import took too long",
			Action:  "Split the file or use a background import",
			Code:    "IMP006",
		},
	},

	// =========================================================================
	// Database Errors
	// =========================================================================
	{
		pattern: "duplicate transaction reference",
		msg: UserMessage{
			Message: "This transaction was already imported",
			Action:  "No action needed",
			Code:    "DB001",
		},
	},
	{
		pattern: "duplicate key",
		msg: UserMessage{
			Message: "A record with this value already exists",
			Action:  "Use a different name",
			Code:    "DB001",
		},
	},
	{
		pattern: "violates foreign key",
		msg: UserMessage{
			Message: "Referenced record does not exist",
			Action:  "Check the category or account you referenced",
			Code:    "DB003",
		},
	},
	{
		pattern: "connection refused",
		msg: UserMessage{
			Message: "Unable to connect to database",
			Action:  "Please try again in a few moments",
			Code:    "DB004",
		},
	},
	{
		pattern: "connection reset",
		msg: UserMessage{
			Message: "Database connection was interrupted",
			Action:  "Please try again",
			Code:    "DB005",
		},
	},
	{
		pattern: "timeout",
		msg: UserMessage{
			Message: "Operation timed out",
			Action:  "Try again later",
			Code:    "DB006",
		},
	},
	{
		pattern: "deadlock",
		msg: UserMessage{
			Message: "Database was busy with conflicting operations",
			Action:  "Please try again",
			Code:    "DB007",
		},
	},
	{
		pattern: "not found",
		msg: UserMessage{
			Message: "Record not found",
			Action:  "Refresh and try again",
			Code:    "DB002",
		},
	},

	// =========================================================================
	// Rate Limiting
	// =========================================================================
	{
		pattern: "rate limit",
		msg: UserMessage{
			Message: "Too many requests",
			Action:  "Please wait a moment before trying again",
			Code:    "RATE001",
		},
	},
}

// defaultMessage is returned when no pattern matches. Support staff should
// check application logs for the original error when users report ERR000.
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message.
//
//	msg := MapError(ErrTooManyImports)
//	// msg.Code == "IMP001"
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}
	return defaultMessage
}

// FormatUserError renders "Message (Code: XXX). Action".
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to a specific message rather than
// the ERR000 fallback.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}
