package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents the type of action being audited.
type AuditAction string

const (
	ActionImportCommit      AuditAction = "import_commit"
	ActionBankSync          AuditAction = "bank_sync"
	ActionTransactionCreate AuditAction = "transaction_create"
	ActionTransactionDelete AuditAction = "transaction_delete"
	ActionTransfer          AuditAction = "transfer"
	ActionRecalculate       AuditAction = "balance_recalculate"
	ActionRuleCreate        AuditAction = "rule_create"
	ActionRuleUpdate        AuditAction = "rule_update"
	ActionRuleDelete        AuditAction = "rule_delete"
)

// AuditSeverity represents the severity level of an audit entry.
type AuditSeverity string

const (
	SeverityLow      AuditSeverity = "low"
	SeverityMedium   AuditSeverity = "medium"
	SeverityHigh     AuditSeverity = "high"
	SeverityCritical AuditSeverity = "critical"
)

// AuditEntry represents a single audit log entry. Entries are append-only.
type AuditEntry struct {
	ID           uuid.UUID      `json:"id"`
	Action       AuditAction    `json:"action"`
	Severity     AuditSeverity  `json:"severity"`
	UserID       uuid.UUID      `json:"userId"`
	AccountID    *uuid.UUID     `json:"accountId,omitempty"`
	EntityID     string         `json:"entityId,omitempty"`
	IPAddress    string         `json:"ipAddress,omitempty"`
	UserAgent    string         `json:"userAgent,omitempty"`
	RowsAffected int            `json:"rowsAffected,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
}

func severityOf(action AuditAction) AuditSeverity {
	switch action {
	case ActionImportCommit, ActionBankSync, ActionTransactionDelete:
		return SeverityHigh
	case ActionRecalculate:
		return SeverityCritical
	case ActionRuleCreate, ActionRuleUpdate:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// NewAuditEntry fills in id, severity, timestamp and the request metadata
// carried by ctx.
func NewAuditEntry(ctx context.Context, action AuditAction, userID uuid.UUID) AuditEntry {
	return AuditEntry{
		ID:        uuid.New(),
		Action:    action,
		Severity:  severityOf(action),
		UserID:    userID,
		IPAddress: IPAddressFromContext(ctx),
		UserAgent: UserAgentFromContext(ctx),
		CreatedAt: time.Now().UTC(),
	}
}

type contextKey string

const (
	ctxKeyIPAddress contextKey = "audit_ip"
	ctxKeyUserAgent contextKey = "audit_ua"
)

// ContextWithIPAddress adds IP address to context for audit logging.
func ContextWithIPAddress(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ctxKeyIPAddress, ip)
}

// ContextWithUserAgent adds User-Agent to context for audit logging.
func ContextWithUserAgent(ctx context.Context, ua string) context.Context {
	return context.WithValue(ctx, ctxKeyUserAgent, ua)
}

// IPAddressFromContext extracts IP address from context.
func IPAddressFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyIPAddress).(string); ok {
		return v
	}
	return ""
}

// UserAgentFromContext extracts User-Agent from context.
func UserAgentFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyUserAgent).(string); ok {
		return v
	}
	return ""
}
