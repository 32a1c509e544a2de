package core

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/xid"
)

// AuditEntry is one append-only record linking a translation to at most
// one execution. Rejected and failed requests are recorded too, so
// repeated malicious probing stays visible. Entries keep the underlying
// technical error for operators; callers only ever see the structured
// taxonomy errors.
type AuditEntry struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	UserID        string    `json:"user_id"`
	ConnectionID  string    `json:"connection_id"`
	TranslationID string    `json:"translation_id"`
	ExecutionID   string    `json:"execution_id,omitempty"`
	Question      string    `json:"question"`
	QueryText     string    `json:"query_text,omitempty"`
	SafetyPassed  bool      `json:"safety_passed"`
	Status        string    `json:"status"`
	Error         string    `json:"error,omitempty"`
	RowCount      int       `json:"row_count"`
	ElapsedMs     int64     `json:"elapsed_ms"`
	CreatedAt     time.Time `json:"created_at"`
}

// AuditStore is the append-only audit trail contract. Entries are only
// ever removed by the bulk retention sweep.
type AuditStore interface {
	AppendAudit(ctx context.Context, entry *AuditEntry) error
	ListAudit(ctx context.Context, tenantID string, limit int) ([]*AuditEntry, error)
	SweepAudit(ctx context.Context, olderThan time.Time) (int64, error)
}

// DefaultAuditRetention is how long audit entries are kept before the
// retention sweep removes them.
const DefaultAuditRetention = 90 * 24 * time.Hour

// GetHistory returns the tenant's most recent audit entries.
func (e *Engine) GetHistory(ctx context.Context, id Identity, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return e.audit.ListAudit(ctx, id.TenantID, limit)
}

// SweepAudit removes audit entries older than the retention window and
// returns how many were deleted.
func (e *Engine) SweepAudit(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = DefaultAuditRetention
	}
	return e.audit.SweepAudit(ctx, time.Now().UTC().Add(-retention))
}

// appendAudit records one pipeline outcome. Audit failures are logged,
// never propagated: the caller's result does not depend on the trail.
func (e *Engine) appendAudit(ctx context.Context, entry *AuditEntry) {
	entry.ID = xid.New().String()
	entry.CreatedAt = time.Now().UTC()
	if err := e.audit.AppendAudit(ctx, entry); err != nil {
		e.log.Errorw("audit append failed", "tenant", entry.TenantID, "error", err)
	}
}

// renderQuery serializes a canonical query for the audit trail.
func renderQuery(t *Translation) string {
	if !t.Query.IsMongo() {
		return t.Query.SQL
	}
	b, err := json.Marshal(t.Query)
	if err != nil {
		return ""
	}
	return string(b)
}
