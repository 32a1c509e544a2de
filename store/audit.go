package store

import (
	"context"
	"time"

	"github.com/qbloq/askdb/core"
)

// AppendAudit inserts one audit entry. Entries are never updated.
func (s *SQLite) AppendAudit(ctx context.Context, e *core.AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (
			id, tenant_id, user_id, connection_id, translation_id,
			execution_id, question, query_text, safety_passed,
			status, error, row_count, elapsed_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TenantID, e.UserID, e.ConnectionID, e.TranslationID,
		e.ExecutionID, e.Question, e.QueryText, boolInt(e.SafetyPassed),
		e.Status, e.Error, e.RowCount, e.ElapsedMs, e.CreatedAt,
	)
	return err
}

// ListAudit returns the tenant's newest entries first.
func (s *SQLite) ListAudit(ctx context.Context, tenantID string, limit int) ([]*core.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, user_id, connection_id, translation_id,
			execution_id, question, query_text, safety_passed,
			status, error, row_count, elapsed_ms, created_at
		FROM audit_log WHERE tenant_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`,
		tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var out []*core.AuditEntry
	for rows.Next() {
		var e core.AuditEntry
		var safetyPassed int
		if err := rows.Scan(
			&e.ID, &e.TenantID, &e.UserID, &e.ConnectionID, &e.TranslationID,
			&e.ExecutionID, &e.Question, &e.QueryText, &safetyPassed,
			&e.Status, &e.Error, &e.RowCount, &e.ElapsedMs, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		e.SafetyPassed = safetyPassed != 0
		out = append(out, &e)
	}
	return out, rows.Err()
}

// SweepAudit bulk-deletes entries older than the cutoff and reports how
// many were removed.
func (s *SQLite) SweepAudit(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM audit_log WHERE created_at < ?", olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
