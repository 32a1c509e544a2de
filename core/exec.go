package core

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"github.com/qbloq/askdb/engine"
)

// Execution statuses. A logical query moves Translated ->
// (AwaitingConfirmation) -> Executing -> Succeeded | Failed | Cancelled.
const (
	ExecSuccess   = "success"
	ExecFailed    = "failed"
	ExecPreview   = "preview"
	ExecCancelled = "cancelled"
	ExecRejected  = "rejected"
)

// ExecutionResult is one finished execution. It auto-expires with the
// result TTL and is immutable afterwards; a preview and a full execution
// of the same translation are distinct entries.
type ExecutionResult struct {
	ID              string           `json:"execution_id"`
	TranslationID   string           `json:"translation_id"`
	ConnectionID    string           `json:"connection_id"`
	Rows            []map[string]any `json:"rows"`
	RowCount        int              `json:"row_count"`
	Truncated       bool             `json:"truncated"`
	ExecutionTimeMs int64            `json:"execution_time_ms"`
	Cached          bool             `json:"cached"`
	Status          string           `json:"status"`
	ExpiresAt       time.Time        `json:"expires_at"`

	tenantID string
}

// ExecuteRequest asks for translation plus execution of a question.
type ExecuteRequest struct {
	ConnectionID string
	Question     string
	Context      *ContextHints

	// Confirmed acknowledges an expensive-query warning.
	Confirmed bool
}

// ExecuteResponse carries either a result or a confirmation demand.
type ExecuteResponse struct {
	Translation          *Translation     `json:"translation"`
	RequiresConfirmation bool             `json:"requires_confirmation,omitempty"`
	Result               *ExecutionResult `json:"result,omitempty"`
}

type running struct {
	tenantID  string
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

// Execute runs the full pipeline: translate, gate, execute, cache,
// audit. Repeated identical requests are served from the result cache.
func (e *Engine) Execute(ctx context.Context, id Identity, req ExecuteRequest) (*ExecuteResponse, error) {
	t, err := e.Translate(ctx, id, TranslateRequest{
		ConnectionID: req.ConnectionID,
		Question:     req.Question,
		Context:      req.Context,
	})
	if err != nil {
		return nil, err
	}

	if !t.Safety.Allowed {
		e.appendAudit(ctx, &AuditEntry{
			TenantID:      id.TenantID,
			UserID:        id.UserID,
			ConnectionID:  req.ConnectionID,
			TranslationID: t.ID,
			Question:      req.Question,
			SafetyPassed:  false,
			Status:        ExecFailed,
			Error:         t.Safety.Reason,
		})
		return nil, &SafetyViolation{Reason: t.Safety.Reason}
	}

	// Expensive queries stop here until the caller confirms. No
	// database I/O happens in this state.
	if t.EstimatedCost > e.conf.ExpensiveThreshold && !req.Confirmed {
		return &ExecuteResponse{Translation: t, RequiresConfirmation: true}, nil
	}

	if res, ok := e.cachedResult(t.ID, id.TenantID); ok {
		return &ExecuteResponse{Translation: t, Result: res}, nil
	}

	res, err := e.run(ctx, id, t, e.conf.MaxRows, false)
	if err != nil {
		return nil, err
	}
	return &ExecuteResponse{Translation: t, Result: res}, nil
}

// Preview translates and executes with a forced small row limit. Preview
// results are never the canonical result for a translation: they skip
// the result cache in both directions.
func (e *Engine) Preview(ctx context.Context, id Identity, req ExecuteRequest) (*ExecuteResponse, error) {
	t, err := e.Translate(ctx, id, TranslateRequest{
		ConnectionID: req.ConnectionID,
		Question:     req.Question,
		Context:      req.Context,
	})
	if err != nil {
		return nil, err
	}
	if !t.Safety.Allowed {
		return nil, &SafetyViolation{Reason: t.Safety.Reason}
	}

	res, err := e.run(ctx, id, t, e.conf.PreviewRows, true)
	if err != nil {
		return nil, err
	}
	return &ExecuteResponse{Translation: t, Result: res}, nil
}

// Replay re-executes a previous translation fresh, bypassing the result
// cache but not the translation cache, and records a new execution.
func (e *Engine) Replay(ctx context.Context, id Identity, translationID string) (*ExecuteResponse, error) {
	t, err := e.lookupTranslation(id, translationID)
	if err != nil {
		return nil, err
	}
	if !t.Safety.Allowed {
		return nil, &SafetyViolation{Reason: t.Safety.Reason}
	}

	res, err := e.run(ctx, id, t, e.conf.MaxRows, false)
	if err != nil {
		return nil, err
	}
	return &ExecuteResponse{Translation: t, Result: res}, nil
}

// Estimate translates without executing: the canonical query, its
// explanation and the cost verdict, nothing touching the database.
func (e *Engine) Estimate(ctx context.Context, id Identity, req TranslateRequest) (*Translation, error) {
	return e.Translate(ctx, id, req)
}

// Cancel requests cooperative cancellation of a still-running execution.
// Most drivers cannot abort server-side work mid-query; this stops
// waiting for the result and reclaims local bookkeeping, nothing more.
func (e *Engine) Cancel(ctx context.Context, id Identity, executionID string) error {
	v, ok := e.running.Load(executionID)
	if !ok {
		return &NotFoundError{Kind: "execution", ID: executionID}
	}
	r := v.(*running)
	if r.tenantID != id.TenantID {
		return &NotFoundError{Kind: "execution", ID: executionID}
	}
	r.cancelled.Store(true)
	r.cancel()
	return nil
}

// GetResult returns a prior execution's result while its TTL lasts.
func (e *Engine) GetResult(ctx context.Context, id Identity, executionID string) (*ExecutionResult, error) {
	v, ok := e.resultCache.Get("x:" + executionID)
	if !ok {
		return nil, &NotFoundError{Kind: "result", ID: executionID}
	}
	res := v.(*ExecutionResult)
	if res.tenantID != id.TenantID || time.Now().After(res.ExpiresAt) {
		return nil, &NotFoundError{Kind: "result", ID: executionID}
	}
	return res, nil
}

func (e *Engine) cachedResult(translationID, tenantID string) (*ExecutionResult, bool) {
	v, ok := e.resultCache.Get("t:" + translationID)
	if !ok {
		return nil, false
	}
	res := v.(*ExecutionResult)
	if res.tenantID != tenantID || time.Now().After(res.ExpiresAt) {
		return nil, false
	}
	c := *res
	c.Cached = true
	return &c, true
}

func (e *Engine) lookupTranslation(id Identity, translationID string) (*Translation, error) {
	v, ok := e.translationCache.Get(translationID)
	if !ok {
		return nil, &NotFoundError{Kind: "translation", ID: translationID}
	}
	t := v.(*Translation)
	if t.TenantID != id.TenantID {
		return nil, &NotFoundError{Kind: "translation", ID: translationID}
	}
	return t, nil
}

// run owns the Executing state: pooled client acquisition, the hard
// wall-clock budget, the row cap, caching and the audit record. Partial
// results on timeout are discarded, not returned.
func (e *Engine) run(ctx context.Context, id Identity, t *Translation, limit int, preview bool) (*ExecutionResult, error) {
	conn, err := e.store.GetConnection(ctx, id.TenantID, t.ConnectionID)
	if err != nil {
		return nil, err
	}
	adapter, cfg, err := e.adapterConfig(conn)
	if err != nil {
		return nil, err
	}

	execID := xid.New().String()
	execCtx, cancel := context.WithTimeout(ctx, e.conf.ExecTimeout)
	defer cancel()

	r := &running{tenantID: id.TenantID, cancel: cancel}
	e.running.Store(execID, r)
	defer e.running.Delete(execID)

	start := time.Now()
	entry := &AuditEntry{
		TenantID:      id.TenantID,
		UserID:        id.UserID,
		ConnectionID:  t.ConnectionID,
		TranslationID: t.ID,
		ExecutionID:   execID,
		Question:      t.SourceText,
		QueryText:     renderQuery(t),
		SafetyPassed:  true,
	}

	client, err := e.pools.Get(engine.PoolKey{TenantID: id.TenantID, ConnectionID: conn.ID}, adapter, cfg)
	if err != nil {
		entry.Status = ExecFailed
		entry.Error = err.Error()
		entry.ElapsedMs = time.Since(start).Milliseconds()
		e.appendAudit(ctx, entry)
		return nil, &ExecutionError{Err: err}
	}

	res, err := adapter.Execute(execCtx, client, cfg, t.Query, limit)
	elapsed := time.Since(start)
	entry.ElapsedMs = elapsed.Milliseconds()

	if err != nil {
		switch {
		case r.cancelled.Load():
			entry.Status = ExecCancelled
			entry.Error = "cancelled by caller"
			e.appendAudit(ctx, entry)
			return nil, &ExecutionError{Err: errors.New("execution cancelled")}
		case errors.Is(execCtx.Err(), context.DeadlineExceeded):
			entry.Status = ExecFailed
			entry.Error = "timeout: " + err.Error()
			e.appendAudit(ctx, entry)
			return nil, &ExecutionTimeout{Elapsed: elapsed}
		default:
			entry.Status = ExecFailed
			entry.Error = err.Error()
			e.appendAudit(ctx, entry)
			var rov *engine.ReadOnlyViolation
			if errors.As(err, &rov) {
				return nil, err
			}
			return nil, &ExecutionError{Err: err}
		}
	}

	status := ExecSuccess
	if preview {
		status = ExecPreview
	}
	result := &ExecutionResult{
		ID:              execID,
		TranslationID:   t.ID,
		ConnectionID:    t.ConnectionID,
		Rows:            res.Rows,
		RowCount:        res.RowCount,
		Truncated:       res.Truncated,
		ExecutionTimeMs: res.ExecutionTime.Milliseconds(),
		Status:          status,
		ExpiresAt:       time.Now().UTC().Add(e.conf.ResultTTL),
		tenantID:        id.TenantID,
	}

	e.resultCache.Put("x:"+execID, result, e.conf.ResultTTL)
	if !preview {
		e.resultCache.Put("t:"+t.ID, result, e.conf.ResultTTL)
	}

	entry.Status = status
	entry.RowCount = result.RowCount
	e.appendAudit(ctx, entry)

	if e.usage != nil {
		e.usage.RecordUsage(id.TenantID, Usage{Queries: 1})
	}
	e.log.Infow("execution finished",
		"tenant", id.TenantID, "execution", execID,
		"rows", result.RowCount, "elapsed", elapsed, "status", status)
	return result, nil
}
