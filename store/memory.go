package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/qbloq/askdb/core"
	"github.com/qbloq/askdb/engine"
)

// Memory is an in-memory store implementing the same contracts as
// SQLite. It backs tests and single-process demo runs.
type Memory struct {
	mu          sync.RWMutex
	connections map[string]*core.Connection // id -> record
	audit       []*core.AuditEntry
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{connections: make(map[string]*core.Connection)}
}

func (m *Memory) CreateConnection(ctx context.Context, c *core.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.connections {
		if existing.TenantID == c.TenantID && existing.Name == c.Name {
			return &core.ConflictError{Name: c.Name}
		}
	}
	cp := *c
	m.connections[c.ID] = &cp
	return nil
}

func (m *Memory) GetConnection(ctx context.Context, tenantID, id string) (*core.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.connections[id]
	if !ok || c.TenantID != tenantID {
		return nil, &core.NotFoundError{Kind: "connection", ID: id}
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) ListConnections(ctx context.Context, tenantID string) ([]*core.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Connection
	for _, c := range m.connections {
		if c.TenantID == tenantID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) UpdateConnectionStatus(ctx context.Context, tenantID, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connections[id]
	if !ok || c.TenantID != tenantID {
		return &core.NotFoundError{Kind: "connection", ID: id}
	}
	c.Status = status
	return nil
}

func (m *Memory) DeleteConnection(ctx context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connections[id]
	if !ok || c.TenantID != tenantID {
		return &core.NotFoundError{Kind: "connection", ID: id}
	}
	delete(m.connections, id)
	return nil
}

func (m *Memory) UpdateSchemaCache(ctx context.Context, id string, tables []engine.Table, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connections[id]
	if !ok {
		return &core.NotFoundError{Kind: "connection", ID: id}
	}
	c.SchemaTables = append([]engine.Table(nil), tables...)
	c.SchemaUpdatedAt = at
	return nil
}

func (m *Memory) AppendAudit(ctx context.Context, e *core.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.audit = append(m.audit, &cp)
	return nil
}

func (m *Memory) ListAudit(ctx context.Context, tenantID string, limit int) ([]*core.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.AuditEntry
	for i := len(m.audit) - 1; i >= 0 && len(out) < limit; i-- {
		if m.audit[i].TenantID == tenantID {
			cp := *m.audit[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) SweepAudit(ctx context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []*core.AuditEntry
	var removed int64
	for _, e := range m.audit {
		if e.CreatedAt.Before(olderThan) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	m.audit = kept
	return removed, nil
}
