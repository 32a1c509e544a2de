package core

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qbloq/askdb/engine"
	"github.com/qbloq/askdb/provider"
)

// In-package test doubles. The sqlite store lives in its own package and
// imports this one, so tests here carry their own minimal stores.

type memConnStore struct {
	mu    sync.Mutex
	conns map[string]*Connection
}

func newMemConnStore() *memConnStore {
	return &memConnStore{conns: map[string]*Connection{}}
}

func (s *memConnStore) CreateConnection(ctx context.Context, c *Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.conns {
		if existing.TenantID == c.TenantID && existing.Name == c.Name {
			return &ConflictError{Name: c.Name}
		}
	}
	cp := *c
	s.conns[c.ID] = &cp
	return nil
}

func (s *memConnStore) GetConnection(ctx context.Context, tenantID, id string) (*Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	if !ok || c.TenantID != tenantID {
		return nil, &NotFoundError{Kind: "connection", ID: id}
	}
	cp := *c
	return &cp, nil
}

func (s *memConnStore) ListConnections(ctx context.Context, tenantID string) ([]*Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Connection
	for _, c := range s.conns {
		if c.TenantID == tenantID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memConnStore) UpdateConnectionStatus(ctx context.Context, tenantID, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	if !ok || c.TenantID != tenantID {
		return &NotFoundError{Kind: "connection", ID: id}
	}
	c.Status = status
	return nil
}

func (s *memConnStore) DeleteConnection(ctx context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	if !ok || c.TenantID != tenantID {
		return &NotFoundError{Kind: "connection", ID: id}
	}
	delete(s.conns, id)
	return nil
}

func (s *memConnStore) UpdateSchemaCache(ctx context.Context, id string, tables []engine.Table, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	if !ok {
		return &NotFoundError{Kind: "connection", ID: id}
	}
	c.SchemaTables = tables
	c.SchemaUpdatedAt = at
	return nil
}

type memAuditStore struct {
	mu      sync.Mutex
	entries []*AuditEntry
}

func (s *memAuditStore) AppendAudit(ctx context.Context, e *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.entries = append(s.entries, &cp)
	return nil
}

func (s *memAuditStore) ListAudit(ctx context.Context, tenantID string, limit int) ([]*AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*AuditEntry
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if s.entries[i].TenantID == tenantID {
			out = append(out, s.entries[i])
		}
	}
	return out, nil
}

func (s *memAuditStore) SweepAudit(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []*AuditEntry
	var removed int64
	for _, e := range s.entries {
		if e.CreatedAt.Before(olderThan) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return removed, nil
}

func (s *memAuditStore) byTenant(tenantID string) []*AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*AuditEntry
	for _, e := range s.entries {
		if e.TenantID == tenantID {
			out = append(out, e)
		}
	}
	return out
}

type fakeClient struct{ closed bool }

func (c *fakeClient) Close() error {
	c.closed = true
	return nil
}

// fakeAdapter is a programmable engine adapter. Execute runs executeFn
// when set and otherwise returns no rows.
type fakeAdapter struct {
	mu        sync.Mutex
	opened    int
	executed  int
	testErr   error
	tables    []engine.Table
	executeFn func(ctx context.Context, cfg engine.Config, q engine.Query, limit int) (*engine.Result, error)
}

func (a *fakeAdapter) Test(ctx context.Context, cfg engine.Config) error { return a.testErr }

func (a *fakeAdapter) Open(cfg engine.Config) (engine.Client, error) {
	a.mu.Lock()
	a.opened++
	a.mu.Unlock()
	return &fakeClient{}, nil
}

func (a *fakeAdapter) Introspect(ctx context.Context, c engine.Client, cfg engine.Config) ([]engine.Table, error) {
	return a.tables, nil
}

func (a *fakeAdapter) Execute(ctx context.Context, c engine.Client, cfg engine.Config, q engine.Query, limit int) (*engine.Result, error) {
	a.mu.Lock()
	a.executed++
	a.mu.Unlock()
	if a.executeFn != nil {
		return a.executeFn(ctx, cfg, q, limit)
	}
	return &engine.Result{}, nil
}

func (a *fakeAdapter) executions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.executed
}

// flakyProvider fails with a transient error a fixed number of times,
// then delegates.
type flakyProvider struct {
	mu       sync.Mutex
	failures int
	calls    int
	inner    provider.Provider
}

func (p *flakyProvider) Generate(ctx context.Context, system, user string) (*provider.Result, error) {
	p.mu.Lock()
	p.calls++
	fail := p.calls <= p.failures
	p.mu.Unlock()
	if fail {
		return nil, &provider.Error{Status: 503, Transient: true, Message: "upstream overloaded"}
	}
	return p.inner.Generate(ctx, system, user)
}

func (p *flakyProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type testUsage struct {
	mu     sync.Mutex
	counts map[string]Usage
}

func (u *testUsage) RecordUsage(tenantID string, usage Usage) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.counts == nil {
		u.counts = map[string]Usage{}
	}
	c := u.counts[tenantID]
	c.Queries += usage.Queries
	c.Tokens += usage.Tokens
	u.counts[tenantID] = c
}

type testEnv struct {
	engine  *Engine
	store   *memConnStore
	audit   *memAuditStore
	adapter *fakeAdapter
	usage   *testUsage
}

// newTestEnv builds an Engine over in-memory stores with a fake adapter
// installed for every engine type.
func newTestEnv(t *testing.T, conf Config, prov provider.Provider) *testEnv {
	t.Helper()

	cipher, err := NewCipher("k1", testKey(0xAA))
	require.NoError(t, err)

	adapter := &fakeAdapter{}
	reg := engine.NewRegistry()
	for _, typ := range []string{
		engine.TypePostgres, engine.TypeMySQL, engine.TypeMariaDB,
		engine.TypeSQLServer, engine.TypeMongoDB,
	} {
		reg.Register(typ, adapter)
	}

	cstore := newMemConnStore()
	astore := &memAuditStore{}
	usage := &testUsage{}

	eng, err := NewEngine(conf, cstore, astore, cipher, prov,
		WithAdapterRegistry(reg),
		WithUsageRecorder(usage),
	)
	require.NoError(t, err)
	t.Cleanup(eng.Close)

	return &testEnv{engine: eng, store: cstore, audit: astore, adapter: adapter, usage: usage}
}

// seedConnection creates a connection and installs a schema snapshot.
func (env *testEnv) seedConnection(t *testing.T, tenantID, engineType string, tables []engine.Table) *Connection {
	t.Helper()
	ctx := context.Background()

	conn, err := env.engine.CreateConnection(ctx, Identity{TenantID: tenantID}, Descriptor{
		Name:       "seed-" + engineType,
		EngineType: engineType,
		AuthMode:   AuthStandard,
		Host:       "db.internal",
		Port:       5432,
		DBName:     "app",
		User:       "app",
		Password:   "secret",
	})
	require.NoError(t, err)

	if len(tables) > 0 {
		require.NoError(t, env.store.UpdateSchemaCache(ctx, conn.ID, tables, time.Now().UTC()))
	}
	return conn
}
