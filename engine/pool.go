package engine

import (
	"sync"
)

// PoolKey identifies one connection pool. Pools are never shared across
// tenants even when credentials are identical.
type PoolKey struct {
	TenantID     string
	ConnectionID string
}

type poolEntry struct {
	once   sync.Once
	client Client
	err    error
}

// Pools owns every long-lived database client in the process. Clients are
// created lazily on first use, exactly once per key, and closed
// deterministically when a connection is deleted, credentials rotate or
// the process shuts down.
type Pools struct {
	mu      sync.Mutex
	entries map[PoolKey]*poolEntry
}

// NewPools returns an empty pool manager.
func NewPools() *Pools {
	return &Pools{entries: make(map[PoolKey]*poolEntry)}
}

// Get returns the pooled client for key, building it with the adapter on
// first use. Concurrent first-use callers share one build; a failed build
// is not cached so the next caller retries.
func (p *Pools) Get(key PoolKey, a Adapter, cfg Config) (Client, error) {
	p.mu.Lock()
	e, ok := p.entries[key]
	if !ok {
		e = &poolEntry{}
		p.entries[key] = e
	}
	p.mu.Unlock()

	e.once.Do(func() {
		e.client, e.err = a.Open(cfg)
	})

	if e.err != nil {
		p.mu.Lock()
		if p.entries[key] == e {
			delete(p.entries, key)
		}
		p.mu.Unlock()
		return nil, e.err
	}
	return e.client, nil
}

// Close shuts down and forgets the pool for key, if any.
func (p *Pools) Close(key PoolKey) error {
	p.mu.Lock()
	e, ok := p.entries[key]
	delete(p.entries, key)
	p.mu.Unlock()

	if !ok || e.client == nil {
		return nil
	}
	return e.client.Close()
}

// CloseTenant shuts down every pool belonging to a tenant.
func (p *Pools) CloseTenant(tenantID string) {
	p.mu.Lock()
	var victims []*poolEntry
	for k, e := range p.entries {
		if k.TenantID == tenantID {
			victims = append(victims, e)
			delete(p.entries, k)
		}
	}
	p.mu.Unlock()

	for _, e := range victims {
		if e.client != nil {
			e.client.Close() //nolint:errcheck
		}
	}
}

// CloseAll shuts down every pool. Used on process shutdown.
func (p *Pools) CloseAll() {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[PoolKey]*poolEntry)
	p.mu.Unlock()

	for _, e := range entries {
		if e.client != nil {
			e.client.Close() //nolint:errcheck
		}
	}
}

// Len reports the number of live pools.
func (p *Pools) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
