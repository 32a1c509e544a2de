// Package core implements the natural-language query pipeline: per-tenant
// connection registry, schema aggregation and ranking, model-backed
// translation with an independent safety gate, and multi-engine
// execution with result caching and an append-only audit trail.
//
// Everything in this package is tenant-scoped. Every read path filters by
// tenant id; cross-tenant leakage is the failure mode this design guards
// against hardest.
package core

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/qbloq/askdb/engine"
	"github.com/qbloq/askdb/provider"
)

// Identity is the authenticated principal supplied by external auth
// middleware before any core operation runs.
type Identity struct {
	UserID   string
	TenantID string
	Role     string
}

// Usage is reported to the external billing collaborator: exactly once
// per successful translation and once per successful execution.
type Usage struct {
	Queries int
	Tokens  int
}

// UsageRecorder is the billing hook. The core never enforces quotas
// itself; quota rejection is an external pre-check.
type UsageRecorder interface {
	RecordUsage(tenantID string, u Usage)
}

// Config bounds the pipeline. Zero values take the documented defaults.
type Config struct {
	// MaxRows caps every execution's result set (default 10000).
	MaxRows int

	// PreviewRows is the forced limit in preview mode (default 10).
	PreviewRows int

	// ExecTimeout is the hard wall-clock budget per execution,
	// independent of driver timeouts (default 30s).
	ExecTimeout time.Duration

	// ExpensiveThreshold gates the user confirmation step (default 0.7).
	ExpensiveThreshold float64

	// MaxPipelineStages bounds MongoDB aggregation pipelines (default 10).
	MaxPipelineStages int

	// ShortlistSize is how many ranked tables reach the prompt (default 8).
	ShortlistSize int

	SchemaTTL      time.Duration // default 1h
	TranslationTTL time.Duration // default 1h
	ResultTTL      time.Duration // default 24h
}

func (c Config) withDefaults() Config {
	if c.MaxRows <= 0 {
		c.MaxRows = 10000
	}
	if c.PreviewRows <= 0 {
		c.PreviewRows = 10
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = 30 * time.Second
	}
	if c.ExpensiveThreshold <= 0 {
		c.ExpensiveThreshold = 0.7
	}
	if c.MaxPipelineStages <= 0 {
		c.MaxPipelineStages = 10
	}
	if c.ShortlistSize <= 0 {
		c.ShortlistSize = 8
	}
	if c.SchemaTTL <= 0 {
		c.SchemaTTL = time.Hour
	}
	if c.TranslationTTL <= 0 {
		c.TranslationTTL = time.Hour
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = 24 * time.Hour
	}
	return c
}

// Engine coordinates the whole pipeline. It is safe for concurrent use;
// one slow tenant's provider or database never blocks another tenant's
// requests.
type Engine struct {
	conf     Config
	log      *zap.SugaredLogger
	store    ConnectionStore
	audit    AuditStore
	cipher   *Cipher
	prov     provider.Provider
	registry *engine.Registry
	pools    *engine.Pools
	usage    UsageRecorder

	schemaCache      Cache
	translationCache Cache
	resultCache      Cache
	flight           singleflight.Group

	running sync.Map // execution id -> *running
}

// Option configures optional Engine collaborators.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(e *Engine) { e.log = log }
}

// WithUsageRecorder installs the billing hook.
func WithUsageRecorder(u UsageRecorder) Option {
	return func(e *Engine) { e.usage = u }
}

// WithAdapterRegistry replaces the default engine adapter registry.
func WithAdapterRegistry(r *engine.Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// NewEngine wires the pipeline together. The cipher, store and provider
// are required collaborators.
func NewEngine(
	conf Config,
	store ConnectionStore,
	audit AuditStore,
	cipher *Cipher,
	prov provider.Provider,
	opts ...Option,
) (*Engine, error) {
	if store == nil || audit == nil {
		return nil, errors.New("core: connection and audit stores are required")
	}
	if cipher == nil {
		return nil, errors.New("core: cipher is required")
	}
	if prov == nil {
		return nil, errors.New("core: translation provider is required")
	}

	e := &Engine{
		conf:     conf.withDefaults(),
		log:      zap.NewNop().Sugar(),
		store:    store,
		audit:    audit,
		cipher:   cipher,
		prov:     prov,
		registry: engine.DefaultRegistry(),
		pools:    engine.NewPools(),
	}
	for _, opt := range opts {
		opt(e)
	}

	var err error
	if e.schemaCache, err = newMemCache(1000, e.conf.SchemaTTL); err != nil {
		return nil, err
	}
	if e.translationCache, err = newMemCache(5000, e.conf.TranslationTTL); err != nil {
		return nil, err
	}
	if e.resultCache, err = newMemCache(5000, e.conf.ResultTTL); err != nil {
		return nil, err
	}
	return e, nil
}

// Close shuts down every connection pool. Idempotent.
func (e *Engine) Close() {
	e.pools.CloseAll()
}
