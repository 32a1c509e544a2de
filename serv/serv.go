// Package serv wires the askdb pipeline into a runnable service: it
// reads configuration, builds the logger, opens the durable store, and
// exposes the query operations behind a per-tenant rate limit.
package serv

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/qbloq/askdb/core"
	"github.com/qbloq/askdb/engine"
	"github.com/qbloq/askdb/provider"
	"github.com/qbloq/askdb/serv/internal/util"
	"github.com/qbloq/askdb/store"
)

var version string

// SetVersion sets the build version reported by the service.
func SetVersion(v string) { version = v }

// Version returns the build version.
func Version() string {
	if version == "" {
		return "not-set"
	}
	return version
}

// Service is the top level facade. All operations are tenant scoped
// through the caller supplied identity; authentication itself happens
// upstream.
type Service struct {
	conf   *Config
	log    *zap.SugaredLogger
	zlog   *zap.Logger
	engine *core.Engine
	db     *store.SQLite

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	sweepStop chan struct{}
	sweepOnce sync.Once
}

// Option configures optional Service collaborators.
type Option func(*options)

type options struct {
	prov     provider.Provider
	registry *engine.Registry
	usage    core.UsageRecorder
	cstore   core.ConnectionStore
	astore   core.AuditStore
}

// OptionSetProvider replaces the configured language model provider.
// Mostly useful in tests.
func OptionSetProvider(p provider.Provider) Option {
	return func(o *options) { o.prov = p }
}

// OptionSetAdapterRegistry replaces the default engine adapter registry.
func OptionSetAdapterRegistry(r *engine.Registry) Option {
	return func(o *options) { o.registry = r }
}

// OptionSetUsageRecorder installs the billing hook.
func OptionSetUsageRecorder(u core.UsageRecorder) Option {
	return func(o *options) { o.usage = u }
}

// OptionSetStores replaces the sqlite backed stores, for tests that
// want everything in memory.
func OptionSetStores(c core.ConnectionStore, a core.AuditStore) Option {
	return func(o *options) { o.cstore = c; o.astore = a }
}

// NewService builds a service from configuration. The secret key is
// validated before anything else touches the store; a process with a
// bad key must not start.
func NewService(conf *Config, opts ...Option) (*Service, error) {
	var op options
	for _, o := range opts {
		o(&op)
	}

	zlog := util.NewLogger(conf.ShouldUseJSONLogs(), conf.LogLevel)
	log := zlog.Sugar()

	cipher, err := core.NewCipher(conf.SecretKeyID, conf.SecretKeyBytes())
	if err != nil {
		return nil, errors.Wrap(err, "secret key")
	}
	for id, key := range conf.PreviousKeyBytes() {
		if err := cipher.AddDecryptKey(id, key); err != nil {
			return nil, errors.Wrapf(err, "previous secret key %s", id)
		}
	}

	s := &Service{
		conf:      conf,
		log:       log,
		zlog:      zlog,
		limiters:  map[string]*rate.Limiter{},
		sweepStop: make(chan struct{}),
	}

	cstore, astore := op.cstore, op.astore
	if cstore == nil || astore == nil {
		db, err := store.Open(conf.AbsolutePath(conf.StorePath))
		if err != nil {
			return nil, errors.Wrap(err, "open store")
		}
		s.db = db
		cstore, astore = db, db
	}

	prov := op.prov
	if prov == nil {
		prov = provider.NewOpenAI(provider.OpenAIConfig{
			BaseURL: conf.Provider.BaseURL,
			APIKey:  conf.Provider.APIKey,
			Model:   conf.Provider.Model,
			Timeout: conf.Provider.Timeout,
		})
	}

	eopts := []core.Option{core.WithLogger(log)}
	if op.registry != nil {
		eopts = append(eopts, core.WithAdapterRegistry(op.registry))
	}
	if op.usage != nil {
		eopts = append(eopts, core.WithUsageRecorder(op.usage))
	}

	eng, err := core.NewEngine(core.Config{
		MaxRows:            conf.Limits.MaxRows,
		PreviewRows:        conf.Limits.PreviewRows,
		ExecTimeout:        conf.Limits.ExecTimeout,
		ExpensiveThreshold: conf.Limits.ExpensiveThreshold,
		MaxPipelineStages:  conf.Limits.MaxPipelineStages,
		ShortlistSize:      conf.Limits.ShortlistSize,
		SchemaTTL:          conf.Cache.SchemaTTL,
		TranslationTTL:     conf.Cache.TranslationTTL,
		ResultTTL:          conf.Cache.ResultTTL,
	}, cstore, astore, cipher, prov, eopts...)
	if err != nil {
		if s.db != nil {
			s.db.Close() //nolint:errcheck
		}
		return nil, err
	}
	s.engine = eng

	log.Infow("askdb service ready",
		"version", Version(),
		"app-name", conf.AppName,
		"production", conf.Production,
		"store", conf.StorePath,
		"model", conf.Provider.Model)

	return s, nil
}

// StartAuditSweep runs the audit retention sweep once a day until Close.
func (s *Service) StartAuditSweep() {
	s.sweepOnce.Do(func() {
		go func() {
			tick := time.NewTicker(24 * time.Hour)
			defer tick.Stop()
			for {
				select {
				case <-s.sweepStop:
					return
				case <-tick.C:
					n, err := s.engine.SweepAudit(context.Background(), s.conf.AuditRetention)
					if err != nil {
						s.log.Warnf("audit sweep failed: %s", err)
						continue
					}
					if n > 0 {
						s.log.Infof("audit sweep removed %d entries", n)
					}
				}
			}
		}()
	})
}

// Close releases the engine pools, the store and the sweep goroutine.
func (s *Service) Close() {
	close(s.sweepStop)
	s.engine.Close()
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.log.Warnf("closing store: %s", err)
		}
	}
	s.zlog.Sync() //nolint:errcheck
}

// allow applies the per tenant rate limit. Disabled limiters always
// admit.
func (s *Service) allow(tenantID string) error {
	if !s.conf.rateLimiterEnable() {
		return nil
	}
	s.limMu.Lock()
	lim, ok := s.limiters[tenantID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(s.conf.RateLimiter.Rate), s.conf.RateLimiter.Bucket)
		s.limiters[tenantID] = lim
	}
	s.limMu.Unlock()

	if !lim.Allow() {
		return errors.Errorf("rate limit exceeded for tenant %s", tenantID)
	}
	return nil
}

// CreateConnection registers a database connection for the tenant.
func (s *Service) CreateConnection(ctx context.Context, id core.Identity, d core.Descriptor) (*core.Connection, error) {
	return s.engine.CreateConnection(ctx, id, d)
}

// GetConnection returns one of the tenant's connections.
func (s *Service) GetConnection(ctx context.Context, id core.Identity, connectionID string) (*core.Connection, error) {
	return s.engine.GetConnection(ctx, id, connectionID)
}

// ListConnections returns the tenant's connections in creation order.
func (s *Service) ListConnections(ctx context.Context, id core.Identity) ([]*core.Connection, error) {
	return s.engine.ListConnections(ctx, id)
}

// DeleteConnection removes a connection, closes its pool and drops its
// cached schema.
func (s *Service) DeleteConnection(ctx context.Context, id core.Identity, connectionID string) error {
	return s.engine.DeleteConnection(ctx, id, connectionID)
}

// TestConnection verifies connectivity and updates the stored status.
func (s *Service) TestConnection(ctx context.Context, id core.Identity, connectionID string) error {
	return s.engine.TestConnection(ctx, id, connectionID)
}

// RefreshSchema re-introspects a connection and rebuilds its cached
// table metadata.
func (s *Service) RefreshSchema(ctx context.Context, id core.Identity, connectionID string) ([]engine.Table, error) {
	return s.engine.RefreshSchema(ctx, id, connectionID)
}

// Translate turns a natural language question into a validated query.
func (s *Service) Translate(ctx context.Context, id core.Identity, req core.TranslateRequest) (*core.Translation, error) {
	if err := s.allow(id.TenantID); err != nil {
		return nil, err
	}
	return s.engine.Translate(ctx, id, req)
}

// Estimate translates without executing, returning the query and its
// estimated cost.
func (s *Service) Estimate(ctx context.Context, id core.Identity, req core.TranslateRequest) (*core.Translation, error) {
	if err := s.allow(id.TenantID); err != nil {
		return nil, err
	}
	return s.engine.Estimate(ctx, id, req)
}

// Execute translates and runs a question end to end.
func (s *Service) Execute(ctx context.Context, id core.Identity, req core.ExecuteRequest) (*core.ExecuteResponse, error) {
	if err := s.allow(id.TenantID); err != nil {
		return nil, err
	}
	return s.engine.Execute(ctx, id, req)
}

// Preview runs the question capped to a handful of rows.
func (s *Service) Preview(ctx context.Context, id core.Identity, req core.ExecuteRequest) (*core.ExecuteResponse, error) {
	if err := s.allow(id.TenantID); err != nil {
		return nil, err
	}
	return s.engine.Preview(ctx, id, req)
}

// Replay re-runs a previously cached translation against live data.
func (s *Service) Replay(ctx context.Context, id core.Identity, translationID string) (*core.ExecuteResponse, error) {
	if err := s.allow(id.TenantID); err != nil {
		return nil, err
	}
	return s.engine.Replay(ctx, id, translationID)
}

// Cancel requests cooperative cancellation of a running execution.
func (s *Service) Cancel(ctx context.Context, id core.Identity, executionID string) error {
	return s.engine.Cancel(ctx, id, executionID)
}

// GetResult fetches a cached execution result by id.
func (s *Service) GetResult(ctx context.Context, id core.Identity, executionID string) (*core.ExecutionResult, error) {
	return s.engine.GetResult(ctx, id, executionID)
}

// GetHistory returns the tenant's recent audit entries.
func (s *Service) GetHistory(ctx context.Context, id core.Identity, limit int) ([]*core.AuditEntry, error) {
	return s.engine.GetHistory(ctx, id, limit)
}
