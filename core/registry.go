package core

import (
	"context"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/xid"

	"github.com/qbloq/askdb/engine"
)

// Connection status values.
const (
	StatusTesting  = "testing"
	StatusActive   = "active"
	StatusInactive = "inactive"
	StatusError    = "error"
)

// Auth modes for connection descriptors.
const (
	AuthStandard = "standard" // host/port/db/user/password
	AuthURI      = "uri"      // single connection string
)

// PoolConfig bounds one connection's pool.
type PoolConfig struct {
	MaxConnections int           `json:"max_connections"`
	ConnectTimeout time.Duration `json:"connect_timeout"`
	IdleTimeout    time.Duration `json:"idle_timeout"`
}

// Connection is a tenant-owned database connection record. The secret
// (password or full URI) is stored encrypted and never leaves this
// package in plaintext; decryption happens only while building a pooled
// client for the adapter layer.
type Connection struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenant_id"`
	Name       string `json:"name"`
	EngineType string `json:"engine_type"`
	AuthMode   string `json:"auth_mode"`

	// Non-secret descriptor fields (standard auth mode).
	Host   string `json:"host,omitempty"`
	Port   int    `json:"port,omitempty"`
	DBName string `json:"db_name,omitempty"`
	User   string `json:"user,omitempty"`

	// Encrypted secret. Never serialized to callers.
	EncryptedSecret string `json:"-"`
	IV              string `json:"-"`
	KeyID           string `json:"-"`

	PoolConfig PoolConfig `json:"pool_config"`
	ReadOnly   bool       `json:"read_only"`
	Status     string     `json:"status"`

	SchemaTables    []engine.Table `json:"schema_tables,omitempty"`
	SchemaUpdatedAt time.Time      `json:"schema_updated_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Descriptor is the caller-supplied shape for creating a connection.
type Descriptor struct {
	Name       string `validate:"required,max=100"`
	EngineType string `validate:"required,oneof=postgres mysql mariadb sqlserver mongodb"`
	AuthMode   string `validate:"required,oneof=standard uri"`

	URI      string
	Host     string
	Port     int
	DBName   string
	User     string
	Password string

	PoolConfig PoolConfig
	ReadOnly   *bool // nil means read-only, the safe default
}

// ConnectionStore is the durable storage contract for connection records.
// Implementations perform no network I/O beyond their own backing store.
type ConnectionStore interface {
	CreateConnection(ctx context.Context, c *Connection) error
	GetConnection(ctx context.Context, tenantID, id string) (*Connection, error)
	ListConnections(ctx context.Context, tenantID string) ([]*Connection, error)
	UpdateConnectionStatus(ctx context.Context, tenantID, id, status string) error
	DeleteConnection(ctx context.Context, tenantID, id string) error
	UpdateSchemaCache(ctx context.Context, id string, tables []engine.Table, at time.Time) error
}

var validate = validator.New()

// CreateConnection validates the descriptor, encrypts its secret and
// stores the record with status testing. A successful adapter test (see
// TestConnection) moves it to active.
func (e *Engine) CreateConnection(ctx context.Context, id Identity, d Descriptor) (*Connection, error) {
	if err := validate.Struct(d); err != nil {
		return nil, &ValidationError{Field: "descriptor", Reason: err.Error()}
	}

	var secret string
	switch d.AuthMode {
	case AuthURI:
		if strings.TrimSpace(d.URI) == "" {
			return nil, &ValidationError{Field: "uri", Reason: "required for uri auth mode"}
		}
		secret = d.URI
	case AuthStandard:
		switch {
		case d.Host == "":
			return nil, &ValidationError{Field: "host", Reason: "required for standard auth mode"}
		case d.DBName == "":
			return nil, &ValidationError{Field: "db_name", Reason: "required for standard auth mode"}
		case d.User == "":
			return nil, &ValidationError{Field: "user", Reason: "required for standard auth mode"}
		case d.Password == "":
			return nil, &ValidationError{Field: "password", Reason: "required for standard auth mode"}
		}
		secret = d.Password
	}

	enc, iv, keyID, err := e.cipher.Encrypt(secret)
	if err != nil {
		return nil, err
	}

	readOnly := true
	if d.ReadOnly != nil {
		readOnly = *d.ReadOnly
	}

	conn := &Connection{
		ID:         xid.New().String(),
		TenantID:   id.TenantID,
		Name:       d.Name,
		EngineType: strings.ToLower(d.EngineType),
		AuthMode:   d.AuthMode,
		Host:       d.Host,
		Port:       d.Port,
		DBName:     d.DBName,
		User:       d.User,

		EncryptedSecret: enc,
		IV:              iv,
		KeyID:           keyID,

		PoolConfig: d.PoolConfig,
		ReadOnly:   readOnly,
		Status:     StatusTesting,
		CreatedAt:  time.Now().UTC(),
	}

	if err := e.store.CreateConnection(ctx, conn); err != nil {
		return nil, err
	}
	e.log.Infow("connection created",
		"tenant", id.TenantID, "connection", conn.ID, "engine", conn.EngineType)
	return conn, nil
}

// GetConnection returns a tenant's connection without its secret.
func (e *Engine) GetConnection(ctx context.Context, id Identity, connectionID string) (*Connection, error) {
	return e.store.GetConnection(ctx, id.TenantID, connectionID)
}

// ListConnections returns every connection owned by the tenant.
func (e *Engine) ListConnections(ctx context.Context, id Identity) ([]*Connection, error) {
	return e.store.ListConnections(ctx, id.TenantID)
}

// DeleteConnection removes the record and deterministically closes its
// pool; stale pools are never left to garbage collection.
func (e *Engine) DeleteConnection(ctx context.Context, id Identity, connectionID string) error {
	if err := e.store.DeleteConnection(ctx, id.TenantID, connectionID); err != nil {
		return err
	}
	e.schemaCache.Invalidate(id.TenantID)
	return e.pools.Close(engine.PoolKey{TenantID: id.TenantID, ConnectionID: connectionID})
}

// TestConnection runs the adapter's reachability test and updates the
// stored status to active or error accordingly.
func (e *Engine) TestConnection(ctx context.Context, id Identity, connectionID string) error {
	conn, err := e.store.GetConnection(ctx, id.TenantID, connectionID)
	if err != nil {
		return err
	}
	adapter, cfg, err := e.adapterConfig(conn)
	if err != nil {
		return err
	}

	if err := adapter.Test(ctx, cfg); err != nil {
		if serr := e.store.UpdateConnectionStatus(ctx, id.TenantID, connectionID, StatusError); serr != nil {
			e.log.Warnw("status update failed", "connection", connectionID, "error", serr)
		}
		return err
	}
	return e.store.UpdateConnectionStatus(ctx, id.TenantID, connectionID, StatusActive)
}

// RefreshSchema introspects the connection and atomically replaces its
// cached schema snapshot.
func (e *Engine) RefreshSchema(ctx context.Context, id Identity, connectionID string) ([]engine.Table, error) {
	conn, err := e.store.GetConnection(ctx, id.TenantID, connectionID)
	if err != nil {
		return nil, err
	}
	adapter, cfg, err := e.adapterConfig(conn)
	if err != nil {
		return nil, err
	}

	client, err := e.pools.Get(engine.PoolKey{TenantID: conn.TenantID, ConnectionID: conn.ID}, adapter, cfg)
	if err != nil {
		return nil, &ExecutionError{Err: err}
	}

	tables, err := adapter.Introspect(ctx, client, cfg)
	if err != nil {
		return nil, &ExecutionError{Err: err}
	}

	if err := e.store.UpdateSchemaCache(ctx, conn.ID, tables, time.Now().UTC()); err != nil {
		return nil, err
	}
	e.schemaCache.Invalidate(id.TenantID)
	return tables, nil
}

// adapterConfig decrypts the connection secret and assembles the adapter
// config. The plaintext lives only in the returned value, which callers
// must not retain past the pooled-client build.
func (e *Engine) adapterConfig(conn *Connection) (engine.Adapter, engine.Config, error) {
	adapter, err := e.registry.Lookup(conn.EngineType)
	if err != nil {
		return nil, engine.Config{}, &ValidationError{Field: "engine_type", Reason: err.Error()}
	}

	secret, err := e.cipher.Decrypt(conn.EncryptedSecret, conn.IV, conn.KeyID)
	if err != nil {
		return nil, engine.Config{}, err
	}

	cfg := engine.Config{
		Type:           conn.EngineType,
		Host:           conn.Host,
		Port:           conn.Port,
		DBName:         conn.DBName,
		User:           conn.User,
		ReadOnly:       conn.ReadOnly,
		MaxConnections: conn.PoolConfig.MaxConnections,
		ConnectTimeout: conn.PoolConfig.ConnectTimeout,
		IdleTimeout:    conn.PoolConfig.IdleTimeout,
	}
	if conn.AuthMode == AuthURI {
		cfg.URI = secret
	} else {
		cfg.Password = secret
	}
	return adapter, cfg, nil
}
