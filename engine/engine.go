// Package engine implements the database adapter layer. Every supported
// engine (postgres, mysql, mariadb, sqlserver, mongodb) provides the same
// three capabilities behind the Adapter interface: test a connection,
// introspect its schema and execute a canonical query. Adapters are
// selected through a Registry lookup, never by branching at call sites.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Supported engine types.
const (
	TypePostgres  = "postgres"
	TypeMySQL     = "mysql"
	TypeMariaDB   = "mariadb"
	TypeSQLServer = "sqlserver"
	TypeMongoDB   = "mongodb"
)

// Query is the canonical engine-agnostic query representation. Relational
// engines carry literal SQL text; MongoDB carries a structured find or
// aggregate operation.
type Query struct {
	SQL        string           `json:"sql,omitempty"`
	Collection string           `json:"collection,omitempty"`
	Operation  string           `json:"operation,omitempty"` // find | aggregate
	Filter     map[string]any   `json:"filter,omitempty"`
	Pipeline   []map[string]any `json:"pipeline,omitempty"`
	Options    map[string]any   `json:"options,omitempty"`
}

// IsMongo reports whether the query targets a MongoDB collection.
func (q Query) IsMongo() bool {
	return q.Collection != ""
}

// Column describes one column or document field of an introspected table.
type Column struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Nullable   bool   `json:"nullable"`
	PrimaryKey bool   `json:"primary_key"`
	ForeignKey string `json:"foreign_key,omitempty"` // "table.column" when known
}

// Table is an immutable schema snapshot of one table or collection.
// Snapshots are replaced wholesale on refresh, never patched.
type Table struct {
	Name    string   `json:"name"`
	Schema  string   `json:"schema,omitempty"` // schema or database name
	Columns []Column `json:"columns"`
}

// Result holds the rows returned by one execution.
type Result struct {
	Rows          []map[string]any `json:"rows"`
	RowCount      int              `json:"row_count"`
	Truncated     bool             `json:"truncated"`
	ExecutionTime time.Duration    `json:"-"`
}

// Config carries the decrypted connection parameters an adapter needs to
// reach a database. It exists only for the duration of a pooled client
// build and is never stored.
type Config struct {
	Type     string
	URI      string // set when the connection uses uri auth mode
	Host     string
	Port     int
	DBName   string
	User     string
	Password string
	ReadOnly bool

	MaxConnections int
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
}

// Client is a pooled, engine-specific database handle.
type Client interface {
	Close() error
}

// Adapter is the uniform capability contract implemented once per engine.
type Adapter interface {
	// Test verifies the database is reachable with the given config.
	Test(ctx context.Context, cfg Config) error

	// Open builds a pooled client. Callers own the returned client and
	// must close it; the pool manager does this for the common path.
	Open(cfg Config) (Client, error)

	// Introspect reads the catalog (or samples collections) and returns
	// one Table per table with column, nullability, PK and FK flags.
	Introspect(ctx context.Context, c Client, cfg Config) ([]Table, error)

	// Execute runs a canonical query and returns at most limit rows.
	Execute(ctx context.Context, c Client, cfg Config, q Query, limit int) (*Result, error)
}

// Registry maps engine type names to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// DefaultRegistry returns a registry with all built-in adapters installed.
// MariaDB shares the MySQL adapter since the wire protocol is identical.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(TypePostgres, &postgresAdapter{})
	my := &mysqlAdapter{}
	r.Register(TypeMySQL, my)
	r.Register(TypeMariaDB, my)
	r.Register(TypeSQLServer, &mssqlAdapter{})
	r.Register(TypeMongoDB, &mongoAdapter{})
	return r
}

// Register installs an adapter under the given engine type name.
func (r *Registry) Register(name string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[strings.ToLower(name)] = a
}

// Lookup returns the adapter for an engine type.
func (r *Registry) Lookup(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unsupported engine type %q: supported types are postgres, mysql, mariadb, sqlserver, mongodb", name)
	}
	return a, nil
}

// TestFailure reports that a database could not be reached during a
// connection test. The wrapped error is kept for the audit trail; user
// facing callers should rely on Message.
type TestFailure struct {
	Message string
	Err     error
}

func (e *TestFailure) Error() string {
	return "connection test failed: " + e.Message
}

func (e *TestFailure) Unwrap() error { return e.Err }

// ReadOnlyViolation reports a mutating statement rejected before any
// network call was made on a read-only connection.
type ReadOnlyViolation struct {
	Keyword string
}

func (e *ReadOnlyViolation) Error() string {
	return fmt.Sprintf("read-only violation: statement starts with %q", e.Keyword)
}
