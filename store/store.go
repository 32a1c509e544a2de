// Package store provides durable storage for connection records and the
// audit trail. The default backend is SQLite; Memory backs tests and
// ephemeral deployments. Both satisfy the core package's store contracts.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS connections (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	name TEXT NOT NULL,
	engine_type TEXT NOT NULL,
	auth_mode TEXT NOT NULL,
	host TEXT NOT NULL DEFAULT '',
	port INTEGER NOT NULL DEFAULT 0,
	db_name TEXT NOT NULL DEFAULT '',
	user TEXT NOT NULL DEFAULT '',
	encrypted_secret TEXT NOT NULL,
	iv TEXT NOT NULL,
	key_id TEXT NOT NULL,
	pool_config TEXT NOT NULL DEFAULT '{}',
	read_only INTEGER NOT NULL DEFAULT 1,
	status TEXT NOT NULL,
	schema_tables TEXT NOT NULL DEFAULT '[]',
	schema_updated_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	UNIQUE (tenant_id, name)
);

CREATE INDEX IF NOT EXISTS idx_connections_tenant ON connections (tenant_id);

CREATE TABLE IF NOT EXISTS audit_log (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	user_id TEXT NOT NULL DEFAULT '',
	connection_id TEXT NOT NULL DEFAULT '',
	translation_id TEXT NOT NULL DEFAULT '',
	execution_id TEXT NOT NULL DEFAULT '',
	question TEXT NOT NULL DEFAULT '',
	query_text TEXT NOT NULL DEFAULT '',
	safety_passed INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	row_count INTEGER NOT NULL DEFAULT 0,
	elapsed_ms INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_tenant_created ON audit_log (tenant_id, created_at);
`

// SQLite stores connections and audit entries in one SQLite database.
type SQLite struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path and
// applies the schema.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store open: %w", err)
	}
	// SQLite allows one writer; serialize through a single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("store migrate: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
