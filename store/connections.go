package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/qbloq/askdb/core"
	"github.com/qbloq/askdb/engine"
)

// CreateConnection inserts a connection record. A tenant+name duplicate
// surfaces as ConflictError.
func (s *SQLite) CreateConnection(ctx context.Context, c *core.Connection) error {
	poolJSON, err := json.Marshal(c.PoolConfig)
	if err != nil {
		return err
	}
	tablesJSON, err := json.Marshal(c.SchemaTables)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO connections (
			id, tenant_id, name, engine_type, auth_mode,
			host, port, db_name, user,
			encrypted_secret, iv, key_id,
			pool_config, read_only, status,
			schema_tables, schema_updated_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TenantID, c.Name, c.EngineType, c.AuthMode,
		c.Host, c.Port, c.DBName, c.User,
		c.EncryptedSecret, c.IV, c.KeyID,
		string(poolJSON), boolInt(c.ReadOnly), c.Status,
		string(tablesJSON), nullTime(c.SchemaUpdatedAt), c.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return &core.ConflictError{Name: c.Name}
		}
		return fmt.Errorf("create connection: %w", err)
	}
	return nil
}

const connectionColumns = `
	id, tenant_id, name, engine_type, auth_mode,
	host, port, db_name, user,
	encrypted_secret, iv, key_id,
	pool_config, read_only, status,
	schema_tables, schema_updated_at, created_at`

// GetConnection returns one connection scoped to its tenant. A missing
// id and a tenant mismatch are the same NotFoundError.
func (s *SQLite) GetConnection(ctx context.Context, tenantID, id string) (*core.Connection, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT"+connectionColumns+" FROM connections WHERE tenant_id = ? AND id = ?",
		tenantID, id)
	c, err := scanConnection(row)
	if err == sql.ErrNoRows {
		return nil, &core.NotFoundError{Kind: "connection", ID: id}
	}
	return c, err
}

// ListConnections returns every connection owned by the tenant in
// creation order.
func (s *SQLite) ListConnections(ctx context.Context, tenantID string) ([]*core.Connection, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT"+connectionColumns+" FROM connections WHERE tenant_id = ? ORDER BY created_at, id",
		tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var out []*core.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateConnectionStatus sets the connection's lifecycle status.
func (s *SQLite) UpdateConnectionStatus(ctx context.Context, tenantID, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE connections SET status = ? WHERE tenant_id = ? AND id = ?",
		status, tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &core.NotFoundError{Kind: "connection", ID: id}
	}
	return nil
}

// DeleteConnection removes the record.
func (s *SQLite) DeleteConnection(ctx context.Context, tenantID, id string) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM connections WHERE tenant_id = ? AND id = ?", tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &core.NotFoundError{Kind: "connection", ID: id}
	}
	return nil
}

// UpdateSchemaCache atomically replaces the connection's schema snapshot.
func (s *SQLite) UpdateSchemaCache(ctx context.Context, id string, tables []engine.Table, at time.Time) error {
	tablesJSON, err := json.Marshal(tables)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE connections SET schema_tables = ?, schema_updated_at = ? WHERE id = ?",
		string(tablesJSON), at, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &core.NotFoundError{Kind: "connection", ID: id}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(r rowScanner) (*core.Connection, error) {
	var c core.Connection
	var poolJSON, tablesJSON string
	var readOnly int
	var schemaAt sql.NullTime

	err := r.Scan(
		&c.ID, &c.TenantID, &c.Name, &c.EngineType, &c.AuthMode,
		&c.Host, &c.Port, &c.DBName, &c.User,
		&c.EncryptedSecret, &c.IV, &c.KeyID,
		&poolJSON, &readOnly, &c.Status,
		&tablesJSON, &schemaAt, &c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(poolJSON), &c.PoolConfig); err != nil {
		return nil, fmt.Errorf("pool config corrupt for %s: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(tablesJSON), &c.SchemaTables); err != nil {
		return nil, fmt.Errorf("schema cache corrupt for %s: %w", c.ID, err)
	}
	c.ReadOnly = readOnly != 0
	if schemaAt.Valid {
		c.SchemaUpdatedAt = schemaAt.Time
	}
	return &c, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
