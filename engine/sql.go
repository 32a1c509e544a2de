package engine

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// mutatingStmt matches statements whose first token is a mutating keyword.
// The scan is anchored at the statement start; the safety validator does a
// deeper anywhere-in-text pass before execution ever reaches this layer.
var mutatingStmt = regexp.MustCompile(`(?is)^\s*(insert|update|delete|drop|create|alter|truncate|grant|revoke|exec)\b`)

// checkReadOnly rejects mutating SQL on read-only connections. It runs
// before any network call to the database.
func checkReadOnly(cfg Config, sqlText string) error {
	if !cfg.ReadOnly {
		return nil
	}
	if m := mutatingStmt.FindStringSubmatch(sqlText); m != nil {
		return &ReadOnlyViolation{Keyword: strings.ToUpper(m[1])}
	}
	return nil
}

// sqlClient wraps a database/sql pool as an engine Client.
type sqlClient struct {
	db *sql.DB
}

func (c *sqlClient) Close() error { return c.db.Close() }

// openSQL opens a database/sql pool and applies the connection's pool
// bounds, then verifies it with a ping inside the connect timeout.
func openSQL(driverName, connString string, cfg Config) (Client, error) {
	db, err := sql.Open(driverName, connString)
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}

	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 5
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	if cfg.IdleTimeout > 0 {
		db.SetConnMaxIdleTime(cfg.IdleTimeout)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout(cfg))
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("database ping: %w", err)
	}
	return &sqlClient{db: db}, nil
}

// testSQL opens, pings and closes immediately. Used by Adapter.Test.
func testSQL(ctx context.Context, driverName, connString string, cfg Config) error {
	db, err := sql.Open(driverName, connString)
	if err != nil {
		return &TestFailure{Message: err.Error(), Err: err}
	}
	defer db.Close() //nolint:errcheck

	ctx, cancel := context.WithTimeout(ctx, connectTimeout(cfg))
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return &TestFailure{Message: err.Error(), Err: err}
	}
	return nil
}

func connectTimeout(cfg Config) time.Duration {
	if cfg.ConnectTimeout > 0 {
		return cfg.ConnectTimeout
	}
	return 10 * time.Second
}

// executeSQL runs a SQL query and scans rows generically into maps. At
// most limit rows are read; one extra Next call detects truncation. The
// rows handle is always closed, on success and failure paths alike.
func executeSQL(ctx context.Context, c Client, cfg Config, q Query, limit int) (*Result, error) {
	sc, ok := c.(*sqlClient)
	if !ok {
		return nil, fmt.Errorf("engine: client is not a sql client")
	}
	if err := checkReadOnly(cfg, q.SQL); err != nil {
		return nil, err
	}

	start := time.Now()
	rows, err := sc.db.QueryContext(ctx, q.SQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := []map[string]any{}
	truncated := false

	for rows.Next() {
		if limit > 0 && len(out) >= limit {
			truncated = true
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(map[string]any, len(cols))
		for i, col := range cols {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &Result{
		Rows:          out,
		RowCount:      len(out),
		Truncated:     truncated,
		ExecutionTime: time.Since(start),
	}, nil
}

// columnRow is one row of a catalog introspection query. Every SQL engine
// maps its information_schema variant onto this shape so grouping into
// Table snapshots is shared.
type columnRow struct {
	tableSchema string
	tableName   string
	columnName  string
	dataType    string
	nullable    bool
	primaryKey  bool
	foreignKey  string
}

// groupColumns folds catalog rows into Table snapshots preserving the
// order tables first appear in.
func groupColumns(rows []columnRow) []Table {
	var tables []Table
	index := map[string]int{}

	for _, r := range rows {
		key := r.tableSchema + "." + r.tableName
		i, ok := index[key]
		if !ok {
			i = len(tables)
			index[key] = i
			tables = append(tables, Table{Name: r.tableName, Schema: r.tableSchema})
		}
		tables[i].Columns = append(tables[i].Columns, Column{
			Name:       r.columnName,
			Type:       r.dataType,
			Nullable:   r.nullable,
			PrimaryKey: r.primaryKey,
			ForeignKey: r.foreignKey,
		})
	}
	return tables
}

// introspectSQL runs a catalog query producing the standard column row
// layout: table_schema, table_name, column_name, data_type, is_nullable,
// is_primary_key, fkey_table, fkey_column.
func introspectSQL(ctx context.Context, c Client, catalogSQL string, args ...any) ([]Table, error) {
	sc, ok := c.(*sqlClient)
	if !ok {
		return nil, fmt.Errorf("engine: client is not a sql client")
	}

	rows, err := sc.db.QueryContext(ctx, catalogSQL, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var crows []columnRow
	for rows.Next() {
		var r columnRow
		var nullable, pk sql.NullBool
		var fkTable, fkColumn sql.NullString
		if err := rows.Scan(&r.tableSchema, &r.tableName, &r.columnName,
			&r.dataType, &nullable, &pk, &fkTable, &fkColumn); err != nil {
			return nil, err
		}
		r.nullable = nullable.Bool
		r.primaryKey = pk.Bool
		if fkTable.Valid && fkTable.String != "" {
			r.foreignKey = fkTable.String
			if fkColumn.Valid && fkColumn.String != "" {
				r.foreignKey += "." + fkColumn.String
			}
		}
		crows = append(crows, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return groupColumns(crows), nil
}
