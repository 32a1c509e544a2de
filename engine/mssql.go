package engine

import (
	"context"
	"fmt"
	"net/url"

	_ "github.com/microsoft/go-mssqldb"
)

// mssqlAdapter implements Adapter for SQL Server.
type mssqlAdapter struct{}

const mssqlCatalogSQL = `
SELECT
	c.TABLE_SCHEMA,
	c.TABLE_NAME,
	c.COLUMN_NAME,
	c.DATA_TYPE,
	CAST(CASE WHEN c.IS_NULLABLE = 'YES' THEN 1 ELSE 0 END AS bit) AS is_nullable,
	CAST(CASE WHEN pk.COLUMN_NAME IS NOT NULL THEN 1 ELSE 0 END AS bit) AS is_primary_key,
	fk.referenced_table,
	fk.referenced_column
FROM INFORMATION_SCHEMA.COLUMNS c
LEFT JOIN (
	SELECT kcu.TABLE_SCHEMA, kcu.TABLE_NAME, kcu.COLUMN_NAME
	FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
	JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE kcu
		ON tc.CONSTRAINT_NAME = kcu.CONSTRAINT_NAME
	WHERE tc.CONSTRAINT_TYPE = 'PRIMARY KEY'
) pk ON pk.TABLE_SCHEMA = c.TABLE_SCHEMA
	AND pk.TABLE_NAME = c.TABLE_NAME
	AND pk.COLUMN_NAME = c.COLUMN_NAME
LEFT JOIN (
	SELECT kcu.TABLE_SCHEMA, kcu.TABLE_NAME, kcu.COLUMN_NAME,
		OBJECT_NAME(f.referenced_object_id) AS referenced_table,
		COL_NAME(f.referenced_object_id, fc.referenced_column_id) AS referenced_column
	FROM sys.foreign_keys f
	JOIN sys.foreign_key_columns fc ON f.object_id = fc.constraint_object_id
	JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE kcu
		ON kcu.COLUMN_NAME = COL_NAME(fc.parent_object_id, fc.parent_column_id)
		AND kcu.TABLE_NAME = OBJECT_NAME(f.parent_object_id)
) fk ON fk.TABLE_SCHEMA = c.TABLE_SCHEMA
	AND fk.TABLE_NAME = c.TABLE_NAME
	AND fk.COLUMN_NAME = c.COLUMN_NAME
ORDER BY c.TABLE_SCHEMA, c.TABLE_NAME, c.ORDINAL_POSITION`

func (a *mssqlAdapter) connString(cfg Config) string {
	if cfg.URI != "" {
		return cfg.URI
	}
	port := cfg.Port
	if port == 0 {
		port = 1433
	}
	cs := fmt.Sprintf("sqlserver://%s:%s@%s:%d",
		url.PathEscape(cfg.User), url.PathEscape(cfg.Password), cfg.Host, port)
	if cfg.DBName != "" {
		cs += "?database=" + url.QueryEscape(cfg.DBName)
	}
	return cs
}

func (a *mssqlAdapter) Test(ctx context.Context, cfg Config) error {
	return testSQL(ctx, "sqlserver", a.connString(cfg), cfg)
}

func (a *mssqlAdapter) Open(cfg Config) (Client, error) {
	return openSQL("sqlserver", a.connString(cfg), cfg)
}

func (a *mssqlAdapter) Introspect(ctx context.Context, c Client, cfg Config) ([]Table, error) {
	return introspectSQL(ctx, c, mssqlCatalogSQL)
}

func (a *mssqlAdapter) Execute(ctx context.Context, c Client, cfg Config, q Query, limit int) (*Result, error) {
	return executeSQL(ctx, c, cfg, q, limit)
}
