package engine

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

// postgresAdapter implements Adapter for PostgreSQL via pgx.
type postgresAdapter struct{}

// catalog query producing the standard introspection row layout. Primary
// and foreign keys come from table_constraints + key_column_usage.
const postgresCatalogSQL = `
SELECT
	c.table_schema,
	c.table_name,
	c.column_name,
	c.data_type,
	(c.is_nullable = 'YES') AS is_nullable,
	COALESCE(pk.is_primary, false) AS is_primary_key,
	fk.foreign_table,
	fk.foreign_column
FROM information_schema.columns c
LEFT JOIN (
	SELECT kcu.table_schema, kcu.table_name, kcu.column_name, true AS is_primary
	FROM information_schema.table_constraints tc
	JOIN information_schema.key_column_usage kcu
		ON tc.constraint_name = kcu.constraint_name
		AND tc.table_schema = kcu.table_schema
	WHERE tc.constraint_type = 'PRIMARY KEY'
) pk ON pk.table_schema = c.table_schema
	AND pk.table_name = c.table_name
	AND pk.column_name = c.column_name
LEFT JOIN (
	SELECT kcu.table_schema, kcu.table_name, kcu.column_name,
		ccu.table_name AS foreign_table, ccu.column_name AS foreign_column
	FROM information_schema.table_constraints tc
	JOIN information_schema.key_column_usage kcu
		ON tc.constraint_name = kcu.constraint_name
		AND tc.table_schema = kcu.table_schema
	JOIN information_schema.constraint_column_usage ccu
		ON tc.constraint_name = ccu.constraint_name
	WHERE tc.constraint_type = 'FOREIGN KEY'
) fk ON fk.table_schema = c.table_schema
	AND fk.table_name = c.table_name
	AND fk.column_name = c.column_name
WHERE c.table_schema NOT IN ('pg_catalog', 'information_schema')
ORDER BY c.table_schema, c.table_name, c.ordinal_position`

// connString builds a pgx connection and registers it with database/sql.
// An explicit URI wins; otherwise the config is assembled field by field.
func (a *postgresAdapter) connString(cfg Config) (string, error) {
	if cfg.URI != "" {
		pgxConf, err := pgx.ParseConfig(cfg.URI)
		if err != nil {
			return "", fmt.Errorf("postgres uri: %w", err)
		}
		return stdlib.RegisterConnConfig(pgxConf), nil
	}

	pgxConf, _ := pgx.ParseConfig("")
	pgxConf.Host = cfg.Host
	if cfg.Port != 0 {
		pgxConf.Port = uint16(cfg.Port)
	} else {
		pgxConf.Port = 5432
	}
	pgxConf.User = cfg.User
	pgxConf.Password = cfg.Password
	pgxConf.Database = cfg.DBName
	return stdlib.RegisterConnConfig(pgxConf), nil
}

func (a *postgresAdapter) Test(ctx context.Context, cfg Config) error {
	cs, err := a.connString(cfg)
	if err != nil {
		return &TestFailure{Message: err.Error(), Err: err}
	}
	return testSQL(ctx, "pgx", cs, cfg)
}

func (a *postgresAdapter) Open(cfg Config) (Client, error) {
	cs, err := a.connString(cfg)
	if err != nil {
		return nil, err
	}
	return openSQL("pgx", cs, cfg)
}

func (a *postgresAdapter) Introspect(ctx context.Context, c Client, cfg Config) ([]Table, error) {
	return introspectSQL(ctx, c, postgresCatalogSQL)
}

func (a *postgresAdapter) Execute(ctx context.Context, c Client, cfg Config, q Query, limit int) (*Result, error) {
	return executeSQL(ctx, c, cfg, q, limit)
}
