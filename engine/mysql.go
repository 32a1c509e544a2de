package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// mysqlAdapter implements Adapter for MySQL and MariaDB.
type mysqlAdapter struct{}

const mysqlCatalogSQL = `
SELECT
	c.TABLE_SCHEMA,
	c.TABLE_NAME,
	c.COLUMN_NAME,
	c.DATA_TYPE,
	(c.IS_NULLABLE = 'YES') AS is_nullable,
	(c.COLUMN_KEY = 'PRI') AS is_primary_key,
	kcu.REFERENCED_TABLE_NAME,
	kcu.REFERENCED_COLUMN_NAME
FROM information_schema.COLUMNS c
LEFT JOIN information_schema.KEY_COLUMN_USAGE kcu
	ON kcu.TABLE_SCHEMA = c.TABLE_SCHEMA
	AND kcu.TABLE_NAME = c.TABLE_NAME
	AND kcu.COLUMN_NAME = c.COLUMN_NAME
	AND kcu.REFERENCED_TABLE_NAME IS NOT NULL
WHERE c.TABLE_SCHEMA = DATABASE()
ORDER BY c.TABLE_NAME, c.ORDINAL_POSITION`

func (a *mysqlAdapter) connString(cfg Config) string {
	if cfg.URI != "" {
		// Accept both DSN form and the mysql:// scheme prefix.
		return strings.TrimPrefix(cfg.URI, "mysql://")
	}
	port := cfg.Port
	if port == 0 {
		port = 3306
	}
	cs := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s", cfg.User, cfg.Password, cfg.Host, port, cfg.DBName)
	return cs + "?parseTime=true&timeout=" + connectTimeout(cfg).Truncate(time.Second).String()
}

func (a *mysqlAdapter) Test(ctx context.Context, cfg Config) error {
	return testSQL(ctx, "mysql", a.connString(cfg), cfg)
}

func (a *mysqlAdapter) Open(cfg Config) (Client, error) {
	return openSQL("mysql", a.connString(cfg), cfg)
}

func (a *mysqlAdapter) Introspect(ctx context.Context, c Client, cfg Config) ([]Table, error) {
	return introspectSQL(ctx, c, mysqlCatalogSQL)
}

func (a *mysqlAdapter) Execute(ctx context.Context, c Client, cfg Config, q Query, limit int) (*Result, error) {
	return executeSQL(ctx, c, cfg, q, limit)
}
