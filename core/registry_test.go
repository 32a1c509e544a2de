package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qbloq/askdb/engine"
	"github.com/qbloq/askdb/provider"
)

func TestCreateConnectionDefaults(t *testing.T) {
	env := newTestEnv(t, Config{}, &provider.Static{})
	ctx := context.Background()
	id := Identity{TenantID: "t1"}

	conn, err := env.engine.CreateConnection(ctx, id, Descriptor{
		Name:       "warehouse",
		EngineType: "postgres",
		AuthMode:   AuthStandard,
		Host:       "pg.internal",
		Port:       5432,
		DBName:     "warehouse",
		User:       "reporting",
		Password:   "hunter2",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, conn.ID)
	assert.Equal(t, StatusTesting, conn.Status)
	assert.True(t, conn.ReadOnly, "read-only must be the default")
	assert.NotEmpty(t, conn.EncryptedSecret)
	assert.NotEmpty(t, conn.IV)
	assert.Equal(t, "k1", conn.KeyID)
	assert.NotEqual(t, "hunter2", conn.EncryptedSecret)
}

func TestCreateConnectionValidation(t *testing.T) {
	env := newTestEnv(t, Config{}, &provider.Static{})
	ctx := context.Background()
	id := Identity{TenantID: "t1"}

	tests := []struct {
		name string
		d    Descriptor
	}{
		{"missing name", Descriptor{EngineType: "postgres", AuthMode: AuthStandard, Host: "h", DBName: "d", User: "u", Password: "p"}},
		{"bad engine type", Descriptor{Name: "x", EngineType: "oracle", AuthMode: AuthStandard, Host: "h", DBName: "d", User: "u", Password: "p"}},
		{"bad auth mode", Descriptor{Name: "x", EngineType: "postgres", AuthMode: "kerberos"}},
		{"standard without host", Descriptor{Name: "x", EngineType: "postgres", AuthMode: AuthStandard, DBName: "d", User: "u", Password: "p"}},
		{"standard without password", Descriptor{Name: "x", EngineType: "postgres", AuthMode: AuthStandard, Host: "h", DBName: "d", User: "u"}},
		{"uri mode without uri", Descriptor{Name: "x", EngineType: "mongodb", AuthMode: AuthURI}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.engine.CreateConnection(ctx, id, tc.d)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
		})
	}
}

func TestCreateConnectionNameConflict(t *testing.T) {
	env := newTestEnv(t, Config{}, &provider.Static{})
	ctx := context.Background()

	d := Descriptor{
		Name: "primary", EngineType: "mysql", AuthMode: AuthStandard,
		Host: "h", DBName: "d", User: "u", Password: "p",
	}

	_, err := env.engine.CreateConnection(ctx, Identity{TenantID: "t1"}, d)
	require.NoError(t, err)

	_, err = env.engine.CreateConnection(ctx, Identity{TenantID: "t1"}, d)
	var cerr *ConflictError
	require.ErrorAs(t, err, &cerr)

	// the same name under another tenant is fine
	_, err = env.engine.CreateConnection(ctx, Identity{TenantID: "t2"}, d)
	require.NoError(t, err)
}

func TestConnectionTenantIsolation(t *testing.T) {
	env := newTestEnv(t, Config{}, &provider.Static{})
	ctx := context.Background()

	conn := env.seedConnection(t, "t1", engine.TypePostgres, nil)

	_, err := env.engine.GetConnection(ctx, Identity{TenantID: "t2"}, conn.ID)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)

	err = env.engine.DeleteConnection(ctx, Identity{TenantID: "t2"}, conn.ID)
	require.ErrorAs(t, err, &nf)

	// still visible to its owner
	got, err := env.engine.GetConnection(ctx, Identity{TenantID: "t1"}, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, conn.ID, got.ID)
}

func TestTestConnectionUpdatesStatus(t *testing.T) {
	env := newTestEnv(t, Config{}, &provider.Static{})
	ctx := context.Background()
	id := Identity{TenantID: "t1"}
	conn := env.seedConnection(t, "t1", engine.TypePostgres, nil)

	require.NoError(t, env.engine.TestConnection(ctx, id, conn.ID))
	got, err := env.engine.GetConnection(ctx, id, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)

	env.adapter.testErr = &engine.TestFailure{Message: "connection refused"}
	require.Error(t, env.engine.TestConnection(ctx, id, conn.ID))
	got, err = env.engine.GetConnection(ctx, id, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)
}

func TestRefreshSchema(t *testing.T) {
	env := newTestEnv(t, Config{}, &provider.Static{})
	ctx := context.Background()
	id := Identity{TenantID: "t1"}
	conn := env.seedConnection(t, "t1", engine.TypePostgres, nil)

	env.adapter.tables = customersTables()

	tables, err := env.engine.RefreshSchema(ctx, id, conn.ID)
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, "customers", tables[0].Name)

	got, err := env.engine.GetConnection(ctx, id, conn.ID)
	require.NoError(t, err)
	require.Len(t, got.SchemaTables, 1)
	assert.False(t, got.SchemaUpdatedAt.IsZero())
}

func TestDecryptionErrorSurfacesRemediation(t *testing.T) {
	env := newTestEnv(t, Config{}, &provider.Static{})
	ctx := context.Background()
	id := Identity{TenantID: "t1"}
	conn := env.seedConnection(t, "t1", engine.TypePostgres, nil)

	// simulate a lost key: corrupt the stored key id
	env.store.mu.Lock()
	env.store.conns[conn.ID].KeyID = "gone"
	env.store.mu.Unlock()

	err := env.engine.TestConnection(ctx, id, conn.ID)
	var derr *DecryptionError
	require.ErrorAs(t, err, &derr)
	assert.Contains(t, err.Error(), "recreate")
}
