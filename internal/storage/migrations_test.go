package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tableExists(t *testing.T, store *SQLiteStore, name string) bool {
	t.Helper()
	var n int
	err := store.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&n)
	require.NoError(t, err)
	return n == 1
}

func TestApplyMigrations(t *testing.T) {
	ctx := context.Background()
	store, _ := setupTestStore(t)

	v, err := currentVersion(ctx, store.db)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, v.String())

	for _, table := range []string{"z_schema_version", "z_metadata", "z_model_history"} {
		assert.True(t, tableExists(t, store, table), table)
	}

	// Running again is a no-op
	require.NoError(t, ApplyMigrations(ctx, store.db))
	var n int
	require.NoError(t, store.db.QueryRow("SELECT COUNT(*) FROM z_schema_version").Scan(&n))
	assert.Equal(t, len(AllMigrations), n)
}

func TestRollbackMigration(t *testing.T) {
	ctx := context.Background()
	store, _ := setupTestStore(t)

	require.NoError(t, RollbackMigration(ctx, store.db))
	v, err := currentVersion(ctx, store.db)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", v.String())
	assert.False(t, tableExists(t, store, "z_model_history"))

	require.NoError(t, RollbackMigration(ctx, store.db))
	assert.False(t, tableExists(t, store, "z_schema_version"))

	assert.Error(t, RollbackMigration(ctx, store.db))

	// Back up again
	require.NoError(t, ApplyMigrations(ctx, store.db))
	v, err = currentVersion(ctx, store.db)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, v.String())
}

func TestOpenSQLite_BadPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "dir", "Notes.sqlite")
	_, err := OpenSQLite(context.Background(), path, nil)
	assert.Error(t, err)
}
