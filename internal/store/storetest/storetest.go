// Package storetest opens throwaway migrated databases for tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/foundry/internal/store"
)

// Open returns a migrated SQLite database in a per-test temp dir
func Open(t testing.TB) *store.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "foundry.db")
	db, err := store.Open(context.Background(), store.Config{Driver: store.DriverSQLite, DSN: dsn, MaxOpenConns: 8})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.Migrate(context.Background()))
	return db
}
