package testutil

import (
	"testing"

	"labsync/internal/database"
	"labsync/internal/database/migrations"
	"labsync/internal/kvstore"
	"labsync/internal/store"
)

// NewTestDatabase creates an in-memory SQLite database with the schema
// applied. The database is automatically closed when the test completes.
func NewTestDatabase(t *testing.T) *database.SQLiteDatabase {
	t.Helper()

	sqlDB, err := database.OpenConnection(":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	if err := migrations.MigrateUp(sqlDB); err != nil {
		sqlDB.Close()
		t.Fatalf("failed to apply schema: %v", err)
	}

	db := database.NewSQLiteDatabaseFromDB(sqlDB)

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

// NewTestStore creates a DurableStore over an in-memory config tier and an
// in-memory entity tier, both cleaned up with the test.
func NewTestStore(t *testing.T) *store.DurableStore {
	t.Helper()
	return store.New(kvstore.NewMemoryStore(), NewTestDatabase(t))
}
