// Package testutil provides test fixtures around a temp-file SQLite store.
package testutil

import (
	"path/filepath"
	"testing"

	internal_storage "github.com/ignatij/gosched/internal/storage"
	"github.com/ignatij/gosched/migrations"
)

// TestDB holds a migrated store backed by a database file under t.TempDir().
type TestDB struct {
	Store *internal_storage.SQLiteStore
	Path  string
}

// SetupTestDB creates a fresh database with all migrations applied. The file
// lives in the test's temp dir, so cleanup is automatic.
func SetupTestDB(t *testing.T) *TestDB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "tasks.db")
	store, err := internal_storage.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("Failed to open test DB: %v", err)
	}
	if err := internal_storage.ApplyMigrations(store.DB(), migrations.FS); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}

	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Logf("Failed to close test DB: %v", err)
		}
	})

	return &TestDB{Store: store, Path: path}
}

// NopLogger satisfies service.Logger for quiet tests.
type NopLogger struct{}

func (NopLogger) Debugf(format string, args ...interface{}) {}
func (NopLogger) Infof(format string, args ...interface{})  {}
func (NopLogger) Warnf(format string, args ...interface{})  {}
func (NopLogger) Errorf(format string, args ...interface{}) {}
