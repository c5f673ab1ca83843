package sqlite

import (
	"database/sql"
	"path/filepath"
	"testing"
)

// OpenTestDB opens a read-write and a read-only handle on a fresh file
// under t.TempDir. Both are closed on test cleanup.
func OpenTestDB(t *testing.T) (*sql.DB, *sql.DB) {
	t.Helper()
	file := filepath.Join(t.TempDir(), "test.db")

	dbRW, err := Open(file)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	dbRO, err := Open(file, WithReadOnly(true))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	t.Cleanup(func() {
		_ = dbRO.Close()
		_ = dbRW.Close()
	})
	return dbRW, dbRO
}
