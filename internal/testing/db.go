// Package testing provides testing utilities and helpers for the folio project.
package testing

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/aristath/folio/internal/database"
)

// NewTestDB creates a file-backed SQLite database in t.TempDir() with the
// schema for name applied. The database is closed automatically when the test ends.
//
// Supported schema names:
//   - "portfolio" - applies portfolio_schema.sql
//   - "ledger" - applies ledger_schema.sql
//   - Unknown names - creates empty database (no schema applied)
func NewTestDB(t *testing.T, name string) *database.DB {
	t.Helper()

	// A file per test keeps pooled connections on the same database
	path := filepath.Join(t.TempDir(), fmt.Sprintf("test_%s.db", name))

	db, err := database.New(database.Config{
		Path:    path,
		Profile: database.ProfileStandard,
		Name:    name,
	})
	if err != nil {
		t.Fatalf("Failed to create test database %s: %v", name, err)
	}

	if err := db.Migrate(); err != nil {
		_ = db.Close()
		t.Fatalf("Failed to migrate test database %s: %v", name, err)
	}

	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Logf("Warning: Failed to close test database %s: %v", name, err)
		}
	})

	return db
}

// GetRawConnection returns the underlying *sql.DB for direct test queries
func GetRawConnection(db *database.DB) *sql.DB {
	return db.Conn()
}
