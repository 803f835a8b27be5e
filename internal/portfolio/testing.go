package portfolio

import (
	"path/filepath"
	"testing"

	"gorm.io/gorm"
)

// OpenTestDB opens a migrated database in a per-test temp dir.
func OpenTestDB(tb testing.TB) *gorm.DB {
	tb.Helper()
	db, err := OpenDB(filepath.Join(tb.TempDir(), "engine.db"))
	if err != nil {
		tb.Fatalf("open test db: %v", err)
	}
	if err := Migrate(db); err != nil {
		tb.Fatalf("migrate test db: %v", err)
	}
	tb.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}
