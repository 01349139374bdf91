// Package planstoretest opens throwaway SQLite-backed stores for tests.
package planstoretest

import (
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/a7csw/ResumeBuilder-sub001/internal/pkg/database"
	"github.com/a7csw/ResumeBuilder-sub001/internal/pkg/planstore"
)

// OpenDB creates an in-memory database with the entitlement schema. A single
// connection is used so every goroutine sees the same in-memory database.
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), database.Config())
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := database.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	return db
}

// NewStore returns a store over a fresh test database.
func NewStore(t testing.TB) (planstore.Store, *gorm.DB) {
	t.Helper()
	db := OpenDB(t)
	return planstore.New(db), db
}
