// Package testutil holds shared fixtures for package tests.
package testutil

import (
	"testing"

	"github.com/timmy/catalogsync/internal/domain"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OpenDB returns a migrated in-memory sqlite database. The pool is pinned to
// a single connection so every query sees the same in-memory database.
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("test db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(
		&domain.SyncJob{},
		&domain.Lock{},
		&domain.Checkpoint{},
		&domain.CacheEntry{},
		&domain.CacheMetric{},
		&domain.ContentBlob{},
		&domain.CatalogRecord{},
	); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}
