package storage

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var databaseCounter atomic.Int64

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:storage_%d?mode=memory&cache=shared", databaseCounter.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to unwrap sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func fixedClock() func() time.Time {
	instant := time.Date(2026, time.October, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return instant }
}

func mustEntityStore(t *testing.T, db *gorm.DB) *EntityStore {
	t.Helper()
	store, err := NewEntityStore(StoreConfig{Database: db, Clock: fixedClock()})
	if err != nil {
		t.Fatalf("failed to build entity store: %v", err)
	}
	return store
}
