package database

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
)

// testDBSeq makes every shared-cache in-memory database unique, even when
// one test opens several.
var testDBSeq atomic.Int64

func testDSN(t *testing.T, suffix string) string {
	name := strings.ReplaceAll(t.Name(), "/", "_")
	return fmt.Sprintf("file:%s%s_%d?mode=memory&cache=shared", name, suffix, testDBSeq.Add(1))
}

// NewTestDB opens an in-memory main database with migrations applied.
func NewTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := NewDB(Config{DatabasePath: testDSN(t, "")})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// NewTestTaskDB opens an in-memory task database with migrations applied.
func NewTestTaskDB(t *testing.T) *TaskDB {
	t.Helper()

	db, err := NewTaskDB(Config{DatabasePath: testDSN(t, "_tasks")})
	if err != nil {
		t.Fatalf("failed to open test task database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// SeedAdmin inserts a minimal admin row for tests and returns its id.
func SeedAdmin(t *testing.T, db *DB, id, username string) string {
	t.Helper()

	err := db.Auth.CreateAdmin(&Admin{ID: id, Username: username, PasswordHash: "x"})
	if err != nil {
		t.Fatalf("failed to seed admin: %v", err)
	}
	return id
}
