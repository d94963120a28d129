// Package storetest opens the Postgres and Redis instances named by
// OJTRACK_TEST_DATABASE_URL and OJTRACK_TEST_REDIS_ADDR for integration
// tests. Tests are skipped when the variable is unset.
package storetest

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"ojtrack/internal/store"
)

// tables are truncated before each test, children first.
var tables = []string{"activity_logs", "forgot_timeout_requests", "attendance_records",
	"student_documents", "document_types", "student_profiles", "users"}

// DB returns a migrated, empty database.
func DB(t testing.TB) *sql.DB {
	t.Helper()
	url := os.Getenv("OJTRACK_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("OJTRACK_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := store.NewDB(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := store.Migrate(ctx, db.Client); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	for _, tbl := range tables {
		if _, err := db.Client.ExecContext(ctx, "TRUNCATE "+tbl+" CASCADE"); err != nil {
			t.Fatalf("truncate %s: %v", tbl, err)
		}
	}
	return db.Client
}

// Redis returns a client namespaced under a per-test prefix.
func Redis(t testing.TB) *store.Redis {
	t.Helper()
	addr := os.Getenv("OJTRACK_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("OJTRACK_TEST_REDIS_ADDR not set")
	}
	r := store.NewRedis(addr, "ojtrack-test:"+t.Name())
	if !r.Healthy(context.Background()) {
		t.Fatalf("redis at %s not reachable", addr)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// AddUser inserts a users row, with a profile for students.
func AddUser(t testing.TB, db *sql.DB, id, role, section string) {
	t.Helper()
	ctx := context.Background()
	var sec any
	if section != "" {
		sec = section
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO users (id, role, section_id) VALUES ($1, $2, $3)`, id, role, sec); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	if role == "student" {
		if _, err := db.ExecContext(ctx, `INSERT INTO student_profiles (student_id) VALUES ($1)`, id); err != nil {
			t.Fatalf("insert profile: %v", err)
		}
	}
}
