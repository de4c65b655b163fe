package auth

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

// testDB creates an in-memory SQLite database with the users schema.
func testDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	schema := `
	CREATE TABLE users (
		id            TEXT PRIMARY KEY,
		username      TEXT NOT NULL UNIQUE,
		display_name  TEXT NOT NULL,
		email         TEXT,
		password_hash TEXT NOT NULL,
		role          TEXT NOT NULL CHECK (role IN ('user', 'admin', 'owner')),
		is_active     INTEGER NOT NULL DEFAULT 1,
		created_by    TEXT,
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL
	) STRICT;
	`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("creating test schema: %v", err)
	}

	return db
}

// seedTestUser inserts a user directly for test setup.
func seedTestUser(t *testing.T, db *sql.DB, username string, role Role) {
	t.Helper()

	hash, err := HashPassword("test-password")
	if err != nil {
		t.Fatalf("hashing test password: %v", err)
	}

	repo := NewUserRepository(db)
	u := &User{
		Username:     username,
		DisplayName:  username,
		PasswordHash: hash,
		Role:         role,
		IsActive:     true,
	}
	if err := repo.Create(context.Background(), u); err != nil {
		t.Fatalf("seeding test user: %v", err)
	}
}
