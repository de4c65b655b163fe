package lifecycle

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

// setupTestDB creates an in-memory SQLite database with the governance schema.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}

	schema := `
	CREATE TABLE automations (
		id              TEXT PRIMARY KEY,
		external_id     TEXT NOT NULL,
		name            TEXT NOT NULL,
		description     TEXT,
		state           TEXT NOT NULL DEFAULT 'pending_approval',
		config          TEXT NOT NULL DEFAULT '{}',
		version         INTEGER NOT NULL DEFAULT 1,
		enabled         INTEGER NOT NULL DEFAULT 1,
		execution_count INTEGER NOT NULL DEFAULT 0,
		success_rate    REAL NOT NULL DEFAULT 0,
		avg_duration_ms REAL NOT NULL DEFAULT 0,
		created_by      TEXT,
		created_at      TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
		updated_at      TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
	) STRICT;

	CREATE UNIQUE INDEX idx_automations_external_live
		ON automations(external_id) WHERE state != 'retired';

	CREATE TABLE lifecycle_transitions (
		id            TEXT PRIMARY KEY,
		automation_id TEXT NOT NULL,
		seq           INTEGER NOT NULL,
		from_state    TEXT NOT NULL,
		to_state      TEXT NOT NULL,
		reason        TEXT NOT NULL DEFAULT 'user_action',
		initiated_by  TEXT NOT NULL,
		metadata      TEXT,
		created_at    TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
		FOREIGN KEY (automation_id) REFERENCES automations(id) ON DELETE CASCADE,
		UNIQUE (automation_id, seq)
	) STRICT;`

	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("creating schema: %v", err)
	}

	t.Cleanup(func() { db.Close() })
	return db
}

// testAutomation creates a test automation with the given external ID and name.
func testAutomation(externalID, name string) *Automation {
	return &Automation{
		ExternalID: externalID,
		Name:       name,
		Enabled:    true,
		Config: map[string]any{
			"trigger": map[string]any{"platform": "time", "at": "07:00"},
			"action":  []any{map[string]any{"service": "light.turn_on"}},
		},
	}
}
