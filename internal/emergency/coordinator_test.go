package emergency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/wtthornton/tappsha-core/internal/approval"
	"github.com/wtthornton/tappsha-core/internal/backup"
	"github.com/wtthornton/tappsha-core/internal/lifecycle"
)

// setupTestDB creates an in-memory SQLite database with the full
// governance schema.
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
		UNIQUE (automation_id, seq)
	) STRICT;

	CREATE TABLE backups (
		id            TEXT PRIMARY KEY,
		automation_id TEXT NOT NULL,
		trigger_type  TEXT NOT NULL,
		snapshot      TEXT NOT NULL,
		checksum      TEXT NOT NULL,
		created_by    TEXT NOT NULL,
		created_at    TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
	) STRICT;

	CREATE TABLE approval_requests (
		id                       TEXT PRIMARY KEY,
		automation_id            TEXT,
		external_id              TEXT NOT NULL,
		workflow_type            TEXT NOT NULL,
		status                   TEXT NOT NULL DEFAULT 'pending',
		risk_level               TEXT NOT NULL,
		payload                  TEXT NOT NULL DEFAULT '{}',
		requested_by             TEXT NOT NULL,
		decided_by               TEXT,
		decision_note            TEXT,
		emergency_stop_triggered INTEGER NOT NULL DEFAULT 0,
		created_at               TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
		decided_at               TEXT
	) STRICT;

	CREATE TABLE emergency_stop_events (
		id               TEXT PRIMARY KEY,
		stop_type        TEXT NOT NULL,
		automation_ids   TEXT NOT NULL DEFAULT '[]',
		failures         TEXT,
		reason           TEXT,
		triggered_by     TEXT NOT NULL,
		recovery_status  TEXT NOT NULL DEFAULT 'pending',
		recovery_results TEXT,
		created_at       TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
		recovered_at     TEXT
	) STRICT;`

	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("creating schema: %v", err)
	}

	t.Cleanup(func() { db.Close() })
	return db
}

// flakyPlatform fails deactivation for selected automation IDs.
type flakyPlatform struct {
	failDeactivate map[string]bool
}

func (p *flakyPlatform) Activate(_ context.Context, _ *lifecycle.Automation) error { return nil }

func (p *flakyPlatform) Deactivate(_ context.Context, a *lifecycle.Automation) error {
	if p.failDeactivate[a.ExternalID] {
		return fmt.Errorf("%w: bridge offline", lifecycle.ErrPlatformUnavailable)
	}
	return nil
}

func (p *flakyPlatform) Retire(_ context.Context, _ *lifecycle.Automation) error { return nil }

type testStack struct {
	coordinator *Coordinator
	lifecycle   *lifecycle.Engine
	approvals   *approval.Engine
	db          *sql.DB
}

func setupCoordinator(t *testing.T, platform lifecycle.Platform) *testStack {
	t.Helper()
	db := setupTestDB(t)
	lc := lifecycle.NewEngine(lifecycle.NewSQLiteRepository(db), platform,
		lifecycle.RetryConfig{MaxAttempts: 1}, nil)
	backups := backup.NewManager(backup.NewSQLiteRepository(db), lc,
		backup.Retention{MaxPerAutomation: 10}, nil)
	approvals := approval.NewEngine(approval.NewSQLiteRepository(db), lc, backups,
		approval.Policy{approval.RiskLow: false}, nil)
	coordinator := NewCoordinator(NewSQLiteRepository(db), lc, approvals, nil)
	approvals.SetStopper(coordinator)
	return &testStack{coordinator: coordinator, lifecycle: lc, approvals: approvals, db: db}
}

func createActive(t *testing.T, lc *lifecycle.Engine, externalID string) *lifecycle.Automation {
	t.Helper()
	ctx := context.Background()
	a := &lifecycle.Automation{
		ExternalID: externalID,
		Name:       externalID,
		Config:     map[string]any{"trigger": map[string]any{"platform": "time"}},
	}
	if err := lc.Create(ctx, a); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := lc.Transition(ctx, a.ID, lifecycle.StateActive, "admin", lifecycle.ReasonApproval, nil); err != nil {
		t.Fatalf("Transition(active) error = %v", err)
	}
	a.State = lifecycle.StateActive
	return a
}

func TestCoordinator_StopOne(t *testing.T) {
	s := setupCoordinator(t, nil)
	ctx := context.Background()

	a := createActive(t, s.lifecycle, "automation.stop")

	// A pending modification request that should be swept.
	req := &approval.Request{
		AutomationID: &a.ID,
		WorkflowType: approval.WorkflowModification,
		Payload:      map[string]any{"config": map[string]any{"entity": "climate.hall"}},
		RequestedBy:  "user-1",
	}
	if err := s.approvals.Submit(ctx, req); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if err := s.coordinator.StopOne(ctx, a.ID, "admin", "misbehaving"); err != nil {
		t.Fatalf("StopOne() error = %v", err)
	}

	got, _ := s.lifecycle.Get(ctx, a.ID)
	if got.State != lifecycle.StateInactive {
		t.Errorf("State = %v, want inactive", got.State)
	}

	swept, _ := s.approvals.Get(ctx, req.ID)
	if swept.Status != approval.StatusRejected || !swept.EmergencyStopTriggered {
		t.Errorf("pending request = %+v, want rejected with flag", swept)
	}

	events, err := s.coordinator.List(ctx, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(events) != 1 || events[0].StopType != StopSingle {
		t.Fatalf("events = %v, want one single stop", events)
	}
	if events[0].RecoveryStatus != RecoveryPending {
		t.Errorf("RecoveryStatus = %v, want pending", events[0].RecoveryStatus)
	}
}

func TestCoordinator_StopOne_Retired(t *testing.T) {
	s := setupCoordinator(t, nil)
	ctx := context.Background()

	a := createActive(t, s.lifecycle, "automation.retired")
	if _, err := s.lifecycle.Transition(ctx, a.ID, lifecycle.StateRetired, "admin", lifecycle.ReasonRetirement, nil); err != nil {
		t.Fatalf("Transition(retired) error = %v", err)
	}

	if err := s.coordinator.StopOne(ctx, a.ID, "admin", ""); !errors.Is(err, lifecycle.ErrRetired) {
		t.Errorf("StopOne() error = %v, want ErrRetired", err)
	}

	// No event recorded for a rejected stop.
	events, _ := s.coordinator.List(ctx, 0)
	if len(events) != 0 {
		t.Errorf("events = %d, want 0", len(events))
	}
}

func TestCoordinator_StopAll(t *testing.T) {
	s := setupCoordinator(t, nil)
	ctx := context.Background()

	one := createActive(t, s.lifecycle, "automation.one")
	two := createActive(t, s.lifecycle, "automation.two")
	retired := createActive(t, s.lifecycle, "automation.gone")
	if _, err := s.lifecycle.Transition(ctx, retired.ID, lifecycle.StateRetired, "admin", lifecycle.ReasonRetirement, nil); err != nil {
		t.Fatalf("Transition(retired) error = %v", err)
	}

	ev, err := s.coordinator.StopAll(ctx, "admin", "gas leak")
	if err != nil {
		t.Fatalf("StopAll() error = %v", err)
	}
	if len(ev.AutomationIDs) != 2 {
		t.Errorf("AutomationIDs = %v, want both live automations", ev.AutomationIDs)
	}

	for _, id := range []string{one.ID, two.ID} {
		got, _ := s.lifecycle.Get(ctx, id)
		if got.State != lifecycle.StateInactive {
			t.Errorf("State(%s) = %v, want inactive", id, got.State)
		}
	}
	got, _ := s.lifecycle.Get(ctx, retired.ID)
	if got.State != lifecycle.StateRetired {
		t.Errorf("retired automation must stay retired, got %v", got.State)
	}
}

func TestCoordinator_StopAll_Empty(t *testing.T) {
	s := setupCoordinator(t, nil)

	ev, err := s.coordinator.StopAll(context.Background(), "admin", "")
	if err != nil {
		t.Fatalf("StopAll() with no automations error = %v", err)
	}
	if len(ev.AutomationIDs) != 0 || len(ev.Failures) != 0 {
		t.Errorf("event = %+v, want empty lists", ev)
	}
}

func TestCoordinator_StopAll_PartialFailure(t *testing.T) {
	platform := &flakyPlatform{failDeactivate: map[string]bool{"automation.bad": true}}
	s := setupCoordinator(t, platform)
	ctx := context.Background()

	good := createActive(t, s.lifecycle, "automation.good")
	bad := createActive(t, s.lifecycle, "automation.bad")

	ev, err := s.coordinator.StopAll(ctx, "admin", "")
	var pf *PartialFailureError
	if !errors.As(err, &pf) {
		t.Fatalf("StopAll() error = %v, want PartialFailureError", err)
	}
	if len(pf.Failures) != 1 || pf.Failures[0].AutomationID != bad.ID {
		t.Errorf("Failures = %v, want just the bad automation", pf.Failures)
	}

	// The good one stopped and stays stopped.
	gotGood, _ := s.lifecycle.Get(ctx, good.ID)
	if gotGood.State != lifecycle.StateInactive {
		t.Errorf("good automation state = %v, want inactive", gotGood.State)
	}
	// The bad one is untouched.
	gotBad, _ := s.lifecycle.Get(ctx, bad.ID)
	if gotBad.State != lifecycle.StateActive {
		t.Errorf("bad automation state = %v, want still active", gotBad.State)
	}

	// Failures persisted on the event.
	stored, _ := s.coordinator.Get(ctx, ev.ID)
	if len(stored.Failures) != 1 {
		t.Errorf("stored failures = %v, want 1", stored.Failures)
	}
}

func TestCoordinator_Recover(t *testing.T) {
	s := setupCoordinator(t, nil)
	ctx := context.Background()

	one := createActive(t, s.lifecycle, "automation.rec1")
	two := createActive(t, s.lifecycle, "automation.rec2")

	ev, err := s.coordinator.StopAll(ctx, "admin", "")
	if err != nil {
		t.Fatalf("StopAll() error = %v", err)
	}

	recovered, err := s.coordinator.Recover(ctx, ev.ID, "admin")
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if recovered.RecoveryStatus != RecoveryCompleted {
		t.Errorf("RecoveryStatus = %v, want completed", recovered.RecoveryStatus)
	}
	if recovered.RecoveryResults[one.ID] != "recovered" || recovered.RecoveryResults[two.ID] != "recovered" {
		t.Errorf("RecoveryResults = %v", recovered.RecoveryResults)
	}

	for _, id := range []string{one.ID, two.ID} {
		got, _ := s.lifecycle.Get(ctx, id)
		if got.State != lifecycle.StateActive {
			t.Errorf("State(%s) = %v, want active", id, got.State)
		}
	}

	// Audit trail shows the recovery transitions.
	transitions, _ := s.lifecycle.ListTransitions(ctx, one.ID, 1)
	if transitions[0].Reason != lifecycle.ReasonRecovery {
		t.Errorf("latest reason = %q, want recovery", transitions[0].Reason)
	}

	// A completed recovery cannot run again.
	if _, err := s.coordinator.Recover(ctx, ev.ID, "admin"); !errors.Is(err, ErrRecoveryDone) {
		t.Errorf("Recover() repeat error = %v, want ErrRecoveryDone", err)
	}
}

func TestCoordinator_Recover_SkipsRetired(t *testing.T) {
	s := setupCoordinator(t, nil)
	ctx := context.Background()

	a := createActive(t, s.lifecycle, "automation.flaky")

	ev, err := s.coordinator.StopAll(ctx, "admin", "")
	if err != nil {
		t.Fatalf("StopAll() error = %v", err)
	}

	// The automation is retired between the stop and the recovery.
	if _, err := s.lifecycle.Transition(ctx, a.ID, lifecycle.StateRetired, "admin", lifecycle.ReasonRetirement, nil); err != nil {
		t.Fatalf("Transition(retired) error = %v", err)
	}

	recovered, err := s.coordinator.Recover(ctx, ev.ID, "admin")
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	// Retired since the stop: skipped, recovery still completes.
	if recovered.RecoveryStatus != RecoveryCompleted {
		t.Errorf("RecoveryStatus = %v, want completed", recovered.RecoveryStatus)
	}
	if recovered.RecoveryResults[a.ID] != "skipped: retired" {
		t.Errorf("result = %q, want skipped: retired", recovered.RecoveryResults[a.ID])
	}
}

func TestCoordinator_Recover_NotFound(t *testing.T) {
	s := setupCoordinator(t, nil)

	_, err := s.coordinator.Recover(context.Background(), "est-missing", "admin")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Recover() error = %v, want ErrNotFound", err)
	}
}
