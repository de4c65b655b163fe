package approval

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

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
	) STRICT;`

	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("creating schema: %v", err)
	}

	t.Cleanup(func() { db.Close() })
	return db
}

// defaultPolicy requires approval for everything except low.
var defaultPolicy = Policy{RiskLow: false, RiskMedium: true, RiskHigh: true, RiskCritical: true}

type testStack struct {
	engine    *Engine
	lifecycle *lifecycle.Engine
	db        *sql.DB
}

func setupEngine(t *testing.T, policy Policy) *testStack {
	t.Helper()
	db := setupTestDB(t)
	lc := lifecycle.NewEngine(lifecycle.NewSQLiteRepository(db), nil,
		lifecycle.RetryConfig{MaxAttempts: 1}, nil)
	backups := backup.NewManager(backup.NewSQLiteRepository(db), lc,
		backup.Retention{MaxPerAutomation: 10}, nil)
	engine := NewEngine(NewSQLiteRepository(db), lc, backups, policy, nil)
	return &testStack{engine: engine, lifecycle: lc, db: db}
}

func creationRequest(externalID string, config map[string]any) *Request {
	if config == nil {
		config = map[string]any{
			"trigger": map[string]any{"platform": "time", "at": "07:00"},
			"action":  []any{map[string]any{"entity_id": "light.kitchen"}},
		}
	}
	return &Request{
		ExternalID:   externalID,
		WorkflowType: WorkflowCreation,
		Payload: map[string]any{
			"name":   "Test Automation",
			"config": config,
		},
		RequestedBy: "user-1",
	}
}

// submitCreation submits and approves a creation, returning the live automation.
func submitCreation(t *testing.T, s *testStack, externalID string) *lifecycle.Automation {
	t.Helper()
	ctx := context.Background()
	req := creationRequest(externalID, nil)
	if err := s.engine.Submit(ctx, req); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if req.Status == StatusPending {
		if _, err := s.engine.Approve(ctx, req.ID, "admin", ""); err != nil {
			t.Fatalf("Approve() error = %v", err)
		}
	}
	a, err := s.lifecycle.GetByExternalID(ctx, externalID)
	if err != nil {
		t.Fatalf("GetByExternalID() error = %v", err)
	}
	return a
}

func TestEngine_Submit_AutoApprovesLowRisk(t *testing.T) {
	s := setupEngine(t, defaultPolicy)
	ctx := context.Background()

	req := creationRequest("automation.lights", nil)
	if err := s.engine.Submit(ctx, req); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if req.RiskLevel != RiskLow {
		t.Errorf("RiskLevel = %v, want low", req.RiskLevel)
	}
	if req.Status != StatusApproved {
		t.Errorf("Status = %v, want approved (auto)", req.Status)
	}
	if req.DecidedBy == nil || *req.DecidedBy != SystemAutoApprover {
		t.Errorf("DecidedBy = %v, want system auto-approver", req.DecidedBy)
	}

	// The automation exists and is active.
	a, err := s.lifecycle.GetByExternalID(ctx, "automation.lights")
	if err != nil {
		t.Fatalf("GetByExternalID() error = %v", err)
	}
	if a.State != lifecycle.StateActive {
		t.Errorf("State = %v, want active", a.State)
	}
}

func TestEngine_Submit_HighRiskStaysPending(t *testing.T) {
	s := setupEngine(t, defaultPolicy)
	ctx := context.Background()

	config := map[string]any{"action": []any{map[string]any{"entity_id": "lock.front_door"}}}
	req := creationRequest("automation.lock", config)
	if err := s.engine.Submit(ctx, req); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if req.RiskLevel != RiskCritical {
		t.Errorf("RiskLevel = %v, want critical", req.RiskLevel)
	}
	if req.Status != StatusPending {
		t.Errorf("Status = %v, want pending", req.Status)
	}

	// No automation until approved.
	if _, err := s.lifecycle.GetByExternalID(ctx, "automation.lock"); !errors.Is(err, lifecycle.ErrNotFound) {
		t.Errorf("automation should not exist before approval, got err = %v", err)
	}
}

func TestEngine_Submit_ConflictOnPending(t *testing.T) {
	s := setupEngine(t, defaultPolicy)
	ctx := context.Background()

	config := map[string]any{"action": []any{map[string]any{"entity_id": "lock.door"}}}
	first := creationRequest("automation.dup", config)
	if err := s.engine.Submit(ctx, first); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	second := creationRequest("automation.dup", config)
	if err := s.engine.Submit(ctx, second); !errors.Is(err, ErrConflict) {
		t.Errorf("Submit() second error = %v, want ErrConflict", err)
	}
}

func TestEngine_Submit_InvalidRequests(t *testing.T) {
	s := setupEngine(t, defaultPolicy)
	ctx := context.Background()

	tests := []struct {
		name string
		req  *Request
	}{
		{"unknown workflow", &Request{WorkflowType: "promotion", RequestedBy: "u"}},
		{"missing requester", &Request{WorkflowType: WorkflowCreation, ExternalID: "x"}},
		{"creation without name", &Request{WorkflowType: WorkflowCreation, ExternalID: "x", RequestedBy: "u"}},
		{"modification without automation", &Request{WorkflowType: WorkflowModification, RequestedBy: "u"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.engine.Submit(ctx, tt.req); !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("Submit() error = %v, want ErrInvalidRequest", err)
			}
		})
	}
}

func TestEngine_Approve_Idempotent(t *testing.T) {
	s := setupEngine(t, defaultPolicy)
	ctx := context.Background()

	config := map[string]any{"action": []any{map[string]any{"entity_id": "climate.hall"}}}
	req := creationRequest("automation.idem", config)
	if err := s.engine.Submit(ctx, req); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	first, err := s.engine.Approve(ctx, req.ID, "admin", "looks fine")
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	// Second approve is a no-op success.
	second, err := s.engine.Approve(ctx, req.ID, "admin-2", "again")
	if err != nil {
		t.Fatalf("Approve() repeat error = %v", err)
	}
	if second.Status != StatusApproved {
		t.Errorf("Status = %v, want approved", second.Status)
	}
	if *second.DecidedBy != *first.DecidedBy {
		t.Errorf("repeat approve should not change decider: %v vs %v", *second.DecidedBy, *first.DecidedBy)
	}

	// Reject after approve is a conflict.
	if _, err := s.engine.Reject(ctx, req.ID, "admin", "no"); !errors.Is(err, ErrConflict) {
		t.Errorf("Reject() after approve error = %v, want ErrConflict", err)
	}
}

func TestEngine_Reject_Idempotent(t *testing.T) {
	s := setupEngine(t, defaultPolicy)
	ctx := context.Background()

	config := map[string]any{"action": []any{map[string]any{"entity_id": "climate.hall"}}}
	req := creationRequest("automation.reject", config)
	if err := s.engine.Submit(ctx, req); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if _, err := s.engine.Reject(ctx, req.ID, "admin", "too risky"); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	if _, err := s.engine.Reject(ctx, req.ID, "admin", "still no"); err != nil {
		t.Fatalf("Reject() repeat error = %v", err)
	}
	if _, err := s.engine.Approve(ctx, req.ID, "admin", ""); !errors.Is(err, ErrConflict) {
		t.Errorf("Approve() after reject error = %v, want ErrConflict", err)
	}

	// Rejected creation leaves no automation behind.
	if _, err := s.lifecycle.GetByExternalID(context.Background(), "automation.reject"); !errors.Is(err, lifecycle.ErrNotFound) {
		t.Errorf("rejected creation should not create an automation, err = %v", err)
	}
}

func TestEngine_Modification_SnapshotsFirst(t *testing.T) {
	s := setupEngine(t, defaultPolicy)
	ctx := context.Background()

	a := submitCreation(t, s, "automation.modify")

	req := &Request{
		AutomationID: &a.ID,
		WorkflowType: WorkflowModification,
		Payload: map[string]any{
			"config": map[string]any{"trigger": map[string]any{"platform": "sun"}},
		},
		RequestedBy: "user-1",
	}
	if err := s.engine.Submit(ctx, req); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, err := s.engine.Approve(ctx, req.ID, "admin", ""); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	// A modification-triggered backup of the pre-change config exists.
	backups, err := backup.NewSQLiteRepository(s.db).ListByAutomation(ctx, a.ID)
	if err != nil {
		t.Fatalf("ListByAutomation() error = %v", err)
	}
	if len(backups) != 1 || backups[0].Trigger != backup.TriggerModification {
		t.Fatalf("backups = %v, want one modification backup", backups)
	}
	trigger, _ := backups[0].Snapshot.Config["trigger"].(map[string]any)
	if trigger["platform"] != "time" {
		t.Errorf("backup should hold pre-change config, got %v", backups[0].Snapshot.Config)
	}

	// The live config changed.
	got, _ := s.lifecycle.Get(ctx, a.ID)
	liveTrigger, _ := got.Config["trigger"].(map[string]any)
	if liveTrigger["platform"] != "sun" {
		t.Errorf("live config not updated: %v", got.Config)
	}
}

func TestEngine_Modification_RecordsTransition(t *testing.T) {
	s := setupEngine(t, defaultPolicy)
	ctx := context.Background()

	a := submitCreation(t, s, "automation.audit")

	req := &Request{
		AutomationID: &a.ID,
		WorkflowType: WorkflowModification,
		Payload: map[string]any{
			"config": map[string]any{"trigger": map[string]any{"platform": "sun"}},
		},
		RequestedBy: "user-1",
	}
	if err := s.engine.Submit(ctx, req); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, err := s.engine.Approve(ctx, req.ID, "admin", ""); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	// The approved modification leaves an audit record alongside the
	// creation approval: a same-state transition carrying the approval id.
	transitions, err := s.lifecycle.ListTransitions(ctx, a.ID, 0)
	if err != nil {
		t.Fatalf("ListTransitions() error = %v", err)
	}
	if len(transitions) != 2 {
		t.Fatalf("transitions = %d, want 2 (creation approval + modification)", len(transitions))
	}
	latest := transitions[0]
	if latest.FromState != lifecycle.StateActive || latest.ToState != lifecycle.StateActive {
		t.Errorf("latest transition = %s -> %s, want active -> active", latest.FromState, latest.ToState)
	}
	if latest.Reason != lifecycle.ReasonApproval {
		t.Errorf("Reason = %q, want %q", latest.Reason, lifecycle.ReasonApproval)
	}
	if latest.Metadata["approval_id"] != req.ID {
		t.Errorf("Metadata[approval_id] = %v, want %q", latest.Metadata["approval_id"], req.ID)
	}
}

func TestEngine_Retirement_SnapshotsAndRetires(t *testing.T) {
	s := setupEngine(t, defaultPolicy)
	ctx := context.Background()

	a := submitCreation(t, s, "automation.retire")

	req := &Request{
		AutomationID: &a.ID,
		WorkflowType: WorkflowRetirement,
		RequestedBy:  "user-1",
	}
	if err := s.engine.Submit(ctx, req); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if req.RiskLevel != RiskHigh {
		t.Errorf("RiskLevel = %v, want high", req.RiskLevel)
	}
	if _, err := s.engine.Approve(ctx, req.ID, "admin", ""); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	got, _ := s.lifecycle.Get(ctx, a.ID)
	if got.State != lifecycle.StateRetired {
		t.Errorf("State = %v, want retired", got.State)
	}

	backups, _ := backup.NewSQLiteRepository(s.db).ListByAutomation(ctx, a.ID)
	if len(backups) != 1 || backups[0].Trigger != backup.TriggerRetirement {
		t.Errorf("want one retirement backup, got %v", backups)
	}

	// No new requests for a retired automation.
	again := &Request{AutomationID: &a.ID, WorkflowType: WorkflowRetirement, RequestedBy: "user-1"}
	if err := s.engine.Submit(ctx, again); !errors.Is(err, lifecycle.ErrRetired) {
		t.Errorf("Submit() for retired error = %v, want ErrRetired", err)
	}
}

func TestEngine_Approve_ConcurrentDecisions(t *testing.T) {
	s := setupEngine(t, defaultPolicy)
	ctx := context.Background()

	config := map[string]any{"action": []any{map[string]any{"entity_id": "lock.door"}}}
	req := creationRequest("automation.race", config)
	if err := s.engine.Submit(ctx, req); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 10)
	results := make([]*Request, 10)
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = s.engine.Approve(ctx, req.ID, "admin", "")
		}()
	}
	wg.Wait()

	// Decisions serialise per request: the first caller decides, the rest
	// land on the idempotent path and see the same terminal result.
	for i, err := range errs {
		if err != nil {
			t.Errorf("concurrent Approve() error = %v", err)
			continue
		}
		if results[i].Status != StatusApproved {
			t.Errorf("concurrent Approve() status = %v, want approved", results[i].Status)
		}
	}

	got, _ := s.engine.Get(ctx, req.ID)
	if got.Status != StatusApproved {
		t.Errorf("Status = %v, want approved", got.Status)
	}
}

func TestEngine_Cancel_WhileDecisionInFlight(t *testing.T) {
	s := setupEngine(t, defaultPolicy)
	ctx := context.Background()

	config := map[string]any{"action": []any{map[string]any{"entity_id": "lock.door"}}}
	req := creationRequest("automation.latecancel", config)
	if err := s.engine.Submit(ctx, req); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	// Hold the request's decision lock as an in-flight approval would.
	s.engine.decisions.Lock(req.ID)
	defer s.engine.decisions.Unlock(req.ID)

	if _, err := s.engine.Cancel(ctx, req.ID, "user-1"); !errors.Is(err, ErrAlreadyProcessing) {
		t.Errorf("Cancel() error = %v, want ErrAlreadyProcessing", err)
	}
}

func TestEngine_RejectPendingForStop(t *testing.T) {
	s := setupEngine(t, defaultPolicy)
	ctx := context.Background()

	a := submitCreation(t, s, "automation.sweep")

	req := &Request{
		AutomationID: &a.ID,
		WorkflowType: WorkflowModification,
		Payload:      map[string]any{"config": map[string]any{"mode": "single"}},
		RequestedBy:  "user-1",
	}
	if err := s.engine.Submit(ctx, req); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	swept, err := s.engine.RejectPendingForStop(ctx, a.ID)
	if err != nil {
		t.Fatalf("RejectPendingForStop() error = %v", err)
	}
	if len(swept) != 1 {
		t.Fatalf("swept %d requests, want 1", len(swept))
	}
	if swept[0].Status != StatusRejected || !swept[0].EmergencyStopTriggered {
		t.Errorf("swept request = %+v, want rejected with emergency flag", swept[0])
	}

	// Sweeping again finds nothing.
	swept, err = s.engine.RejectPendingForStop(ctx, a.ID)
	if err != nil || len(swept) != 0 {
		t.Errorf("second sweep = (%v, %v), want empty", swept, err)
	}
}

func TestEngine_Escalate(t *testing.T) {
	s := setupEngine(t, defaultPolicy)
	ctx := context.Background()

	a := submitCreation(t, s, "automation.escalate")

	stopper := &mockStopper{}
	s.engine.SetStopper(stopper)

	req := &Request{
		AutomationID: &a.ID,
		WorkflowType: WorkflowModification,
		Payload:      map[string]any{"config": map[string]any{"mode": "single"}},
		RequestedBy:  "user-1",
	}
	if err := s.engine.Submit(ctx, req); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	got, err := s.engine.Escalate(ctx, req.ID, "admin", "dangerous change")
	if err != nil {
		t.Fatalf("Escalate() error = %v", err)
	}
	if got.Status != StatusRejected {
		t.Errorf("Status = %v, want rejected", got.Status)
	}
	if !got.EmergencyStopTriggered {
		t.Error("EmergencyStopTriggered = false, want true")
	}
	if stopper.calls != 1 || stopper.lastID != a.ID {
		t.Errorf("stopper calls = (%d, %q), want (1, %q)", stopper.calls, stopper.lastID, a.ID)
	}

	// The persisted row carries the flag too.
	stored, err := s.engine.Get(ctx, req.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored.Status != StatusRejected || !stored.EmergencyStopTriggered {
		t.Errorf("stored request = %+v, want rejected with emergency flag", stored)
	}
}

type mockStopper struct {
	mu     sync.Mutex
	calls  int
	lastID string
}

func (m *mockStopper) StopOne(_ context.Context, automationID, _, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.lastID = automationID
	return nil
}

func TestRepository_ListAndFilter(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()

	for i, status := range []Status{StatusPending, StatusApproved, StatusPending} {
		req := &Request{
			ExternalID:   "automation.filter",
			WorkflowType: WorkflowCreation,
			Status:       status,
			RiskLevel:    RiskLow,
			RequestedBy:  "user-1",
		}
		if err := repo.Create(ctx, req); err != nil {
			t.Fatalf("Create(%d) error = %v", i, err)
		}
	}

	pending, err := repo.List(ctx, StatusPending, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("List(pending) = %d, want 2", len(pending))
	}

	all, err := repo.List(ctx, "", 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 3 {
		t.Errorf("List(all) = %d, want 3", len(all))
	}

	limited, err := repo.List(ctx, "", 1)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("List(limit 1) = %d, want 1", len(limited))
	}
}

func TestRepository_DecisionRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()

	req := &Request{
		ExternalID:   "automation.decide",
		WorkflowType: WorkflowCreation,
		RiskLevel:    RiskMedium,
		RequestedBy:  "user-1",
		Payload:      map[string]any{"name": "X"},
	}
	if err := repo.Create(ctx, req); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	by := "admin"
	note := "fine"
	now := time.Now().UTC().Truncate(time.Second)
	req.Status = StatusApproved
	req.DecidedBy = &by
	req.DecisionNote = &note
	req.DecidedAt = &now
	if err := repo.UpdateDecision(ctx, req); err != nil {
		t.Fatalf("UpdateDecision() error = %v", err)
	}

	got, err := repo.GetByID(ctx, req.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Status != StatusApproved || got.DecidedBy == nil || *got.DecidedBy != "admin" {
		t.Errorf("decision did not round-trip: %+v", got)
	}
	if got.Payload["name"] != "X" {
		t.Errorf("payload did not round-trip: %v", got.Payload)
	}
}
