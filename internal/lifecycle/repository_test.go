package lifecycle

import (
	"context"
	"errors"
	"testing"
)

func TestRepository_CreateAndGetByID(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()

	a := testAutomation("automation.morning_lights", "Morning Lights")
	if err := repo.Create(ctx, a); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if a.ID == "" {
		t.Fatal("Create() should generate an ID")
	}
	if a.State != StatePendingApproval {
		t.Errorf("State = %q, want %q", a.State, StatePendingApproval)
	}

	got, err := repo.GetByID(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Name != "Morning Lights" {
		t.Errorf("Name = %q, want %q", got.Name, "Morning Lights")
	}
	if got.Config["trigger"] == nil {
		t.Error("Config should round-trip through JSON")
	}
	if got.Version != 1 {
		t.Errorf("Version = %d, want 1", got.Version)
	}
}

func TestRepository_GetByID_NotFound(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)

	_, err := repo.GetByID(context.Background(), "auto-missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByID() error = %v, want ErrNotFound", err)
	}
}

func TestRepository_ExternalIDUniqueWhileLive(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()

	a := testAutomation("automation.porch", "Porch Light")
	if err := repo.Create(ctx, a); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	dup := testAutomation("automation.porch", "Porch Light v2")
	if err := repo.Create(ctx, dup); !errors.Is(err, ErrExists) {
		t.Errorf("Create() duplicate error = %v, want ErrExists", err)
	}

	// Retire the first; the external ID becomes reusable.
	a.State = StateRetired
	tr := &Transition{FromState: StatePendingApproval, ToState: StateRetired, Reason: ReasonRetirement, InitiatedBy: "admin"}
	if err := repo.ApplyTransition(ctx, a, tr); err != nil {
		t.Fatalf("ApplyTransition() error = %v", err)
	}

	fresh := testAutomation("automation.porch", "Porch Light v2")
	if err := repo.Create(ctx, fresh); err != nil {
		t.Errorf("Create() after retirement error = %v, want nil", err)
	}

	// Lookup by external ID returns the live one.
	got, err := repo.GetByExternalID(ctx, "automation.porch")
	if err != nil {
		t.Fatalf("GetByExternalID() error = %v", err)
	}
	if got.ID != fresh.ID {
		t.Errorf("GetByExternalID() returned %q, want live automation %q", got.ID, fresh.ID)
	}
}

func TestRepository_ApplyTransition_MonotonicSeq(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()

	a := testAutomation("automation.seq", "Sequenced")
	if err := repo.Create(ctx, a); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	steps := []State{StateActive, StateInactive, StateActive}
	for i, to := range steps {
		from := a.State
		a.State = to
		tr := &Transition{FromState: from, ToState: to, Reason: ReasonUserAction, InitiatedBy: "admin"}
		if err := repo.ApplyTransition(ctx, a, tr); err != nil {
			t.Fatalf("ApplyTransition(%d) error = %v", i, err)
		}
		if tr.Seq != int64(i+1) {
			t.Errorf("transition %d seq = %d, want %d", i, tr.Seq, i+1)
		}
	}

	transitions, err := repo.ListTransitions(ctx, a.ID, 0)
	if err != nil {
		t.Fatalf("ListTransitions() error = %v", err)
	}
	if len(transitions) != 3 {
		t.Fatalf("ListTransitions() returned %d, want 3", len(transitions))
	}
	// Newest first
	if transitions[0].Seq != 3 || transitions[2].Seq != 1 {
		t.Errorf("transitions not ordered newest-first: %v, %v", transitions[0].Seq, transitions[2].Seq)
	}

	got, err := repo.GetByID(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.State != StateActive {
		t.Errorf("State = %q, want %q", got.State, StateActive)
	}
}

func TestRepository_ApplyTransition_Metadata(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()

	a := testAutomation("automation.meta", "Metadata")
	if err := repo.Create(ctx, a); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	a.State = StateActive
	tr := &Transition{
		FromState:   StatePendingApproval,
		ToState:     StateActive,
		Reason:      ReasonApproval,
		InitiatedBy: "admin",
		Metadata:    map[string]any{"approval_id": "apr-123"},
	}
	if err := repo.ApplyTransition(ctx, a, tr); err != nil {
		t.Fatalf("ApplyTransition() error = %v", err)
	}

	transitions, err := repo.ListTransitions(ctx, a.ID, 1)
	if err != nil {
		t.Fatalf("ListTransitions() error = %v", err)
	}
	if transitions[0].Metadata["approval_id"] != "apr-123" {
		t.Errorf("Metadata = %v, want approval_id apr-123", transitions[0].Metadata)
	}
}

func TestRepository_UpdateStats(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()

	a := testAutomation("automation.stats", "Stats")
	if err := repo.Create(ctx, a); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := repo.UpdateStats(ctx, a.ID, 10, 0.9, 125.5); err != nil {
		t.Fatalf("UpdateStats() error = %v", err)
	}

	got, _ := repo.GetByID(ctx, a.ID)
	if got.ExecutionCount != 10 || got.SuccessRate != 0.9 || got.AvgDurationMS != 125.5 {
		t.Errorf("stats = (%d, %v, %v), want (10, 0.9, 125.5)",
			got.ExecutionCount, got.SuccessRate, got.AvgDurationMS)
	}

	if err := repo.UpdateStats(ctx, "auto-missing", 1, 1, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateStats() missing error = %v, want ErrNotFound", err)
	}
}

func TestRepository_ListByState(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()

	for _, name := range []string{"one", "two"} {
		a := testAutomation("automation."+name, name)
		if err := repo.Create(ctx, a); err != nil {
			t.Fatalf("Create(%s) error = %v", name, err)
		}
	}

	pending, err := repo.ListByState(ctx, StatePendingApproval)
	if err != nil {
		t.Fatalf("ListByState() error = %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("ListByState(pending_approval) = %d, want 2", len(pending))
	}

	active, err := repo.ListByState(ctx, StateActive)
	if err != nil {
		t.Fatalf("ListByState() error = %v", err)
	}
	if len(active) != 0 {
		t.Errorf("ListByState(active) = %d, want 0", len(active))
	}
}
