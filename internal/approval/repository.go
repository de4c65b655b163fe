package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository defines the interface for approval request persistence.
type Repository interface {
	Create(ctx context.Context, req *Request) error
	GetByID(ctx context.Context, id string) (*Request, error)
	List(ctx context.Context, status Status, limit int) ([]Request, error)
	ListByAutomation(ctx context.Context, automationID string) ([]Request, error)

	// HasPendingConflict reports whether a pending request already exists
	// for the same external ID.
	HasPendingConflict(ctx context.Context, externalID string) (bool, error)

	// UpdateDecision persists the terminal status and decision fields.
	UpdateDecision(ctx context.Context, req *Request) error

	// RejectPending marks pending requests rejected with the emergency
	// stop flag. With automationID empty, all pending requests are swept.
	// Returns the rejected requests.
	RejectPending(ctx context.Context, automationID string) ([]Request, error)
}

const requestColumns = `id, automation_id, external_id, workflow_type, status, risk_level,
			payload, requested_by, decided_by, decision_note, emergency_stop_triggered, created_at, decided_at`

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed approval repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts a new approval request. The ID is generated if empty.
func (r *SQLiteRepository) Create(ctx context.Context, req *Request) error {
	if req.ID == "" {
		req.ID = "apr-" + uuid.NewString()[:8]
	}
	if req.Status == "" {
		req.Status = StatusPending
	}

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return fmt.Errorf("marshalling payload: %w", err)
	}
	if req.Payload == nil {
		payload = []byte("{}")
	}

	now := time.Now().UTC().Truncate(time.Second)
	req.CreatedAt = now

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO approval_requests (id, automation_id, external_id, workflow_type, status, risk_level,
			payload, requested_by, emergency_stop_triggered, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.AutomationID, req.ExternalID, string(req.WorkflowType), string(req.Status),
		string(req.RiskLevel), string(payload), req.RequestedBy,
		boolToInt(req.EmergencyStopTriggered), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("creating approval request: %w", err)
	}
	return nil
}

// GetByID retrieves a request by its identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Request, error) {
	query := `SELECT ` + requestColumns + ` FROM approval_requests WHERE id = ?`

	row := r.db.QueryRowContext(ctx, query, id)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying approval request: %w", err)
	}
	return req, nil
}

// List retrieves requests, optionally filtered by status, newest first.
func (r *SQLiteRepository) List(ctx context.Context, status Status, limit int) ([]Request, error) {
	query := `SELECT ` + requestColumns + ` FROM approval_requests`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing approval requests: %w", err)
	}
	defer rows.Close()

	return collectRequests(rows)
}

// ListByAutomation retrieves all requests for one automation, newest first.
func (r *SQLiteRepository) ListByAutomation(ctx context.Context, automationID string) ([]Request, error) {
	query := `SELECT ` + requestColumns + ` FROM approval_requests
		WHERE automation_id = ? ORDER BY created_at DESC, id DESC`

	rows, err := r.db.QueryContext(ctx, query, automationID)
	if err != nil {
		return nil, fmt.Errorf("listing approval requests by automation: %w", err)
	}
	defer rows.Close()

	return collectRequests(rows)
}

// HasPendingConflict reports whether a pending request exists for the
// external ID.
func (r *SQLiteRepository) HasPendingConflict(ctx context.Context, externalID string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM approval_requests WHERE external_id = ? AND status = 'pending'`,
		externalID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking pending conflict: %w", err)
	}
	return count > 0, nil
}

// UpdateDecision persists the status and decision fields of a request.
func (r *SQLiteRepository) UpdateDecision(ctx context.Context, req *Request) error {
	var decidedAt any
	if req.DecidedAt != nil {
		decidedAt = req.DecidedAt.UTC().Format(time.RFC3339)
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE approval_requests SET automation_id = ?, status = ?, decided_by = ?, decision_note = ?,
			emergency_stop_triggered = ?, decided_at = ?
		 WHERE id = ?`,
		req.AutomationID, string(req.Status), req.DecidedBy, req.DecisionNote,
		boolToInt(req.EmergencyStopTriggered), decidedAt, req.ID,
	)
	if err != nil {
		return fmt.Errorf("updating approval decision: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RejectPending sweeps pending requests into rejected with the
// emergency stop flag set. With automationID empty, every pending request
// is swept; otherwise only those bound to the automation.
func (r *SQLiteRepository) RejectPending(ctx context.Context, automationID string) ([]Request, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	query := `UPDATE approval_requests
		SET status = 'rejected', emergency_stop_triggered = 1, decided_at = ?
		WHERE status = 'pending'`
	args := []any{now}
	if automationID != "" {
		query += ` AND automation_id = ?`
		args = append(args, automationID)
	}
	query += ` RETURNING ` + requestColumns

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("rejecting pending requests: %w", err)
	}
	defer rows.Close()

	return collectRequests(rows)
}

// ─── Scan Helpers ───

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*Request, error) {
	var req Request
	var payload string
	var flagged int
	var createdAt string
	var decidedAt sql.NullString

	err := row.Scan(&req.ID, &req.AutomationID, &req.ExternalID, &req.WorkflowType, &req.Status,
		&req.RiskLevel, &payload, &req.RequestedBy, &req.DecidedBy, &req.DecisionNote,
		&flagged, &createdAt, &decidedAt)
	if err != nil {
		return nil, err
	}

	req.EmergencyStopTriggered = flagged != 0
	if payload != "" && payload != "{}" {
		if err := json.Unmarshal([]byte(payload), &req.Payload); err != nil {
			return nil, fmt.Errorf("unmarshalling payload: %w", err)
		}
	}
	req.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled
	if decidedAt.Valid {
		t, _ := time.Parse(time.RFC3339, decidedAt.String) //nolint:errcheck // format is controlled
		req.DecidedAt = &t
	}
	return &req, nil
}

func collectRequests(rows *sql.Rows) ([]Request, error) {
	var requests []Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning approval request: %w", err)
		}
		requests = append(requests, *req)
	}
	return requests, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
