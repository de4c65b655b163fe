package lifecycle

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Repository defines the interface for automation persistence.
// This abstraction allows different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// Automation CRUD
	Create(ctx context.Context, a *Automation) error
	GetByID(ctx context.Context, id string) (*Automation, error)
	GetByExternalID(ctx context.Context, externalID string) (*Automation, error)
	List(ctx context.Context) ([]Automation, error)
	ListByState(ctx context.Context, state State) ([]Automation, error)
	Update(ctx context.Context, a *Automation) error
	UpdateStats(ctx context.Context, id string, count int, successRate, avgDurationMS float64) error

	// Audit trail. ApplyTransition atomically updates the automation row
	// and appends the transition with the next per-automation sequence
	// number. The transition's Seq is set on return.
	ApplyTransition(ctx context.Context, a *Automation, tr *Transition) error
	ListTransitions(ctx context.Context, automationID string, limit int) ([]Transition, error)
	CountTransitions(ctx context.Context, automationID string) (int, error)
}

// automationColumns is the SELECT column list for automation queries.
const automationColumns = `id, external_id, name, description, state, config, version, enabled,
			execution_count, success_rate, avg_duration_ms, created_by, created_at, updated_at`

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts a new automation. The ID is generated if empty.
func (r *SQLiteRepository) Create(ctx context.Context, a *Automation) error {
	if a.ID == "" {
		a.ID = "auto-" + uuid.NewString()[:8]
	}
	if a.State == "" {
		a.State = StatePendingApproval
	}
	if a.Version == 0 {
		a.Version = 1
	}

	config, err := marshalConfig(a.Config)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Truncate(time.Second)
	a.CreatedAt = now
	a.UpdatedAt = now

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO automations (id, external_id, name, description, state, config, version, enabled,
			execution_count, success_rate, avg_duration_ms, created_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ExternalID, a.Name, a.Description, string(a.State), config, a.Version,
		boolToInt(a.Enabled), a.ExecutionCount, a.SuccessRate, a.AvgDurationMS,
		a.CreatedBy, formatTime(now), formatTime(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrExists
		}
		return fmt.Errorf("creating automation: %w", err)
	}
	return nil
}

// GetByID retrieves an automation by its internal identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Automation, error) {
	query := `SELECT ` + automationColumns + ` FROM automations WHERE id = ?`

	row := r.db.QueryRowContext(ctx, query, id)
	a, err := scanAutomation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying automation by id: %w", err)
	}
	return a, nil
}

// GetByExternalID retrieves the live (non-retired) automation holding the
// given platform ID. Retired automations are excluded so external IDs can
// be reused after retirement.
func (r *SQLiteRepository) GetByExternalID(ctx context.Context, externalID string) (*Automation, error) {
	query := `SELECT ` + automationColumns + ` FROM automations
		WHERE external_id = ? AND state != 'retired'`

	row := r.db.QueryRowContext(ctx, query, externalID)
	a, err := scanAutomation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying automation by external id: %w", err)
	}
	return a, nil
}

// List retrieves all automations ordered by name.
func (r *SQLiteRepository) List(ctx context.Context) ([]Automation, error) {
	query := `SELECT ` + automationColumns + ` FROM automations ORDER BY name`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing automations: %w", err)
	}
	defer rows.Close()

	return collectAutomations(rows)
}

// ListByState retrieves automations in the given state, ordered by name.
func (r *SQLiteRepository) ListByState(ctx context.Context, state State) ([]Automation, error) {
	query := `SELECT ` + automationColumns + ` FROM automations WHERE state = ? ORDER BY name`

	rows, err := r.db.QueryContext(ctx, query, string(state))
	if err != nil {
		return nil, fmt.Errorf("listing automations by state: %w", err)
	}
	defer rows.Close()

	return collectAutomations(rows)
}

// Update persists changes to an automation's mutable fields. The state
// column is deliberately excluded; state moves only through ApplyTransition.
func (r *SQLiteRepository) Update(ctx context.Context, a *Automation) error {
	config, err := marshalConfig(a.Config)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Truncate(time.Second)
	a.UpdatedAt = now

	result, err := r.db.ExecContext(ctx,
		`UPDATE automations SET name = ?, description = ?, config = ?, version = ?, enabled = ?, updated_at = ?
		 WHERE id = ?`,
		a.Name, a.Description, config, a.Version, boolToInt(a.Enabled), formatTime(now), a.ID,
	)
	if err != nil {
		return fmt.Errorf("updating automation: %w", err)
	}
	return requireRow(result)
}

// UpdateStats records execution statistics for an automation.
func (r *SQLiteRepository) UpdateStats(ctx context.Context, id string, count int, successRate, avgDurationMS float64) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE automations SET execution_count = ?, success_rate = ?, avg_duration_ms = ?, updated_at = ?
		 WHERE id = ?`,
		count, successRate, avgDurationMS, formatTime(time.Now().UTC()), id,
	)
	if err != nil {
		return fmt.Errorf("updating automation stats: %w", err)
	}
	return requireRow(result)
}

// ApplyTransition atomically moves an automation to a new state and
// appends the audit record. The automation's state, config, and version
// are written as given; the transition's seq is computed inside the
// transaction as MAX(seq)+1 for the automation, so the per-automation
// ordering holds even if callers race (they should not: the engine
// serialises per automation).
func (r *SQLiteRepository) ApplyTransition(ctx context.Context, a *Automation, tr *Transition) error {
	if tr.ID == "" {
		tr.ID = "tr-" + uuid.NewString()[:8]
	}

	config, err := marshalConfig(a.Config)
	if err != nil {
		return err
	}

	metadata, err := marshalMetadata(tr.Metadata)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Truncate(time.Second)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transition tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	result, err := tx.ExecContext(ctx,
		`UPDATE automations SET state = ?, config = ?, version = ?, enabled = ?, updated_at = ?
		 WHERE id = ?`,
		string(a.State), config, a.Version, boolToInt(a.Enabled), formatTime(now), a.ID,
	)
	if err != nil {
		return fmt.Errorf("updating automation state: %w", err)
	}
	if err := requireRow(result); err != nil {
		return err
	}

	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM lifecycle_transitions WHERE automation_id = ?`,
		a.ID,
	).Scan(&tr.Seq)
	if err != nil {
		return fmt.Errorf("computing transition seq: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO lifecycle_transitions (id, automation_id, seq, from_state, to_state, reason, initiated_by, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, a.ID, tr.Seq, string(tr.FromState), string(tr.ToState),
		tr.Reason, tr.InitiatedBy, metadata, formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("inserting transition: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transition: %w", err)
	}

	a.UpdatedAt = now
	tr.AutomationID = a.ID
	tr.CreatedAt = now
	return nil
}

// ListTransitions retrieves an automation's audit trail, newest first.
// A limit of 0 returns all transitions.
func (r *SQLiteRepository) ListTransitions(ctx context.Context, automationID string, limit int) ([]Transition, error) {
	query := `SELECT id, automation_id, seq, from_state, to_state, reason, initiated_by, metadata, created_at
		FROM lifecycle_transitions WHERE automation_id = ? ORDER BY seq DESC`
	args := []any{automationID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing transitions: %w", err)
	}
	defer rows.Close()

	var transitions []Transition
	for rows.Next() {
		var tr Transition
		var metadata sql.NullString
		var createdAt string
		err := rows.Scan(&tr.ID, &tr.AutomationID, &tr.Seq, &tr.FromState, &tr.ToState,
			&tr.Reason, &tr.InitiatedBy, &metadata, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("scanning transition: %w", err)
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &tr.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshalling transition metadata: %w", err)
			}
		}
		tr.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled
		transitions = append(transitions, tr)
	}
	return transitions, rows.Err()
}

// CountTransitions returns the length of an automation's audit trail.
func (r *SQLiteRepository) CountTransitions(ctx context.Context, automationID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM lifecycle_transitions WHERE automation_id = ?`,
		automationID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting transitions: %w", err)
	}
	return count, nil
}

// ─── Scan Helpers ───

// rowScanner abstracts *sql.Row and *sql.Rows for shared scan logic.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAutomation(row rowScanner) (*Automation, error) {
	var a Automation
	var config string
	var enabled int
	var createdAt, updatedAt string

	err := row.Scan(&a.ID, &a.ExternalID, &a.Name, &a.Description, &a.State, &config,
		&a.Version, &enabled, &a.ExecutionCount, &a.SuccessRate, &a.AvgDurationMS,
		&a.CreatedBy, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	a.Enabled = enabled != 0
	if config != "" {
		if err := json.Unmarshal([]byte(config), &a.Config); err != nil {
			return nil, fmt.Errorf("unmarshalling config: %w", err)
		}
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled
	a.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt) //nolint:errcheck // format is controlled
	return &a, nil
}

func collectAutomations(rows *sql.Rows) ([]Automation, error) {
	var automations []Automation
	for rows.Next() {
		a, err := scanAutomation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning automation: %w", err)
		}
		automations = append(automations, *a)
	}
	return automations, rows.Err()
}

func marshalConfig(config map[string]any) (string, error) {
	if config == nil {
		return "{}", nil
	}
	b, err := json.Marshal(config)
	if err != nil {
		return "", fmt.Errorf("marshalling config: %w", err)
	}
	return string(b), nil
}

func marshalMetadata(metadata map[string]any) (any, error) {
	if metadata == nil {
		return nil, nil //nolint:nilnil // NULL column value
	}
	b, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshalling metadata: %w", err)
	}
	return string(b), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
