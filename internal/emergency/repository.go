package emergency

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository defines the interface for stop event persistence.
type Repository interface {
	Create(ctx context.Context, ev *Event) error
	GetByID(ctx context.Context, id string) (*Event, error)
	List(ctx context.Context, limit int) ([]Event, error)
	UpdateRecovery(ctx context.Context, ev *Event) error
}

const eventColumns = `id, stop_type, automation_ids, failures, reason, triggered_by,
			recovery_status, recovery_results, created_at, recovered_at`

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed event repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts a new stop event. The ID is generated if empty.
func (r *SQLiteRepository) Create(ctx context.Context, ev *Event) error {
	if ev.ID == "" {
		ev.ID = "est-" + uuid.NewString()[:8]
	}
	if ev.RecoveryStatus == "" {
		ev.RecoveryStatus = RecoveryPending
	}

	ids, err := json.Marshal(ev.AutomationIDs)
	if err != nil {
		return fmt.Errorf("marshalling automation ids: %w", err)
	}
	if ev.AutomationIDs == nil {
		ids = []byte("[]")
	}

	failures, err := marshalNullable(ev.Failures)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Truncate(time.Second)
	ev.CreatedAt = now

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO emergency_stop_events (id, stop_type, automation_ids, failures, reason, triggered_by, recovery_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, string(ev.StopType), string(ids), failures, ev.Reason, ev.TriggeredBy,
		string(ev.RecoveryStatus), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("creating stop event: %w", err)
	}
	return nil
}

// GetByID retrieves a stop event by its identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Event, error) {
	query := `SELECT ` + eventColumns + ` FROM emergency_stop_events WHERE id = ?`

	row := r.db.QueryRowContext(ctx, query, id)
	ev, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying stop event: %w", err)
	}
	return ev, nil
}

// List retrieves stop events, newest first.
func (r *SQLiteRepository) List(ctx context.Context, limit int) ([]Event, error) {
	query := `SELECT ` + eventColumns + ` FROM emergency_stop_events ORDER BY created_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing stop events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning stop event: %w", err)
		}
		events = append(events, *ev)
	}
	return events, rows.Err()
}

// UpdateRecovery persists the recovery status and results of an event.
func (r *SQLiteRepository) UpdateRecovery(ctx context.Context, ev *Event) error {
	results, err := marshalNullable(ev.RecoveryResults)
	if err != nil {
		return err
	}

	var recoveredAt any
	if ev.RecoveredAt != nil {
		recoveredAt = ev.RecoveredAt.UTC().Format(time.RFC3339)
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE emergency_stop_events SET recovery_status = ?, recovery_results = ?, recovered_at = ?
		 WHERE id = ?`,
		string(ev.RecoveryStatus), results, recoveredAt, ev.ID,
	)
	if err != nil {
		return fmt.Errorf("updating recovery: %w", err)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var ev Event
	var ids string
	var failures, results sql.NullString
	var createdAt string
	var recoveredAt sql.NullString

	err := row.Scan(&ev.ID, &ev.StopType, &ids, &failures, &ev.Reason, &ev.TriggeredBy,
		&ev.RecoveryStatus, &results, &createdAt, &recoveredAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(ids), &ev.AutomationIDs); err != nil {
		return nil, fmt.Errorf("unmarshalling automation ids: %w", err)
	}
	if failures.Valid && failures.String != "" {
		if err := json.Unmarshal([]byte(failures.String), &ev.Failures); err != nil {
			return nil, fmt.Errorf("unmarshalling failures: %w", err)
		}
	}
	if results.Valid && results.String != "" {
		if err := json.Unmarshal([]byte(results.String), &ev.RecoveryResults); err != nil {
			return nil, fmt.Errorf("unmarshalling recovery results: %w", err)
		}
	}
	ev.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled
	if recoveredAt.Valid {
		t, _ := time.Parse(time.RFC3339, recoveredAt.String) //nolint:errcheck // format is controlled
		ev.RecoveredAt = &t
	}
	return &ev, nil
}

func marshalNullable(v any) (any, error) {
	switch t := v.(type) {
	case []Failure:
		if len(t) == 0 {
			return nil, nil //nolint:nilnil // NULL column value
		}
	case map[string]string:
		if len(t) == 0 {
			return nil, nil //nolint:nilnil // NULL column value
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshalling event field: %w", err)
	}
	return string(b), nil
}
