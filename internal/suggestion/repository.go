package suggestion

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository defines the interface for suggestion persistence.
type Repository interface {
	Create(ctx context.Context, s *OptimizationSuggestion) error
	GetByID(ctx context.Context, id string) (*OptimizationSuggestion, error)
	List(ctx context.Context, status Status, limit int) ([]OptimizationSuggestion, error)
	ListByAutomation(ctx context.Context, automationID string) ([]OptimizationSuggestion, error)
	UpdateDecision(ctx context.Context, id string, status Status, approvalID *string, decidedAt time.Time) error
}

const suggestionColumns = `id, automation_id, title, rationale, proposed_config, confidence,
	status, approval_id, created_at, decided_at`

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed suggestion repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts a new suggestion. The ID is generated if empty.
func (r *SQLiteRepository) Create(ctx context.Context, s *OptimizationSuggestion) error {
	if s.ID == "" {
		s.ID = "sug-" + uuid.NewString()[:8]
	}
	if s.Status == "" {
		s.Status = StatusOpen
	}

	config, err := json.Marshal(s.ProposedConfig)
	if err != nil {
		return fmt.Errorf("marshalling proposed config: %w", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	s.CreatedAt = now

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO suggestions (id, automation_id, title, rationale, proposed_config,
			confidence, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.AutomationID, s.Title, s.Rationale, string(config),
		s.Confidence, string(s.Status), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("creating suggestion: %w", err)
	}
	return nil
}

// GetByID retrieves a suggestion by its identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*OptimizationSuggestion, error) {
	query := `SELECT ` + suggestionColumns + ` FROM suggestions WHERE id = ?`

	row := r.db.QueryRowContext(ctx, query, id)
	s, err := scanSuggestion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying suggestion: %w", err)
	}
	return s, nil
}

// List retrieves suggestions newest first, optionally filtered by status.
// A limit of 0 returns everything.
func (r *SQLiteRepository) List(ctx context.Context, status Status, limit int) ([]OptimizationSuggestion, error) {
	query := `SELECT ` + suggestionColumns + ` FROM suggestions`
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

	return r.queryMany(ctx, query, args...)
}

// ListByAutomation retrieves all suggestions for an automation, newest first.
func (r *SQLiteRepository) ListByAutomation(ctx context.Context, automationID string) ([]OptimizationSuggestion, error) {
	query := `SELECT ` + suggestionColumns + ` FROM suggestions
		WHERE automation_id = ? ORDER BY created_at DESC, id DESC`
	return r.queryMany(ctx, query, automationID)
}

// UpdateDecision records the terminal status of a suggestion.
func (r *SQLiteRepository) UpdateDecision(ctx context.Context, id string, status Status, approvalID *string, decidedAt time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE suggestions SET status = ?, approval_id = ?, decided_at = ? WHERE id = ?`,
		string(status), approvalID, decidedAt.UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("updating suggestion decision: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLiteRepository) queryMany(ctx context.Context, query string, args ...any) ([]OptimizationSuggestion, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing suggestions: %w", err)
	}
	defer rows.Close()

	var suggestions []OptimizationSuggestion
	for rows.Next() {
		s, err := scanSuggestion(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning suggestion: %w", err)
		}
		suggestions = append(suggestions, *s)
	}
	return suggestions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSuggestion(row rowScanner) (*OptimizationSuggestion, error) {
	var s OptimizationSuggestion
	var config, createdAt string
	var decidedAt sql.NullString

	err := row.Scan(&s.ID, &s.AutomationID, &s.Title, &s.Rationale, &config,
		&s.Confidence, &s.Status, &s.ApprovalID, &createdAt, &decidedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(config), &s.ProposedConfig); err != nil {
		return nil, fmt.Errorf("unmarshalling proposed config: %w", err)
	}
	s.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled
	if decidedAt.Valid {
		t, _ := time.Parse(time.RFC3339, decidedAt.String) //nolint:errcheck // format is controlled
		s.DecidedAt = &t
	}
	return &s, nil
}
