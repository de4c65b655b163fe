package backup

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository defines the interface for backup persistence.
type Repository interface {
	Create(ctx context.Context, b *Backup) error
	GetByID(ctx context.Context, id string) (*Backup, error)
	ListByAutomation(ctx context.Context, automationID string) ([]Backup, error)

	// Prune enforces retention for one automation: keep at most maxCount
	// newest backups and none older than maxAge (0 disables either
	// bound). Returns the number of backups deleted.
	Prune(ctx context.Context, automationID string, maxCount int, maxAge time.Duration) (int, error)
}

const backupColumns = `id, automation_id, trigger_type, snapshot, checksum, created_by, created_at`

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed backup repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts a new backup. The ID is generated if empty.
func (r *SQLiteRepository) Create(ctx context.Context, b *Backup) error {
	if b.ID == "" {
		b.ID = "bkp-" + uuid.NewString()[:8]
	}

	snapshot, err := json.Marshal(b.Snapshot)
	if err != nil {
		return fmt.Errorf("marshalling snapshot: %w", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	b.CreatedAt = now

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO backups (id, automation_id, trigger_type, snapshot, checksum, created_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.AutomationID, string(b.Trigger), string(snapshot), b.Checksum,
		b.CreatedBy, now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("creating backup: %w", err)
	}
	return nil
}

// GetByID retrieves a backup by its identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Backup, error) {
	query := `SELECT ` + backupColumns + ` FROM backups WHERE id = ?`

	row := r.db.QueryRowContext(ctx, query, id)
	b, err := scanBackup(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying backup: %w", err)
	}
	return b, nil
}

// ListByAutomation retrieves all backups for an automation, newest first.
func (r *SQLiteRepository) ListByAutomation(ctx context.Context, automationID string) ([]Backup, error) {
	query := `SELECT ` + backupColumns + ` FROM backups
		WHERE automation_id = ? ORDER BY created_at DESC, id DESC`

	rows, err := r.db.QueryContext(ctx, query, automationID)
	if err != nil {
		return nil, fmt.Errorf("listing backups: %w", err)
	}
	defer rows.Close()

	var backups []Backup
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning backup: %w", err)
		}
		backups = append(backups, *b)
	}
	return backups, rows.Err()
}

// Prune enforces count and age retention bounds for one automation.
func (r *SQLiteRepository) Prune(ctx context.Context, automationID string, maxCount int, maxAge time.Duration) (int, error) {
	deleted := 0

	if maxCount > 0 {
		result, err := r.db.ExecContext(ctx,
			`DELETE FROM backups WHERE automation_id = ? AND id NOT IN (
				SELECT id FROM backups WHERE automation_id = ?
				ORDER BY created_at DESC, id DESC LIMIT ?
			)`,
			automationID, automationID, maxCount,
		)
		if err != nil {
			return deleted, fmt.Errorf("pruning backups by count: %w", err)
		}
		n, _ := result.RowsAffected() //nolint:errcheck // sqlite supports RowsAffected
		deleted += int(n)
	}

	if maxAge > 0 {
		cutoff := time.Now().UTC().Add(-maxAge).Format(time.RFC3339)
		result, err := r.db.ExecContext(ctx,
			`DELETE FROM backups WHERE automation_id = ? AND created_at < ?`,
			automationID, cutoff,
		)
		if err != nil {
			return deleted, fmt.Errorf("pruning backups by age: %w", err)
		}
		n, _ := result.RowsAffected() //nolint:errcheck // sqlite supports RowsAffected
		deleted += int(n)
	}

	return deleted, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBackup(row rowScanner) (*Backup, error) {
	var b Backup
	var snapshot, createdAt string

	err := row.Scan(&b.ID, &b.AutomationID, &b.Trigger, &snapshot, &b.Checksum,
		&b.CreatedBy, &createdAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(snapshot), &b.Snapshot); err != nil {
		return nil, fmt.Errorf("unmarshalling snapshot: %w", err)
	}
	b.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled
	return &b, nil
}
