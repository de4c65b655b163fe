package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wtthornton/tappsha-core/internal/lifecycle"
)

// Logger defines the logging interface used by the Manager.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Lifecycle is the interface the manager needs from the lifecycle engine.
type Lifecycle interface {
	Get(ctx context.Context, id string) (*lifecycle.Automation, error)
	RestoreConfigHeld(ctx context.Context, id string, config map[string]any, toState lifecycle.State, initiatedBy string, metadata map[string]any) (*lifecycle.Transition, error)
	Locker() *lifecycle.KeyMutex
}

// Retention bounds how many backups are kept per automation.
type Retention struct {
	MaxPerAutomation int
	MaxAge           time.Duration
}

// Manager creates integrity-checked snapshots before destructive
// approvals and restores them as rollback transitions.
//
// Thread Safety: all public methods are safe for concurrent use.
// Restore acquires the automation's lifecycle lock; SnapshotHeld expects
// the caller (the approval engine) to hold it already.
type Manager struct {
	repo      Repository
	lifecycle Lifecycle
	retention Retention
	logger    Logger
}

// NewManager creates a new backup manager.
func NewManager(repo Repository, lc Lifecycle, retention Retention, logger Logger) *Manager {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Manager{
		repo:      repo,
		lifecycle: lc,
		retention: retention,
		logger:    logger,
	}
}

// SnapshotHeld stores a snapshot of the automation as it is right now.
// Retention pruning runs after the write, so the snapshot just taken is
// always retained. Caller must hold the automation's lifecycle lock.
func (m *Manager) SnapshotHeld(ctx context.Context, a *lifecycle.Automation, trigger Trigger, createdBy string) (*Backup, error) {
	snap := Snapshot{
		Name:        a.Name,
		Description: a.Description,
		State:       a.State,
		Config:      a.Config,
		Version:     a.Version,
	}

	checksum, err := checksumSnapshot(snap)
	if err != nil {
		return nil, err
	}

	b := &Backup{
		AutomationID: a.ID,
		Trigger:      trigger,
		Snapshot:     snap,
		Checksum:     checksum,
		CreatedBy:    createdBy,
	}
	if err := m.repo.Create(ctx, b); err != nil {
		return nil, err
	}

	pruned, err := m.repo.Prune(ctx, a.ID, m.retention.MaxPerAutomation, m.retention.MaxAge)
	if err != nil {
		// The snapshot itself is safe; retention can catch up next time.
		m.logger.Warn("backup retention prune failed", "automation_id", a.ID, "error", err)
	} else if pruned > 0 {
		m.logger.Debug("pruned old backups", "automation_id", a.ID, "count", pruned)
	}

	m.logger.Info("backup created",
		"backup_id", b.ID, "automation_id", a.ID, "trigger", trigger)
	return b, nil
}

// Snapshot takes a manual backup of an automation, acquiring its lock.
func (m *Manager) Snapshot(ctx context.Context, automationID, createdBy string) (*Backup, error) {
	m.lifecycle.Locker().Lock(automationID)
	defer m.lifecycle.Locker().Unlock(automationID)

	a, err := m.lifecycle.Get(ctx, automationID)
	if err != nil {
		return nil, err
	}
	return m.SnapshotHeld(ctx, a, TriggerManual, createdBy)
}

// Get retrieves a backup by ID.
func (m *Manager) Get(ctx context.Context, id string) (*Backup, error) {
	return m.repo.GetByID(ctx, id)
}

// List retrieves all backups for an automation, newest first.
func (m *Manager) List(ctx context.Context, automationID string) ([]Backup, error) {
	return m.repo.ListByAutomation(ctx, automationID)
}

// Restore applies a backup's snapshot to its automation as a rollback
// transition.
//
// Returns:
//   - ErrNotFound if the backup doesn't exist
//   - ErrMismatch if automationID doesn't own the backup
//   - ErrIntegrity if the stored snapshot fails checksum verification
//   - lifecycle errors from the restore transition
func (m *Manager) Restore(ctx context.Context, backupID, automationID, initiatedBy string) (*lifecycle.Transition, error) {
	b, err := m.repo.GetByID(ctx, backupID)
	if err != nil {
		return nil, err
	}
	if b.AutomationID != automationID {
		return nil, fmt.Errorf("%w: backup %s belongs to %s", ErrMismatch, backupID, b.AutomationID)
	}

	checksum, err := checksumSnapshot(b.Snapshot)
	if err != nil {
		return nil, err
	}
	if checksum != b.Checksum {
		return nil, fmt.Errorf("%w: backup %s", ErrIntegrity, backupID)
	}

	m.lifecycle.Locker().Lock(automationID)
	defer m.lifecycle.Locker().Unlock(automationID)

	tr, err := m.lifecycle.RestoreConfigHeld(ctx, automationID, b.Snapshot.Config, b.Snapshot.State,
		initiatedBy, map[string]any{"backup_id": b.ID})
	if err != nil {
		return nil, err
	}

	m.logger.Info("backup restored",
		"backup_id", b.ID, "automation_id", automationID, "to_state", b.Snapshot.State)
	return tr, nil
}

// checksumSnapshot computes the SHA-256 of the snapshot's canonical JSON.
// json.Marshal sorts map keys, so the encoding is stable for a given
// snapshot.
func checksumSnapshot(s Snapshot) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshalling snapshot for checksum: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
