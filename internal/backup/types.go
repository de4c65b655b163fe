package backup

import (
	"time"

	"github.com/wtthornton/tappsha-core/internal/lifecycle"
)

// Trigger identifies why a backup was taken.
type Trigger string

const (
	// TriggerModification backups are taken before a modification
	// approval applies a new config.
	TriggerModification Trigger = "modification"

	// TriggerRetirement backups are taken before a retirement approval
	// retires the automation.
	TriggerRetirement Trigger = "retirement"

	// TriggerManual backups are requested explicitly by a user.
	TriggerManual Trigger = "manual"
)

// Snapshot captures the restorable parts of an automation at a point in
// time. State is included so a rollback can land the automation back
// where it was.
type Snapshot struct {
	Name        string          `json:"name"`
	Description *string         `json:"description,omitempty"`
	State       lifecycle.State `json:"state"`
	Config      map[string]any  `json:"config"`
	Version     int             `json:"version"`
}

// Backup is one stored snapshot with an integrity checksum.
type Backup struct {
	ID           string    `json:"id"`
	AutomationID string    `json:"automation_id"`
	Trigger      Trigger   `json:"trigger"`
	Snapshot     Snapshot  `json:"snapshot"`
	Checksum     string    `json:"checksum"`
	CreatedBy    string    `json:"created_by"`
	CreatedAt    time.Time `json:"created_at"`
}
