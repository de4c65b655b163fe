package emergency

import (
	"fmt"
	"strings"
	"time"
)

// StopType distinguishes single-automation stops from system-wide ones.
type StopType string

const (
	StopSingle StopType = "single"
	StopAll    StopType = "all"
)

// RecoveryStatus tracks the lifecycle of a post-stop recovery run.
type RecoveryStatus string

const (
	RecoveryPending    RecoveryStatus = "pending"
	RecoveryInProgress RecoveryStatus = "in_progress"
	RecoveryCompleted  RecoveryStatus = "completed"
	RecoveryFailed     RecoveryStatus = "failed"
)

// Failure records one automation that could not be stopped or recovered.
type Failure struct {
	AutomationID string `json:"automation_id"`
	Error        string `json:"error"`
}

// Event is the audit record of one emergency stop and its recovery.
type Event struct {
	ID       string   `json:"id"`
	StopType StopType `json:"stop_type"`

	// AutomationIDs lists every automation the stop touched (stopped or
	// attempted).
	AutomationIDs []string  `json:"automation_ids"`
	Failures      []Failure `json:"failures,omitempty"`

	Reason      *string `json:"reason,omitempty"`
	TriggeredBy string  `json:"triggered_by"`

	RecoveryStatus RecoveryStatus `json:"recovery_status"`

	// RecoveryResults maps automation ID to outcome ("recovered",
	// "skipped: ..." or an error message) once recovery has run.
	RecoveryResults map[string]string `json:"recovery_results,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	RecoveredAt *time.Time `json:"recovered_at,omitempty"`
}

// PartialFailureError reports a stop that landed some automations but
// not others. The successfully stopped ones stay stopped.
type PartialFailureError struct {
	Failures []Failure
}

func (e *PartialFailureError) Error() string {
	ids := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		ids[i] = f.AutomationID
	}
	return fmt.Sprintf("emergency: stop failed for %d automation(s): %s",
		len(e.Failures), strings.Join(ids, ", "))
}
