package suggestion

import "time"

// Status is the decision state of a suggestion.
type Status string

const (
	StatusOpen      Status = "open"
	StatusAccepted  Status = "accepted"
	StatusDismissed Status = "dismissed"
)

// IsTerminal reports whether the suggestion has been decided.
func (s Status) IsTerminal() bool {
	return s == StatusAccepted || s == StatusDismissed
}

// Requester is the identity suggestions use when they enter the
// approval pipeline on acceptance.
const Requester = "ai-optimizer"

// OptimizationSuggestion is a proposed configuration change for an
// automation, produced by the analysis pipeline. Accepting one does not
// change the automation directly; it submits a modification request
// through the normal approval workflow.
type OptimizationSuggestion struct {
	ID             string         `json:"id"`
	AutomationID   string         `json:"automation_id"`
	Title          string         `json:"title"`
	Rationale      string         `json:"rationale"`
	ProposedConfig map[string]any `json:"proposed_config"`
	Confidence     float64        `json:"confidence"` // 0-100
	Status         Status         `json:"status"`
	ApprovalID     *string        `json:"approval_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	DecidedAt      *time.Time     `json:"decided_at,omitempty"`
}
