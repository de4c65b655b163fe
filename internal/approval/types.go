package approval

import "time"

// WorkflowType identifies what an approval request wants to do.
type WorkflowType string

const (
	// WorkflowCreation requests registering and activating a new automation.
	WorkflowCreation WorkflowType = "creation"

	// WorkflowModification requests replacing an automation's config.
	WorkflowModification WorkflowType = "modification"

	// WorkflowRetirement requests permanently retiring an automation.
	WorkflowRetirement WorkflowType = "retirement"
)

// ValidWorkflowTypes is the set of recognised workflow types.
var ValidWorkflowTypes = []WorkflowType{WorkflowCreation, WorkflowModification, WorkflowRetirement}

// IsValidWorkflowType returns true if wt is a recognised workflow type.
func IsValidWorkflowType(wt WorkflowType) bool {
	for _, v := range ValidWorkflowTypes {
		if wt == v {
			return true
		}
	}
	return false
}

// Status is the decision state of an approval request.
type Status string

const (
	// StatusPending means the request awaits a decision.
	StatusPending Status = "pending"

	// StatusApproved is terminal: the requested change was applied.
	StatusApproved Status = "approved"

	// StatusRejected is terminal: the request was declined, either by an
	// approver or by an emergency stop sweep.
	StatusRejected Status = "rejected"

	// StatusCancelled is terminal: withdrawn by the requester.
	StatusCancelled Status = "cancelled"
)

// IsTerminal returns true for decided statuses.
func (s Status) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusCancelled
}

// IsValidStatus returns true if st is a recognised status.
func IsValidStatus(st Status) bool {
	switch st {
	case StatusPending, StatusApproved, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// RiskLevel classifies the blast radius of a requested change.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// riskRank orders risk levels for max() comparisons.
var riskRank = map[RiskLevel]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// atLeast returns the higher of the two risk levels.
func (r RiskLevel) atLeast(min RiskLevel) RiskLevel {
	if riskRank[r] < riskRank[min] {
		return min
	}
	return r
}

// Policy maps each risk level to whether human approval is required.
// Levels not requiring approval are approved automatically on submission.
type Policy map[RiskLevel]bool

// RequiresApproval reports whether the level needs a human decision.
// Unknown levels default to requiring approval.
func (p Policy) RequiresApproval(level RiskLevel) bool {
	required, ok := p[level]
	if !ok {
		return true
	}
	return required
}

// Request is one governance approval request.
//
// AutomationID is nil for creation requests until approval creates the
// automation. ExternalID always carries the platform-side identifier.
type Request struct {
	ID           string       `json:"id"`
	AutomationID *string      `json:"automation_id,omitempty"`
	ExternalID   string       `json:"external_id"`
	WorkflowType WorkflowType `json:"workflow_type"`
	Status       Status       `json:"status"`
	RiskLevel    RiskLevel    `json:"risk_level"`

	// Payload carries the requested change. For creation: name,
	// description, config. For modification: config. Empty for retirement.
	Payload map[string]any `json:"payload,omitempty"`

	RequestedBy  string  `json:"requested_by"`
	DecidedBy    *string `json:"decided_by,omitempty"`
	DecisionNote *string `json:"decision_note,omitempty"`

	// EmergencyStopTriggered marks requests rejected by an emergency
	// stop (a sweep or an escalation) rather than an ordinary decision.
	EmergencyStopTriggered bool `json:"emergency_stop_triggered"`

	CreatedAt time.Time  `json:"created_at"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
}
