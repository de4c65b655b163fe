package lifecycle

import "time"

// State represents the lifecycle state of an automation.
type State string

const (
	// StatePendingApproval is the initial state. The automation exists but
	// cannot execute until its creation request is approved.
	StatePendingApproval State = "pending_approval"

	// StateActive means the automation is deployed and executing.
	StateActive State = "active"

	// StateInactive means the automation is deployed but paused.
	StateInactive State = "inactive"

	// StateRetired is terminal. No transitions leave this state.
	StateRetired State = "retired"
)

// ValidStates is the set of recognised lifecycle states.
var ValidStates = []State{StatePendingApproval, StateActive, StateInactive, StateRetired}

// IsValidState returns true if s is a recognised lifecycle state.
func IsValidState(s State) bool {
	for _, v := range ValidStates {
		if s == v {
			return true
		}
	}
	return false
}

// legalEdges defines the allowed state transitions. Any pair not listed
// here is rejected with ErrInvalidTransition. Forced transitions
// (emergency stop) bypass this table but never leave StateRetired.
var legalEdges = map[State][]State{
	StatePendingApproval: {StateActive, StateRetired},
	StateActive:          {StateInactive, StateRetired},
	StateInactive:        {StateActive, StateRetired},
	StateRetired:         {},
}

// CanTransition returns true if the edge from→to is legal.
// A same-state "transition" is never legal through the normal path.
func CanTransition(from, to State) bool {
	for _, v := range legalEdges[from] {
		if v == to {
			return true
		}
	}
	return false
}

// Transition reasons recorded in the audit trail.
const (
	ReasonApproval      = "approval"
	ReasonUserAction    = "user_action"
	ReasonEmergencyStop = "emergency_stop"
	ReasonRollback      = "rollback"
	ReasonRecovery      = "recovery"
	ReasonRetirement    = "retirement"
)

// Automation represents a governed smart-home automation.
type Automation struct {
	// Identity
	ID         string `json:"id"`
	ExternalID string `json:"external_id"` // ID on the home-automation platform
	Name       string `json:"name"`

	// Description (optional)
	Description *string `json:"description,omitempty"`

	// Governance state
	State   State `json:"state"`
	Version int   `json:"version"`
	Enabled bool  `json:"enabled"`

	// Platform configuration (deployed verbatim on activation)
	Config map[string]any `json:"config"`

	// Execution statistics
	ExecutionCount int     `json:"execution_count"`
	SuccessRate    float64 `json:"success_rate"`
	AvgDurationMS  float64 `json:"avg_duration_ms"`

	// Audit
	CreatedBy *string   `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeepCopy returns a full copy of the automation, including the config map.
// The registry hands out copies so callers can mutate freely.
func (a *Automation) DeepCopy() *Automation {
	if a == nil {
		return nil
	}
	cp := *a
	if a.Description != nil {
		d := *a.Description
		cp.Description = &d
	}
	if a.CreatedBy != nil {
		c := *a.CreatedBy
		cp.CreatedBy = &c
	}
	if a.Config != nil {
		cp.Config = deepCopyMap(a.Config)
	}
	return &cp
}

// deepCopyMap copies a JSON-shaped map (maps, slices, scalars).
func deepCopyMap(m map[string]any) map[string]any {
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyValue(v)
	}
	return cp
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		cp := make([]any, len(t))
		for i, e := range t {
			cp[i] = deepCopyValue(e)
		}
		return cp
	default:
		return v
	}
}

// Stats summarises an automation's lifecycle in one read: current state,
// how long its audit trail is, and its execution metrics.
type Stats struct {
	AutomationID    string  `json:"automation_id"`
	State           State   `json:"state"`
	TransitionCount int     `json:"transition_count"`
	ExecutionCount  int     `json:"execution_count"`
	SuccessRate     float64 `json:"success_rate"`
	AvgDurationMS   float64 `json:"avg_duration_ms"`
}

// Transition is one entry in an automation's append-only audit trail.
// Seq is monotonic per automation, starting at 1.
type Transition struct {
	ID           string         `json:"id"`
	AutomationID string         `json:"automation_id"`
	Seq          int64          `json:"seq"`
	FromState    State          `json:"from_state"`
	ToState      State          `json:"to_state"`
	Reason       string         `json:"reason"`
	InitiatedBy  string         `json:"initiated_by"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}
