package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/wtthornton/tappsha-core/internal/approval"
	"github.com/wtthornton/tappsha-core/internal/emergency"
	"github.com/wtthornton/tappsha-core/internal/lifecycle"
	"github.com/wtthornton/tappsha-core/internal/suggestion"
)

// Notification is the only message shape the realtime layer publishes.
// Every governance event is reduced to this envelope before it reaches a
// session; raw domain objects never cross the wire.
type Notification struct {
	Type       string    `json:"type"`
	ResourceID string    `json:"resource_id"`
	Status     string    `json:"status"`
	Summary    string    `json:"summary"`
	Timestamp  time.Time `json:"timestamp"`
	Detail     any       `json:"detail,omitempty"`
}

// Dispatcher is the sole publisher of governance notifications. It
// implements the notifier interfaces of the lifecycle, approval,
// emergency, and suggestion packages and shapes their events into
// Notification messages for the broker.
type Dispatcher struct {
	broker *Broker
	logger Logger
}

// NewDispatcher creates a dispatcher over the given broker.
func NewDispatcher(broker *Broker, logger Logger) *Dispatcher {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Dispatcher{broker: broker, logger: logger}
}

// NotifyTransition publishes a lifecycle transition as an
// automation_update notification.
func (d *Dispatcher) NotifyTransition(a *lifecycle.Automation, tr *lifecycle.Transition) {
	d.publish(EventAutomationUpdate, Notification{
		Type:       EventAutomationUpdate,
		ResourceID: a.ID,
		Status:     string(tr.ToState),
		Summary:    fmt.Sprintf("%s moved %s -> %s (%s)", a.Name, tr.FromState, tr.ToState, tr.Reason),
		Timestamp:  tr.CreatedAt,
		Detail: map[string]any{
			"external_id": a.ExternalID,
			"from_state":  tr.FromState,
			"to_state":    tr.ToState,
			"seq":         tr.Seq,
			"reason":      tr.Reason,
		},
	})
}

// NotifyApproval publishes an approval request status change.
func (d *Dispatcher) NotifyApproval(req *approval.Request) {
	summary := fmt.Sprintf("%s request for %s is %s", req.WorkflowType, req.ExternalID, req.Status)
	if req.EmergencyStopTriggered {
		summary += " (emergency stop)"
	}
	d.publish(EventApprovalUpdate, Notification{
		Type:       EventApprovalUpdate,
		ResourceID: req.ID,
		Status:     string(req.Status),
		Summary:    summary,
		Timestamp:  time.Now().UTC(),
		Detail: map[string]any{
			"workflow_type":            req.WorkflowType,
			"risk_level":               req.RiskLevel,
			"external_id":              req.ExternalID,
			"emergency_stop_triggered": req.EmergencyStopTriggered,
		},
	})
}

// NotifyEmergencyStop publishes a stop event or recovery update.
func (d *Dispatcher) NotifyEmergencyStop(ev *emergency.Event) {
	d.publish(EventEmergencyStop, Notification{
		Type:       EventEmergencyStop,
		ResourceID: ev.ID,
		Status:     string(ev.RecoveryStatus),
		Summary: fmt.Sprintf("emergency stop (%s) affecting %d automation(s), %d failure(s)",
			ev.StopType, len(ev.AutomationIDs), len(ev.Failures)),
		Timestamp: time.Now().UTC(),
		Detail: map[string]any{
			"stop_type":       ev.StopType,
			"automation_ids":  ev.AutomationIDs,
			"failures":        ev.Failures,
			"recovery_status": ev.RecoveryStatus,
		},
	})
}

// NotifySuggestion publishes an optimization suggestion status change.
func (d *Dispatcher) NotifySuggestion(s *suggestion.OptimizationSuggestion) {
	d.publish(EventSuggestionUpdate, Notification{
		Type:       EventSuggestionUpdate,
		ResourceID: s.ID,
		Status:     string(s.Status),
		Summary:    fmt.Sprintf("suggestion %q is %s", s.Title, s.Status),
		Timestamp:  time.Now().UTC(),
		Detail: map[string]any{
			"automation_id": s.AutomationID,
			"confidence":    s.Confidence,
		},
	})
}

// publish marshals the notification and hands it to the broker scoped by
// the notification's resource id, so sessions watching one resource only
// see that resource's events.
func (d *Dispatcher) publish(eventType string, n Notification) {
	data, err := json.Marshal(n)
	if err != nil {
		d.logger.Error("marshalling notification failed", "type", eventType, "error", err)
		return
	}
	d.broker.Publish(eventType, n.ResourceID, data)
}
