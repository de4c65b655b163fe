package emergency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wtthornton/tappsha-core/internal/approval"
	"github.com/wtthornton/tappsha-core/internal/lifecycle"
)

// Logger defines the logging interface used by the Coordinator.
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

// Lifecycle is the interface the coordinator needs from the lifecycle engine.
type Lifecycle interface {
	Get(ctx context.Context, id string) (*lifecycle.Automation, error)
	List(ctx context.Context) ([]lifecycle.Automation, error)
	ForceTransitionHeld(ctx context.Context, id string, to lifecycle.State, initiatedBy, reason string, metadata map[string]any) (*lifecycle.Transition, error)
	TransitionHeld(ctx context.Context, id string, to lifecycle.State, initiatedBy, reason string, metadata map[string]any) (*lifecycle.Transition, error)
	Locker() *lifecycle.KeyMutex
}

// ApprovalSweeper rejects pending approval requests during a stop,
// flagging each as stop-triggered. The approval engine implements this
// with a sweep that never calls back into the coordinator, so escalation
// cannot recurse.
type ApprovalSweeper interface {
	RejectPendingForStop(ctx context.Context, automationID string) ([]approval.Request, error)
}

// Notifier receives every stop event, including recovery updates.
type Notifier interface {
	NotifyEmergencyStop(ev *Event)
}

// Metrics is the interface for recording stop telemetry.
type Metrics interface {
	WriteEmergencyStopMetric(stopType string, affected, failed int)
}

// Coordinator executes emergency stops and recoveries.
//
// A stop forces automations to inactive regardless of the normal
// transition rules (retired stays retired), rejects their pending
// approval requests, and records an auditable event. Each automation is
// handled atomically: a failure on one never rolls back another.
//
// Thread Safety: all public methods are safe for concurrent use.
type Coordinator struct {
	repo      Repository
	lifecycle Lifecycle
	approvals ApprovalSweeper
	notifier  Notifier
	metrics   Metrics
	logger    Logger
}

// NewCoordinator creates a new emergency stop coordinator.
func NewCoordinator(repo Repository, lc Lifecycle, approvals ApprovalSweeper, logger Logger) *Coordinator {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Coordinator{
		repo:      repo,
		lifecycle: lc,
		approvals: approvals,
		logger:    logger,
	}
}

// SetNotifier sets the event notifier.
func (c *Coordinator) SetNotifier(n Notifier) {
	c.notifier = n
}

// SetMetrics sets the telemetry writer. May be left nil.
func (c *Coordinator) SetMetrics(m Metrics) {
	c.metrics = m
}

// StopOne forces a single automation to inactive and rejects its pending
// approval requests. Stopping an already-inactive automation still
// sweeps approvals and records the event.
//
// Returns lifecycle.ErrRetired for retired automations.
func (c *Coordinator) StopOne(ctx context.Context, automationID, triggeredBy, reason string) error {
	_, err := c.lifecycle.Get(ctx, automationID)
	if err != nil {
		return err
	}

	ev := &Event{
		StopType:      StopSingle,
		AutomationIDs: []string{automationID},
		TriggeredBy:   triggeredBy,
	}
	if reason != "" {
		ev.Reason = &reason
	}

	stopErr := c.stopAutomation(ctx, automationID, triggeredBy, reason)
	if stopErr != nil && !errors.Is(stopErr, lifecycle.ErrRetired) {
		ev.Failures = append(ev.Failures, Failure{AutomationID: automationID, Error: stopErr.Error()})
	}

	if errors.Is(stopErr, lifecycle.ErrRetired) {
		return stopErr
	}

	if _, err := c.approvals.RejectPendingForStop(ctx, automationID); err != nil {
		c.logger.Error("approval sweep failed during stop", "automation_id", automationID, "error", err)
	}

	c.record(ctx, ev)
	return stopErr
}

// StopAll forces every non-retired automation to inactive and rejects
// all pending approval requests. With zero automations the stop still
// succeeds, recording an event with empty lists.
//
// Returns a *PartialFailureError listing the automations that could not
// be stopped; the rest stay stopped.
func (c *Coordinator) StopAll(ctx context.Context, triggeredBy, reason string) (*Event, error) {
	automations, err := c.lifecycle.List(ctx)
	if err != nil {
		return nil, err
	}

	ev := &Event{
		StopType:    StopAll,
		TriggeredBy: triggeredBy,
	}
	if reason != "" {
		ev.Reason = &reason
	}

	for _, a := range automations {
		if a.State == lifecycle.StateRetired {
			continue
		}
		ev.AutomationIDs = append(ev.AutomationIDs, a.ID)
		if err := c.stopAutomation(ctx, a.ID, triggeredBy, reason); err != nil {
			ev.Failures = append(ev.Failures, Failure{AutomationID: a.ID, Error: err.Error()})
		}
	}

	// Sweep everything pending, including creation requests that have no
	// automation yet.
	if _, err := c.approvals.RejectPendingForStop(ctx, ""); err != nil {
		c.logger.Error("approval sweep failed during stop-all", "error", err)
	}

	c.record(ctx, ev)

	if len(ev.Failures) > 0 {
		return ev, &PartialFailureError{Failures: ev.Failures}
	}
	return ev, nil
}

// Get retrieves a stop event by ID.
func (c *Coordinator) Get(ctx context.Context, id string) (*Event, error) {
	return c.repo.GetByID(ctx, id)
}

// List retrieves stop events, newest first.
func (c *Coordinator) List(ctx context.Context, limit int) ([]Event, error) {
	return c.repo.List(ctx, limit)
}

// Recover reactivates the automations an event stopped. The event moves
// pending → in_progress → completed/failed; completed only when every
// automation recovered (automations retired since the stop are skipped,
// not failed). A failed recovery can be retried.
func (c *Coordinator) Recover(ctx context.Context, eventID, triggeredBy string) (*Event, error) {
	ev, err := c.repo.GetByID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	switch ev.RecoveryStatus {
	case RecoveryInProgress:
		return nil, ErrRecoveryInProgress
	case RecoveryCompleted:
		return nil, ErrRecoveryDone
	case RecoveryPending, RecoveryFailed:
	}

	ev.RecoveryStatus = RecoveryInProgress
	if err := c.repo.UpdateRecovery(ctx, ev); err != nil {
		return nil, err
	}
	c.notify(ev)

	results := make(map[string]string, len(ev.AutomationIDs))
	failed := false
	for _, id := range ev.AutomationIDs {
		outcome := c.recoverAutomation(ctx, id, triggeredBy, eventID)
		results[id] = outcome.message
		if outcome.failed {
			failed = true
		}
	}

	now := time.Now().UTC().Truncate(time.Second)
	ev.RecoveryResults = results
	ev.RecoveredAt = &now
	if failed {
		ev.RecoveryStatus = RecoveryFailed
	} else {
		ev.RecoveryStatus = RecoveryCompleted
	}

	if err := c.repo.UpdateRecovery(ctx, ev); err != nil {
		return nil, err
	}

	c.logger.Info("emergency stop recovery finished",
		"event_id", ev.ID, "status", ev.RecoveryStatus, "automations", len(ev.AutomationIDs))
	c.notify(ev)
	return ev, nil
}

type recoveryOutcome struct {
	message string
	failed  bool
}

func (c *Coordinator) recoverAutomation(ctx context.Context, id, triggeredBy, eventID string) recoveryOutcome {
	c.lifecycle.Locker().Lock(id)
	defer c.lifecycle.Locker().Unlock(id)

	a, err := c.lifecycle.Get(ctx, id)
	if err != nil {
		return recoveryOutcome{message: err.Error(), failed: true}
	}
	switch a.State {
	case lifecycle.StateRetired:
		return recoveryOutcome{message: "skipped: retired"}
	case lifecycle.StateActive:
		return recoveryOutcome{message: "skipped: already active"}
	case lifecycle.StateInactive:
	default:
		return recoveryOutcome{message: fmt.Sprintf("skipped: state %s", a.State)}
	}

	_, err = c.lifecycle.TransitionHeld(ctx, id, lifecycle.StateActive, triggeredBy,
		lifecycle.ReasonRecovery, map[string]any{"event_id": eventID})
	if err != nil {
		return recoveryOutcome{message: err.Error(), failed: true}
	}
	return recoveryOutcome{message: "recovered"}
}

// stopAutomation forces one automation to inactive under its lock.
func (c *Coordinator) stopAutomation(ctx context.Context, id, triggeredBy, reason string) error {
	c.lifecycle.Locker().Lock(id)
	defer c.lifecycle.Locker().Unlock(id)

	metadata := map[string]any{}
	if reason != "" {
		metadata["reason"] = reason
	}
	_, err := c.lifecycle.ForceTransitionHeld(ctx, id, lifecycle.StateInactive, triggeredBy,
		lifecycle.ReasonEmergencyStop, metadata)
	return err
}

// record persists and publishes a stop event. Persistence failure is
// logged, not returned: the stop itself already happened.
func (c *Coordinator) record(ctx context.Context, ev *Event) {
	if err := c.repo.Create(ctx, ev); err != nil {
		c.logger.Error("recording stop event failed", "error", err)
	}

	c.logger.Warn("emergency stop executed",
		"event_id", ev.ID, "stop_type", ev.StopType,
		"affected", len(ev.AutomationIDs), "failed", len(ev.Failures),
		"by", ev.TriggeredBy)

	if c.metrics != nil {
		c.metrics.WriteEmergencyStopMetric(string(ev.StopType), len(ev.AutomationIDs), len(ev.Failures))
	}
	c.notify(ev)
}

func (c *Coordinator) notify(ev *Event) {
	if c.notifier != nil {
		c.notifier.NotifyEmergencyStop(ev)
	}
}
