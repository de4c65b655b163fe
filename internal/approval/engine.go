package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wtthornton/tappsha-core/internal/backup"
	"github.com/wtthornton/tappsha-core/internal/lifecycle"
)

// SystemAutoApprover is recorded as the decider for requests whose risk
// level does not require human approval.
const SystemAutoApprover = "system:auto-approval"

// Logger defines the logging interface used by the Engine.
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

// Lifecycle is the interface the engine needs from the lifecycle engine.
type Lifecycle interface {
	Create(ctx context.Context, a *lifecycle.Automation) error
	Get(ctx context.Context, id string) (*lifecycle.Automation, error)
	GetByExternalID(ctx context.Context, externalID string) (*lifecycle.Automation, error)
	TransitionHeld(ctx context.Context, id string, to lifecycle.State, initiatedBy, reason string, metadata map[string]any) (*lifecycle.Transition, error)
	ApplyConfigHeld(ctx context.Context, id string, config map[string]any, initiatedBy string, metadata map[string]any) (*lifecycle.Automation, error)
	Locker() *lifecycle.KeyMutex
}

// Backups is the interface for snapshotting before destructive approvals.
type Backups interface {
	SnapshotHeld(ctx context.Context, a *lifecycle.Automation, trigger backup.Trigger, createdBy string) (*backup.Backup, error)
}

// EmergencyStopper lets a rejection escalate into an emergency stop.
// Implemented by the emergency coordinator; wired via SetStopper after
// construction to break the dependency cycle between the two packages.
type EmergencyStopper interface {
	StopOne(ctx context.Context, automationID, triggeredBy, reason string) error
}

// Notifier receives every request status change.
type Notifier interface {
	NotifyApproval(req *Request)
}

// Metrics is the interface for recording approval telemetry.
type Metrics interface {
	WriteApprovalMetric(workflowType, riskLevel string, approved bool)
}

// Engine runs the approval workflow: submission with risk classification,
// idempotent decisions, and execution of approved changes through the
// lifecycle engine (with a backup snapshot first for destructive ones).
//
// Thread Safety: all public methods are safe for concurrent use.
// Decisions on the same request serialise: a second approver arriving
// while a decision executes waits and then lands on the idempotent
// terminal-status path. Only a cancellation racing an in-flight decision
// fails fast, with ErrAlreadyProcessing.
type Engine struct {
	repo      Repository
	lifecycle Lifecycle
	backups   Backups
	policy    Policy
	stopper   EmergencyStopper
	notifier  Notifier
	metrics   Metrics
	logger    Logger

	decisions *lifecycle.KeyMutex
}

// NewEngine creates a new approval engine.
func NewEngine(repo Repository, lc Lifecycle, backups Backups, policy Policy, logger Logger) *Engine {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Engine{
		repo:      repo,
		lifecycle: lc,
		backups:   backups,
		policy:    policy,
		logger:    logger,
		decisions: lifecycle.NewKeyMutex(),
	}
}

// SetStopper wires the emergency stop coordinator. Called once during
// startup; the coordinator is constructed after the approval engine.
func (e *Engine) SetStopper(s EmergencyStopper) {
	e.stopper = s
}

// SetNotifier sets the request notifier.
func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

// SetMetrics sets the telemetry writer. May be left nil.
func (e *Engine) SetMetrics(m Metrics) {
	e.metrics = m
}

// Submit registers a new approval request. The risk level is classified
// from the workflow and requested config; requests whose level does not
// require approval under the policy are approved immediately with the
// system approver.
//
// For creation requests, ExternalID and a payload with name and config
// are required. For modification and retirement, AutomationID must
// reference an existing live automation.
func (e *Engine) Submit(ctx context.Context, req *Request) error {
	if !IsValidWorkflowType(req.WorkflowType) {
		return fmt.Errorf("%w: unknown workflow type %q", ErrInvalidRequest, req.WorkflowType)
	}
	if req.RequestedBy == "" {
		return fmt.Errorf("%w: requested_by is required", ErrInvalidRequest)
	}

	var prior *lifecycle.Automation

	switch req.WorkflowType {
	case WorkflowCreation:
		if req.ExternalID == "" {
			return fmt.Errorf("%w: creation requires external_id", ErrInvalidRequest)
		}
		if name, _ := req.Payload["name"].(string); name == "" {
			return fmt.Errorf("%w: creation payload requires name", ErrInvalidRequest)
		}
		if _, err := e.lifecycle.GetByExternalID(ctx, req.ExternalID); err == nil {
			return fmt.Errorf("%w: live automation already holds %s", ErrConflict, req.ExternalID)
		}
	case WorkflowModification, WorkflowRetirement:
		if req.AutomationID == nil {
			return fmt.Errorf("%w: %s requires automation_id", ErrInvalidRequest, req.WorkflowType)
		}
		a, err := e.lifecycle.Get(ctx, *req.AutomationID)
		if err != nil {
			return err
		}
		if a.State == lifecycle.StateRetired {
			return lifecycle.ErrRetired
		}
		req.ExternalID = a.ExternalID
		prior = a
		if req.WorkflowType == WorkflowModification {
			if _, ok := req.Payload["config"].(map[string]any); !ok {
				return fmt.Errorf("%w: modification payload requires config", ErrInvalidRequest)
			}
		}
	}

	conflict, err := e.repo.HasPendingConflict(ctx, req.ExternalID)
	if err != nil {
		return err
	}
	if conflict {
		return fmt.Errorf("%w: pending request exists for %s", ErrConflict, req.ExternalID)
	}

	var executions int
	var successRate float64
	if prior != nil {
		executions, successRate = prior.ExecutionCount, prior.SuccessRate
	}

	req.Status = StatusPending
	req.RiskLevel = Classify(req.WorkflowType, configFromPayload(req), executions, successRate)

	if err := e.repo.Create(ctx, req); err != nil {
		return err
	}

	e.logger.Info("approval request submitted",
		"request_id", req.ID, "workflow", req.WorkflowType, "risk", req.RiskLevel,
		"external_id", req.ExternalID, "by", req.RequestedBy)
	e.notify(req)

	if !e.policy.RequiresApproval(req.RiskLevel) {
		approved, err := e.Approve(ctx, req.ID, SystemAutoApprover, "auto-approved by risk policy")
		if err != nil {
			e.logger.Error("auto-approval failed", "request_id", req.ID, "error", err)
			return fmt.Errorf("auto-approving request %s: %w", req.ID, err)
		}
		*req = *approved
	}
	return nil
}

// Get retrieves a request by ID.
func (e *Engine) Get(ctx context.Context, id string) (*Request, error) {
	return e.repo.GetByID(ctx, id)
}

// List retrieves requests, optionally filtered by status.
func (e *Engine) List(ctx context.Context, status Status, limit int) ([]Request, error) {
	return e.repo.List(ctx, status, limit)
}

// ListByAutomation retrieves all requests for one automation.
func (e *Engine) ListByAutomation(ctx context.Context, automationID string) ([]Request, error) {
	return e.repo.ListByAutomation(ctx, automationID)
}

// Approve executes a pending request and marks it approved.
//
// Approving an already-approved request is an idempotent no-op returning
// the request unchanged; concurrent approvers serialise, so the loser of
// a race gets the winner's terminal result. Approving a rejected or
// cancelled request returns ErrConflict. If executing the change fails
// (platform down, integrity error), the request stays pending and the
// error is returned: the decision can be retried.
func (e *Engine) Approve(ctx context.Context, id, approver, note string) (*Request, error) {
	release := e.acquire(id)
	defer release()

	req, err := e.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status == StatusApproved {
		return req, nil
	}
	if req.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: request is %s", ErrConflict, req.Status)
	}

	if err := e.execute(ctx, req, approver); err != nil {
		return nil, err
	}

	e.decide(req, StatusApproved, approver, note)
	if err := e.repo.UpdateDecision(ctx, req); err != nil {
		return nil, err
	}

	e.logger.Info("approval request approved",
		"request_id", req.ID, "workflow", req.WorkflowType, "by", approver)
	e.notify(req)
	if e.metrics != nil {
		e.metrics.WriteApprovalMetric(string(req.WorkflowType), string(req.RiskLevel), true)
	}
	return req, nil
}

// Reject declines a pending request. Rejecting an already-rejected
// request is an idempotent no-op; rejecting an approved or cancelled one
// returns ErrConflict.
func (e *Engine) Reject(ctx context.Context, id, approver, note string) (*Request, error) {
	release := e.acquire(id)
	defer release()

	req, err := e.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status == StatusRejected {
		return req, nil
	}
	if req.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: request is %s", ErrConflict, req.Status)
	}

	e.decide(req, StatusRejected, approver, note)
	if err := e.repo.UpdateDecision(ctx, req); err != nil {
		return nil, err
	}

	e.logger.Info("approval request rejected", "request_id", req.ID, "by", approver)
	e.notify(req)
	if e.metrics != nil {
		e.metrics.WriteApprovalMetric(string(req.WorkflowType), string(req.RiskLevel), false)
	}
	return req, nil
}

// Cancel withdraws a pending request. Cancelling an already-cancelled
// request is an idempotent no-op; cancelling a decided one returns
// ErrConflict, and cancelling while a decision is executing returns
// ErrAlreadyProcessing.
func (e *Engine) Cancel(ctx context.Context, id, by string) (*Request, error) {
	release, err := e.tryAcquire(id)
	if err != nil {
		return nil, err
	}
	defer release()

	req, err := e.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status == StatusCancelled {
		return req, nil
	}
	if req.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: request is %s", ErrConflict, req.Status)
	}

	e.decide(req, StatusCancelled, by, "")
	if err := e.repo.UpdateDecision(ctx, req); err != nil {
		return nil, err
	}

	e.logger.Info("approval request cancelled", "request_id", req.ID, "by", by)
	e.notify(req)
	return req, nil
}

// Escalate rejects a pending request, marks it emergency-stop-triggered,
// and emergency-stops its automation. Used when a reviewer judges a
// requested change dangerous enough that the existing automation should
// not keep running either.
func (e *Engine) Escalate(ctx context.Context, id, approver, reason string) (*Request, error) {
	req, err := e.rejectForStop(ctx, id, approver, reason)
	if err != nil {
		return nil, err
	}
	if req.AutomationID == nil {
		return req, nil
	}
	if e.stopper == nil {
		return req, errors.New("approval: no emergency stop coordinator wired")
	}

	if err := e.stopper.StopOne(ctx, *req.AutomationID, approver, "escalated from approval "+req.ID); err != nil {
		return req, fmt.Errorf("escalating request %s: %w", req.ID, err)
	}
	return req, nil
}

// rejectForStop is Reject with the emergency stop flag persisted on the
// request before the decision lands.
func (e *Engine) rejectForStop(ctx context.Context, id, approver, reason string) (*Request, error) {
	release := e.acquire(id)
	defer release()

	req, err := e.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status == StatusRejected {
		return req, nil
	}
	if req.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: request is %s", ErrConflict, req.Status)
	}

	req.EmergencyStopTriggered = true
	e.decide(req, StatusRejected, approver, reason)
	if err := e.repo.UpdateDecision(ctx, req); err != nil {
		return nil, err
	}

	e.logger.Warn("approval request rejected by escalation",
		"request_id", req.ID, "workflow", req.WorkflowType, "by", approver)
	e.notify(req)
	if e.metrics != nil {
		e.metrics.WriteApprovalMetric(string(req.WorkflowType), string(req.RiskLevel), false)
	}
	return req, nil
}

// RejectPendingForStop sweeps pending requests into rejected with the
// emergency stop flag. Called by the emergency coordinator; it never
// calls back into the coordinator, so there is no recursion between the
// two packages. With automationID empty, every pending request is swept.
func (e *Engine) RejectPendingForStop(ctx context.Context, automationID string) ([]Request, error) {
	swept, err := e.repo.RejectPending(ctx, automationID)
	if err != nil {
		return nil, err
	}
	for i := range swept {
		e.notify(&swept[i])
	}
	if len(swept) > 0 {
		e.logger.Info("pending approvals swept by emergency stop",
			"automation_id", automationID, "count", len(swept))
	}
	return swept, nil
}

// execute applies an approved request's change through the lifecycle
// engine, holding the automation's lock across backup and transition.
func (e *Engine) execute(ctx context.Context, req *Request, approver string) error {
	metadata := map[string]any{"approval_id": req.ID}

	switch req.WorkflowType {
	case WorkflowCreation:
		a, err := e.lifecycle.GetByExternalID(ctx, req.ExternalID)
		if errors.Is(err, lifecycle.ErrNotFound) {
			a = &lifecycle.Automation{
				ExternalID:  req.ExternalID,
				Name:        stringFromPayload(req, "name"),
				Config:      configFromPayload(req),
				CreatedBy:   &req.RequestedBy,
				Description: optionalStringFromPayload(req, "description"),
			}
			if err := e.lifecycle.Create(ctx, a); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		req.AutomationID = &a.ID

		e.lifecycle.Locker().Lock(a.ID)
		defer e.lifecycle.Locker().Unlock(a.ID)
		_, err = e.lifecycle.TransitionHeld(ctx, a.ID, lifecycle.StateActive, approver, lifecycle.ReasonApproval, metadata)
		return err

	case WorkflowModification:
		id := *req.AutomationID
		e.lifecycle.Locker().Lock(id)
		defer e.lifecycle.Locker().Unlock(id)

		a, err := e.lifecycle.Get(ctx, id)
		if err != nil {
			return err
		}
		if _, err := e.backups.SnapshotHeld(ctx, a, backup.TriggerModification, approver); err != nil {
			return err
		}
		_, err = e.lifecycle.ApplyConfigHeld(ctx, id, configFromPayload(req), approver, metadata)
		return err

	case WorkflowRetirement:
		id := *req.AutomationID
		e.lifecycle.Locker().Lock(id)
		defer e.lifecycle.Locker().Unlock(id)

		a, err := e.lifecycle.Get(ctx, id)
		if err != nil {
			return err
		}
		if _, err := e.backups.SnapshotHeld(ctx, a, backup.TriggerRetirement, approver); err != nil {
			return err
		}
		_, err = e.lifecycle.TransitionHeld(ctx, id, lifecycle.StateRetired, approver, lifecycle.ReasonRetirement, metadata)
		return err
	}
	return fmt.Errorf("%w: unknown workflow type %q", ErrInvalidRequest, req.WorkflowType)
}

// acquire serialises decisions on a request. A caller losing the race
// blocks until the winner finishes, then observes the terminal status.
func (e *Engine) acquire(id string) func() {
	e.decisions.Lock(id)
	return func() { e.decisions.Unlock(id) }
}

// tryAcquire is acquire without blocking. Used by cancellation: a cancel
// racing a decision in flight fails fast instead of queueing up to lose.
func (e *Engine) tryAcquire(id string) (func(), error) {
	if !e.decisions.TryLock(id) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyProcessing, id)
	}
	return func() { e.decisions.Unlock(id) }, nil
}

func (e *Engine) decide(req *Request, status Status, by, note string) {
	now := time.Now().UTC().Truncate(time.Second)
	req.Status = status
	req.DecidedBy = &by
	req.DecidedAt = &now
	if note != "" {
		req.DecisionNote = &note
	}
}

func (e *Engine) notify(req *Request) {
	if e.notifier != nil {
		e.notifier.NotifyApproval(req)
	}
}

func configFromPayload(req *Request) map[string]any {
	cfg, _ := req.Payload["config"].(map[string]any)
	return cfg
}

func stringFromPayload(req *Request, key string) string {
	s, _ := req.Payload[key].(string)
	return s
}

func optionalStringFromPayload(req *Request, key string) *string {
	s, ok := req.Payload[key].(string)
	if !ok || s == "" {
		return nil
	}
	return &s
}
