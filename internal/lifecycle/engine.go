package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Logger defines the logging interface used by the Engine.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Platform is the interface the engine needs for deploying state changes
// to the home-automation platform. Implementations should return an error
// wrapping ErrPlatformUnavailable for transient connectivity failures.
type Platform interface {
	// Activate deploys the automation's config and enables it.
	Activate(ctx context.Context, a *Automation) error

	// Deactivate pauses the automation without removing it.
	Deactivate(ctx context.Context, a *Automation) error

	// Retire removes the automation from the platform.
	Retire(ctx context.Context, a *Automation) error
}

// Notifier receives every committed transition. The realtime dispatcher
// implements this to fan notifications out to subscribed sessions.
type Notifier interface {
	NotifyTransition(a *Automation, tr *Transition)
}

// Metrics is the interface for recording lifecycle telemetry.
type Metrics interface {
	WriteTransitionMetric(automationID, toState string, durationMS float64)
	WritePoint(measurement string, tags map[string]string, fields map[string]any)
}

// RetryConfig bounds platform call retries.
type RetryConfig struct {
	MaxAttempts int
	Delay       time.Duration
}

// Engine owns all lifecycle state changes.
//
// Every transition for a given automation is serialised through a
// per-automation mutex, so the audit trail's sequence numbers are strictly
// monotonic and notifications observe transitions in commit order.
//
// Thread Safety: all public methods are safe for concurrent use.
type Engine struct {
	repo     Repository
	locks    *KeyMutex
	platform Platform
	notifier Notifier
	metrics  Metrics
	retry    RetryConfig
	logger   Logger
}

// NewEngine creates a new lifecycle engine.
//
// Parameters:
//   - repo: Repository for automation and transition persistence
//   - platform: Adapter for deploying changes to the platform (may be nil in tests)
//   - retry: Bounds for platform call retries
//   - logger: Logger instance (nil for no logging)
func NewEngine(repo Repository, platform Platform, retry RetryConfig, logger Logger) *Engine {
	if logger == nil {
		logger = noopLogger{}
	}
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}
	return &Engine{
		repo:     repo,
		locks:    NewKeyMutex(),
		platform: platform,
		retry:    retry,
		logger:   logger,
	}
}

// SetNotifier sets the transition notifier. Called once during startup
// wiring; the realtime layer is constructed after the engine.
func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

// SetMetrics sets the telemetry writer. May be left nil when telemetry
// is disabled.
func (e *Engine) SetMetrics(m Metrics) {
	e.metrics = m
}

// Locker exposes the per-automation mutex so composing packages
// (approvals, backups, emergency stop) can hold an automation's lock
// across multi-step operations, calling the *Held variants inside.
func (e *Engine) Locker() *KeyMutex {
	return e.locks
}

// Create registers a new automation in pending_approval state.
// Returns ErrExists if a live automation already holds the external ID.
func (e *Engine) Create(ctx context.Context, a *Automation) error {
	if a.ExternalID == "" || a.Name == "" {
		return fmt.Errorf("%w: external_id and name are required", ErrInvalidAutomation)
	}
	a.State = StatePendingApproval
	a.Enabled = true
	return e.repo.Create(ctx, a)
}

// Get retrieves an automation by internal ID.
func (e *Engine) Get(ctx context.Context, id string) (*Automation, error) {
	return e.repo.GetByID(ctx, id)
}

// GetByExternalID retrieves the live automation for a platform ID.
func (e *Engine) GetByExternalID(ctx context.Context, externalID string) (*Automation, error) {
	return e.repo.GetByExternalID(ctx, externalID)
}

// List retrieves all automations.
func (e *Engine) List(ctx context.Context) ([]Automation, error) {
	return e.repo.List(ctx)
}

// ListByState retrieves automations in the given state.
func (e *Engine) ListByState(ctx context.Context, state State) ([]Automation, error) {
	return e.repo.ListByState(ctx, state)
}

// GetStats returns a one-read summary of an automation: current state,
// audit-trail length, and execution metrics.
func (e *Engine) GetStats(ctx context.Context, id string) (*Stats, error) {
	a, err := e.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	count, err := e.repo.CountTransitions(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Stats{
		AutomationID:    a.ID,
		State:           a.State,
		TransitionCount: count,
		ExecutionCount:  a.ExecutionCount,
		SuccessRate:     a.SuccessRate,
		AvgDurationMS:   a.AvgDurationMS,
	}, nil
}

// ListTransitions retrieves an automation's audit trail, newest first.
func (e *Engine) ListTransitions(ctx context.Context, automationID string, limit int) ([]Transition, error) {
	if _, err := e.repo.GetByID(ctx, automationID); err != nil {
		return nil, err
	}
	return e.repo.ListTransitions(ctx, automationID, limit)
}

// Transition moves an automation along a legal edge, acquiring the
// automation's lock for the duration.
//
// Returns:
//   - ErrNotFound if the automation doesn't exist
//   - ErrRetired if the automation is retired
//   - ErrInvalidTransition if the edge is not legal
//   - ErrPlatformUnavailable (wrapped) if the platform call fails after retries
func (e *Engine) Transition(ctx context.Context, id string, to State, initiatedBy, reason string, metadata map[string]any) (*Transition, error) {
	e.locks.Lock(id)
	defer e.locks.Unlock(id)
	return e.TransitionHeld(ctx, id, to, initiatedBy, reason, metadata)
}

// TransitionHeld is Transition for callers already holding the
// automation's lock via Locker().
func (e *Engine) TransitionHeld(ctx context.Context, id string, to State, initiatedBy, reason string, metadata map[string]any) (*Transition, error) {
	a, err := e.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if a.State == StateRetired {
		return nil, ErrRetired
	}
	if !CanTransition(a.State, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.State, to)
	}

	return e.commitTransition(ctx, a, to, initiatedBy, reason, metadata)
}

// ForceTransitionHeld moves an automation to the target state without
// consulting the legal-edge table. Used by the emergency stop coordinator
// to force any non-retired automation to inactive. The retired state
// remains terminal even here.
func (e *Engine) ForceTransitionHeld(ctx context.Context, id string, to State, initiatedBy, reason string, metadata map[string]any) (*Transition, error) {
	a, err := e.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if a.State == StateRetired {
		return nil, ErrRetired
	}
	if a.State == to {
		// Already there; record nothing.
		return nil, nil //nolint:nilnil // no-op is not an error
	}

	return e.commitTransition(ctx, a, to, initiatedBy, reason, metadata)
}

// ApplyConfigHeld replaces an automation's config without leaving the
// current state (modification approval). The version is bumped, the new
// config is redeployed to the platform, and a same-state transition is
// committed so the audit trail and subscribers observe the change like
// any other mutation. Caller must hold the automation's lock.
func (e *Engine) ApplyConfigHeld(ctx context.Context, id string, config map[string]any, initiatedBy string, metadata map[string]any) (*Automation, error) {
	a, err := e.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.State == StateRetired {
		return nil, ErrRetired
	}

	a.Config = config
	a.Version++

	if _, err := e.commitTransition(ctx, a, a.State, initiatedBy, ReasonApproval, metadata); err != nil {
		return nil, err
	}
	return a, nil
}

// RestoreConfigHeld applies a snapshot's config and state as a rollback.
// Unlike TransitionHeld, a rollback may land on the automation's current
// state; the transition is still recorded so the audit trail shows the
// restore. Caller must hold the automation's lock.
func (e *Engine) RestoreConfigHeld(ctx context.Context, id string, config map[string]any, toState State, initiatedBy string, metadata map[string]any) (*Transition, error) {
	a, err := e.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.State == StateRetired {
		return nil, ErrRetired
	}
	if toState == StateRetired {
		return nil, fmt.Errorf("%w: cannot roll back into retired", ErrInvalidTransition)
	}

	a.Config = config
	a.Version++

	return e.commitTransition(ctx, a, toState, initiatedBy, ReasonRollback, metadata)
}

// RecordExecution folds one platform execution report into the
// automation's running statistics.
func (e *Engine) RecordExecution(ctx context.Context, id string, success bool, durationMS float64) error {
	e.locks.Lock(id)
	defer e.locks.Unlock(id)

	a, err := e.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	n := float64(a.ExecutionCount)
	successes := a.SuccessRate * n
	if success {
		successes++
	}
	a.ExecutionCount++
	a.SuccessRate = successes / float64(a.ExecutionCount)
	a.AvgDurationMS = (a.AvgDurationMS*n + durationMS) / float64(a.ExecutionCount)

	if err := e.repo.UpdateStats(ctx, id, a.ExecutionCount, a.SuccessRate, a.AvgDurationMS); err != nil {
		return err
	}

	if e.metrics != nil {
		e.metrics.WritePoint("automation_executions",
			map[string]string{"automation_id": id},
			map[string]any{"success": success, "duration_ms": durationMS},
		)
	}
	return nil
}

// commitTransition runs the platform hook, persists the state change and
// audit record atomically, then notifies and records telemetry. Caller
// must hold the automation's lock.
func (e *Engine) commitTransition(ctx context.Context, a *Automation, to State, initiatedBy, reason string, metadata map[string]any) (*Transition, error) {
	start := time.Now()
	from := a.State

	if err := e.deploy(ctx, a, to); err != nil {
		return nil, err
	}

	a.State = to
	tr := &Transition{
		AutomationID: a.ID,
		FromState:    from,
		ToState:      to,
		Reason:       reason,
		InitiatedBy:  initiatedBy,
		Metadata:     metadata,
	}

	if err := e.repo.ApplyTransition(ctx, a, tr); err != nil {
		// Platform and store now disagree; surface loudly.
		e.logger.Error("transition persisted failed after platform call",
			"automation_id", a.ID, "from", from, "to", to, "error", err)
		return nil, err
	}

	durationMS := float64(time.Since(start).Milliseconds())
	e.logger.Info("automation transitioned",
		"automation_id", a.ID, "seq", tr.Seq, "from", from, "to", to,
		"reason", reason, "by", initiatedBy)

	if e.metrics != nil {
		e.metrics.WriteTransitionMetric(a.ID, string(to), durationMS)
	}
	if e.notifier != nil {
		// Published under the automation's lock so subscribers observe
		// transitions in sequence order.
		e.notifier.NotifyTransition(a, tr)
	}
	return tr, nil
}

// deploy runs the platform hook for the target state with bounded retry.
// Transitions out of pending_approval into retired never touched the
// platform, so there is nothing to remove.
func (e *Engine) deploy(ctx context.Context, a *Automation, to State) error {
	if e.platform == nil {
		return nil
	}

	var call func(context.Context, *Automation) error
	switch to {
	case StateActive:
		call = e.platform.Activate
	case StateInactive:
		call = e.platform.Deactivate
	case StateRetired:
		if a.State == StatePendingApproval {
			return nil
		}
		call = e.platform.Retire
	default:
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= e.retry.MaxAttempts; attempt++ {
		lastErr = call(ctx, a)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, ErrPlatformUnavailable) {
			return lastErr
		}
		if attempt < e.retry.MaxAttempts {
			e.logger.Warn("platform call failed, retrying",
				"automation_id", a.ID, "attempt", attempt, "error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.retry.Delay):
			}
		}
	}
	return fmt.Errorf("platform call failed after %d attempts: %w", e.retry.MaxAttempts, lastErr)
}
