package suggestion

import (
	"context"
	"fmt"
	"time"

	"github.com/wtthornton/tappsha-core/internal/approval"
	"github.com/wtthornton/tappsha-core/internal/lifecycle"
)

// Logger defines the logging interface used by the suggestion service.
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

// Lifecycle is the read surface the service needs from the lifecycle engine.
type Lifecycle interface {
	Get(ctx context.Context, id string) (*lifecycle.Automation, error)
}

// Approvals submits modification requests for accepted suggestions.
type Approvals interface {
	Submit(ctx context.Context, req *approval.Request) error
}

// Notifier publishes suggestion updates to connected clients.
type Notifier interface {
	NotifySuggestion(s *OptimizationSuggestion)
}

// Service manages optimization suggestions. Accepting a suggestion
// never touches the automation directly: it routes the proposed config
// through the approval workflow, so risk classification and governance
// apply the same as to any other modification.
type Service struct {
	repo      Repository
	lifecycle Lifecycle
	approvals Approvals
	notifier  Notifier
	logger    Logger
}

// NewService creates a suggestion service.
func NewService(repo Repository, lc Lifecycle, approvals Approvals, logger Logger) *Service {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Service{repo: repo, lifecycle: lc, approvals: approvals, logger: logger}
}

// SetNotifier wires the realtime dispatcher. Optional.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// Submit records a new suggestion for an existing, non-retired automation.
func (s *Service) Submit(ctx context.Context, sg *OptimizationSuggestion) error {
	if sg.AutomationID == "" {
		return fmt.Errorf("%w: automation_id is required", ErrInvalidSuggestion)
	}
	if sg.Title == "" || sg.Rationale == "" {
		return fmt.Errorf("%w: title and rationale are required", ErrInvalidSuggestion)
	}
	if sg.Confidence < 0 || sg.Confidence > 100 {
		return fmt.Errorf("%w: confidence must be in [0, 100]", ErrInvalidSuggestion)
	}
	if len(sg.ProposedConfig) == 0 {
		return fmt.Errorf("%w: proposed_config is required", ErrInvalidSuggestion)
	}

	a, err := s.lifecycle.Get(ctx, sg.AutomationID)
	if err != nil {
		return err
	}
	if a.State == lifecycle.StateRetired {
		return lifecycle.ErrRetired
	}

	sg.Status = StatusOpen
	if err := s.repo.Create(ctx, sg); err != nil {
		return err
	}

	s.logger.Info("suggestion submitted",
		"suggestion_id", sg.ID, "automation_id", sg.AutomationID,
		"title", sg.Title, "confidence", sg.Confidence)
	s.notify(sg)
	return nil
}

// Get retrieves a suggestion by ID.
func (s *Service) Get(ctx context.Context, id string) (*OptimizationSuggestion, error) {
	return s.repo.GetByID(ctx, id)
}

// List retrieves suggestions, optionally filtered by status.
func (s *Service) List(ctx context.Context, status Status, limit int) ([]OptimizationSuggestion, error) {
	return s.repo.List(ctx, status, limit)
}

// ListByAutomation retrieves all suggestions for one automation.
func (s *Service) ListByAutomation(ctx context.Context, automationID string) ([]OptimizationSuggestion, error) {
	return s.repo.ListByAutomation(ctx, automationID)
}

// Accept routes the suggestion's proposed config into the approval
// workflow as a modification request and marks the suggestion accepted.
// Accepting an already-accepted suggestion returns it unchanged.
func (s *Service) Accept(ctx context.Context, id, acceptedBy string) (*OptimizationSuggestion, error) {
	sg, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sg.Status == StatusAccepted {
		return sg, nil
	}
	if sg.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: suggestion is %s", ErrDecided, sg.Status)
	}

	req := &approval.Request{
		AutomationID: &sg.AutomationID,
		WorkflowType: approval.WorkflowModification,
		Payload: map[string]any{
			"config":        sg.ProposedConfig,
			"suggestion_id": sg.ID,
			"accepted_by":   acceptedBy,
		},
		RequestedBy: Requester,
	}
	if err := s.approvals.Submit(ctx, req); err != nil {
		return nil, fmt.Errorf("submitting modification for suggestion %s: %w", sg.ID, err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	if err := s.repo.UpdateDecision(ctx, sg.ID, StatusAccepted, &req.ID, now); err != nil {
		return nil, err
	}
	sg.Status = StatusAccepted
	sg.ApprovalID = &req.ID
	sg.DecidedAt = &now

	s.logger.Info("suggestion accepted",
		"suggestion_id", sg.ID, "approval_id", req.ID, "by", acceptedBy)
	s.notify(sg)
	return sg, nil
}

// Dismiss closes the suggestion without action. Dismissing an
// already-dismissed suggestion returns it unchanged.
func (s *Service) Dismiss(ctx context.Context, id, dismissedBy string) (*OptimizationSuggestion, error) {
	sg, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sg.Status == StatusDismissed {
		return sg, nil
	}
	if sg.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: suggestion is %s", ErrDecided, sg.Status)
	}

	now := time.Now().UTC().Truncate(time.Second)
	if err := s.repo.UpdateDecision(ctx, sg.ID, StatusDismissed, nil, now); err != nil {
		return nil, err
	}
	sg.Status = StatusDismissed
	sg.DecidedAt = &now

	s.logger.Info("suggestion dismissed", "suggestion_id", sg.ID, "by", dismissedBy)
	s.notify(sg)
	return sg, nil
}

func (s *Service) notify(sg *OptimizationSuggestion) {
	if s.notifier != nil {
		s.notifier.NotifySuggestion(sg)
	}
}
