package lifecycle

import "errors"

// Domain errors for the lifecycle package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, lifecycle.ErrNotFound) {
//	    // handle not found case
//	}
var (
	// ErrNotFound is returned when an automation ID does not exist.
	ErrNotFound = errors.New("lifecycle: automation not found")

	// ErrExists is returned when creating an automation whose external ID
	// is already held by a live (non-retired) automation.
	ErrExists = errors.New("lifecycle: automation already exists")

	// ErrInvalidTransition is returned when the requested edge is not in
	// the legal transition table.
	ErrInvalidTransition = errors.New("lifecycle: invalid transition")

	// ErrRetired is returned when any transition is attempted from the
	// terminal retired state.
	ErrRetired = errors.New("lifecycle: automation is retired")

	// ErrInvalidAutomation is returned when automation validation fails.
	ErrInvalidAutomation = errors.New("lifecycle: invalid automation")

	// ErrPlatformUnavailable is returned when the platform adapter cannot
	// reach the home-automation platform after retries.
	ErrPlatformUnavailable = errors.New("lifecycle: platform unavailable")

	// ErrTransitionNotFound is returned when a transition ID does not exist.
	ErrTransitionNotFound = errors.New("lifecycle: transition not found")
)
