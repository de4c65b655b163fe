package emergency

import "errors"

// Domain errors for the emergency package.
var (
	// ErrNotFound is returned when a stop event ID does not exist.
	ErrNotFound = errors.New("emergency: event not found")

	// ErrRecoveryInProgress is returned when recovery is requested for an
	// event whose recovery is already running.
	ErrRecoveryInProgress = errors.New("emergency: recovery already in progress")

	// ErrRecoveryDone is returned when recovery is requested for an event
	// that already completed recovery.
	ErrRecoveryDone = errors.New("emergency: recovery already completed")
)
