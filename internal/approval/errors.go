package approval

import "errors"

// Domain errors for the approval package.
var (
	// ErrNotFound is returned when a request ID does not exist.
	ErrNotFound = errors.New("approval: request not found")

	// ErrConflict is returned when submitting a request while another
	// pending request exists for the same automation, or when deciding
	// a request that has already reached a different terminal status.
	ErrConflict = errors.New("approval: conflicting request")

	// ErrAlreadyProcessing is returned when a cancellation races a
	// decision already in flight for the same request.
	ErrAlreadyProcessing = errors.New("approval: request is already being processed")

	// ErrInvalidRequest is returned when request validation fails.
	ErrInvalidRequest = errors.New("approval: invalid request")
)
