package suggestion

import "errors"

// Domain errors for the suggestion package.
var (
	// ErrNotFound is returned when a suggestion ID does not exist.
	ErrNotFound = errors.New("suggestion: not found")

	// ErrDecided is returned when accepting or dismissing a suggestion
	// that has already been decided.
	ErrDecided = errors.New("suggestion: already decided")

	// ErrInvalidSuggestion is returned when a suggestion fails validation.
	ErrInvalidSuggestion = errors.New("suggestion: invalid suggestion")
)
