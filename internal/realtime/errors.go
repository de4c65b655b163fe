package realtime

import "errors"

// Domain errors for the realtime package.
var (
	// ErrNotAuthenticated is returned when a session tries to subscribe
	// before authenticating.
	ErrNotAuthenticated = errors.New("realtime: session not authenticated")

	// ErrSessionNotFound is returned when a session ID is not registered.
	ErrSessionNotFound = errors.New("realtime: session not found")

	// ErrRateLimited is returned when a session exceeds its message
	// budget for the current window.
	ErrRateLimited = errors.New("realtime: rate limit exceeded")

	// ErrTooManyConnections is returned when an origin exceeds its
	// concurrent connection allowance.
	ErrTooManyConnections = errors.New("realtime: too many connections from origin")
)
