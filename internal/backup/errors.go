package backup

import "errors"

// Domain errors for the backup package.
var (
	// ErrNotFound is returned when a backup ID does not exist.
	ErrNotFound = errors.New("backup: not found")

	// ErrIntegrity is returned when a stored snapshot fails its checksum
	// verification. A failed backup is never restored.
	ErrIntegrity = errors.New("backup: integrity check failed")

	// ErrMismatch is returned when a restore targets an automation the
	// backup does not belong to.
	ErrMismatch = errors.New("backup: automation mismatch")
)
