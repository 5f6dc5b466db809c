package scheduler

import "errors"

// Sentinel errors shared across the service. Wrap them with fmt.Errorf("...: %w")
// and compare with errors.Is.
var (
	// ErrValidation marks malformed input. It never enters the queue.
	ErrValidation = errors.New("validation error")

	// ErrNotFound marks an unknown job, task or prompt id.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState marks an operation the entity's current status does not allow.
	ErrInvalidState = errors.New("invalid state")
)
