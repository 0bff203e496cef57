package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a job or unit does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState is matched by every InvalidStateError.
	ErrInvalidState = errors.New("invalid state")
)

// InvalidStateError reports an operation requested against a job whose
// status does not allow it. The job is never modified.
type InvalidStateError struct {
	JobID     int64
	Status    Status
	Operation string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s job %d in status %s", e.Operation, e.JobID, e.Status)
}

// Is matches ErrInvalidState.
func (e *InvalidStateError) Is(target error) bool {
	return target == ErrInvalidState
}

// ErrorKind classifies the error for logs.
func (e *InvalidStateError) ErrorKind() string {
	return "invalid_state"
}

func invalidState(job *Job, operation string) error {
	return &InvalidStateError{JobID: job.ID, Status: job.Status, Operation: operation}
}

func notFound(id int64) error {
	return fmt.Errorf("job %d: %w", id, ErrNotFound)
}
