package fleet

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a task record does not exist.
	ErrNotFound = errors.New("task not found")
	// ErrVersionConflict matches any *VersionConflictError.
	ErrVersionConflict = errors.New("version conflict")
	// ErrIllegalTransition is returned for edges outside the status machine.
	ErrIllegalTransition = errors.New("illegal status transition")
	// ErrNotDeletable is returned when deleting a record that is not terminal.
	ErrNotDeletable = errors.New("task is not in a deletable status")
	// ErrAdmissionDenied is wrapped by governors when a spawn request is refused.
	ErrAdmissionDenied = errors.New("admission denied")
)

// VersionConflictError reports a compare-and-swap presented with a stale version.
type VersionConflictError struct {
	TaskID   string
	Expected int
	Actual   int
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on task %s: expected %d, stored %d", e.TaskID, e.Expected, e.Actual)
}

// Is lets errors.Is(err, ErrVersionConflict) match.
func (e *VersionConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// IllegalTransition wraps ErrIllegalTransition with the offending edge.
func IllegalTransition(from, to TaskStatus) error {
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}
