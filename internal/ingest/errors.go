package ingest

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a queue has no record of the requested job.
	ErrJobNotFound = errors.New("job not found")
	// ErrNotFound is returned by stores when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrForeignKey is returned when a write references a missing parent row.
	ErrForeignKey = errors.New("foreign key violation")
	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrLeaseLost is returned when a worker acts on a claim that was
	// reclaimed and handed to another worker. It wraps ErrInvalidTransition.
	ErrLeaseLost = fmt.Errorf("lease lost: %w", ErrInvalidTransition)
)

// CheckLease returns ErrLeaseLost unless held is the current claim of stored.
func CheckLease(stored, held Job) error {
	if stored.Attempts != held.Attempts {
		return fmt.Errorf("job %s attempt %d superseded by attempt %d: %w", held.ID, held.Attempts, stored.Attempts, ErrLeaseLost)
	}
	return nil
}

// PersistenceError describes a failed store or queue operation. Transient
// errors may succeed on retry; everything else is permanent.
type PersistenceError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *PersistenceError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s (%s): %v", e.Op, kind, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// TransientError wraps err as a retryable persistence failure.
func TransientError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Transient: true, Err: err}
}

// PermanentError wraps err as a non-retryable persistence failure.
func PermanentError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

// IsTransient reports whether err carries a transient PersistenceError.
func IsTransient(err error) bool {
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return false
}
