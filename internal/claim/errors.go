package claim

import (
	"errors"
	"fmt"
)

// Errors returned by the coordinator.
var (
	// ErrClaimConflict indicates records were no longer held by the caller.
	ErrClaimConflict = errors.New("claim conflict")

	// ErrLeaseLost indicates the caller's lease was released or taken over.
	ErrLeaseLost = errors.New("claim no longer held by worker")

	// ErrPersistence indicates a store write failed.
	ErrPersistence = errors.New("store write failed")
)

// ConflictError reports records a worker tried to act on without holding
// their claim: already done, reclaimed after expiry, or cleared by a reset.
type ConflictError struct {
	WorkerID string
	IDs      []string
	Err      error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("claim conflict for worker %s on %d records: %v", e.WorkerID, len(e.IDs), e.Err)
}

func (e *ConflictError) Unwrap() []error {
	return []error{ErrClaimConflict, e.Err}
}

// PersistenceError reports a failed store operation. It is transient: the
// operation may be retried.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistence, e.Err}
}

// IsConflict returns true if err is a claim conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrClaimConflict)
}

// IsPersistence returns true if err is a retryable store failure.
func IsPersistence(err error) bool {
	return errors.Is(err, ErrPersistence)
}
