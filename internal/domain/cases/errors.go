package cases

import "errors"

var (
	// ErrNotFound means the case does not exist in the caller's organization.
	ErrNotFound = errors.New("case not found")

	// ErrConflict means a conditional write lost the race: the stored version
	// no longer matches the version the caller read.
	ErrConflict = errors.New("case was modified concurrently")

	// ErrInvalidTransition means the requested action is not legal from the
	// case's current state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrAlreadyApproved guards idempotent approval: the QC gate has already
	// been approved and must not be re-stamped.
	ErrAlreadyApproved = errors.New("already approved")

	// ErrAlreadyCompleted means the step was already completed.
	ErrAlreadyCompleted = errors.New("already completed")

	// ErrMissingReason means a rejection or revocation was submitted without
	// the mandatory reason text.
	ErrMissingReason = errors.New("reason is required")

	// ErrFormNotCompleted means form QC was attempted before the form was
	// marked completed.
	ErrFormNotCompleted = errors.New("form is not completed")

	// ErrNotAllocated means the acting worker does not hold the case lock.
	ErrNotAllocated = errors.New("case is not allocated to the caller")

	// ErrAlreadyAssigned means another worker holds an unexpired lock.
	ErrAlreadyAssigned = errors.New("case is assigned to another worker")

	// ErrNoCasesAvailable means the allocation pool is empty for the
	// requested queue.
	ErrNoCasesAvailable = errors.New("no cases available for allocation")
)
