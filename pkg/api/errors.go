package api

import "errors"

// Caller-facing validation errors. Match with errors.Is.
var (
	// ErrInvalidTransition means no transition edge exists from the
	// record's current state, or the transition belongs to another state.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrConflictingExecution means another non-terminal execution is
	// already in flight for the same record and blueprint.
	ErrConflictingExecution = errors.New("conflicting execution in flight")

	// ErrApprovalNotPending means the approval request (or its execution)
	// has already been resolved.
	ErrApprovalNotPending = errors.New("approval not pending")

	// ErrExecutionNotFound means no execution exists with the given id.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrRequestNotFound means no approval request exists with the given id.
	ErrRequestNotFound = errors.New("approval request not found")

	// ErrDefinitionNotFound means no blueprint is registered with the
	// given id.
	ErrDefinitionNotFound = errors.New("blueprint definition not found")

	// ErrNotEligibleApprover means the responder does not match the
	// request's approver identity.
	ErrNotEligibleApprover = errors.New("not an eligible approver")

	// ErrExecutionTerminal means the execution has already reached a
	// terminal status and cannot be cancelled.
	ErrExecutionTerminal = errors.New("execution already terminal")
)
