package api

import "context"

// TransitionRequest asks the engine to move one record along one transition.
type TransitionRequest struct {
	BlueprintID  string
	RecordID     string
	TransitionID string
	RequestedBy  string
}

// ExecutionListOptions controls how executions are listed.
// Zero values mean "no filter" for that field.
type ExecutionListOptions struct {
	BlueprintID string
	RecordID    string
	Status      ExecutionStatus
}

// SLASweepResult summarizes one CheckSLAs pass.
type SLASweepResult struct {
	Checked              int
	BreachesMarked       int
	EscalationsTriggered int
}

// ApprovalSweepResult summarizes one ProcessOverdueApprovals pass.
type ApprovalSweepResult struct {
	Expired       int
	RemindersSent int
}

// Engine drives blueprint state transitions for records.
//
// All state lives in persisted entities; an Engine holds no in-memory record
// state and is safe to invoke concurrently from request handlers and
// background sweeps.
type Engine interface {
	// RegisterBlueprint validates and registers a definition by id.
	RegisterBlueprint(def BlueprintDefinition) error

	// Blueprint returns a registered definition.
	Blueprint(ctx context.Context, blueprintID string) (BlueprintDefinition, error)

	// InitializeRecordState creates the current-state projection for a
	// record that has none, placing it in the blueprint's initial state and
	// starting that state's SLA. It returns the existing projection
	// unchanged when one is already present.
	InitializeRecordState(ctx context.Context, blueprintID, recordID string) (*RecordState, error)

	// RecordState returns the current-state projection for a record,
	// initializing it first if none exists.
	RecordState(ctx context.Context, blueprintID, recordID string) (*RecordState, error)

	// AvailableTransitions lists the transitions legal from the record's
	// current state, in definition order.
	AvailableTransitions(ctx context.Context, blueprintID, recordID string) ([]Transition, error)

	// RequestTransition validates and starts a transition execution.
	//
	// When the transition carries an approval policy the returned execution
	// is in StatusPendingApproval and resolves later through RecordResponse.
	// Otherwise the execution runs synchronously and returns in a terminal
	// status. Completion failures are captured on the execution, not
	// returned as call errors.
	RequestTransition(ctx context.Context, req TransitionRequest) (*TransitionExecution, error)

	// RecordResponse records one approver's decision on a pending request
	// and re-enters the engine to check aggregate gate completion. It
	// returns the execution in its state after the response was applied.
	RecordResponse(ctx context.Context, requestID, approver string, decision Decision, comments string) (*TransitionExecution, error)

	// CancelExecution cancels a non-terminal execution, expiring any
	// pending approval requests. Terminal executions cannot be cancelled.
	CancelExecution(ctx context.Context, executionID string) (*TransitionExecution, error)

	// Execution looks up an execution by id.
	Execution(ctx context.Context, executionID string) (*TransitionExecution, error)

	// ListExecutions returns executions matching the given options,
	// newest first.
	ListExecutions(ctx context.Context, opts ExecutionListOptions) ([]*TransitionExecution, error)

	// PendingApprovals lists the pending requests addressed to an approver.
	PendingApprovals(ctx context.Context, approver string) ([]*ApprovalRequest, error)

	// ApprovalRequests lists all requests created for an execution.
	ApprovalRequests(ctx context.Context, executionID string) ([]*ApprovalRequest, error)

	// SLAStatus returns the active SLA instance for a record, or nil when
	// the record's current state carries no active SLA.
	SLAStatus(ctx context.Context, blueprintID, recordID string) (*SLAInstance, error)

	// CheckSLAs marks overdue active SLA instances breached and fires
	// pending escalations. Intended to be called periodically by an
	// out-of-core scheduler such as the sweeper.
	CheckSLAs(ctx context.Context) (SLASweepResult, error)

	// ProcessOverdueApprovals applies approval deadlines and reminders to
	// pending requests, per each transition's policy. Like CheckSLAs it is
	// driven by an out-of-core scheduler.
	ProcessOverdueApprovals(ctx context.Context) (ApprovalSweepResult, error)
}
