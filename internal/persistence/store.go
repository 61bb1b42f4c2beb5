package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/nexocrm/blueprint/pkg/api"
)

var (
	// ErrDefinitionNotFound is returned when a blueprint definition is not found.
	ErrDefinitionNotFound = errors.New("definition not found")

	// ErrExecutionNotFound is returned when a transition execution is not found.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrRequestNotFound is returned when an approval request is not found.
	ErrRequestNotFound = errors.New("approval request not found")

	// ErrRecordStateNotFound is returned when a record has no state projection yet.
	ErrRecordStateNotFound = errors.New("record state not found")

	// ErrSLAInstanceNotFound is returned when no active SLA instance exists.
	ErrSLAInstanceNotFound = errors.New("sla instance not found")

	// ErrConflictingExecution is returned by CreateExecution when a
	// non-terminal execution already exists for the same record+blueprint.
	ErrConflictingExecution = errors.New("conflicting execution")

	// ErrConflictingSLAInstance is returned by CreateSLAInstance when an
	// active instance already exists for the same record+blueprint.
	ErrConflictingSLAInstance = errors.New("conflicting sla instance")
)

// DefinitionStore handles storage of blueprint definitions.
// Definitions are registered at wiring time and kept in-memory for all
// backends; only runtime entities are persisted.
type DefinitionStore interface {
	SaveDefinition(def api.BlueprintDefinition) error
	GetDefinition(id string) (api.BlueprintDefinition, error)
	ListDefinitions() ([]api.BlueprintDefinition, error)
}

// ExecutionFilter is used to select executions from the store.
// Empty string / zero status mean "no filter" for that field.
type ExecutionFilter struct {
	BlueprintID string
	RecordID    string
	Status      api.ExecutionStatus
}

// ExecutionStore handles storage of transition executions.
type ExecutionStore interface {
	// CreateExecution persists a new execution. It returns
	// ErrConflictingExecution when a non-terminal execution already exists
	// for the same (blueprint, record) pair; the check and insert are
	// atomic.
	CreateExecution(ctx context.Context, exec *api.TransitionExecution) error

	UpdateExecution(ctx context.Context, exec *api.TransitionExecution) error
	GetExecution(ctx context.Context, id string) (*api.TransitionExecution, error)

	// ListExecutions returns executions matching the filter, newest first.
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*api.TransitionExecution, error)

	// ClaimExecutionStatus atomically moves the execution from status
	// 'from' to status 'to'. It returns claimed=false (no error) when the
	// execution is no longer in 'from'; this is the linearization point
	// that guarantees completion runs exactly once.
	ClaimExecutionStatus(ctx context.Context, id string, from, to api.ExecutionStatus) (bool, error)
}

// ApprovalStore handles storage of approval requests.
type ApprovalStore interface {
	CreateRequests(ctx context.Context, reqs []*api.ApprovalRequest) error
	GetRequest(ctx context.Context, id string) (*api.ApprovalRequest, error)
	UpdateRequest(ctx context.Context, req *api.ApprovalRequest) error
	ListRequestsByExecution(ctx context.Context, executionID string) ([]*api.ApprovalRequest, error)
	ListPendingRequests(ctx context.Context) ([]*api.ApprovalRequest, error)
	ListPendingByApprover(ctx context.Context, approver string) ([]*api.ApprovalRequest, error)

	// ClaimRequest atomically moves a PENDING request to 'to', recording
	// the response. It returns claimed=false (no error) when the request is
	// no longer pending, so racing approvers cannot both resolve it.
	ClaimRequest(ctx context.Context, id string, to api.RequestStatus, comments string, respondedAt time.Time) (bool, error)

	// ExpirePendingSiblings expires every pending request of an execution
	// except the one with exceptRequestID (pass "" to expire all). It
	// returns the number of requests expired.
	ExpirePendingSiblings(ctx context.Context, executionID, exceptRequestID string) (int, error)

	// CountPending returns the number of still-pending requests for an
	// execution.
	CountPending(ctx context.Context, executionID string) (int, error)
}

// RecordStateStore handles the current-state projection per (blueprint, record).
type RecordStateStore interface {
	UpsertRecordState(ctx context.Context, rs *api.RecordState) error
	GetRecordState(ctx context.Context, blueprintID, recordID string) (*api.RecordState, error)
}

// SLAStore handles storage of SLA instances.
type SLAStore interface {
	// CreateSLAInstance persists a new instance. It returns
	// ErrConflictingSLAInstance when an active (not yet completed) instance
	// already exists for the same (blueprint, record) pair; the check and
	// insert are atomic, so concurrent dwell starts create exactly one
	// instance.
	CreateSLAInstance(ctx context.Context, inst *api.SLAInstance) error
	UpdateSLAInstance(ctx context.Context, inst *api.SLAInstance) error

	// GetActiveSLAInstance returns the single active instance for a
	// record+blueprint, or ErrSLAInstanceNotFound.
	GetActiveSLAInstance(ctx context.Context, blueprintID, recordID string) (*api.SLAInstance, error)

	// ListActiveSLAInstances returns all active instances, for the sweep.
	ListActiveSLAInstances(ctx context.Context) ([]*api.SLAInstance, error)
}

// Persistence bundles the stores an engine needs.
type Persistence struct {
	Definitions  DefinitionStore
	Executions   ExecutionStore
	Approvals    ApprovalStore
	RecordStates RecordStateStore
	SLAs         SLAStore
}
