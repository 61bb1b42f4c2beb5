package blueprint

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/nexocrm/blueprint/internal/engine"
	"github.com/nexocrm/blueprint/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	Definition           = api.BlueprintDefinition
	State                = api.State
	Transition           = api.Transition
	ApprovalPolicy       = api.ApprovalPolicy
	ActionSpec           = api.ActionSpec
	SLAConfig            = api.SLAConfig
	Escalation           = api.Escalation
	TransitionRequest    = api.TransitionRequest
	TransitionExecution  = api.TransitionExecution
	ApprovalRequest      = api.ApprovalRequest
	RecordState          = api.RecordState
	SLAInstance          = api.SLAInstance
	ExecutionStatus      = api.ExecutionStatus
	Decision             = api.Decision
	SLAInstanceStatus    = api.SLAInstanceStatus
	ExecutionListOptions = api.ExecutionListOptions
	Action               = api.Action
	ActionFunc           = api.ActionFunc
	ActionRegistry       = api.ActionRegistry
	ActionContext        = api.ActionContext
	RecordStore          = api.RecordStore
	Notifier             = api.Notifier
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
)

// Re-export common helpers.

var (
	NewActionRegistry    = api.NewActionRegistry
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// Re-export status and decision values for convenience.

const (
	StatusPendingApproval = api.StatusPendingApproval
	StatusImmediate       = api.StatusImmediate
	StatusApproved        = api.StatusApproved
	StatusCompleted       = api.StatusCompleted
	StatusRejected        = api.StatusRejected
	StatusFailed          = api.StatusFailed
	StatusCancelled       = api.StatusCancelled

	DecisionApprove = api.DecisionApprove
	DecisionReject  = api.DecisionReject

	TriggerApproaching = api.TriggerApproaching
	TriggerBreached    = api.TriggerBreached

	SLAActive    = api.SLAActive
	SLACompleted = api.SLACompleted
	SLABreached  = api.SLABreached
)

// Re-export the sentinel errors callers match with errors.Is.

var (
	ErrInvalidTransition    = api.ErrInvalidTransition
	ErrConflictingExecution = api.ErrConflictingExecution
	ErrApprovalNotPending   = api.ErrApprovalNotPending
	ErrExecutionNotFound    = api.ErrExecutionNotFound
	ErrRequestNotFound      = api.ErrRequestNotFound
	ErrDefinitionNotFound   = api.ErrDefinitionNotFound
	ErrNotEligibleApprover  = api.ErrNotEligibleApprover
	ErrExecutionTerminal    = api.ErrExecutionTerminal
)

// Options configures the engine's boundaries. The zero value works: actions
// are skipped, field mirroring and notifications are dropped, events are not
// observed and logs go to slog.Default().
type Options struct {
	// Actions resolves the action kinds referenced by transitions and SLA
	// escalations. See pkg/actions for the built-in kinds.
	Actions *ActionRegistry

	// RecordStore receives the state-mirror field writes.
	RecordStore RecordStore

	// Notifier delivers approval and completion notifications.
	Notifier Notifier

	Observer Observer
	Logger   *slog.Logger
}

func (o Options) config() engine.Config {
	return engine.Config{
		Actions:     o.Actions,
		RecordStore: o.RecordStore,
		Notifier:    o.Notifier,
		Observer:    o.Observer,
		Logger:      o.Logger,
	}
}

// Engine constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores.
func NewInMemoryEngine(opts Options) Engine {
	return engine.NewInMemoryEngine(opts.config())
}

// NewSQLiteEngine returns an Engine that persists executions, approval
// requests, record states and SLA instances in a SQLite database.
// Blueprint definitions are kept in-memory; register them at startup.
func NewSQLiteEngine(db *sql.DB, opts Options) (Engine, error) {
	return engine.NewSQLiteEngine(db, opts.config())
}

// NewPostgresEngine returns an Engine that persists runtime state in
// PostgreSQL.
func NewPostgresEngine(db *sql.DB, opts Options) (Engine, error) {
	return engine.NewPostgresEngine(db, opts.config())
}

// NewRedisEngine returns an Engine that persists runtime state in Redis.
func NewRedisEngine(client *redis.Client, opts Options) Engine {
	return engine.NewRedisEngine(client, opts.config())
}

// Convenience helpers that just forward to the underlying Engine.

// Request starts a transition for a record.
func Request(ctx context.Context, eng Engine, blueprintID, recordID, transitionID, requestedBy string) (*TransitionExecution, error) {
	return eng.RequestTransition(ctx, TransitionRequest{
		BlueprintID:  blueprintID,
		RecordID:     recordID,
		TransitionID: transitionID,
		RequestedBy:  requestedBy,
	})
}

// Approve records a positive decision on a pending approval request.
func Approve(ctx context.Context, eng Engine, requestID, approver, comments string) (*TransitionExecution, error) {
	return eng.RecordResponse(ctx, requestID, approver, DecisionApprove, comments)
}

// Reject records a negative decision on a pending approval request.
func Reject(ctx context.Context, eng Engine, requestID, approver, comments string) (*TransitionExecution, error) {
	return eng.RecordResponse(ctx, requestID, approver, DecisionReject, comments)
}
