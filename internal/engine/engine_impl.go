// Package engine implements the blueprint transition engine: state lookups,
// transition execution, approval gating and the periodic sweeps. All engine
// state lives in the persistence stores, so one logical engine can run in
// several processes at once.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nexocrm/blueprint/internal/persistence"
	"github.com/nexocrm/blueprint/internal/registry"
	"github.com/nexocrm/blueprint/internal/sla"
	"github.com/nexocrm/blueprint/pkg/api"
)

// engineImpl is a synchronous, in-process engine implementation.
type engineImpl struct {
	registry   *registry.StateRegistry
	executions persistence.ExecutionStore
	approvals  persistence.ApprovalStore
	records    persistence.RecordStateStore
	tracker    *sla.Tracker

	actions     *api.ActionRegistry
	recordStore api.RecordStore
	notifier    api.Notifier
	observer    api.Observer
	logger      *slog.Logger
}

var _ api.Engine = (*engineImpl)(nil)

// Config describes how to construct an engineImpl.
// Only used inside this package; external callers use the helper functions.
type Config struct {
	Persistence persistence.Persistence

	// Actions resolves action kinds for transitions and SLA escalations.
	// Nil means an empty registry: every action kind is skipped.
	Actions *api.ActionRegistry

	// RecordStore mirrors the current state name into the record field named
	// by the blueprint's FieldAPIName. Nil means no mirroring.
	RecordStore api.RecordStore

	// Notifier delivers approval and completion notifications. Nil means
	// notifications are dropped.
	Notifier api.Notifier

	Observer api.Observer
	Logger   *slog.Logger
}

// NewInMemoryEngine creates an engine with purely in-memory persistence.
func NewInMemoryEngine(cfg Config) api.Engine {
	mem := persistence.NewInMemoryStore()
	cfg.Persistence = persistence.Persistence{
		Definitions:  mem,
		Executions:   mem,
		Approvals:    mem,
		RecordStates: mem,
		SLAs:         mem,
	}
	return NewEngineWithConfig(cfg)
}

// NewSQLiteEngine creates an engine persisting runtime state in SQLite.
// Definitions remain in-memory; register them at startup.
func NewSQLiteEngine(db *sql.DB, cfg Config) (api.Engine, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	cfg.Persistence = persistence.Persistence{
		Definitions:  persistence.NewInMemoryStore(),
		Executions:   store,
		Approvals:    store,
		RecordStates: store,
		SLAs:         store,
	}
	return NewEngineWithConfig(cfg), nil
}

// NewPostgresEngine creates an engine persisting runtime state in PostgreSQL.
// Definitions remain in-memory, just like SQLite.
func NewPostgresEngine(db *sql.DB, cfg Config) (api.Engine, error) {
	store, err := persistence.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	cfg.Persistence = persistence.Persistence{
		Definitions:  persistence.NewInMemoryStore(),
		Executions:   store,
		Approvals:    store,
		RecordStates: store,
		SLAs:         store,
	}
	return NewEngineWithConfig(cfg), nil
}

// NewRedisEngine creates an engine persisting runtime state in Redis.
func NewRedisEngine(client *redis.Client, cfg Config) api.Engine {
	store := persistence.NewRedisStore(client, "blueprint:")
	cfg.Persistence = persistence.Persistence{
		Definitions:  persistence.NewInMemoryStore(),
		Executions:   store,
		Approvals:    store,
		RecordStates: store,
		SLAs:         store,
	}
	return NewEngineWithConfig(cfg)
}

// NewEngineWithConfig creates a new Engine using the given configuration.
func NewEngineWithConfig(cfg Config) api.Engine {
	if cfg.Actions == nil {
		cfg.Actions = api.NewActionRegistry()
	}
	if cfg.RecordStore == nil {
		cfg.RecordStore = api.NoopRecordStore{}
	}
	if cfg.Notifier == nil {
		cfg.Notifier = api.NoopNotifier{}
	}
	if cfg.Observer == nil {
		cfg.Observer = api.NoopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	reg := registry.New(cfg.Persistence.Definitions)
	return &engineImpl{
		registry:    reg,
		executions:  cfg.Persistence.Executions,
		approvals:   cfg.Persistence.Approvals,
		records:     cfg.Persistence.RecordStates,
		tracker:     sla.NewTracker(cfg.Persistence.SLAs, reg, cfg.Actions, cfg.Observer, cfg.Logger),
		actions:     cfg.Actions,
		recordStore: cfg.RecordStore,
		notifier:    cfg.Notifier,
		observer:    cfg.Observer,
		logger:      cfg.Logger,
	}
}

func (e *engineImpl) RegisterBlueprint(def api.BlueprintDefinition) error {
	return e.registry.Register(def)
}

func (e *engineImpl) Blueprint(ctx context.Context, blueprintID string) (api.BlueprintDefinition, error) {
	return e.registry.Get(blueprintID)
}

func (e *engineImpl) InitializeRecordState(ctx context.Context, blueprintID, recordID string) (*api.RecordState, error) {
	rs, err := e.records.GetRecordState(ctx, blueprintID, recordID)
	if err == nil {
		return rs, nil
	}
	if !errors.Is(err, persistence.ErrRecordStateNotFound) {
		return nil, err
	}

	def, err := e.registry.Get(blueprintID)
	if err != nil {
		return nil, err
	}
	initial, ok := def.InitialState()
	if !ok {
		return nil, fmt.Errorf("blueprint %q has no initial state", blueprintID)
	}

	now := time.Now()
	rs = &api.RecordState{
		BlueprintID:    blueprintID,
		RecordID:       recordID,
		CurrentStateID: initial.ID,
		EnteredAt:      now,
	}
	if err := e.records.UpsertRecordState(ctx, rs); err != nil {
		return nil, err
	}

	// SLA bookkeeping must not fail record initialization.
	if err := e.tracker.Start(ctx, def, recordID, initial, now); err != nil {
		e.logger.ErrorContext(ctx, "sla_start_failed",
			slog.String("blueprint", blueprintID),
			slog.String("record", recordID),
			slog.Any("error", err),
		)
	}
	return rs, nil
}

func (e *engineImpl) RecordState(ctx context.Context, blueprintID, recordID string) (*api.RecordState, error) {
	return e.InitializeRecordState(ctx, blueprintID, recordID)
}

func (e *engineImpl) AvailableTransitions(ctx context.Context, blueprintID, recordID string) ([]api.Transition, error) {
	def, err := e.registry.Get(blueprintID)
	if err != nil {
		return nil, err
	}
	rs, err := e.RecordState(ctx, blueprintID, recordID)
	if err != nil {
		return nil, err
	}
	return def.TransitionsFrom(rs.CurrentStateID), nil
}

func (e *engineImpl) RequestTransition(ctx context.Context, req api.TransitionRequest) (*api.TransitionExecution, error) {
	def, err := e.registry.Get(req.BlueprintID)
	if err != nil {
		return nil, err
	}

	rs, err := e.RecordState(ctx, req.BlueprintID, req.RecordID)
	if err != nil {
		return nil, err
	}

	tr, ok := def.TransitionByID(req.TransitionID)
	if !ok {
		return nil, fmt.Errorf("%w: transition %q is not defined", api.ErrInvalidTransition, req.TransitionID)
	}
	if tr.FromStateID != rs.CurrentStateID {
		return nil, fmt.Errorf("%w: transition %q leaves state %q but record is in %q",
			api.ErrInvalidTransition, tr.ID, tr.FromStateID, rs.CurrentStateID)
	}

	status := api.StatusImmediate
	if tr.RequiresApproval() {
		status = api.StatusPendingApproval
	}

	exec := &api.TransitionExecution{
		ID:           uuid.NewString(),
		BlueprintID:  req.BlueprintID,
		RecordID:     req.RecordID,
		TransitionID: tr.ID,
		FromStateID:  tr.FromStateID,
		ToStateID:    tr.ToStateID,
		RequestedBy:  req.RequestedBy,
		Status:       status,
		StartedAt:    time.Now(),
	}

	if err := e.executions.CreateExecution(ctx, exec); err != nil {
		if errors.Is(err, persistence.ErrConflictingExecution) {
			return nil, api.ErrConflictingExecution
		}
		return nil, err
	}
	e.observer.OnTransitionRequested(ctx, exec)

	if tr.RequiresApproval() {
		if err := e.openGate(ctx, exec, tr); err != nil {
			return nil, err
		}
		return exec, nil
	}

	return e.complete(ctx, def, tr, exec)
}

func (e *engineImpl) CancelExecution(ctx context.Context, executionID string) (*api.TransitionExecution, error) {
	exec, err := e.getExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status.Terminal() {
		return nil, api.ErrExecutionTerminal
	}

	claimed := false
	for _, from := range []api.ExecutionStatus{api.StatusPendingApproval, api.StatusImmediate, api.StatusApproved} {
		ok, err := e.executions.ClaimExecutionStatus(ctx, executionID, from, api.StatusCancelled)
		if err != nil {
			return nil, err
		}
		if ok {
			claimed = true
			break
		}
	}
	if !claimed {
		// Someone else drove the execution to a terminal status first.
		return nil, api.ErrExecutionTerminal
	}

	if _, err := e.approvals.ExpirePendingSiblings(ctx, executionID, ""); err != nil {
		e.logger.ErrorContext(ctx, "cancel_expire_requests_failed",
			slog.String("execution_id", executionID),
			slog.Any("error", err),
		)
	}

	exec, err = e.getExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	done := time.Now()
	exec.CompletedAt = &done
	if err := e.executions.UpdateExecution(ctx, exec); err != nil {
		return nil, err
	}
	return exec, nil
}

func (e *engineImpl) Execution(ctx context.Context, executionID string) (*api.TransitionExecution, error) {
	return e.getExecution(ctx, executionID)
}

func (e *engineImpl) getExecution(ctx context.Context, executionID string) (*api.TransitionExecution, error) {
	exec, err := e.executions.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, persistence.ErrExecutionNotFound) {
			return nil, api.ErrExecutionNotFound
		}
		return nil, err
	}
	return exec, nil
}

func (e *engineImpl) ListExecutions(ctx context.Context, opts api.ExecutionListOptions) ([]*api.TransitionExecution, error) {
	return e.executions.ListExecutions(ctx, persistence.ExecutionFilter{
		BlueprintID: opts.BlueprintID,
		RecordID:    opts.RecordID,
		Status:      opts.Status,
	})
}

func (e *engineImpl) PendingApprovals(ctx context.Context, approver string) ([]*api.ApprovalRequest, error) {
	return e.approvals.ListPendingByApprover(ctx, approver)
}

func (e *engineImpl) ApprovalRequests(ctx context.Context, executionID string) ([]*api.ApprovalRequest, error) {
	return e.approvals.ListRequestsByExecution(ctx, executionID)
}

func (e *engineImpl) SLAStatus(ctx context.Context, blueprintID, recordID string) (*api.SLAInstance, error) {
	return e.tracker.Status(ctx, blueprintID, recordID)
}

func (e *engineImpl) CheckSLAs(ctx context.Context) (api.SLASweepResult, error) {
	return e.tracker.Check(ctx, time.Now())
}

// notify runs one notification call and swallows its error.
func (e *engineImpl) notify(ctx context.Context, event string, fn func() error) {
	if err := fn(); err != nil {
		e.logger.WarnContext(ctx, "notification_failed",
			slog.String("event", event),
			slog.Any("error", err),
		)
	}
}
