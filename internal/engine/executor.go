package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nexocrm/blueprint/pkg/api"
)

// complete runs the completion sequence for an execution whose gate has
// resolved (or that never had one): actions, record-field mirror, state
// projection and SLA hand-over.
//
// Completion failures are captured on the execution as StatusFailed; they are
// never returned as call errors. Only store-level read/write problems
// surface to the caller.
func (e *engineImpl) complete(ctx context.Context, def api.BlueprintDefinition, tr api.Transition, exec *api.TransitionExecution) (*api.TransitionExecution, error) {
	exec.ActionResults = e.runActions(ctx, def, tr, exec)

	if err := e.applyStateChange(ctx, def, tr, exec); err != nil {
		return e.markFailed(ctx, exec, err)
	}

	done := time.Now()
	exec.Status = api.StatusCompleted
	exec.CompletedAt = &done
	exec.ErrorMessage = ""
	if err := e.executions.UpdateExecution(ctx, exec); err != nil {
		return nil, err
	}

	e.observer.OnTransitionCompleted(ctx, exec)
	if tr.Approval != nil && tr.Approval.NotifyOnComplete {
		e.notify(ctx, "transition_completed", func() error {
			return e.notifier.NotifyTransitionCompleted(ctx, exec)
		})
	}
	return exec, nil
}

// markFailed transitions the execution to StatusFailed and reports the
// failure through the observer. The failure is recorded, not returned.
func (e *engineImpl) markFailed(ctx context.Context, exec *api.TransitionExecution, cause error) (*api.TransitionExecution, error) {
	done := time.Now()
	exec.Status = api.StatusFailed
	exec.ErrorMessage = cause.Error()
	exec.CompletedAt = &done
	if err := e.executions.UpdateExecution(ctx, exec); err != nil {
		return nil, err
	}

	e.observer.OnTransitionFailed(ctx, exec, cause)
	return exec, nil
}

// applyStateChange moves the record to the transition's target state: the
// optional field mirror, the state projection, and the SLA hand-over.
func (e *engineImpl) applyStateChange(ctx context.Context, def api.BlueprintDefinition, tr api.Transition, exec *api.TransitionExecution) error {
	toState, ok := def.StateByID(tr.ToStateID)
	if !ok {
		return fmt.Errorf("target state %q is not defined", tr.ToStateID)
	}

	if def.FieldAPIName != "" {
		if err := e.recordStore.UpdateRecordField(ctx, exec.RecordID, def.FieldAPIName, toState.Name); err != nil {
			return fmt.Errorf("update record field %q: %w", def.FieldAPIName, err)
		}
	}

	now := time.Now()
	moved := now
	rs := &api.RecordState{
		BlueprintID:      exec.BlueprintID,
		RecordID:         exec.RecordID,
		CurrentStateID:   tr.ToStateID,
		EnteredAt:        now,
		LastTransitionID: tr.ID,
		LastTransitionAt: &moved,
	}
	if err := e.records.UpsertRecordState(ctx, rs); err != nil {
		return fmt.Errorf("update record state: %w", err)
	}

	if err := e.tracker.Start(ctx, def, exec.RecordID, toState, now); err != nil {
		e.logger.ErrorContext(ctx, "sla_start_failed",
			slog.String("blueprint", def.ID),
			slog.String("record", exec.RecordID),
			slog.String("state", toState.ID),
			slog.Any("error", err),
		)
	}
	return nil
}

// runActions executes the transition's actions in definition order. Every
// action gets a result entry; a failed or panicking action is recorded as
// ActionFailed and the remaining actions still run. An unregistered kind is
// recorded as skipped rather than failed, so blueprints can carry action
// kinds a given deployment does not wire.
func (e *engineImpl) runActions(ctx context.Context, def api.BlueprintDefinition, tr api.Transition, exec *api.TransitionExecution) map[string]api.ActionResult {
	if len(tr.Actions) == 0 {
		return nil
	}

	vars := e.actionVars(def, tr, exec)
	results := make(map[string]api.ActionResult, len(tr.Actions))
	for _, spec := range tr.Actions {
		results[spec.ID] = e.runAction(ctx, def, exec, spec, vars)
	}
	return results
}

func (e *engineImpl) runAction(ctx context.Context, def api.BlueprintDefinition, exec *api.TransitionExecution, spec api.ActionSpec, vars map[string]string) (result api.ActionResult) {
	started := time.Now()
	result = api.ActionResult{
		ActionID:   spec.ID,
		Status:     api.ActionSuccess,
		ExecutedAt: started,
	}

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("action panicked: %v", r)
			result.Status = api.ActionFailed
			result.Error = err.Error()
			result.Output = nil
			e.observer.OnActionExecuted(ctx, exec, spec.ID, err, time.Since(started))
		}
	}()

	action, ok := e.actions.Resolve(spec.Kind)
	if !ok {
		result.Output = map[string]any{"status": "skipped", "kind": spec.Kind}
		e.observer.OnActionExecuted(ctx, exec, spec.ID, nil, time.Since(started))
		return result
	}

	out, err := action.Execute(ctx, api.ActionContext{
		Execution: exec,
		Blueprint: def,
		Config:    spec.Config,
		Vars:      vars,
	})
	if err != nil {
		result.Status = api.ActionFailed
		result.Error = err.Error()
	}
	result.Output = out
	e.observer.OnActionExecuted(ctx, exec, spec.ID, err, time.Since(started))
	return result
}

// actionVars builds the substitution variables visible to action templates.
func (e *engineImpl) actionVars(def api.BlueprintDefinition, tr api.Transition, exec *api.TransitionExecution) map[string]string {
	vars := map[string]string{
		"blueprint":   def.ID,
		"object_type": def.ObjectType,
		"record_id":   exec.RecordID,
		"transition":  tr.ID,
		"actor":       exec.RequestedBy,
		"from_state":  tr.FromStateID,
		"to_state":    tr.ToStateID,
	}
	if s, ok := def.StateByID(tr.FromStateID); ok {
		vars["from_state_name"] = s.Name
	}
	if s, ok := def.StateByID(tr.ToStateID); ok {
		vars["to_state_name"] = s.Name
	}
	if tr.Name != "" {
		vars["transition_name"] = tr.Name
	}
	return vars
}
