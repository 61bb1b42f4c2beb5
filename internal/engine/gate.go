package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nexocrm/blueprint/internal/persistence"
	"github.com/nexocrm/blueprint/pkg/api"
)

// errApprovalExpired is recorded on executions failed by the approval sweep.
var errApprovalExpired = errors.New("approval request expired")

// openGate creates one pending request per approver of the transition's
// policy. When the gate cannot open, the execution is failed so the record
// is not left stuck behind an unanswerable approval.
func (e *engineImpl) openGate(ctx context.Context, exec *api.TransitionExecution, tr api.Transition) error {
	now := time.Now()
	reqs := make([]*api.ApprovalRequest, 0, len(tr.Approval.Approvers))
	for _, approver := range tr.Approval.Approvers {
		reqs = append(reqs, &api.ApprovalRequest{
			ID:          uuid.NewString(),
			ExecutionID: exec.ID,
			Approver:    approver,
			Status:      api.RequestPending,
			CreatedAt:   now,
		})
	}

	if err := e.approvals.CreateRequests(ctx, reqs); err != nil {
		if _, ferr := e.markFailed(ctx, exec, fmt.Errorf("open approval gate: %w", err)); ferr != nil {
			e.logger.ErrorContext(ctx, "gate_open_mark_failed",
				slog.String("execution_id", exec.ID),
				slog.Any("error", ferr),
			)
		}
		return err
	}

	if tr.Approval.NotifyOnPending {
		for _, req := range reqs {
			e.notify(ctx, "approval_pending", func() error {
				return e.notifier.NotifyApprovalPending(ctx, exec, req)
			})
		}
	}
	return nil
}

func (e *engineImpl) RecordResponse(ctx context.Context, requestID, approver string, decision api.Decision, comments string) (*api.TransitionExecution, error) {
	req, err := e.approvals.GetRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, persistence.ErrRequestNotFound) {
			return nil, api.ErrRequestNotFound
		}
		return nil, err
	}
	if req.Approver != approver {
		return nil, api.ErrNotEligibleApprover
	}

	exec, err := e.getExecution(ctx, req.ExecutionID)
	if err != nil {
		return nil, err
	}
	if exec.Status != api.StatusPendingApproval {
		return nil, api.ErrApprovalNotPending
	}

	def, err := e.registry.Get(exec.BlueprintID)
	if err != nil {
		return nil, err
	}
	tr, ok := def.TransitionByID(exec.TransitionID)
	if !ok || tr.Approval == nil {
		return nil, fmt.Errorf("execution %q references transition %q without an approval policy", exec.ID, exec.TransitionID)
	}

	var to api.RequestStatus
	switch decision {
	case api.DecisionApprove:
		to = api.RequestApproved
	case api.DecisionReject:
		to = api.RequestRejected
	default:
		return nil, fmt.Errorf("unknown decision %q", decision)
	}

	now := time.Now()
	claimed, err := e.approvals.ClaimRequest(ctx, requestID, to, comments, now)
	if err != nil {
		if errors.Is(err, persistence.ErrRequestNotFound) {
			return nil, api.ErrRequestNotFound
		}
		return nil, err
	}
	if !claimed {
		return nil, api.ErrApprovalNotPending
	}

	req.Status = to
	req.Comments = comments
	req.RespondedAt = &now
	e.observer.OnApprovalRecorded(ctx, exec, req, decision)

	if decision == api.DecisionReject {
		return e.resolveRejected(ctx, tr, exec, req, comments)
	}
	return e.resolveApproved(ctx, def, tr, exec)
}

// resolveRejected drives the execution to StatusRejected. A rejection
// resolves the gate immediately regardless of earlier approvals; the other
// pending requests expire.
func (e *engineImpl) resolveRejected(ctx context.Context, tr api.Transition, exec *api.TransitionExecution, req *api.ApprovalRequest, comments string) (*api.TransitionExecution, error) {
	if _, err := e.approvals.ExpirePendingSiblings(ctx, exec.ID, req.ID); err != nil {
		e.logger.ErrorContext(ctx, "expire_siblings_failed",
			slog.String("execution_id", exec.ID),
			slog.Any("error", err),
		)
	}

	claimed, err := e.executions.ClaimExecutionStatus(ctx, exec.ID, api.StatusPendingApproval, api.StatusRejected)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return e.getExecution(ctx, exec.ID)
	}

	msg := comments
	if msg == "" {
		msg = "Approval request rejected"
	}
	done := time.Now()
	exec.Status = api.StatusRejected
	exec.ErrorMessage = msg
	exec.CompletedAt = &done
	if err := e.executions.UpdateExecution(ctx, exec); err != nil {
		return nil, err
	}

	e.observer.OnTransitionRejected(ctx, exec)
	if tr.Approval.NotifyOnComplete {
		e.notify(ctx, "transition_rejected", func() error {
			return e.notifier.NotifyTransitionRejected(ctx, exec, req)
		})
	}
	return exec, nil
}

// resolveApproved checks aggregate gate completion and, when the gate is
// done, claims the execution and runs the completion sequence. The claim is
// the linearization point: of all racing responders exactly one completes.
func (e *engineImpl) resolveApproved(ctx context.Context, def api.BlueprintDefinition, tr api.Transition, exec *api.TransitionExecution) (*api.TransitionExecution, error) {
	if tr.Approval.RequireAll {
		pending, err := e.approvals.CountPending(ctx, exec.ID)
		if err != nil {
			return nil, err
		}
		if pending > 0 {
			return e.getExecution(ctx, exec.ID)
		}
	}

	claimed, err := e.executions.ClaimExecutionStatus(ctx, exec.ID, api.StatusPendingApproval, api.StatusApproved)
	if err != nil {
		return nil, err
	}
	if !claimed {
		// Lost to a concurrent resolver, possibly a rejection.
		return e.getExecution(ctx, exec.ID)
	}
	exec.Status = api.StatusApproved

	// With an any-of policy the other approvers no longer need to respond.
	if _, err := e.approvals.ExpirePendingSiblings(ctx, exec.ID, ""); err != nil {
		e.logger.ErrorContext(ctx, "expire_siblings_failed",
			slog.String("execution_id", exec.ID),
			slog.Any("error", err),
		)
	}

	return e.complete(ctx, def, tr, exec)
}

func (e *engineImpl) ProcessOverdueApprovals(ctx context.Context) (api.ApprovalSweepResult, error) {
	var result api.ApprovalSweepResult

	reqs, err := e.approvals.ListPendingRequests(ctx)
	if err != nil {
		return result, err
	}

	now := time.Now()
	expired := make(map[string]bool)
	for _, req := range reqs {
		if expired[req.ExecutionID] {
			continue
		}

		exec, err := e.executions.GetExecution(ctx, req.ExecutionID)
		if err != nil {
			e.logger.ErrorContext(ctx, "approval_sweep_lookup_failed",
				slog.String("request_id", req.ID),
				slog.Any("error", err),
			)
			continue
		}
		if exec.Status != api.StatusPendingApproval {
			continue
		}

		def, err := e.registry.Get(exec.BlueprintID)
		if err != nil {
			e.logger.ErrorContext(ctx, "approval_sweep_lookup_failed",
				slog.String("request_id", req.ID),
				slog.Any("error", err),
			)
			continue
		}
		tr, ok := def.TransitionByID(exec.TransitionID)
		if !ok || tr.Approval == nil {
			continue
		}
		policy := tr.Approval

		age := now.Sub(req.CreatedAt)
		if policy.ExpireAfter > 0 && age > policy.ExpireAfter {
			if e.expireExecution(ctx, exec) {
				result.Expired++
				expired[exec.ID] = true
			}
			continue
		}

		if policy.RemindAfter > 0 && req.RemindedAt == nil && age > policy.RemindAfter {
			e.notify(ctx, "approval_reminder", func() error {
				return e.notifier.NotifyApprovalReminder(ctx, exec, req)
			})
			reminded := now
			req.RemindedAt = &reminded
			if err := e.approvals.UpdateRequest(ctx, req); err != nil {
				e.logger.ErrorContext(ctx, "approval_sweep_reminder_update_failed",
					slog.String("request_id", req.ID),
					slog.Any("error", err),
				)
				continue
			}
			result.RemindersSent++
		}
	}
	return result, nil
}

// expireExecution fails an execution whose approval deadline passed. Returns
// true when this sweep won the claim.
func (e *engineImpl) expireExecution(ctx context.Context, exec *api.TransitionExecution) bool {
	claimed, err := e.executions.ClaimExecutionStatus(ctx, exec.ID, api.StatusPendingApproval, api.StatusFailed)
	if err != nil || !claimed {
		if err != nil {
			e.logger.ErrorContext(ctx, "approval_sweep_claim_failed",
				slog.String("execution_id", exec.ID),
				slog.Any("error", err),
			)
		}
		return false
	}

	if _, err := e.approvals.ExpirePendingSiblings(ctx, exec.ID, ""); err != nil {
		e.logger.ErrorContext(ctx, "expire_siblings_failed",
			slog.String("execution_id", exec.ID),
			slog.Any("error", err),
		)
	}

	done := time.Now()
	exec.Status = api.StatusFailed
	exec.ErrorMessage = errApprovalExpired.Error()
	exec.CompletedAt = &done
	if err := e.executions.UpdateExecution(ctx, exec); err != nil {
		e.logger.ErrorContext(ctx, "approval_sweep_update_failed",
			slog.String("execution_id", exec.ID),
			slog.Any("error", err),
		)
		return true
	}

	e.observer.OnTransitionFailed(ctx, exec, errApprovalExpired)
	return true
}
