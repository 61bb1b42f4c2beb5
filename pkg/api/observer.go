package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay transition execution.
type Observer interface {
	// OnTransitionRequested is called once when an execution is created,
	// before the approval gate opens or the completion sequence runs.
	OnTransitionRequested(ctx context.Context, exec *TransitionExecution)

	// OnApprovalRecorded is called after an approver's decision has been
	// applied to a request.
	OnApprovalRecorded(ctx context.Context, exec *TransitionExecution, req *ApprovalRequest, decision Decision)

	// OnTransitionCompleted is called when an execution reaches
	// StatusCompleted.
	OnTransitionCompleted(ctx context.Context, exec *TransitionExecution)

	// OnTransitionRejected is called when an execution reaches
	// StatusRejected.
	OnTransitionRejected(ctx context.Context, exec *TransitionExecution)

	// OnTransitionFailed is called when the completion sequence failed and
	// the execution was marked StatusFailed.
	OnTransitionFailed(ctx context.Context, exec *TransitionExecution, err error)

	// OnActionExecuted is called after each action of a transition ran,
	// for both successes and failures.
	OnActionExecuted(ctx context.Context, exec *TransitionExecution, actionID string, err error, duration time.Duration)

	// OnSLABreached is called when the SLA sweep marks an instance
	// breached.
	OnSLABreached(ctx context.Context, inst *SLAInstance)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnTransitionRequested(ctx context.Context, exec *TransitionExecution) {}
func (NoopObserver) OnApprovalRecorded(ctx context.Context, exec *TransitionExecution, req *ApprovalRequest, decision Decision) {
}
func (NoopObserver) OnTransitionCompleted(ctx context.Context, exec *TransitionExecution) {}
func (NoopObserver) OnTransitionRejected(ctx context.Context, exec *TransitionExecution)  {}
func (NoopObserver) OnTransitionFailed(ctx context.Context, exec *TransitionExecution, err error) {
}
func (NoopObserver) OnActionExecuted(ctx context.Context, exec *TransitionExecution, actionID string, err error, d time.Duration) {
}
func (NoopObserver) OnSLABreached(ctx context.Context, inst *SLAInstance) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnTransitionRequested(ctx context.Context, exec *TransitionExecution) {
	for _, o := range c.observers {
		o.OnTransitionRequested(ctx, exec)
	}
}

func (c *CompositeObserver) OnApprovalRecorded(ctx context.Context, exec *TransitionExecution, req *ApprovalRequest, decision Decision) {
	for _, o := range c.observers {
		o.OnApprovalRecorded(ctx, exec, req, decision)
	}
}

func (c *CompositeObserver) OnTransitionCompleted(ctx context.Context, exec *TransitionExecution) {
	for _, o := range c.observers {
		o.OnTransitionCompleted(ctx, exec)
	}
}

func (c *CompositeObserver) OnTransitionRejected(ctx context.Context, exec *TransitionExecution) {
	for _, o := range c.observers {
		o.OnTransitionRejected(ctx, exec)
	}
}

func (c *CompositeObserver) OnTransitionFailed(ctx context.Context, exec *TransitionExecution, err error) {
	for _, o := range c.observers {
		o.OnTransitionFailed(ctx, exec, err)
	}
}

func (c *CompositeObserver) OnActionExecuted(ctx context.Context, exec *TransitionExecution, actionID string, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnActionExecuted(ctx, exec, actionID, err, d)
	}
}

func (c *CompositeObserver) OnSLABreached(ctx context.Context, inst *SLAInstance) {
	for _, o := range c.observers {
		o.OnSLABreached(ctx, inst)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs engine lifecycle events
// using the provided slog.Logger. If logger is nil, slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnTransitionRequested(ctx context.Context, exec *TransitionExecution) {
	o.Logger.InfoContext(ctx, "transition_requested",
		slog.String("blueprint", exec.BlueprintID),
		slog.String("record", exec.RecordID),
		slog.String("execution_id", exec.ID),
		slog.String("transition", exec.TransitionID),
		slog.String("status", string(exec.Status)),
	)
}

func (o *LoggingObserver) OnApprovalRecorded(ctx context.Context, exec *TransitionExecution, req *ApprovalRequest, decision Decision) {
	o.Logger.InfoContext(ctx, "approval_recorded",
		slog.String("execution_id", exec.ID),
		slog.String("request_id", req.ID),
		slog.String("approver", req.Approver),
		slog.String("decision", string(decision)),
	)
}

func (o *LoggingObserver) OnTransitionCompleted(ctx context.Context, exec *TransitionExecution) {
	o.Logger.InfoContext(ctx, "transition_completed",
		slog.String("blueprint", exec.BlueprintID),
		slog.String("record", exec.RecordID),
		slog.String("execution_id", exec.ID),
		slog.String("to_state", exec.ToStateID),
	)
}

func (o *LoggingObserver) OnTransitionRejected(ctx context.Context, exec *TransitionExecution) {
	o.Logger.InfoContext(ctx, "transition_rejected",
		slog.String("execution_id", exec.ID),
		slog.String("reason", exec.ErrorMessage),
	)
}

func (o *LoggingObserver) OnTransitionFailed(ctx context.Context, exec *TransitionExecution, err error) {
	o.Logger.ErrorContext(ctx, "transition_failed",
		slog.String("execution_id", exec.ID),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnActionExecuted(ctx context.Context, exec *TransitionExecution, actionID string, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "action_executed",
		slog.String("execution_id", exec.ID),
		slog.String("action_id", actionID),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnSLABreached(ctx context.Context, inst *SLAInstance) {
	o.Logger.WarnContext(ctx, "sla_breached",
		slog.String("blueprint", inst.BlueprintID),
		slog.String("record", inst.RecordID),
		slog.String("state", inst.StateID),
		slog.Time("due_at", inst.DueAt),
	)
}

// BasicMetrics collects simple counters and aggregate action durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	transitionsRequested atomic.Int64
	transitionsCompleted atomic.Int64
	transitionsRejected  atomic.Int64
	transitionsFailed    atomic.Int64
	actionsExecuted      atomic.Int64
	slaBreaches          atomic.Int64
	totalActionDuration  atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	TransitionsRequested int64
	TransitionsCompleted int64
	TransitionsRejected  int64
	TransitionsFailed    int64
	PendingTransitions   int64

	ActionsExecuted   int64
	AvgActionDuration time.Duration

	SLABreaches int64
}

func (m *BasicMetrics) OnTransitionRequested(ctx context.Context, exec *TransitionExecution) {
	m.transitionsRequested.Add(1)
}

func (m *BasicMetrics) OnTransitionCompleted(ctx context.Context, exec *TransitionExecution) {
	m.transitionsCompleted.Add(1)
}

func (m *BasicMetrics) OnTransitionRejected(ctx context.Context, exec *TransitionExecution) {
	m.transitionsRejected.Add(1)
}

func (m *BasicMetrics) OnTransitionFailed(ctx context.Context, exec *TransitionExecution, err error) {
	m.transitionsFailed.Add(1)
}

func (m *BasicMetrics) OnActionExecuted(ctx context.Context, exec *TransitionExecution, actionID string, err error, d time.Duration) {
	// Only count successful actions for average duration.
	if err == nil {
		m.actionsExecuted.Add(1)
		m.totalActionDuration.Add(d.Nanoseconds())
	}
}

func (m *BasicMetrics) OnSLABreached(ctx context.Context, inst *SLAInstance) {
	m.slaBreaches.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	requested := m.transitionsRequested.Load()
	completed := m.transitionsCompleted.Load()
	rejected := m.transitionsRejected.Load()
	failed := m.transitionsFailed.Load()
	actions := m.actionsExecuted.Load()
	totalNs := m.totalActionDuration.Load()

	var avg time.Duration
	if actions > 0 {
		avg = time.Duration(totalNs / actions)
	}

	return BasicMetricsSnapshot{
		TransitionsRequested: requested,
		TransitionsCompleted: completed,
		TransitionsRejected:  rejected,
		TransitionsFailed:    failed,
		PendingTransitions:   requested - completed - rejected - failed,
		ActionsExecuted:      actions,
		AvgActionDuration:    avg,
		SLABreaches:          m.slaBreaches.Load(),
	}
}
