// Package sla tracks per-state dwell-time budgets. Each time a record enters
// a state with an active SLA config, the tracker opens an SLAInstance with a
// computed due time; a periodic sweep marks overdue instances breached and
// fires their escalations.
package sla

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nexocrm/blueprint/internal/persistence"
	"github.com/nexocrm/blueprint/internal/registry"
	"github.com/nexocrm/blueprint/pkg/api"
)

const (
	businessDayStart = 9
	businessDayEnd   = 17

	// defaultApproachingPct is used when an APPROACHING escalation leaves
	// ThresholdPct at zero.
	defaultApproachingPct = 80
)

// Tracker manages SLA instances. SLA bookkeeping never fails a transition:
// callers treat Tracker errors as log-and-continue.
type Tracker struct {
	slas     persistence.SLAStore
	registry *registry.StateRegistry
	actions  *api.ActionRegistry
	observer api.Observer
	logger   *slog.Logger
}

// NewTracker creates a Tracker. observer and logger may be nil.
func NewTracker(slas persistence.SLAStore, reg *registry.StateRegistry, actions *api.ActionRegistry, observer api.Observer, logger *slog.Logger) *Tracker {
	if observer == nil {
		observer = api.NoopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		slas:     slas,
		registry: reg,
		actions:  actions,
		observer: observer,
		logger:   logger,
	}
}

// DueAt computes when the SLA budget for entering a state at 'from' runs out.
// With BusinessHoursOnly only the 09:00-17:00 window counts toward the
// budget; with ExcludeWeekends, Saturdays and Sundays do not count.
func DueAt(cfg *api.SLAConfig, from time.Time) time.Time {
	if cfg == nil || !cfg.Active {
		return from
	}
	if !cfg.BusinessHoursOnly && !cfg.ExcludeWeekends {
		return from.Add(cfg.Duration)
	}

	remaining := cfg.Duration
	cursor := from
	for {
		cursor = nextCountedInstant(cursor, cfg)
		window := windowEnd(cursor, cfg).Sub(cursor)
		if remaining <= window {
			return cursor.Add(remaining)
		}
		remaining -= window
		cursor = windowEnd(cursor, cfg)
	}
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

func startOfNextDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, t.Location())
}

// nextCountedInstant advances t to the next instant that counts toward the
// budget under cfg.
func nextCountedInstant(t time.Time, cfg *api.SLAConfig) time.Time {
	for {
		if cfg.ExcludeWeekends && isWeekend(t) {
			t = startOfNextDay(t)
			continue
		}
		if cfg.BusinessHoursOnly {
			y, m, d := t.Date()
			start := time.Date(y, m, d, businessDayStart, 0, 0, 0, t.Location())
			end := time.Date(y, m, d, businessDayEnd, 0, 0, 0, t.Location())
			if t.Before(start) {
				t = start
				continue
			}
			if !t.Before(end) {
				t = startOfNextDay(t)
				continue
			}
		}
		return t
	}
}

// windowEnd returns the end of the counted window containing t. t must be a
// counted instant.
func windowEnd(t time.Time, cfg *api.SLAConfig) time.Time {
	if cfg.BusinessHoursOnly {
		y, m, d := t.Date()
		return time.Date(y, m, d, businessDayEnd, 0, 0, 0, t.Location())
	}
	return startOfNextDay(t)
}

// Start closes any active instance for the record and, when the entered
// state carries an active SLA config, opens a new one.
func (t *Tracker) Start(ctx context.Context, def api.BlueprintDefinition, recordID string, state api.State, enteredAt time.Time) error {
	if err := t.Complete(ctx, def.ID, recordID, enteredAt); err != nil {
		return err
	}

	if state.SLA == nil || !state.SLA.Active {
		return nil
	}

	inst := &api.SLAInstance{
		ID:          uuid.NewString(),
		BlueprintID: def.ID,
		RecordID:    recordID,
		StateID:     state.ID,
		Status:      api.SLAActive,
		StartedAt:   enteredAt,
		DueAt:       DueAt(state.SLA, enteredAt),
	}
	if err := t.slas.CreateSLAInstance(ctx, inst); err != nil {
		// A concurrent start already opened the instance; keep its clock.
		if errors.Is(err, persistence.ErrConflictingSLAInstance) {
			return nil
		}
		return err
	}
	return nil
}

// Complete closes the record's active instance, if any. An instance already
// marked breached keeps that status; only its completion time is recorded.
func (t *Tracker) Complete(ctx context.Context, blueprintID, recordID string, at time.Time) error {
	inst, err := t.slas.GetActiveSLAInstance(ctx, blueprintID, recordID)
	if err != nil {
		if errors.Is(err, persistence.ErrSLAInstanceNotFound) {
			return nil
		}
		return err
	}

	if inst.Status != api.SLABreached {
		inst.Status = api.SLACompleted
	}
	done := at
	inst.CompletedAt = &done
	return t.slas.UpdateSLAInstance(ctx, inst)
}

// Status returns the record's active instance, or nil when there is none.
func (t *Tracker) Status(ctx context.Context, blueprintID, recordID string) (*api.SLAInstance, error) {
	inst, err := t.slas.GetActiveSLAInstance(ctx, blueprintID, recordID)
	if err != nil {
		if errors.Is(err, persistence.ErrSLAInstanceNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return inst, nil
}

// Check sweeps all active instances: overdue ones are marked breached and
// due escalations fire, each at most once per instance. Per-instance
// failures are logged and do not stop the sweep.
func (t *Tracker) Check(ctx context.Context, now time.Time) (api.SLASweepResult, error) {
	var result api.SLASweepResult

	instances, err := t.slas.ListActiveSLAInstances(ctx)
	if err != nil {
		return result, err
	}

	for _, inst := range instances {
		result.Checked++
		fired, breached, err := t.checkInstance(ctx, inst, now)
		if err != nil {
			t.logger.ErrorContext(ctx, "sla_check_failed",
				slog.String("sla_id", inst.ID),
				slog.String("record", inst.RecordID),
				slog.Any("error", err),
			)
			continue
		}
		result.EscalationsTriggered += fired
		if breached {
			result.BreachesMarked++
		}
	}
	return result, nil
}

func (t *Tracker) checkInstance(ctx context.Context, inst *api.SLAInstance, now time.Time) (fired int, breached bool, err error) {
	def, err := t.registry.Get(inst.BlueprintID)
	if err != nil {
		return 0, false, fmt.Errorf("lookup blueprint: %w", err)
	}
	state, ok := def.StateByID(inst.StateID)
	if !ok || state.SLA == nil {
		return 0, false, fmt.Errorf("state %q has no sla config", inst.StateID)
	}

	dirty := false

	if now.After(inst.DueAt) && inst.Status != api.SLABreached {
		inst.Status = api.SLABreached
		breached = true
		dirty = true
		t.observer.OnSLABreached(ctx, inst)
	}

	elapsed := inst.PercentElapsed(now)
	for _, esc := range state.SLA.Escalations {
		if inst.EscalationTriggered(esc.ID) {
			continue
		}
		due := false
		switch esc.Trigger {
		case api.TriggerApproaching:
			threshold := esc.ThresholdPct
			if threshold == 0 {
				threshold = defaultApproachingPct
			}
			due = elapsed >= float64(threshold)
		case api.TriggerBreached:
			due = now.After(inst.DueAt)
		}
		if !due {
			continue
		}

		t.fireEscalation(ctx, def, inst, esc)
		inst.TriggeredEscalations = append(inst.TriggeredEscalations, esc.ID)
		fired++
		dirty = true
	}

	if dirty {
		if err := t.slas.UpdateSLAInstance(ctx, inst); err != nil {
			return fired, breached, err
		}
	}
	return fired, breached, nil
}

// fireEscalation runs one escalation action. Escalations are best-effort:
// failures and panics are logged and swallowed.
func (t *Tracker) fireEscalation(ctx context.Context, def api.BlueprintDefinition, inst *api.SLAInstance, esc api.Escalation) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.ErrorContext(ctx, "sla_escalation_panic",
				slog.String("sla_id", inst.ID),
				slog.String("escalation", esc.ID),
				slog.Any("panic", r),
			)
		}
	}()

	action, ok := t.actions.Resolve(esc.Action.Kind)
	if !ok {
		t.logger.WarnContext(ctx, "sla_escalation_unknown_kind",
			slog.String("sla_id", inst.ID),
			slog.String("escalation", esc.ID),
			slog.String("kind", esc.Action.Kind),
		)
		return
	}

	actx := api.ActionContext{
		Blueprint: def,
		Config:    esc.Action.Config,
		Vars: map[string]string{
			"blueprint": def.ID,
			"record_id": inst.RecordID,
			"state":     inst.StateID,
			"trigger":   string(esc.Trigger),
			"due_at":    inst.DueAt.Format(time.RFC3339),
		},
	}

	if _, err := action.Execute(ctx, actx); err != nil {
		t.logger.ErrorContext(ctx, "sla_escalation_failed",
			slog.String("sla_id", inst.ID),
			slog.String("escalation", esc.ID),
			slog.Any("error", err),
		)
	}
}
