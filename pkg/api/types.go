package api

import (
	"time"
)

// ExecutionStatus represents the lifecycle state of a TransitionExecution.
type ExecutionStatus string

const (
	// StatusPendingApproval means the execution is suspended until its
	// approval gate resolves.
	StatusPendingApproval ExecutionStatus = "PENDING_APPROVAL"

	// StatusImmediate means the transition carries no approval policy and
	// runs synchronously inside RequestTransition.
	StatusImmediate ExecutionStatus = "IMMEDIATE"

	// StatusApproved means the approval gate resolved positively and the
	// completion sequence is running.
	StatusApproved ExecutionStatus = "APPROVED"

	StatusCompleted ExecutionStatus = "COMPLETED"
	StatusRejected  ExecutionStatus = "REJECTED"
	StatusFailed    ExecutionStatus = "FAILED"
	StatusCancelled ExecutionStatus = "CANCELLED"
)

// Terminal reports whether the status is final. Terminal executions are
// never mutated again.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// RequestStatus is the lifecycle state of a single ApprovalRequest.
type RequestStatus string

const (
	RequestPending  RequestStatus = "PENDING"
	RequestApproved RequestStatus = "APPROVED"
	RequestRejected RequestStatus = "REJECTED"
	RequestExpired  RequestStatus = "EXPIRED"
)

// Decision is an approver's response to a pending request.
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReject  Decision = "REJECT"
)

// SLAInstanceStatus is the lifecycle state of an SLAInstance.
type SLAInstanceStatus string

const (
	SLAActive    SLAInstanceStatus = "ACTIVE"
	SLACompleted SLAInstanceStatus = "COMPLETED"
	SLABreached  SLAInstanceStatus = "BREACHED"
)

// EscalationTrigger selects when an SLA escalation fires.
type EscalationTrigger string

const (
	// TriggerApproaching fires when the elapsed share of the SLA budget
	// reaches Escalation.ThresholdPct (default 80).
	TriggerApproaching EscalationTrigger = "APPROACHING"

	// TriggerBreached fires once the instance is past its due time.
	TriggerBreached EscalationTrigger = "BREACHED"
)

// SLAConfig is the time budget attached to dwelling in a state.
type SLAConfig struct {
	Active   bool
	Duration time.Duration

	// BusinessHoursOnly counts only 09:00-17:00 towards the budget when
	// computing the due time.
	BusinessHoursOnly bool

	// ExcludeWeekends skips Saturday and Sunday when computing the due time.
	ExcludeWeekends bool

	Escalations []Escalation
}

// Escalation describes a side effect fired by the SLA sweep when an active
// instance approaches or breaches its budget. Each escalation fires at most
// once per instance.
type Escalation struct {
	ID      string
	Trigger EscalationTrigger

	// ThresholdPct applies to TriggerApproaching; zero means 80.
	ThresholdPct int

	// Action is executed through the engine's action registry.
	Action ActionSpec
}

// State is a node of a blueprint state machine.
type State struct {
	ID       string
	Name     string
	Terminal bool

	// SLA is the optional time budget for dwelling in this state.
	SLA *SLAConfig
}

// ApprovalPolicy gates a transition behind approve/reject decisions from a
// set of eligible approvers.
type ApprovalPolicy struct {
	// RequireAll demands a decision from every approver; otherwise any
	// single approval resolves the gate.
	RequireAll bool

	// Approvers are the identities eligible to respond.
	Approvers []string

	// NotifyOnPending sends a notification to each approver when the gate
	// opens.
	NotifyOnPending bool

	// NotifyOnComplete sends a notification to the requester when the gate
	// resolves (either way).
	NotifyOnComplete bool

	// ExpireAfter, when positive, lets the approval sweep fail executions
	// whose requests have been pending longer than this.
	ExpireAfter time.Duration

	// RemindAfter, when positive, lets the approval sweep send a one-time
	// reminder to approvers whose requests have been pending longer than this.
	RemindAfter time.Duration
}

// ActionSpec is the persisted descriptor of one side-effecting action on a
// transition. Kind selects the implementation from the ActionRegistry.
type ActionSpec struct {
	ID     string
	Kind   string
	Config map[string]string
}

// Transition is a directed edge between two states of a blueprint.
type Transition struct {
	ID          string
	Name        string
	FromStateID string
	ToStateID   string

	// Actions run in order during the completion sequence.
	Actions []ActionSpec

	// Approval, when non-nil, gates the transition behind the policy.
	Approval *ApprovalPolicy
}

// RequiresApproval reports whether the transition carries an approval policy.
func (t Transition) RequiresApproval() bool {
	return t.Approval != nil
}

// BlueprintDefinition is a named state machine bound to one business-object
// type. Definitions are immutable once records reference them.
type BlueprintDefinition struct {
	ID   string
	Name string

	// ObjectType names the business-object type the blueprint governs
	// (for example "deals").
	ObjectType string

	// FieldAPIName optionally names the record field that mirrors the
	// current state name; the engine's field-update action uses it.
	FieldAPIName string

	InitialStateID string
	States         []State
	Transitions    []Transition
}

// StateByID returns the state with the given id.
func (d BlueprintDefinition) StateByID(id string) (State, bool) {
	for _, s := range d.States {
		if s.ID == id {
			return s, true
		}
	}
	return State{}, false
}

// InitialState returns the blueprint's initial state, falling back to the
// first defined state when InitialStateID is unset.
func (d BlueprintDefinition) InitialState() (State, bool) {
	if d.InitialStateID != "" {
		return d.StateByID(d.InitialStateID)
	}
	if len(d.States) > 0 {
		return d.States[0], true
	}
	return State{}, false
}

// TransitionByID returns the transition with the given id.
func (d BlueprintDefinition) TransitionByID(id string) (Transition, bool) {
	for _, t := range d.Transitions {
		if t.ID == id {
			return t, true
		}
	}
	return Transition{}, false
}

// TransitionBetween returns the transition connecting from to to, if any.
func (d BlueprintDefinition) TransitionBetween(fromStateID, toStateID string) (Transition, bool) {
	for _, t := range d.Transitions {
		if t.FromStateID == fromStateID && t.ToStateID == toStateID {
			return t, true
		}
	}
	return Transition{}, false
}

// TransitionsFrom returns all transitions leaving the given state, in
// definition order.
func (d BlueprintDefinition) TransitionsFrom(stateID string) []Transition {
	var out []Transition
	for _, t := range d.Transitions {
		if t.FromStateID == stateID {
			out = append(out, t)
		}
	}
	return out
}

// TransitionExecution is one attempt to move one record along one transition.
type TransitionExecution struct {
	ID           string
	BlueprintID  string
	RecordID     string
	TransitionID string
	FromStateID  string
	ToStateID    string
	RequestedBy  string

	Status ExecutionStatus

	// ActionResults maps action id to its outcome. The map is persisted on
	// completion regardless of individual action failures; a failed action
	// never changes the execution status away from COMPLETED.
	ActionResults map[string]ActionResult

	// ErrorMessage carries the rejection comment or completion failure.
	ErrorMessage string

	StartedAt   time.Time
	CompletedAt *time.Time
}

// ApprovalRequest is one approver's pending decision for an execution.
type ApprovalRequest struct {
	ID          string
	ExecutionID string
	Approver    string
	Status      RequestStatus
	Comments    string
	CreatedAt   time.Time
	RespondedAt *time.Time

	// RemindedAt records the one-time reminder sent by the approval sweep.
	RemindedAt *time.Time
}

// RecordState is the authoritative current-state projection for one record
// under one blueprint.
type RecordState struct {
	BlueprintID      string
	RecordID         string
	CurrentStateID   string
	EnteredAt        time.Time
	LastTransitionID string
	LastTransitionAt *time.Time
}

// SLAInstance tracks one dwell of one record in one state.
type SLAInstance struct {
	ID          string
	BlueprintID string
	RecordID    string
	StateID     string
	Status      SLAInstanceStatus
	StartedAt   time.Time
	DueAt       time.Time
	CompletedAt *time.Time

	// TriggeredEscalations holds ids of escalations already fired, so the
	// sweep fires each at most once.
	TriggeredEscalations []string
}

// EscalationTriggered reports whether the escalation with the given id has
// already fired for this instance.
func (i *SLAInstance) EscalationTriggered(id string) bool {
	for _, t := range i.TriggeredEscalations {
		if t == id {
			return true
		}
	}
	return false
}

// PercentElapsed returns how much of the SLA budget has elapsed at now,
// as a percentage. A zero-length budget counts as fully elapsed.
func (i *SLAInstance) PercentElapsed(now time.Time) float64 {
	total := i.DueAt.Sub(i.StartedAt)
	if total <= 0 {
		return 100
	}
	elapsed := now.Sub(i.StartedAt)
	return float64(elapsed) / float64(total) * 100
}
